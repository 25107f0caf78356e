// Package errors contains types representing download pipeline errors.
// It is used by the processor to tag errors with the pipeline phase they
// occurred in and to tell user cancellations apart from real failures.
package errors

import "fmt"

// The pipeline phases an error can be tagged with.
const (
	PhaseProbe    = "probing"
	PhaseTransfer = "transferring"
	PhaseMerge    = "merging"
	PhaseStore    = "storing"
	PhaseInstall  = "installing"
)

// DownloadError is the interface implemented by all pipeline errors.
type DownloadError interface {
	// Phase returns the pipeline phase the error occurred in.
	Phase() string

	// IsCancelled reports whether the error is the result of a user
	// cancellation rather than a genuine failure. Cancellations are
	// logged at info level and get distinct status text.
	IsCancelled() bool

	Err() error
	Error() string
}

// downloadError implements the DownloadError interface.
type downloadError struct {
	err       error
	phase     string
	cancelled bool
}

// Error returns a string created from the downloadError's attributes.
func (e downloadError) Error() string {
	if e.cancelled {
		return fmt.Sprintf("Cancelled while %s", e.phase)
	}
	return fmt.Sprintf("Error while %s, %s", e.phase, e.err)
}

// Phase exposes the phase the error occurred in.
func (e downloadError) Phase() string {
	return e.phase
}

// IsCancelled exposes the cancelled attribute.
func (e downloadError) IsCancelled() bool {
	return e.cancelled
}

// Err returns the raw error wrapped by the current downloadError.
func (e downloadError) Err() error {
	return e.err
}

// Unwrap lets stdlib errors.Is reach the wrapped error.
func (e downloadError) Unwrap() error {
	return e.err
}

// Cancelled returns a cancelled copy of the current downloadError.
func (e downloadError) Cancelled() downloadError {
	e.cancelled = true
	return e
}

// E creates and returns a new downloadError with the given phase and err.
func E(phase string, err error) downloadError {
	return downloadError{phase: phase, err: err}
}

// Errorf is a convenience function that creates a new downloadError with
// the given phase, formatting the arguments into its err field.
func Errorf(phase string, pattern string, args ...interface{}) downloadError {
	return E(phase, fmt.Errorf(pattern, args...))
}

// IsCancelled reports whether err is a cancelled DownloadError.
func IsCancelled(err error) bool {
	de, ok := err.(DownloadError)
	return ok && de.IsCancelled()
}
