package job

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the lifecycle state of a Job.
// For valid values see constants below.
type State string

// The available states of a Job.
const (
	StatePending     State = "Pending"
	StateDownloading State = "Downloading"
	StateMerging     State = "Merging"
	StateInstalling  State = "Installing"
	StateCompleted   State = "Completed"
	StateFailed      State = "Failed"
	StateCancelled   State = "Cancelled"
)

// Kind classifies what happens to a job's artifact after download.
type Kind string

const (
	// KindEditor artifacts are editor build archives; they are extracted
	// and imported into the editor registry after a successful download.
	KindEditor Kind = "editor"

	// KindExportTemplate artifacts are kept as downloaded; no install
	// step runs for them.
	KindExportTemplate Kind = "export-template"
)

// transitions holds the allowed state machine edges. Failed and
// Cancelled are reachable from any non-terminal state and are therefore
// not listed here.
var transitions = map[State][]State{
	StatePending:     {StateDownloading},
	StateDownloading: {StateMerging, StateInstalling, StateCompleted},
	StateMerging:     {StateInstalling, StateCompleted},
	StateInstalling:  {StateCompleted},

	// Retry edges: a retried job restarts from scratch.
	StateFailed:    {StateDownloading},
	StateCancelled: {StateDownloading},
}

// Terminal returns true if s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// MarshalBinary is used by the redis driver to marshal the custom type State
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}

// Valid returns true if k is a known job kind.
func (k Kind) Valid() bool {
	return k == KindEditor || k == KindExportTemplate
}

// Job represents one download-to-install task.
//
// It is the core entity of the pipeline and holds all info and state of
// the download. The coordinator owns the live record; everything handed
// to observers is an immutable Snapshot.
type Job struct {
	// Auto-generated
	ID string

	// The URL pointing to the resource to be downloaded
	URL string

	// FileName is the artifact's base name inside the downloads dir.
	FileName string

	// DisplayName is the human-facing name used when importing an
	// editor build into the registry. Defaults to FileName minus its
	// extension.
	DisplayName string

	Kind Kind

	// Dest is the absolute destination path of the artifact.
	// Set by the coordinator at submission time.
	Dest string

	// HistoryID is the id of the job's record in the history store.
	HistoryID string

	mu         sync.Mutex
	state      State
	statusText string
	canRetry   bool
	canInstall bool
	cancelled  bool
	cancel     context.CancelFunc
	done       chan struct{}

	// Progress bookkeeping for the current attempt. counters has one
	// entry per chunk (a single entry on the single-stream path);
	// workers increment their own entry with sync/atomic only.
	total     NullableInt
	counters  []int64
	startedAt time.Time
}

// New validates the input and returns a Job in the Pending state.
func New(rawURL, fileName, displayName string, kind Kind) (*Job, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, errors.New("Could not parse URL: " + err.Error())
	}
	if fileName == "" || strings.ContainsAny(fileName, "/\\") {
		return nil, fmt.Errorf("Invalid file name %q", fileName)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("Invalid job kind %q", kind)
	}
	if displayName == "" {
		displayName = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}

	return &Job{
		ID:          newID(),
		URL:         rawURL,
		FileName:    fileName,
		DisplayName: displayName,
		Kind:        kind,
		state:       StatePending,
		statusText:  "Queued",
		done:        make(chan struct{}),
	}, nil
}

func newID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to state "to", updating the status text.
// An edge not present in the state machine is an error and leaves the
// job untouched.
func (j *Job) Transition(to State, statusText string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.transitionOK(to) {
		return fmt.Errorf("Invalid state transition %s -> %s", j.state, to)
	}

	j.state = to
	j.statusText = statusText
	if to.Terminal() {
		close(j.done)
	}
	switch to {
	case StateCompleted:
		j.canRetry = false
		j.canInstall = true
	case StateFailed, StateCancelled:
		j.canRetry = true
		j.canInstall = false
	case StateDownloading:
		j.canRetry = false
		j.canInstall = false
	}
	return nil
}

func (j *Job) transitionOK(to State) bool {
	if to == StateFailed || to == StateCancelled {
		return !j.state.Terminal()
	}
	for _, s := range transitions[j.state] {
		if s == to {
			return true
		}
	}
	return false
}

// SetStatusText replaces the human-readable status line.
func (j *Job) SetStatusText(text string) {
	j.mu.Lock()
	j.statusText = text
	j.mu.Unlock()
}

// SetCancel installs the cancel function of a fresh download attempt
// and clears the cancelled flag of any prior attempt. The done channel
// is recreated so Finished() reflects the new attempt.
func (j *Job) SetCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.cancel = cancel
	j.cancelled = false
	if j.state.Terminal() {
		// retried job, rearm the done channel
		j.done = make(chan struct{})
	}
}

// ResetProgress discards the progress bookkeeping of any prior attempt
// and allocates chunks fresh counters (1 on the single-stream path).
// Called by the coordinator right before workers start.
func (j *Job) ResetProgress(total NullableInt, chunks int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.total = total
	j.counters = make([]int64, chunks)
	j.startedAt = time.Now()
}

// Finished returns a channel that is closed when the current attempt
// reaches a terminal state.
func (j *Job) Finished() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// CountBytes adds n to the chunk counter with the given index. Safe for
// concurrent use by the chunk workers; each worker must only ever touch
// its own index.
func (j *Job) CountBytes(chunk int, n int64) {
	j.mu.Lock()
	counters := j.counters
	j.mu.Unlock()
	atomic.AddInt64(&counters[chunk], n)
}

// Downloaded returns the aggregate bytes transferred in the current
// attempt, summed over all chunk counters.
func (j *Job) Downloaded() int64 {
	j.mu.Lock()
	counters := j.counters
	j.mu.Unlock()

	var sum int64
	for i := range counters {
		sum += atomic.LoadInt64(&counters[i])
	}
	return sum
}

// RequestCancel flags the job as user-cancelled and propagates the
// cancellation to all in-flight workers of the current attempt.
func (j *Job) RequestCancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancelled = true
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether RequestCancel was called for the current
// attempt.
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// CanRetry reports whether the job may be resubmitted.
func (j *Job) CanRetry() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.canRetry
}

// Snapshot is an immutable, observer-facing copy of a job's state with
// the progress figures computed at call time.
type Snapshot struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	FileName    string  `json:"file_name"`
	DisplayName string  `json:"display_name"`
	Kind        Kind    `json:"kind"`
	State       State   `json:"state"`
	StatusText  string  `json:"status_text"`
	TotalBytes  int64   `json:"total_bytes"` // 0 when unknown
	KnownSize   bool    `json:"known_size"`
	Downloaded  int64   `json:"downloaded_bytes"`
	Percent     float64 `json:"percent"` // stays 0 when size unknown
	Rate        float64 `json:"rate"`    // bytes per second
	CanRetry    bool    `json:"can_retry"`
	CanInstall  bool    `json:"can_install"`
}

// Snapshot returns the observer view of j. Throughput is aggregate
// bytes over wall time since the attempt started, not a per-chunk rate.
func (j *Job) Snapshot() Snapshot {
	downloaded := j.Downloaded()

	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:          j.ID,
		URL:         j.URL,
		FileName:    j.FileName,
		DisplayName: j.DisplayName,
		Kind:        j.Kind,
		State:       j.state,
		StatusText:  j.statusText,
		Downloaded:  downloaded,
		CanRetry:    j.canRetry,
		CanInstall:  j.canInstall,
	}
	if !j.total.IsNil() {
		s.KnownSize = true
		s.TotalBytes = int64(j.total.Value())
		if s.TotalBytes > 0 {
			s.Percent = float64(downloaded) / float64(s.TotalBytes) * 100
		}
	}
	if !j.startedAt.IsZero() {
		if elapsed := time.Since(j.startedAt).Seconds(); elapsed > 0 {
			s.Rate = float64(downloaded) / elapsed
		}
	}
	return s
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{ID:%s, Kind:%s, URL:%s, File:%s}",
		j.ID, j.Kind, j.URL, j.FileName)
}

// FormatRate renders a transfer rate for status texts.
func FormatRate(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		return "--- B/s"
	}
	if bytesPerSecond < 1024 {
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
	kbps := bytesPerSecond / 1024
	if kbps < 1024 {
		return fmt.Sprintf("%.1f KB/s", kbps)
	}
	return fmt.Sprintf("%.1f MB/s", kbps/1024)
}
