package job

import (
	"encoding/json"
)

// Event holds the info emitted to notification subscribers when a job
// reaches a terminal state.
type Event struct {
	// JobID is the unique id of a Job
	JobID string `json:"job_id"`

	// ResourceURL is the url of the downloaded resource
	ResourceURL string `json:"resource_url"`

	FileName string `json:"file_name"`

	Kind Kind `json:"kind"`

	// Status is the terminal history status: completed, failed or
	// cancelled.
	Status string `json:"status"`

	// Error carries the failure summary for failed jobs
	Error string `json:"error"`

	// FinalSize is the artifact size in bytes, 0 unless completed
	FinalSize int64 `json:"final_size"`

	// InstalledPath is the registry directory an editor build was
	// extracted to. Empty for export templates and failed jobs.
	InstalledPath string `json:"installed_path"`

	// Delivered signifies whether the event has been delivered
	Delivered bool `json:"delivered"`

	// DeliveryError contains the error occurred while delivering the event
	DeliveryError string `json:"delivery_error"`
}

// Bytes returns the event encoded as JSON
func (e *Event) Bytes() ([]byte, error) {
	return json.Marshal(e)
}
