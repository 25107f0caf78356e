// Package history is the audit trail of the pipeline. One record is
// written per job at submission and updated at every terminal
// transition; terminal events are additionally queued here for the
// notifier to pick up.
package history

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/WangWindow/AvaGodots/job"
)

// The caller-visible status strings of a history record.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

var (
	// ErrEmptyQueue is returned by PopEvent when there is no queued event
	ErrEmptyQueue = errors.New("Queue is empty")
	// ErrRetryLater is returned by PopEvent when there are only future events in the queue
	ErrRetryLater = errors.New("Retry again later")
	// ErrNotFound is returned by GetRecord when the requested record is
	// not in the store.
	ErrNotFound = errors.New("Not Found")
)

// Record captures one job in the audit trail.
type Record struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	FileName  string    `json:"file_name"`
	FilePath  string    `json:"file_path"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`

	// FinishedAt stays zero until the record reaches a terminal status.
	FinishedAt time.Time `json:"finished_at"`

	// FinalSize is the artifact size in bytes, set on completion only.
	FinalSize int64 `json:"final_size"`
}

// Store is the job history collaborator consumed by the processor and
// the notifier.
type Store interface {
	// AddRecord creates a record in StatusPending and returns its id.
	AddRecord(url, fileName, filePath, kind string) (string, error)

	// UpdateStatus moves the record to status, setting FinishedAt when
	// the status is terminal and FinalSize when finalSize is non-nil.
	UpdateStatus(id, status string, finalSize *int64) error

	GetRecord(id string) (Record, error)

	// ListRecords returns all records, most recently started first.
	ListRecords() ([]Record, error)

	// QueueEvent enqueues a terminal event for the notifier.
	QueueEvent(ev *job.Event) error

	// PopEvent dequeues one event. ErrEmptyQueue is returned when the
	// queue is empty, ErrRetryLater when it only holds future events.
	PopEvent() (job.Event, error)

	// SetStats stores a component's metrics blob with an expiry.
	SetStats(id, stats string, ttl time.Duration) error
}

func terminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

func newRecordID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
