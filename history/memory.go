package history

import (
	"sync"
	"time"

	"github.com/WangWindow/AvaGodots/job"
)

// MemoryStore is an in-process Store. It backs the pipeline when no
// Redis is configured and the tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	events  []job.Event
	stats   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		stats:   make(map[string]string),
	}
}

func (s *MemoryStore) AddRecord(url, fileName, filePath, kind string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{
		ID:        newRecordID(),
		URL:       url,
		FileName:  fileName,
		FilePath:  filePath,
		Kind:      kind,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec.ID, nil
}

func (s *MemoryStore) UpdateStatus(id, status string, finalSize *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if terminalStatus(status) {
		rec.FinishedAt = time.Now()
	} else {
		rec.FinishedAt = time.Time{}
		rec.FinalSize = 0
	}
	if finalSize != nil {
		rec.FinalSize = *finalSize
	}
	return nil
}

func (s *MemoryStore) GetRecord(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (s *MemoryStore) ListRecords() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, *s.records[s.order[i]])
	}
	return out, nil
}

func (s *MemoryStore) QueueEvent(ev *job.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) PopEvent() (job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return job.Event{}, ErrEmptyQueue
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *MemoryStore) SetStats(id, stats string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats[id] = stats
	return nil
}

// Stats returns the last metrics blob stored for id, or "".
func (s *MemoryStore) Stats(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[id]
}
