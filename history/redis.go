package history

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"

	"github.com/WangWindow/AvaGodots/job"
)

const (
	// Each record is a Redis Hash named "<RecordKeyPrefix><record-id>"
	RecordKeyPrefix = "record:"

	// RecordIndex is a ZSET of record ids scored by start time, used to
	// list records in submission order.
	RecordIndex = "records"

	// EventQueue is a ZSET of JSON-encoded terminal events scored by
	// the time they become due.
	EventQueue = "EventQueue"

	// Prefix for stats related entries
	statsPrefix = "stats"
)

// Atomically pop an entry from a sorted set (ZSET)
//
// Each event has a score that points to the time it should be
// delivered, so backoffs work by scheduling events in the future.
//
// We only pop events that are "ready", and we return two different
// kinds of errors, EMPTY & RETRYLATER, so the notifier can tell an idle
// queue from a backed-off one.
//
// Both operations are O(1) since we operate on the left side of an
// ordered list.
var zpop = redis.NewScript(`
	local key = KEYS[1]
	local max_score = ARGV[1]

	-- Get the entry with the smallest score
	local top = redis.call("zrange", key, 0, 0, 'withscores')

	-- Empty ZSET
	if #top == 0 then
		return redis.error_reply("EMPTY")
	end

	local entry = top[1]
	local score = top[2]

	-- Entry is not due yet
	if score > max_score then
		return redis.error_reply("RETRYLATER")
	end

	redis.call("zremrangebyrank", key, 0, 0)
	return entry
	`)

// RedisStore is the production history store, backed by Redis.
type RedisStore struct {
	Redis *redis.Client
}

// NewRedisStore returns a Store talking to the given Redis client. If
// Redis is not up an error will be returned.
func NewRedisStore(r *redis.Client) (*RedisStore, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return nil, fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &RedisStore{Redis: r}, nil
}

// AddRecord creates a pending record and indexes it by start time.
func (s *RedisStore) AddRecord(url, fileName, filePath, kind string) (string, error) {
	rec := Record{
		ID:        newRecordID(),
		URL:       url,
		FileName:  fileName,
		FilePath:  filePath,
		Kind:      kind,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
	if err := s.save(&rec); err != nil {
		return "", err
	}

	z := redis.Z{
		Member: rec.ID,
		Score:  float64(rec.StartedAt.Unix()),
	}
	if err := s.Redis.ZAdd(RecordIndex, z).Err(); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// UpdateStatus updates the record's status, stamping FinishedAt on
// terminal statuses.
func (s *RedisStore) UpdateStatus(id, status string, finalSize *int64) error {
	rec, err := s.GetRecord(id)
	if err != nil {
		return err
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
	return s.save(&rec)
}

// GetRecord fetches the record with the given id from Redis.
func (s *RedisStore) GetRecord(id string) (Record, error) {
	val, err := s.Redis.HGetAll(RecordKeyPrefix + id).Result()
	if err != nil {
		return Record{}, err
	}
	if v, ok := val["ID"]; !ok || v == "" {
		return Record{}, ErrNotFound
	}
	return recordFromMap(val)
}

// ListRecords returns all records, most recently started first.
func (s *RedisStore) ListRecords() ([]Record, error) {
	ids, err := s.Redis.ZRevRange(RecordIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetRecord(id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// QueueEvent enqueues ev for immediate delivery.
func (s *RedisStore) QueueEvent(ev *job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	z := redis.Z{
		Member: string(payload),
		Score:  float64(time.Now().Unix()),
	}
	return s.Redis.ZAdd(EventQueue, z).Err()
}

// PopEvent attempts to pop one due event from the queue.
func (s *RedisStore) PopEvent() (job.Event, error) {
	val, err := zpop.Run(s.Redis, []string{EventQueue}, time.Now().Unix()).Result()
	if err != nil {
		switch err.Error() {
		case "EMPTY":
			return job.Event{}, ErrEmptyQueue
		case "RETRYLATER":
			return job.Event{}, ErrRetryLater
		}
		return job.Event{}, err
	}

	var ev job.Event
	payload, ok := val.(string)
	if !ok {
		return job.Event{}, fmt.Errorf("Unexpected zpop result type %T", val)
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return job.Event{}, err
	}
	return ev, nil
}

// SetStats stores a component's metrics blob with an expiry.
func (s *RedisStore) SetStats(id, stats string, ttl time.Duration) error {
	return s.Redis.Set(fmt.Sprintf("%s:%s", statsPrefix, id), stats, ttl).Err()
}

func (s *RedisStore) save(rec *Record) error {
	m := map[string]interface{}{
		"ID":         rec.ID,
		"URL":        rec.URL,
		"FileName":   rec.FileName,
		"FilePath":   rec.FilePath,
		"Kind":       rec.Kind,
		"Status":     rec.Status,
		"StartedAt":  rec.StartedAt.Unix(),
		"FinalSize":  rec.FinalSize,
		"FinishedAt": int64(0),
	}
	if !rec.FinishedAt.IsZero() {
		m["FinishedAt"] = rec.FinishedAt.Unix()
	}
	return s.Redis.HMSet(RecordKeyPrefix+rec.ID, m).Err()
}

func recordFromMap(m map[string]string) (Record, error) {
	rec := Record{
		ID:       m["ID"],
		URL:      m["URL"],
		FileName: m["FileName"],
		FilePath: m["FilePath"],
		Kind:     m["Kind"],
		Status:   m["Status"],
	}

	if v := m["StartedAt"]; v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("Could not parse StartedAt %q: %s", v, err)
		}
		rec.StartedAt = time.Unix(sec, 0)
	}
	if v := m["FinishedAt"]; v != "" && v != "0" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("Could not parse FinishedAt %q: %s", v, err)
		}
		rec.FinishedAt = time.Unix(sec, 0)
	}
	if v := m["FinalSize"]; v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("Could not parse FinalSize %q: %s", v, err)
		}
		rec.FinalSize = size
	}
	return rec, nil
}
