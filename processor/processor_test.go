package processor

import (
	"bytes"
	"context"
	"log"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WangWindow/AvaGodots/history"
	"github.com/WangWindow/AvaGodots/job"
	"github.com/WangWindow/AvaGodots/processor/filestorage"
)

var testLogger = log.New(os.Stderr, "[test processor] ", log.Ldate|log.Ltime|log.Lshortfile)

// payload returns n pseudo-random bytes, deterministic per seed.
func payload(n int, seed int64) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// rangedServer serves content through http.ServeContent, which honors
// HEAD, Accept-Ranges and Range requests. rangeGets counts GETs carrying
// a Range header.
func rangedServer(content []byte, rangeGets *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "" && rangeGets != nil {
			atomic.AddInt64(rangeGets, 1)
		}
		http.ServeContent(w, r, "artifact.bin", time.Time{}, bytes.NewReader(content))
	}))
}

func newTestProcessor(t *testing.T, store history.Store) (*Processor, string, string) {
	t.Helper()

	staging := t.TempDir()
	downloads := t.TempDir()
	p, err := New(store, nil, filestorage.NewFileSystem(downloads), staging, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	// Small values so the tests exercise the chunked path without
	// multi-megabyte fixtures.
	p.ChunkThreshold = 1024
	p.IdleTimeout = 5 * time.Second
	return p, staging, downloads
}

func waitFinished(t *testing.T, j *job.Job) {
	t.Helper()
	select {
	case <-j.Finished():
	case <-time.After(10 * time.Second):
		t.Fatalf("Timed out waiting for %s", j)
	}
}

func assertNoParts(t *testing.T, staging string) {
	t.Helper()
	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".part") {
			t.Fatalf("Leftover part file %s", e.Name())
		}
	}
}

func TestDownloadChunked(t *testing.T) {
	content := payload(100_000, 1)
	var rangeGets int64
	srv := rangedServer(content, &rangeGets)
	defer srv.Close()

	store := history.NewMemoryStore()
	p, staging, downloads := newTestProcessor(t, store)
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "artifact.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)

	if s := j.Snapshot(); s.State != job.StateCompleted {
		t.Fatalf("Expected Completed, got %s (%s)", s.State, s.StatusText)
	}
	if got := atomic.LoadInt64(&rangeGets); got != int64(p.ChunkWorkers) {
		t.Fatalf("Expected %d ranged GETs, got %d", p.ChunkWorkers, got)
	}

	stored, err := os.ReadFile(filepath.Join(downloads, "artifact.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("Merged artifact differs from the source content")
	}

	// staging must be clean: no artifact, no parts
	if _, err := os.Stat(filepath.Join(staging, "artifact.bin")); !os.IsNotExist(err) {
		t.Fatal("Expected the staged artifact to be moved out")
	}
	assertNoParts(t, staging)

	if got := j.Downloaded(); got != int64(len(content)) {
		t.Fatalf("Downloaded() = %d, want %d", got, len(content))
	}

	rec, err := store.GetRecord(j.HistoryID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != history.StatusCompleted {
		t.Fatalf("History status = %s", rec.Status)
	}
	if rec.FinalSize != int64(len(content)) {
		t.Fatalf("History final size = %d", rec.FinalSize)
	}

	ev, err := store.PopEvent()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != history.StatusCompleted || ev.JobID != j.ID {
		t.Fatalf("Unexpected event %+v", ev)
	}
}

func TestDownloadSingleStreamBelowThreshold(t *testing.T) {
	content := payload(512, 2) // below the 1024 test threshold
	var rangeGets int64
	srv := rangedServer(content, &rangeGets)
	defer srv.Close()

	p, _, downloads := newTestProcessor(t, history.NewMemoryStore())
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "small.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)

	if s := j.Snapshot(); s.State != job.StateCompleted {
		t.Fatalf("Expected Completed, got %s (%s)", s.State, s.StatusText)
	}
	if got := atomic.LoadInt64(&rangeGets); got != 0 {
		t.Fatalf("Expected no ranged GETs below the threshold, got %d", got)
	}

	stored, err := os.ReadFile(filepath.Join(downloads, "small.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("Artifact differs from the source content")
	}
}

func TestDownloadSingleStreamAtThreshold(t *testing.T) {
	// A resource of exactly the threshold size must stay single-stream;
	// only strictly larger ones are chunked.
	var rangeGets int64
	srv := rangedServer(payload(1024, 3), &rangeGets)
	defer srv.Close()

	p, _, _ := newTestProcessor(t, history.NewMemoryStore())
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "edge.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)

	if s := j.Snapshot(); s.State != job.StateCompleted {
		t.Fatalf("Expected Completed, got %s (%s)", s.State, s.StatusText)
	}
	if got := atomic.LoadInt64(&rangeGets); got != 0 {
		t.Fatalf("Expected no ranged GETs at the threshold, got %d", got)
	}
}

func TestDownloadNoRangeSupport(t *testing.T) {
	// Large resource but no Accept-Ranges: must fall back to a single
	// stream.
	content := payload(50_000, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Error("Received a ranged request against a non-ranged server")
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "50000")
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	p, _, downloads := newTestProcessor(t, history.NewMemoryStore())
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "noranges.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)

	if s := j.Snapshot(); s.State != job.StateCompleted {
		t.Fatalf("Expected Completed, got %s (%s)", s.State, s.StatusText)
	}
	stored, err := os.ReadFile(filepath.Join(downloads, "noranges.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("Artifact differs from the source content")
	}
}

func TestProbeFailureFailsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := history.NewMemoryStore()
	p, _, _ := newTestProcessor(t, store)
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "denied.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)

	s := j.Snapshot()
	if s.State != job.StateFailed {
		t.Fatalf("Expected Failed, got %s", s.State)
	}
	if !s.CanRetry {
		t.Fatal("Expected a failed job to be retryable")
	}
	if !strings.Contains(s.StatusText, "probing") {
		t.Fatalf("Expected the status to mention the probe phase, got %q", s.StatusText)
	}
}

func TestCancelChunkedDownload(t *testing.T) {
	// Serve ranges but stall each chunk after the first write so the
	// download stays in flight until cancelled.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "100000")
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	store := history.NewMemoryStore()
	p, staging, _ := newTestProcessor(t, store)
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "stalled.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}

	// Wait for some bytes to flow before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for j.Downloaded() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("No bytes transferred before the cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := p.Cancel(j.ID); err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)

	if s := j.Snapshot(); s.State != job.StateCancelled {
		t.Fatalf("Expected Cancelled, got %s (%s)", s.State, s.StatusText)
	}
	if _, err := os.Stat(filepath.Join(staging, "stalled.bin")); !os.IsNotExist(err) {
		t.Fatal("Expected the staged artifact to be removed")
	}
	assertNoParts(t, staging)

	rec, err := store.GetRecord(j.HistoryID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != history.StatusCancelled {
		t.Fatalf("History status = %s", rec.Status)
	}
}

func TestWorkerFailureFailsJob(t *testing.T) {
	// The probe advertises a chunkable resource, then every ranged GET
	// blows up. The job must surface as Failed, not Cancelled, even
	// though the sibling workers are taken down via the attempt context.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "100000")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, staging, _ := newTestProcessor(t, history.NewMemoryStore())
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "broken.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)

	if s := j.Snapshot(); s.State != job.StateFailed {
		t.Fatalf("Expected Failed, got %s (%s)", s.State, s.StatusText)
	}
	assertNoParts(t, staging)
}

func TestRetry(t *testing.T) {
	content := payload(512, 5)
	var healthy int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "flaky.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	store := history.NewMemoryStore()
	p, _, downloads := newTestProcessor(t, store)
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "flaky.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j)
	if s := j.Snapshot(); s.State != job.StateFailed {
		t.Fatalf("Expected first attempt to fail, got %s", s.State)
	}

	// Retrying a live job must be rejected; the failed one is fine.
	atomic.StoreInt32(&healthy, 1)
	if err := p.Retry(j.ID); err != nil {
		t.Fatal(err)
	}
	if err := p.Retry(j.ID); err == nil {
		t.Fatal("Expected retrying an in-flight job to fail")
	}
	waitFinished(t, j)

	if s := j.Snapshot(); s.State != job.StateCompleted {
		t.Fatalf("Expected retried job to complete, got %s (%s)", s.State, s.StatusText)
	}
	stored, err := os.ReadFile(filepath.Join(downloads, "flaky.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("Artifact differs from the source content")
	}
}

func TestStartShutdown(t *testing.T) {
	srv := rangedServer(payload(64, 7), nil)
	defer srv.Close()

	p, _, _ := newTestProcessor(t, history.NewMemoryStore())
	p.Client = srv.Client()

	closeChan := make(chan struct{})
	go p.Start(closeChan)

	j, err := p.StartDownload(srv.URL, "tiny.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}

	closeChan <- struct{}{}
	select {
	case <-closeChan:
	case <-time.After(10 * time.Second):
		t.Fatal("Processor did not shut down")
	}

	// shutdown waits for in-flight jobs
	if s := j.Snapshot(); !s.State.Terminal() {
		t.Fatalf("Job still %s after shutdown", s.State)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	srv := rangedServer(payload(64, 9), nil)
	defer srv.Close()

	store := history.NewMemoryStore()
	p, _, _ := newTestProcessor(t, store)
	p.Client = srv.Client()
	p.StatsIntvl = 20 * time.Millisecond

	// Submissions may land before and during Start; their metrics must
	// end up in the map the flush loop reports from.
	j1, err := p.StartDownload(srv.URL, "early.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}

	closeChan := make(chan struct{})
	go p.Start(closeChan)

	j2, err := p.StartDownload(srv.URL, "racing.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, j1)
	waitFinished(t, j2)

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(store.Stats("processor"), `"completedJobs": 2`) {
		if time.Now().After(deadline) {
			t.Fatalf("Flushed stats missed the early submissions: %q", store.Stats("processor"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	closeChan <- struct{}{}
	<-closeChan
}

func TestStatusLoopStopJoins(t *testing.T) {
	defer func(d time.Duration) { statusInterval = d }(statusInterval)
	statusInterval = time.Millisecond

	p, _, _ := newTestProcessor(t, history.NewMemoryStore())

	j, err := job.New("https://example.com/a.zip", "a.zip", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}
	j.ResetProgress(job.NullableInt{}, 1)

	// Stop around tick boundaries repeatedly; once stop has returned no
	// tick may land, so the terminal text below must stick every time.
	for i := 0; i < 50; i++ {
		stop := p.startStatusLoop(context.Background(), j)
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		stop()
		j.SetStatusText("Cancelled")

		time.Sleep(3 * time.Millisecond)
		if got := j.Snapshot().StatusText; got != "Cancelled" {
			t.Fatalf("Status text overwritten after stop: %q", got)
		}
	}
}

func TestStartDownloadWhileNotAccepting(t *testing.T) {
	p, _, _ := newTestProcessor(t, history.NewMemoryStore())
	p.setAccepting(false)

	_, err := p.StartDownload("https://example.com/a.zip", "a.zip", "", job.KindEditor)
	if err != ErrNotAccepting {
		t.Fatalf("Expected ErrNotAccepting, got %v", err)
	}
}

func TestDismiss(t *testing.T) {
	srv := rangedServer(payload(128, 6), nil)
	defer srv.Close()

	p, _, _ := newTestProcessor(t, history.NewMemoryStore())
	p.Client = srv.Client()

	j, err := p.StartDownload(srv.URL, "done.bin", "", job.KindExportTemplate)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Dismiss(j.ID); err == nil {
		t.Fatal("Expected dismissing a live job to fail")
	}

	waitFinished(t, j)
	if err := p.Dismiss(j.ID); err != nil {
		t.Fatal(err)
	}
	if len(p.Jobs()) != 0 {
		t.Fatal("Expected the job set to be empty after dismissal")
	}
	if err := p.Dismiss(j.ID); err != ErrUnknownJob {
		t.Fatalf("Expected ErrUnknownJob, got %v", err)
	}
}
