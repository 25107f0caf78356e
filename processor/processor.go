// Processor is the core entity of the pipeline. It coordinates download
// jobs from submission to their terminal state.
//
// For every submitted job the processor probes the source URL, then
// picks a retrieval strategy: servers that advertise byte ranges and
// resources above a size threshold are fetched by a fixed number of
// concurrent chunk workers, one byte range each, into per-chunk part
// files that are concatenated in range order afterwards; everything
// else goes through a single sequential stream.
//
//	--------------------------------------
//	|             Processor              |
//	|                                    |
//	|   ----------          ----------   |
//	|   |  job   |          |  job   |   |
//	|   |--------|          |--------|   |
//	|   | W W W W|          |   W    |   |
//	|   ----------          ----------   |
//	|    (chunked)       (single stream) |
//	--------------------------------------
//
// Editor-build artifacts are handed to the installer after the merge;
// export templates are placed through the file storage backend. Every
// terminal transition is recorded in the history store and queued for
// the notifier.
//
// Cancellation is coordinated through one context per job shared by all
// of its workers.
package processor

import (
	"context"
	"crypto/tls"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/WangWindow/AvaGodots/history"
	"github.com/WangWindow/AvaGodots/installer"
	"github.com/WangWindow/AvaGodots/job"
	errs "github.com/WangWindow/AvaGodots/processor/errors"
	"github.com/WangWindow/AvaGodots/processor/diskcheck"
	"github.com/WangWindow/AvaGodots/processor/filestorage"
	"github.com/WangWindow/AvaGodots/stats"
)

var (
	newChecker = diskcheck.New

	// statusInterval is how often the status loop rewrites a job's
	// status text. Tests shrink it.
	statusInterval = 500 * time.Millisecond

	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/pkg/net/http/#RoundTripper
	httpTransport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   4 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Allow a single server-initiated renegotiation attempt; some
		// build mirrors still do this.
		TLSClientConfig: &tls.Config{Renegotiation: tls.RenegotiateOnceAsClient},
	}

	// ErrNotAccepting is returned by StartDownload while the staging
	// volume is above its high-water mark.
	ErrNotAccepting = errors.New("Not accepting new jobs: staging disk is above its high-water mark")

	// ErrUnknownJob is returned when the requested job id is not in the
	// live set.
	ErrUnknownJob = errors.New("Unknown job")
)

const (
	// DefaultChunkThreshold is the size above which a ranged resource is
	// fetched in chunks.
	DefaultChunkThreshold = 2 << 20 // 2 MiB

	// DefaultChunkWorkers is the number of concurrent chunk workers per
	// chunked job.
	DefaultChunkWorkers = 4

	// DefaultIdleTimeout is the per-worker idle-read timeout.
	DefaultIdleTimeout = 30 * time.Second

	copyBufferSize = 32 * 1024

	// Metric identifiers
	statsActiveJobs      = "activeJobs"      //Gauge
	statsStartedJobs     = "startedJobs"     //Counter
	statsCompletedJobs   = "completedJobs"   //Counter
	statsFailedJobs      = "failedJobs"      //Counter
	statsCancelledJobs   = "cancelledJobs"   //Counter
	statsDownloadedBytes = "downloadedBytes" //Counter

	// diskChecker settings
	diskHigh     = 95
	diskLow      = 90
	diskInterval = 1 * time.Minute
)

// Processor coordinates the download jobs. It owns the live job set;
// callers only ever see job snapshots.
type Processor struct {
	History history.Store

	// Installer handles editor-build artifacts after a successful
	// download.
	Installer *installer.Installer

	// Storage places completed export-template artifacts.
	Storage filestorage.FileStorage

	// StagingDir is where in-progress artifacts and their part files
	// live.
	StagingDir string

	// The client used for probe and download requests
	Client *http.Client

	// The User-Agent to set in outgoing requests
	UserAgent string

	Log *log.Logger

	// Strategy constants, see DefaultChunkThreshold/DefaultChunkWorkers.
	ChunkThreshold int64
	ChunkWorkers   int

	// IdleTimeout aborts a worker when no read completes within it.
	// 0 disables the watchdog.
	IdleTimeout time.Duration

	// Interval between stats flushes to the history store
	StatsIntvl time.Duration

	mu        sync.RWMutex
	jobs      map[string]*job.Job
	accepting bool

	wg    sync.WaitGroup
	stats *stats.Stats
}

// New initializes and returns a Processor, or an error if stagingDir is
// not writable.
func New(hist history.Store, inst *installer.Installer, fs filestorage.FileStorage, stagingDir string, logger *log.Logger) (*Processor, error) {
	// verify we can write to stagingDir
	tmpf, err := os.CreateTemp(stagingDir, "write-check-")
	if err != nil {
		return nil, errors.New("Error verifying staging directory is writable: " + err.Error())
	}
	if _, err = tmpf.Write([]byte("a")); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return nil, errors.New("Error verifying staging directory is writable: " + err.Error())
	}
	if err = tmpf.Close(); err != nil {
		return nil, errors.New("Error verifying staging directory is writable: " + err.Error())
	}
	if err = os.Remove(tmpf.Name()); err != nil {
		return nil, errors.New("Error verifying staging directory is writable: " + err.Error())
	}

	return &Processor{
		History:        hist,
		Installer:      inst,
		Storage:        fs,
		StagingDir:     stagingDir,
		Client:         &http.Client{Transport: httpTransport},
		Log:            logger,
		ChunkThreshold: DefaultChunkThreshold,
		ChunkWorkers:   DefaultChunkWorkers,
		IdleTimeout:    DefaultIdleTimeout,
		StatsIntvl:     5 * time.Second,
		jobs:           make(map[string]*job.Job),
		accepting:      true,
		stats:          stats.New("Processor"),
	}, nil
}

// Start runs the processor's helper loops (disk checker, stats flush)
// until a close signal arrives on closeCh, then waits for in-flight
// jobs and signals back on closeCh.
func (p *Processor) Start(closeCh chan struct{}) {
	p.Log.Println("Starting...")

	ctx, cancel := context.WithCancel(context.Background())

	// p.stats is created in New and never reassigned; jobs submitted
	// before or during Start record into the same map the flush loop
	// reads.
	go p.stats.Run(ctx, p.StatsIntvl, func(m *expvar.Map) {
		// Autoremove stats after 2 times the interval
		err := p.History.SetStats("processor", m.String(), 2*p.StatsIntvl)
		if err != nil {
			p.Log.Println("Could not report stats", err)
		}
	})

	var checkerWg sync.WaitGroup
	diskChecker, err := newChecker(p.StagingDir, diskHigh, diskLow, diskInterval)
	if err != nil {
		p.Log.Println("Error initializing disk checker:", err)
	} else {
		checkerWg.Add(1)
		go func() {
			defer checkerWg.Done()
			diskChecker.Run(ctx)
		}()
	}

PROCESSOR_LOOP:
	for {
		var healthCh chan diskcheck.Health
		if diskChecker != nil {
			healthCh = diskChecker.C()
		}
		select {
		case health := <-healthCh:
			if health == diskcheck.Sick {
				p.Log.Println("Sick staging disk, rejecting new jobs...")
				p.setAccepting(false)
			} else {
				p.Log.Println("Healthy staging disk, accepting jobs again...")
				p.setAccepting(true)
			}
		case <-closeCh:
			cancel()
			break PROCESSOR_LOOP
		}
	}

	p.Log.Println("Shutting down, waiting for in-flight jobs...")
	checkerWg.Wait()
	p.wg.Wait()
	closeCh <- struct{}{}
}

func (p *Processor) setAccepting(ok bool) {
	p.mu.Lock()
	p.accepting = ok
	p.mu.Unlock()
}

// StartDownload validates and registers a new job and fires off its
// download. It returns immediately with the live job; observers poll
// Snapshot or wait on Finished.
func (p *Processor) StartDownload(url, fileName, displayName string, kind job.Kind) (*job.Job, error) {
	p.mu.Lock()
	if !p.accepting {
		p.mu.Unlock()
		return nil, ErrNotAccepting
	}
	p.mu.Unlock()

	j, err := job.New(url, fileName, displayName, kind)
	if err != nil {
		return nil, err
	}
	j.Dest = filepath.Join(p.StagingDir, j.FileName)

	id, err := p.History.AddRecord(j.URL, j.FileName, j.Dest, string(j.Kind))
	if err != nil {
		// History is an audit trail; a dead store must not block
		// downloads.
		p.Log.Printf("Error adding history record for %s: %s", j, err)
	}
	j.HistoryID = id

	p.mu.Lock()
	p.jobs[j.ID] = j
	p.mu.Unlock()

	if err := p.launch(j); err != nil {
		p.mu.Lock()
		delete(p.jobs, j.ID)
		p.mu.Unlock()
		return nil, err
	}
	return j, nil
}

// launch prepares a fresh download attempt of j and fires off its
// worker goroutine. It runs the attempt's state transition synchronously
// so that callers observe the Downloading state (and a rearmed Finished
// channel) by the time it returns; this also makes concurrent retries of
// the same job collapse into one, the loser failing its transition.
func (p *Processor) launch(j *job.Job) error {
	ctx, cancel := context.WithCancel(context.Background())
	j.SetCancel(cancel)
	j.ResetProgress(job.NullableInt{}, 1)

	if err := j.Transition(job.StateDownloading, "Starting download..."); err != nil {
		cancel()
		return err
	}
	if err := p.History.UpdateStatus(j.HistoryID, history.StatusDownloading, nil); err != nil {
		p.Log.Printf("Error updating history record for %s: %s", j, err)
	}

	p.stats.Add(statsStartedJobs, 1)
	p.stats.Add(statsActiveJobs, 1)
	p.wg.Add(1)
	go p.perform(ctx, cancel, j)
	return nil
}

// Cancel requests cancellation of an in-flight job. The cancellation
// propagates to all of the job's workers; the job surfaces as Cancelled
// once they unwind.
func (p *Processor) Cancel(id string) error {
	j, err := p.get(id)
	if err != nil {
		return err
	}
	if j.State().Terminal() {
		return fmt.Errorf("Job %s is already %s", id, j.State())
	}
	j.RequestCancel()
	return nil
}

// Retry re-invokes a failed or cancelled job from scratch. Nothing from
// the prior attempt is reused; counters reset and part files are
// recreated.
func (p *Processor) Retry(id string) error {
	j, err := p.get(id)
	if err != nil {
		return err
	}
	if !j.State().Terminal() || !j.CanRetry() {
		return fmt.Errorf("Job %s cannot be retried while %s", id, j.State())
	}
	return p.launch(j)
}

// Dismiss removes a terminal job from the observable set.
func (p *Processor) Dismiss(id string) error {
	j, err := p.get(id)
	if err != nil {
		return err
	}
	if !j.State().Terminal() {
		return fmt.Errorf("Job %s cannot be dismissed while %s", id, j.State())
	}

	p.mu.Lock()
	delete(p.jobs, id)
	p.mu.Unlock()
	return nil
}

// Jobs returns snapshots of the live job set.
func (p *Processor) Jobs() []job.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]job.Snapshot, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Get returns a snapshot of one live job.
func (p *Processor) Get(id string) (job.Snapshot, error) {
	j, err := p.get(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

func (p *Processor) get(id string) (*job.Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	j, ok := p.jobs[id]
	if !ok {
		return nil, ErrUnknownJob
	}
	return j, nil
}

// perform runs one download attempt of j end to end: probe, transfer,
// merge, install/store, terminal bookkeeping. The attempt context and
// its cancel come from launch.
func (p *Processor) perform(ctx context.Context, cancel context.CancelFunc, j *job.Job) {
	defer p.wg.Done()
	defer p.stats.Add(statsActiveJobs, -1)
	defer cancel()

	p.Log.Println("Probing", j, "...")
	size, ranges, err := p.probe(ctx, j.URL)
	if err != nil {
		p.finish(j, errs.E(errs.PhaseProbe, err))
		return
	}

	stopStatus := p.startStatusLoop(ctx, j)
	if ranges && size > p.ChunkThreshold {
		p.Log.Printf("Downloading %s chunked (%d bytes, %d workers)", j, size, p.ChunkWorkers)
		err = p.downloadChunked(ctx, cancel, j, size)
	} else {
		p.Log.Printf("Downloading %s single-stream (%d bytes, ranges:%t)", j, size, ranges)
		err = p.downloadSingle(ctx, j, size)
	}
	stopStatus()
	if err != nil {
		p.finish(j, err)
		return
	}

	switch j.Kind {
	case job.KindEditor:
		if err := j.Transition(job.StateInstalling, "Installing "+j.DisplayName+"..."); err != nil {
			p.Log.Printf("perform: %s: %s", j, err)
			return
		}
		installed, ierr := p.Installer.Install(j.Dest, j.DisplayName)
		if ierr != nil {
			p.finish(j, errs.E(errs.PhaseInstall, ierr))
			return
		}
		// Install succeeded, the archive has served its purpose.
		if err := os.Remove(j.Dest); err != nil {
			p.Log.Printf("Could not delete archive for %s: %s", j, err)
		}
		p.finishSuccess(j, "Installed to "+installed, installed)
	default:
		if err := p.Storage.StoreFile(j.Dest, j.FileName); err != nil {
			p.finish(j, errs.E(errs.PhaseStore, err))
			return
		}
		p.finishSuccess(j, "Download complete", "")
	}
}

// startStatusLoop periodically rewrites the job's status text with the
// aggregate progress and transfer rate. The returned function stops the
// loop and waits for it to unwind, so a late tick can never overwrite a
// status text set after it returns.
func (p *Processor) startStatusLoop(ctx context.Context, j *job.Job) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(finished)
		tick := time.NewTicker(statusInterval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				s := j.Snapshot()
				if s.KnownSize {
					j.SetStatusText(fmt.Sprintf("Downloading %.1f%% at %s",
						s.Percent, job.FormatRate(s.Rate)))
				} else {
					j.SetStatusText(fmt.Sprintf("Downloading at %s",
						job.FormatRate(s.Rate)))
				}
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// downloadChunked partitions [0,total) over the configured worker
// count, runs one chunk worker per range and merges the part files in
// range order. Any worker error collapses the attempt into a single
// job-level failure; partial results are not salvaged.
func (p *Processor) downloadChunked(ctx context.Context, cancel context.CancelFunc, j *job.Job, total int64) error {
	spans := partition(total, p.ChunkWorkers)

	var t job.NullableInt
	t.Set(total)
	j.ResetProgress(t, len(spans))

	errCh := make(chan error, len(spans))
	var wg sync.WaitGroup
	for i, sp := range spans {
		wg.Add(1)
		go func(idx int, sp span) {
			defer wg.Done()
			if err := p.fetchChunk(ctx, j, idx, sp); err != nil {
				errCh <- err
				// Take the siblings down with us; their partial
				// chunks are useless without this one. This is the
				// attempt's cancel, not the user's, so the outcome
				// stays a failure.
				cancel()
			}
		}(i, sp)
	}
	wg.Wait()
	close(errCh)

	if err := firstWorkerError(errCh); err != nil {
		return p.transferError(j, err)
	}

	if err := j.Transition(job.StateMerging, "Merging chunks..."); err != nil {
		return errs.E(errs.PhaseMerge, err)
	}
	if err := p.merge(j.Dest, len(spans)); err != nil {
		return errs.E(errs.PhaseMerge, err)
	}
	return nil
}

// firstWorkerError picks the most informative worker error: the first
// one that is not a plain context cancellation, falling back to the
// first error seen.
func firstWorkerError(errCh chan error) error {
	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return first
}

// downloadSingle is the fallback path: one sequential GET into the
// destination file. Used when ranges are unsupported, the size is
// unknown, or the resource is below the chunk threshold.
func (p *Processor) downloadSingle(ctx context.Context, j *job.Job, total int64) error {
	wctx, wd := newWatchdog(ctx, p.IdleTimeout)
	defer wd.Stop()

	req, err := http.NewRequestWithContext(wctx, http.MethodGet, j.URL, nil)
	if err != nil {
		return p.transferError(j, err)
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return p.transferError(j, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return p.transferError(j, fmt.Errorf("Received status code %d", resp.StatusCode))
	}

	var t job.NullableInt
	if total > 0 {
		t.Set(total)
	} else if resp.ContentLength > 0 {
		t.Set(resp.ContentLength)
	}
	j.ResetProgress(t, 1)

	out, err := os.Create(j.Dest)
	if err != nil {
		return p.transferError(j, err)
	}
	defer out.Close()

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			wd.Kick()
			if _, werr := out.Write(buf[:n]); werr != nil {
				return p.transferError(j, werr)
			}
			j.CountBytes(0, int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if cause := context.Cause(wctx); cause != nil && cause != context.Canceled {
				rerr = cause
			}
			return p.transferError(j, rerr)
		}
	}

	if err := out.Sync(); err != nil {
		return p.transferError(j, err)
	}
	return nil
}

// transferError wraps a worker error into the job-level taxonomy,
// marking it cancelled when the user asked for it.
func (p *Processor) transferError(j *job.Job, err error) error {
	de := errs.E(errs.PhaseTransfer, err)
	if j.Cancelled() {
		return de.Cancelled()
	}
	return de
}

// merge concatenates the n part files of dest, in range order, into
// dest itself using ordinary sequential appends, then deletes them.
// Merge order is strictly range-index order; completion order of the
// workers plays no part.
func (p *Processor) merge(dest string, n int) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	for i := 0; i < n; i++ {
		in, err := os.Open(partPath(dest, i))
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	if err := out.Sync(); err != nil {
		return err
	}

	p.removeParts(dest)
	return nil
}

// removeParts deletes the part files of dest. Cleanup failures are
// logged and swallowed; they must never fail the job.
func (p *Processor) removeParts(dest string) {
	for i := 0; i < p.ChunkWorkers; i++ {
		if err := os.Remove(partPath(dest, i)); err != nil && !os.IsNotExist(err) {
			p.Log.Println("Could not delete part file:", err)
		}
	}
}

// finish performs the failure-path bookkeeping of a job: artifact
// cleanup, terminal transition, history update, notification.
func (p *Processor) finish(j *job.Job, err error) {
	derr, ok := err.(errs.DownloadError)
	if !ok {
		derr = errs.E(errs.PhaseTransfer, err)
	}
	// Keep the archive around on install failures for diagnosis;
	// everything else gets cleaned up.
	if derr.Phase() != errs.PhaseInstall {
		if err := os.Remove(j.Dest); err != nil && !os.IsNotExist(err) {
			p.Log.Printf("Could not delete %s for %s: %s", j.Dest, j, err)
		}
		p.removeParts(j.Dest)
	}

	cancelled := derr.IsCancelled() || j.Cancelled()
	if cancelled {
		p.Log.Printf("Cancelled %s", j)
		p.stats.Add(statsCancelledJobs, 1)
		if err := j.Transition(job.StateCancelled, "Cancelled"); err != nil {
			p.Log.Printf("finish: %s: %s", j, err)
		}
		p.recordTerminal(j, history.StatusCancelled, "", "")
		return
	}

	p.Log.Printf("Error performing %s: %s", j, derr)
	p.stats.Add(statsFailedJobs, 1)
	if err := j.Transition(job.StateFailed, derr.Error()); err != nil {
		p.Log.Printf("finish: %s: %s", j, err)
	}
	p.recordTerminal(j, history.StatusFailed, derr.Error(), "")
}

// finishSuccess performs the success-path bookkeeping of a job.
func (p *Processor) finishSuccess(j *job.Job, statusText, installedPath string) {
	p.stats.Add(statsCompletedJobs, 1)
	p.stats.Add(statsDownloadedBytes, j.Downloaded())
	if err := j.Transition(job.StateCompleted, statusText); err != nil {
		p.Log.Printf("finishSuccess: %s: %s", j, err)
	}
	p.Log.Printf("Completed %s", j)
	p.recordTerminal(j, history.StatusCompleted, "", installedPath)
}

// recordTerminal updates the job's history record and queues its
// notification event. Store failures are logged, never propagated; the
// job outcome stands regardless.
func (p *Processor) recordTerminal(j *job.Job, status, errText, installedPath string) {
	var size *int64
	if status == history.StatusCompleted {
		n := j.Downloaded()
		size = &n
	}
	if err := p.History.UpdateStatus(j.HistoryID, status, size); err != nil {
		p.Log.Printf("Error updating history record for %s: %s", j, err)
	}

	ev := job.Event{
		JobID:       j.ID,
		ResourceURL: j.URL,
		FileName:    j.FileName,
		Kind:        j.Kind,
		Status:      status,
		Error:       errText,
	}
	if size != nil {
		ev.FinalSize = *size
	}
	ev.InstalledPath = installedPath
	if err := p.History.QueueEvent(&ev); err != nil {
		p.Log.Printf("Error queueing event for %s: %s", j, err)
	}
}
