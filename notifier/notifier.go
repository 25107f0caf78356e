// Package notifier consumes terminal job events from the history store
// and delivers them through the configured backends. Delivery is at
// least once; consumers must tolerate duplicates.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/WangWindow/AvaGodots/backend"
	"github.com/WangWindow/AvaGodots/history"
	"github.com/WangWindow/AvaGodots/job"
)

// pollBackoff is how long the poll loop sleeps when the event queue has
// nothing due.
const pollBackoff = time.Second

// registration pairs a backend with its fixed destination and start
// configuration.
type registration struct {
	backend backend.Backend
	dst     string
	cfg     map[string]interface{}
}

// Notifier drains the terminal event queue and fans each event out to
// every registered backend.
type Notifier struct {
	History history.Store
	Log     *log.Logger

	concurrency int
	backends    []registration
	evChan      chan job.Event
}

// New returns a Notifier with the given delivery concurrency.
func New(hist history.Store, concurrency int, logger *log.Logger) (*Notifier, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("Notifier concurrency must be positive, got %d", concurrency)
	}
	return &Notifier{
		History:     hist,
		Log:         logger,
		concurrency: concurrency,
		evChan:      make(chan job.Event),
	}, nil
}

// RegisterBackend adds a delivery channel. dst is backend-specific: a
// callback URL for HTTP, a topic for Kafka, a queue URL for SQS. cfg is
// passed verbatim to the backend's Start.
//
// Must be called before Start.
func (n *Notifier) RegisterBackend(b backend.Backend, dst string, cfg map[string]interface{}) {
	n.backends = append(n.backends, registration{backend: b, dst: dst, cfg: cfg})
}

// Start runs the notifier loop and the worker goroutines performing the
// actual deliveries, until a close signal arrives on closeChan. It then
// drains in-flight deliveries, stops the backends and signals back on
// closeChan.
//
// A backend failing to start is returned as an error without touching
// closeChan; the shutdown dance only happens once Start is actually
// running.
func (n *Notifier) Start(closeChan chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, reg := range n.backends {
		if err := reg.backend.Start(ctx, reg.cfg); err != nil {
			for _, started := range n.backends[:i] {
				if serr := started.backend.Stop(); serr != nil {
					n.Log.Printf("Error stopping %s backend: %s", started.backend.ID(), serr)
				}
			}
			return fmt.Errorf("Could not start %s backend: %s", reg.backend.ID(), err)
		}
	}

	// One drainer per backend; reports are informational only.
	var reportWg sync.WaitGroup
	for _, reg := range n.backends {
		reportWg.Add(1)
		go func(b backend.Backend) {
			defer reportWg.Done()
			for ev := range b.DeliveryReports() {
				if ev.Delivered {
					n.Log.Printf("Delivered event for job %s via %s", ev.JobID, b.ID())
				} else {
					n.Log.Printf("Delivery report for job %s via %s: %s", ev.JobID, b.ID(), ev.DeliveryError)
				}
			}
		}(reg.backend)
	}

	var workerWg sync.WaitGroup
	workerWg.Add(n.concurrency)
	for i := 0; i < n.concurrency; i++ {
		go func() {
			defer workerWg.Done()
			for ev := range n.evChan {
				n.Notify(&ev)
			}
		}()
	}

	for {
		select {
		case <-closeChan:
			close(n.evChan)
			workerWg.Wait()
			for _, reg := range n.backends {
				if err := reg.backend.Stop(); err != nil {
					n.Log.Printf("Error stopping %s backend: %s", reg.backend.ID(), err)
				}
			}
			reportWg.Wait()
			closeChan <- struct{}{}
			return nil
		default:
			ev, err := n.History.PopEvent()
			if err != nil {
				if errors.Is(err, history.ErrEmptyQueue) || errors.Is(err, history.ErrRetryLater) {
					time.Sleep(pollBackoff)
				} else {
					n.Log.Println(err)
				}
				continue
			}
			n.evChan <- ev
		}
	}
}

// Notify delivers ev through every registered backend. Failures are
// logged and swallowed; one dead channel must not starve the others.
func (n *Notifier) Notify(ev *job.Event) {
	for _, reg := range n.backends {
		if err := reg.backend.Notify(reg.dst, *ev); err != nil {
			n.Log.Printf("Error notifying %s backend about job %s: %s", reg.backend.ID(), ev.JobID, err)
		}
	}
}
