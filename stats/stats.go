// Package stats provides a small expvar-backed metric reporting
// facility shared by the pipeline components.
package stats

import (
	"context"
	"expvar"
	"log"
	"time"
)

// Stats wraps an expvar Map and acts as the metric reporting interface
// of a component. The map is deliberately not registered with the
// global expvar registry so multiple component instances can coexist.
//
// A Stats is created once per component and recorded into from any
// goroutine; only Run takes the flush interval and report sink, so the
// instance itself never has to be replaced.
type Stats struct {
	*expvar.Map
	id string
}

// New initializes a Stats for the given component id.
func New(id string) *Stats {
	return &Stats{new(expvar.Map).Init(), id}
}

// Run invokes report with the metric map on every interval tick until
// ctx is cancelled.
func (s *Stats) Run(ctx context.Context, interval time.Duration, report func(*expvar.Map)) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[stats:%s] Exiting", s.id)
			return
		case <-tick.C:
			report(s.Map)
		}
	}
}
