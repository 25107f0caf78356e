// Package diskcheck reports health state changes of the staging volume.
//
// The processor keeps accepting new jobs while the volume is Healthy and
// rejects submissions while it is Sick. The checker only writes to its
// channel when the state flips, so the reader can treat every message as
// a transition.
package diskcheck

import (
	"context"
	"errors"
	"log"
	"syscall"
	"time"
)

const (
	// Healthy represents a disk usage below the configured threshold.
	Healthy Health = Health(true)

	// Sick represents a disk usage above the configured threshold.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Checker monitors the fill ratio of a directory's volume and notifies
// its caller when the health state changes. Run is the main loop; C is
// the state change channel. The disk is authoritatively considered
// healthy at start, so the first possible message is Sick.
type Checker interface {
	Run(ctx context.Context)
	C() chan Health
}

// Health represents the disk health state.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

// diskUsage is a disk usage percentage, 0-100.
type diskUsage int

type diskChecker struct {
	// The check interval
	interval time.Duration

	// path is the directory whose volume is being watched
	path string

	// usage thresholds (%): above high flips to Sick, at or below low
	// flips back to Healthy. The gap avoids flapping around one value.
	high, low diskUsage

	c chan Health
}

// New returns a Checker for the volume holding path.
func New(path string, high int, low int, interval time.Duration) (Checker, error) {
	// Validate the input thresholds: 0 <= low < high <= 100
	if low >= high {
		return nil, errors.New("low threshold must be smaller than high")
	}
	if low < 0 || low > 100 {
		return nil, errors.New("low threshold must be between 0 and 100")
	}
	if high < 0 || high > 100 {
		return nil, errors.New("high threshold must be between 0 and 100")
	}
	// Validate that we can read the volume's statistics at all.
	if _, err := fetchDiskUsage(path); err != nil {
		return nil, err
	}

	return &diskChecker{
		path:     path,
		high:     diskUsage(high),
		low:      diskUsage(low),
		interval: interval,
		c:        make(chan Health),
	}, nil
}

// C is the health state channel read by the processor.
func (d *diskChecker) C() chan Health {
	return d.c
}

// Run alternates between the two wait states until ctx is cancelled.
// The currently executing wait function implies the current health, so
// no state needs to be stored.
func (d *diskChecker) Run(ctx context.Context) {
	for {
		if err := d.waitForSick(ctx); err != nil {
			return
		}
		if err := d.waitForHealthy(ctx); err != nil {
			return
		}
	}
}

// waitForSick polls until usage exceeds the high-water mark.
func (d *diskChecker) waitForSick(ctx context.Context) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchDiskUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error in waitForSick: %v", err)
				continue
			}
			if du > d.high {
				d.c <- Sick
				return nil
			}
		}
	}
}

// waitForHealthy polls until usage falls to the low-water mark.
func (d *diskChecker) waitForHealthy(ctx context.Context) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchDiskUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error in waitForHealthy: %v", err)
				continue
			}
			if du <= d.low {
				d.c <- Healthy
				return nil
			}
		}
	}
}

// fetchDiskUsage returns the usage percentage of the volume holding path.
func fetchDiskUsage(path string) (diskUsage, error) {
	fs := syscall.Statfs_t{}
	if err := statfs(path, &fs); err != nil {
		return 0, errors.New("Could not get file system statistics: " + err.Error())
	}
	all := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bfree * uint64(fs.Bsize)
	used := all - free
	usage := (float32(used) / float32(all)) * 100
	return diskUsage(usage), nil
}
