package processor

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestWatchdogFiresWhenIdle(t *testing.T) {
	ctx, wd := newWatchdog(context.Background(), 20*time.Millisecond)
	defer wd.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected the watchdog to fire")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected os.ErrDeadlineExceeded, got %v", cause)
	}
}

func TestWatchdogKickPostpones(t *testing.T) {
	ctx, wd := newWatchdog(context.Background(), 50*time.Millisecond)
	defer wd.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		wd.Kick()
	}

	select {
	case <-ctx.Done():
		t.Fatal("Watchdog fired despite being kicked")
	default:
	}
}

func TestWatchdogDisabled(t *testing.T) {
	ctx, wd := newWatchdog(context.Background(), 0)
	defer wd.Stop()

	wd.Kick() // must not panic with no timer armed

	select {
	case <-ctx.Done():
		t.Fatal("Disabled watchdog fired")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWatchdogParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, wd := newWatchdog(parent, time.Hour)
	defer wd.Stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected parent cancellation to propagate")
	}
	if cause := context.Cause(ctx); errors.Is(cause, os.ErrDeadlineExceeded) {
		t.Fatal("Parent cancellation misreported as an idle timeout")
	}
}
