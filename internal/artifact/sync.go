package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrDeadlineExceeded is returned when artifacts are still missing after the
// synchronizer's maximum wait.
var ErrDeadlineExceeded = errors.New("artifact: wait deadline exceeded")

// JobFailedError reports a failure marker found for an expected artifact.
type JobFailedError struct {
	Path   string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("artifact %s failed: %s", e.Path, e.Reason)
}

// TickFunc observes each poll that still has missing artifacts.
type TickFunc func(missing, total int) error

// Synchronizer turns "a file appears eventually" into an awaitable condition.
type Synchronizer struct {
	// Interval between polls.
	Interval time.Duration
	// MaxWait bounds the whole wait. Zero waits until ctx is done.
	MaxWait time.Duration
	// Wake, when set, cuts the current interval short. Job result
	// notifications are funneled here.
	Wake <-chan struct{}

	exists func(string) bool
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AwaitAll blocks until every path exists. While some are missing it calls
// onTick with the missing count and sleeps one interval. It stops early with
// a *JobFailedError when a failure marker shows up for a missing path, with
// ErrDeadlineExceeded after MaxWait, with ctx.Err() on cancellation, and with
// whatever onTick returns if that is non-nil.
func (s *Synchronizer) AwaitAll(ctx context.Context, paths []string, onTick TickFunc) error {
	exists := s.exists
	if exists == nil {
		exists = fileExists
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var deadline <-chan time.Time
	if s.MaxWait > 0 {
		timer := time.NewTimer(s.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	pending := append([]string(nil), paths...)
	for {
		still := pending[:0]
		for _, p := range pending {
			if exists(p) {
				continue
			}
			if reason, failed := ReadFailure(p); failed {
				return &JobFailedError{Path: p, Reason: reason}
			}
			still = append(still, p)
		}
		pending = still
		if len(pending) == 0 {
			return nil
		}

		if onTick != nil {
			if err := onTick(len(pending), len(paths)); err != nil {
				return err
			}
		}

		wait := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline:
			wait.Stop()
			return fmt.Errorf("%w: %d of %d missing", ErrDeadlineExceeded, len(pending), len(paths))
		case <-s.Wake:
			wait.Stop()
		case <-wait.C:
		}
	}
}
