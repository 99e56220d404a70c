// Package worker drains a synthesis queue and turns every collaborator call
// into an explicit, observable result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/streamcast/internal/artifact"
	"github.com/loqalabs/streamcast/internal/protocol"
	"github.com/loqalabs/streamcast/internal/queue"
)

// DefaultPollTimeout bounds each dequeue so the loop notices shutdown.
const DefaultPollTimeout = time.Second

// Meta identifies a job and the artifact it is expected to produce.
type Meta struct {
	Kind         protocol.JobKind
	UserID       string
	RequestID    string
	Sequence     int
	ArtifactPath string
}

// Job is anything a Loop can process.
type Job interface {
	JobMeta() Meta
}

// Result is the outcome of one collaborator call.
type Result struct {
	OK     bool
	Reason string
}

func Succeeded() Result { return Result{OK: true} }

func Failed(err error) Result {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Result{Reason: err.Error()}
}

// Handler calls the collaborator for one job. The collaborator, not the
// handler, writes the success artifact.
type Handler[T Job] func(ctx context.Context, job T) Result

// Notifier publishes job results to whoever waits on them.
type Notifier interface {
	Publish(ctx context.Context, res protocol.JobResult) error
}

// Recorder observes finished jobs.
type Recorder interface {
	JobFinished(ctx context.Context, kind protocol.JobKind, ok bool, d time.Duration)
	JobSkipped(ctx context.Context, kind protocol.JobKind)
}

// Loop is a long-lived consumer of one queue.
type Loop[T Job] struct {
	Queue       *queue.Queue[T]
	Handle      Handler[T]
	Notifier    Notifier
	Recorder    Recorder
	PollTimeout time.Duration
	// JobTimeout bounds a single collaborator call. Zero means no bound.
	JobTimeout time.Duration
	// Abandoned reports requests whose client went away.
	Abandoned func(requestID string) bool
	// Done is called once per dequeued job after its artifacts, failure
	// marker and result are written, including for skipped jobs.
	Done func(Meta)
	// JobContext is the parent of every collaborator call. Cancelling it
	// aborts in-flight jobs; when nil, jobs outlive the Run context.
	JobContext context.Context
	Logger     *slog.Logger

	now func() time.Time
}

// Run processes jobs until ctx is done. A job already dequeued is finished
// before Run returns unless JobContext is cancelled first.
func (l *Loop[T]) Run(ctx context.Context) error {
	if l.Queue == nil || l.Handle == nil {
		return errors.New("worker: queue and handler are required")
	}
	poll := l.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, ok := l.Queue.Get(poll)
		if !ok {
			continue
		}
		jobCtx := l.JobContext
		if jobCtx == nil {
			jobCtx = context.WithoutCancel(ctx)
		}
		l.process(jobCtx, job)
	}
}

func (l *Loop[T]) process(ctx context.Context, job T) {
	meta := job.JobMeta()
	log := l.logger().With(
		slog.String("kind", string(meta.Kind)),
		slog.String("request_id", meta.RequestID),
		slog.Int("sequence", meta.Sequence),
	)
	if l.Done != nil {
		defer l.Done(meta)
	}

	if l.Abandoned != nil && l.Abandoned(meta.RequestID) {
		log.Info("skipping job of abandoned request")
		if l.Recorder != nil {
			l.Recorder.JobSkipped(ctx, meta.Kind)
		}
		return
	}

	jobCtx := ctx
	if l.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, l.JobTimeout)
		defer cancel()
	}

	start := l.clock()
	res := l.call(jobCtx, job)
	elapsed := l.clock().Sub(start)

	if res.OK {
		log.Info("job completed", slog.Duration("elapsed", elapsed))
	} else {
		log.Warn("job failed", slog.String("reason", res.Reason), slog.Duration("elapsed", elapsed))
		if meta.ArtifactPath != "" {
			if err := artifact.WriteFailure(meta.ArtifactPath, res.Reason); err != nil {
				log.Error("failed to write failure marker", slogError(err))
			}
		}
	}
	if l.Recorder != nil {
		l.Recorder.JobFinished(ctx, meta.Kind, res.OK, elapsed)
	}
	if l.Notifier != nil {
		err := l.Notifier.Publish(ctx, protocol.JobResult{
			Kind:         meta.Kind,
			UserID:       meta.UserID,
			RequestID:    meta.RequestID,
			Sequence:     meta.Sequence,
			ArtifactPath: meta.ArtifactPath,
			OK:           res.OK,
			Reason:       res.Reason,
			Timestamp:    l.clock().UTC(),
		})
		if err != nil {
			log.Warn("failed to publish job result", slogError(err))
		}
	}
}

// call shields the loop from a panicking collaborator.
func (l *Loop[T]) call(ctx context.Context, job T) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return l.Handle(ctx, job)
}

func (l *Loop[T]) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Loop[T]) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
