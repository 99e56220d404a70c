package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/streamcast/internal/artifact"
	"github.com/loqalabs/streamcast/internal/config"
	"github.com/loqalabs/streamcast/internal/digitalhuman"
	"github.com/loqalabs/streamcast/internal/protocol"
	"github.com/loqalabs/streamcast/internal/queue"
	"github.com/loqalabs/streamcast/internal/tts"
	"github.com/loqalabs/streamcast/internal/worker"
)

// abandonTTL is how long a disconnected request's jobs keep being skipped.
const abandonTTL = 10 * time.Minute

// Registry owns the two synthesis queues and the worker loops draining
// them. Workers live from Start until Close.
type Registry struct {
	cfg      config.Config
	layout   artifact.Layout
	speech   *queue.Queue[SpeechJob]
	video    *queue.Queue[VideoJob]
	synth    tts.Synthesizer
	renderer digitalhuman.Renderer
	results  ResultBus
	metrics  *Metrics
	log      *slog.Logger

	// mu guards the request bookkeeping below. Sweeps run under it so a
	// retry cannot start dispatching while old artifacts are removed.
	mu        sync.Mutex
	abandoned map[string]time.Time
	pending   map[string]int
	idle      map[string]chan struct{}
	now       func() time.Time

	cancel     context.CancelFunc
	cancelJobs context.CancelFunc
	group      *errgroup.Group
}

// ErrRequestInProgress is returned by Reset while another run of the same
// request still has live jobs.
var ErrRequestInProgress = errors.New("pipeline: request is already in progress")

// RegistryDeps are the collaborators a Registry drives. Results may be nil,
// in which case job results stay in-process.
type RegistryDeps struct {
	Synthesizer tts.Synthesizer
	Renderer    digitalhuman.Renderer
	Results     ResultBus
	Metrics     *Metrics
}

func NewRegistry(cfg config.Config, deps RegistryDeps, log *slog.Logger) *Registry {
	results := deps.Results
	if results == nil {
		results = newLocalResults()
	}
	return &Registry{
		cfg:       cfg,
		layout:    artifact.NewLayout(cfg.Pipeline.SpeechDir, cfg.Pipeline.VideoDir),
		speech:    queue.New[SpeechJob](cfg.Pipeline.QueueCapacity),
		video:     queue.New[VideoJob](cfg.Pipeline.QueueCapacity),
		synth:     deps.Synthesizer,
		renderer:  deps.Renderer,
		results:   results,
		metrics:   deps.Metrics,
		log:       log.With(slog.String("component", "pipeline-registry")),
		abandoned: make(map[string]time.Time),
		pending:   make(map[string]int),
		idle:      make(map[string]chan struct{}),
		now:       time.Now,
	}
}

// SetMetrics attaches instruments created after the registry, typically
// because they observe its queue depth.
func (r *Registry) SetMetrics(m *Metrics) { r.metrics = m }

func (r *Registry) Layout() artifact.Layout { return r.layout }

// QueueDepth reports the number of waiting jobs per queue.
func (r *Registry) QueueDepth() (speech, video int) {
	return r.speech.Len(), r.video.Len()
}

// Start creates the artifact directories and launches the worker loops.
func (r *Registry) Start(ctx context.Context) error {
	if r.synth == nil || r.renderer == nil {
		return errors.New("pipeline: synthesizer and renderer are required")
	}
	if r.group != nil {
		return errors.New("pipeline: registry already started")
	}
	if err := r.layout.Ensure(); err != nil {
		return err
	}

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.cancelJobs = cancelJobs
	r.group = group

	poll := time.Duration(r.cfg.Pipeline.DequeueTimeoutMS) * time.Millisecond
	for i := 0; i < r.cfg.TTS.Workers; i++ {
		loop := &worker.Loop[SpeechJob]{
			Queue:       r.speech,
			Handle:      r.handleSpeech,
			Notifier:    r.results,
			Recorder:    r.metrics,
			PollTimeout: poll,
			JobTimeout:  time.Duration(r.cfg.TTS.TimeoutMS) * time.Millisecond,
			Abandoned:   r.Abandoned,
			Done:        r.release,
			JobContext:  jobCtx,
			Logger:      r.log.With(slog.String("worker", fmt.Sprintf("tts-%d", i))),
		}
		group.Go(func() error { return loop.Run(gctx) })
	}
	for i := 0; i < r.cfg.DigitalHuman.Workers; i++ {
		loop := &worker.Loop[VideoJob]{
			Queue:       r.video,
			Handle:      r.handleVideo,
			Notifier:    r.results,
			Recorder:    r.metrics,
			PollTimeout: poll,
			JobTimeout:  time.Duration(r.cfg.DigitalHuman.TimeoutMS) * time.Millisecond,
			Abandoned:   r.Abandoned,
			Done:        r.release,
			JobContext:  jobCtx,
			Logger:      r.log.With(slog.String("worker", fmt.Sprintf("digital-human-%d", i))),
		}
		group.Go(func() error { return loop.Run(gctx) })
	}
	r.log.Info("pipeline workers started",
		slog.Int("tts_workers", r.cfg.TTS.Workers),
		slog.Int("digital_human_workers", r.cfg.DigitalHuman.Workers),
	)
	return nil
}

// Close stops the worker loops and waits for in-flight jobs. When ctx ends
// first, in-flight jobs are cancelled and Close returns ctx's error once
// the workers have stopped.
func (r *Registry) Close(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()
	select {
	case err := <-done:
		r.cancelJobs()
		return err
	case <-ctx.Done():
		r.log.Warn("cancelling in-flight jobs", slog.String("error", ctx.Err().Error()))
		r.cancelJobs()
		return errors.Join(ctx.Err(), <-done)
	}
}

func (r *Registry) handleSpeech(ctx context.Context, job SpeechJob) worker.Result {
	err := r.synth.Synthesize(ctx, tts.Request{
		UserID:     job.UserID,
		RequestID:  job.RequestID,
		Sequence:   job.Sequence,
		Sentence:   job.Text,
		OutputPath: job.Output,
	})
	if err != nil {
		return worker.Failed(err)
	}
	return worker.Succeeded()
}

func (r *Registry) handleVideo(ctx context.Context, job VideoJob) worker.Result {
	err := r.renderer.Render(ctx, digitalhuman.Request{
		UserID:       job.UserID,
		RequestID:    job.RequestID,
		Sequence:     job.Sequence,
		SourcePath:   job.SourcePath,
		VideoPath:    job.VideoPath,
		SentinelPath: job.Sentinel,
	})
	if err != nil {
		return worker.Failed(err)
	}
	return worker.Succeeded()
}

// EnqueueSpeech blocks while the speech queue is full.
func (r *Registry) EnqueueSpeech(ctx context.Context, job SpeechJob) error {
	r.track(job.RequestID)
	if err := r.speech.Put(ctx, job); err != nil {
		r.release(job.JobMeta())
		return fmt.Errorf("enqueue speech job %d: %w", job.Sequence, err)
	}
	r.metrics.JobEnqueued(ctx, protocol.JobKindSpeech)
	return nil
}

// EnqueueVideo blocks while the video queue is full.
func (r *Registry) EnqueueVideo(ctx context.Context, job VideoJob) error {
	r.track(job.RequestID)
	if err := r.video.Put(ctx, job); err != nil {
		r.release(job.JobMeta())
		return fmt.Errorf("enqueue video job: %w", err)
	}
	r.metrics.JobEnqueued(ctx, protocol.JobKindVideo)
	return nil
}

// Watch returns a channel that ticks whenever a job of requestID finishes.
// Ticks coalesce; the channel is meant as a Synchronizer wake-up.
func (r *Registry) Watch(requestID string) (<-chan struct{}, func(), error) {
	results, cancelSub, err := r.results.Subscribe(requestID)
	if err != nil {
		return nil, nil, err
	}
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-results:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancelSub()
			close(done)
		})
	}
	return wake, stop, nil
}

// Abandon marks requestID as gone; queued jobs for it are skipped. Its
// artifacts are swept once no job of it is queued or running.
func (r *Registry) Abandon(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned[requestID] = r.now()
	r.pruneLocked()
	if r.pending[requestID] == 0 {
		r.sweepLocked(requestID)
	}
}

// Abandoned reports whether requestID was abandoned recently.
func (r *Registry) Abandoned(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abandonedLocked(requestID)
}

// Reset prepares requestID for a new run. Jobs left by an abandoned run
// are drained first (queued ones are skipped, running ones finish), then
// every artifact of the request is removed and the abandon mark cleared.
// A run that was not abandoned and still has jobs is ErrRequestInProgress.
func (r *Registry) Reset(ctx context.Context, requestID string) error {
	r.mu.Lock()
	for r.pending[requestID] > 0 {
		if !r.abandonedLocked(requestID) {
			r.mu.Unlock()
			return ErrRequestInProgress
		}
		ch, ok := r.idle[requestID]
		if !ok {
			ch = make(chan struct{})
			r.idle[requestID] = ch
		}
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
	}
	defer r.mu.Unlock()
	delete(r.abandoned, requestID)
	if err := r.layout.Sweep(requestID, r.log); err != nil {
		return fmt.Errorf("remove stale artifacts: %w", err)
	}
	return nil
}

// Pending reports how many jobs of requestID are queued or running.
func (r *Registry) Pending(requestID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[requestID]
}

func (r *Registry) track(requestID string) {
	r.mu.Lock()
	r.pending[requestID]++
	r.mu.Unlock()
}

// release is called once a job has left the pipeline.
func (r *Registry) release(meta worker.Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := meta.RequestID
	if r.pending[id] > 1 {
		r.pending[id]--
		return
	}
	delete(r.pending, id)
	if ch, ok := r.idle[id]; ok {
		close(ch)
		delete(r.idle, id)
	}
	if r.abandonedLocked(id) {
		r.sweepLocked(id)
	}
}

func (r *Registry) sweepLocked(requestID string) {
	if err := r.layout.Sweep(requestID, r.log); err != nil {
		r.log.Warn("artifact sweep incomplete", slog.String("request_id", requestID), slog.String("error", err.Error()))
	}
}

func (r *Registry) abandonedLocked(requestID string) bool {
	at, ok := r.abandoned[requestID]
	if !ok {
		return false
	}
	if r.now().Sub(at) > abandonTTL {
		delete(r.abandoned, requestID)
		return false
	}
	return true
}

func (r *Registry) pruneLocked() {
	now := r.now()
	for id, at := range r.abandoned {
		if now.Sub(at) > abandonTTL {
			delete(r.abandoned, id)
		}
	}
}
