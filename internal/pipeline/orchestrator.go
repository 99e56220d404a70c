package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/streamcast/internal/artifact"
	"github.com/loqalabs/streamcast/internal/augment"
	"github.com/loqalabs/streamcast/internal/config"
	"github.com/loqalabs/streamcast/internal/eventstore"
	"github.com/loqalabs/streamcast/internal/llm"
	"github.com/loqalabs/streamcast/internal/progress"
	"github.com/loqalabs/streamcast/internal/segment"
)

// EmitFunc delivers one progress event to the client. An error means the
// client is gone.
type EmitFunc func(progress.Event) error

// Orchestrator runs the per-request state machine: augment the prompt,
// stream the LLM while dispatching speech jobs, wait for speech, dispatch
// and wait for video, then finish.
type Orchestrator struct {
	cfg       config.Config
	registry  *Registry
	generator llm.Generator
	agent     augment.Agent
	retriever augment.Retriever
	store     *eventstore.Store
	metrics   *Metrics
	tracer    trace.Tracer
	log       *slog.Logger
}

type Deps struct {
	Registry  *Registry
	Generator llm.Generator
	Agent     augment.Agent
	Retriever augment.Retriever
	Store     *eventstore.Store
	Metrics   *Metrics
}

func NewOrchestrator(cfg config.Config, deps Deps, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		registry:  deps.Registry,
		generator: deps.Generator,
		agent:     deps.Agent,
		retriever: deps.Retriever,
		store:     deps.Store,
		metrics:   deps.Metrics,
		tracer:    otel.Tracer("github.com/loqalabs/streamcast/internal/pipeline"),
		log:       log.With(slog.String("component", "orchestrator")),
	}
	if o.agent == nil {
		o.agent = augment.NewAgent(config.AgentConfig{})
	}
	if o.retriever == nil {
		o.retriever = augment.NewRetriever(config.RAGConfig{})
	}
	return o
}

// run is the mutable state of one request.
type run struct {
	req     ChatRequest
	emit    EmitFunc
	log     *slog.Logger
	traceID string

	text     strings.Builder
	seg      *segment.Segmenter
	lastID   int
	speech   []string
	finished bool
}

func (r *run) next(step progress.Step, final bool) progress.Event {
	r.lastID++
	return progress.New(step, r.lastID, r.text.String(), final)
}

func (r *run) send(step progress.Step, final bool) error {
	if err := r.emit(r.next(step, final)); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	if final {
		r.finished = true
	}
	return nil
}

var errClientGone = errors.New("client disconnected")

// Run processes req and streams progress through emit. It returns after the
// terminal event has been emitted, or with the reason the request failed.
// A failed request still gets a terminal step=error event when the client
// can receive it.
func (o *Orchestrator) Run(ctx context.Context, req ChatRequest, emit EmitFunc) (err error) {
	if err := req.Normalize(); err != nil {
		return err
	}
	if err := o.registry.Reset(ctx, req.RequestID); err != nil {
		o.log.Warn("chat request rejected", slog.String("request_id", req.RequestID), slogError(err))
		if emitErr := emit(progress.Failed(1, "", err)); emitErr != nil {
			o.log.Debug("could not deliver error event", slogError(emitErr))
		}
		return fmt.Errorf("prepare request %s: %w", req.RequestID, err)
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.chat", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("user_id", req.UserID),
		attribute.Bool("plugins.tts", req.Plugins.TTS),
		attribute.Bool("plugins.digital_human", req.Plugins.DigitalHuman),
	))
	defer span.End()

	r := &run{
		req:     req,
		emit:    emit,
		traceID: span.SpanContext().TraceID().String(),
		log:     o.log.With(slog.String("request_id", req.RequestID), slog.String("user_id", req.UserID)),
		seg: segment.New(req.RequestID, segment.Options{
			Boundaries: o.cfg.Pipeline.BoundarySymbols,
			MinRunes:   o.cfg.Pipeline.MinSentenceRunes,
		}),
	}

	o.metrics.RequestStarted(ctx)
	if err := o.store.BeginRequest(ctx, req.RequestID, req.UserID); err != nil {
		r.log.Warn("failed to record request start", slogError(err))
	}
	r.log.Info("chat request started")

	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			if errors.Is(err, errClientGone) || ctx.Err() != nil {
				outcome = "abandoned"
			}
			o.registry.Abandon(req.RequestID)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.log.Warn("chat request failed", slog.String("outcome", outcome), slogError(err))
			if !r.finished && outcome != "abandoned" {
				if emitErr := emit(progress.Failed(r.lastID+1, r.text.String(), err)); emitErr != nil {
					r.log.Debug("could not deliver error event", slogError(emitErr))
				}
			}
			o.cleanup(r)
		}
		o.record(context.WithoutCancel(ctx), r, "request."+outcome, nil)
		if storeErr := o.store.FinishRequest(context.WithoutCancel(ctx), req.RequestID, outcome); storeErr != nil {
			r.log.Warn("failed to record request outcome", slogError(storeErr))
		}
		o.metrics.RequestFinished(ctx, outcome)
	}()

	wake, stopWatch, err := o.registry.Watch(req.RequestID)
	if err != nil {
		return fmt.Errorf("watch job results: %w", err)
	}
	defer stopWatch()

	o.augmentPrompt(ctx, r)

	if err := o.stream(ctx, r); err != nil {
		return err
	}

	speechReady := false
	if r.req.Plugins.TTS && len(r.speech) > 0 {
		if err := o.awaitSpeech(ctx, r, wake); err != nil {
			return err
		}
		speechReady = true
	}

	if r.req.Plugins.DigitalHuman {
		if !speechReady {
			r.log.Warn("skipping digital human: no speech to render", slog.Bool("tts", r.req.Plugins.TTS), slog.Int("sentences", len(r.speech)))
		} else if err := o.renderVideo(ctx, r, wake); err != nil {
			return err
		}
	}

	if err := r.send(progress.StepAll, true); err != nil {
		return err
	}
	o.cleanup(r)
	r.log.Info("chat request completed", slog.Int("sentences", len(r.speech)), slog.Int("events", r.lastID))
	return nil
}

// augmentPrompt asks the agent first and falls back to retrieval only when
// the agent had nothing to say. Failures leave the prompt unchanged.
func (o *Orchestrator) augmentPrompt(ctx context.Context, r *run) {
	last := &r.req.Prompt[len(r.req.Prompt)-1]
	question := last.Content

	if r.req.Plugins.Agent {
		answer, err := o.agent.Answer(ctx, augment.AgentQuery{
			Prompt:          question,
			DeparturePlace:  r.req.ProductInfo.DeparturePlace,
			DeliveryCompany: r.req.ProductInfo.DeliveryCompanyName,
		})
		if err != nil {
			r.log.Warn("agent lookup failed", slogError(err))
		}
		if answer != "" {
			last.Content = augment.Wrap(o.cfg.Agent.Template, answer, question)
			o.record(ctx, r, "augment.agent", []byte(last.Content))
			return
		}
	}

	if r.req.Plugins.RAG {
		prompt, err := o.retriever.Augment(ctx, r.req.ProductInfo.Name, question)
		if err != nil {
			r.log.Warn("retrieval failed", slogError(err))
		}
		if prompt != "" {
			last.Content = prompt
			o.record(ctx, r, "augment.rag", []byte(prompt))
		}
	}
}

func (o *Orchestrator) stream(ctx context.Context, r *run) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.stream")
	defer span.End()

	err := o.generator.Generate(ctx, llm.Request{
		RequestID:         r.req.RequestID,
		Messages:          r.req.Prompt,
		TopP:              r.req.ChatConfig.TopP,
		Temperature:       r.req.ChatConfig.Temperature,
		RepetitionPenalty: r.req.ChatConfig.RepetitionPenalty,
		MaxTokens:         o.cfg.LLM.MaxTokens,
	}, func(c llm.Chunk) error {
		delta := segment.Normalize(c.Content, o.cfg.Pipeline.Replacements)
		if delta == "" {
			return nil
		}
		r.text.WriteString(delta)
		if r.req.Plugins.TTS {
			if chunk, ok := r.seg.Feed(delta); ok {
				if err := o.dispatchSentence(ctx, r, chunk); err != nil {
					return err
				}
			}
		}
		return r.send(progress.StepLLM, false)
	})
	if err != nil {
		if errors.Is(err, errClientGone) {
			return err
		}
		return fmt.Errorf("llm stream: %w", err)
	}

	if r.req.Plugins.TTS && o.cfg.Pipeline.FlushTail {
		if chunk, ok := r.seg.Flush(); ok {
			if err := o.dispatchSentence(ctx, r, chunk); err != nil {
				return err
			}
		}
	}
	span.SetAttributes(attribute.Int("sentences", len(r.speech)))
	return nil
}

func (o *Orchestrator) dispatchSentence(ctx context.Context, r *run, chunk segment.Chunk) error {
	out := o.registry.Layout().Speech(r.req.RequestID, chunk.Sequence)
	r.log.Info("sentence cut", slog.Int("sequence", chunk.Sequence), slog.String("text", chunk.Text))
	err := o.registry.EnqueueSpeech(ctx, SpeechJob{
		UserID:    r.req.UserID,
		RequestID: r.req.RequestID,
		Sequence:  chunk.Sequence,
		Text:      chunk.Text,
		Output:    out,
	})
	if err != nil {
		return err
	}
	r.speech = append(r.speech, out)
	o.metrics.SentenceCut(ctx)
	o.record(ctx, r, "sentence", []byte(chunk.Text))
	return nil
}

func (o *Orchestrator) awaitSpeech(ctx context.Context, r *run, wake <-chan struct{}) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.await_speech")
	defer span.End()

	waiter := o.synchronizer(wake, o.cfg.Pipeline.SpeechMaxWaitMS)
	err := waiter.AwaitAll(ctx, r.speech, func(missing, total int) error {
		r.log.Debug("waiting for speech", slog.Int("missing", missing), slog.Int("total", total))
		return r.send(progress.StepSpeech, false)
	})
	if err != nil {
		return fmt.Errorf("await speech: %w", err)
	}
	o.record(ctx, r, "speech.ready", nil)
	return nil
}

func (o *Orchestrator) renderVideo(ctx context.Context, r *run, wake <-chan struct{}) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.render_video")
	defer span.End()

	layout := o.registry.Layout()
	merged := layout.MergedSpeech(r.req.RequestID)
	params, err := artifact.MergeWAV(r.speech, merged, o.cfg.Pipeline.StrictAudioFormat)
	if err != nil {
		return fmt.Errorf("merge speech: %w", err)
	}
	r.log.Info("speech merged", slog.String("path", merged), slog.String("format", params.String()))

	sentinel := layout.VideoSentinel(r.req.RequestID)
	err = o.registry.EnqueueVideo(ctx, VideoJob{
		UserID:     r.req.UserID,
		RequestID:  r.req.RequestID,
		SourcePath: merged,
		VideoPath:  layout.Video(r.req.RequestID),
		Sentinel:   sentinel,
	})
	if err != nil {
		return err
	}
	o.record(ctx, r, "video.dispatched", []byte(merged))

	waiter := o.synchronizer(wake, o.cfg.Pipeline.VideoMaxWaitMS)
	err = waiter.AwaitAll(ctx, []string{sentinel}, func(int, int) error {
		return r.send(progress.StepDigitalHuman, false)
	})
	if err != nil {
		return fmt.Errorf("await video: %w", err)
	}
	o.record(ctx, r, "video.ready", []byte(layout.Video(r.req.RequestID)))
	return nil
}

func (o *Orchestrator) synchronizer(wake <-chan struct{}, maxWaitMS int) *artifact.Synchronizer {
	return &artifact.Synchronizer{
		Interval: time.Duration(o.cfg.Pipeline.PollIntervalMS) * time.Millisecond,
		MaxWait:  time.Duration(maxWaitMS) * time.Millisecond,
		Wake:     wake,
	}
}

// cleanup removes the per-sentence speech artifacts. The merged track and
// the video are left for the client. On failure the registry sweeps what
// in-flight jobs write after this runs.
func (o *Orchestrator) cleanup(r *run) {
	if len(r.speech) == 0 {
		return
	}
	if err := artifact.Remove(r.speech, r.log); err != nil {
		r.log.Warn("speech cleanup incomplete", slogError(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, r *run, kind string, payload []byte) {
	err := o.store.AppendEvent(ctx, eventstore.Event{
		RequestID: r.req.RequestID,
		TraceID:   r.traceID,
		Type:      kind,
		Payload:   payload,
	})
	if err != nil {
		r.log.Warn("failed to record event", slog.String("type", kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
