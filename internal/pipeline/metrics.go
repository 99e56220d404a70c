package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/streamcast/internal/protocol"
)

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	jobsEnqueued   metric.Int64Counter
	jobsFinished   metric.Int64Counter
	jobsSkipped    metric.Int64Counter
	jobDuration    metric.Float64Histogram
	sentences      metric.Int64Counter
	requests       metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// QueueDepth reports the current length of both synthesis queues.
type QueueDepth func() (speech, video int)

func NewMetrics(meter metric.Meter, depth QueueDepth) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.jobsEnqueued, err = meter.Int64Counter("streamcast.jobs.enqueued",
		metric.WithDescription("Synthesis jobs put on a queue")); err != nil {
		return nil, err
	}
	if m.jobsFinished, err = meter.Int64Counter("streamcast.jobs.finished",
		metric.WithDescription("Synthesis jobs processed by a worker, by outcome")); err != nil {
		return nil, err
	}
	if m.jobsSkipped, err = meter.Int64Counter("streamcast.jobs.skipped",
		metric.WithDescription("Jobs dropped because their request was abandoned")); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("streamcast.job.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Collaborator call latency per job")); err != nil {
		return nil, err
	}
	if m.sentences, err = meter.Int64Counter("streamcast.sentences",
		metric.WithDescription("Sentences cut from the LLM stream")); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("streamcast.requests",
		metric.WithDescription("Chat requests finished, by outcome")); err != nil {
		return nil, err
	}
	if m.activeRequests, err = meter.Int64UpDownCounter("streamcast.requests.active",
		metric.WithDescription("Chat requests currently streaming")); err != nil {
		return nil, err
	}
	if depth != nil {
		_, err = meter.Int64ObservableGauge("streamcast.queue.depth",
			metric.WithDescription("Jobs waiting per synthesis queue"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				speech, video := depth()
				o.Observe(int64(speech), metric.WithAttributes(kindAttr(protocol.JobKindSpeech)))
				o.Observe(int64(video), metric.WithAttributes(kindAttr(protocol.JobKindVideo)))
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func kindAttr(kind protocol.JobKind) attribute.KeyValue {
	return attribute.String("kind", string(kind))
}

func outcomeAttr(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("outcome", "ok")
	}
	return attribute.String("outcome", "failed")
}

func (m *Metrics) JobEnqueued(ctx context.Context, kind protocol.JobKind) {
	if m == nil {
		return
	}
	m.jobsEnqueued.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

func (m *Metrics) JobFinished(ctx context.Context, kind protocol.JobKind, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(kindAttr(kind), outcomeAttr(ok))
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) JobSkipped(ctx context.Context, kind protocol.JobKind) {
	if m == nil {
		return
	}
	m.jobsSkipped.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

func (m *Metrics) SentenceCut(ctx context.Context) {
	if m == nil {
		return
	}
	m.sentences.Add(ctx, 1)
}

func (m *Metrics) RequestStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, 1)
}

func (m *Metrics) RequestFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, -1)
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
