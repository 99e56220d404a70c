package pipeline

import (
	"context"
	"sync"

	"github.com/loqalabs/streamcast/internal/protocol"
)

// ResultBus carries job results from workers to waiting requests.
// *bus.Notifier implements it over NATS; localResults is used when the bus
// is disabled.
type ResultBus interface {
	Publish(ctx context.Context, res protocol.JobResult) error
	Subscribe(requestID string) (<-chan protocol.JobResult, func(), error)
}

type localResults struct {
	mu   sync.Mutex
	subs map[string]map[chan protocol.JobResult]struct{}
}

func newLocalResults() *localResults {
	return &localResults{subs: make(map[string]map[chan protocol.JobResult]struct{})}
}

func (l *localResults) Publish(_ context.Context, res protocol.JobResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[res.RequestID] {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (l *localResults) Subscribe(requestID string) (<-chan protocol.JobResult, func(), error) {
	ch := make(chan protocol.JobResult, 64)
	l.mu.Lock()
	if l.subs[requestID] == nil {
		l.subs[requestID] = make(map[chan protocol.JobResult]struct{})
	}
	l.subs[requestID][ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[requestID], ch)
			if len(l.subs[requestID]) == 0 {
				delete(l.subs, requestID)
			}
			l.mu.Unlock()
		})
	}
	return ch, cancel, nil
}
