package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/streamcast/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Notifier fans job results out over NATS so that a request waiting in one
// process is woken by a worker running in another.
type Notifier struct {
	client *Client
	log    *slog.Logger
}

func NewNotifier(client *Client) *Notifier {
	return &Notifier{
		client: client,
		log:    client.Logger().With(slog.String("role", "job-notifier")),
	}
}

// Publish broadcasts res on its per-request subject.
func (n *Notifier) Publish(_ context.Context, res protocol.JobResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	return n.client.Conn().Publish(protocol.JobResultSubject(res.Kind, res.RequestID), data)
}

// Subscribe delivers every result for requestID until the returned cancel
// func is called. Slow consumers lose results rather than block the bus.
func (n *Notifier) Subscribe(requestID string) (<-chan protocol.JobResult, func(), error) {
	out := make(chan protocol.JobResult, 64)
	sub, err := n.client.Conn().Subscribe(protocol.JobResultWildcard(requestID), func(msg *nats.Msg) {
		var res protocol.JobResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			n.log.Warn("failed to decode job result", slog.String("error", err.Error()))
			return
		}
		select {
		case out <- res:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe job results: %w", err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return out, cancel, nil
}
