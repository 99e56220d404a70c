package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/streamcast/internal/config"
	"github.com/loqalabs/streamcast/internal/natsserver"
	"github.com/loqalabs/streamcast/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startClient(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestNotifierDeliversPerRequest(t *testing.T) {
	client := startClient(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}
	n := NewNotifier(client)

	results, cancel, err := n.Subscribe("req-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ctx := context.Background()
	if err := n.Publish(ctx, protocol.JobResult{Kind: protocol.JobKindSpeech, RequestID: "other", Sequence: 9, OK: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := n.Publish(ctx, protocol.JobResult{Kind: protocol.JobKindSpeech, RequestID: "req-1", Sequence: 1, OK: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := n.Publish(ctx, protocol.JobResult{Kind: protocol.JobKindVideo, RequestID: "req-1", OK: false, Reason: "boom"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got []protocol.JobResult
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case res := <-results:
			got = append(got, res)
		case <-timeout:
			t.Fatalf("timed out, got %d results", len(got))
		}
	}
	if got[0].Sequence != 1 || !got[0].OK {
		t.Fatalf("unexpected first result %+v", got[0])
	}
	if got[1].Kind != protocol.JobKindVideo || got[1].Reason != "boom" {
		t.Fatalf("unexpected second result %+v", got[1])
	}
}
