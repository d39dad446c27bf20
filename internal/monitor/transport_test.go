package monitor

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"farmstation/backend/internal/broker"
	"farmstation/backend/internal/gateway"
	"farmstation/backend/internal/server"
	"farmstation/backend/internal/store"
	"farmstation/backend/internal/telemetry"
)

func TestSessionURL(t *testing.T) {
	endpoint, err := sessionURL("https://farm.example.com/telemetry/", "ui-7")
	if err != nil {
		t.Fatalf("session url: %v", err)
	}
	if endpoint != "wss://farm.example.com/telemetry/ws?clientId=ui-7" {
		t.Fatalf("unexpected session url %q", endpoint)
	}

	if _, err := sessionURL("ftp://farm.example.com", ""); err == nil {
		t.Fatal("expected unsupported scheme to fail")
	}
}

func TestSendWithoutConnectionReportsNotConnected(t *testing.T) {
	transport, err := NewWSTransport("http://127.0.0.1:1", "")
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := transport.Send(context.Background(), telemetry.SubscribeMessage("barn-1")); err != telemetry.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestLiveReadingsFlowFromIngestToWatcher(t *testing.T) {
	readings := store.NewMemoryStore(100)
	hub := broker.New(broker.DefaultConfig())
	ingest := gateway.New(readings, hub)
	api := server.NewAPI(readings, ingest, hub, "key")
	httpServer := httptest.NewServer(api.Handler())
	defer httpServer.Close()

	ctx := context.Background()
	if _, err := ingest.Ingest(ctx, telemetry.Reading{DeviceID: "barn-1", Temperature: 18, Humidity: 60, ReadingTime: 1}); err != nil {
		t.Fatalf("seed reading: %v", err)
	}

	transport, err := NewWSTransport(httpServer.URL, "ui-1", WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	mux := New(transport, NewHTTPSource(httpServer.URL, nil), DefaultConfig())
	defer mux.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = mux.Run(runCtx) }()

	watch := mustWatch(t, mux, "barn-1")
	waitFor(t, func() bool { return hub.SubscriberCount("barn-1") == 1 }, "expected server-side subscription")
	waitFor(t, func() bool { return len(watch.History()) == 1 }, "expected history seeded from the query api")

	if _, err := ingest.Ingest(ctx, telemetry.Reading{DeviceID: "barn-1", Temperature: 19, Humidity: 61, ReadingTime: 2}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	for {
		update := nextUpdate(t, watch)
		if update.Live {
			if update.Reading.ReadingTime != 2 {
				t.Fatalf("expected live reading at 2, got %+v", update.Reading)
			}
			break
		}
	}

	watch.Unwatch()
	waitFor(t, func() bool { return hub.SubscriberCount("barn-1") == 0 }, "expected unsubscribe to reach the server")
}
