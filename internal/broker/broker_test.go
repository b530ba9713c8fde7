package broker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cellium/mcp-relay/config"
	"github.com/cellium/mcp-relay/internal/broker"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWiresMemoryMode(t *testing.T) {
	b, err := broker.New(context.Background(), testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Run serves until canceled, then drains.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not shut down")
	}
}

func TestNewRejectsBadAuthServerURL(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.AuthServerURL = "ftp://example.test"

	if _, err := broker.New(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("New accepted an unusable auth server URL")
	}
}
