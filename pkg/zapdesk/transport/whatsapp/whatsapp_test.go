package whatsapp

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// A whatsmeow handler can still be inside emit when Disconnect runs, so
// the events channel must stay open and late emits must not panic.
func TestDisconnectLeavesEventsOpen(t *testing.T) {
	w := New(Config{}, testLogger())
	w.ctx, w.cancel = context.WithCancel(context.Background())

	if err := w.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if w.State() != transport.StateDisconnected {
		t.Errorf("expected disconnected state, got %s", w.State())
	}

	for i := 0; i < 10; i++ {
		w.emit(transport.Inbound{UserID: "u1", Text: "chegou tarde"})
	}

	select {
	case _, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel was closed")
		}
	default:
	}

	// Idempotent shutdown.
	if err := w.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}
