package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport records sends and can be told to fail.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failures  int
	sent      []Entry
	edits     []Entry
	nextID    int
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SendText(_ context.Context, userID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", errors.New("send failed")
	}
	f.nextID++
	f.sent = append(f.sent, Entry{UserID: userID, Text: text})
	return fmt.Sprintf("wamid-%d", f.nextID), nil
}

func (f *fakeTransport) SendFiles(_ context.Context, userID, text string, files []session.FileAttachment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, Entry{UserID: userID, Text: text, Files: files})
	return fmt.Sprintf("wamid-%d", f.nextID), nil
}

func (f *fakeTransport) EditText(_ context.Context, userID, transportID, newText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, Entry{UserID: userID, TransportID: transportID, NewText: newText})
	return nil
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.Text
	}
	return out
}

func newTestQueue(tr *fakeTransport) (*Queue, *time.Time) {
	q := New(Config{Interval: time.Hour, RetryBackoff: 5 * time.Second, MaxBackoff: 20 * time.Second}, tr, testLogger())
	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return clock })
	return q, &clock
}

func TestEnqueue(t *testing.T) {
	q, _ := newTestQueue(&fakeTransport{})

	q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "a"})
	q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "b"})

	if q.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", q.Pending())
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries[0].ID == "" || q.entries[0].ID == q.entries[1].ID {
		t.Error("expected unique generated ids")
	}
}

func TestProcessNext(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers in FIFO order", func(t *testing.T) {
		tr := &fakeTransport{connected: true}
		q, _ := newTestQueue(tr)
		for _, text := range []string{"um", "dois", "três"} {
			q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: text})
		}

		for q.processNext(ctx) {
		}

		got := tr.sentTexts()
		if len(got) != 3 || got[0] != "um" || got[1] != "dois" || got[2] != "três" {
			t.Errorf("expected FIFO delivery, got %v", got)
		}
		if q.Pending() != 0 {
			t.Errorf("expected drained queue, got %d", q.Pending())
		}
	})

	t.Run("holds entries while disconnected", func(t *testing.T) {
		tr := &fakeTransport{connected: false}
		q, _ := newTestQueue(tr)
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "espera"})

		if q.processNext(ctx) {
			t.Error("expected no delivery while disconnected")
		}
		if q.Pending() != 1 {
			t.Errorf("entry must survive the outage, pending=%d", q.Pending())
		}

		tr.mu.Lock()
		tr.connected = true
		tr.mu.Unlock()
		if !q.processNext(ctx) {
			t.Error("expected delivery after reconnect")
		}
	})

	t.Run("respects NotBefore pacing", func(t *testing.T) {
		tr := &fakeTransport{connected: true}
		q, clock := newTestQueue(tr)
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "depois",
			NotBefore: clock.Add(10 * time.Second)})

		if q.processNext(ctx) {
			t.Error("expected entry held until its NotBefore")
		}

		*clock = clock.Add(11 * time.Second)
		if !q.processNext(ctx) {
			t.Error("expected delivery once due")
		}
	})

	t.Run("later entries wait behind a delayed head", func(t *testing.T) {
		tr := &fakeTransport{connected: true}
		q, clock := newTestQueue(tr)
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "primeiro",
			NotBefore: clock.Add(10 * time.Second)})
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "segundo"})

		if q.processNext(ctx) {
			t.Error("head not due, nothing may be sent")
		}
		if len(tr.sentTexts()) != 0 {
			t.Error("order violated: the second entry overtook the head")
		}
	})

	t.Run("failure requeues at head with backoff", func(t *testing.T) {
		tr := &fakeTransport{connected: true, failures: 1}
		q, clock := newTestQueue(tr)
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "tenta"})
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "atrás"})

		if q.processNext(ctx) {
			t.Error("expected failed delivery")
		}
		if q.Pending() != 2 {
			t.Errorf("failed entry must stay, pending=%d", q.Pending())
		}

		// Still the head, still first: not due yet.
		if q.processNext(ctx) {
			t.Error("expected backoff to hold the head")
		}

		*clock = clock.Add(6 * time.Second)
		if !q.processNext(ctx) {
			t.Error("expected retry after backoff")
		}
		got := tr.sentTexts()
		if len(got) != 1 || got[0] != "tenta" {
			t.Errorf("expected the failed entry retried first, got %v", got)
		}
	})

	t.Run("backoff grows and caps", func(t *testing.T) {
		tr := &fakeTransport{connected: true, failures: 10}
		q, clock := newTestQueue(tr)
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "insiste"})

		for i := 0; i < 6; i++ {
			q.processNext(ctx)
			*clock = clock.Add(time.Hour)
		}

		q.mu.Lock()
		head := q.entries[0]
		q.mu.Unlock()
		if head.Attempts != 6 {
			t.Errorf("expected 6 attempts, got %d", head.Attempts)
		}
		// 6 * 5s would be 30s but the cap is 20s.
		if wait := head.NotBefore.Sub(clock.Add(-time.Hour)); wait > 20*time.Second {
			t.Errorf("backoff exceeded cap: %v", wait)
		}
	})

	t.Run("ack fires with the transport id", func(t *testing.T) {
		tr := &fakeTransport{connected: true}
		q, _ := newTestQueue(tr)

		var ackUser, ackTID string
		var ackSeq int64
		q.SetAck(func(userID string, seq int64, transportID string) {
			ackUser, ackSeq, ackTID = userID, seq, transportID
		})

		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Seq: 7, Text: "oi"})
		q.processNext(ctx)

		if ackUser != "u1" || ackSeq != 7 || ackTID != "wamid-1" {
			t.Errorf("ack = (%s, %d, %s)", ackUser, ackSeq, ackTID)
		}
	})

	t.Run("edits use the edit surface and skip ack", func(t *testing.T) {
		tr := &fakeTransport{connected: true}
		q, _ := newTestQueue(tr)
		acked := false
		q.SetAck(func(string, int64, string) { acked = true })

		q.Enqueue(Entry{Kind: KindEdit, UserID: "u1", TransportID: "wamid-9", NewText: "corrigido"})
		q.processNext(ctx)

		tr.mu.Lock()
		defer tr.mu.Unlock()
		if len(tr.edits) != 1 || tr.edits[0].TransportID != "wamid-9" || tr.edits[0].NewText != "corrigido" {
			t.Errorf("expected edit delivered, got %+v", tr.edits)
		}
		if acked {
			t.Error("edits must not fire the send ack")
		}
	})

	t.Run("files go through SendFiles", func(t *testing.T) {
		tr := &fakeTransport{connected: true}
		q, _ := newTestQueue(tr)
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: "segue anexo",
			Files: []session.FileAttachment{{Name: "nota.pdf", MimeType: "application/pdf"}}})
		q.processNext(ctx)

		tr.mu.Lock()
		defer tr.mu.Unlock()
		if len(tr.sent) != 1 || len(tr.sent[0].Files) != 1 {
			t.Errorf("expected file delivery, got %+v", tr.sent)
		}
	})
}

func TestRun(t *testing.T) {
	tr := &fakeTransport{connected: true}
	q := New(Config{Interval: 5 * time.Millisecond}, tr, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	for _, text := range []string{"a", "b", "c"} {
		q.Enqueue(Entry{Kind: KindSend, UserID: "u1", Text: text})
	}

	deadline := time.After(2 * time.Second)
	for q.Pending() > 0 {
		select {
		case <-deadline:
			t.Fatalf("queue did not drain, pending=%d", q.Pending())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if got := tr.sentTexts(); len(got) != 3 {
		t.Errorf("expected 3 deliveries, got %v", got)
	}
}
