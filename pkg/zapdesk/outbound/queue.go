// Package outbound implements the ordered, at-least-once delivery queue
// between conversation logic and the WhatsApp transport. Enqueue never
// blocks; a single drain worker throttles actual sends, so the queue is
// the one backpressure point in front of the transport.
package outbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

// Kind discriminates queue entries.
type Kind string

const (
	KindSend Kind = "send"
	KindEdit Kind = "edit"
)

// Entry is one queued delivery.
type Entry struct {
	ID     string
	Kind   Kind
	UserID string

	// Send fields.
	Text  string
	Files []session.FileAttachment
	// Seq is the session-log sequence id of the message being delivered,
	// carried through for exact delivery-status acks.
	Seq int64

	// Edit fields.
	TransportID string
	NewText     string

	// NotBefore delays delivery without breaking FIFO order. Auto-advance
	// chains use it for pacing, retries use it for backoff.
	NotBefore time.Time

	Attempts int
}

// Transport is the slice of the transport collaborator the queue needs.
type Transport interface {
	IsConnected() bool
	SendText(ctx context.Context, userID, text string) (transportID string, err error)
	SendFiles(ctx context.Context, userID, text string, files []session.FileAttachment) (transportID string, err error)
	EditText(ctx context.Context, userID, transportID, newText string) error
}

// AckFunc is called after a successful send so the session message's
// delivery status can advance to sent.
type AckFunc func(userID string, seq int64, transportID string)

// Config tunes the drain worker.
type Config struct {
	// Interval is the worker tick; one entry is fully processed per pass.
	Interval time.Duration `yaml:"interval"`

	// RetryBackoff is the base wait after a failed delivery; it grows
	// linearly with the entry's attempt count up to MaxBackoff.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     700 * time.Millisecond,
		RetryBackoff: 5 * time.Second,
		MaxBackoff:   2 * time.Minute,
	}
}

// Queue is the FIFO of pending deliveries. Ordering is global arrival
// order; entries are drained one at a time, so per-user ordering holds.
type Queue struct {
	cfg    Config
	tr     Transport
	ack    AckFunc
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []Entry

	wake chan struct{}
}

// New creates an outbound queue in front of the given transport.
func New(cfg Config, tr Transport, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Queue{
		cfg:    cfg,
		tr:     tr,
		logger: logger.With("component", "outbound"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// SetAck installs the delivery acknowledgment callback.
func (q *Queue) SetAck(fn AckFunc) { q.ack = fn }

// SetClock overrides the time source (tests).
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue appends an entry. Never blocks.
func (q *Queue) Enqueue(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of undelivered entries.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Run drains the queue until ctx is cancelled. Bounded concurrency of one:
// a single worker sends one entry per pass, respecting transport rate
// limits and preserving order.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	q.logger.Info("outbound: worker started", "interval", q.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("outbound: worker stopped", "pending", q.Pending())
			return
		case <-q.wake:
		case <-ticker.C:
		}
		// One entry per pass; the tick interval is the send rate limit.
		q.processNext(ctx)
	}
}

// processNext delivers at most the head entry. On failure the entry stays
// at the head with a backoff deadline: at-least-once, never dropped
// and never reordered. Returns true when an entry was delivered.
func (q *Queue) processNext(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return false
	}
	e := q.entries[0]
	q.mu.Unlock()

	if e.NotBefore.After(q.now()) {
		return false
	}
	if !q.tr.IsConnected() {
		return false
	}

	var (
		transportID string
		err         error
	)
	switch e.Kind {
	case KindEdit:
		err = q.tr.EditText(ctx, e.UserID, e.TransportID, e.NewText)
	default:
		if len(e.Files) > 0 {
			transportID, err = q.tr.SendFiles(ctx, e.UserID, e.Text, e.Files)
		} else {
			transportID, err = q.tr.SendText(ctx, e.UserID, e.Text)
		}
	}

	if err != nil {
		q.mu.Lock()
		if len(q.entries) > 0 && q.entries[0].ID == e.ID {
			q.entries[0].Attempts++
			backoff := q.cfg.RetryBackoff * time.Duration(q.entries[0].Attempts)
			if backoff > q.cfg.MaxBackoff {
				backoff = q.cfg.MaxBackoff
			}
			q.entries[0].NotBefore = q.now().Add(backoff)
		}
		q.mu.Unlock()
		q.logger.Warn("outbound: delivery failed, requeued at head",
			"user", e.UserID, "attempts", e.Attempts+1, "error", err)
		return false
	}

	q.mu.Lock()
	if len(q.entries) > 0 && q.entries[0].ID == e.ID {
		q.entries = q.entries[1:]
	}
	q.mu.Unlock()

	if e.Kind == KindSend && q.ack != nil {
		q.ack(e.UserID, e.Seq, transportID)
	}
	return true
}
