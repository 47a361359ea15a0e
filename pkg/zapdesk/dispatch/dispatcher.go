// Package dispatch routes normalized inbound WhatsApp events to the right
// side of the console: bot-owned sessions go through the dialogue engine,
// queued and human-owned sessions are persisted and left for the attendant.
// Messages are processed strictly in arrival order per user, but a slow
// transcription for one user never blocks dispatch for another.
package dispatch

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/flow"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/outbound"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

// transcribePlaceholder stands in for a voice note whose transcription
// failed; the message is still recorded.
const transcribePlaceholder = "[áudio recebido - transcrição indisponível]"

// Transcriber converts audio to text. May fail; failure degrades to a
// placeholder, never an error that aborts dispatch.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Stepper is the dialogue engine surface the dispatcher drives.
type Stepper interface {
	Step(ctx context.Context, userID, input string) (flow.Result, error)
}

// Inbound is a normalized incoming message from the transport.
type Inbound struct {
	UserID   string
	UserName string
	Text     string
	File     *session.FileAttachment
	Reply    *session.ReplyRef
}

// Config tunes the dispatcher.
type Config struct {
	// UserBuffer is the per-user pending message buffer.
	UserBuffer int `yaml:"user_buffer"`

	// IdleTTL is how long an idle per-user worker lingers before exiting.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{UserBuffer: 64, IdleTTL: 10 * time.Minute}
}

// Dispatcher fans inbound events out to per-user workers.
type Dispatcher struct {
	cfg         Config
	reg         *session.Registry
	engine      Stepper
	out         *outbound.Queue
	transcriber Transcriber
	logger      *slog.Logger
	now         func() time.Time

	ctx context.Context

	mu      sync.Mutex
	workers map[string]chan Inbound
	wg      sync.WaitGroup
}

// New creates a dispatcher. Start must be called before HandleInbound.
func New(cfg Config, reg *session.Registry, engine Stepper, out *outbound.Queue, tr Transcriber, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.UserBuffer == 0 {
		cfg.UserBuffer = def.UserBuffer
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &Dispatcher{
		cfg:         cfg,
		reg:         reg,
		engine:      engine,
		out:         out,
		transcriber: tr,
		logger:      logger.With("component", "dispatch"),
		now:         time.Now,
		workers:     make(map[string]chan Inbound),
	}
}

// Start binds the dispatcher lifecycle to ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
}

// Wait blocks until all per-user workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HandleInbound hands an event to the user's worker, spawning one if
// needed. Never blocks: when a user's buffer is full the event is dropped
// with a log line rather than stalling the transport pump.
func (d *Dispatcher) HandleInbound(evt Inbound) {
	if evt.UserID == "" {
		return
	}

	// The send stays inside the critical section: the worker's idle exit
	// checks len(ch) under the same mutex, so an event can never land in
	// a channel whose worker has already decided to quit.
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := d.workers[evt.UserID]
	if !ok {
		ch = make(chan Inbound, d.cfg.UserBuffer)
		d.workers[evt.UserID] = ch
		d.wg.Add(1)
		go d.userWorker(evt.UserID, ch)
	}

	select {
	case ch <- evt:
	default:
		d.logger.Warn("dispatch: user buffer full, dropping message", "user", evt.UserID)
	}
}

// userWorker serializes processing for one user.
func (d *Dispatcher) userWorker(userID string, ch chan Inbound) {
	defer d.wg.Done()

	idle := time.NewTimer(d.cfg.IdleTTL)
	defer idle.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case evt := <-ch:
			d.process(d.ctx, evt)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.cfg.IdleTTL)
		case <-idle.C:
			d.mu.Lock()
			if len(ch) == 0 {
				delete(d.workers, userID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.cfg.IdleTTL)
		}
	}
}

// process handles one inbound event end to end.
func (d *Dispatcher) process(ctx context.Context, evt Inbound) {
	text := evt.Text

	// Voice notes are transcribed synchronously before anything else so
	// the captured message carries the transcript.
	if evt.File != nil && strings.HasPrefix(evt.File.MimeType, "audio/") {
		text = d.transcribe(ctx, evt.File)
	}

	d.reg.GetOrCreate(evt.UserID, evt.UserName)

	// History capture is unconditional: the user message lands in the log
	// before any routing decision, even when routing then no-ops.
	var own session.Ownership
	err := d.reg.Update(evt.UserID, func(s *session.Session, o session.Ownership) {
		own = o
		m := session.Message{
			Sender:  session.SenderUser,
			Text:    text,
			ReplyTo: evt.Reply,
		}
		if evt.File != nil {
			m.Files = []session.FileAttachment{*evt.File}
		}
		s.Append(m)
	})
	if err != nil {
		d.logger.Error("dispatch: failed to record inbound", "user", evt.UserID, "error", err)
		return
	}

	switch own.Kind {
	case session.OwnerHuman, session.OwnerQueued:
		// An attendant (or the queue) owns the reply; persist only.
		return
	case session.OwnerBot:
		res, stepErr := d.engine.Step(ctx, evt.UserID, text)
		if stepErr != nil {
			d.logger.Error("dispatch: step failed", "user", evt.UserID, "error", stepErr)
			return
		}
		d.enqueueResult(evt.UserID, res)
	}
}

// enqueueResult turns engine output into paced outbound entries.
func (d *Dispatcher) enqueueResult(userID string, res flow.Result) {
	notBefore := d.now()
	for _, o := range res.Outbound {
		notBefore = notBefore.Add(o.Delay)
		d.out.Enqueue(outbound.Entry{
			Kind:      outbound.KindSend,
			UserID:    userID,
			Text:      o.Text,
			Seq:       o.Seq,
			NotBefore: notBefore,
		})
	}
}

// transcribe decodes and transcribes an audio attachment, degrading to the
// placeholder on any failure.
func (d *Dispatcher) transcribe(ctx context.Context, f *session.FileAttachment) string {
	if d.transcriber == nil {
		return transcribePlaceholder
	}
	audio, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		d.logger.Warn("dispatch: bad audio payload", "file", f.Name, "error", err)
		return transcribePlaceholder
	}
	transcript, err := d.transcriber.Transcribe(ctx, audio, f.Name)
	if err != nil || strings.TrimSpace(transcript) == "" {
		if err != nil {
			d.logger.Warn("dispatch: transcription failed", "file", f.Name, "error", err)
		}
		return transcribePlaceholder
	}
	return "🎤 " + transcript
}
