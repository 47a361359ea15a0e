package attendant

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/outbound"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestActions(t *testing.T) (*Actions, *session.Registry, *outbound.Queue) {
	t.Helper()
	reg := session.NewRegistry(session.Config{InitialState: "WELCOME"}, nil, testLogger())
	out := outbound.New(outbound.DefaultConfig(), nil, testLogger())
	return NewActions(reg, out, testLogger()), reg, out
}

func TestReply(t *testing.T) {
	t.Run("human-owned session", func(t *testing.T) {
		a, reg, out := newTestActions(t)
		reg.GetOrCreate("u1", "Ana")
		if _, err := reg.Takeover("u1", "att-1"); err != nil {
			t.Fatalf("Takeover: %v", err)
		}

		if err := a.Reply("u1", "bom dia", "att-1", nil, nil); err != nil {
			t.Fatalf("Reply: %v", err)
		}

		s, own := reg.LiveSession("u1")
		if own.Kind != session.OwnerHuman {
			t.Fatalf("ownership changed to %v", own.Kind)
		}
		last := s.MessageLog[len(s.MessageLog)-1]
		if last.Sender != session.SenderAttendant || last.Text != "bom dia" {
			t.Errorf("unexpected log entry %+v", last)
		}
		if last.Status != session.StatusPending {
			t.Error("reply should start pending until the transport acks it")
		}
		if out.Pending() != 1 {
			t.Errorf("expected 1 queued entry, got %d", out.Pending())
		}
	})

	t.Run("bot-owned session is rejected", func(t *testing.T) {
		a, reg, out := newTestActions(t)
		reg.GetOrCreate("u1", "")

		err := a.Reply("u1", "oi", "att-1", nil, nil)
		if !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if out.Pending() != 0 {
			t.Error("nothing should be queued for a rejected reply")
		}
		s, _ := reg.LiveSession("u1")
		if len(s.MessageLog) != 0 {
			t.Error("rejected reply must not land in the log")
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		a, _, _ := newTestActions(t)
		if err := a.Reply("ghost", "oi", "att-1", nil, nil); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("files and quote ride along", func(t *testing.T) {
		a, reg, _ := newTestActions(t)
		reg.GetOrCreate("u1", "")
		reg.Takeover("u1", "att-1")

		files := []session.FileAttachment{{Name: "nota.pdf", MimeType: "application/pdf", Data: "aGk="}}
		quote := &session.ReplyRef{Text: "qual o valor?", Sender: session.SenderUser}
		if err := a.Reply("u1", "segue a nota", "att-1", files, quote); err != nil {
			t.Fatalf("Reply: %v", err)
		}

		s, _ := reg.LiveSession("u1")
		last := s.MessageLog[len(s.MessageLog)-1]
		if len(last.Files) != 1 || last.Files[0].Name != "nota.pdf" {
			t.Errorf("attachment lost: %+v", last.Files)
		}
		if last.ReplyTo == nil || last.ReplyTo.Text != "qual o valor?" {
			t.Errorf("quote lost: %+v", last.ReplyTo)
		}
	})
}

func TestEditMessage(t *testing.T) {
	t.Run("edits by timestamp", func(t *testing.T) {
		a, reg, out := newTestActions(t)
		reg.GetOrCreate("u1", "")
		reg.Takeover("u1", "att-1")

		var ts time.Time
		reg.Update("u1", func(s *session.Session, _ session.Ownership) {
			m := s.Append(session.Message{Sender: session.SenderAttendant, Text: "errado"})
			m.TransportID = "wamid-42"
			ts = m.Timestamp
		})

		if err := a.EditMessage("u1", ts, "corrigido"); err != nil {
			t.Fatalf("EditMessage: %v", err)
		}
		s, _ := reg.LiveSession("u1")
		m := s.FindByTimestamp(ts)
		if m.Text != "corrigido" || !m.Edited {
			t.Errorf("edit did not land: %+v", m)
		}
		if out.Pending() != 1 {
			t.Errorf("expected an edit command queued, got %d", out.Pending())
		}
	})

	t.Run("undelivered message edits locally only", func(t *testing.T) {
		a, reg, out := newTestActions(t)
		reg.GetOrCreate("u1", "")
		reg.Takeover("u1", "att-1")

		var ts time.Time
		reg.Update("u1", func(s *session.Session, _ session.Ownership) {
			ts = s.Append(session.Message{Sender: session.SenderAttendant, Text: "rascunho"}).Timestamp
		})

		if err := a.EditMessage("u1", ts, "novo"); err != nil {
			t.Fatalf("EditMessage: %v", err)
		}
		if out.Pending() != 0 {
			t.Error("no transport id means no edit command")
		}
	})

	t.Run("missing message reports not found", func(t *testing.T) {
		a, reg, out := newTestActions(t)
		reg.GetOrCreate("u1", "")

		if err := a.EditMessage("u1", time.Now(), "x"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing message, got %v", err)
		}
		if out.Pending() != 0 {
			t.Error("nothing should be queued")
		}
	})

	t.Run("unknown user reports not found", func(t *testing.T) {
		a, _, _ := newTestActions(t)

		if err := a.EditMessage("fantasma", time.Now(), "x"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
		}
	})
}

func TestTakeoverChat(t *testing.T) {
	a, reg, out := newTestActions(t)
	reg.GetOrCreate("u1", "Ana")

	s, err := a.TakeoverChat("u1", "att-1")
	if err != nil {
		t.Fatalf("TakeoverChat: %v", err)
	}
	if s.AttendantID != "att-1" {
		t.Errorf("attendant not set: %q", s.AttendantID)
	}

	live, own := reg.LiveSession("u1")
	if own.Kind != session.OwnerHuman || own.AttendantID != "att-1" {
		t.Fatalf("unexpected ownership %+v", own)
	}
	last := live.MessageLog[len(live.MessageLog)-1]
	if last.Sender != session.SenderSystem || last.Text != humanJoinedNotice {
		t.Errorf("expected system notice, got %+v", last)
	}
	if out.Pending() != 1 {
		t.Errorf("notice should be queued for delivery, got %d entries", out.Pending())
	}

	if _, err := a.TakeoverChat("ghost", "att-1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected wrapped ErrNotFound, got %v", err)
	}
}

func TestResolveChat(t *testing.T) {
	a, reg, _ := newTestActions(t)
	reg.GetOrCreate("u1", "")
	reg.Takeover("u1", "att-1")

	seg, err := a.ResolveChat("u1", "att-1")
	if err != nil {
		t.Fatalf("ResolveChat: %v", err)
	}
	if seg.ResolvedBy != "att-1" {
		t.Errorf("segment not stamped, resolved_by=%q", seg.ResolvedBy)
	}
	if _, own := reg.LiveSession("u1"); own.Kind != session.OwnerNone {
		t.Errorf("session still live after resolve: %v", own.Kind)
	}

	if _, err := a.ResolveChat("u1", "att-1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("double resolve should fail with ErrNotFound, got %v", err)
	}
}

func TestTransferChat(t *testing.T) {
	a, reg, _ := newTestActions(t)
	reg.GetOrCreate("u1", "")
	reg.Takeover("u1", "att-1")

	if err := a.TransferChat("u1", "att-2"); err != nil {
		t.Fatalf("TransferChat: %v", err)
	}
	if _, own := reg.LiveSession("u1"); own.AttendantID != "att-2" {
		t.Errorf("transfer did not land: %+v", own)
	}

	if err := a.TransferChat("ghost", "att-2"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected wrapped ErrNotFound, got %v", err)
	}
}

func TestInitiateChat(t *testing.T) {
	a, reg, out := newTestActions(t)

	if err := a.InitiateChat("u1", "Ana", "olá, tudo bem?", "att-1"); err != nil {
		t.Fatalf("InitiateChat: %v", err)
	}

	s, own := reg.LiveSession("u1")
	if own.Kind != session.OwnerHuman || own.AttendantID != "att-1" {
		t.Fatalf("expected human-owned session, got %+v", own)
	}
	if len(s.MessageLog) != 1 || s.MessageLog[0].Text != "olá, tudo bem?" {
		t.Errorf("opening message missing: %+v", s.MessageLog)
	}
	if out.Pending() != 1 {
		t.Errorf("opening message should be queued, got %d", out.Pending())
	}
}
