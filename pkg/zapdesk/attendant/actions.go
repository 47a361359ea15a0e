// Package attendant exposes the operations the support console performs on
// behalf of a human attendant: takeover, reply, resolve, transfer and edit,
// plus attendant account management. Actions mutate the session registry
// and enqueue their outbound effects; they never talk to the transport
// directly.
package attendant

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/outbound"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

// humanJoinedNotice is sent to the end user when an attendant takes over.
const humanJoinedNotice = "Você agora está falando com um de nossos atendentes. 🙋"

// Actions is the attendant-facing write surface.
type Actions struct {
	reg    *session.Registry
	out    *outbound.Queue
	logger *slog.Logger
}

// NewActions creates the action layer.
func NewActions(reg *session.Registry, out *outbound.Queue, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{reg: reg, out: out, logger: logger.With("component", "attendant")}
}

// Reply appends an attendant message to a human-owned session and queues
// it for delivery. Returns session.ErrNotFound when the session is not in
// active-chats, for example when a racing attendant already resolved it,
// so the console can tell the operator to re-sync instead of losing the
// text silently.
func (a *Actions) Reply(userID, text, attendantID string, files []session.FileAttachment, replyTo *session.ReplyRef) error {
	var seq int64
	found := false
	err := a.reg.Update(userID, func(s *session.Session, own session.Ownership) {
		if own.Kind != session.OwnerHuman {
			return
		}
		found = true
		m := s.Append(session.Message{
			Sender:  session.SenderAttendant,
			Text:    text,
			Files:   files,
			ReplyTo: replyTo,
			Status:  session.StatusPending,
		})
		seq = m.Seq
	})
	if err != nil || !found {
		return session.ErrNotFound
	}

	a.out.Enqueue(outbound.Entry{
		Kind:   outbound.KindSend,
		UserID: userID,
		Text:   text,
		Files:  files,
		Seq:    seq,
	})
	a.logger.Info("attendant: reply queued", "user", userID, "attendant", attendantID)
	return nil
}

// EditMessage rewrites the text of a live-session message located by its
// exact timestamp (archived segments are immutable). Returns
// session.ErrNotFound when the user has no live session or no message
// carries that timestamp. If the message already reached the transport,
// an edit command is queued so the delivered copy is updated too.
func (a *Actions) EditMessage(userID string, messageTimestamp time.Time, newText string) error {
	var transportID string
	var seq int64
	edited := false
	err := a.reg.Update(userID, func(s *session.Session, _ session.Ownership) {
		m := s.FindByTimestamp(messageTimestamp)
		if m == nil {
			return
		}
		m.Text = newText
		m.Edited = true
		transportID = m.TransportID
		seq = m.Seq
		edited = true
	})
	if err != nil {
		return err
	}
	if !edited {
		return session.ErrNotFound
	}

	if transportID != "" {
		a.out.Enqueue(outbound.Entry{
			Kind:        outbound.KindEdit,
			UserID:      userID,
			TransportID: transportID,
			NewText:     newText,
			Seq:         seq,
		})
	}
	a.logger.Info("attendant: message edited", "user", userID, "seq", seq)
	return nil
}

// TakeoverChat claims a bot- or queue-owned session for an attendant and
// notifies the end user that a human joined.
func (a *Actions) TakeoverChat(userID, attendantID string) (*session.Session, error) {
	s, err := a.reg.Takeover(userID, attendantID)
	if err != nil {
		return nil, fmt.Errorf("taking over %s: %w", userID, err)
	}

	var seq int64
	_ = a.reg.Update(userID, func(s *session.Session, _ session.Ownership) {
		m := s.Append(session.Message{
			Sender: session.SenderSystem,
			Text:   humanJoinedNotice,
			Status: session.StatusPending,
		})
		seq = m.Seq
	})
	a.out.Enqueue(outbound.Entry{
		Kind:   outbound.KindSend,
		UserID: userID,
		Text:   humanJoinedNotice,
		Seq:    seq,
	})
	return s, nil
}

// ResolveChat archives a human-owned session.
func (a *Actions) ResolveChat(userID, attendantID string) (*session.ArchivedSegment, error) {
	seg, err := a.reg.Resolve(userID, attendantID)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", userID, err)
	}
	return seg, nil
}

// TransferChat reassigns an active chat to another attendant.
func (a *Actions) TransferChat(userID, newAttendantID string) error {
	if err := a.reg.Transfer(userID, newAttendantID); err != nil {
		return fmt.Errorf("transferring %s: %w", userID, err)
	}
	return nil
}

// InitiateChat starts an attendant-initiated conversation: a human-owned
// session is created (or claimed) and the opening message queued.
func (a *Actions) InitiateChat(userID, userName, text, attendantID string) error {
	a.reg.CreateActive(userID, userName, attendantID)
	return a.Reply(userID, text, attendantID, nil, nil)
}
