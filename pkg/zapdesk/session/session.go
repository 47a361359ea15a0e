// Package session defines the conversation data model for ZapDesk and the
// registry that owns every live conversation. A session belongs to exactly
// one pool at a time (bot, queue or a human attendant); all moves between
// pools go through the Registry so the exclusivity invariant holds.
package session

import (
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderBot       Sender = "bot"
	SenderAttendant Sender = "attendant"
	SenderSystem    Sender = "system"
)

// DeliveryStatus tracks transport acknowledgment for outbound messages.
// Advisory only, it never gates routing logic.
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
)

// OwnerKind is the discriminant of the Ownership variant.
type OwnerKind string

const (
	OwnerBot    OwnerKind = "bot"
	OwnerQueued OwnerKind = "queued"
	OwnerHuman  OwnerKind = "human"
	OwnerNone   OwnerKind = "none"
)

// Ownership says which pool currently holds a session. It is derived from
// pool membership by the Registry, never stored on the session itself.
type Ownership struct {
	Kind        OwnerKind
	AttendantID string // set only when Kind == OwnerHuman
}

func OwnedByBot() Ownership { return Ownership{Kind: OwnerBot} }
func OwnedByQueue() Ownership { return Ownership{Kind: OwnerQueued} }
func OwnedByHuman(id string) Ownership { return Ownership{Kind: OwnerHuman, AttendantID: id} }
func Unowned() Ownership { return Ownership{Kind: OwnerNone} }

// FileAttachment is a file carried by a message.
type FileAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64 payload
}

// ReplyRef is a denormalized snapshot of a quoted message. It is a copy,
// not a live reference, so later edits to the original do not propagate.
type ReplyRef struct {
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Message is one entry in a session's append-only log.
type Message struct {
	// Seq is a per-session monotonic sequence id assigned at append time.
	// It is the real message identity; timestamps stay unique per session
	// only to keep ordering and the edit-by-timestamp surface working.
	Seq int64 `json:"seq"`

	Sender    Sender           `json:"sender"`
	Text      string           `json:"text,omitempty"`
	Files     []FileAttachment `json:"files,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	ReplyTo   *ReplyRef        `json:"reply_to,omitempty"`
	Edited    bool             `json:"edited,omitempty"`
	Status    DeliveryStatus   `json:"status,omitempty"`

	// TransportID is the wire-level message id, filled in after a
	// successful send so later edits can target the delivered message.
	TransportID string `json:"transport_id,omitempty"`
}

// AITurn is one role-tagged turn sent to the LLM collaborator.
type AITurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Context is the free-form payload accumulated from dialogue transitions.
type Context struct {
	// Data holds values merged from selected options (department, ...).
	Data map[string]string `json:"data,omitempty"`

	// History keeps the raw text captured at each free-text state,
	// keyed by state name, for later summarization.
	History map[string]string `json:"history,omitempty"`
}

// Merge copies kv pairs into Data, allocating lazily.
func (c *Context) Merge(kv map[string]string) {
	if len(kv) == 0 {
		return
	}
	if c.Data == nil {
		c.Data = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		c.Data[k] = v
	}
}

// Capture records free text entered at a dialogue state.
func (c *Context) Capture(state, text string) {
	if c.History == nil {
		c.History = make(map[string]string)
	}
	c.History[state] = text
}

// Session is the record of one end-user conversation, live or archived.
type Session struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`

	// AttendantID is set while a human owns the session, empty otherwise.
	AttendantID string `json:"attendant_id,omitempty"`

	// State is the current dialogue node; meaningful only while bot-owned.
	State string `json:"state,omitempty"`

	Context    Context   `json:"context"`
	MessageLog []Message `json:"message_log"`
	AIHistory  []AITurn  `json:"ai_history,omitempty"`

	// InvalidNotified is true once the one-time invalid-option notice has
	// been sent for the current dialogue node. Cleared on transition.
	InvalidNotified bool `json:"invalid_notified,omitempty"`

	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// nextSeq is the sequence counter for Append. Restored from the log
	// length-independent max seq when sessions are loaded from the store.
	nextSeq int64
}

// New creates a bot-owned session positioned at the given initial state.
func New(userID, userName, initialState string, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		UserName:  userName,
		State:     initialState,
		CreatedAt: now,
	}
}

// Append adds a message to the log, assigning its sequence id and nudging
// the timestamp forward when it would collide with the previous entry.
// Returns a pointer into the log so callers can fill in transport details.
func (s *Session) Append(m Message) *Message {
	if s.nextSeq == 0 {
		for _, old := range s.MessageLog {
			if old.Seq >= s.nextSeq {
				s.nextSeq = old.Seq + 1
			}
		}
	}
	m.Seq = s.nextSeq
	s.nextSeq++

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if n := len(s.MessageLog); n > 0 {
		if last := s.MessageLog[n-1].Timestamp; !m.Timestamp.After(last) {
			m.Timestamp = last.Add(time.Millisecond)
		}
	}

	s.MessageLog = append(s.MessageLog, m)
	return &s.MessageLog[len(s.MessageLog)-1]
}

// FindBySeq returns the message with the given sequence id, or nil.
func (s *Session) FindBySeq(seq int64) *Message {
	for i := range s.MessageLog {
		if s.MessageLog[i].Seq == seq {
			return &s.MessageLog[i]
		}
	}
	return nil
}

// FindByTimestamp returns the message with the exact timestamp, or nil.
// Timestamps are unique within a session (Append enforces it).
func (s *Session) FindByTimestamp(ts time.Time) *Message {
	for i := range s.MessageLog {
		if s.MessageLog[i].Timestamp.Equal(ts) {
			return &s.MessageLog[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	cp := *s
	cp.MessageLog = make([]Message, len(s.MessageLog))
	for i, m := range s.MessageLog {
		cp.MessageLog[i] = m
		if m.ReplyTo != nil {
			r := *m.ReplyTo
			cp.MessageLog[i].ReplyTo = &r
		}
		if len(m.Files) > 0 {
			cp.MessageLog[i].Files = append([]FileAttachment(nil), m.Files...)
		}
	}
	cp.AIHistory = append([]AITurn(nil), s.AIHistory...)
	if s.Context.Data != nil {
		cp.Context.Data = make(map[string]string, len(s.Context.Data))
		for k, v := range s.Context.Data {
			cp.Context.Data[k] = v
		}
	}
	if s.Context.History != nil {
		cp.Context.History = make(map[string]string, len(s.Context.History))
		for k, v := range s.Context.History {
			cp.Context.History[k] = v
		}
	}
	return &cp
}

// QueueEntry is one waiting conversation. It exists only while the session
// sits in the queue pool and is removed atomically on takeover.
type QueueEntry struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name,omitempty"`
	Department string    `json:"department,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ArchivedSegment is an immutable snapshot of a session taken at resolve
// time. Segments for a user, in list order, form a gapless prefix of that
// user's full history.
type ArchivedSegment = Session
