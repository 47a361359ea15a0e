package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store is the slice of the persistent store the registry needs.
// Writes are write-behind: the in-memory pools stay authoritative, saves
// run on a background goroutine, and a failed save only costs durability
// of the latest mutation.
type Store interface {
	Save(ctx context.Context, collection string, v any) error
	Load(ctx context.Context, collection string, dest any) error
}

// Collection names used by the registry.
const (
	ColBotSessions = "bot-sessions"
	ColActiveChats = "active-chats"
	ColQueue       = "queue"
	ColArchived    = "archived-chats"
	ColContacts    = "contacts"
)

// ErrNotFound is returned when an operation targets a session or queue
// entry that is not in the expected pool.
var ErrNotFound = errors.New("session not found")

// Config tunes the registry.
type Config struct {
	// InitialState is the dialogue node new bot sessions start at.
	InitialState string `yaml:"initial_state"`

	// MaxArchivedUsers caps how many users may hold archived history.
	// When exceeded, the oldest inserted user's whole list is dropped.
	MaxArchivedUsers int `yaml:"max_archived_users"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitialState:     "GREETING",
		MaxArchivedUsers: 500,
	}
}

// queueState is the persisted shape of the queue pool: the visible entries
// plus the parked session records waiting for takeover.
type queueState struct {
	NextID   int64               `json:"next_id"`
	Entries  []QueueEntry        `json:"entries"`
	Sessions map[string]*Session `json:"sessions"`
}

// archiveState is the persisted shape of the archived pool.
type archiveState struct {
	Order    []string              `json:"order"`
	Segments map[string][]*Session `json:"segments"`
}

// Registry owns the three live pools and the archived history. Every
// mutation happens under one mutex; pool exclusivity and queue
// de-duplication rely on that single writer.
type Registry struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	bot       map[string]*Session
	queued    map[string]*Session
	active    map[string]*Session
	queue     []QueueEntry
	nextQID   int64
	archived  map[string][]*Session
	archOrder []string
	contacts  map[string]string

	// Persistence staging. Mutations encode their collection under r.mu
	// and park the bytes here; the saver goroutine writes them out so a
	// slow store never stalls the pools. Latest snapshot wins.
	pendingMu sync.Mutex
	pending   map[string]json.RawMessage
	wake      chan struct{}
	writeMu   sync.Mutex
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(cfg Config, store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialState == "" {
		cfg.InitialState = DefaultConfig().InitialState
	}
	if cfg.MaxArchivedUsers == 0 {
		cfg.MaxArchivedUsers = DefaultConfig().MaxArchivedUsers
	}
	r := &Registry{
		cfg:      cfg,
		store:    store,
		logger:   logger.With("component", "registry"),
		now:      time.Now,
		bot:      make(map[string]*Session),
		queued:   make(map[string]*Session),
		active:   make(map[string]*Session),
		nextQID:  1,
		archived: make(map[string][]*Session),
		contacts: make(map[string]string),
		pending:  make(map[string]json.RawMessage),
		wake:     make(chan struct{}, 1),
	}
	if store != nil {
		go r.saver()
	}
	return r
}

// SetClock overrides the time source (tests).
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Load restores all pools from the store. Missing collections leave the
// corresponding pool empty.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.Load(ctx, ColBotSessions, &r.bot); err != nil {
		return fmt.Errorf("loading bot sessions: %w", err)
	}
	if err := r.store.Load(ctx, ColActiveChats, &r.active); err != nil {
		return fmt.Errorf("loading active chats: %w", err)
	}
	var qs queueState
	if err := r.store.Load(ctx, ColQueue, &qs); err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}
	if qs.NextID > 0 {
		r.nextQID = qs.NextID
	}
	r.queue = qs.Entries
	if qs.Sessions != nil {
		r.queued = qs.Sessions
	}
	var as archiveState
	if err := r.store.Load(ctx, ColArchived, &as); err != nil {
		return fmt.Errorf("loading archive: %w", err)
	}
	if as.Segments != nil {
		r.archived = as.Segments
		r.archOrder = as.Order
	}
	if err := r.store.Load(ctx, ColContacts, &r.contacts); err != nil {
		return fmt.Errorf("loading contacts: %w", err)
	}

	r.logger.Info("registry: state restored",
		"bot", len(r.bot), "queued", len(r.queue),
		"active", len(r.active), "archived_users", len(r.archived))
	return nil
}

// persist snapshots a collection and stages it for the saver goroutine.
// Called with r.mu held; the store write itself happens off the lock so
// a slow disk never blocks mutations.
func (r *Registry) persist(collection string) {
	if r.store == nil {
		return
	}
	var v any
	switch collection {
	case ColBotSessions:
		v = r.bot
	case ColActiveChats:
		v = r.active
	case ColQueue:
		v = queueState{NextID: r.nextQID, Entries: r.queue, Sessions: r.queued}
	case ColArchived:
		v = archiveState{Order: r.archOrder, Segments: r.archived}
	case ColContacts:
		v = r.contacts
	}
	raw, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("registry: encoding collection failed",
			"collection", collection, "error", err)
		return
	}

	r.pendingMu.Lock()
	r.pending[collection] = raw
	r.pendingMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) saver() {
	for range r.wake {
		r.drainPending()
	}
}

// drainPending writes staged snapshots until none remain. writeMu keeps
// a single writer at a time, so a batch taken here is always at least as
// fresh as anything a previous holder wrote.
func (r *Registry) drainPending() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	for {
		r.pendingMu.Lock()
		if len(r.pending) == 0 {
			r.pendingMu.Unlock()
			return
		}
		batch := r.pending
		r.pending = make(map[string]json.RawMessage)
		r.pendingMu.Unlock()

		for col, raw := range batch {
			if err := r.store.Save(context.Background(), col, raw); err != nil {
				r.logger.Error("registry: persist failed, in-memory state remains authoritative",
					"collection", col, "error", err)
			}
		}
	}
}

// Ownership reports which pool holds userID right now.
func (r *Registry) Ownership(userID string) Ownership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownershipLocked(userID)
}

func (r *Registry) ownershipLocked(userID string) Ownership {
	if _, ok := r.bot[userID]; ok {
		return OwnedByBot()
	}
	if _, ok := r.queued[userID]; ok {
		return OwnedByQueue()
	}
	if s, ok := r.active[userID]; ok {
		return OwnedByHuman(s.AttendantID)
	}
	return Unowned()
}

// GetOrCreate returns the live session for userID from whichever pool holds
// it, creating a new bot-owned session when none exists. A non-empty
// userName that differs from the stored one wins (last write wins).
func (r *Registry) GetOrCreate(userID, userName string) (*Session, Ownership) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if userName != "" && r.contacts[userID] != userName {
		r.contacts[userID] = userName
		r.persist(ColContacts)
	}

	if s, ok := r.bot[userID]; ok {
		r.refreshName(s, userName, ColBotSessions)
		return s, OwnedByBot()
	}
	if s, ok := r.queued[userID]; ok {
		r.refreshName(s, userName, ColQueue)
		return s, OwnedByQueue()
	}
	if s, ok := r.active[userID]; ok {
		r.refreshName(s, userName, ColActiveChats)
		return s, OwnedByHuman(s.AttendantID)
	}

	s := New(userID, userName, r.cfg.InitialState, r.now())
	r.bot[userID] = s
	r.persist(ColBotSessions)
	r.logger.Info("registry: session created", "user", userID)
	return s, OwnedByBot()
}

func (r *Registry) refreshName(s *Session, name, collection string) {
	if name != "" && s.UserName != name {
		s.UserName = name
		r.persist(collection)
	}
}

// MoveToQueue parks a bot-owned session in the queue. It is a no-op when
// the user is already queued or already owned by an attendant, so a
// duplicate solicitation never produces a second entry.
func (r *Registry) MoveToQueue(userID, department, reason string) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queued[userID]; ok {
		return nil, nil
	}
	if _, ok := r.active[userID]; ok {
		return nil, nil
	}
	s, ok := r.bot[userID]
	if !ok {
		return nil, ErrNotFound
	}

	entry := QueueEntry{
		ID:         r.nextQID,
		UserID:     userID,
		UserName:   s.UserName,
		Department: department,
		Message:    reason,
		Timestamp:  r.now(),
	}
	r.nextQID++
	r.queue = append(r.queue, entry)
	r.queued[userID] = s
	delete(r.bot, userID)

	r.persist(ColBotSessions)
	r.persist(ColQueue)
	r.logger.Info("registry: session queued",
		"user", userID, "department", department, "entry", entry.ID)
	return &entry, nil
}

// Takeover moves a queued or bot-owned session into the attendant's active
// pool. Idempotent: if the session is already human-owned the existing
// record is returned untouched, so concurrent duplicate calls cannot
// double-move it.
func (r *Registry) Takeover(userID, attendantID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.active[userID]; ok {
		return s, nil
	}

	s, ok := r.queued[userID]
	if ok {
		delete(r.queued, userID)
		for i := range r.queue {
			if r.queue[i].UserID == userID {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
		r.persist(ColQueue)
	} else {
		s, ok = r.bot[userID]
		if !ok {
			return nil, ErrNotFound
		}
		delete(r.bot, userID)
		r.persist(ColBotSessions)
	}

	s.AttendantID = attendantID
	r.active[userID] = s
	r.persist(ColActiveChats)
	r.logger.Info("registry: takeover", "user", userID, "attendant", attendantID)
	return s, nil
}

// Resolve archives a human-owned session. Returns ErrNotFound when the
// user is not in active-chats (for example, a racing attendant already
// resolved it); the caller surfaces that, the registry does not crash.
func (r *Registry) Resolve(userID, resolvedBy string) (*ArchivedSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[userID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.active, userID)
	r.persist(ColActiveChats)
	return r.archiveLocked(s, resolvedBy), nil
}

// ResolveBot archives a bot-owned session. Used by the dialogue engine
// when the user ends the conversation at a terminal state.
func (r *Registry) ResolveBot(userID, resolvedBy string) (*ArchivedSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bot[userID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.bot, userID)
	r.persist(ColBotSessions)
	return r.archiveLocked(s, resolvedBy), nil
}

// archiveLocked stamps and deep-copies s into the user's archived list,
// evicting the oldest archived user when over the cap.
func (r *Registry) archiveLocked(s *Session, resolvedBy string) *ArchivedSegment {
	s.ResolvedBy = resolvedBy
	s.ResolvedAt = r.now()
	seg := s.Clone()

	if _, exists := r.archived[s.UserID]; !exists {
		r.archOrder = append(r.archOrder, s.UserID)
	}
	r.archived[s.UserID] = append(r.archived[s.UserID], seg)

	for len(r.archOrder) > r.cfg.MaxArchivedUsers {
		oldest := r.archOrder[0]
		r.archOrder = r.archOrder[1:]
		delete(r.archived, oldest)
		r.logger.Info("registry: archived history evicted", "user", oldest)
	}

	r.persist(ColArchived)
	r.logger.Info("registry: session resolved",
		"user", s.UserID, "by", resolvedBy, "messages", len(seg.MessageLog))
	return seg
}

// Transfer hands an active chat to another attendant in place. The session
// stays in active-chats; a system message records the handoff.
func (r *Registry) Transfer(userID, newAttendantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[userID]
	if !ok {
		return ErrNotFound
	}
	from := s.AttendantID
	s.AttendantID = newAttendantID
	s.Append(Message{
		Sender:    SenderSystem,
		Text:      fmt.Sprintf("Conversa transferida de %s para %s", from, newAttendantID),
		Timestamp: r.now(),
	})
	r.persist(ColActiveChats)
	r.logger.Info("registry: transfer", "user", userID, "from", from, "to", newAttendantID)
	return nil
}

// CreateActive creates a human-owned session directly, the path for an
// attendant-initiated outbound conversation. If the user already has a
// live session it is returned via Takeover semantics instead.
func (r *Registry) CreateActive(userID, userName, attendantID string) *Session {
	r.mu.Lock()
	if s, ok := r.active[userID]; ok {
		r.mu.Unlock()
		return s
	}
	if _, ok := r.bot[userID]; ok {
		r.mu.Unlock()
		s, _ := r.Takeover(userID, attendantID)
		return s
	}
	if _, ok := r.queued[userID]; ok {
		r.mu.Unlock()
		s, _ := r.Takeover(userID, attendantID)
		return s
	}
	defer r.mu.Unlock()

	s := New(userID, userName, "", r.now())
	s.AttendantID = attendantID
	r.active[userID] = s
	r.persist(ColActiveChats)
	r.logger.Info("registry: outbound session created",
		"user", userID, "attendant", attendantID)
	return s
}

// Update runs fn against the live session for userID under the registry
// lock and writes the owning collection through afterwards. This is the
// re-fetch-then-mutate point every suspension-crossing caller must use.
func (r *Registry) Update(userID string, fn func(s *Session, own Ownership)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	own := r.ownershipLocked(userID)
	var s *Session
	var col string
	switch own.Kind {
	case OwnerBot:
		s, col = r.bot[userID], ColBotSessions
	case OwnerQueued:
		s, col = r.queued[userID], ColQueue
	case OwnerHuman:
		s, col = r.active[userID], ColActiveChats
	default:
		return ErrNotFound
	}
	fn(s, own)
	r.persist(col)
	return nil
}

// ---------- Snapshots (read-only, deep copies) ----------

// QueueSnapshot returns the waiting entries in arrival order.
func (r *Registry) QueueSnapshot() []QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]QueueEntry(nil), r.queue...)
}

// LiveSession returns a deep copy of the live session for userID along
// with its ownership, or nil when no pool holds it.
func (r *Registry) LiveSession(userID string) (*Session, Ownership) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch own := r.ownershipLocked(userID); own.Kind {
	case OwnerBot:
		return r.bot[userID].Clone(), own
	case OwnerQueued:
		return r.queued[userID].Clone(), own
	case OwnerHuman:
		return r.active[userID].Clone(), own
	default:
		return nil, Unowned()
	}
}

// ArchivedSegments returns deep copies of the user's archived segments in
// insertion order.
func (r *Registry) ArchivedSegments(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	segs := r.archived[userID]
	out := make([]*Session, len(segs))
	for i, s := range segs {
		out[i] = s.Clone()
	}
	return out
}

// ActiveChats returns deep copies of every human-owned session.
func (r *Registry) ActiveChats() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s.Clone())
	}
	return out
}

// ArchivedUsers lists users with archived history, oldest first.
func (r *Registry) ArchivedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.archOrder...)
}

// Contacts returns a copy of the known userID → display name map.
func (r *Registry) Contacts() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.contacts))
	for k, v := range r.contacts {
		out[k] = v
	}
	return out
}

// Flush stages every collection and writes them out before returning.
// Wired to the cron maintenance job and to shutdown so a crash loses at
// most the most recent mutation.
func (r *Registry) Flush() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	for _, col := range []string{ColBotSessions, ColActiveChats, ColQueue, ColArchived, ColContacts} {
		r.persist(col)
	}
	r.mu.Unlock()
	r.drainPending()
}
