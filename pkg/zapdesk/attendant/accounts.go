package attendant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

// Errors surfaced by account management.
var (
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// colAttendants is the store collection holding registered attendants.
const colAttendants = "attendants"

// Account is a registered attendant.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Department   string    `json:"department,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Manager keeps attendant accounts, persisted in the attendants collection.
type Manager struct {
	store  session.Store
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[string]*Account // by username
}

// NewManager creates an account manager backed by the store.
func NewManager(store session.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		logger:   logger.With("component", "attendants"),
		accounts: make(map[string]*Account),
	}
}

// Load restores accounts from the store.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	if err := m.store.Load(ctx, colAttendants, &m.accounts); err != nil {
		return fmt.Errorf("loading attendants: %w", err)
	}
	return nil
}

// Register creates an attendant account with a bcrypt password hash.
func (m *Manager) Register(name, username, password, department string) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[username]; exists {
		return nil, ErrUsernameTaken
	}
	acc := &Account{
		ID:           uuid.NewString(),
		Name:         name,
		Username:     username,
		PasswordHash: string(hash),
		Department:   department,
		CreatedAt:    time.Now(),
	}
	m.accounts[username] = acc
	m.persistLocked()
	m.logger.Info("attendant registered", "username", username, "department", department)
	return acc, nil
}

// Authenticate checks credentials and returns the matching account.
func (m *Manager) Authenticate(username, password string) (*Account, error) {
	m.mu.Lock()
	acc, ok := m.accounts[username]
	m.mu.Unlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}

// List returns all accounts ordered by registration time.
func (m *Manager) List() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Lookup finds an account by id.
func (m *Manager) Lookup(id string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID == id {
			cp := *a
			return &cp, true
		}
	}
	return nil, false
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(context.Background(), colAttendants, m.accounts); err != nil {
		m.logger.Error("failed to persist attendants", "error", err)
	}
}
