// Package api exposes the attendant-facing HTTP API. The front end polls
// the read endpoints and drives chat actions through the write endpoints.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/attendant"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/history"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/transport"
)

// Config holds HTTP API configuration.
type Config struct {
	Address     string   `yaml:"address"`
	AuthToken   string   `yaml:"auth_token"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Address: ":8090"}
}

// Server is the attendant console HTTP API server.
type Server struct {
	cfg       Config
	reg       *session.Registry
	merger    *history.Merger
	actions   *attendant.Actions
	accounts  *attendant.Manager
	transport transport.Transport
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Server. The transport may be nil in tests.
func New(cfg Config, reg *session.Registry, merger *history.Merger,
	actions *attendant.Actions, accounts *attendant.Manager,
	tr transport.Transport, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Server{
		cfg:       cfg,
		reg:       reg,
		merger:    merger,
		actions:   actions,
		accounts:  accounts,
		transport: tr,
		logger:    logger.With("component", "api"),
	}
}

// Handler builds the routed and middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", s.handleHealth)

	// Auth and accounts
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/attendants", s.handleAttendants)

	// Read surface, polled by the console front end
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/chats/active", s.handleActiveChats)
	mux.HandleFunc("/api/chats/archived", s.handleArchivedUsers)
	mux.HandleFunc("/api/chats/history/", s.handleHistory)
	mux.HandleFunc("/api/contacts", s.handleContacts)
	mux.HandleFunc("/api/connection", s.handleConnection)

	// Chat actions
	mux.HandleFunc("/api/chats/initiate", s.handleInitiate)
	mux.HandleFunc("/api/chats/", s.handleChatAction)

	return s.securityHeadersMiddleware(s.corsMiddleware(s.authMiddleware(mux)))
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.server = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.Handler(),
	}

	// A tokenless API on a non-loopback address is open to the network.
	if s.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(s.cfg.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && host != "localhost" {
			s.logger.Warn("SECURITY: api has no auth token and is bound to a non-loopback address",
				"address", s.cfg.Address)
		}
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	s.logger.Info("api started", "address", s.cfg.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("api stopping...")
	return s.server.Shutdown(ctx)
}

// compareTokens hashes both inputs before the constant-time comparison to
// avoid length-based leakage.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// authMiddleware requires Authorization: Bearer <token> when a token is
// configured. /health and /api/login stay public.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		path := r.URL.Path
		if path == "/health" || path == "/api/login" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.writeError(w, "missing Authorization header", 401)
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			s.writeError(w, "invalid Authorization format", 401)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if !compareTokens(token, s.cfg.AuthToken) {
			s.writeError(w, "invalid token", 401)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers when origins are configured.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.CORSOrigins) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range s.cfg.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if allowed {
			if origin == "" || origin == "*" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
