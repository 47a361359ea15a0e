package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/attendant"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

const version = "1.0.0"

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// handleHealth implements GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(s.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	connection := "unavailable"
	if s.transport != nil {
		connection = string(s.transport.State())
	}
	s.writeJSON(w, 200, map[string]any{
		"status":     "ok",
		"version":    version,
		"uptime":     uptime,
		"connection": connection,
	})
}

// handleLogin implements POST /api/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "method not allowed", 405)
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", 400)
		return
	}
	acct, err := s.accounts.Authenticate(req.Username, req.Password)
	if err != nil {
		s.writeError(w, "invalid credentials", 401)
		return
	}
	s.writeJSON(w, 200, map[string]any{
		"attendant": sanitizeAccount(acct),
		"token":     s.cfg.AuthToken,
	})
}

// handleAttendants implements GET (list) and POST (register) /api/attendants
func (s *Server) handleAttendants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accounts := s.accounts.List()
		out := make([]map[string]any, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, sanitizeAccount(a))
		}
		s.writeJSON(w, 200, map[string]any{"attendants": out})

	case http.MethodPost:
		var req struct {
			Name       string `json:"name"`
			Username   string `json:"username"`
			Password   string `json:"password"`
			Department string `json:"department"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "invalid request body", 400)
			return
		}
		if req.Username == "" || req.Password == "" {
			s.writeError(w, "username and password are required", 400)
			return
		}
		acct, err := s.accounts.Register(req.Name, req.Username, req.Password, req.Department)
		if err != nil {
			if errors.Is(err, attendant.ErrUsernameTaken) {
				s.writeError(w, "username already taken", 409)
				return
			}
			s.writeError(w, err.Error(), 500)
			return
		}
		s.writeJSON(w, 201, map[string]any{"attendant": sanitizeAccount(acct)})

	default:
		s.writeError(w, "method not allowed", 405)
	}
}

func sanitizeAccount(a *attendant.Account) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"name":       a.Name,
		"username":   a.Username,
		"department": a.Department,
		"created_at": a.CreatedAt,
	}
}

// handleQueue implements GET /api/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", 405)
		return
	}
	entries := s.reg.QueueSnapshot()
	s.writeJSON(w, 200, map[string]any{"queue": entries, "count": len(entries)})
}

// handleActiveChats implements GET /api/chats/active
func (s *Server) handleActiveChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", 405)
		return
	}
	chats := s.reg.ActiveChats()
	out := make([]map[string]any, 0, len(chats))
	for _, c := range chats {
		summary := map[string]any{
			"user_id":      c.UserID,
			"user_name":    c.UserName,
			"attendant_id": c.AttendantID,
			"messages":     len(c.MessageLog),
		}
		if n := len(c.MessageLog); n > 0 {
			last := c.MessageLog[n-1]
			summary["last_message"] = last.Text
			summary["last_activity"] = last.Timestamp
		}
		out = append(out, summary)
	}
	s.writeJSON(w, 200, map[string]any{"chats": out, "count": len(out)})
}

// handleArchivedUsers implements GET /api/chats/archived
func (s *Server) handleArchivedUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", 405)
		return
	}
	users := s.reg.ArchivedUsers()
	s.writeJSON(w, 200, map[string]any{"users": users, "count": len(users)})
}

// handleContacts implements GET /api/contacts
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", 405)
		return
	}
	s.writeJSON(w, 200, map[string]any{"contacts": s.reg.Contacts()})
}

// handleHistory implements GET /api/chats/history/{userID}. The response
// is the merged archived-plus-live conversation.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", 405)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/api/chats/history/")
	if userID == "" {
		s.writeError(w, "user id required", 400)
		return
	}
	full, ok := s.merger.FullLog(userID)
	if !ok {
		s.writeError(w, "no history for user", 404)
		return
	}
	own := s.reg.Ownership(userID)
	s.writeJSON(w, 200, map[string]any{
		"session":   full,
		"ownership": own,
	})
}

// handleConnection implements GET /api/connection
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", 405)
		return
	}
	if s.transport == nil {
		s.writeJSON(w, 200, map[string]any{"state": "unavailable"})
		return
	}
	s.writeJSON(w, 200, map[string]any{
		"state":     string(s.transport.State()),
		"connected": s.transport.IsConnected(),
	})
}

// handleInitiate implements POST /api/chats/initiate
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "method not allowed", 405)
		return
	}
	var req struct {
		UserID      string `json:"user_id"`
		UserName    string `json:"user_name"`
		Text        string `json:"text"`
		AttendantID string `json:"attendant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", 400)
		return
	}
	if req.UserID == "" || req.Text == "" || req.AttendantID == "" {
		s.writeError(w, "user_id, text and attendant_id are required", 400)
		return
	}
	if err := s.actions.InitiateChat(req.UserID, req.UserName, req.Text, req.AttendantID); err != nil {
		s.writeError(w, err.Error(), 500)
		return
	}
	s.writeJSON(w, 200, map[string]string{"status": "initiated"})
}

// handleChatAction routes POST /api/chats/{userID}/{action} where action
// is one of takeover, resolve, transfer, reply, edit.
func (s *Server) handleChatAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/chats/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.writeError(w, "expected /api/chats/{user_id}/{action}", 404)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, "method not allowed", 405)
		return
	}
	userID, action := parts[0], parts[1]

	switch action {
	case "takeover":
		s.handleTakeover(w, r, userID)
	case "resolve":
		s.handleResolve(w, r, userID)
	case "transfer":
		s.handleTransfer(w, r, userID)
	case "reply":
		s.handleReply(w, r, userID)
	case "edit":
		s.handleEdit(w, r, userID)
	default:
		s.writeError(w, "unknown action", 404)
	}
}

func (s *Server) handleTakeover(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AttendantID string `json:"attendant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttendantID == "" {
		s.writeError(w, "attendant_id is required", 400)
		return
	}
	sess, err := s.actions.TakeoverChat(userID, req.AttendantID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "user is not waiting or active", 404)
			return
		}
		s.writeError(w, err.Error(), 500)
		return
	}
	s.writeJSON(w, 200, map[string]any{"session": sess})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AttendantID string `json:"attendant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttendantID == "" {
		s.writeError(w, "attendant_id is required", 400)
		return
	}
	seg, err := s.actions.ResolveChat(userID, req.AttendantID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "no active chat for user", 404)
			return
		}
		s.writeError(w, err.Error(), 500)
		return
	}
	s.writeJSON(w, 200, map[string]any{
		"status":      "resolved",
		"resolved_at": seg.ResolvedAt,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AttendantID string `json:"attendant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttendantID == "" {
		s.writeError(w, "attendant_id is required", 400)
		return
	}
	if err := s.actions.TransferChat(userID, req.AttendantID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "no active chat for user", 404)
			return
		}
		s.writeError(w, err.Error(), 500)
		return
	}
	s.writeJSON(w, 200, map[string]string{"status": "transferred"})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AttendantID string                    `json:"attendant_id"`
		Text        string                    `json:"text"`
		Files       []session.FileAttachment  `json:"files,omitempty"`
		ReplyTo     *session.ReplyRef         `json:"reply_to,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", 400)
		return
	}
	if req.AttendantID == "" || (req.Text == "" && len(req.Files) == 0) {
		s.writeError(w, "attendant_id and text or files are required", 400)
		return
	}
	if err := s.actions.Reply(userID, req.Text, req.AttendantID, req.Files, req.ReplyTo); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "chat is not owned by a human attendant", 409)
			return
		}
		s.writeError(w, err.Error(), 500)
		return
	}
	s.writeJSON(w, 200, map[string]string{"status": "queued"})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Timestamp time.Time `json:"timestamp"`
		NewText   string    `json:"new_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", 400)
		return
	}
	if req.Timestamp.IsZero() || req.NewText == "" {
		s.writeError(w, "timestamp and new_text are required", 400)
		return
	}
	if err := s.actions.EditMessage(userID, req.Timestamp, req.NewText); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, "message not found", 404)
			return
		}
		s.writeError(w, err.Error(), 500)
		return
	}
	s.writeJSON(w, 200, map[string]string{"status": "edited"})
}
