// Package devserver is a single-process stand-in for the auth service, the
// support service, and the broker, so the client and its tests can exercise
// the whole escalation pipeline locally.
package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/storebay/supportchat/internal/domain"
	"github.com/storebay/supportchat/internal/middleware"
)

// Request statuses as the support service reports them.
const (
	StatusPending  = "PENDING"
	StatusAccepted = "ACCEPTED"
	StatusClosed   = "CLOSED"
)

// Server implements the dev backend. All state is in memory.
type Server struct {
	logger *slog.Logger

	mu            sync.Mutex
	requests      map[string]*domain.AdminRequest
	pendingByUser map[string]string
	conns         map[*brokerConn]struct{}
}

// New creates an empty dev server.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:        logger,
		requests:      make(map[string]*domain.AdminRequest),
		pendingByUser: make(map[string]string),
		conns:         make(map[*brokerConn]struct{}),
	}
}

// Routes returns the full route tree: auth, support API, and broker.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/auth/me", s.handleMe)
	r.Post("/nlp/classify", s.handleClassify)

	r.Route("/api/support/requests", func(r chi.Router) {
		r.Post("/", s.handleCreateRequest)
		r.Get("/awaiting", s.handleAwaiting)
		r.Post("/{id}/accept", s.handleAccept)
	})

	r.Get("/ws/info", s.handleInfo)
	r.Get("/ws/websocket", s.handleWebSocket)
	return r
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": userID})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if userFromRequest(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	var req struct {
		UserID  *string `json:"userId"`
		Message string  `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writeJSON(w, http.StatusOK, classify(req.Message))
}

// classify is keyword-rule based. Real NLP lives in the support service;
// these rules just cover every response shape the client handles.
func classify(message string) map[string]any {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "admin", "human", "agent", "real person"):
		return map[string]any{"message": "Connecting you to an admin.", "adminIssued": true}
	case containsAny(lower, "order", "delivery", "shipping"):
		return map[string]any{"message": "You can track your orders here.", "link": "/my-orders", "adminIssued": false}
	case containsAny(lower, "catalog", "product", "browse"):
		return map[string]any{"message": "Take a look at the catalog.", "link": "/catalog", "adminIssued": false}
	case strings.Contains(lower, "legacy"):
		return map[string]any{
			"category":       "general",
			"categoryScores": map[string]float64{"general": 0.72, "orders": 0.18, "account": 0.10},
			"intent":         "question",
			"intentScores":   map[string]float64{"question": 0.81, "complaint": 0.19},
		}
	default:
		return map[string]any{"message": "I can help with orders, products, and account questions.", "adminIssued": false}
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if userFromRequest(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	var req struct {
		UserID         string `json:"userId"`
		InitialMessage string `json:"initialMessage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// One pending escalation per user: a second create returns the
	// existing request instead of a duplicate.
	if id, ok := s.pendingByUser[req.UserID]; ok {
		if existing, ok := s.requests[id]; ok && existing.Status == StatusPending {
			writeJSON(w, http.StatusOK, existing)
			return
		}
	}

	created := &domain.AdminRequest{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Status:         StatusPending,
		InitialMessage: req.InitialMessage,
	}
	s.requests[created.ID] = created
	s.pendingByUser[req.UserID] = created.ID
	s.logger.Info("Admin request created", "request_id", created.ID, "user_id", created.UserID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAwaiting(w http.ResponseWriter, r *http.Request) {
	if userFromRequest(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*domain.AdminRequest, 0)
	for _, req := range s.requests {
		if req.Status == StatusPending {
			items = append(items, req)
		}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if userFromRequest(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	var body struct {
		AdminID string `json:"adminId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AdminID == "" {
		writeError(w, http.StatusBadRequest, "adminId is required")
		return
	}

	id := chi.URLParam(r, "id")
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if req.Status == StatusClosed {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "request already closed")
		return
	}
	req.Status = StatusAccepted
	delete(s.pendingByUser, req.UserID)
	s.mu.Unlock()

	s.logger.Info("Admin request accepted", "request_id", id, "admin_id", body.AdminID)
	s.broadcastEvent(id, map[string]string{"type": "ACCEPTED", "status": StatusAccepted})
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusAccepted})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"websocket":     true,
		"origins":       []string{"*:*"},
		"entropy":       uuid.New().ID(),
		"cookie_needed": false,
	})
}

// userFromRequest maps the bearer token to a user id. Signed tokens yield
// their id claim; anything else is taken verbatim, which keeps dev setups to
// "any string is a user".
func userFromRequest(r *http.Request) string {
	return userFromToken(bearerToken(r))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if t := r.Header.Get("access_token"); t != "" {
		return t
	}
	return r.Header.Get("token")
}

func userFromToken(token string) string {
	if token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if id, ok := claims["id"].(string); ok && id != "" {
			return id
		}
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub
		}
	}
	return token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
