package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"marketrelay/internal/hub"
	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

const (
	healthTimeout = 5 * time.Second
	maxBodyBytes  = 64 << 10
)

// Hub is the slice of the hub the HTTP API reads and publishes through.
type Hub interface {
	Stats() hub.Stats
	Publish(room types.RoomID, eventType string, payload any) (int, error)
}

// ConversationSeeder is implemented by stores that own conversation participants.
type ConversationSeeder interface {
	UpsertConversation(ctx context.Context, conversationID string, participants []string) error
}

// Invalidator drops cached room access decisions.
type Invalidator interface {
	Invalidate(conversationID string)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	store          interfaces.MessageStore
	hub            Hub
	access         Invalidator
	resourceSecret string
	started        time.Time
	router         *http.ServeMux
}

// NewServer wires the API. An empty resourceSecret disables the protected endpoints.
func NewServer(store interfaces.MessageStore, h Hub, access Invalidator, resourceSecret string) *Server {
	s := &Server{
		store:          store,
		hub:            h,
		access:         access,
		resourceSecret: resourceSecret,
		started:        time.Now(),
		router:         http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("GET /health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("GET /api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.stats))))
	s.router.Handle("POST /api/alerts", s.jsonMiddleware(s.requireResourceSecret(http.HandlerFunc(s.publishAlert))))
	s.router.Handle("PUT /api/conversations/{id}", s.jsonMiddleware(s.requireResourceSecret(http.HandlerFunc(s.upsertConversation))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Store     string    `json:"store"`
	Uptime    string    `json:"uptime"`
	Hub       hub.Stats `json:"hub"`
}

// GET /health. 503 when the store is unreachable or the hub is stopped.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	storeStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		storeStatus = "error: " + err.Error()
	}

	stats := s.hub.Stats()
	if !stats.Running {
		status = "unhealthy"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.send(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Store:     storeStatus,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Hub:       stats,
	})
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.send(w, http.StatusOK, s.hub.Stats())
}

type AlertRequest struct {
	Role   types.Role      `json:"role"`
	UserID string          `json:"user_id"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type AlertResponse struct {
	Room      string `json:"room"`
	Delivered int    `json:"delivered"`
}

// POST /api/alerts publishes an alert into role:<role>:<user_id>.
func (s *Server) publishAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		s.sendError(w, "kind is required", http.StatusBadRequest)
		return
	}

	room := types.RoleRoom(req.Role, req.UserID)
	delivered, err := s.hub.Publish(room, types.EventAlert, types.AlertPayload{Kind: req.Kind, Data: req.Data})
	if err != nil {
		if isValidationError(err) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("[API] alert publish failed", "room", room.String(), "error", err)
		s.sendError(w, "publish failed", http.StatusInternalServerError)
		return
	}
	s.send(w, http.StatusAccepted, AlertResponse{Room: room.String(), Delivered: delivered})
}

type ConversationRequest struct {
	Participants []string `json:"participants"`
}

// PUT /api/conversations/{id} seeds the two participants of a conversation.
func (s *Server) upsertConversation(w http.ResponseWriter, r *http.Request) {
	seeder, ok := s.store.(ConversationSeeder)
	if !ok {
		s.sendError(w, "conversations are owned by the marketplace store", http.StatusNotImplemented)
		return
	}

	var req ConversationRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := seeder.UpsertConversation(r.Context(), id, req.Participants); err != nil {
		if isValidationError(err) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("[API] conversation upsert failed", "conversation", id, "error", err)
		s.sendError(w, "store failure", http.StatusInternalServerError)
		return
	}
	if s.access != nil {
		s.access.Invalidate(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func isValidationError(err error) bool {
	return errors.Is(err, types.ErrInvalidRoomID) ||
		errors.Is(err, types.ErrInvalidParticipants) ||
		errors.Is(err, types.ErrInvalidUserID) ||
		errors.Is(err, types.ErrInvalidRole)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.sendError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.send(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) send(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] write response failed", "error", err)
	}
}

// requireResourceSecret guards endpoints called by other marketplace services.
func (s *Server) requireResourceSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := r.Header.Get("X-Resource-Secret")
		if s.resourceSecret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(s.resourceSecret)) != 1 {
			s.sendError(w, "invalid resource secret", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access to the read-only endpoints
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
