package longpoll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

const (
	DefaultWaitTimeout = 25 * time.Second
	DefaultIdleTimeout = 60 * time.Second
	DefaultBufferSize  = 100

	maxFrameBytes = 64 << 10
)

// Dispatcher receives the lifecycle and inbound frames of every connection.
type Dispatcher interface {
	Connect(conn interfaces.Connection) error
	Dispatch(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error
	Disconnect(conn interfaces.Connection)
}

// Authenticator resolves the identity behind the opening request.
type Authenticator interface {
	Authenticate(r *http.Request) (types.Identity, error)
}

type Config struct {
	// Prefix is the mount path, e.g. "/poll".
	Prefix      string
	WaitTimeout time.Duration
	IdleTimeout time.Duration
	BufferSize  int
}

// OpenResponse answers POST {prefix}.
type OpenResponse struct {
	ID            string         `json:"id"`
	Identity      types.Identity `json:"identity"`
	WaitTimeoutMS int64          `json:"wait_timeout_ms"`
}

// PollResponse answers GET {prefix}/{id}.
type PollResponse struct {
	Frames []json.RawMessage `json:"frames"`
}

// Server is the polling fallback for clients that cannot hold a WebSocket.
// ARCHITECTURAL DISCOVERY: the session id is the capability; the identity is fixed
// when the session opens and every later request only names the session.
type Server struct {
	auth       Authenticator
	dispatcher Dispatcher
	cfg        Config
	mux        *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*Connection
}

func NewServer(auth Authenticator, dispatcher Dispatcher, cfg Config) (*Server, error) {
	if auth == nil {
		return nil, ErrNilAuthenticator
	}
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "/" {
		cfg.Prefix = "/poll"
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.IdleTimeout <= cfg.WaitTimeout {
		cfg.IdleTimeout = max(DefaultIdleTimeout, 2*cfg.WaitTimeout)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	s := &Server{
		auth:       auth,
		dispatcher: dispatcher,
		cfg:        cfg,
		mux:        http.NewServeMux(),
		sessions:   make(map[string]*Connection),
	}
	s.mux.HandleFunc("POST "+cfg.Prefix, s.handleOpen)
	s.mux.HandleFunc("GET "+cfg.Prefix+"/{id}", s.handlePoll)
	s.mux.HandleFunc("POST "+cfg.Prefix+"/{id}", s.handleSend)
	s.mux.HandleFunc("DELETE "+cfg.Prefix+"/{id}", s.handleClose)
	return s, nil
}

// Prefix returns the mount path of the server.
func (s *Server) Prefix() string {
	return s.cfg.Prefix
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		slog.Warn("[POLL] authentication failed", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	conn := NewConnection(identity, s.cfg.BufferSize)
	if err := s.dispatcher.Connect(conn); err != nil {
		slog.Error("[POLL] connection rejected", "user", identity.UserID, "error", err)
		_ = conn.Close()
		writeError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}

	s.mu.Lock()
	s.sessions[conn.ID()] = conn
	s.mu.Unlock()

	slog.Info("[POLL] session opened", "connection", conn.ID(), "user", identity.UserID)
	writeJSON(w, http.StatusCreated, OpenResponse{
		ID:            conn.ID(),
		Identity:      identity,
		WaitTimeoutMS: s.cfg.WaitTimeout.Milliseconds(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusGone, ErrSessionNotFound.Error())
		return
	}

	frames, err := conn.collect(r.Context(), s.cfg.WaitTimeout)
	if errors.Is(err, ErrConnectionClosed) {
		s.end(conn)
		writeError(w, http.StatusGone, err.Error())
		return
	}
	if err != nil {
		// Client went away mid-poll.
		return
	}
	writeJSON(w, http.StatusOK, PollResponse{Frames: frames})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.session(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusGone, ErrSessionNotFound.Error())
		return
	}
	if conn.ctx.Err() != nil {
		s.end(conn)
		writeError(w, http.StatusGone, ErrConnectionClosed.Error())
		return
	}
	conn.touch()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(data) > maxFrameBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "frame too large")
		return
	}

	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		writeError(w, http.StatusBadRequest, types.ErrInvalidFrame.Error())
		return
	}

	// Errors are reported to the client as error frames by the dispatcher.
	if err := s.dispatcher.Dispatch(conn.ctx, conn, &frame); err != nil {
		slog.Debug("[POLL] frame rejected", "connection", conn.ID(), "type", frame.Type, "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.session(r.PathValue("id"))
	if ok {
		s.end(conn)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) session(id string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.sessions[id]
	return conn, ok
}

// end disconnects conn exactly once.
func (s *Server) end(conn *Connection) {
	s.mu.Lock()
	_, present := s.sessions[conn.ID()]
	delete(s.sessions, conn.ID())
	s.mu.Unlock()

	if !present {
		return
	}
	s.dispatcher.Disconnect(conn)
	_ = conn.Close()
	slog.Info("[POLL] session closed", "connection", conn.ID(), "user", conn.Identity().UserID)
}

// Reap disconnects every session that was closed or has not polled or sent within
// the idle timeout.
// It returns the number of sessions ended.
func (s *Server) Reap(now time.Time) int {
	var idle []*Connection
	s.mu.Lock()
	for _, conn := range s.sessions {
		if conn.ctx.Err() != nil || now.Sub(conn.LastSeen()) > s.cfg.IdleTimeout {
			idle = append(idle, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range idle {
		slog.Info("[POLL] reaping session", "connection", conn.ID())
		s.end(conn)
	}
	return len(idle)
}

// Run reaps idle sessions until ctx is done, then closes every session.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.Reap(now)
		case <-ctx.Done():
			s.CloseAll()
			return
		}
	}
}

// CloseAll disconnects every open session.
func (s *Server) CloseAll() {
	s.mu.Lock()
	open := make([]*Connection, 0, len(s.sessions))
	for _, conn := range s.sessions {
		open = append(open, conn)
	}
	s.mu.Unlock()

	for _, conn := range open {
		s.end(conn)
	}
}

// Len returns the number of open sessions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[POLL] write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
