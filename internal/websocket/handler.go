package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

const (
	defaultReadTimeout     = 60 * time.Second
	defaultMaxMessageBytes = 64 << 10
	handshakeTimeout       = 10 * time.Second
)

// Dispatcher receives the lifecycle and inbound frames of every connection.
type Dispatcher interface {
	Connect(conn interfaces.Connection) error
	Dispatch(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error
	Disconnect(conn interfaces.Connection)
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (types.Identity, error)
}

// Config carries the heartbeat and limits of the WebSocket transport.
type Config struct {
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// Handler manages WebSocket connections and authentication
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// the handler only authenticates, frames and forwards, the dispatcher owns all chat state
type Handler struct {
	auth       Authenticator
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	cfg        Config
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(auth Authenticator, dispatcher Dispatcher, cfg Config) (*Handler, error) {
	if auth == nil {
		return nil, ErrNilAuthenticator
	}
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout / 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}

	h := &Handler{auth: auth, dispatcher: dispatcher, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: handshakeTimeout,
	}
	return h, nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates, upgrades and then serves the connection until it closes.
// FUNCTIONAL DISCOVERY: Authentication happens before the upgrade so rejected clients get
// a plain HTTP status instead of a socket that closes immediately
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		slog.Info("[WS] authentication rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, identity, h.cfg.WriteTimeout, h.cfg.PingInterval)
	if err := h.dispatcher.Connect(conn); err != nil {
		slog.Error("[WS] register failed", "conn", conn.ID(), "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	h.readPump(conn)
}

// readPump blocks until the peer goes away, then tears the connection down.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		h.dispatcher.Disconnect(conn)
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	// TECHNICAL DISCOVERY: read deadline of twice the ping interval detects dead peers
	// without tearing down idle but healthy connections
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				slog.Debug("[WS] read ended", "conn", conn.ID(), "error", err)
			}
			return
		}
		conn.touch()
		if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			h.rejectFrame(conn)
			continue
		}
		if err := h.dispatcher.Dispatch(conn.ctx, conn, &frame); err != nil {
			slog.Debug("[WS] dispatch failed", "conn", conn.ID(), "type", frame.Type, "error", err)
		}
	}
}

func (h *Handler) rejectFrame(conn *Connection) {
	out, err := types.NewFrame(types.EventError, types.RoomID{}, types.ErrorPayload{
		Code:    types.CodeInvalidRequest,
		Message: types.ErrInvalidFrame.Error(),
	})
	if err != nil {
		return
	}
	_ = conn.WriteJSON(out)
}
