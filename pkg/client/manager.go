// Package client keeps one relay connection alive for a client process.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketrelay/pkg/types"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxAttempts      = 5
	DefaultInitialDelay     = time.Second
	DefaultMaxDelay         = 5 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	// pollHTTPTimeout outlasts the relay's 25s long-poll wait.
	pollHTTPTimeout = 40 * time.Second
)

// State is the connectivity state surfaced to the caller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateDisconnected is terminal until the next Connect.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

// Transport names the wire a connection runs over.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

type Options struct {
	// Endpoint is the WebSocket URL, e.g. ws://host:8080/ws.
	Endpoint string
	// PollURL enables the long-poll fallback when the upgrade is refused, e.g. http://host:8080/poll.
	PollURL string
	Token   string

	HandshakeTimeout time.Duration
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// OnOpen fires after every successful open. Re-join rooms here.
	OnOpen func(Transport)
	// OnClose fires once per lost session: nil after Disconnect, an
	// ErrTransportDisconnected wrap after the reconnect budget is spent.
	OnClose   func(error)
	OnMessage func(*types.Frame)
	// OnStateChange observes every state transition.
	OnStateChange func(State)

	HTTPClient *http.Client
}

// Manager owns at most one live transport. It holds no room state and never
// looks inside payloads.
// ARCHITECTURAL DISCOVERY: every Connect or Disconnect bumps a generation; goroutines
// of an older generation notice and exit without touching state, so a fresh attempt
// always supersedes a stale one instead of queuing behind it.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	http   *http.Client

	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	current   transport
	changes   []State // transitions not yet reported to OnStateChange
	reporting bool    // a goroutine is draining changes
}

func New(opts Options) (*Manager, error) {
	if opts.Endpoint == "" && opts.PollURL == "" {
		return nil, ErrEmptyEndpoint
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = max(DefaultMaxDelay, opts.InitialDelay)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	m := &Manager{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		http:   opts.HTTPClient,
	}
	if m.http == nil {
		m.http = &http.Client{Timeout: pollHTTPTimeout}
	}
	return m, nil
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transport returns the kind of the open transport, or "" when not connected.
func (m *Manager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.kind()
}

// Connect opens a connection, superseding any attempt or session already in flight.
// It blocks until the first open succeeds or the attempt budget is spent.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	stale := m.supersedeLocked()
	m.gen++
	gen := m.gen
	session, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(StateConnecting)
	m.unlock()

	if stale != nil {
		_ = stale.close()
	}

	t, err := m.establish(ctx, session)
	if err != nil {
		cancel()
		m.mu.Lock()
		superseded := m.gen != gen
		if !superseded {
			m.cancel = nil
			m.setStateLocked(StateDisconnected)
		}
		m.unlock()
		if superseded {
			return ErrSuperseded
		}
		return err
	}

	if !m.adopt(gen, t) {
		_ = t.close()
		return ErrSuperseded
	}
	go m.supervise(session, gen, t)
	return nil
}

// Disconnect closes the open transport and stops reconnecting. OnClose fires
// with nil when a session was open.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	t := m.supersedeLocked()
	wasOpen := t != nil
	m.setStateLocked(StateDisconnected)
	m.unlock()

	if t != nil {
		_ = t.close()
	}
	if wasOpen && m.opts.OnClose != nil {
		m.opts.OnClose(nil)
	}
}

// Send writes frame to the open transport. It fails fast with ErrNotConnected
// rather than queuing.
func (m *Manager) Send(frame *types.Frame) error {
	m.mu.Lock()
	t := m.current
	connected := m.state == StateConnected
	m.mu.Unlock()

	if t == nil || !connected {
		return ErrNotConnected
	}
	if err := t.send(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Emit builds a frame with a fresh request id and sends it.
func (m *Manager) Emit(eventType string, room types.RoomID, payload any) (string, error) {
	frame, err := types.NewFrame(eventType, room, payload)
	if err != nil {
		return "", err
	}
	frame.RequestID = uuid.NewString()
	if err := m.Send(frame); err != nil {
		return "", err
	}
	return frame.RequestID, nil
}

// supersedeLocked cancels the current generation and detaches its transport.
func (m *Manager) supersedeLocked() transport {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	t := m.current
	m.current = nil
	return t
}

func (m *Manager) adopt(gen uint64, t transport) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.current = t
	m.setStateLocked(StateConnected)
	m.unlock()

	slog.Info("[CLIENT] connected", "transport", string(t.kind()))
	if m.opts.OnOpen != nil {
		m.opts.OnOpen(t.kind())
	}
	return true
}

// supervise reads from t and reconnects within the attempt budget when it drops.
func (m *Manager) supervise(session context.Context, gen uint64, t transport) {
	for {
		err := t.run(m.deliver)
		_ = t.close()
		if session.Err() != nil {
			return
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.current = nil
		m.setStateLocked(StateReconnecting)
		m.unlock()
		slog.Warn("[CLIENT] connection lost, reconnecting", "error", err)

		next, err := m.establish(session, session)
		if err != nil {
			if session.Err() != nil {
				return
			}
			m.mu.Lock()
			if m.gen != gen {
				m.mu.Unlock()
				return
			}
			m.cancel = nil
			m.setStateLocked(StateDisconnected)
			m.unlock()

			slog.Error("[CLIENT] giving up", "error", err)
			if m.opts.OnClose != nil {
				m.opts.OnClose(err)
			}
			return
		}

		if !m.adopt(gen, next) {
			_ = next.close()
			return
		}
		t = next
	}
}

func (m *Manager) deliver(frame *types.Frame) {
	if m.opts.OnMessage != nil {
		m.opts.OnMessage(frame)
	}
}

// establish dials with exponential backoff until it succeeds, the budget is spent,
// or either context ends.
func (m *Manager) establish(ctx, session context.Context) (transport, error) {
	attemptCtx, stop := context.WithCancel(session)
	defer stop()
	unhook := context.AfterFunc(ctx, stop)
	defer unhook()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.InitialDelay
	policy.MaxInterval = m.opts.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2

	t, err := backoff.Retry(attemptCtx, func() (transport, error) {
		return m.dial(attemptCtx)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("[CLIENT] attempt failed", "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if session.Err() != nil {
			return nil, ErrSuperseded
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
	}
	return t, nil
}

// dial makes one attempt: WebSocket first, long-polling when the upgrade is refused.
func (m *Manager) dial(ctx context.Context) (transport, error) {
	if m.opts.Endpoint == "" {
		return m.dialPoll(ctx)
	}

	t, resp, err := dialWebSocket(ctx, m.dialer, m.opts.Endpoint, m.opts.Token, m.opts.ReadTimeout, m.opts.WriteTimeout)
	if err == nil {
		return t, nil
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return nil, backoff.Permanent(ErrUnauthorized)
	}
	if errors.Is(err, websocket.ErrBadHandshake) && m.opts.PollURL != "" {
		slog.Info("[CLIENT] upgrade refused, falling back to polling", "status", statusOf(resp))
		return m.dialPoll(ctx)
	}
	return nil, err
}

func (m *Manager) dialPoll(ctx context.Context) (transport, error) {
	t, err := openPoll(ctx, m.http, m.opts.PollURL, m.opts.Token)
	if errors.Is(err, ErrUnauthorized) {
		return nil, backoff.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.changes = append(m.changes, s)
}

// unlock releases m.mu and then reports the pending state transitions, so the
// callback may call back into the Manager. One goroutine at a time drains the
// queue; transitions queued meanwhile by others, or by the callback itself, are
// reported by that drainer in the order they happened.
func (m *Manager) unlock() {
	if m.reporting || m.opts.OnStateChange == nil {
		if m.opts.OnStateChange == nil {
			m.changes = nil
		}
		m.mu.Unlock()
		return
	}
	m.reporting = true
	for len(m.changes) > 0 {
		s := m.changes[0]
		m.changes = m.changes[1:]
		m.mu.Unlock()
		m.opts.OnStateChange(s)
		m.mu.Lock()
	}
	m.reporting = false
	m.mu.Unlock()
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
