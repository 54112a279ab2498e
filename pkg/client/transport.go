package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"marketrelay/pkg/types"
)

// transport is one open connection to the relay.
type transport interface {
	// run delivers inbound frames until the transport fails or is closed.
	run(onFrame func(*types.Frame)) error
	send(frame *types.Frame) error
	close() error
	kind() Transport
}

type wsTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, endpoint, token string, readTimeout, writeTimeout time.Duration) (*wsTransport, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, resp, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t := &wsTransport{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	return t, resp, nil
}

func (t *wsTransport) kind() Transport { return TransportWebSocket }

func (t *wsTransport) run(onFrame func(*types.Frame)) error {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("[CLIENT] dropping undecodable frame", "error", err)
			continue
		}
		onFrame(&frame)
	}
}

func (t *wsTransport) send(frame *types.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

type pollOpenResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Frames []json.RawMessage `json:"frames"`
}

// pollTransport speaks the relay's long-poll protocol: POST opens a session,
// GET waits for frames, POST sends one frame, DELETE closes.
type pollTransport struct {
	http    *http.Client
	session string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func openPoll(ctx context.Context, client *http.Client, pollURL, token string) (*pollTransport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll open request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open poll session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("open poll session: %s", resp.Status)
	}

	var opened pollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		return nil, fmt.Errorf("decode poll session: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		http:    client,
		session: strings.TrimRight(pollURL, "/") + "/" + opened.ID,
		ctx:     tctx,
		cancel:  cancel,
	}, nil
}

func (t *pollTransport) kind() Transport { return TransportPolling }

func (t *pollTransport) run(onFrame func(*types.Frame)) error {
	for {
		frames, err := t.poll()
		if err != nil {
			if t.ctx.Err() != nil {
				return ErrNotConnected
			}
			return err
		}
		for _, raw := range frames {
			var frame types.Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				slog.Debug("[CLIENT] dropping undecodable frame", "error", err)
				continue
			}
			onFrame(&frame)
		}
	}
}

func (t *pollTransport) poll() ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.session, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return nil, ErrSessionGone
	default:
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll: %w", err)
	}
	return out.Frames, nil
}

func (t *pollTransport) send(frame *types.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.session, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusGone:
		return ErrSessionGone
	default:
		return fmt.Errorf("send: %s", resp.Status)
	}
}

func (t *pollTransport) close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.session, nil)
		if err != nil {
			return
		}
		if resp, err := t.http.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}
