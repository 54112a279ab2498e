package longpoll

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

// Connection is a long-poll session. Outbound frames wait in a bounded queue
// until the client collects them with its next poll.
type Connection struct {
	id       string
	identity types.Identity
	outbox   chan json.RawMessage
	lastSeen atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ interfaces.Connection = (*Connection)(nil)

func NewConnection(identity types.Identity, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.NewString(),
		identity: identity,
		outbox:   make(chan json.RawMessage, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.touch()
	return c
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) Identity() types.Identity { return c.identity }

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// WriteJSON queues v for the next poll. It never blocks. A full queue closes the
// session, so the client's next poll fails and it reconnects instead of missing frames.
func (c *Connection) WriteJSON(v interface{}) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		_ = c.Close()
		return ErrBufferFull
	}
}

// collect waits up to wait for the first queued frame, then drains whatever else is
// already queued. It returns an empty slice on timeout.
func (c *Connection) collect(ctx context.Context, wait time.Duration) ([]json.RawMessage, error) {
	c.touch()
	defer c.touch()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	frames := []json.RawMessage{}
	select {
	case frame := <-c.outbox:
		frames = append(frames, frame)
	case <-timer.C:
		return frames, nil
	case <-ctx.Done():
		return frames, ctx.Err()
	case <-c.ctx.Done():
		return frames, ErrConnectionClosed
	}

	for {
		select {
		case frame := <-c.outbox:
			frames = append(frames, frame)
		default:
			return frames, nil
		}
	}
}

// Close is idempotent. Frames still queued are discarded.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}
