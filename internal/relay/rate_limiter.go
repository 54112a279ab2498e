package relay

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// Limiter decides whether a user may send another message.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// RateLimiter implements per-user fixed window limiting in process memory
// ARCHITECTURAL DISCOVERY: Per-user state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per window.
// Zero values select 100 messages per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientLimit),
	}
}

// Allow never returns an error; the signature matches the Redis-backed limiter.
func (rl *RateLimiter) Allow(_ context.Context, userID string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	limit, exists := rl.clients[userID]
	if !exists {
		rl.clients[userID] = &clientLimit{messageCount: 1, windowStart: now}
		return true, nil
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true, nil
	}

	if limit.messageCount >= rl.limit {
		return false, nil
	}

	limit.messageCount++
	return true, nil
}

// Cleanup removes users idle for more than five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

// RunCleanup calls Cleanup every window until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}
