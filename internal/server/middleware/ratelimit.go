package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gosuda/boardsync/internal/domain"
)

const (
	limiterSweep = 10 * time.Minute
	limiterIdle  = 30 * time.Minute
)

const tooManyRequests = `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`

// limiterSet hands out one token bucket per key and forgets keys idle for limiterIdle.
type limiterSet[K comparable] struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[K]*limiterEntry
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newLimiterSet[K comparable](ctx context.Context, requestsPerSecond float64, burst int) *limiterSet[K] {
	s := &limiterSet[K]{
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		entries: make(map[K]*limiterEntry),
	}
	go s.sweep(ctx)
	return s
}

func (s *limiterSet[K]) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterIdle)
			s.mu.Lock()
			for k, e := range s.entries {
				if e.lastAccess.Before(cutoff) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (s *limiterSet[K]) allow(key K) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.entries[key] = e
	}
	e.lastAccess = time.Now()
	s.mu.Unlock()

	return e.limiter.Allow()
}

// RateLimitByIP applies per-IP rate limiting to every request. chi's RealIP middleware
// must run first so r.RemoteAddr is the client address.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := newLimiterSet[string](ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(r.RemoteAddr) {
				http.Error(w, tooManyRequests, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeKey scopes a write budget to one user editing one board. Writes that address no
// board (pair settings, clearing all boards) share the user's empty-board budget.
type writeKey struct {
	user  uuid.UUID
	board domain.BoardID
}

// RateLimitWrites bounds how fast one user may write to one board. Every accepted board
// write feeds the persistence and fan-out path, so the budget is per (user, board).
// Reads and requests without a user pass through.
func RateLimitWrites(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := newLimiterSet[writeKey](ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isRead(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiters.allow(writeKey{user: userID, board: BoardFromPath(r.URL.Path)}) {
				http.Error(w, tooManyRequests, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// BoardFromPath returns the board id following a "boards" segment of path, or "" when
// path addresses no single board.
func BoardFromPath(path string) domain.BoardID {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] != "boards" {
			continue
		}
		if b, err := domain.ParseBoardID(segs[i+1]); err == nil {
			return b
		}
		return ""
	}
	return ""
}
