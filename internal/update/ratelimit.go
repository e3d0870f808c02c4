package update

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// VolumeWindow is the rolling window of the volume rule.
	VolumeWindow = 60 * time.Second
	// VolumeLimit is the number of updates per window before degradation starts.
	VolumeLimit = 60
	// MinSpacing is the minimum time between two applied updates.
	MinSpacing = 300 * time.Millisecond
)

// RateLimiter enforces two independent rules for one board: a volume rule that
// degrades to every-other-update processing past VolumeLimit updates per window,
// and a minimum spacing between applied updates.
type RateLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	limit       int
	windowStart time.Time
	count       int

	every       rate.Limit
	spacing     *rate.Limiter
	lastApplied time.Time
}

// NewRateLimiter returns a limiter with the given volume limit per window and minimum spacing.
func NewRateLimiter(limit int, window, spacing time.Duration) *RateLimiter {
	every := rate.Every(spacing)
	return &RateLimiter{
		window:  window,
		limit:   limit,
		every:   every,
		spacing: rate.NewLimiter(every, 1),
	}
}

// CheckVolume counts one update. over reports that the counter exceeded the limit in
// the current window; skip asks the caller to drop this update (odd counts while over).
func (r *RateLimiter) CheckVolume(now time.Time) (over, skip bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.window {
		r.windowStart = now
		r.count = 0
	}
	r.count++

	over = r.count > r.limit
	return over, over && r.count%2 == 1
}

// ShouldThrottle reports whether less than the minimum spacing elapsed since the last
// applied update.
func (r *RateLimiter) ShouldThrottle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spacing.TokensAt(now) < 1
}

// Wait returns how long until ShouldThrottle turns false.
func (r *RateLimiter) Wait(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	missing := 1 - r.spacing.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	// Rounded up with a microsecond of slack so the limiter has refilled when the wait ends.
	return time.Duration(math.Ceil(missing/float64(r.every)*float64(time.Second))) + time.Microsecond
}

// MarkApplied records now as the last applied update time.
func (r *RateLimiter) MarkApplied(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A drained single-token limiter refills exactly one spacing interval after now.
	r.spacing = rate.NewLimiter(r.every, 1)
	r.spacing.AllowN(now, 1)
	r.lastApplied = now
}

// LastApplied returns the last applied update time.
func (r *RateLimiter) LastApplied() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}

// ResetWindow starts a new volume window at now.
func (r *RateLimiter) ResetWindow(now time.Time) {
	r.mu.Lock()
	r.windowStart = now
	r.count = 0
	r.mu.Unlock()
}

// Reset clears both rules.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.windowStart = time.Time{}
	r.count = 0
	r.spacing = rate.NewLimiter(r.every, 1)
	r.lastApplied = time.Time{}
	r.mu.Unlock()
}
