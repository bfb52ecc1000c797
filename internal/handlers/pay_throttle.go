package handlers

import (
	"sync"
	"time"
)

// payThrottle caps :pay attempts per buyer and order within a fixed window. Each attempt may
// reach the gateway, so a buyer hammering one order is slowed without affecting their other orders.
type payThrottle struct {
	attempts int
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	windows  map[payAttemptKey]payWindow
	lastTrim time.Time
}

type payAttemptKey struct {
	buyerID string
	orderID string
}

type payWindow struct {
	used    int
	resetAt time.Time
}

func newPayThrottle(attempts int, window time.Duration, now func() time.Time) *payThrottle {
	if attempts <= 0 || window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &payThrottle{
		attempts: attempts,
		window:   window,
		now:      now,
		windows:  make(map[payAttemptKey]payWindow),
	}
}

// admit records an attempt. When the window is spent it reports how long until the next one.
func (p *payThrottle) admit(buyerID, orderID string) (bool, time.Duration) {
	if p == nil {
		return true, 0
	}
	key := payAttemptKey{buyerID: buyerID, orderID: orderID}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.trimLocked(now)

	w, ok := p.windows[key]
	if !ok || !now.Before(w.resetAt) {
		p.windows[key] = payWindow{used: 1, resetAt: now.Add(p.window)}
		return true, 0
	}
	if w.used >= p.attempts {
		return false, w.resetAt.Sub(now)
	}
	w.used++
	p.windows[key] = w
	return true, 0
}

// trimLocked drops finished windows at most once per window length.
func (p *payThrottle) trimLocked(now time.Time) {
	if now.Sub(p.lastTrim) < p.window {
		return
	}
	for key, w := range p.windows {
		if !now.Before(w.resetAt) {
			delete(p.windows, key)
		}
	}
	p.lastTrim = now
}
