package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle allows one notice per (transaction, recipient) per cooldown.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cooldown time.Duration
	now      func() time.Time
}

// NewThrottle creates a throttle. A zero cooldown disables it.
func NewThrottle(cooldown time.Duration) *Throttle {
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow consumes the recipient's token if one is available.
func (t *Throttle) Allow(transactionID, recipientID string) bool {
	if t == nil || t.cooldown <= 0 {
		return true
	}
	key := transactionID + "|" + recipientID
	t.mu.Lock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.cooldown), 1)
		t.limiters[key] = l
	}
	now := t.now()
	t.mu.Unlock()
	return l.AllowN(now, 1)
}
