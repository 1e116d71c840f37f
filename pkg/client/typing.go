package client

import (
	"sort"
	"time"

	"github.com/spec-kit/dealroom-service/internal/events"
)

// TypingExpiry is how long a typing signal stays live without a refresh.
const TypingExpiry = 3 * time.Second

// TypingTracker remembers who is typing in which thread. It is not safe for
// concurrent use.
type TypingTracker struct {
	expiry time.Duration
	// last keyed by user id
	last map[string]typingMark
}

type typingMark struct {
	partyID string
	at      time.Time
}

// NewTypingTracker builds a tracker; a non-positive expiry uses TypingExpiry.
func NewTypingTracker(expiry time.Duration) *TypingTracker {
	if expiry <= 0 {
		expiry = TypingExpiry
	}
	return &TypingTracker{expiry: expiry, last: make(map[string]typingMark)}
}

// Observe records a typing signal received at at.
func (t *TypingTracker) Observe(p events.TypingPayload, at time.Time) {
	if p.UserID == "" {
		return
	}
	if !p.IsTyping {
		delete(t.last, p.UserID)
		return
	}
	t.last[p.UserID] = typingMark{partyID: p.PartyID, at: at}
}

// Clear forgets userID, used when a message from them lands.
func (t *TypingTracker) Clear(userID string) {
	delete(t.last, userID)
}

// Active lists users typing at now, optionally restricted to one party
// thread. Expired marks are dropped.
func (t *TypingTracker) Active(now time.Time, partyID string) []string {
	var out []string
	for userID, mark := range t.last {
		if now.Sub(mark.at) >= t.expiry {
			delete(t.last, userID)
			continue
		}
		if partyID != "" && mark.partyID != partyID {
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}
