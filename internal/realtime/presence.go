package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// TypingTTL is how long a typing signal holds without a refresh.
const TypingTTL = 3 * time.Second

// PresencePort is the view of presence the rest of the service depends on.
// Join and Leave are driven only by the gateway's connection lifecycle.
type PresencePort interface {
	// Join records a connection and reports whether it is the user's first.
	Join(ctx context.Context, transactionID, userID string) (bool, error)
	// Leave drops a connection and reports whether it was the user's last.
	Leave(ctx context.Context, transactionID, userID string) (bool, error)
	Typing(ctx context.Context, transactionID, userID, partyID string, isTyping bool) error
	IsOnline(ctx context.Context, transactionID, userID string) (bool, error)
	// IsTyping returns the party a live typing signal is scoped to.
	IsTyping(ctx context.Context, transactionID, userID string) (string, bool, error)
	Online(ctx context.Context, transactionID string) ([]string, error)
}

// PresenceTracker counts live connections per (transaction, user) inside
// one process. A user with several tabs open stays online until the last
// one closes.
type PresenceTracker struct {
	mu     sync.RWMutex
	counts map[string]map[string]int
	typing map[string]typingMark
	now    func() time.Time
}

type typingMark struct {
	partyID string
	at      time.Time
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		counts: make(map[string]map[string]int),
		typing: make(map[string]typingMark),
		now:    time.Now,
	}
}

func typingKey(transactionID, userID string) string {
	return transactionID + "|" + userID
}

func (p *PresenceTracker) Join(_ context.Context, transactionID, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.counts[transactionID]
	if !ok {
		users = make(map[string]int)
		p.counts[transactionID] = users
	}
	users[userID]++
	return users[userID] == 1, nil
}

func (p *PresenceTracker) Leave(_ context.Context, transactionID, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.counts[transactionID]
	if !ok || users[userID] == 0 {
		return false, nil
	}
	users[userID]--
	if users[userID] > 0 {
		return false, nil
	}
	delete(users, userID)
	delete(p.typing, typingKey(transactionID, userID))
	if len(users) == 0 {
		delete(p.counts, transactionID)
	}
	return true, nil
}

// Typing records a typing signal from a connected user.
func (p *PresenceTracker) Typing(_ context.Context, transactionID, userID, partyID string, isTyping bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := typingKey(transactionID, userID)
	if !isTyping || p.counts[transactionID][userID] == 0 {
		delete(p.typing, key)
		return nil
	}
	p.typing[key] = typingMark{partyID: partyID, at: p.now()}
	return nil
}

// IsTyping reports a typing signal younger than TypingTTL.
func (p *PresenceTracker) IsTyping(_ context.Context, transactionID, userID string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	mark, ok := p.typing[typingKey(transactionID, userID)]
	if !ok || p.now().Sub(mark.at) >= TypingTTL {
		return "", false, nil
	}
	return mark.partyID, true, nil
}

func (p *PresenceTracker) IsOnline(_ context.Context, transactionID, userID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts[transactionID][userID] > 0, nil
}

// Online lists the users connected to a transaction, sorted.
func (p *PresenceTracker) Online(_ context.Context, transactionID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]string, 0, len(p.counts[transactionID]))
	for id := range p.counts[transactionID] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}
