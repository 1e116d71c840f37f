package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers which messages have already been notified.
type Ledger interface {
	// Claim reports true exactly once per message id.
	Claim(ctx context.Context, messageID string) (bool, error)
}

// RedisLedger claims message ids with SETNX so redelivered events across
// instances notify once.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger with keys "<prefix>:notify:msg:<id>".
func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "dealroom"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(messageID string) string {
	return fmt.Sprintf("%s:notify:msg:%s", l.prefix, messageID)
}

func (l *RedisLedger) Claim(ctx context.Context, messageID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(messageID), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim notice %s: %w", messageID, err)
	}
	return ok, nil
}

// MemoryLedger is a process-local ledger for single-instance deployments.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) Claim(_ context.Context, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; ok {
		return false, nil
	}
	l.seen[messageID] = struct{}{}
	return true, nil
}
