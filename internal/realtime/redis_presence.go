package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// leaveScript decrements a connection count and removes the field once it
// reaches zero, so a concurrent Join on another instance is never erased.
var leaveScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('DEL', KEYS[2])
end
return n
`)

// RedisPresence keeps connection counts in one Redis hash per transaction,
// shared by every gateway instance. Typing signals are keys that expire
// after TypingTTL.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPresence creates presence stored under "<prefix>:presence:<tx>".
// ttl is refreshed on every join and leave and bounds how long the counts
// of a crashed instance linger.
func NewRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "dealroom"
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPresence) countsKey(transactionID string) string {
	return fmt.Sprintf("%s:presence:%s", p.prefix, transactionID)
}

func (p *RedisPresence) typingKey(transactionID, userID string) string {
	return fmt.Sprintf("%s:typing:%s:%s", p.prefix, transactionID, userID)
}

func (p *RedisPresence) Join(ctx context.Context, transactionID, userID string) (bool, error) {
	key := p.countsKey(transactionID)
	var incr *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, userID, 1)
		if p.ttl > 0 {
			pipe.Expire(ctx, key, p.ttl)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence join: %w", err)
	}
	return incr.Val() == 1, nil
}

func (p *RedisPresence) Leave(ctx context.Context, transactionID, userID string) (bool, error) {
	key := p.countsKey(transactionID)
	n, err := leaveScript.Run(ctx, p.client, []string{key, p.typingKey(transactionID, userID)}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("presence leave: %w", err)
	}
	if n > 0 && p.ttl > 0 {
		_ = p.client.Expire(ctx, key, p.ttl).Err()
	}
	return n == 0, nil
}

// Typing stores the party the signal is scoped to; isTyping false clears it.
func (p *RedisPresence) Typing(ctx context.Context, transactionID, userID, partyID string, isTyping bool) error {
	key := p.typingKey(transactionID, userID)
	var err error
	if isTyping {
		err = p.client.Set(ctx, key, partyID, TypingTTL).Err()
	} else {
		err = p.client.Del(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("presence typing: %w", err)
	}
	return nil
}

func (p *RedisPresence) IsTyping(ctx context.Context, transactionID, userID string) (string, bool, error) {
	partyID, err := p.client.Get(ctx, p.typingKey(transactionID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence typing: %w", err)
	}
	return partyID, true, nil
}

func (p *RedisPresence) IsOnline(ctx context.Context, transactionID, userID string) (bool, error) {
	n, err := p.client.HGet(ctx, p.countsKey(transactionID), userID).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return n > 0, nil
}

// Online lists the users connected to a transaction on any instance, sorted.
func (p *RedisPresence) Online(ctx context.Context, transactionID string) ([]string, error) {
	counts, err := p.client.HGetAll(ctx, p.countsKey(transactionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	users := make([]string, 0, len(counts))
	for id, raw := range counts {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users, nil
}
