package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func join(t *testing.T, p PresencePort, tx, user string) bool {
	t.Helper()
	first, err := p.Join(context.Background(), tx, user)
	require.NoError(t, err)
	return first
}

func leave(t *testing.T, p PresencePort, tx, user string) bool {
	t.Helper()
	last, err := p.Leave(context.Background(), tx, user)
	require.NoError(t, err)
	return last
}

func isOnline(t *testing.T, p PresencePort, tx, user string) bool {
	t.Helper()
	ok, err := p.IsOnline(context.Background(), tx, user)
	require.NoError(t, err)
	return ok
}

func typingParty(t *testing.T, p PresencePort, tx, user string) (string, bool) {
	t.Helper()
	partyID, ok, err := p.IsTyping(context.Background(), tx, user)
	require.NoError(t, err)
	return partyID, ok
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestPresenceRefcountsConnections(t *testing.T) {
	_, client := newTestRedis(t)
	ports := map[string]PresencePort{
		"memory": NewPresenceTracker(),
		"redis":  NewRedisPresence(client, "test", time.Hour),
	}
	for name, p := range ports {
		t.Run(name, func(t *testing.T) {
			assert.True(t, join(t, p, "tx", "alice"), "first tab joins")
			assert.False(t, join(t, p, "tx", "alice"), "second tab does not re-announce")
			assert.True(t, isOnline(t, p, "tx", "alice"))
			assert.False(t, isOnline(t, p, "other", "alice"))

			assert.False(t, leave(t, p, "tx", "alice"))
			assert.True(t, isOnline(t, p, "tx", "alice"))
			assert.True(t, leave(t, p, "tx", "alice"))
			assert.False(t, isOnline(t, p, "tx", "alice"))

			assert.False(t, leave(t, p, "tx", "alice"), "leave without join is ignored")
			assert.False(t, isOnline(t, p, "tx", "alice"))
		})
	}
}

func TestPresenceOnlineIsSorted(t *testing.T) {
	_, client := newTestRedis(t)
	ports := map[string]PresencePort{
		"memory": NewPresenceTracker(),
		"redis":  NewRedisPresence(client, "test", time.Hour),
	}
	for name, p := range ports {
		t.Run(name, func(t *testing.T) {
			join(t, p, "tx", "zoe")
			join(t, p, "tx", "adam")
			join(t, p, "tx2", "bob")
			users, err := p.Online(context.Background(), "tx")
			require.NoError(t, err)
			assert.Equal(t, []string{"adam", "zoe"}, users)

			users, err = p.Online(context.Background(), "none")
			require.NoError(t, err)
			assert.Empty(t, users)
		})
	}
}

func TestPresenceTypingExpires(t *testing.T) {
	p := NewPresenceTracker()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, p.Typing(ctx, "tx", "alice", "p-owner", true))
	_, ok := typingParty(t, p, "tx", "alice")
	assert.False(t, ok, "offline users cannot type")

	join(t, p, "tx", "alice")
	require.NoError(t, p.Typing(ctx, "tx", "alice", "p-owner", true))
	partyID, ok := typingParty(t, p, "tx", "alice")
	assert.True(t, ok)
	assert.Equal(t, "p-owner", partyID)

	now = now.Add(TypingTTL)
	_, ok = typingParty(t, p, "tx", "alice")
	assert.False(t, ok)

	require.NoError(t, p.Typing(ctx, "tx", "alice", "p-owner", true))
	leave(t, p, "tx", "alice")
	_, ok = typingParty(t, p, "tx", "alice")
	assert.False(t, ok, "leaving clears typing")
}

func TestRedisPresenceIsSharedAcrossInstances(t *testing.T) {
	mr, client := newTestRedis(t)
	a := NewRedisPresence(client, "test", time.Minute)
	b := NewRedisPresence(client, "test", time.Minute)
	ctx := context.Background()

	assert.True(t, join(t, a, "tx", "alice"))
	assert.False(t, join(t, b, "tx", "alice"), "a second instance does not re-announce")
	assert.False(t, isOnline(t, b, "tx", "bob"))
	assert.True(t, isOnline(t, b, "tx", "alice"))

	assert.False(t, leave(t, a, "tx", "alice"))
	assert.True(t, isOnline(t, a, "tx", "alice"), "still connected through the other instance")
	assert.Equal(t, time.Minute, mr.TTL("test:presence:tx"))

	require.NoError(t, b.Typing(ctx, "tx", "alice", "p-owner", true))
	partyID, ok := typingParty(t, a, "tx", "alice")
	assert.True(t, ok)
	assert.Equal(t, "p-owner", partyID)
	mr.FastForward(TypingTTL)
	_, ok = typingParty(t, a, "tx", "alice")
	assert.False(t, ok)

	mr.FastForward(time.Minute)
	assert.False(t, isOnline(t, a, "tx", "alice"), "counts of a dead instance expire")
}
