package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
	"github.com/spec-kit/dealroom-service/internal/notify"
	"github.com/spec-kit/dealroom-service/internal/realtime"
)

type fakeSender struct {
	mu      sync.Mutex
	notices []notify.Notice
	err     error
}

func (s *fakeSender) Send(_ context.Context, n notify.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return s.err
}

func (s *fakeSender) calls() []notify.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notice(nil), s.notices...)
}

type onlineSet map[string]bool

func (o onlineSet) IsOnline(_ context.Context, _, userID string) (bool, error) {
	return o[userID], nil
}

// inline runs submitted tasks on the caller's goroutine.
type inline struct{}

func (inline) Submit(task func(ctx context.Context)) error {
	task(context.Background())
	return nil
}

type rejecting struct{}

func (rejecting) Submit(func(ctx context.Context)) error { return errors.New("queue full") }

type notifyFixture struct {
	svc    *NotificationService
	sender *fakeSender
	logs   *observer.ObservedLogs
}

func newNotifyFixture(t *testing.T, online PresenceChecker, cooldown time.Duration) *notifyFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	core, logs := observer.New(zap.DebugLevel)
	sender := &fakeSender{}
	svc := NewNotificationService(NotificationDependencies{
		Directory: fakeDirectory{tx: dealTransaction()},
		Presence:  online,
		Ledger:    notify.NewRedisLedger(client, "test", time.Hour),
		Throttle:  notify.NewThrottle(cooldown),
		Sender:    sender,
		Logger:    zap.New(core),
	})
	return &notifyFixture{svc: svc, sender: sender, logs: logs}
}

func messageEvent(t *testing.T, msg domain.Message, role domain.UserRole) events.Event {
	t.Helper()
	if msg.TransactionID == "" {
		msg.TransactionID = "tx-1"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	}
	ev, err := events.NewEvent(events.EventMessageCreated, msg.TransactionID, events.Actor{UserID: msg.SenderID, Role: role},
		events.MessageCreatedPayload{Message: events.MessageToPayload(msg)})
	require.NoError(t, err)
	return ev
}

func TestRecipients(t *testing.T) {
	tx := dealTransaction()
	owner := "p-owner"
	assert.Equal(t, []string{"alice", "alice2"}, Recipients(tx, domain.Message{SenderID: "notary", AddresseePartyID: &owner}))
	assert.Equal(t, []string{"notary"}, Recipients(tx, domain.Message{SenderID: "bob"}))
	assert.Empty(t, Recipients(tx, domain.Message{SenderID: "notary"}))
}

func TestNotifiesOnlyAbsentRecipientsOnce(t *testing.T) {
	f := newNotifyFixture(t, onlineSet{"alice": true}, 0)
	ev := messageEvent(t, domain.Message{ID: "m-1", SenderID: "notary", Content: "Please upload the deed", AddresseePartyID: strPtr("p-owner")}, domain.RoleHandler)

	f.svc.HandleMessageCreated(context.Background(), ev)
	f.svc.HandleMessageCreated(context.Background(), ev)

	calls := f.sender.calls()
	require.Len(t, calls, 1, "redelivered events do not notify again")
	assert.Equal(t, []string{"alice2"}, calls[0].Recipients)
	assert.Equal(t, "m-1", calls[0].MessageID)
	assert.Equal(t, domain.RoleHandler, calls[0].SenderRole)
	assert.Equal(t, "Please upload the deed", calls[0].Preview)
}

func TestMemberMessageNotifiesHandler(t *testing.T) {
	f := newNotifyFixture(t, onlineSet{}, 0)
	f.svc.HandleMessageCreated(context.Background(), messageEvent(t, domain.Message{ID: "m-2", SenderID: "bob", Content: "uploaded"}, domain.RoleMember))

	calls := f.sender.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"notary"}, calls[0].Recipients)
}

func TestNoNoticeWhenEveryoneIsOnline(t *testing.T) {
	f := newNotifyFixture(t, onlineSet{"notary": true}, 0)
	f.svc.HandleMessageCreated(context.Background(), messageEvent(t, domain.Message{ID: "m-3", SenderID: "alice", Content: "hi"}, domain.RoleMember))
	assert.Empty(t, f.sender.calls())
}

func TestSenderFailureIsSwallowed(t *testing.T) {
	f := newNotifyFixture(t, onlineSet{}, 0)
	f.sender.err = errors.New("smtp down")

	assert.NotPanics(t, func() {
		f.svc.HandleMessageCreated(context.Background(), messageEvent(t, domain.Message{ID: "m-4", SenderID: "alice", Content: "hi"}, domain.RoleMember))
	})
	assert.Len(t, f.sender.calls(), 1)
	assert.Equal(t, 1, f.logs.FilterMessage("send notification").Len())
}

func TestRecipientOnAnotherInstanceIsNotNotified(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	gatewayB := realtime.NewRedisPresence(client, "shared", time.Hour)
	_, err := gatewayB.Join(ctx, "tx-1", "alice")
	require.NoError(t, err)

	f := newNotifyFixture(t, realtime.NewRedisPresence(client, "shared", time.Hour), 0)
	f.svc.HandleMessageCreated(ctx, messageEvent(t, domain.Message{ID: "m-9", SenderID: "notary", Content: "Deed attached", AddresseePartyID: strPtr("p-owner")}, domain.RoleHandler))

	calls := f.sender.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"alice2"}, calls[0].Recipients)
}

func TestThrottleSuppressesRepeatNotices(t *testing.T) {
	f := newNotifyFixture(t, onlineSet{}, time.Hour)
	f.svc.HandleMessageCreated(context.Background(), messageEvent(t, domain.Message{ID: "m-5", SenderID: "alice", Content: "one"}, domain.RoleMember))
	f.svc.HandleMessageCreated(context.Background(), messageEvent(t, domain.Message{ID: "m-6", SenderID: "alice", Content: "two"}, domain.RoleMember))
	assert.Len(t, f.sender.calls(), 1)
}

func TestRegisterHandlersNeverFailsTheSend(t *testing.T) {
	d := events.NewInMemoryDispatcher()
	f := newNotifyFixture(t, onlineSet{}, 0)
	f.svc.dispatcher = d
	f.svc.RegisterHandlers(inline{})

	require.NoError(t, d.Publish(context.Background(), messageEvent(t, domain.Message{ID: "m-7", SenderID: "bob", Content: "hi"}, domain.RoleMember)))
	assert.Len(t, f.sender.calls(), 1)

	d2 := events.NewInMemoryDispatcher()
	f2 := newNotifyFixture(t, onlineSet{}, 0)
	f2.svc.dispatcher = d2
	f2.svc.RegisterHandlers(rejecting{})
	require.NoError(t, d2.Publish(context.Background(), messageEvent(t, domain.Message{ID: "m-8", SenderID: "bob", Content: "hi"}, domain.RoleMember)))
	assert.Empty(t, f2.sender.calls())
	assert.Equal(t, 1, f2.logs.FilterMessage("notification queue rejected event").Len())
}
