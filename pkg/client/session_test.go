package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/api/dto"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

const waitFor = 2 * time.Second

type fakeBackend struct {
	mu           sync.Mutex
	messages     []domain.Message
	requests     []domain.Request
	listMsgCalls int
	listReqCalls int
	// listGate, when set, holds every message list after the first until
	// closed; the held call answers with what was stored when it started.
	listGate chan struct{}
	sendGate chan struct{}
	sendErr      error
	nextID       string
}

func (b *fakeBackend) ListMessages(ctx context.Context, _, _ string) ([]domain.Message, error) {
	b.mu.Lock()
	b.listMsgCalls++
	snapshot := append([]domain.Message(nil), b.messages...)
	gate := b.listGate
	if b.listMsgCalls == 1 {
		gate = nil
	}
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return snapshot, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, txID string, req dto.SendMessageRequest) (domain.Message, error) {
	if b.sendGate != nil {
		select {
		case <-b.sendGate:
		case <-ctx.Done():
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return domain.Message{}, b.sendErr
	}
	return domain.Message{ID: b.nextID, TransactionID: txID, SenderID: "notary", Content: req.Content, AddresseePartyID: req.AddresseePartyID, CreatedAt: base.Add(time.Minute)}, nil
}

func (b *fakeBackend) DeleteMessage(context.Context, string, string) error { return nil }

func (b *fakeBackend) ListRequests(context.Context, string, string) ([]domain.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listReqCalls++
	return append([]domain.Request(nil), b.requests...), nil
}

func (b *fakeBackend) CreateRequest(_ context.Context, txID string, req dto.CreateRequestRequest) (domain.Request, error) {
	return domain.Request{ID: "r-1", TransactionID: txID, Title: req.Title, TargetPartyIDs: req.TargetPartyIDs, Status: domain.RequestStatusPending, CreatedAt: base}, nil
}

func (b *fakeBackend) UpdateRequestStatus(_ context.Context, txID, id string, status domain.RequestStatus) (domain.Request, error) {
	return domain.Request{ID: id, TransactionID: txID, TargetPartyIDs: []string{"p-owner"}, Status: status, CreatedAt: base}, nil
}

func (b *fakeBackend) calls() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listMsgCalls, b.listReqCalls
}

type fakeTransport struct {
	mu     sync.Mutex
	onEv   []func(events.Event)
	onSt   []func(ConnState)
	frames []events.TypingPayload
	closed bool
}

func (f *fakeTransport) OnEvent(h func(events.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEv = append(f.onEv, h)
}

func (f *fakeTransport) OnState(h func(ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSt = append(f.onSt, h)
}

func (f *fakeTransport) Start(context.Context) {}

func (f *fakeTransport) Send(_ events.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload.(events.TypingPayload))
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) emit(t *testing.T, eventType events.EventType, payload any) {
	t.Helper()
	ev, err := events.NewEvent(eventType, "tx-1", events.Actor{}, payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]func(events.Event){}, f.onEv...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeTransport) state(s ConnState) {
	f.mu.Lock()
	handlers := append([]func(ConnState){}, f.onSt...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

type outcomes struct {
	mu     sync.Mutex
	byTemp map[string]Pending
	errs   []error
}

func (o *outcomes) result(tempID string, p Pending) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byTemp[tempID] = p
}

func (o *outcomes) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *outcomes) get(tempID string) Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byTemp[tempID]
}

func (o *outcomes) errCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.errs)
}

type sessionFixture struct {
	session   *Session
	backend   *fakeBackend
	transport *fakeTransport
	outcomes  *outcomes
}

func newSessionFixture(t *testing.T, viewer access.Caller, partyFilter string, backend *fakeBackend) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		backend:   backend,
		transport: &fakeTransport{},
		outcomes:  &outcomes{byTemp: map[string]Pending{}},
	}
	f.session = NewSession(SessionConfig{
		TransactionID: "tx-1",
		Viewer:        viewer,
		PartyFilter:   partyFilter,
		PartyRole:     domain.RoleTagOwner,
		PartyMembers:  []string{"alice"},
		Backend:       backend,
		Channel:       f.transport,
		Now:           func() time.Time { return base },
		OnError:       f.outcomes.fail,
		OnResult:      f.outcomes.result,
	})
	require.NoError(t, f.session.Open(context.Background()))
	t.Cleanup(f.session.Close)
	return f
}

var (
	notaryView = access.Caller{UserID: "notary", Role: domain.RoleHandler}
	aliceView  = access.Caller{UserID: "alice", Role: domain.RoleMember, PartyID: "p-owner"}
)

func strPtr(s string) *string { return &s }

func messageIDs(entries []Entry[domain.Message]) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Item.ID)
	}
	return out
}

func TestSessionLoadsOnlyTheSelectedThread(t *testing.T) {
	backend := &fakeBackend{messages: []domain.Message{
		{ID: "m-1", TransactionID: "tx-1", SenderID: "notary", AddresseePartyID: strPtr("p-owner"), CreatedAt: base},
		{ID: "m-2", TransactionID: "tx-1", SenderID: "bob", CreatedAt: base.Add(time.Second)},
		{ID: "m-3", TransactionID: "tx-1", SenderID: "alice", CreatedAt: base.Add(2 * time.Second)},
	}}
	f := newSessionFixture(t, notaryView, "p-owner", backend)

	assert.Equal(t, []string{"m-1", "m-3"}, messageIDs(f.session.Messages()))
}

func TestSessionSendReconcilesWithCreatedEvent(t *testing.T) {
	backend := &fakeBackend{nextID: "m-9"}
	f := newSessionFixture(t, notaryView, "p-owner", backend)

	tempID := f.session.SendMessage("please sign", nil, nil)
	assert.True(t, IsTempID(tempID))

	require.Eventually(t, func() bool { return f.outcomes.get(tempID) == Sent{RealID: "m-9"} }, waitFor, 5*time.Millisecond)
	entries := f.session.Messages()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Confirmed())
	require.NotNil(t, entries[0].Item.AddresseePartyID)
	assert.Equal(t, "p-owner", *entries[0].Item.AddresseePartyID)

	f.transport.emit(t, events.EventMessageCreated, events.MessageCreatedPayload{Message: events.MessagePayload{
		ID: "m-9", TransactionID: "tx-1", SenderID: "notary", Content: "please sign", AddresseePartyID: strPtr("p-owner"), CreatedAt: base.Add(time.Minute),
	}})
	require.Eventually(t, func() bool {
		entries := f.session.Messages()
		return len(entries) == 1 && entries[0].Pending == nil
	}, waitFor, 5*time.Millisecond)
}

func TestSessionKeepsEventThatBeatsTheResponse(t *testing.T) {
	backend := &fakeBackend{nextID: "m-9", sendGate: make(chan struct{})}
	f := newSessionFixture(t, notaryView, "p-owner", backend)

	tempID := f.session.SendMessage("hello", nil, nil)
	f.transport.emit(t, events.EventMessageCreated, events.MessageCreatedPayload{Message: events.MessagePayload{
		ID: "m-9", TransactionID: "tx-1", SenderID: "notary", Content: "hello", AddresseePartyID: strPtr("p-owner"), CreatedAt: base.Add(time.Minute),
	}})
	require.Eventually(t, func() bool { return len(f.session.Messages()) == 2 }, waitFor, 5*time.Millisecond)

	close(backend.sendGate)
	require.Eventually(t, func() bool { return f.outcomes.get(tempID) != nil }, waitFor, 5*time.Millisecond)

	entries := f.session.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, "m-9", entries[0].Item.ID)
	assert.Nil(t, entries[0].Pending)
}

func TestSessionSendFailureSurfacesError(t *testing.T) {
	backend := &fakeBackend{sendErr: &APIError{Status: 422, Code: apperrors.CodeTargetRequired}}
	f := newSessionFixture(t, notaryView, "", backend)

	tempID := f.session.SendMessage("to nobody", nil, nil)

	require.Eventually(t, func() bool { return f.outcomes.get(tempID) != nil }, waitFor, 5*time.Millisecond)
	failed, ok := f.outcomes.get(tempID).(Failed)
	require.True(t, ok)
	assert.True(t, HasCode(failed.Err, apperrors.CodeTargetRequired))
	require.Eventually(t, func() bool { return f.outcomes.errCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, f.session.Messages())
}

func TestSessionIDOnlyUpdateRefetchesRequests(t *testing.T) {
	backend := &fakeBackend{}
	f := newSessionFixture(t, aliceView, "", backend)
	_, before := backend.calls()

	backend.mu.Lock()
	backend.requests = []domain.Request{{ID: "r-1", TransactionID: "tx-1", TargetRoles: []domain.RoleTag{domain.RoleTagOwner}, Status: domain.RequestStatusCompleted, CreatedAt: base}}
	backend.mu.Unlock()
	f.transport.emit(t, events.EventRequestUpdated, events.RequestUpdatedPayload{})

	require.Eventually(t, func() bool { return len(f.session.Requests()) == 1 }, waitFor, 5*time.Millisecond)
	_, after := backend.calls()
	assert.Equal(t, before+1, after)
	assert.Equal(t, domain.RequestStatusCompleted, f.session.Requests()[0].Item.Status)
}

func TestSessionAppliesRequestEvents(t *testing.T) {
	f := newSessionFixture(t, aliceView, "", &fakeBackend{})

	f.transport.emit(t, events.EventRequestCreated, events.RequestCreatedPayload{Request: events.RequestPayload{
		ID: "r-1", TransactionID: "tx-1", TargetPartyIDs: []string{"p-owner"}, Status: domain.RequestStatusPending, CreatedAt: base,
	}})
	f.transport.emit(t, events.EventRequestCreated, events.RequestCreatedPayload{Request: events.RequestPayload{
		ID: "r-2", TransactionID: "tx-1", TargetPartyIDs: []string{"p-tenant"}, Status: domain.RequestStatusPending, CreatedAt: base,
	}})
	require.Eventually(t, func() bool { return len(f.session.Requests()) == 1 }, waitFor, 5*time.Millisecond)

	f.transport.emit(t, events.EventRequestDeleted, events.RequestDeletedPayload{RequestID: "r-1"})
	require.Eventually(t, func() bool { return len(f.session.Requests()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestSessionRefreshesAfterReconnect(t *testing.T) {
	backend := &fakeBackend{}
	f := newSessionFixture(t, notaryView, "", backend)

	f.transport.state(StateConnected)
	require.Eventually(t, func() bool { return f.session.State() == StateConnected }, waitFor, 5*time.Millisecond)
	msgCalls, _ := backend.calls()
	assert.Equal(t, 1, msgCalls)

	backend.mu.Lock()
	backend.messages = []domain.Message{{ID: "m-missed", TransactionID: "tx-1", SenderID: "bob", CreatedAt: base}}
	backend.mu.Unlock()

	f.transport.state(StateReconnecting)
	f.transport.state(StateConnected)

	require.Eventually(t, func() bool { return len(f.session.Messages()) == 1 }, waitFor, 5*time.Millisecond)
	msgCalls, _ = backend.calls()
	assert.Equal(t, 2, msgCalls)
}

func TestSessionRefetchKeepsEventsThatArriveMeanwhile(t *testing.T) {
	backend := &fakeBackend{
		listGate: make(chan struct{}),
		messages: []domain.Message{{ID: "m-old", TransactionID: "tx-1", SenderID: "bob", CreatedAt: base}},
	}
	f := newSessionFixture(t, notaryView, "", backend)
	require.Equal(t, []string{"m-old"}, messageIDs(f.session.Messages()))

	f.transport.state(StateConnected)
	f.transport.state(StateReconnecting)
	f.transport.state(StateConnected)
	require.Eventually(t, func() bool { msgCalls, _ := backend.calls(); return msgCalls == 2 }, waitFor, 5*time.Millisecond)

	// the refetch is held while the channel delivers newer changes
	f.transport.emit(t, events.EventMessageCreated, events.MessageCreatedPayload{Message: events.MessagePayload{
		ID: "m-new", TransactionID: "tx-1", SenderID: "bob", CreatedAt: base.Add(time.Second),
	}})
	f.transport.emit(t, events.EventMessageDeleted, events.MessageDeletedPayload{MessageID: "m-old"})
	require.Eventually(t, func() bool {
		ids := messageIDs(f.session.Messages())
		return len(ids) == 1 && ids[0] == "m-new"
	}, waitFor, 5*time.Millisecond)

	close(backend.listGate)
	require.Eventually(t, func() bool { _, reqCalls := backend.calls(); return reqCalls == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"m-new"}, messageIDs(f.session.Messages()))
}

func TestSessionCallbacksMayReadTheSession(t *testing.T) {
	transport := &fakeTransport{}
	counts := make(chan int, 64)
	var s *Session
	s = NewSession(SessionConfig{
		TransactionID: "tx-1",
		Viewer:        notaryView,
		Backend:       &fakeBackend{},
		Channel:       transport,
		Now:           func() time.Time { return base },
		OnChange: func() {
			select {
			case counts <- len(s.Messages()):
			default:
			}
		},
	})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)

	transport.emit(t, events.EventMessageCreated, events.MessageCreatedPayload{Message: events.MessagePayload{
		ID: "m-1", TransactionID: "tx-1", SenderID: "bob", CreatedAt: base,
	}})

	require.Eventually(t, func() bool {
		for {
			select {
			case n := <-counts:
				if n == 1 {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, s.State())
}

func TestSessionPresenceAndTyping(t *testing.T) {
	f := newSessionFixture(t, notaryView, "p-owner", &fakeBackend{})

	f.transport.emit(t, events.EventMemberJoined, events.MemberPayload{ID: "alice"})
	f.transport.emit(t, events.EventMemberJoined, events.MemberPayload{ID: "bob"})
	f.transport.emit(t, events.EventMemberLeft, events.MemberPayload{ID: "bob"})
	f.transport.emit(t, events.EventTyping, events.TypingPayload{UserID: "alice", IsTyping: true, PartyID: "p-owner"})
	f.transport.emit(t, events.EventTyping, events.TypingPayload{UserID: "carol", IsTyping: true, PartyID: "p-tenant"})

	require.Eventually(t, func() bool { return len(f.session.Typing()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"alice"}, f.session.Online())
	assert.Equal(t, []string{"alice"}, f.session.Typing())

	f.transport.emit(t, events.EventMessageCreated, events.MessageCreatedPayload{Message: events.MessagePayload{
		ID: "m-1", TransactionID: "tx-1", SenderID: "alice", CreatedAt: base,
	}})
	require.Eventually(t, func() bool { return len(f.session.Typing()) == 0 }, waitFor, 5*time.Millisecond)

	require.NoError(t, f.session.SetTyping(true))
	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	require.Len(t, f.transport.frames, 1)
	assert.Equal(t, events.TypingPayload{IsTyping: true, PartyID: "p-owner"}, f.transport.frames[0])
}

func TestSessionCloseDiscardsLateResults(t *testing.T) {
	backend := &fakeBackend{nextID: "m-1", sendGate: make(chan struct{})}
	f := newSessionFixture(t, notaryView, "p-owner", backend)

	tempID := f.session.SendMessage("late", nil, nil)
	require.Eventually(t, func() bool { return len(f.session.Messages()) == 1 }, waitFor, 5*time.Millisecond)

	f.session.Close()
	close(backend.sendGate)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, f.outcomes.get(tempID))
	assert.Empty(t, f.session.Messages())
	assert.Equal(t, StateClosed, f.session.State())
	f.transport.mu.Lock()
	assert.True(t, f.transport.closed)
	f.transport.mu.Unlock()
}

func TestSessionRequestLifecycle(t *testing.T) {
	f := newSessionFixture(t, notaryView, "", &fakeBackend{})

	tempID := f.session.CreateRequest(dto.CreateRequestRequest{Title: "deed", TargetPartyIDs: []string{"p-owner"}})
	require.Eventually(t, func() bool { return f.outcomes.get(tempID) == Sent{RealID: "r-1"} }, waitFor, 5*time.Millisecond)

	f.session.UpdateRequestStatus("r-1", domain.RequestStatusCompleted)
	require.Eventually(t, func() bool {
		reqs := f.session.Requests()
		return len(reqs) == 1 && reqs[0].Item.Status == domain.RequestStatusCompleted
	}, waitFor, 5*time.Millisecond)
}
