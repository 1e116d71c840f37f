package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
	"github.com/spec-kit/dealroom-service/internal/repository"
)

var (
	notary = auth.Principal{UserID: "notary", Role: domain.RoleHandler}
	alice  = auth.Principal{UserID: "alice", Role: domain.RoleMember}
	alice2 = auth.Principal{UserID: "alice2", Role: domain.RoleMember}
	bob    = auth.Principal{UserID: "bob", Role: domain.RoleMember}
)

func dealTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-1",
		HandlerID: "notary",
		Parties: []domain.Party{
			{ID: "p-owner", TransactionID: "tx-1", Role: domain.RoleTagOwner, MemberIDs: []string{"alice", "alice2"}},
			{ID: "p-tenant", TransactionID: "tx-1", Role: domain.RoleTagTenant, MemberIDs: []string{"bob"}},
		},
	}
}

type fakeDirectory struct {
	tx *domain.Transaction
}

func (f fakeDirectory) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	if f.tx == nil || f.tx.ID != id {
		return nil, pgx.ErrNoRows
	}
	return f.tx, nil
}

func (f fakeDirectory) IsMember(_ context.Context, _, userID string) (bool, error) {
	_, ok := f.tx.PartyOf(userID)
	return ok, nil
}

func newResolver() *access.Resolver {
	return access.NewResolver(fakeDirectory{tx: dealTransaction()})
}

// clock hands out strictly increasing timestamps.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		c.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	}
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeMessageRepo struct {
	mu    sync.Mutex
	clock clock
	seq   int
	items map[string]domain.Message
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{items: make(map[string]domain.Message)}
}

func (r *fakeMessageRepo) Create(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	msg.ID = fmt.Sprintf("m-%d", r.seq)
	msg.CreatedAt = r.clock.tick()
	r.items[msg.ID] = *msg
	return nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.items[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &msg, nil
}

func (r *fakeMessageRepo) List(_ context.Context, pred access.MessagePredicate, _ repository.ListOptions) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, msg := range r.items {
		if pred.Matches(msg) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeMessageRepo) DeleteIfOwner(_ context.Context, id, senderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.items[id]
	if !ok || msg.SenderID != senderID {
		return false, nil
	}
	delete(r.items, id)
	return true, nil
}

type fakeRequestRepo struct {
	mu    sync.Mutex
	clock clock
	seq   int
	items map[string]domain.Request
	// beforeAdd runs inside AddDocument ahead of the status guard.
	beforeAdd func(stored *domain.Request)
}

func newFakeRequestRepo() *fakeRequestRepo {
	return &fakeRequestRepo{items: make(map[string]domain.Request)}
}

func (r *fakeRequestRepo) Create(_ context.Context, req *domain.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	req.ID = fmt.Sprintf("r-%d", r.seq)
	req.CreatedAt = r.clock.tick()
	req.UpdatedAt = req.CreatedAt
	r.items[req.ID] = *req
	return nil
}

func (r *fakeRequestRepo) GetByID(_ context.Context, id string) (*domain.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.items[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	req.Documents = append([]domain.ResponseDocument(nil), req.Documents...)
	return &req, nil
}

func (r *fakeRequestRepo) List(_ context.Context, pred access.RequestPredicate, _ repository.ListOptions) ([]domain.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Request
	for _, req := range r.items {
		if pred.Matches(req) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRequestRepo) UpdateStatus(_ context.Context, req *domain.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[req.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	stored.Status = req.Status
	stored.UpdatedAt = r.clock.tick()
	req.UpdatedAt = stored.UpdatedAt
	r.items[req.ID] = stored
	return nil
}

func (r *fakeRequestRepo) AddDocument(_ context.Context, req *domain.Request, doc *domain.ResponseDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[req.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	if r.beforeAdd != nil {
		r.beforeAdd(&stored)
		r.items[req.ID] = stored
	}
	if stored.Status == domain.RequestStatusCancelled {
		return repository.ErrRequestCancelled
	}
	doc.ID = fmt.Sprintf("d-%d", len(stored.Documents)+1)
	doc.CreatedAt = r.clock.tick()
	stored.Documents = append(stored.Documents, *doc)
	stored.Status = req.Status
	stored.UpdatedAt = doc.CreatedAt
	req.UpdatedAt = doc.CreatedAt
	r.items[req.ID] = stored
	return nil
}

func (r *fakeRequestRepo) Delete(_ context.Context, id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	delete(r.items, id)
	refs := make([]string, 0, len(stored.Documents))
	for _, d := range stored.Documents {
		refs = append(refs, d.DocumentRef)
	}
	return refs, nil
}

// recorder captures every event raised through a dispatcher.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	fail   error
}

func newRecorder() (*recorder, events.Dispatcher) {
	rec := &recorder{}
	d := events.NewInMemoryDispatcher()
	for _, t := range events.LifecycleTypes {
		d.Subscribe(t, func(_ context.Context, ev events.Event) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.events = append(rec.events, ev)
			return rec.fail
		})
	}
	return rec, d
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func strPtr(s string) *string { return &s }
