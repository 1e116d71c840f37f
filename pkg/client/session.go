package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/api/dto"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
)

// ErrSessionClosed is returned by calls made after Close.
var ErrSessionClosed = errors.New("session closed")

// Transport is the event channel a Session listens on. *Channel
// implements it.
type Transport interface {
	OnEvent(func(events.Event))
	OnState(func(ConnState))
	Start(ctx context.Context)
	Send(eventType events.EventType, payload any) error
	Close()
}

// SessionConfig configures one open conversation view.
type SessionConfig struct {
	TransactionID string
	// Viewer is the signed-in user; PartyID is set for members.
	Viewer access.Caller
	// PartyFilter selects one party thread in a handler's view.
	PartyFilter string
	// PartyRole and PartyMembers describe the filtered party for handlers,
	// or the viewer's own party for members.
	PartyRole    domain.RoleTag
	PartyMembers []string

	Backend Backend
	Channel Transport
	Logger  *zap.Logger
	Now     func() time.Time

	// Callbacks run in order on a goroutine of their own and may read the
	// session.
	OnChange func()
	OnError  func(error)
	OnResult func(tempID string, outcome Pending)
}

// Session owns the timelines, presence view and typing state of one open
// conversation. Every mutation runs on a single task goroutine. Results that
// land after Close are discarded.
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger
	now    func() time.Time

	messages *Timeline[domain.Message]
	requests *Timeline[domain.Request]
	typing   *TypingTracker
	online   map[string]struct{}
	state    ConnState
	// connected is set once the channel has been up, so later connects
	// count as reconnects.
	connected bool

	tasks     chan func()
	notices   *notifier
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession builds a session; call Open to load and subscribe.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		cfg:     cfg,
		logger:  logger.With(zap.String("transaction_id", cfg.TransactionID)),
		now:     now,
		typing:  NewTypingTracker(TypingExpiry),
		online:  make(map[string]struct{}),
		state:   StateConnecting,
		tasks:   make(chan func(), 64),
		notices: newNotifier(),
		done:    make(chan struct{}),
	}

	msgPred := s.messagePredicate()
	s.messages = NewTimeline(Accessors[domain.Message]{
		ID:        func(m domain.Message) string { return m.ID },
		CreatedAt: func(m domain.Message) time.Time { return m.CreatedAt },
		Visible:   msgPred.Matches,
	})
	reqPred := s.requestPredicate()
	s.requests = NewTimeline(Accessors[domain.Request]{
		ID:        func(r domain.Request) string { return r.ID },
		CreatedAt: func(r domain.Request) time.Time { return r.CreatedAt },
		Visible:   reqPred.Matches,
	})
	return s
}

// Open starts the task loop, subscribes to the channel and loads both lists.
func (s *Session) Open(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.loop()
	go s.notices.run(s.ctx)

	if s.cfg.Channel != nil {
		s.cfg.Channel.OnEvent(func(ev events.Event) {
			s.post(func() { s.handleEvent(ev) })
		})
		s.cfg.Channel.OnState(func(state ConnState) {
			s.post(func() { s.handleState(state) })
		})
		s.cfg.Channel.Start(s.ctx)
	}
	return s.Refresh(s.ctx)
}

// Close unsubscribes and stops the task loop. In-flight results are dropped.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			close(s.done)
			return
		}
		s.cancel()
		if s.cfg.Channel != nil {
			s.cfg.Channel.Close()
		}
		<-s.done
	})
}

// Refresh re-fetches both lists and merges them into the timelines.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.refreshMessages(ctx); err != nil {
		return err
	}
	return s.refreshRequests(ctx)
}

func (s *Session) refreshMessages(ctx context.Context) error {
	var mark Mark
	if !s.query(func() { mark = s.messages.Mark() }) {
		return ErrSessionClosed
	}
	msgs, err := s.cfg.Backend.ListMessages(ctx, s.cfg.TransactionID, s.cfg.PartyFilter)
	if !s.post(func() {
		if err != nil {
			s.messages.Release(mark)
			return
		}
		s.messages.Apply(Action[domain.Message]{Kind: ActionReplaced, Items: msgs, Since: mark})
		s.changed()
	}) {
		return ErrSessionClosed
	}
	return err
}

func (s *Session) refreshRequests(ctx context.Context) error {
	var mark Mark
	if !s.query(func() { mark = s.requests.Mark() }) {
		return ErrSessionClosed
	}
	reqs, err := s.cfg.Backend.ListRequests(ctx, s.cfg.TransactionID, s.cfg.PartyFilter)
	if !s.post(func() {
		if err != nil {
			s.requests.Release(mark)
			return
		}
		s.requests.Apply(Action[domain.Request]{Kind: ActionReplaced, Items: reqs, Since: mark})
		s.changed()
	}) {
		return ErrSessionClosed
	}
	return err
}

// SendMessage splices a provisional message and sends it in the background.
// The returned temp id identifies the outcome reported to OnResult.
func (s *Session) SendMessage(content string, documentRef, addresseePartyID *string) string {
	if addresseePartyID == nil && s.cfg.Viewer.IsHandler() && s.cfg.PartyFilter != "" {
		party := s.cfg.PartyFilter
		addresseePartyID = &party
	}
	tempID := NewTempID()
	provisional := domain.Message{
		ID:               tempID,
		TransactionID:    s.cfg.TransactionID,
		SenderID:         s.cfg.Viewer.UserID,
		Content:          content,
		DocumentRef:      documentRef,
		AddresseePartyID: addresseePartyID,
		CreatedAt:        s.now(),
	}
	if !s.post(func() {
		s.messages.Apply(Action[domain.Message]{Kind: ActionProvisional, TempID: tempID, Item: provisional})
		s.changed()
	}) {
		return tempID
	}

	req := dto.SendMessageRequest{Content: content, DocumentRef: documentRef, AddresseePartyID: addresseePartyID}
	go func() {
		msg, err := s.cfg.Backend.SendMessage(s.ctx, s.cfg.TransactionID, req)
		s.post(func() {
			if err != nil {
				s.messages.Apply(Action[domain.Message]{Kind: ActionFailed, TempID: tempID})
				s.result(tempID, Failed{Err: err})
				s.fail(err)
			} else {
				s.messages.Apply(Action[domain.Message]{Kind: ActionConfirmed, TempID: tempID, Item: msg})
				s.result(tempID, Sent{RealID: msg.ID})
			}
			s.changed()
		})
	}()
	return tempID
}

// DeleteMessage deletes one of the viewer's messages.
func (s *Session) DeleteMessage(messageID string) {
	go func() {
		err := s.cfg.Backend.DeleteMessage(s.ctx, s.cfg.TransactionID, messageID)
		s.post(func() {
			if err != nil {
				s.fail(err)
				return
			}
			s.messages.Apply(Action[domain.Message]{Kind: ActionDeleted, ID: messageID})
			s.changed()
		})
	}()
}

// CreateRequest splices a provisional request and creates it in the
// background.
func (s *Session) CreateRequest(input dto.CreateRequestRequest) string {
	tempID := NewTempID()
	now := s.now()
	provisional := domain.Request{
		ID:             tempID,
		TransactionID:  s.cfg.TransactionID,
		CreatedBy:      s.cfg.Viewer.UserID,
		Title:          input.Title,
		Body:           input.Body,
		TargetRoles:    input.TargetRoles,
		TargetPartyIDs: input.TargetPartyIDs,
		Status:         domain.RequestStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !s.post(func() {
		s.requests.Apply(Action[domain.Request]{Kind: ActionProvisional, TempID: tempID, Item: provisional})
		s.changed()
	}) {
		return tempID
	}

	go func() {
		created, err := s.cfg.Backend.CreateRequest(s.ctx, s.cfg.TransactionID, input)
		s.post(func() {
			if err != nil {
				s.requests.Apply(Action[domain.Request]{Kind: ActionFailed, TempID: tempID})
				s.result(tempID, Failed{Err: err})
				s.fail(err)
			} else {
				s.requests.Apply(Action[domain.Request]{Kind: ActionConfirmed, TempID: tempID, Item: created})
				s.result(tempID, Sent{RealID: created.ID})
			}
			s.changed()
		})
	}()
	return tempID
}

// UpdateRequestStatus moves a request and applies the server's record.
func (s *Session) UpdateRequestStatus(requestID string, status domain.RequestStatus) {
	go func() {
		updated, err := s.cfg.Backend.UpdateRequestStatus(s.ctx, s.cfg.TransactionID, requestID, status)
		s.post(func() {
			if err != nil {
				s.fail(err)
				return
			}
			s.requests.Apply(Action[domain.Request]{Kind: ActionPatched, Item: updated})
			s.changed()
		})
	}()
}

// SetTyping signals the viewer's typing state in the current thread.
func (s *Session) SetTyping(isTyping bool) error {
	if s.cfg.Channel == nil {
		return ErrNotConnected
	}
	return s.cfg.Channel.Send(events.EventTyping, events.TypingPayload{IsTyping: isTyping, PartyID: s.cfg.PartyFilter})
}

// Messages returns the ordered message view.
func (s *Session) Messages() []Entry[domain.Message] {
	var out []Entry[domain.Message]
	s.query(func() { out = s.messages.Entries() })
	return out
}

// Requests returns the ordered request view.
func (s *Session) Requests() []Entry[domain.Request] {
	var out []Entry[domain.Request]
	s.query(func() { out = s.requests.Entries() })
	return out
}

// Typing lists users currently typing in this view.
func (s *Session) Typing() []string {
	var out []string
	s.query(func() { out = s.typing.Active(s.now(), s.cfg.PartyFilter) })
	return out
}

// Online lists users with at least one live connection.
func (s *Session) Online() []string {
	var out []string
	s.query(func() {
		for id := range s.online {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// State is the last channel state observed.
func (s *Session) State() ConnState {
	state := StateClosed
	s.query(func() { state = s.state })
	return state
}

func (s *Session) handleEvent(ev events.Event) {
	if ev.TransactionID != s.cfg.TransactionID {
		return
	}
	switch ev.Type {
	case events.EventMessageCreated:
		var p events.MessageCreatedPayload
		if !s.decode(ev, &p) {
			return
		}
		msg := p.Message.ToDomain()
		s.messages.Apply(Action[domain.Message]{Kind: ActionCreated, Item: msg})
		s.typing.Clear(msg.SenderID)
	case events.EventMessageDeleted:
		var p events.MessageDeletedPayload
		if !s.decode(ev, &p) {
			return
		}
		s.messages.Apply(Action[domain.Message]{Kind: ActionDeleted, ID: p.MessageID})
	case events.EventRequestCreated:
		var p events.RequestCreatedPayload
		if !s.decode(ev, &p) {
			return
		}
		s.requests.Apply(Action[domain.Request]{Kind: ActionCreated, Item: p.Request.ToDomain()})
	case events.EventRequestUpdated:
		var p events.RequestUpdatedPayload
		if ev.HasPayload() && s.decode(ev, &p) && p.Request != nil {
			s.requests.Apply(Action[domain.Request]{Kind: ActionPatched, Item: p.Request.ToDomain()})
			break
		}
		go func() {
			if err := s.refreshRequests(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) && s.ctx.Err() == nil {
				s.post(func() { s.fail(err) })
			}
		}()
		return
	case events.EventRequestDeleted:
		var p events.RequestDeletedPayload
		if !s.decode(ev, &p) {
			return
		}
		s.requests.Apply(Action[domain.Request]{Kind: ActionDeleted, ID: p.RequestID})
	case events.EventMemberJoined, events.EventMemberLeft:
		var p events.MemberPayload
		if !s.decode(ev, &p) || p.ID == "" {
			return
		}
		if ev.Type == events.EventMemberJoined {
			s.online[p.ID] = struct{}{}
		} else {
			delete(s.online, p.ID)
			s.typing.Clear(p.ID)
		}
	case events.EventTyping:
		var p events.TypingPayload
		if !s.decode(ev, &p) || p.UserID == s.cfg.Viewer.UserID {
			return
		}
		s.typing.Observe(p, s.now())
	default:
		return
	}
	s.changed()
}

func (s *Session) handleState(state ConnState) {
	s.state = state
	if state == StateConnected {
		if s.connected {
			go func() {
				if err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) && s.ctx.Err() == nil {
					s.post(func() { s.fail(err) })
				}
			}()
		}
		s.connected = true
	}
	s.changed()
}

func (s *Session) decode(ev events.Event, v any) bool {
	if err := ev.Decode(v); err != nil {
		s.logger.Debug("dropping undecodable event", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) messagePredicate() access.MessagePredicate {
	viewer := s.cfg.Viewer
	pred := access.MessagePredicate{TransactionID: s.cfg.TransactionID}
	switch {
	case viewer.IsHandler() && s.cfg.PartyFilter == "":
		pred.All = true
	case viewer.IsHandler():
		pred.AddresseePartyID = s.cfg.PartyFilter
		pred.SenderIDs = append([]string(nil), s.cfg.PartyMembers...)
		pred.UnaddressedOnly = true
	default:
		pred.AddresseePartyID = viewer.PartyID
		pred.SenderIDs = []string{viewer.UserID}
	}
	return pred
}

func (s *Session) requestPredicate() access.RequestPredicate {
	viewer := s.cfg.Viewer
	pred := access.RequestPredicate{TransactionID: s.cfg.TransactionID, Role: s.cfg.PartyRole}
	switch {
	case viewer.IsHandler() && s.cfg.PartyFilter == "":
		pred.All = true
	case viewer.IsHandler():
		pred.PartyID = s.cfg.PartyFilter
	default:
		pred.PartyID = viewer.PartyID
	}
	return pred
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.tasks:
			if s.ctx.Err() != nil {
				return
			}
			task()
		}
	}
}

// post queues fn on the task goroutine. It reports false once the session
// is closed.
func (s *Session) post(fn func()) bool {
	if s.ctx == nil {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	case s.tasks <- fn:
		return true
	}
}

// query runs fn on the task goroutine and waits for it. It reports false
// when the session closed first.
func (s *Session) query(fn func()) bool {
	finished := make(chan struct{})
	if !s.post(func() {
		fn()
		close(finished)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil {
		s.notices.push(s.cfg.OnChange)
	}
}

func (s *Session) fail(err error) {
	s.logger.Debug("session action failed", zap.Error(err))
	if s.cfg.OnError != nil {
		s.notices.push(func() { s.cfg.OnError(err) })
	}
}

func (s *Session) result(tempID string, outcome Pending) {
	if s.cfg.OnResult != nil {
		s.notices.push(func() { s.cfg.OnResult(tempID, outcome) })
	}
}

// notifier runs callbacks in FIFO order off the task goroutine. Its queue is
// unbounded so the task loop never waits on a slow callback.
type notifier struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newNotifier() *notifier {
	return &notifier{wake: make(chan struct{}, 1)}
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) pop() (func(), bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return nil, false
	}
	fn := n.queue[0]
	n.queue[0] = nil
	n.queue = n.queue[1:]
	return fn, true
}

func (n *notifier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}
		for {
			fn, ok := n.pop()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}
