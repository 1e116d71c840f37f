package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/config"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
	"github.com/spec-kit/dealroom-service/internal/observability"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

// Authenticator turns the token a client presents into a principal.
type Authenticator interface {
	Authenticate(token string) (*auth.Principal, error)
}

// CallerResolver authorizes a principal against a transaction.
type CallerResolver interface {
	Resolve(ctx context.Context, userID string, role domain.UserRole, transactionID string) (access.Caller, *domain.Transaction, error)
}

// HubDependencies bundles the collaborators of the gateway.
type HubDependencies struct {
	Broker   Broker
	Presence PresencePort
	Auth     Authenticator
	Resolver CallerResolver
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Hub is the websocket gateway. It keeps one room per transaction with at
// least one local connection; each room holds one broker subscription.
type Hub struct {
	broker   Broker
	presence PresencePort
	auth     Authenticator
	resolver CallerResolver
	logger   *zap.Logger
	metrics  *observability.Metrics
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type room struct {
	transactionID string
	conns         map[*connection]struct{}
	cancel        context.CancelFunc
}

// NewHub builds the gateway.
func NewHub(cfg config.RealtimeConfig, deps HubDependencies) *Hub {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		broker:   deps.Broker,
		presence: deps.Presence,
		auth:     deps.Auth,
		resolver: deps.Resolver,
		logger:   logger.Named("realtime"),
		metrics:  deps.Metrics,
		cfg:      cfg,
		rooms:    make(map[string]*room),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Handler exposes the gateway routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/transactions/{txID}", h.ServeWS)
	return mux
}

// ServeWS authenticates, authorizes and upgrades one connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	transactionID := r.PathValue("txID")
	principal, err := h.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	caller, tx, err := h.resolver.Resolve(r.Context(), principal.UserID, principal.Role, transactionID)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := access.VisibleMessages(caller, tx, "")
	if err != nil {
		writeError(w, err)
		return
	}
	requests, err := access.VisibleRequests(caller, tx, "")
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(h, ws, transactionID, viewer{caller: caller, messages: messages, requests: requests})
	h.register(c)
	go c.writeLoop()
	go c.readLoop()
}

// Shutdown closes every connection and stops the room subscriptions.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	rm, ok := h.rooms[c.transactionID]
	if !ok {
		ctx, cancel := context.WithCancel(h.ctx)
		rm = &room{transactionID: c.transactionID, conns: make(map[*connection]struct{}), cancel: cancel}
		h.rooms[c.transactionID] = rm
		h.wg.Add(1)
		go h.pump(ctx, rm)
	}
	rm.conns[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	userID := c.view.caller.UserID

	ctx, cancel := h.presenceContext()
	defer cancel()
	h.greet(ctx, c)

	first, err := h.presence.Join(ctx, c.transactionID, userID)
	if err != nil {
		c.logger.Warn("presence join failed", zap.Error(err))
	}
	if first {
		h.publishMember(events.EventMemberJoined, c)
	}
	c.logger.Info("websocket connected")
}

func (h *Hub) unregister(c *connection) {
	c.close()

	h.mu.Lock()
	rm, ok := h.rooms[c.transactionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := rm.conns[c]; !member {
		h.mu.Unlock()
		return
	}
	delete(rm.conns, c)
	if len(rm.conns) == 0 {
		rm.cancel()
		delete(h.rooms, c.transactionID)
	}
	h.mu.Unlock()

	h.metrics.ConnectionClosed()
	ctx, cancel := h.presenceContext()
	defer cancel()
	last, err := h.presence.Leave(ctx, c.transactionID, c.view.caller.UserID)
	if err != nil {
		c.logger.Warn("presence leave failed", zap.Error(err))
	}
	if last {
		h.publishMember(events.EventMemberLeft, c)
	}
	c.logger.Info("websocket disconnected")
}

// greet tells a newcomer who is already in the transaction and who is
// typing where the newcomer can see it.
func (h *Hub) greet(ctx context.Context, c *connection) {
	online, err := h.presence.Online(ctx, c.transactionID)
	if err != nil {
		c.logger.Warn("presence snapshot failed", zap.Error(err))
		return
	}
	for _, other := range online {
		if other == c.view.caller.UserID {
			continue
		}
		actor := events.Actor{UserID: other}
		if ev, err := events.NewEvent(events.EventMemberJoined, c.transactionID, actor, events.MemberPayload{ID: other}); err == nil {
			c.send(ev)
		}
		partyID, typing, err := h.presence.IsTyping(ctx, c.transactionID, other)
		if err != nil || !typing {
			continue
		}
		ev, err := events.NewEvent(events.EventTyping, c.transactionID, actor, events.TypingPayload{UserID: other, IsTyping: true, PartyID: partyID})
		if err == nil && c.view.allows(ev) {
			c.send(ev)
		}
	}
}

// presenceContext outlives hub shutdown so departing connections are still
// counted out of shared presence.
func (h *Hub) presenceContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(h.ctx), h.sendTimeout())
}

// pump keeps a broker subscription open for the room, retrying with a fixed
// delay, and fans every received event out to the room's connections.
func (h *Hub) pump(ctx context.Context, rm *room) {
	defer h.wg.Done()
	logger := h.logger.With(zap.String("transaction_id", rm.transactionID))
	for {
		sub, err := h.broker.Subscribe(ctx, rm.transactionID)
		if err != nil {
			logger.Warn("room subscription failed; retrying", zap.Error(err), zap.Duration("delay", h.cfg.RetryDelay()))
			if !sleep(ctx, h.cfg.RetryDelay()) {
				return
			}
			continue
		}
		h.drain(ctx, rm, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn("room subscription ended; resubscribing", zap.Duration("delay", h.cfg.RetryDelay()))
		if !sleep(ctx, h.cfg.RetryDelay()) {
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context, rm *room, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			h.fanout(rm, ev)
		}
	}
}

func (h *Hub) fanout(rm *room, ev events.Event) {
	h.mu.Lock()
	conns := make([]*connection, 0, len(rm.conns))
	for c := range rm.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if !c.view.allows(ev) {
			continue
		}
		if !c.send(ev) && c.ctx.Err() == nil {
			c.logger.Warn("send buffer full; dropping slow connection")
			h.metrics.SlowConsumerKicked()
			h.unregister(c)
		}
	}
}

// handleInbound accepts typing signals. The user id is taken from the
// authenticated connection, never from the frame.
func (h *Hub) handleInbound(c *connection, frame inboundFrame) {
	if frame.Type != events.EventTyping {
		c.logger.Debug("ignoring inbound frame", zap.String("type", string(frame.Type)))
		return
	}
	var p events.TypingPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.logger.Debug("bad typing payload", zap.Error(err))
			return
		}
	}
	caller := c.view.caller
	p.UserID = caller.UserID
	if caller.IsHandler() {
		if p.PartyID == "" {
			return
		}
	} else {
		p.PartyID = caller.PartyID
	}

	ctx, cancel := context.WithTimeout(c.ctx, h.sendTimeout())
	defer cancel()
	if err := h.presence.Typing(ctx, c.transactionID, caller.UserID, p.PartyID, p.IsTyping); err != nil {
		c.logger.Debug("typing presence failed", zap.Error(err))
	}

	ev, err := events.NewEvent(events.EventTyping, c.transactionID, events.Actor{UserID: caller.UserID, Role: caller.Role}, p)
	if err != nil {
		return
	}
	if err := h.broker.Publish(ctx, ev); err != nil {
		c.logger.Debug("typing publish failed", zap.Error(err))
	}
}

func (h *Hub) publishMember(eventType events.EventType, c *connection) {
	caller := c.view.caller
	ev, err := events.NewEvent(eventType, c.transactionID, events.Actor{UserID: caller.UserID, Role: caller.Role}, events.MemberPayload{ID: caller.UserID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.sendTimeout())
	defer cancel()
	if err := h.broker.Publish(ctx, ev); err != nil {
		h.metrics.PublishFailed(string(eventType))
		c.logger.Warn("presence publish failed", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	h.metrics.EventPublished(string(eventType))
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *Hub) sendTimeout() time.Duration {
	if h.cfg.SendTimeoutMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(h.cfg.SendTimeoutMillis) * time.Millisecond
}

func (h *Hub) pongWait() time.Duration {
	if h.cfg.PongWaitSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(h.cfg.PongWaitSeconds) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeError(w http.ResponseWriter, err error) {
	de := apperrors.ToDomainError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": de.Code, "message": de.Message},
	})
}
