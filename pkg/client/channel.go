package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/events"
)

// ConnState is the observable state of a Channel.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// DefaultRetryDelay is the fixed pause between reconnect attempts.
const DefaultRetryDelay = 3 * time.Second

// ErrNotConnected is returned by Send while no socket is open.
var ErrNotConnected = errors.New("channel not connected")

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// BaseURL is the realtime listener, e.g. ws://host:8081.
	BaseURL       string
	TransactionID string
	Token         string
	RetryDelay    time.Duration
	Dialer        *websocket.Dialer
	Logger        *zap.Logger
}

// Channel is a reconnecting subscription to one transaction's events.
// Handlers registered once stay bound across reconnects.
type Channel struct {
	cfg    ChannelConfig
	logger *zap.Logger

	mu            sync.Mutex
	eventHandlers []func(events.Event)
	stateHandlers []func(ConnState)
	state         ConnState
	conn          *websocket.Conn

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel constructs an idle channel; call Start to connect.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:    cfg,
		logger: logger.With(zap.String("transaction_id", cfg.TransactionID)),
		state:  StateConnecting,
	}
}

// OnEvent registers a handler for every event received.
func (c *Channel) OnEvent(handler func(events.Event)) {
	c.mu.Lock()
	c.eventHandlers = append(c.eventHandlers, handler)
	c.mu.Unlock()
}

// OnState registers a handler for connection state changes.
func (c *Channel) OnState(handler func(ConnState)) {
	c.mu.Lock()
	c.stateHandlers = append(c.stateHandlers, handler)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects in the background until ctx ends or Close is called.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Send writes one typing frame. Other frame types are ignored server side.
func (c *Channel) Send(eventType events.EventType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(struct {
		Type    events.EventType `json:"type"`
		Payload any              `json:"payload"`
	}{Type: eventType, Payload: payload})
}

// Close stops reconnecting and closes the socket.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()
	if cancel == nil {
		c.setState(StateClosed)
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateClosed)

	target, err := c.endpoint()
	if err != nil {
		c.logger.Error("invalid channel url", zap.Error(err))
		return
	}

	first := true
	for {
		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}
		first = false

		conn, _, err := c.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("channel dial failed", zap.Error(err))
			if !wait(ctx, c.cfg.RetryDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		c.read(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil || !wait(ctx, c.cfg.RetryDelay) {
			return
		}
	}
}

func (c *Channel) read(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("channel read failed", zap.Error(err))
			}
			return
		}
		c.mu.Lock()
		handlers := append([]func(events.Event){}, c.eventHandlers...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (c *Channel) setState(state ConnState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	handlers := append([]func(ConnState){}, c.stateHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("ws", "transactions", c.cfg.TransactionID)
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
