package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/events"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
)

// inboundFrame is what clients may send. Only typing is accepted.
type inboundFrame struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// connection is one websocket joined to one transaction room.
type connection struct {
	id            string
	transactionID string
	view          viewer
	conn          *websocket.Conn
	hub           *Hub
	egress        chan events.Event
	logger        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newConnection(h *Hub, conn *websocket.Conn, transactionID string, view viewer) *connection {
	ctx, cancel := context.WithCancel(h.ctx)
	id := uuid.NewString()
	return &connection{
		id:            id,
		transactionID: transactionID,
		view:          view,
		conn:          conn,
		hub:           h,
		egress:        make(chan events.Event, h.cfg.SendBufferSize),
		logger: h.logger.With(
			zap.String("conn_id", id),
			zap.String("transaction_id", transactionID),
			zap.String("user_id", view.caller.UserID),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// send enqueues ev, giving up after the send timeout. It reports false when
// the connection is gone or too slow to keep up.
func (c *connection) send(ev events.Event) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.egress <- ev:
		return true
	case <-c.ctx.Done():
		return false
	case <-time.After(c.hub.sendTimeout()):
		return false
	}
}

func (c *connection) readLoop() {
	defer c.hub.unregister(c)

	pongWait := c.hub.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Debug("client disconnected")
			case errors.As(err, &ne) && ne.Timeout():
				c.logger.Info("client timed out")
			case c.ctx.Err() != nil:
			default:
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.hub.handleInbound(c, frame)
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.hub.pongWait() * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *connection) close() {
	// writeLoop closes the socket, which also ends readLoop.
	c.once.Do(c.cancel)
}
