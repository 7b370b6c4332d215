package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

// Conn is the subset of *websocket.Conn a Connection needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Handler processes one inbound event. Handlers of a single connection never
// run concurrently and observe events in receipt order.
type Handler func(ctx context.Context, c *Connection, data json.RawMessage)

// Connection is one connected party. Outbound events go through a bounded
// queue drained by a single writer goroutine, so send order is write order.
type Connection struct {
	id       string
	identity Identity
	conn     Conn
	hub      *Hub
	logger   zerolog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	handlers  map[string]Handler
	onClose   []func()
	sessionID string
}

func newConnection(hub *Hub, identity Identity, conn Conn) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:       id,
		identity: identity,
		conn:     conn,
		hub:      hub,
		logger: log.With().
			Str("component", "realtime").
			Str("conn_id", id).
			Str("role", string(identity.Role)).
			Logger(),
		out:      make(chan []byte, hub.opts.SendBuffer),
		done:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}
}

// ID returns the server assigned connection id.
func (c *Connection) ID() string { return c.id }

// Identity returns who is connected.
func (c *Connection) Identity() Identity { return c.identity }

// Done is closed once the connection is gone.
func (c *Connection) Done() <-chan struct{} { return c.done }

// SessionID returns the session bound to a visitor connection.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BindSession records the visitor session served by this connection.
func (c *Connection) BindSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// On registers the handler for an inbound event type.
func (c *Connection) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// OnClose registers a callback run once after the connection leaves its rooms.
func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Send queues event for this connection only. Delivery is at-most-once:
// chat.ErrChannelUnavailable is returned when the connection is closed or
// too slow to keep up, in which case it is dropped.
func (c *Connection) Send(event string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	return c.enqueue(data)
}

// SendError reports a non-fatal error to the client.
func (c *Connection) SendError(event string, err error) {
	payload := ErrorPayload{Code: chat.ErrorCode(err), Message: err.Error(), Event: event}
	if sendErr := c.Send(EventError, payload); sendErr != nil {
		c.logger.Debug().Err(sendErr).Msg("error event not delivered")
	}
}

func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.done:
		return chat.ErrChannelUnavailable
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return chat.ErrChannelUnavailable
	default:
		c.logger.Warn().Int("buffer", cap(c.out)).Msg("send buffer full, dropping connection")
		c.Close()
		return errors.Wrap(chat.ErrChannelUnavailable, "send buffer full")
	}
}

// Close tears the connection down; it is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Serve runs the read loop until the peer goes away or ctx ends, dispatching
// each event to its handler on the calling goroutine.
func (c *Connection) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.finish()

	go c.writeLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize * readLimitFactor)
	if opts.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		})
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			} else {
				c.logger.Debug().Err(err).Msg("read loop end")
			}
			return
		}
		if opts.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		}

		if int64(len(raw)) > opts.MaxMessageSize {
			c.SendError("", errors.Wrapf(chat.ErrInvalidInput, "event exceeds %d bytes", opts.MaxMessageSize))
			continue
		}

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			c.SendError("", errors.Wrap(chat.ErrInvalidInput, "malformed event"))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Connection) dispatch(ctx context.Context, msg Inbound) {
	c.mu.Lock()
	h, ok := c.handlers[msg.Type]
	c.mu.Unlock()
	if !ok {
		c.SendError(msg.Type, errors.Wrapf(chat.ErrInvalidInput, "unsupported event %q", msg.Type))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("event", msg.Type).Msg("handler panicked")
			c.SendError(msg.Type, errors.New("internal error"))
		}
	}()
	h(ctx, c, msg.Data)
}

func (c *Connection) writeLoop(ctx context.Context) {
	opts := c.hub.opts
	var ping <-chan time.Time
	if opts.PingInterval > 0 {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case data := <-c.out:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed, closing")
				c.Close()
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if timeout := c.hub.opts.WriteTimeout; timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Connection) finish() {
	c.Close()
	c.hub.remove(c)

	c.mu.Lock()
	callbacks := append([]func(){}, c.onClose...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	c.logger.Debug().Msg("connection finished")
}
