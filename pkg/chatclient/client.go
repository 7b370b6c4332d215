// Package chatclient implements the visitor widget and staff inbox
// controllers on top of the chat websocket protocol. Both reconnect on their
// own and rebuild their state from the server after every reconnect.
package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by send operations while the socket is down.
var ErrNotConnected = errors.New("chat client not connected")

// Event is one decoded server event.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Options shared by both controllers.
type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// ReconnectDelay is the first backoff step, doubled up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// EventBuffer sizes the Events channel; events are dropped when it is full.
	EventBuffer int
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = 15 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// conn runs the dial/read/reconnect loop shared by the controllers.
type conn struct {
	opts   Options
	logger zerolog.Logger

	onConnect func() error
	onEvent   func(Event)
	// syncEvent is the server event that completes a handshake; the
	// connection counts as ready only once it arrives.
	syncEvent string

	mu     sync.Mutex
	ws     *websocket.Conn
	events chan Event
	// ready is closed while the current socket is synced and replaced by an
	// open channel whenever the socket goes away.
	ready chan struct{}
}

func newConn(opts Options, component, syncEvent string) *conn {
	opts.defaults()
	return &conn{
		opts:      opts,
		logger:    log.With().Str("component", component).Str("url", opts.URL).Logger(),
		events:    make(chan Event, opts.EventBuffer),
		ready:     make(chan struct{}),
		syncEvent: syncEvent,
	}
}

func (c *conn) run(ctx context.Context) error {
	delay := c.opts.ReconnectDelay
	for {
		ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			delay = c.opts.ReconnectDelay
			c.serve(ctx, ws)
		} else {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return errors.Wrapf(err, "dial rejected with status %d", resp.StatusCode)
			}
			c.logger.Debug().Err(err).Dur("retry_in", delay).Msg("dial failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.MaxReconnectDelay {
			delay = c.opts.MaxReconnectDelay
		}
	}
}

func (c *conn) serve(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
			c.rearmLocked()
		}
		c.mu.Unlock()
		_ = ws.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if c.onConnect != nil {
		if err := c.onConnect(); err != nil {
			c.logger.Warn().Err(err).Msg("handshake failed")
			return
		}
	}
	c.logger.Debug().Msg("connected")

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			c.logger.Debug().Err(err).Msg("connection lost")
			return
		}
		// 已被 Reconnect 替换的旧连接上残留的事件直接丢弃
		if !c.current(ws) {
			return
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
		if ev.Type == c.syncEvent {
			c.markReady(ws)
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn().Str("event", ev.Type).Msg("event buffer full, dropping event")
		}
	}
}

func (c *conn) current(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws == ws
}

// markReady closes ready if ws is still the live socket.
func (c *conn) markReady(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws {
		return
	}
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

func (c *conn) rearmLocked() {
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
}

func (c *conn) send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	if data == nil {
		data = struct{}{}
	}
	if err := c.ws.WriteJSON(map[string]any{"type": event, "data": data}); err != nil {
		return errors.Wrapf(err, "send %s", event)
	}
	return nil
}

// dropConnection closes the current socket so run reconnects. Readiness is
// cleared before it returns, so a following waitReady covers the new socket.
func (c *conn) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.rearmLocked()
}

// waitReady blocks until the live socket has completed its handshake.
func (c *conn) waitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
