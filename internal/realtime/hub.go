// Package realtime keeps one duplex connection per connected party and groups
// connections into in-memory broadcast rooms.
package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Options tunes every connection created by a Hub.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// MaxMessageSize bounds one inbound event. Larger frames are answered
	// with a bad_request error; frames past readLimitFactor times the bound
	// are cut off by the websocket layer and end the connection.
	MaxMessageSize int64
}

const readLimitFactor = 4

// DefaultOptions mirrors the websocket keepalive used by the speech handler:
// a 60s read deadline refreshed by pongs and a ping every 54s.
func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 54 * time.Second,

		MaxMessageSize: 32 << 10,
	}
}

// Hub tracks live connections and room memberships. Nothing here is durable;
// a reconnecting party re-joins its rooms explicitly.
type Hub struct {
	opts Options

	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[*Connection]struct{}
}

// NewHub creates a Hub; zero option fields take the defaults.
func NewHub(opts Options) *Hub {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.WriteTimeout < 0 {
		opts.WriteTimeout = 0
	}
	return &Hub{
		opts:  opts,
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[*Connection]struct{}),
	}
}

// Connect registers conn for identity. The caller must run Serve on the result.
func (h *Hub) Connect(identity Identity, conn Conn) *Connection {
	c := newConnection(h, identity, conn)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	c.logger.Debug().Msg("connected")
	return c
}

// Join adds c to room. Joining a closed connection is a no-op.
func (h *Hub) Join(c *Connection, room string) {
	select {
	case <-c.done:
		return
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// Leave removes c from room.
func (h *Hub) Leave(c *Connection, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Connection, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// InRoom reports whether c is a member of room.
func (h *Hub) InRoom(c *Connection, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// Members returns a snapshot of the connections in room.
func (h *Hub) Members(room string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

// Broadcast fans event out to every member of room except the given
// connection (nil to include everyone) and returns how many accepted it.
// Closed or lagging members are skipped; their data stays in the store.
func (h *Hub) Broadcast(room, event string, payload any, except *Connection) int {
	data, err := encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("component", "realtime").Str("event", event).Msg("encode broadcast failed")
		return 0
	}

	h.mu.RLock()
	members := make([]*Connection, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if err := c.enqueue(data); err != nil {
			c.logger.Debug().Err(err).Str("room", room).Str("event", event).Msg("broadcast skipped member")
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) remove(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for room := range h.rooms {
		h.leaveLocked(c, room)
	}
}
