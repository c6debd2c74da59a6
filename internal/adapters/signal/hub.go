package signal

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
)

type client struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sid      domain.SessionID
	identity domain.UserID
	device   domain.DeviceID
	conn     core.SignalConnection
	closing  atomic.Bool
	dropped  atomic.Int32

	mu     sync.Mutex
	topics map[domain.RoomID]bool
	voice  map[domain.RoomID]bool
}

func newClient(ctx context.Context, cancel context.CancelFunc, s domain.Session, conn core.SignalConnection) *client {
	return &client{
		ctx:      ctx,
		cancel:   cancel,
		sid:      s.ID,
		identity: s.Identity,
		device:   s.Device,
		conn:     conn,
		topics:   make(map[domain.RoomID]bool),
		voice:    make(map[domain.RoomID]bool),
	}
}

func (c *client) setVoice(room domain.RoomID, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.voice[room] = true
	} else {
		delete(c.voice, room)
	}
}

func (c *client) snapshot() (topics, voice []domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r := range c.topics {
		topics = append(topics, r)
	}
	for r := range c.voice {
		voice = append(voice, r)
	}
	slices.Sort(topics)
	slices.Sort(voice)
	return topics, voice
}

// hub indexes live clients by session, identity and room topic.
type hub struct {
	mu         sync.RWMutex
	clients    map[domain.SessionID]*client
	byIdentity map[domain.UserID]map[domain.SessionID]*client
	topics     map[domain.RoomID]map[domain.SessionID]*client
}

func newHub() *hub {
	return &hub{
		clients:    make(map[domain.SessionID]*client),
		byIdentity: make(map[domain.UserID]map[domain.SessionID]*client),
		topics:     make(map[domain.RoomID]map[domain.SessionID]*client),
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.sid] = c
	set, ok := h.byIdentity[c.identity]
	if !ok {
		set = make(map[domain.SessionID]*client)
		h.byIdentity[c.identity] = set
	}
	set[c.sid] = c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.sid] != c {
		return
	}
	delete(h.clients, c.sid)
	if set := h.byIdentity[c.identity]; set != nil {
		delete(set, c.sid)
		if len(set) == 0 {
			delete(h.byIdentity, c.identity)
		}
	}
	c.mu.Lock()
	for room := range c.topics {
		h.unsubscribeLocked(room, c)
	}
	c.mu.Unlock()
}

func (h *hub) get(sid domain.SessionID) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[sid]
	return c, ok
}

func (h *hub) all() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) identity(id domain.UserID) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.byIdentity[id]))
	for _, c := range h.byIdentity[id] {
		out = append(out, c)
	}
	return out
}

func (h *hub) subscribe(room domain.RoomID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.sid] != c {
		return
	}
	set, ok := h.topics[room]
	if !ok {
		set = make(map[domain.SessionID]*client)
		h.topics[room] = set
	}
	set[c.sid] = c
	c.mu.Lock()
	c.topics[room] = true
	c.mu.Unlock()
}

// unsubscribeIdentity removes every client of id from the room topic.
func (h *hub) unsubscribeIdentity(room domain.RoomID, id domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.byIdentity[id] {
		c.mu.Lock()
		delete(c.topics, room)
		delete(c.voice, room)
		c.mu.Unlock()
		h.unsubscribeLocked(room, c)
	}
}

// closeTopic drops the room topic and returns the clients it had.
func (h *hub) closeTopic(room domain.RoomID) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.topics[room]
	delete(h.topics, room)
	out := make([]*client, 0, len(set))
	for _, c := range set {
		c.mu.Lock()
		delete(c.topics, room)
		delete(c.voice, room)
		c.mu.Unlock()
		out = append(out, c)
	}
	return out
}

func (h *hub) unsubscribeLocked(room domain.RoomID, c *client) {
	set := h.topics[room]
	if set == nil {
		return
	}
	delete(set, c.sid)
	if len(set) == 0 {
		delete(h.topics, room)
	}
}

func (h *hub) topic(room domain.RoomID) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.topics[room]))
	for _, c := range h.topics[room] {
		out = append(out, c)
	}
	return out
}

func (h *hub) identityIn(room domain.RoomID, id domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.topics[room] {
		if c.identity == id {
			return true
		}
	}
	return false
}
