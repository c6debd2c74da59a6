// Package orch ties rooms, media, presence and messaging together for the gateway.
package orch

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/app/presence"
	"github.com/dkeye/Hearth/internal/app/rooms"
	"github.com/dkeye/Hearth/internal/app/sfu"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
)

// ConnectionFactory opens the WebRTC endpoint backing a transport.
type ConnectionFactory func(params media.TransportParams) (core.MediaConnection, error)

type Orchestrator struct {
	Rooms    *rooms.Registry
	Media    *media.Orchestrator
	Presence *presence.Manager
	Messages core.MessageStore
	Relays   *sfu.RelayManager
	// Connect is optional; without it renegotiation only confirms the transport.
	Connect ConnectionFactory

	now      func() time.Time
	listener media.Notifier

	// serialize voice joins against leaves and deletes, per room
	roomLocks [roomStripes]sync.Mutex

	mu    sync.Mutex
	conns map[domain.TransportID]*bound
	// sessions currently using each transport; the transport is released when the last one leaves
	holders map[domain.TransportID]map[domain.SessionID]bool
}

const roomStripes = 64

func New(reg *rooms.Registry, m *media.Orchestrator, p *presence.Manager, messages core.MessageStore, relays *sfu.RelayManager) *Orchestrator {
	o := &Orchestrator{
		Rooms:    reg,
		Media:    m,
		Presence: p,
		Messages: messages,
		Relays:   relays,
		now:      time.Now,
		listener: nopListener{},
		conns:    make(map[domain.TransportID]*bound),
		holders:  make(map[domain.TransportID]map[domain.SessionID]bool),
	}
	m.SetNotifier(o)
	return o
}

// lockRoom takes the room's voice lock and returns its unlock.
func (o *Orchestrator) lockRoom(id domain.RoomID) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &o.roomLocks[h.Sum32()%roomStripes]
	mu.Lock()
	return mu.Unlock
}

// hold records sid as a user of the transport.
func (o *Orchestrator) hold(id domain.TransportID, sid domain.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.holders[id]
	if !ok {
		set = make(map[domain.SessionID]bool)
		o.holders[id] = set
	}
	set[sid] = true
}

// unhold drops sid and reports whether no session uses the transport any more.
func (o *Orchestrator) unhold(id domain.TransportID, sid domain.SessionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.holders[id]
	delete(set, sid)
	if len(set) > 0 {
		return false
	}
	delete(o.holders, id)
	return true
}

func (o *Orchestrator) forget(id domain.TransportID) {
	o.mu.Lock()
	delete(o.holders, id)
	o.mu.Unlock()
}

func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetListener receives media events after the orchestrator has wired forwarding for them.
func (o *Orchestrator) SetListener(n media.Notifier) {
	if n == nil {
		n = nopListener{}
	}
	o.listener = n
}

type nopListener struct{}

func (nopListener) ProducerAdded(domain.RoomID, media.Producer, []media.Consumer)  {}
func (nopListener) ProducerClosed(domain.RoomID, media.Producer, []media.Consumer) {}
func (nopListener) Renegotiate(media.TransportParams, int)                         {}
func (nopListener) TransportFailed(media.TransportParams, string)                  {}

func (o *Orchestrator) ProducerAdded(room domain.RoomID, p media.Producer, consumers []media.Consumer) {
	o.attachSinks(consumers)
	o.listener.ProducerAdded(room, p, consumers)
}

func (o *Orchestrator) ProducerClosed(room domain.RoomID, p media.Producer, consumers []media.Consumer) {
	o.listener.ProducerClosed(room, p, consumers)
}

// Renegotiate drops the stale endpoint; the next offer builds a fresh one.
func (o *Orchestrator) Renegotiate(t media.TransportParams, attempt int) {
	o.dropConnection(t.ID)
	o.listener.Renegotiate(t, attempt)
}

func (o *Orchestrator) TransportFailed(t media.TransportParams, reason string) {
	o.forget(t.ID)
	o.dropConnection(t.ID)
	o.listener.TransportFailed(t, reason)
}
