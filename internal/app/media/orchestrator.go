// Package media owns the SFU control plane: worker pool, one router per room, the
// transports of its participants and the producer/consumer graph between them.
package media

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/dkeye/Hearth/internal/metrics"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 256

var (
	ErrRouterNotFound    = fmt.Errorf("%w: router", domain.ErrNotFound)
	ErrTransportNotFound = fmt.Errorf("%w: transport", domain.ErrNotFound)
	ErrProducerNotFound  = fmt.Errorf("%w: producer", domain.ErrNotFound)
	ErrClosed            = fmt.Errorf("%w: media orchestrator closed", domain.ErrResourceExhausted)
)

type Producer struct {
	ID          domain.ProducerID  `json:"id"`
	TransportID domain.TransportID `json:"transport_id"`
	Identity    domain.UserID      `json:"identity"`
	Kind        domain.MediaKind   `json:"kind"`
}

// Consumer is the edge from a producer to one receiving transport.
type Consumer struct {
	ID          domain.ConsumerID  `json:"id"`
	ProducerID  domain.ProducerID  `json:"producer_id"`
	TransportID domain.TransportID `json:"transport_id"`
	Identity    domain.UserID      `json:"identity"`
	Producer    domain.UserID      `json:"producer_identity"`
	Kind        domain.MediaKind   `json:"kind"`
}

// TransportParams is what a client needs to connect a transport.
type TransportParams struct {
	ID        domain.TransportID          `json:"id"`
	RouterID  domain.RouterID             `json:"router_id"`
	RoomID    domain.RoomID               `json:"room_id"`
	Identity  domain.UserID               `json:"identity"`
	Direction domain.Direction            `json:"direction"`
	IP        string                      `json:"ip"`
	Port      int                         `json:"port"`
	ICEUfrag  string                      `json:"ice_ufrag"`
	ICEPwd    string                      `json:"ice_pwd"`
	Bitrate   Bitrate                     `json:"bitrate"`
	Codecs    []webrtc.RTPCodecParameters `json:"codecs"`
}

type transport struct {
	id        domain.TransportID
	identity  domain.UserID
	direction domain.Direction
	port      int
	ufrag     string
	pwd       string
	adapt     *adaptation
	recovery  *recovery
}

type router struct {
	id     domain.RouterID
	roomID domain.RoomID
	// guarded by Orchestrator.mu
	worker domain.WorkerID

	mu         sync.Mutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*Producer
	consumers  map[domain.ConsumerID]*Consumer
	closed     bool
}

func (r *router) transportOf(identity domain.UserID) *transport {
	for _, t := range r.transports {
		if t.identity == identity {
			return t
		}
	}
	return nil
}

func (r *router) sortedTransports() []*transport {
	out := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *transport) int { return strings.Compare(string(a.identity), string(b.identity)) })
	return out
}

func (r *router) sortedProducers() []*Producer {
	out := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Producer) int {
		if c := strings.Compare(string(a.Identity), string(b.Identity)); c != 0 {
			return c
		}
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
	return out
}

func (r *router) consumerFor(producer domain.ProducerID, t domain.TransportID) *Consumer {
	for _, c := range r.consumers {
		if c.ProducerID == producer && c.TransportID == t {
			return c
		}
	}
	return nil
}

func (r *router) addConsumer(p *Producer, t *transport) Consumer {
	c := &Consumer{
		ID:          domain.ConsumerID(uuid.NewString()),
		ProducerID:  p.ID,
		TransportID: t.id,
		Identity:    t.identity,
		Producer:    p.Identity,
		Kind:        p.Kind,
	}
	r.consumers[c.ID] = c
	metrics.Consumers.Inc()
	return *c
}

// Orchestrator is safe for concurrent use. Lock order: Orchestrator.mu before
// router.mu; nothing takes Orchestrator.mu while holding a router lock.
type Orchestrator struct {
	cfg       config.MediaConfig
	codecs    []webrtc.RTPCodecParameters
	ports     *portPool
	ip        string
	queue     int
	forwarder Forwarder
	notify    atomic.Pointer[Notifier]

	mu         sync.RWMutex
	workers    []*worker
	routers    map[domain.RoomID]*router
	routerByID map[domain.RouterID]*router
	closed     bool

	transports sync.Map // domain.TransportID -> *router
	producers  sync.Map // domain.ProducerID -> *router
}

// New starts the worker pool. forwarder may be nil when no RTP is forwarded.
func New(cfg config.MediaConfig, forwarder Forwarder) (*Orchestrator, error) {
	codecs, err := SelectCodecs(cfg.Codecs)
	if err != nil {
		return nil, err
	}
	ports, err := newPortPool(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, err
	}
	if forwarder == nil {
		forwarder = nopForwarder{}
	}
	ip := cfg.AnnouncedIP
	if ip == "" {
		ip = cfg.ListenIP
	}
	o := &Orchestrator{
		cfg:        cfg,
		codecs:     codecs,
		ports:      ports,
		ip:         ip,
		queue:      defaultQueueSize,
		forwarder:  forwarder,
		routers:    make(map[domain.RoomID]*router),
		routerByID: make(map[domain.RouterID]*router),
	}
	o.SetNotifier(nil)

	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	for i := range n {
		o.workers = append(o.workers, newWorker(domain.WorkerID(i), o.queue, o.onWorkerCrash))
	}
	log.Info().Str("module", "media").Int("workers", n).Int("codecs", len(codecs)).Str("ip", ip).
		Int("port_min", cfg.PortMin).Int("port_max", cfg.PortMax).Msg("media orchestrator started")
	return o, nil
}

// SetNotifier installs the event sink; nil discards events.
func (o *Orchestrator) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	o.notify.Store(&n)
}

func (o *Orchestrator) notifier() Notifier { return *o.notify.Load() }

// Codecs returns the router codec capabilities.
func (o *Orchestrator) Codecs() []webrtc.RTPCodecParameters { return slices.Clone(o.codecs) }

// pickWorkerLocked returns the healthy worker hosting the fewest routers, skipping
// exclude and workers at the per-worker cap. Expects o.mu held.
func (o *Orchestrator) pickWorkerLocked(exclude domain.WorkerID) *worker {
	var best *worker
	for _, w := range o.workers {
		if w.id == exclude || !w.healthy.Load() {
			continue
		}
		if o.cfg.MaxRoutersPerWorker > 0 && w.routers >= o.cfg.MaxRoutersPerWorker {
			continue
		}
		if best == nil || w.routers < best.routers {
			best = w
		}
	}
	return best
}

// GetOrCreateRouter returns the room's router, creating it on the least-loaded
// healthy worker.
func (o *Orchestrator) GetOrCreateRouter(roomID domain.RoomID) (domain.RouterID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	if r, ok := o.routers[roomID]; ok {
		return r.id, nil
	}
	w := o.pickWorkerLocked(-1)
	if w == nil {
		return "", fmt.Errorf("%w: no media worker can host another router", domain.ErrResourceExhausted)
	}
	r := &router{
		id:         domain.RouterID(uuid.NewString()),
		roomID:     roomID,
		worker:     w.id,
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*Producer),
		consumers:  make(map[domain.ConsumerID]*Consumer),
	}
	w.routers++
	o.routers[roomID] = r
	o.routerByID[r.id] = r
	metrics.Routers.Inc()
	log.Info().Str("module", "media").Str("room_id", string(roomID)).Str("router_id", string(r.id)).Int("worker", int(w.id)).Msg("router created")
	return r.id, nil
}

// ReleaseRouter drops the room's router once no transports remain on it.
func (o *Orchestrator) ReleaseRouter(roomID domain.RoomID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.routers[roomID]
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transports) > 0 {
		return false
	}
	r.closed = true
	delete(o.routers, roomID)
	delete(o.routerByID, r.id)
	if int(r.worker) < len(o.workers) {
		o.workers[r.worker].routers--
	}
	metrics.Routers.Dec()
	log.Info().Str("module", "media").Str("room_id", string(roomID)).Str("router_id", string(r.id)).Msg("router released")
	return true
}

func (o *Orchestrator) RouterOf(roomID domain.RoomID) (domain.RouterID, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.routers[roomID]
	if !ok {
		return "", false
	}
	return r.id, true
}

func newICECredentials() (string, string) {
	ufrag := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	pwd := strings.ReplaceAll(uuid.NewString(), "-", "")
	return ufrag, pwd
}

func (o *Orchestrator) paramsLocked(r *router, t *transport) TransportParams {
	return TransportParams{
		ID:        t.id,
		RouterID:  r.id,
		RoomID:    r.roomID,
		Identity:  t.identity,
		Direction: t.direction,
		IP:        o.ip,
		Port:      t.port,
		ICEUfrag:  t.ufrag,
		ICEPwd:    t.pwd,
		Bitrate:   t.adapt.snapshot(),
		Codecs:    o.codecs,
	}
}

// CreateTransport allocates the identity's transport on the router. A second call for
// the same identity returns the existing transport. The returned consumers are the
// edges created towards producers already on the router.
func (o *Orchestrator) CreateTransport(routerID domain.RouterID, identity domain.UserID, direction domain.Direction) (TransportParams, []Consumer, error) {
	if !direction.Valid() {
		return TransportParams{}, nil, fmt.Errorf("%w: unknown direction %q", domain.ErrValidation, direction)
	}
	o.mu.RLock()
	r, ok := o.routerByID[routerID]
	o.mu.RUnlock()
	if !ok {
		return TransportParams{}, nil, ErrRouterNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return TransportParams{}, nil, ErrRouterNotFound
	}
	if t := r.transportOf(identity); t != nil {
		return o.paramsLocked(r, t), nil, nil
	}
	port, err := o.ports.allocate()
	if err != nil {
		return TransportParams{}, nil, err
	}
	ufrag, pwd := newICECredentials()
	t := &transport{
		id:        domain.TransportID(uuid.NewString()),
		identity:  identity,
		direction: direction,
		port:      port,
		ufrag:     ufrag,
		pwd:       pwd,
		adapt:     newAdaptation(o.cfg.Bitrate),
	}
	r.transports[t.id] = t
	o.transports.Store(t.id, r)
	metrics.Transports.Inc()
	metrics.PortsInUse.Set(float64(o.ports.inUse()))

	var consumers []Consumer
	if direction.CanReceive() {
		for _, p := range r.sortedProducers() {
			if p.Identity != identity {
				consumers = append(consumers, r.addConsumer(p, t))
			}
		}
	}
	log.Info().Str("module", "media").Str("room_id", string(r.roomID)).Str("transport_id", string(t.id)).
		Str("identity", string(identity)).Int("port", port).Int("consumers", len(consumers)).Msg("transport created")
	return o.paramsLocked(r, t), consumers, nil
}

// lockTransport returns the transport with its router locked. Callers unlock r.mu.
func (o *Orchestrator) lockTransport(id domain.TransportID) (*router, *transport, error) {
	v, ok := o.transports.Load(id)
	if !ok {
		return nil, nil, ErrTransportNotFound
	}
	r := v.(*router)
	r.mu.Lock()
	t, ok := r.transports[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return nil, nil, ErrTransportNotFound
	}
	return r, t, nil
}

func (o *Orchestrator) Transport(id domain.TransportID) (TransportParams, error) {
	r, t, err := o.lockTransport(id)
	if err != nil {
		return TransportParams{}, err
	}
	defer r.mu.Unlock()
	return o.paramsLocked(r, t), nil
}

// TransportOf finds the identity's transport in the room.
func (o *Orchestrator) TransportOf(roomID domain.RoomID, identity domain.UserID) (TransportParams, bool) {
	o.mu.RLock()
	r, ok := o.routers[roomID]
	o.mu.RUnlock()
	if !ok {
		return TransportParams{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.transportOf(identity)
	if t == nil {
		return TransportParams{}, false
	}
	return o.paramsLocked(r, t), true
}

// Publish creates a producer on the transport and one consumer for every other
// receiving participant on the router.
func (o *Orchestrator) Publish(transportID domain.TransportID, kind domain.MediaKind) (Producer, []Consumer, error) {
	if !kind.Valid() {
		return Producer{}, nil, fmt.Errorf("%w: unknown media kind %q", domain.ErrValidation, kind)
	}
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return Producer{}, nil, err
	}
	if !t.direction.CanSend() {
		r.mu.Unlock()
		return Producer{}, nil, fmt.Errorf("%w: transport is receive-only", domain.ErrValidation)
	}
	for _, p := range r.producers {
		if p.TransportID == t.id && p.Kind == kind {
			r.mu.Unlock()
			return Producer{}, nil, fmt.Errorf("%w: already publishing %s", domain.ErrValidation, kind)
		}
	}
	p := &Producer{
		ID:          domain.ProducerID(uuid.NewString()),
		TransportID: t.id,
		Identity:    t.identity,
		Kind:        kind,
	}
	r.producers[p.ID] = p
	o.producers.Store(p.ID, r)
	metrics.Producers.Inc()

	var consumers []Consumer
	for _, u := range r.sortedTransports() {
		if u.identity == t.identity || !u.direction.CanReceive() {
			continue
		}
		consumers = append(consumers, r.addConsumer(p, u))
	}
	ev := &events{added: []producerEvent{{room: r.roomID, producer: *p, consumers: consumers}}}
	r.mu.Unlock()

	log.Info().Str("module", "media").Str("producer_id", string(p.ID)).Str("identity", string(p.Identity)).
		Str("kind", string(kind)).Int("consumers", len(consumers)).Msg("producer created")
	o.dispatch(ev)
	return *p, consumers, nil
}

// dropConsumersLocked removes every consumer of the producer. Expects r.mu held.
func (o *Orchestrator) dropConsumersLocked(r *router, producer domain.ProducerID, ev *events) []Consumer {
	var out []Consumer
	for id, c := range r.consumers {
		if c.ProducerID != producer {
			continue
		}
		out = append(out, *c)
		delete(r.consumers, id)
		metrics.Consumers.Dec()
		ev.sinks = append(ev.sinks, sinkRef{producer: producer, consumer: id})
	}
	slices.SortFunc(out, func(a, b Consumer) int { return strings.Compare(string(a.Identity), string(b.Identity)) })
	return out
}

func (o *Orchestrator) closeProducerLocked(r *router, p *Producer, ev *events) {
	consumers := o.dropConsumersLocked(r, p.ID, ev)
	delete(r.producers, p.ID)
	o.producers.Delete(p.ID)
	metrics.Producers.Dec()
	ev.relays = append(ev.relays, p.ID)
	ev.closed = append(ev.closed, producerEvent{room: r.roomID, producer: *p, consumers: consumers})
}

// Unpublish closes the producer and all its consumers. Only its owner may do it.
func (o *Orchestrator) Unpublish(producerID domain.ProducerID, identity domain.UserID) (Producer, []Consumer, error) {
	v, ok := o.producers.Load(producerID)
	if !ok {
		return Producer{}, nil, ErrProducerNotFound
	}
	r := v.(*router)
	r.mu.Lock()
	p, ok := r.producers[producerID]
	if !ok {
		r.mu.Unlock()
		return Producer{}, nil, ErrProducerNotFound
	}
	if p.Identity != identity {
		r.mu.Unlock()
		return Producer{}, nil, fmt.Errorf("%w: producer belongs to another participant", domain.ErrForbidden)
	}
	ev := &events{}
	o.closeProducerLocked(r, p, ev)
	r.mu.Unlock()

	o.dispatch(ev)
	closed := ev.closed[0]
	return closed.producer, closed.consumers, nil
}

// Subscribe returns the consumer of producer on the transport, creating it if needed.
func (o *Orchestrator) Subscribe(transportID domain.TransportID, producerID domain.ProducerID) (Consumer, error) {
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return Consumer{}, err
	}
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	if !ok {
		return Consumer{}, ErrProducerNotFound
	}
	if p.Identity == t.identity {
		return Consumer{}, fmt.Errorf("%w: cannot consume own producer", domain.ErrValidation)
	}
	if !t.direction.CanReceive() {
		return Consumer{}, fmt.Errorf("%w: transport is send-only", domain.ErrValidation)
	}
	if c := r.consumerFor(producerID, t.id); c != nil {
		return *c, nil
	}
	return r.addConsumer(p, t), nil
}

// Producer looks up a producer and the room its router serves.
func (o *Orchestrator) Producer(id domain.ProducerID) (Producer, domain.RoomID, error) {
	v, ok := o.producers.Load(id)
	if !ok {
		return Producer{}, "", ErrProducerNotFound
	}
	r := v.(*router)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	if !ok {
		return Producer{}, "", ErrProducerNotFound
	}
	return *p, r.roomID, nil
}

// ConsumersOfProducer lists the edges leaving the producer.
func (o *Orchestrator) ConsumersOfProducer(id domain.ProducerID) []Consumer {
	v, ok := o.producers.Load(id)
	if !ok {
		return nil
	}
	r := v.(*router)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Consumer
	for _, c := range r.consumers {
		if c.ProducerID == id {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Consumer) int { return strings.Compare(string(a.Identity), string(b.Identity)) })
	return out
}

// Producers lists the producers on the room's router.
func (o *Orchestrator) Producers(roomID domain.RoomID) []Producer {
	o.mu.RLock()
	r, ok := o.routers[roomID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Producer, 0, len(r.producers))
	for _, p := range r.sortedProducers() {
		out = append(out, *p)
	}
	return out
}

// ConsumersOf lists the consumers attached to the transport.
func (o *Orchestrator) ConsumersOf(transportID domain.TransportID) ([]Consumer, error) {
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()
	var out []Consumer
	for _, c := range r.consumers {
		if c.TransportID == t.id {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Consumer) int { return strings.Compare(string(a.Producer), string(b.Producer)) })
	return out, nil
}

// closeTransportLocked tears down everything hanging off the transport. Expects r.mu held.
func (o *Orchestrator) closeTransportLocked(r *router, t *transport, ev *events) {
	t.adapt.stop()
	t.stopRecovery()
	for _, p := range r.sortedProducers() {
		if p.TransportID == t.id {
			o.closeProducerLocked(r, p, ev)
		}
	}
	for id, c := range r.consumers {
		if c.TransportID != t.id {
			continue
		}
		delete(r.consumers, id)
		metrics.Consumers.Dec()
		ev.sinks = append(ev.sinks, sinkRef{producer: c.ProducerID, consumer: id})
	}
	delete(r.transports, t.id)
	o.transports.Delete(t.id)
	o.ports.release(t.port)
	metrics.Transports.Dec()
	metrics.PortsInUse.Set(float64(o.ports.inUse()))
}

// CloseTransport closes the transport and releases the router if it was the last one.
func (o *Orchestrator) CloseTransport(transportID domain.TransportID) error {
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return err
	}
	ev := &events{}
	o.closeTransportLocked(r, t, ev)
	empty, room := len(r.transports) == 0, r.roomID
	r.mu.Unlock()

	log.Info().Str("module", "media").Str("transport_id", string(transportID)).Int("producers_closed", len(ev.closed)).Msg("transport closed")
	o.dispatch(ev)
	if empty {
		o.ReleaseRouter(room)
	}
	return nil
}

// ReleaseParticipant drops the identity's transport in the room, if any.
func (o *Orchestrator) ReleaseParticipant(roomID domain.RoomID, identity domain.UserID) {
	t, ok := o.TransportOf(roomID, identity)
	if !ok {
		return
	}
	if err := o.CloseTransport(t.ID); err != nil {
		log.Debug().Str("module", "media").Err(err).Str("room_id", string(roomID)).Msg("participant already released")
	}
}

// OnBandwidthEstimate queues a bandwidth estimate on the worker owning the transport.
func (o *Orchestrator) OnBandwidthEstimate(transportID domain.TransportID, bps int) error {
	if bps < 0 {
		return fmt.Errorf("%w: negative bandwidth estimate", domain.ErrValidation)
	}
	v, ok := o.transports.Load(transportID)
	if !ok {
		return ErrTransportNotFound
	}
	r := v.(*router)
	if !o.submit(r, func() { o.applyEstimate(r, transportID, bps) }) {
		return fmt.Errorf("%w: media worker busy", domain.ErrResourceExhausted)
	}
	return nil
}

func (o *Orchestrator) submit(r *router, job func()) bool {
	o.mu.RLock()
	w := o.workers[r.worker]
	o.mu.RUnlock()
	return w.submit(job)
}

func (o *Orchestrator) applyEstimate(r *router, id domain.TransportID, bps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	if !ok {
		return
	}
	if t.adapt.observe(bps) {
		log.Debug().Str("module", "media.bitrate").Str("transport_id", string(id)).Int("bps", bps).Msg("transport congested")
		o.scheduleReprobeLocked(r, t)
	}
}

func (o *Orchestrator) scheduleReprobeLocked(r *router, t *transport) {
	t.adapt.stop()
	o.armReprobeLocked(r, t.id, t.adapt)
}

// armReprobeLocked starts the re-probe timer. When the worker cannot take the job
// the timer is armed again, so a congested transport always gets its probe.
func (o *Orchestrator) armReprobeLocked(r *router, id domain.TransportID, a *adaptation) {
	a.reprobe = time.AfterFunc(o.cfg.ReprobeDelay, func() {
		current := func() bool {
			cur, ok := r.transports[id]
			return ok && !r.closed && cur.adapt == a
		}
		if o.submit(r, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if current() {
				a.probe()
			}
		}) {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if current() {
			log.Debug().Str("module", "media.bitrate").Str("transport_id", string(id)).Msg("worker busy, re-probe deferred")
			o.armReprobeLocked(r, id, a)
		}
	})
}

// Bitrate returns the transport's adaptation state.
func (o *Orchestrator) Bitrate(transportID domain.TransportID) (Bitrate, error) {
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return Bitrate{}, err
	}
	defer r.mu.Unlock()
	return t.adapt.snapshot(), nil
}

type WorkerUsage struct {
	ID      domain.WorkerID `json:"id"`
	Healthy bool            `json:"healthy"`
	Routers int             `json:"routers"`
}

type Usage struct {
	Workers    []WorkerUsage `json:"workers"`
	Routers    int           `json:"routers"`
	Transports int           `json:"transports"`
	Producers  int           `json:"producers"`
	Consumers  int           `json:"consumers"`
	Ports      int           `json:"ports"`
}

func (o *Orchestrator) Usage() Usage {
	var u Usage
	o.mu.RLock()
	routers := make([]*router, 0, len(o.routers))
	for _, r := range o.routers {
		routers = append(routers, r)
	}
	for _, w := range o.workers {
		u.Workers = append(u.Workers, WorkerUsage{ID: w.id, Healthy: w.healthy.Load(), Routers: w.routers})
	}
	o.mu.RUnlock()

	u.Routers = len(routers)
	for _, r := range routers {
		r.mu.Lock()
		u.Transports += len(r.transports)
		u.Producers += len(r.producers)
		u.Consumers += len(r.consumers)
		r.mu.Unlock()
	}
	u.Ports = o.ports.inUse()
	return u
}

// Close tears down every router and stops the workers. Participants are not notified.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	routers := make([]*router, 0, len(o.routers))
	for _, r := range o.routers {
		routers = append(routers, r)
	}
	clear(o.routers)
	clear(o.routerByID)
	workers := slices.Clone(o.workers)
	o.mu.Unlock()

	ev := &events{}
	for _, r := range routers {
		r.mu.Lock()
		for _, t := range r.sortedTransports() {
			o.closeTransportLocked(r, t, ev)
		}
		r.closed = true
		r.mu.Unlock()
	}
	for _, s := range ev.sinks {
		o.forwarder.RemoveSink(s.producer, s.consumer)
	}
	for _, p := range ev.relays {
		o.forwarder.StopRelay(p)
	}
	for _, w := range workers {
		w.shutdown()
	}
	metrics.Routers.Set(0)
	log.Info().Str("module", "media").Int("routers", len(routers)).Msg("media orchestrator closed")
}
