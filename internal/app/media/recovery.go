package media

import (
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/dkeye/Hearth/internal/metrics"
	"github.com/rs/zerolog/log"
)

// recovery tracks an outstanding renegotiation request for a transport.
type recovery struct {
	attempt int
	timer   *time.Timer
}

func (t *transport) stopRecovery() {
	if t.recovery == nil {
		return
	}
	if t.recovery.timer != nil {
		t.recovery.timer.Stop()
	}
	t.recovery = nil
}

func (o *Orchestrator) maxAttempts() int {
	return max(o.cfg.MaxRecoveryAttempts, 1)
}

// beginRecoveryLocked asks the owner to renegotiate unless a request is already
// outstanding. Expects r.mu held.
func (o *Orchestrator) beginRecoveryLocked(r *router, t *transport, ev *events) {
	if t.recovery != nil {
		return
	}
	t.recovery = &recovery{attempt: 1}
	o.armRecoveryLocked(r, t)
	ev.renegotiate = append(ev.renegotiate, renegotiation{params: o.paramsLocked(r, t), attempt: 1})
}

func (o *Orchestrator) armRecoveryLocked(r *router, t *transport) {
	id, rec := t.id, t.recovery
	rec.timer = time.AfterFunc(o.cfg.RenegotiateTimeout, func() { o.recoveryTimeout(r, id, rec) })
}

// recoveryTimeout re-issues an unconfirmed renegotiation, or fails the transport
// once the attempts are used up.
func (o *Orchestrator) recoveryTimeout(r *router, id domain.TransportID, rec *recovery) {
	ev := &events{}
	r.mu.Lock()
	t, ok := r.transports[id]
	if !ok || t.recovery != rec {
		r.mu.Unlock()
		return
	}
	if rec.attempt >= o.maxAttempts() {
		params := o.paramsLocked(r, t)
		o.closeTransportLocked(r, t, ev)
		ev.failed = append(ev.failed, failure{params: params, reason: "renegotiation not confirmed"})
		metrics.RecoveryOutcomes.WithLabelValues("failed").Inc()
		log.Warn().Str("module", "media.recovery").Str("transport_id", string(id)).Int("attempts", rec.attempt).Msg("transport failed")
	} else {
		rec.attempt++
		o.armRecoveryLocked(r, t)
		ev.renegotiate = append(ev.renegotiate, renegotiation{params: o.paramsLocked(r, t), attempt: rec.attempt})
		log.Info().Str("module", "media.recovery").Str("transport_id", string(id)).Int("attempt", rec.attempt).Msg("renegotiation re-issued")
	}
	empty, room := len(r.transports) == 0, r.roomID
	r.mu.Unlock()

	o.dispatch(ev)
	if empty {
		o.ReleaseRouter(room)
	}
}

// ConfirmRenegotiation ends an outstanding recovery for the transport. Confirming a
// healthy transport is a no-op.
func (o *Orchestrator) ConfirmRenegotiation(transportID domain.TransportID) (TransportParams, error) {
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return TransportParams{}, err
	}
	defer r.mu.Unlock()
	if t.recovery != nil {
		t.stopRecovery()
		metrics.RecoveryOutcomes.WithLabelValues("recovered").Inc()
		log.Info().Str("module", "media.recovery").Str("transport_id", string(transportID)).Msg("transport recovered")
	}
	return o.paramsLocked(r, t), nil
}

// Recovering reports whether a renegotiation is outstanding for the transport.
func (o *Orchestrator) Recovering(transportID domain.TransportID) (bool, error) {
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return false, err
	}
	defer r.mu.Unlock()
	return t.recovery != nil, nil
}

// ReportTransportFailure starts recovery for a transport whose connection broke.
func (o *Orchestrator) ReportTransportFailure(transportID domain.TransportID) error {
	r, t, err := o.lockTransport(transportID)
	if err != nil {
		return err
	}
	ev := &events{}
	o.beginRecoveryLocked(r, t, ev)
	r.mu.Unlock()
	o.dispatch(ev)
	return nil
}

func (o *Orchestrator) onWorkerCrash(id domain.WorkerID, _ any) {
	o.HandleWorkerCrash(id)
}

// HandleWorkerCrash replaces the worker with a fresh empty one and moves its routers
// to the least-loaded healthy workers. Moved routers lose their producers and
// consumers; their transports get new ports and ICE credentials and enter recovery.
func (o *Orchestrator) HandleWorkerCrash(id domain.WorkerID) {
	o.mu.Lock()
	if o.closed || int(id) < 0 || int(id) >= len(o.workers) {
		o.mu.Unlock()
		return
	}
	o.workers[id].shutdown()
	metrics.WorkerCrashes.Inc()
	replacement := newWorker(id, o.queue, o.onWorkerCrash)
	o.workers[id] = replacement

	var moved []*router
	for _, r := range o.routers {
		if r.worker != id {
			continue
		}
		target := o.pickWorkerLocked(id)
		if target == nil {
			target = replacement
		}
		r.worker = target.id
		target.routers++
		moved = append(moved, r)
	}
	o.mu.Unlock()

	log.Warn().Str("module", "media.recovery").Int("worker", int(id)).Int("routers", len(moved)).Msg("worker crashed, migrating routers")
	for _, r := range moved {
		o.rebuildRouter(r)
	}
}

func (o *Orchestrator) rebuildRouter(r *router) {
	ev := &events{}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, p := range r.sortedProducers() {
		o.closeProducerLocked(r, p, ev)
	}
	for _, t := range r.sortedTransports() {
		t.adapt.stop()
		t.adapt = newAdaptation(o.cfg.Bitrate)
		t.stopRecovery()
		// the old port goes back first so a full pool can hand it out again
		o.ports.release(t.port)
		port, err := o.ports.allocate()
		if err != nil {
			t.port = 0
			params := o.paramsLocked(r, t)
			o.closeTransportLocked(r, t, ev)
			ev.failed = append(ev.failed, failure{params: params, reason: err.Error()})
			continue
		}
		t.port = port
		t.ufrag, t.pwd = newICECredentials()
		o.beginRecoveryLocked(r, t, ev)
	}
	empty, room := len(r.transports) == 0, r.roomID
	r.mu.Unlock()

	o.dispatch(ev)
	if empty {
		o.ReleaseRouter(room)
	}
}
