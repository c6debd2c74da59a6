package media

import "github.com/dkeye/Hearth/internal/domain"

// Notifier receives media events that must reach participants. Calls are made
// without any orchestrator lock held, so implementations may call back in.
type Notifier interface {
	ProducerAdded(room domain.RoomID, p Producer, consumers []Consumer)
	ProducerClosed(room domain.RoomID, p Producer, consumers []Consumer)
	// Renegotiate asks the transport's owner to redo the offer/answer exchange.
	Renegotiate(t TransportParams, attempt int)
	// TransportFailed is terminal: the transport is already gone.
	TransportFailed(t TransportParams, reason string)
}

// Forwarder moves RTP from producers to consumers. Teardown is driven from here so
// forwarding stops in lockstep with the graph.
type Forwarder interface {
	RemoveSink(producer domain.ProducerID, consumer domain.ConsumerID)
	StopRelay(producer domain.ProducerID)
}

type nopNotifier struct{}

func (nopNotifier) ProducerAdded(domain.RoomID, Producer, []Consumer)  {}
func (nopNotifier) ProducerClosed(domain.RoomID, Producer, []Consumer) {}
func (nopNotifier) Renegotiate(TransportParams, int)                   {}
func (nopNotifier) TransportFailed(TransportParams, string)            {}

type nopForwarder struct{}

func (nopForwarder) RemoveSink(domain.ProducerID, domain.ConsumerID) {}
func (nopForwarder) StopRelay(domain.ProducerID)                     {}

type producerEvent struct {
	room      domain.RoomID
	producer  Producer
	consumers []Consumer
}

type sinkRef struct {
	producer domain.ProducerID
	consumer domain.ConsumerID
}

type renegotiation struct {
	params  TransportParams
	attempt int
}

type failure struct {
	params TransportParams
	reason string
}

// events collects what happened under a router lock, to be dispatched after release.
type events struct {
	added       []producerEvent
	closed      []producerEvent
	sinks       []sinkRef
	relays      []domain.ProducerID
	renegotiate []renegotiation
	failed      []failure
}

func (o *Orchestrator) dispatch(ev *events) {
	for _, s := range ev.sinks {
		o.forwarder.RemoveSink(s.producer, s.consumer)
	}
	for _, p := range ev.relays {
		o.forwarder.StopRelay(p)
	}
	n := o.notifier()
	for _, e := range ev.closed {
		n.ProducerClosed(e.room, e.producer, e.consumers)
	}
	for _, e := range ev.added {
		n.ProducerAdded(e.room, e.producer, e.consumers)
	}
	for _, f := range ev.failed {
		n.TransportFailed(f.params, f.reason)
	}
	for _, r := range ev.renegotiate {
		n.Renegotiate(r.params, r.attempt)
	}
}
