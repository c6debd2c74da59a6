package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/rs/zerolog/log"
)

// RelayManager runs one relay per producer. It implements media.Forwarder.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// StartRelay creates a new Relay for the producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, producer domain.ProducerID, src Source) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("producer_id", string(producer)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producer]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[producer] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSink attaches the consumer's sink to the producer's relay.
func (m *RelayManager) AddSink(producer domain.ProducerID, consumer domain.ConsumerID, sink Sink) bool {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumer, NewOutTrack(sink))
	return true
}

// RemoveSink marks the consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) RemoveSink(producer domain.ProducerID, consumer domain.ConsumerID) {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(consumer); ok {
		ot.MarkDelete()
	}
}

// SetMuted pauses or resumes forwarding to one consumer.
func (m *RelayManager) SetMuted(producer domain.ProducerID, consumer domain.ConsumerID, muted bool) {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ot, ok := relay.outTrack(consumer)
	if !ok {
		return
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producer domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[producer]
	if ok {
		delete(m.relays, producer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for the producer.
func (m *RelayManager) HasRelay(producer domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producer]
	return ok
}

func (m *RelayManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
