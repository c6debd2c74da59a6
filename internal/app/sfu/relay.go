package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Source yields the RTP packets of one producer.
type Source interface {
	ReadRTP() (*rtp.Packet, error)
}

type Relay struct {
	Src Source

	mu        sync.RWMutex
	outTracks map[domain.ConsumerID]*OutTrack

	forwarded atomic.Uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewRelay(src Source, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[domain.ConsumerID]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.Src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("relay read RTP error, stopping")
			}
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.ConsumerID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.ConsumerID, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Sink.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer_id", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
				continue
			}
			r.forwarded.Add(1)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst domain.ConsumerID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

func (r *Relay) outTrack(dst domain.ConsumerID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

// Forwarded counts packets written to sinks.
func (r *Relay) Forwarded() uint64 { return r.forwarded.Load() }

// Done is closed once the relay loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
