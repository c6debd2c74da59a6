package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection is the pion peer connection backing one media transport.
type Connection struct {
	pc        *webrtc.PeerConnection
	transport domain.TransportID

	mu       sync.Mutex
	cancel   context.CancelFunc
	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onFailed func()
	failed   sync.Once
}

func newConnection(api *webrtc.API, cfg webrtc.Configuration, transport domain.TransportID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, transport: transport}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("transport_id", string(c.transport)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("transport_id", string(c.transport)).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.fail()
		case webrtc.PeerConnectionStateClosed:
			cancel()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("transport_id", string(c.transport)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(ctx, track, receiver)
		}
	})
	return nil
}

// fail reports the breakdown once; a closed connection never reports.
func (c *Connection) fail() {
	c.failed.Do(func() {
		c.mu.Lock()
		fn := c.onFailed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *Connection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *Connection) Close() {
	// Close runs the failure guard so teardown is never mistaken for a breakdown.
	c.failed.Do(func() {})
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("transport_id", string(c.transport)).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("transport_id", string(c.transport)).Msg("closed")
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

// OnTrack sets the callback for remote tracks. ctx ends when the connection closes.
func (c *Connection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnFailed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = fn
}

// AddLocalTrack attaches a forwarded track to the peer connection.
func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}
