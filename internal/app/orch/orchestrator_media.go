package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// trackSource feeds a remote track into a relay.
type trackSource struct{ track *webrtc.TrackRemote }

func (s trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

type bound struct {
	conn  core.MediaConnection
	sinks map[domain.ConsumerID]bool
}

// ownTransport returns the transport if it belongs to identity.
func (o *Orchestrator) ownTransport(identity domain.UserID, id domain.TransportID) (media.TransportParams, error) {
	params, err := o.Media.Transport(id)
	if err != nil {
		return media.TransportParams{}, err
	}
	if params.Identity != identity {
		return media.TransportParams{}, fmt.Errorf("%w: transport belongs to another participant", domain.ErrForbidden)
	}
	return params, nil
}

// Publish starts a producer on the participant's transport in the channel's room,
// allocating the transport first if needed. Channel kind, access and membership are
// checked on every call, so a reused transport gives no extra rights.
func (o *Orchestrator) Publish(sid domain.SessionID, identity domain.UserID, channelID domain.ChannelID, kind domain.MediaKind) (media.Producer, []media.Consumer, error) {
	roomID, err := o.roomOfChannel(channelID)
	if err != nil {
		return media.Producer{}, nil, err
	}
	defer o.lockRoom(roomID)()
	if _, err := o.voiceChannel(identity, channelID); err != nil {
		return media.Producer{}, nil, err
	}
	t, ok := o.Media.TransportOf(roomID, identity)
	if ok {
		o.hold(t.ID, sid)
	} else {
		vs, err := o.joinVoiceLocked(sid, identity, roomID, domain.DirectionSendRecv)
		if err != nil {
			return media.Producer{}, nil, err
		}
		t = vs.Transport
	}
	return o.Media.Publish(t.ID, kind)
}

// SetConsumerMuted pauses or resumes forwarding into one of the participant's consumers.
func (o *Orchestrator) SetConsumerMuted(identity domain.UserID, transportID domain.TransportID, consumerID domain.ConsumerID, muted bool) error {
	if _, err := o.ownTransport(identity, transportID); err != nil {
		return err
	}
	consumers, err := o.Media.ConsumersOf(transportID)
	if err != nil {
		return err
	}
	for _, c := range consumers {
		if c.ID == consumerID {
			o.Relays.SetMuted(c.ProducerID, c.ID, muted)
			return nil
		}
	}
	return fmt.Errorf("%w: consumer %s", domain.ErrNotFound, consumerID)
}

func (o *Orchestrator) Unpublish(identity domain.UserID, producerID domain.ProducerID) (media.Producer, []media.Consumer, error) {
	return o.Media.Unpublish(producerID, identity)
}

// Subscribe attaches the participant's transport to a producer in the same room.
func (o *Orchestrator) Subscribe(identity domain.UserID, producerID domain.ProducerID) (media.Consumer, error) {
	_, roomID, err := o.Media.Producer(producerID)
	if err != nil {
		return media.Consumer{}, err
	}
	t, ok := o.Media.TransportOf(roomID, identity)
	if !ok {
		return media.Consumer{}, fmt.Errorf("%w: join voice in the room first", media.ErrTransportNotFound)
	}
	c, err := o.Media.Subscribe(t.ID, producerID)
	if err != nil {
		return media.Consumer{}, err
	}
	o.attachSinks([]media.Consumer{c})
	return c, nil
}

func (o *Orchestrator) BandwidthEstimate(identity domain.UserID, transportID domain.TransportID, bps int) (media.Bitrate, error) {
	if _, err := o.ownTransport(identity, transportID); err != nil {
		return media.Bitrate{}, err
	}
	if err := o.Media.OnBandwidthEstimate(transportID, bps); err != nil {
		return media.Bitrate{}, err
	}
	return o.Media.Bitrate(transportID)
}

func (o *Orchestrator) AddICECandidate(identity domain.UserID, transportID domain.TransportID, cand webrtc.ICECandidateInit) error {
	if _, err := o.ownTransport(identity, transportID); err != nil {
		return err
	}
	conn := o.connection(transportID)
	if conn == nil {
		return fmt.Errorf("%w: transport has not been negotiated", domain.ErrValidation)
	}
	if err := conn.AddICECandidate(cand); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}
	return nil
}

// Negotiate runs one offer/answer round for the transport and confirms any pending
// renegotiation. An empty offer only confirms.
func (o *Orchestrator) Negotiate(identity domain.UserID, transportID domain.TransportID, offer string, onCandidate func(webrtc.ICECandidateInit)) (string, media.TransportParams, error) {
	params, err := o.ownTransport(identity, transportID)
	if err != nil {
		return "", media.TransportParams{}, err
	}
	var answer string
	if offer != "" {
		if o.Connect == nil {
			return "", media.TransportParams{}, fmt.Errorf("%w: sdp negotiation is not available", domain.ErrValidation)
		}
		conn, err := o.openConnection(params, onCandidate)
		if err != nil {
			return "", media.TransportParams{}, err
		}
		desc, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
		if err != nil {
			if rerr := o.Media.ReportTransportFailure(transportID); rerr != nil {
				log.Debug().Str("module", "orch").Err(rerr).Msg("report transport failure")
			}
			return "", media.TransportParams{}, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
		}
		answer = desc.SDP
	}
	params, err = o.Media.ConfirmRenegotiation(transportID)
	if err != nil {
		return "", media.TransportParams{}, err
	}
	return answer, params, nil
}

func (o *Orchestrator) connection(id domain.TransportID) core.MediaConnection {
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.conns[id]; ok {
		return b.conn
	}
	return nil
}

// openConnection returns the transport's endpoint, creating and starting it on first use.
func (o *Orchestrator) openConnection(params media.TransportParams, onCandidate func(webrtc.ICECandidateInit)) (core.MediaConnection, error) {
	o.mu.Lock()
	if b, ok := o.conns[params.ID]; ok {
		o.mu.Unlock()
		return b.conn, nil
	}
	o.mu.Unlock()

	conn, err := o.Connect(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}
	id := params.ID
	if onCandidate != nil {
		conn.OnICECandidate(onCandidate)
	}
	conn.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.onTrack(ctx, id, track)
	})
	conn.OnFailed(func() {
		if err := o.Media.ReportTransportFailure(id); err != nil {
			log.Debug().Str("module", "orch").Str("transport_id", string(id)).Err(err).Msg("failed transport already gone")
		}
	})
	if err := conn.Start(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}

	o.mu.Lock()
	if b, ok := o.conns[id]; ok {
		o.mu.Unlock()
		conn.Close()
		return b.conn, nil
	}
	o.conns[id] = &bound{conn: conn, sinks: make(map[domain.ConsumerID]bool)}
	o.mu.Unlock()

	// consumers created before the endpoint existed
	if consumers, err := o.Media.ConsumersOf(id); err == nil {
		o.attachSinks(consumers)
	}
	return conn, nil
}

func (o *Orchestrator) dropConnection(id domain.TransportID) {
	o.mu.Lock()
	b, ok := o.conns[id]
	delete(o.conns, id)
	o.mu.Unlock()
	if ok {
		b.conn.Close()
	}
}

// onTrack starts forwarding a remote track. A track arriving before its publish
// event publishes implicitly.
func (o *Orchestrator) onTrack(ctx context.Context, id domain.TransportID, track *webrtc.TrackRemote) {
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	params, err := o.Media.Transport(id)
	if err != nil {
		return
	}
	var producer *media.Producer
	for _, p := range o.Media.Producers(params.RoomID) {
		if p.TransportID == id && p.Kind == kind {
			producer = &p
			break
		}
	}
	if producer == nil {
		p, _, err := o.Media.Publish(id, kind)
		if err != nil {
			log.Warn().Str("module", "orch").Str("transport_id", string(id)).Err(err).Msg("implicit publish failed")
			return
		}
		producer = &p
	}
	o.Relays.StartRelay(ctx, producer.ID, trackSource{track: track})
	o.attachSinks(o.Media.ConsumersOfProducer(producer.ID))
	log.Info().Str("module", "orch").Str("producer_id", string(producer.ID)).Str("kind", string(kind)).Msg("relay started")
}

func (o *Orchestrator) codecFor(kind domain.MediaKind) (webrtc.RTPCodecCapability, bool) {
	want := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		want = webrtc.RTPCodecTypeVideo
	}
	for _, c := range o.Media.Codecs() {
		if media.CodecKind(c) == want {
			return c.RTPCodecCapability, true
		}
	}
	return webrtc.RTPCodecCapability{}, false
}

// attachSinks gives every consumer whose transport has an endpoint a local track fed
// by the producer's relay. Consumers without a running relay wait for onTrack.
func (o *Orchestrator) attachSinks(consumers []media.Consumer) {
	for _, c := range consumers {
		if !o.Relays.HasRelay(c.ProducerID) {
			continue
		}
		o.mu.Lock()
		b, ok := o.conns[c.TransportID]
		if !ok || b.sinks[c.ID] {
			o.mu.Unlock()
			continue
		}
		b.sinks[c.ID] = true
		o.mu.Unlock()

		capability, ok := o.codecFor(c.Kind)
		if !ok {
			continue
		}
		track, err := webrtc.NewTrackLocalStaticRTP(capability, string(c.ID), string(c.Producer))
		if err != nil {
			log.Error().Str("module", "orch").Err(err).Msg("local track")
			continue
		}
		sender, err := b.conn.AddLocalTrack(track)
		if err != nil {
			log.Error().Str("module", "orch").Str("consumer_id", string(c.ID)).Err(err).Msg("add local track")
			continue
		}
		go drainRTCP(sender)
		o.Relays.AddSink(c.ProducerID, c.ID, track)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
