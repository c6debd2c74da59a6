package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/pion/webrtc/v4"
)

type candidatePayload struct {
	Transport     domain.TransportID `json:"transport"`
	Candidate     string             `json:"candidate"`
	SDPMid        *string            `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16            `json:"sdpMLineIndex,omitempty"`
}

func (ctl *Controller) handleVoiceJoin(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Channel   domain.ChannelID `json:"channel"`
		Direction domain.Direction `json:"direction"`
	}](raw)
	if err != nil {
		return nil, err
	}
	vs, err := ctl.orch.JoinVoice(cl.sid, cl.identity, p.Channel, p.Direction)
	if err != nil {
		return nil, err
	}
	cl.setVoice(vs.Transport.RoomID, true)
	return vs, nil
}

func (ctl *Controller) handleVoiceLeave(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	ctl.orch.LeaveVoice(cl.sid, p.Room, cl.identity)
	cl.setVoice(p.Room, false)
	return nil, nil
}

func (ctl *Controller) handlePublish(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Channel domain.ChannelID `json:"channel"`
		Kind    domain.MediaKind `json:"kind"`
	}](raw)
	if err != nil {
		return nil, err
	}
	producer, _, err := ctl.orch.Publish(cl.sid, cl.identity, p.Channel, p.Kind)
	if err != nil {
		return nil, err
	}
	if t, err := ctl.orch.Media.Transport(producer.TransportID); err == nil {
		cl.setVoice(t.RoomID, true)
	}
	return producer, nil
}

func (ctl *Controller) handleUnpublish(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Producer domain.ProducerID `json:"producer"`
	}](raw)
	if err != nil {
		return nil, err
	}
	producer, _, err := ctl.orch.Unpublish(cl.identity, p.Producer)
	if err != nil {
		return nil, err
	}
	return producer, nil
}

func (ctl *Controller) handleSubscribe(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Producer domain.ProducerID `json:"producer"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return ctl.orch.Subscribe(cl.identity, p.Producer)
}

func (ctl *Controller) handleConsumerMute(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Transport domain.TransportID `json:"transport"`
		Consumer  domain.ConsumerID  `json:"consumer"`
		Muted     bool               `json:"muted"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return nil, ctl.orch.SetConsumerMuted(cl.identity, p.Transport, p.Consumer, p.Muted)
}

func (ctl *Controller) handleCandidate(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[candidatePayload](raw)
	if err != nil {
		return nil, err
	}
	if p.Candidate == "" {
		return nil, fmt.Errorf("%w: empty candidate", domain.ErrValidation)
	}
	cand := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}
	return nil, ctl.orch.AddICECandidate(cl.identity, p.Transport, cand)
}

func (ctl *Controller) handleRenegotiate(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Transport domain.TransportID `json:"transport"`
		SDP       string             `json:"sdp,omitempty"`
	}](raw)
	if err != nil {
		return nil, err
	}
	if p.SDP != "" && ctl.inspect != nil {
		if err := ctl.inspect(p.SDP); err != nil {
			return nil, err
		}
	}
	transport := p.Transport
	answer, params, err := ctl.orch.Negotiate(cl.identity, transport, p.SDP, func(ci webrtc.ICECandidateInit) {
		ctl.send(cl, event{Type: "iceCandidate", Data: candidatePayload{
			Transport:     transport,
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		}})
	})
	if err != nil {
		return nil, err
	}
	return struct {
		Transport media.TransportParams `json:"transport"`
		SDP       string                `json:"sdp,omitempty"`
	}{Transport: params, SDP: answer}, nil
}

func (ctl *Controller) handleBandwidth(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Transport domain.TransportID `json:"transport"`
		Bitrate   int                `json:"bitrate"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return ctl.orch.BandwidthEstimate(cl.identity, p.Transport, p.Bitrate)
}
