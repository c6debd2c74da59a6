package rtc

import (
	"fmt"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Factory opens peer connections bound to the port and ICE credentials the media
// orchestrator allocated for a transport.
type Factory struct {
	codecs      []webrtc.RTPCodecParameters
	iceServers  []webrtc.ICEServer
	announcedIP string
}

func NewFactory(cfg config.MediaConfig) (*Factory, error) {
	codecs, err := media.SelectCodecs(cfg.Codecs)
	if err != nil {
		return nil, err
	}
	f := &Factory{codecs: codecs, announcedIP: cfg.AnnouncedIP}
	if len(cfg.ICEServers) > 0 {
		f.iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return f, nil
}

// Open builds a peer connection for the transport. Each transport gets its own API
// because the port range and ICE credentials live on the setting engine.
func (f *Factory) Open(params media.TransportParams) (core.MediaConnection, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range f.codecs {
		if err := m.RegisterCodec(c, media.CodecKind(c)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	s := webrtc.SettingEngine{}
	if params.Port > 0 {
		port := uint16(params.Port)
		if err := s.SetEphemeralUDPPortRange(port, port); err != nil {
			return nil, fmt.Errorf("%w: port %d: %w", domain.ErrTransportFailure, params.Port, err)
		}
	}
	if params.ICEUfrag != "" {
		s.SetICECredentials(params.ICEUfrag, params.ICEPwd)
	}
	if f.announcedIP != "" {
		s.SetNAT1To1IPs([]string{f.announcedIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s))
	conn, err := newConnection(api, webrtc.Configuration{ICEServers: f.iceServers}, params.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}
	return conn, nil
}

// InspectOffer checks an offer against the codecs this factory registers.
func (f *Factory) InspectOffer(raw string) error {
	return inspectOffer(raw, f.codecs)
}
