package rtc

import (
	"strings"
	"testing"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offer(sections ...string) string {
	lines := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	for _, s := range sections {
		lines = append(lines, strings.Split(s, "\n")...)
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

const (
	opusAudio = "m=audio 9 UDP/TLS/RTP/SAVPF 111 0\nc=IN IP4 0.0.0.0\na=rtpmap:111 opus/48000/2\na=rtpmap:0 PCMU/8000"
	pcmuAudio = "m=audio 9 UDP/TLS/RTP/SAVPF 0\nc=IN IP4 0.0.0.0\na=rtpmap:0 PCMU/8000"
	vp8Video  = "m=video 9 UDP/TLS/RTP/SAVPF 96\nc=IN IP4 0.0.0.0\na=rtpmap:96 VP8/90000"
	av1Video  = "m=video 9 UDP/TLS/RTP/SAVPF 45\nc=IN IP4 0.0.0.0\na=rtpmap:45 AV1/90000"
	dataOnly  = "m=application 9 UDP/DTLS/SCTP webrtc-datachannel\nc=IN IP4 0.0.0.0"
	rejected  = "m=video 0 UDP/TLS/RTP/SAVPF 45\nc=IN IP4 0.0.0.0\na=rtpmap:45 AV1/90000"
)

func TestInspectOffer(t *testing.T) {
	cases := []struct {
		name string
		sdp  string
		ok   bool
	}{
		{"audio and video", offer(opusAudio, vp8Video), true},
		{"audio with data channel", offer(opusAudio, dataOnly), true},
		{"rejected section is ignored", offer(opusAudio, rejected), true},
		{"unsupported audio codec", offer(pcmuAudio), false},
		{"unsupported video codec", offer(opusAudio, av1Video), false},
		{"data channel only", offer(dataOnly), false},
		{"no media", offer(), false},
		{"garbage", "hello", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := InspectOffer(tc.sdp)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestFactoryInspectsConfiguredCodecs(t *testing.T) {
	cfg := config.Default().Media
	cfg.Codecs = []string{"opus"}
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	assert.NoError(t, f.InspectOffer(offer(opusAudio)))
	assert.ErrorIs(t, f.InspectOffer(offer(opusAudio, vp8Video)), domain.ErrValidation)

	cfg.Codecs = []string{"speex"}
	_, err = NewFactory(cfg)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFactoryOpensConnection(t *testing.T) {
	cfg := config.Default().Media
	cfg.ICEServers = nil
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	conn, err := f.Open(media.TransportParams{ID: "t1", Port: 43111, ICEUfrag: "abcdefgh", ICEPwd: "abcdefghijklmnopqrstuvwxyz"})
	require.NoError(t, err)
	failed := false
	conn.OnFailed(func() { failed = true })
	require.NoError(t, conn.Start(t.Context()))
	conn.Close()
	assert.False(t, failed)
}
