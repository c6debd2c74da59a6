package media

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/pion/webrtc/v4"
)

const startBitrate = "x-google-start-bitrate=1000"

// SupportedCodecs is the fixed codec set a router can offer.
var SupportedCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, SDPFmtpLine: startBitrate},
		PayloadType:        96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=2;" + startBitrate},
		PayloadType:        98,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0032;" + startBitrate},
		PayloadType:        102,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f;" + startBitrate},
		PayloadType:        108,
	},
}

// CodecName is the short name of a codec, e.g. "opus" for audio/opus.
func CodecName(c webrtc.RTPCodecParameters) string {
	_, name, _ := strings.Cut(c.MimeType, "/")
	return strings.ToLower(name)
}

// CodecKind reports whether the codec carries audio or video.
func CodecKind(c webrtc.RTPCodecParameters) webrtc.RTPCodecType {
	if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// SelectCodecs keeps the supported codecs named in names, in supported order.
// An empty list selects everything.
func SelectCodecs(names []string) ([]webrtc.RTPCodecParameters, error) {
	if len(names) == 0 {
		return slices.Clone(SupportedCodecs), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if !slices.ContainsFunc(SupportedCodecs, func(c webrtc.RTPCodecParameters) bool { return CodecName(c) == n }) {
			return nil, fmt.Errorf("%w: unsupported codec %q", domain.ErrValidation, n)
		}
		want[n] = true
	}
	var out []webrtc.RTPCodecParameters
	for _, c := range SupportedCodecs {
		if want[CodecName(c)] {
			out = append(out, c)
		}
	}
	return out, nil
}
