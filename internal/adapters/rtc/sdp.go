package rtc

import (
	"fmt"
	"strings"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// InspectOffer rejects offers no router could answer with the supported codec set.
func InspectOffer(raw string) error {
	return inspectOffer(raw, media.SupportedCodecs)
}

func inspectOffer(raw string, codecs []webrtc.RTPCodecParameters) error {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return fmt.Errorf("%w: malformed offer: %v", domain.ErrValidation, err)
	}

	supported := map[string]map[string]bool{"audio": {}, "video": {}}
	for _, c := range codecs {
		supported[media.CodecKind(c).String()][media.CodecName(c)] = true
	}

	var sections int
	for _, md := range desc.MediaDescriptions {
		kind := md.MediaName.Media
		if kind == "application" || md.MediaName.Port.Value == 0 {
			continue
		}
		names, ok := supported[kind]
		if !ok {
			return fmt.Errorf("%w: unsupported media section %q", domain.ErrValidation, kind)
		}
		if !offersCodec(md, names) {
			return fmt.Errorf("%w: no supported %s codec offered", domain.ErrValidation, kind)
		}
		sections++
	}
	if sections == 0 {
		return fmt.Errorf("%w: offer carries no audio or video", domain.ErrValidation)
	}
	return nil
}

// offersCodec looks for an rtpmap entry such as "111 opus/48000/2" naming a codec in names.
func offersCodec(md *sdp.MediaDescription, names map[string]bool) bool {
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		_, encoding, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(encoding, "/")
		if names[strings.ToLower(name)] {
			return true
		}
	}
	return false
}
