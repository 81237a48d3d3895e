package media

import (
	"fmt"
	"strings"
)

// The codecs this service knows how to negotiate. Routers are created with a
// subset of these; anything else is rejected at router creation.
var supportedCodecs = []RTPCodecCapability{
	{
		Kind:      MediaKindAudio,
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
		RTCPFeedback: []RTCPFeedback{
			{Type: "transport-cc"},
		},
	},
	{
		Kind:      MediaKindVideo,
		MimeType:  "video/VP8",
		ClockRate: 90000,
		RTCPFeedback: []RTCPFeedback{
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "goog-remb"},
			{Type: "transport-cc"},
		},
	},
	{
		Kind:      MediaKindVideo,
		MimeType:  "video/H264",
		ClockRate: 90000,
		Parameters: map[string]any{
			"packetization-mode":      1,
			"level-asymmetry-allowed": 1,
			"profile-level-id":        "42e01f",
		},
		RTCPFeedback: []RTCPFeedback{
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "goog-remb"},
			{Type: "transport-cc"},
		},
	},
}

var defaultHeaderExtensions = []RTPHeaderExtension{
	{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
	{Kind: MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
	{Kind: MediaKindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
	{Kind: MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4},
	{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10},
	{Kind: MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 13},
}

// DefaultCodecCapabilities returns every supported codec.
func DefaultCodecCapabilities() []RTPCodecCapability {
	out := make([]RTPCodecCapability, len(supportedCodecs))
	copy(out, supportedCodecs)
	return out
}

// CodecCapabilitiesForMimes resolves mime type names (e.g. "video/VP8") from
// the supported set, preserving order and rejecting unknowns.
func CodecCapabilitiesForMimes(mimes []string) ([]RTPCodecCapability, error) {
	out := make([]RTPCodecCapability, 0, len(mimes))
	for _, m := range mimes {
		found := false
		for _, c := range supportedCodecs {
			if strings.EqualFold(c.MimeType, m) {
				out = append(out, c)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unsupported media codec %q", m)
		}
	}
	return out, nil
}

// GenerateRouterCapabilities validates the requested codec set against the
// supported table and assigns preferred payload types starting at 100, the
// way routers advertise themselves to clients.
func GenerateRouterCapabilities(codecs []RTPCodecCapability) (RTPCapabilities, error) {
	if len(codecs) == 0 {
		return RTPCapabilities{}, fmt.Errorf("no codecs given")
	}

	caps := RTPCapabilities{
		HeaderExtensions: append([]RTPHeaderExtension(nil), defaultHeaderExtensions...),
	}

	pt := uint8(100)
	for _, requested := range codecs {
		matched := false
		for _, supported := range supportedCodecs {
			if !strings.EqualFold(supported.MimeType, requested.MimeType) {
				continue
			}
			c := supported
			if requested.ClockRate != 0 && requested.ClockRate != supported.ClockRate {
				return RTPCapabilities{}, fmt.Errorf("codec %q: clockRate %d not supported", requested.MimeType, requested.ClockRate)
			}
			if len(requested.Parameters) > 0 {
				c.Parameters = requested.Parameters
			}
			c.PreferredPayloadType = pt
			pt++
			caps.Codecs = append(caps.Codecs, c)
			matched = true
			break
		}
		if !matched {
			return RTPCapabilities{}, fmt.Errorf("unsupported media codec %q", requested.MimeType)
		}
	}
	return caps, nil
}

// CanConsume reports whether an endpoint advertising caps can receive a
// stream described by the producer's parameters.
func CanConsume(producerParams RTPParameters, caps RTPCapabilities) bool {
	c, ok := primaryCodec(producerParams)
	if !ok {
		return false
	}
	_, ok = matchCapabilityCodec(c, caps)
	return ok
}

// BuildConsumerParameters derives the parameters a consumer advertises to its
// receiving endpoint: the producer's primary codec translated to the
// endpoint's preferred payload type, on a fresh SSRC.
func BuildConsumerParameters(producerParams RTPParameters, caps RTPCapabilities, ssrc uint32, cname string) (RTPParameters, error) {
	prodCodec, ok := primaryCodec(producerParams)
	if !ok {
		return RTPParameters{}, fmt.Errorf("producer has no usable codec")
	}
	capCodec, ok := matchCapabilityCodec(prodCodec, caps)
	if !ok {
		return RTPParameters{}, fmt.Errorf("no matching codec in capabilities for %q", prodCodec.MimeType)
	}

	out := RTPParameters{
		Codecs: []RTPCodecParameters{{
			MimeType:     capCodec.MimeType,
			PayloadType:  capCodec.PreferredPayloadType,
			ClockRate:    capCodec.ClockRate,
			Channels:     capCodec.Channels,
			Parameters:   capCodec.Parameters,
			RTCPFeedback: capCodec.RTCPFeedback,
		}},
		Encodings: []RTPEncodingParameters{{SSRC: ssrc}},
		RTCP: RTCPParameters{
			CNAME:       cname,
			ReducedSize: true,
		},
	}

	kind, _ := kindFromMimeType(capCodec.MimeType)
	for _, ext := range caps.HeaderExtensions {
		if ext.Kind != kind {
			continue
		}
		out.HeaderExtensions = append(out.HeaderExtensions, RTPHeaderExtensionParameters{
			URI: ext.URI,
			ID:  ext.PreferredID,
		})
	}
	return out, nil
}

// primaryCodec picks the first media codec of the producer, skipping
// retransmission entries.
func primaryCodec(params RTPParameters) (RTPCodecParameters, bool) {
	for _, c := range params.Codecs {
		if strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx") {
			continue
		}
		return c, true
	}
	return RTPCodecParameters{}, false
}

func matchCapabilityCodec(codec RTPCodecParameters, caps RTPCapabilities) (RTPCodecCapability, bool) {
	for _, cc := range caps.Codecs {
		if !strings.EqualFold(cc.MimeType, codec.MimeType) {
			continue
		}
		if cc.ClockRate != codec.ClockRate {
			continue
		}
		if kind, _ := kindFromMimeType(cc.MimeType); kind == MediaKindAudio {
			capCh, prodCh := cc.Channels, codec.Channels
			if capCh == 0 {
				capCh = 1
			}
			if prodCh == 0 {
				prodCh = 1
			}
			if capCh != prodCh {
				continue
			}
		}
		if strings.EqualFold(cc.MimeType, "video/H264") &&
			h264PacketizationMode(cc.Parameters) != h264PacketizationMode(codec.Parameters) {
			continue
		}
		return cc, true
	}
	return RTPCodecCapability{}, false
}

// h264PacketizationMode reads packetization-mode from codec parameters,
// tolerating the numeric types JSON decoding produces. Absent means 0.
func h264PacketizationMode(params map[string]any) int {
	v, ok := params["packetization-mode"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		if n == "1" {
			return 1
		}
	}
	return 0
}

func kindFromMimeType(mimeType string) (MediaKind, bool) {
	switch {
	case strings.HasPrefix(strings.ToLower(mimeType), "audio/"):
		return MediaKindAudio, true
	case strings.HasPrefix(strings.ToLower(mimeType), "video/"):
		return MediaKindVideo, true
	default:
		return "", false
	}
}
