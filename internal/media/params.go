package media

import "fmt"

// MediaKind distinguishes audio from video streams.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// RTPCapabilities describes what a router or a remote endpoint can send and
// receive. The JSON field names are part of the signaling wire format.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint8          `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPParameters describes one concrete stream: the codec actually in use and
// the SSRC(s) it is carried on.
type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint8          `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RTPEncodingParameters struct {
	SSRC       uint32 `json:"ssrc,omitempty"`
	RID        string `json:"rid,omitempty"`
	MaxBitrate uint32 `json:"maxBitrate,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// ICEParameters carries the ICE credentials of one side of a transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSRole is the role an endpoint takes in the DTLS handshake. An empty
// role means auto.
type DTLSRole string

const (
	DTLSRoleAuto   DTLSRole = "auto"
	DTLSRoleClient DTLSRole = "client"
	DTLSRoleServer DTLSRole = "server"
)

type DTLSParameters struct {
	Role         DTLSRole          `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// ValidateProducerRTPParameters checks the parameters a client advertises for
// a new producer. The engine needs at least one codec of the right kind and
// one encoding with a concrete SSRC to bind the incoming stream.
func ValidateProducerRTPParameters(kind MediaKind, params RTPParameters) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid media kind %q", kind)
	}
	if len(params.Codecs) == 0 {
		return fmt.Errorf("rtpParameters has no codecs")
	}
	for _, c := range params.Codecs {
		ck, ok := kindFromMimeType(c.MimeType)
		if !ok {
			return fmt.Errorf("invalid codec mimeType %q", c.MimeType)
		}
		if ck != kind {
			return fmt.Errorf("codec %q does not match kind %q", c.MimeType, kind)
		}
		if c.ClockRate == 0 {
			return fmt.Errorf("codec %q has no clockRate", c.MimeType)
		}
	}
	if len(params.Encodings) == 0 {
		return fmt.Errorf("rtpParameters has no encodings")
	}
	if params.Encodings[0].SSRC == 0 {
		return fmt.Errorf("first encoding has no ssrc")
	}
	return nil
}
