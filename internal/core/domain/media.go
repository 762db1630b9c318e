package domain

// MediaKind identifies the media type of a producer or consumer.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// RTPParameters describe a single negotiated (or, for relay producers,
// declared) RTP stream. For relay producers the declared values must match
// the emitting process exactly; there is no negotiation step to correct them.
type RTPParameters struct {
	MimeType    string `json:"mime_type"`
	PayloadType uint8  `json:"payload_type"`
	ClockRate   uint32 `json:"clock_rate"`
	Channels    uint16 `json:"channels,omitempty"`
	SSRC        uint32 `json:"ssrc,omitempty"`
	// Parameters carries codec-specific fmtp attributes, if any.
	Parameters string `json:"parameters,omitempty"`
}

// RTPCapabilities describe what a receiving side is able to consume.
type RTPCapabilities struct {
	Codecs []string `json:"codecs"` // mime types, e.g. "video/VP8"
}

// Supports reports whether the capabilities include the given mime type.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, m := range c.Codecs {
		if m == mimeType {
			return true
		}
	}
	return false
}

// TransportDirection distinguishes the two interactive transports a peer owns.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// DTLSFingerprint is one hash of a DTLS certificate.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters are the security parameters a peer supplies when
// connecting a transport.
type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// ICECandidate is one local candidate advertised to the peer.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
}

// ICEParameters are the local ICE credentials for a transport.
type ICEParameters struct {
	UsernameFragment string `json:"username_fragment"`
	Password         string `json:"password"`
}

// TransportParameters is everything a peer needs to connect one
// interactive transport.
type TransportParameters struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"ice_parameters"`
	ICECandidates  []ICECandidate `json:"ice_candidates"`
	DTLSParameters DTLSParameters `json:"dtls_parameters"`
}

// ProducerInfo tags a producer with its owning username so consumers can
// resolve a producer id back to a human identity.
type ProducerInfo struct {
	ProducerID string    `json:"producer_id"`
	Username   Username  `json:"username"`
	Kind       MediaKind `json:"kind"`
}
