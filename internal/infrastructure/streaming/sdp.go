package streaming

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"roomcast/internal/core/domain"

	"github.com/pion/sdp/v3"
)

// buildRelaySDP synthesizes the minimal session descriptor the playback
// subprocess reads: one media line describing the relay port, with payload
// type, clock rate and codec parameters taken from the consumer's
// negotiated parameters.
func buildRelaySDP(ip string, port int, kind domain.MediaKind, params domain.RTPParameters) ([]byte, error) {
	codec := params.MimeType
	if idx := strings.Index(codec, "/"); idx >= 0 {
		codec = codec[idx+1:]
	}

	rtpmap := fmt.Sprintf("%d %s/%d", params.PayloadType, codec, params.ClockRate)
	if params.Channels > 1 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, params.Channels)
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(kind),
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(params.PayloadType))},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: rtpmap},
		},
	}
	if params.Parameters != "" {
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "fmtp",
			Value: fmt.Sprintf("%d %s", params.PayloadType, params.Parameters),
		})
	}
	media.Attributes = append(media.Attributes, sdp.Attribute{Key: "recvonly"})

	session := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "roomcast playback",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions:  []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}

	return session.Marshal()
}
