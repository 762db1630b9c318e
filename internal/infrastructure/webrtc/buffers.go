package webrtc

import (
	"roomcast/pkg/optimize"
)

// packetBuffers serves every RTP and RTCP read loop in the package. 1500
// covers a full Ethernet MTU frame.
var packetBuffers = optimize.NewBytePool(1500)
