package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// isKeyframe reports whether packet starts a keyframe for the given codec.
// Unknown codecs are treated as always decodable.
func isKeyframe(mimeType string, packet *rtp.Packet) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(packet.Payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(packet.Payload)
	default:
		return true
	}
}

func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	first := payload[0]
	start := first&0x10 != 0
	partition := first & 0x07
	if !start || partition != 0 {
		return false
	}

	offset := 1
	if first&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		offset++
		if ext&0x80 != 0 { // picture id
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // tl0picidx
			offset++
		}
		if ext&0x30 != 0 { // tid / keyidx
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}
	// P bit of the VP8 payload header is 0 on keyframes
	return payload[offset]&0x01 == 0
}

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	nalType := payload[0] & 0x1F
	switch nalType {
	case 5, 7:
		return true
	case 24: // STAP-A
		if len(payload) < 4 {
			return false
		}
		inner := payload[3] & 0x1F
		return inner == 5 || inner == 7
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == 5
	}
	return false
}
