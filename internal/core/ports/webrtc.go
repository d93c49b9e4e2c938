package ports

import (
	"context"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of a WebRTC peer connection the controllers drive.
type PeerConnection interface {
	AddSendTrack(track webrtc.TrackLocal) error
	AddRecvTransceiver(kind webrtc.RTPCodecType) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	WriteRTCP(packets []rtcp.Packet) error
	OnICECandidate(h func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(h func(state webrtc.PeerConnectionState))
	OnTrack(h func(track RemoteTrack))
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, error)
}

// LocalStream is the captured media shared read-only by every PeerLink.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Stop() error
}

// Capturer acquires local media. Implementations return errors wrapping
// domain.ErrCaptureDenied or domain.ErrCaptureUnavailable.
type Capturer interface {
	Capture(ctx context.Context) (LocalStream, error)
}

// MediaSink renders inbound media on the viewer side.
type MediaSink interface {
	Attach(track RemoteTrack)
	Clear()
}
