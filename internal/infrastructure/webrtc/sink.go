package webrtc

import (
	"net"
	"sync"

	"codecast/internal/core/ports"
	"codecast/pkg/optimize"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var rtpBuffers = optimize.NewBytePool(rtpMTU)

type mimeTyped interface {
	MimeType() string
}

// RTPForwardSink "renders" inbound media by forwarding RTP to local UDP ports,
// where a player such as ffplay or GStreamer can pick it up. Video is held back
// until the first keyframe so the player never starts on a broken picture.
type RTPForwardSink struct {
	AudioAddress string
	VideoAddress string
	logger       *zap.SugaredLogger

	mu         sync.Mutex
	forwarders map[string]*forwarder
}

type forwarder struct {
	track ports.RemoteTrack
	conn  net.Conn
	stop  chan struct{}
	once  sync.Once
}

func (f *forwarder) close() {
	f.once.Do(func() {
		close(f.stop)
		if f.conn != nil {
			_ = f.conn.Close()
		}
	})
}

func NewRTPForwardSink(audioAddress, videoAddress string, logger *zap.SugaredLogger) *RTPForwardSink {
	return &RTPForwardSink{
		AudioAddress: audioAddress,
		VideoAddress: videoAddress,
		logger:       logger,
		forwarders:   make(map[string]*forwarder),
	}
}

func (s *RTPForwardSink) Attach(track ports.RemoteTrack) {
	address := s.AudioAddress
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		address = s.VideoAddress
	}

	f := &forwarder{track: track, stop: make(chan struct{})}
	if address != "" {
		conn, err := net.Dial("udp", address)
		if err != nil {
			s.logger.Warnw("failed to open render socket, discarding track",
				"track_id", track.ID(),
				"address", address,
				"error", err,
			)
		} else {
			f.conn = conn
		}
	}

	s.mu.Lock()
	if old, ok := s.forwarders[track.ID()]; ok {
		old.close()
	}
	s.forwarders[track.ID()] = f
	s.mu.Unlock()

	go s.forward(f)
}

// Clear stops every forwarder. Reads unblock once the owning peer connection closes.
func (s *RTPForwardSink) Clear() {
	s.mu.Lock()
	forwarders := s.forwarders
	s.forwarders = make(map[string]*forwarder)
	s.mu.Unlock()

	for _, f := range forwarders {
		f.close()
	}
}

// Attached returns the number of tracks currently being forwarded.
func (s *RTPForwardSink) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwarders)
}

func (s *RTPForwardSink) forward(f *forwarder) {
	mimeType := ""
	if typed, ok := f.track.(mimeTyped); ok {
		mimeType = typed.MimeType()
	}
	waitKeyframe := f.track.Kind() == webrtc.RTPCodecTypeVideo

	for {
		packet, err := f.track.ReadRTP()
		if err != nil {
			s.logger.Debugw("remote track ended", "track_id", f.track.ID(), "error", err)
			return
		}

		select {
		case <-f.stop:
			return
		default:
		}

		if f.conn == nil {
			continue
		}
		if waitKeyframe {
			if !isKeyframe(mimeType, packet) {
				continue
			}
			waitKeyframe = false
			s.logger.Infow("first keyframe received", "track_id", f.track.ID())
		}

		if packet.MarshalSize() > rtpBuffers.Size() {
			continue
		}
		buf := rtpBuffers.Get()
		n, err := packet.MarshalTo(buf)
		if err == nil {
			if _, err := f.conn.Write(buf[:n]); err != nil {
				s.logger.Debugw("error writing rendered rtp", "track_id", f.track.ID(), "error", err)
			}
		}
		rtpBuffers.Put(buf)
	}
}
