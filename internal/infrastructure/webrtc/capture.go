package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtpMTU = 1500

// RTPIngestCapturer captures media by listening for RTP on local UDP sockets,
// e.g. from `ffmpeg -f rtp` or a GStreamer pipeline.
type RTPIngestCapturer struct {
	AudioAddress string
	VideoAddress string
	logger       *zap.SugaredLogger
}

func NewRTPIngestCapturer(audioAddress, videoAddress string, logger *zap.SugaredLogger) *RTPIngestCapturer {
	return &RTPIngestCapturer{
		AudioAddress: audioAddress,
		VideoAddress: videoAddress,
		logger:       logger,
	}
}

// Capture opens the configured sources. With no source configured there is
// nothing the streamer is allowed to capture.
func (c *RTPIngestCapturer) Capture(ctx context.Context) (ports.LocalStream, error) {
	if c.AudioAddress == "" && c.VideoAddress == "" {
		return nil, fmt.Errorf("%w: no capture source configured", domain.ErrCaptureDenied)
	}

	stream := &ingestStream{logger: c.logger}
	sources := []struct {
		address string
		codec   webrtc.RTPCodecCapability
		id      string
	}{
		{c.AudioAddress, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio"},
		{c.VideoAddress, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video"},
	}

	var lc net.ListenConfig
	for _, src := range sources {
		if src.address == "" {
			continue
		}
		conn, err := lc.ListenPacket(ctx, "udp", src.address)
		if err != nil {
			_ = stream.Stop()
			return nil, fmt.Errorf("%w: listen %s on %s: %v", domain.ErrCaptureUnavailable, src.id, src.address, err)
		}
		track, err := webrtc.NewTrackLocalStaticRTP(src.codec, src.id, "codecast")
		if err != nil {
			_ = conn.Close()
			_ = stream.Stop()
			return nil, fmt.Errorf("%w: create %s track: %v", domain.ErrCaptureUnavailable, src.id, err)
		}
		stream.add(conn, track)
	}

	return stream, nil
}

// ingestStream pumps packets from each socket into its local track. Every
// PeerLink adds the same tracks, so pion fans the packets out to all viewers.
type ingestStream struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	conns    []net.PacketConn
	tracks   []webrtc.TrackLocal
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (s *ingestStream) add(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP) {
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(conn, track)
}

func (s *ingestStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// LocalAddrs returns the bound socket addresses, mostly useful with port 0.
func (s *ingestStream) LocalAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.conns))
	for _, conn := range s.conns {
		addrs = append(addrs, conn.LocalAddr())
	}
	return addrs
}

func (s *ingestStream) Stop() error {
	var firstErr error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		for _, conn := range s.conns {
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return firstErr
}

func (s *ingestStream) pump(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP) {
	defer s.wg.Done()

	buf := rtpBuffers.Get()
	defer rtpBuffers.Put(buf)
	packet := &rtp.Packet{}
	var forwarded uint64

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warnw("error reading rtp ingest socket", "track_id", track.ID(), "error", err)
			}
			return
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("dropping malformed rtp packet", "track_id", track.ID(), "error", err)
			continue
		}
		if err := track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Warnw("error writing rtp packet to local track", "track_id", track.ID(), "error", err)
		}

		forwarded++
		if forwarded%1000 == 0 {
			s.logger.Debugw("rtp ingest progress",
				"track_id", track.ID(),
				"sequence", packet.SequenceNumber,
				"packets_forwarded", forwarded,
			)
		}
	}
}
