package webrtc

import (
	"context"
	"net"
	"testing"

	"codecast/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCaptureWithoutSourcesIsDenied(t *testing.T) {
	c := NewRTPIngestCapturer("", "", zap.NewNop().Sugar())

	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, domain.ErrCaptureDenied)
}

func TestCaptureBusyAddressIsUnavailable(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	c := NewRTPIngestCapturer(busy.LocalAddr().String(), "", zap.NewNop().Sugar())
	_, err = c.Capture(context.Background())
	assert.ErrorIs(t, err, domain.ErrCaptureUnavailable)
}

func TestCaptureIngestsRTP(t *testing.T) {
	c := NewRTPIngestCapturer("127.0.0.1:0", "127.0.0.1:0", zap.NewNop().Sugar())

	stream, err := c.Capture(context.Background())
	require.NoError(t, err)

	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "audio", tracks[0].ID())
	assert.Equal(t, "video", tracks[1].ID())

	addrs := stream.(*ingestStream).LocalAddrs()
	require.Len(t, addrs, 2)

	// packets with no bound peer are accepted and dropped by the track
	conn, err := net.Dial("udp", addrs[1].String())
	require.NoError(t, err)
	defer conn.Close()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1}, Payload: []byte{0x10, 0x00}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
	_, err = conn.Write([]byte{0x00})
	require.NoError(t, err)

	require.NoError(t, stream.Stop())
	assert.NoError(t, stream.Stop())
}
