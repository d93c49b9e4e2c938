package webrtc

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRemoteTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	mime    string
	packets chan *rtp.Packet
}

func newFakeRemoteTrack(id string, kind webrtc.RTPCodecType, mime string) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, mime: mime, packets: make(chan *rtp.Packet, 16)}
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return "codecast" }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeRemoteTrack) SSRC() webrtc.SSRC         { return 1234 }
func (t *fakeRemoteTrack) MimeType() string          { return t.mime }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn net.PacketConn) *rtp.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, rtpMTU)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt
}

func TestSinkWaitsForVideoKeyframe(t *testing.T) {
	out := listenUDP(t)
	sink := NewRTPForwardSink("", out.LocalAddr().String(), zap.NewNop().Sugar())

	track := newFakeRemoteTrack("video", webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8)
	sink.Attach(track)
	assert.Equal(t, 1, sink.Attached())

	track.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}, Payload: []byte{0x10, 0x01}}
	track.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 2}, Payload: []byte{0x10, 0x00}}
	track.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 3}, Payload: []byte{0x10, 0x01}}

	assert.Equal(t, uint16(2), readPacket(t, out).SequenceNumber)
	assert.Equal(t, uint16(3), readPacket(t, out).SequenceNumber)

	sink.Clear()
	assert.Equal(t, 0, sink.Attached())
	close(track.packets)
}

func TestSinkForwardsAudioImmediately(t *testing.T) {
	out := listenUDP(t)
	sink := NewRTPForwardSink(out.LocalAddr().String(), "", zap.NewNop().Sugar())

	track := newFakeRemoteTrack("audio", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
	sink.Attach(track)
	track.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 7}, Payload: []byte{0xAA}}

	assert.Equal(t, uint16(7), readPacket(t, out).SequenceNumber)
	close(track.packets)
	sink.Clear()
}

func TestSinkWithoutAddressDrainsTrack(t *testing.T) {
	sink := NewRTPForwardSink("", "", zap.NewNop().Sugar())
	track := newFakeRemoteTrack("audio", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
	sink.Attach(track)

	for i := 0; i < 32; i++ {
		track.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: uint16(i)}}
	}
	close(track.packets)
	sink.Clear()
}
