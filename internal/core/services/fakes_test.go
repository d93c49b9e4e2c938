package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/internal/infrastructure/signaling/memory"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakePeer struct {
	mu         sync.Mutex
	remote     *webrtc.SessionDescription
	local      *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	sendTracks int
	closed     bool

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(ports.RemoteTrack)
}

func (p *fakePeer) AddSendTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendTracks++
	return nil
}

func (p *fakePeer) AddRecvTransceiver(webrtc.RTPCodecType) error { return nil }

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePeer) OnICECandidate(h func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = h
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = h
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(h func(ports.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = h
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	h := p.onState
	p.mu.Unlock()
	if h != nil {
		h(state)
	}
}

func (p *fakePeer) gather(candidate string) {
	p.mu.Lock()
	h := p.onICE
	p.mu.Unlock()
	if h != nil {
		h(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) hasRemote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) remoteCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

type fakePeerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakePeerFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeerFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.peers) {
		return nil
	}
	return f.peers[i]
}

type fakeStream struct {
	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeCapturer struct {
	stream *fakeStream
	err    error
}

func (c *fakeCapturer) Capture(context.Context) (ports.LocalStream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) StartSession(ctx context.Context, problemID domain.ProblemID, roomID domain.RoomID) (domain.StreamID, error) {
	args := m.Called(ctx, problemID, roomID)
	return args.Get(0).(domain.StreamID), args.Error(1)
}

func (m *mockRegistry) StopSession(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRegistry) UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error {
	return m.Called(ctx, streamID, count).Error(0)
}

func (m *mockRegistry) ViewerHeartbeat(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// countRecorder records every viewer-count-updated broadcast on a room.
type countRecorder struct {
	mu     sync.Mutex
	counts []int
}

func newCountRecorder(t *testing.T, hub *memory.Hub, roomID domain.RoomID) *countRecorder {
	t.Helper()
	rec := &countRecorder{}
	channel := hub.NewChannel(domain.Topic(roomID))
	channel.Events().OnBroadcast(domain.EventViewerCountUpdated, func(raw json.RawMessage) {
		var msg domain.ViewerCountPayload
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		rec.mu.Lock()
		rec.counts = append(rec.counts, msg.Count)
		rec.mu.Unlock()
	})
	require.NoError(t, channel.Subscribe(context.Background()))
	t.Cleanup(func() { _ = channel.Unsubscribe(context.Background()) })
	return rec
}

func (r *countRecorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.counts...)
}

func (r *countRecorder) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return -1
	}
	return r.counts[len(r.counts)-1]
}

func (p *fakePeer) emitTrack(track ports.RemoteTrack) {
	p.mu.Lock()
	h := p.onTrack
	p.mu.Unlock()
	if h != nil {
		h(track)
	}
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                    { return t.id }
func (t *fakeTrack) StreamID() string              { return "stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType     { return t.kind }
func (t *fakeTrack) SSRC() webrtc.SSRC             { return 1234 }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

type fakeSink struct {
	mu       sync.Mutex
	attached []string
	clears   int
}

func (s *fakeSink) Attach(track ports.RemoteTrack) {
	s.mu.Lock()
	s.attached = append(s.attached, track.ID())
	s.mu.Unlock()
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	s.attached = nil
	s.clears++
	s.mu.Unlock()
}

func (s *fakeSink) state() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached), s.clears
}
