package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/pkg/tracing"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const DefaultViewerCountInterval = 5 * time.Second

type StreamerConfig struct {
	RoomID      domain.RoomID
	ProblemID   domain.ProblemID
	UserID      domain.UserID
	DisplayName string

	// ViewerCountInterval is the fallback republish period for the viewer
	// count. Zero or negative disables the fallback.
	ViewerCountInterval time.Duration
}

type StreamerDeps struct {
	Signaling ports.SignalingClient
	Peers     ports.PeerConnectionFactory
	Capturer  ports.Capturer
	Registry  ports.SessionRegistry
	Metrics   ports.SessionMetrics
	Clock     clockwork.Clock
	Logger    *zap.SugaredLogger
}

// peerLink pairs the roster entry with the connection that backs it.
type peerLink struct {
	domain.PeerLink
	conn      ports.PeerConnection
	startedAt time.Time
}

// StreamerController exposes the local stream to any number of viewers.
type StreamerController struct {
	cfg  StreamerConfig
	deps StreamerDeps
	loop *eventLoop

	closeOnce sync.Once

	// owned by the loop
	session  *domain.StreamSession
	stream   ports.LocalStream
	channel  ports.SignalingChannel
	bus      ports.EventBus
	roster   map[domain.UserID]*peerLink
	ticker   *periodic
	pusher   *viewerCountPusher
	lastSent int
}

func NewStreamerController(cfg StreamerConfig, deps StreamerDeps) *StreamerController {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	deps.Logger = deps.Logger.With("room_id", cfg.RoomID, "streamer_id", cfg.UserID)

	return &StreamerController{
		cfg:      cfg,
		deps:     deps,
		loop:     newEventLoop(),
		roster:   make(map[domain.UserID]*peerLink),
		lastSent: -1,
	}
}

// StartStream acquires capture, opens the signaling channel and publishes
// streamer presence.
func (s *StreamerController) StartStream(ctx context.Context) error {
	var startErr error
	if err := s.loop.call(ctx, func() {
		startErr = s.start(ctx)
	}); err != nil {
		return err
	}
	return startErr
}

func (s *StreamerController) start(ctx context.Context) error {
	if s.session.Live() {
		return domain.ErrAlreadyStarted
	}

	stream, err := s.deps.Capturer.Capture(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrCaptureDenied) || errors.Is(err, domain.ErrCaptureUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
	}

	channel := s.deps.Signaling.Channel(domain.Topic(s.cfg.RoomID))
	bus := channel.Events()
	bus.OnBroadcast(domain.EventViewerOffer, func(raw json.RawMessage) {
		s.loop.post(func() { s.handleViewerOffer(raw) })
	})
	bus.OnBroadcast(domain.EventViewerICE, func(raw json.RawMessage) {
		s.loop.post(func() { s.handleViewerICE(raw) })
	})
	bus.OnPresenceLeave(func(key string, left []domain.Presence) {
		s.loop.post(func() { s.handlePresenceLeave(left) })
	})

	if err := channel.Subscribe(ctx); err != nil {
		bus.Dispose()
		s.stopCapture(stream)
		return fmt.Errorf("%w: subscribe: %v", domain.ErrSignalingUnavailable, err)
	}
	presence := domain.Presence{
		UserID:      s.cfg.UserID,
		DisplayName: s.cfg.DisplayName,
		Role:        domain.RoleStreamer,
	}
	if err := channel.Track(ctx, presence); err != nil {
		bus.Dispose()
		s.unsubscribe(channel)
		s.stopCapture(stream)
		return fmt.Errorf("%w: track presence: %v", domain.ErrSignalingUnavailable, err)
	}

	s.stream = stream
	s.channel = channel
	s.bus = bus
	s.session = &domain.StreamSession{
		RoomID:         s.cfg.RoomID,
		StreamerUserID: s.cfg.UserID,
		ProblemID:      s.cfg.ProblemID,
		StartedAt:      s.deps.Clock.Now(),
		Status:         domain.SessionActive,
	}
	s.lastSent = -1

	if s.deps.Registry != nil {
		regCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
		streamID, err := s.deps.Registry.StartSession(regCtx, s.cfg.ProblemID, s.cfg.RoomID)
		cancel()
		if err != nil {
			s.deps.Logger.Warnw("session registry start failed, viewer counts will not be persisted", "error", err)
		} else {
			s.session.StreamID = streamID
			s.pusher = newViewerCountPusher(s.deps.Registry, streamID, s.deps.Logger)
		}
	}

	s.ticker = startPeriodic(s.deps.Clock, s.cfg.ViewerCountInterval, s.loop, func() {
		s.publishViewerCount(true)
	})

	s.deps.Logger.Infow("stream started", "stream_id", s.session.StreamID)
	s.publishViewerCount(true)
	return nil
}

// StopStream tears the broadcast down. Safe to call in any state and more than once.
func (s *StreamerController) StopStream(ctx context.Context) error {
	return s.loop.call(ctx, func() { s.stop(ctx) })
}

func (s *StreamerController) stop(ctx context.Context) {
	if !s.session.Live() {
		return
	}

	s.ticker.Stop()
	s.ticker = nil

	for viewerID := range s.roster {
		s.closeLink(viewerID, domain.LinkClosed)
	}
	s.publishViewerCount(false)

	if s.pusher != nil {
		s.pusher.Close()
		s.pusher = nil
	}

	s.bus.Dispose()
	s.unsubscribe(s.channel)
	s.stopCapture(s.stream)
	s.bus, s.channel, s.stream = nil, nil, nil

	if s.deps.Registry != nil && s.session.StreamID != "" {
		regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryCallTimeout)
		if err := s.deps.Registry.StopSession(regCtx); err != nil {
			s.deps.Logger.Warnw("session registry stop failed", "error", err)
		}
		cancel()
	}

	s.session.Status = domain.SessionEnded
	s.deps.Metrics.ViewerCount(s.cfg.RoomID, 0)
	s.deps.Logger.Infow("stream stopped", "stream_id", s.session.StreamID)
}

// PauseStream stops admitting new viewers. Connected viewers keep their links
// and keep receiving media. Pausing a paused stream is a no-op.
func (s *StreamerController) PauseStream(ctx context.Context) error {
	return s.setStatus(ctx, domain.SessionPaused)
}

// ResumeStream admits new viewers again.
func (s *StreamerController) ResumeStream(ctx context.Context) error {
	return s.setStatus(ctx, domain.SessionActive)
}

func (s *StreamerController) setStatus(ctx context.Context, status domain.SessionStatus) error {
	var statusErr error
	if err := s.loop.call(ctx, func() {
		if !s.session.Live() {
			statusErr = domain.ErrNotStreaming
			return
		}
		if s.session.Status == status {
			return
		}
		s.session.Status = status
		s.deps.Logger.Infow("stream status changed", "status", status, "stream_id", s.session.StreamID)
	}); err != nil {
		return err
	}
	return statusErr
}

// Close stops the stream and releases the event loop.
func (s *StreamerController) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*registryCallTimeout)
		defer cancel()
		err = s.StopStream(ctx)
		s.loop.close()
	})
	return err
}

// Session returns a copy of the current session, or nil before the first start.
func (s *StreamerController) Session(ctx context.Context) (*domain.StreamSession, error) {
	var out *domain.StreamSession
	err := s.loop.call(ctx, func() {
		if s.session != nil {
			cp := *s.session
			out = &cp
		}
	})
	return out, err
}

// ViewerCount returns the current roster size.
func (s *StreamerController) ViewerCount(ctx context.Context) (int, error) {
	var n int
	err := s.loop.call(ctx, func() { n = len(s.roster) })
	return n, err
}

// Links returns a snapshot of the roster.
func (s *StreamerController) Links(ctx context.Context) ([]domain.LinkSnapshot, error) {
	var out []domain.LinkSnapshot
	err := s.loop.call(ctx, func() {
		out = make([]domain.LinkSnapshot, 0, len(s.roster))
		for _, link := range s.roster {
			out = append(out, domain.LinkSnapshot{
				ViewerID:   link.ViewerID,
				ViewerName: link.ViewerName,
				State:      link.State,
			})
		}
	})
	return out, err
}

func (s *StreamerController) handleViewerOffer(raw json.RawMessage) {
	if !s.session.Active() {
		return
	}

	var msg domain.ViewerOfferPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.deps.Logger.Warnw("invalid viewer offer payload", "error", err)
		return
	}
	if msg.StreamerID != s.cfg.UserID || msg.ViewerID == "" {
		return
	}
	if _, exists := s.roster[msg.ViewerID]; exists {
		s.deps.Logger.Debugw("ignoring duplicate viewer offer", "viewer_id", msg.ViewerID)
		return
	}

	ctx, span := tracing.TraceWebRTC(context.Background(), "answer_offer", string(msg.ViewerID), string(s.cfg.RoomID))
	defer span.End()

	conn, err := s.deps.Peers.NewPeerConnection()
	if err != nil {
		tracing.RecordError(ctx, err)
		s.deps.Metrics.LinkFailed(s.cfg.RoomID, "negotiation")
		s.deps.Logger.Warnw("failed to create peer connection for viewer",
			"viewer_id", msg.ViewerID,
			"error", fmt.Errorf("%w: %v", domain.ErrPeerNegotiationFailed, err),
		)
		return
	}

	now := s.deps.Clock.Now()
	link := &peerLink{
		PeerLink: domain.PeerLink{
			ViewerID:   msg.ViewerID,
			ViewerName: msg.ViewerName,
			State:      domain.LinkNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		conn:      conn,
		startedAt: now,
	}
	// Inserted before any negotiation step so a second offer in the queue sees it.
	s.roster[msg.ViewerID] = link
	s.publishViewerCount(false)

	viewerID := msg.ViewerID
	conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		s.loop.post(func() { s.sendLocalCandidate(viewerID, conn, candidate) })
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.loop.post(func() { s.handleLinkState(viewerID, conn, state) })
	})

	if err := s.answer(ctx, link, msg.Offer); err != nil {
		tracing.RecordError(ctx, err)
		s.deps.Logger.Warnw("viewer negotiation failed", "viewer_id", viewerID, "error", err)
		s.deps.Metrics.LinkFailed(s.cfg.RoomID, "negotiation")
		s.closeLink(viewerID, domain.LinkFailed)
		s.publishViewerCount(false)
		return
	}
	tracing.AddSpanAttributes(ctx, attribute.String("link.state", string(link.State)))
}

func (s *StreamerController) answer(ctx context.Context, link *peerLink, offer webrtc.SessionDescription) error {
	for _, track := range s.stream.Tracks() {
		if err := link.conn.AddSendTrack(track); err != nil {
			return fmt.Errorf("%w: add track: %v", domain.ErrPeerNegotiationFailed, err)
		}
	}
	if err := link.conn.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrPeerNegotiationFailed, err)
	}
	answer, err := link.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", domain.ErrPeerNegotiationFailed, err)
	}
	if err := link.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %v", domain.ErrPeerNegotiationFailed, err)
	}

	payload := domain.StreamerAnswerPayload{
		StreamerID: s.cfg.UserID,
		ViewerID:   link.ViewerID,
		Answer:     answer,
	}
	if err := s.channel.Send(ctx, domain.EventStreamerAnswer, payload); err != nil {
		return fmt.Errorf("%w: send answer: %v", domain.ErrPeerNegotiationFailed, err)
	}

	s.setLinkState(link, domain.LinkAnswerSent)
	return nil
}

func (s *StreamerController) handleViewerICE(raw json.RawMessage) {
	if !s.session.Live() {
		return
	}

	var msg domain.ICEPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.deps.Logger.Warnw("invalid viewer ice payload", "error", err)
		return
	}
	if msg.StreamerID != s.cfg.UserID {
		return
	}
	link, ok := s.roster[msg.ViewerID]
	if !ok {
		// offer not seen yet or viewer already gone
		return
	}
	if err := link.conn.AddICECandidate(msg.Candidate); err != nil {
		s.deps.Logger.Warnw("failed to add viewer ice candidate",
			"viewer_id", msg.ViewerID,
			"error", fmt.Errorf("%w: %v", domain.ErrPeerNegotiationFailed, err),
		)
	}
}

func (s *StreamerController) sendLocalCandidate(viewerID domain.UserID, conn ports.PeerConnection, candidate webrtc.ICECandidateInit) {
	link, ok := s.roster[viewerID]
	if !ok || link.conn != conn || s.channel == nil {
		return
	}
	payload := domain.ICEPayload{
		StreamerID: s.cfg.UserID,
		ViewerID:   viewerID,
		Candidate:  candidate,
	}
	if err := s.channel.Send(context.Background(), domain.EventStreamerICE, payload); err != nil {
		s.deps.Logger.Warnw("failed to send ice candidate", "viewer_id", viewerID, "error", err)
	}
}

func (s *StreamerController) handleLinkState(viewerID domain.UserID, conn ports.PeerConnection, state webrtc.PeerConnectionState) {
	link, ok := s.roster[viewerID]
	if !ok || link.conn != conn {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if link.State != domain.LinkConnected {
			s.setLinkState(link, domain.LinkConnected)
			s.deps.Metrics.NegotiationCompleted(domain.RoleStreamer, s.deps.Clock.Since(link.startedAt).Seconds())
			s.deps.Logger.Infow("viewer connected", "viewer_id", viewerID)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.deps.Logger.Warnw("viewer link lost",
			"viewer_id", viewerID,
			"state", state.String(),
			"error", domain.ErrConnectionLost,
		)
		s.deps.Metrics.LinkFailed(s.cfg.RoomID, "connection_lost")
		s.closeLink(viewerID, domain.LinkFailed)
		s.publishViewerCount(false)
	case webrtc.PeerConnectionStateClosed:
		s.closeLink(viewerID, domain.LinkClosed)
		s.publishViewerCount(false)
	}
}

func (s *StreamerController) handlePresenceLeave(left []domain.Presence) {
	if !s.session.Live() {
		return
	}
	changed := false
	for _, p := range left {
		if p.Role != domain.RoleViewer {
			continue
		}
		if _, ok := s.roster[p.UserID]; !ok {
			continue
		}
		// another connection of the same viewer keeps the link alive
		if stillViewing(s.channel.PresenceState()[string(p.UserID)]) {
			s.deps.Logger.Debugw("viewer left on one connection", "viewer_id", p.UserID)
			continue
		}
		s.deps.Logger.Infow("viewer left", "viewer_id", p.UserID)
		s.closeLink(p.UserID, domain.LinkClosed)
		changed = true
	}
	if changed {
		s.publishViewerCount(false)
	}
}

func stillViewing(presences []domain.Presence) bool {
	for _, p := range presences {
		if p.Role == domain.RoleViewer {
			return true
		}
	}
	return false
}

// closeLink removes the viewer's link from the roster and closes its connection.
func (s *StreamerController) closeLink(viewerID domain.UserID, final domain.LinkState) {
	link, ok := s.roster[viewerID]
	if !ok {
		return
	}
	delete(s.roster, viewerID)
	s.setLinkState(link, final)
	if err := link.conn.Close(); err != nil {
		s.deps.Logger.Debugw("error closing peer connection", "viewer_id", viewerID, "error", err)
	}
}

func (s *StreamerController) setLinkState(link *peerLink, state domain.LinkState) {
	link.State = state
	link.UpdatedAt = s.deps.Clock.Now()
}

// publishViewerCount pushes the roster size to the registry and the channel.
// Unforced calls skip the publish when the count has not changed.
func (s *StreamerController) publishViewerCount(force bool) {
	if s.session == nil || s.channel == nil {
		return
	}
	count := len(s.roster)
	if !force && count == s.lastSent {
		return
	}
	s.lastSent = count

	s.deps.Metrics.ViewerCount(s.cfg.RoomID, count)
	if s.pusher != nil {
		s.pusher.Push(count)
	}
	if err := s.channel.Send(context.Background(), domain.EventViewerCountUpdated, domain.ViewerCountPayload{Count: count}); err != nil {
		s.deps.Logger.Warnw("failed to broadcast viewer count", "count", count, "error", err)
	}
}

func (s *StreamerController) unsubscribe(channel ports.SignalingChannel) {
	ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
	defer cancel()
	if err := channel.Unsubscribe(ctx); err != nil {
		s.deps.Logger.Warnw("failed to unsubscribe from signaling channel", "error", err)
	}
}

func (s *StreamerController) stopCapture(stream ports.LocalStream) {
	if stream == nil {
		return
	}
	if err := stream.Stop(); err != nil {
		s.deps.Logger.Warnw("failed to stop local capture", "error", err)
	}
}
