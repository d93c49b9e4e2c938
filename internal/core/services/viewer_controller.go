package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/pkg/tracing"

	"github.com/jonboulle/clockwork"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	DefaultDiscoveryInterval  = time.Second
	DefaultHeartbeatInterval  = 20 * time.Second
	DefaultNegotiationTimeout = 15 * time.Second
)

type ViewerConfig struct {
	RoomID      domain.RoomID
	UserID      domain.UserID
	DisplayName string

	// DiscoveryInterval drives the fallback presence re-check. Zero disables it.
	DiscoveryInterval time.Duration
	// HeartbeatInterval drives the registry keep-alive while connected. Zero disables it.
	HeartbeatInterval time.Duration
	// NegotiationTimeout bounds offering -> connected. Zero disables it.
	NegotiationTimeout time.Duration
}

type ViewerDeps struct {
	Signaling ports.SignalingClient
	Peers     ports.PeerConnectionFactory
	Sink      ports.MediaSink
	Registry  ports.SessionRegistry
	Metrics   ports.SessionMetrics
	Clock     clockwork.Clock
	Logger    *zap.SugaredLogger
	// OnStateChange is called from the controller loop on every transition.
	// err is set for failed and ended. It must not call back into the controller.
	OnStateChange func(state domain.ViewerState, err error)
}

type discoveryTrigger string

const (
	triggerSync  discoveryTrigger = "presence-sync"
	triggerJoin  discoveryTrigger = "presence-join"
	triggerPoll  discoveryTrigger = "fallback-poll"
	triggerCheck discoveryTrigger = "subscribe"
)

// ViewerController finds the active streamer and establishes one inbound connection.
type ViewerController struct {
	cfg  ViewerConfig
	deps ViewerDeps
	loop *eventLoop

	closeOnce sync.Once

	// owned by the loop
	state      domain.ViewerState
	lastErr    error
	channel    ports.SignalingChannel
	bus        ports.EventBus
	conn       ports.PeerConnection
	linkState  domain.LinkState
	streamerID domain.UserID
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	offeredAt  time.Time
	poll       *periodic
	timeout    clockwork.Timer
	heartbeat  *keepAlive
}

func NewViewerController(cfg ViewerConfig, deps ViewerDeps) *ViewerController {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	deps.Logger = deps.Logger.With("room_id", cfg.RoomID, "viewer_id", cfg.UserID)

	return &ViewerController{
		cfg:   cfg,
		deps:  deps,
		loop:  newEventLoop(),
		state: domain.ViewerIdle,
	}
}

// JoinStream subscribes to the room and starts looking for the streamer.
func (v *ViewerController) JoinStream(ctx context.Context) error {
	var joinErr error
	if err := v.loop.call(ctx, func() {
		joinErr = v.join(ctx)
	}); err != nil {
		return err
	}
	return joinErr
}

func (v *ViewerController) join(ctx context.Context) error {
	if v.state != domain.ViewerIdle {
		return domain.ErrAlreadyStarted
	}

	channel := v.deps.Signaling.Channel(domain.Topic(v.cfg.RoomID))
	bus := channel.Events()
	bus.OnPresenceSync(func(state domain.PresenceState) {
		v.loop.post(func() { v.discover(triggerSync, state) })
	})
	bus.OnPresenceJoin(func(key string, joined []domain.Presence) {
		state := domain.PresenceState{key: joined}
		v.loop.post(func() { v.discover(triggerJoin, state) })
	})
	bus.OnPresenceLeave(func(key string, left []domain.Presence) {
		v.loop.post(func() { v.handlePresenceLeave(left) })
	})
	bus.OnBroadcast(domain.EventStreamerAnswer, func(raw json.RawMessage) {
		v.loop.post(func() { v.handleAnswer(raw) })
	})
	bus.OnBroadcast(domain.EventStreamerICE, func(raw json.RawMessage) {
		v.loop.post(func() { v.handleStreamerICE(raw) })
	})

	if err := channel.Subscribe(ctx); err != nil {
		bus.Dispose()
		return fmt.Errorf("%w: subscribe: %v", domain.ErrSignalingUnavailable, err)
	}
	presence := domain.Presence{
		UserID:      v.cfg.UserID,
		DisplayName: v.cfg.DisplayName,
		Role:        domain.RoleViewer,
	}
	if err := channel.Track(ctx, presence); err != nil {
		bus.Dispose()
		v.unsubscribe(channel)
		return fmt.Errorf("%w: track presence: %v", domain.ErrSignalingUnavailable, err)
	}

	v.channel = channel
	v.bus = bus
	v.lastErr = nil
	v.setState(domain.ViewerDiscovering, nil)

	v.discover(triggerCheck, channel.PresenceState())
	if v.conn == nil && v.state == domain.ViewerDiscovering {
		v.poll = startPeriodic(v.deps.Clock, v.cfg.DiscoveryInterval, v.loop, func() {
			if v.channel != nil {
				v.discover(triggerPoll, v.channel.PresenceState())
			}
		})
	}
	return nil
}

// LeaveStream closes the connection, unsubscribes and resets to idle. Idempotent.
func (v *ViewerController) LeaveStream(ctx context.Context) error {
	return v.loop.call(ctx, func() { v.leave() })
}

func (v *ViewerController) leave() {
	v.teardown()
	if v.bus != nil {
		v.bus.Dispose()
		v.bus = nil
	}
	if v.channel != nil {
		v.unsubscribe(v.channel)
		v.channel = nil
	}
	v.lastErr = nil
	if v.state != domain.ViewerIdle {
		v.setState(domain.ViewerIdle, nil)
	}
}

// Retry leaves and joins again. Used by callers after ConnectionLost or ConnectionTimeout.
func (v *ViewerController) Retry(ctx context.Context) error {
	var joinErr error
	if err := v.loop.call(ctx, func() {
		v.leave()
		joinErr = v.join(ctx)
	}); err != nil {
		return err
	}
	return joinErr
}

// Close leaves the stream and releases the event loop.
func (v *ViewerController) Close() error {
	var err error
	v.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
		defer cancel()
		err = v.LeaveStream(ctx)
		v.loop.close()
	})
	return err
}

// State returns the current state.
func (v *ViewerController) State(ctx context.Context) (domain.ViewerState, error) {
	var state domain.ViewerState
	err := v.loop.call(ctx, func() { state = v.state })
	return state, err
}

// Snapshot returns the current state together with the error that caused it.
func (v *ViewerController) Snapshot(ctx context.Context) (domain.ViewerSnapshot, error) {
	var snap domain.ViewerSnapshot
	err := v.loop.call(ctx, func() {
		snap = domain.ViewerSnapshot{
			State:      v.state,
			LinkState:  v.linkState,
			StreamerID: v.streamerID,
			Err:        v.lastErr,
			Retryable:  domain.IsRetryable(v.lastErr),
		}
		if v.lastErr != nil {
			snap.Error = v.lastErr.Error()
		}
	})
	return snap, err
}

// LinkState returns the state of the viewer's side of the PeerLink.
func (v *ViewerController) LinkState(ctx context.Context) (domain.LinkState, error) {
	var state domain.LinkState
	err := v.loop.call(ctx, func() { state = v.linkState })
	return state, err
}

// discover starts the offer when state contains a streamer. Any trigger may win;
// the rest become no-ops because a connection already exists.
func (v *ViewerController) discover(trigger discoveryTrigger, state domain.PresenceState) {
	if v.state != domain.ViewerDiscovering || v.conn != nil {
		return
	}
	streamer, ok := state.Streamer()
	if !ok {
		return
	}
	v.deps.Logger.Infow("streamer discovered",
		"streamer_id", streamer.UserID,
		"trigger", trigger,
	)
	v.poll.Stop()
	v.poll = nil
	v.offer(streamer.UserID)
}

func (v *ViewerController) offer(streamerID domain.UserID) {
	ctx, span := tracing.TraceWebRTC(context.Background(), "create_offer", string(v.cfg.UserID), string(v.cfg.RoomID))
	defer span.End()

	conn, err := v.deps.Peers.NewPeerConnection()
	if err != nil {
		tracing.RecordError(ctx, err)
		v.fail(domain.ViewerFailed, fmt.Errorf("%w: new peer connection: %v", domain.ErrPeerNegotiationFailed, err))
		return
	}
	v.conn = conn
	v.streamerID = streamerID
	v.linkState = domain.LinkNew
	v.remoteSet = false
	v.pendingICE = nil

	conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		v.loop.post(func() { v.sendLocalCandidate(conn, candidate) })
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.loop.post(func() { v.handleConnectionState(conn, state) })
	})
	conn.OnTrack(func(track ports.RemoteTrack) {
		v.loop.post(func() { v.handleTrack(conn, track) })
	})

	if err := v.createOffer(ctx, conn, streamerID); err != nil {
		tracing.RecordError(ctx, err)
		v.fail(domain.ViewerFailed, err)
		return
	}

	v.offeredAt = v.deps.Clock.Now()
	v.linkState = domain.LinkOfferSent
	v.setState(domain.ViewerOffering, nil)
	if v.cfg.NegotiationTimeout > 0 {
		v.timeout = v.deps.Clock.AfterFunc(v.cfg.NegotiationTimeout, func() {
			v.loop.post(func() { v.handleTimeout(conn) })
		})
	}
}

func (v *ViewerController) createOffer(ctx context.Context, conn ports.PeerConnection, streamerID domain.UserID) error {
	// receive-only transceivers make ICE gathering start before any track arrives
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if err := conn.AddRecvTransceiver(kind); err != nil {
			return fmt.Errorf("%w: add %s transceiver: %v", domain.ErrPeerNegotiationFailed, kind, err)
		}
	}
	offer, err := conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrPeerNegotiationFailed, err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", domain.ErrPeerNegotiationFailed, err)
	}

	payload := domain.ViewerOfferPayload{
		StreamerID: streamerID,
		ViewerID:   v.cfg.UserID,
		ViewerName: v.cfg.DisplayName,
		Offer:      offer,
	}
	if err := v.channel.Send(ctx, domain.EventViewerOffer, payload); err != nil {
		return fmt.Errorf("%w: send offer: %v", domain.ErrSignalingUnavailable, err)
	}
	return nil
}

func (v *ViewerController) handleAnswer(raw json.RawMessage) {
	var msg domain.StreamerAnswerPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		v.deps.Logger.Warnw("invalid streamer answer payload", "error", err)
		return
	}
	if msg.ViewerID != v.cfg.UserID || v.conn == nil || v.state != domain.ViewerOffering {
		return
	}
	if msg.StreamerID != v.streamerID {
		return
	}

	if err := v.conn.SetRemoteDescription(msg.Answer); err != nil {
		v.fail(domain.ViewerFailed, fmt.Errorf("%w: set remote description: %v", domain.ErrPeerNegotiationFailed, err))
		return
	}
	v.remoteSet = true
	v.linkState = domain.LinkAnswerReceived
	v.setState(domain.ViewerConnecting, nil)

	pending := v.pendingICE
	v.pendingICE = nil
	for _, candidate := range pending {
		v.addRemoteCandidate(candidate)
	}
}

func (v *ViewerController) handleStreamerICE(raw json.RawMessage) {
	var msg domain.ICEPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		v.deps.Logger.Warnw("invalid streamer ice payload", "error", err)
		return
	}
	if msg.ViewerID != v.cfg.UserID || v.conn == nil {
		return
	}
	if !v.remoteSet {
		v.pendingICE = append(v.pendingICE, msg.Candidate)
		return
	}
	v.addRemoteCandidate(msg.Candidate)
}

func (v *ViewerController) addRemoteCandidate(candidate webrtc.ICECandidateInit) {
	if err := v.conn.AddICECandidate(candidate); err != nil {
		v.deps.Logger.Warnw("failed to add streamer ice candidate",
			"error", fmt.Errorf("%w: %v", domain.ErrPeerNegotiationFailed, err),
		)
	}
}

func (v *ViewerController) sendLocalCandidate(conn ports.PeerConnection, candidate webrtc.ICECandidateInit) {
	if conn != v.conn || v.channel == nil {
		return
	}
	payload := domain.ICEPayload{
		StreamerID: v.streamerID,
		ViewerID:   v.cfg.UserID,
		Candidate:  candidate,
	}
	if err := v.channel.Send(context.Background(), domain.EventViewerICE, payload); err != nil {
		v.deps.Logger.Warnw("failed to send ice candidate", "error", err)
	}
}

func (v *ViewerController) handleTrack(conn ports.PeerConnection, track ports.RemoteTrack) {
	if conn != v.conn {
		return
	}
	if v.deps.Sink != nil {
		v.deps.Sink.Attach(track)
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := conn.WriteRTCP(pli); err != nil {
			v.deps.Logger.Debugw("failed to request keyframe", "error", err)
		}
	}
	v.markConnected()
}

func (v *ViewerController) handleConnectionState(conn ports.PeerConnection, state webrtc.PeerConnectionState) {
	if conn != v.conn {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		v.markConnected()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		v.fail(domain.ViewerFailed, fmt.Errorf("%w: peer connection %s", domain.ErrConnectionLost, state))
	}
}

func (v *ViewerController) markConnected() {
	if v.state == domain.ViewerConnected {
		return
	}
	v.stopTimeout()
	v.linkState = domain.LinkConnected
	v.deps.Metrics.NegotiationCompleted(domain.RoleViewer, v.deps.Clock.Since(v.offeredAt).Seconds())
	v.setState(domain.ViewerConnected, nil)
	v.heartbeat = startKeepAlive(v.deps.Clock, v.cfg.HeartbeatInterval, v.deps.Registry, v.deps.Logger)
}

func (v *ViewerController) handleTimeout(conn ports.PeerConnection) {
	if conn != v.conn || !v.state.Negotiating() {
		return
	}
	v.fail(domain.ViewerFailed, fmt.Errorf("%w: no connection after %s", domain.ErrConnectionTimeout, v.cfg.NegotiationTimeout))
}

// handlePresenceLeave treats the streamer leaving as authoritative, whatever
// the peer connection currently reports.
func (v *ViewerController) handlePresenceLeave(left []domain.Presence) {
	if v.state == domain.ViewerIdle || v.state == domain.ViewerEnded {
		return
	}
	for _, p := range left {
		if p.Role != domain.RoleStreamer {
			continue
		}
		if v.streamerID == "" || p.UserID != v.streamerID {
			continue
		}
		if v.channel != nil && streamerPresent(v.channel.PresenceState()[string(p.UserID)]) {
			continue
		}
		v.fail(domain.ViewerEnded, fmt.Errorf("%w: streamer %s left", domain.ErrStreamEnded, p.UserID))
		return
	}
}

func streamerPresent(presences []domain.Presence) bool {
	for _, p := range presences {
		if p.Role == domain.RoleStreamer {
			return true
		}
	}
	return false
}

func (v *ViewerController) fail(state domain.ViewerState, err error) {
	v.deps.Logger.Warnw("viewer session terminated", "state", state, "error", err)
	v.teardown()
	if state == domain.ViewerFailed {
		v.linkState = domain.LinkFailed
	}
	v.lastErr = err
	v.setState(state, err)
}

// teardown releases the peer connection and rendered media but keeps the
// channel subscription, so a later Retry starts from a clean slate.
func (v *ViewerController) teardown() {
	v.poll.Stop()
	v.poll = nil
	v.stopTimeout()
	v.heartbeat.Stop()
	v.heartbeat = nil

	if v.conn != nil {
		if err := v.conn.Close(); err != nil {
			v.deps.Logger.Debugw("error closing peer connection", "error", err)
		}
		v.conn = nil
		v.linkState = domain.LinkClosed
		if v.deps.Sink != nil {
			v.deps.Sink.Clear()
		}
	}
	v.remoteSet = false
	v.pendingICE = nil
}

func (v *ViewerController) stopTimeout() {
	if v.timeout != nil {
		v.timeout.Stop()
		v.timeout = nil
	}
}

func (v *ViewerController) setState(state domain.ViewerState, err error) {
	if v.state == state {
		return
	}
	v.deps.Logger.Debugw("viewer state changed", "from", v.state, "to", state)
	v.state = state
	switch state {
	case domain.ViewerConnected, domain.ViewerFailed, domain.ViewerEnded:
		v.deps.Metrics.ViewerOutcome(v.cfg.RoomID, state)
	}
	if v.deps.OnStateChange != nil {
		v.deps.OnStateChange(state, err)
	}
}

func (v *ViewerController) unsubscribe(channel ports.SignalingChannel) {
	ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
	defer cancel()
	if err := channel.Unsubscribe(ctx); err != nil {
		v.deps.Logger.Warnw("failed to unsubscribe from signaling channel", "error", err)
	}
}
