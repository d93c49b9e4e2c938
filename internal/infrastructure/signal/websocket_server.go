package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/internal/core/services"
	"codecast/internal/infrastructure/signaling"
	apperrors "codecast/pkg/errors"
	applog "codecast/pkg/logger"
	"codecast/pkg/tracing"
	"codecast/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	outboundBuffer = 256
	writeTimeout   = 10 * time.Second
)

// RelayMetrics observes relay traffic.
type RelayMetrics interface {
	RelayConnectionOpened()
	RelayConnectionClosed()
	RelayFrame(frameType string)
	RelayRejected(code string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) RelayConnectionOpened() {}
func (nopRelayMetrics) RelayConnectionClosed() {}
func (nopRelayMetrics) RelayFrame(string)      {}
func (nopRelayMetrics) RelayRejected(string)   {}

type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

// WebSocketServer relays presence and broadcast events between WebSocket
// clients, backed by any SignalingClient (in-process hub or Redis).
type WebSocketServer struct {
	signaling ports.SignalingClient
	auth      services.AuthService
	opts      Options
	upgrader  websocket.Upgrader
	metrics   RelayMetrics
	logger    *zap.SugaredLogger
	connLogs  *applog.ContextLogger

	mu          sync.RWMutex
	connections map[string]*relayConn
}

func NewWebSocketServer(client ports.SignalingClient, auth services.AuthService, opts Options, metrics RelayMetrics, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}

	s := &WebSocketServer{
		signaling:   client,
		auth:        auth,
		opts:        opts,
		metrics:     metrics,
		logger:      logger,
		connLogs:    applog.NewContextLogger(logger),
		connections: make(map[string]*relayConn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// relayConn is one client connection joined to one topic.
type relayConn struct {
	id      string
	room    string
	claims  *services.Claims
	conn    *websocket.Conn
	channel ports.SignalingChannel
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	send      chan signaling.Frame
	closeOnce sync.Once
	closed    chan struct{}
}

// enqueue never blocks. A client too slow to drain its buffer is disconnected.
func (c *relayConn) enqueue(frame signaling.Frame) {
	select {
	case <-c.closed:
	case c.send <- frame:
	default:
		c.logger.Warnw("outbound buffer full, dropping slow client")
		c.close()
	}
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// HandleWebSocket serves /ws?room=<topic>. Claims must already be in the request
// context, see middleware.WebSocketAuth.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := services.ClaimsFromContext(r.Context())
	if err != nil {
		s.writeHTTPError(w, apperrors.NewUnauthorizedError("missing or invalid token"))
		return
	}
	room := r.URL.Query().Get("room")
	if err := validation.ValidateRoomID(room); err != nil {
		s.writeHTTPError(w, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}

	connID := uuid.NewString()
	rc := &relayConn{
		id:      connID,
		room:    room,
		claims:  claims,
		conn:    conn,
		channel: s.signaling.Channel(room),
		send:    make(chan signaling.Frame, outboundBuffer),
		closed:  make(chan struct{}),
	}
	connCtx := applog.WithRoomID(r.Context(), room)
	connCtx = applog.WithUserID(connCtx, string(claims.UserID))
	rc.logger = s.connLogs.WithContext(applog.WithConnID(connCtx, connID))
	if s.opts.MessagesPerSecond > 0 {
		rc.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst)
	}

	bus := rc.channel.Events()
	s.bindEvents(rc, bus)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(rc)
	}()

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = rc.channel.Subscribe(ctx)
	cancel()
	if err != nil {
		rc.logger.Warnw("failed to subscribe relay connection", "error", err)
		rc.enqueue(errorFrame(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "signaling unavailable", http.StatusServiceUnavailable)))
		rc.close()
		<-writerDone
		bus.Dispose()
		return
	}

	s.register(rc)
	rc.logger.Infow("relay client connected")

	s.readPump(r.Context(), rc)

	rc.close()
	<-writerDone
	bus.Dispose()
	ctx, cancel = context.WithTimeout(context.Background(), writeTimeout)
	if err := rc.channel.Unsubscribe(ctx); err != nil {
		rc.logger.Warnw("failed to unsubscribe relay connection", "error", err)
	}
	cancel()
	s.unregister(rc)
	rc.logger.Infow("relay client disconnected")
}

func (s *WebSocketServer) bindEvents(rc *relayConn, bus ports.EventBus) {
	bus.OnPresenceSync(func(state domain.PresenceState) {
		rc.enqueue(signaling.Frame{Type: signaling.FramePresenceState, State: state})
	})
	bus.OnPresenceJoin(func(key string, presences []domain.Presence) {
		rc.enqueue(signaling.Frame{Type: signaling.FramePresenceJoin, Key: key, Presences: presences})
	})
	bus.OnPresenceLeave(func(key string, presences []domain.Presence) {
		rc.enqueue(signaling.Frame{Type: signaling.FramePresenceLeave, Key: key, Presences: presences})
	})
	if wildcard, ok := bus.(signaling.WildcardBus); ok {
		wildcard.OnAnyBroadcast(func(event domain.EventName, payload json.RawMessage) {
			rc.enqueue(signaling.Frame{Type: signaling.FrameBroadcast, Event: event, Payload: payload})
		})
		return
	}
	for _, event := range domain.AllEvents {
		event := event
		bus.OnBroadcast(event, func(payload json.RawMessage) {
			rc.enqueue(signaling.Frame{Type: signaling.FrameBroadcast, Event: event, Payload: payload})
		})
	}
}

func (s *WebSocketServer) readPump(ctx context.Context, rc *relayConn) {
	_ = rc.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		var frame signaling.Frame
		if err := rc.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rc.logger.Infow("error reading relay frame", "error", err)
			}
			return
		}
		_ = rc.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		select {
		case <-rc.closed:
			return
		default:
		}

		if err := s.handleFrame(ctx, rc, frame); err != nil {
			appErr := apperrors.GetAppError(err)
			if appErr == nil {
				appErr = apperrors.WrapError(err, apperrors.ErrCodeInternal, err.Error(), http.StatusInternalServerError)
			}
			s.metrics.RelayRejected(string(appErr.Code))
			rc.logger.Infow("rejected relay frame", "type", frame.Type, "code", appErr.Code, "error", err)
			rc.enqueue(errorFrame(appErr))
		}
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, rc *relayConn, frame signaling.Frame) error {
	if rc.limiter != nil && !rc.limiter.Allow() {
		return apperrors.NewRateLimitError()
	}
	s.metrics.RelayFrame(frame.Type)

	ctx, span := tracing.TraceSignaling(ctx, frame.Type, string(rc.claims.UserID), rc.room)
	defer span.End()

	switch frame.Type {
	case signaling.FrameTrack:
		return s.handleTrack(ctx, rc, frame)
	case signaling.FrameBroadcast:
		return s.handleBroadcast(ctx, rc, frame)
	case "":
		return apperrors.NewInvalidInputError("frame type is required")
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown frame type: %s", frame.Type))
	}
}

// handleTrack forces the presence identity to the token subject.
func (s *WebSocketServer) handleTrack(ctx context.Context, rc *relayConn, frame signaling.Frame) error {
	if frame.Presence == nil {
		return apperrors.NewInvalidInputError("presence is required")
	}
	presence := *frame.Presence
	presence.UserID = rc.claims.UserID
	if presence.DisplayName == "" {
		presence.DisplayName = rc.claims.DisplayName
	}
	if presence.Role != domain.RoleStreamer && presence.Role != domain.RoleViewer {
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown role: %q", presence.Role))
	}
	if err := s.auth.CheckPresence(rc.claims, presence); err != nil {
		return apperrors.NewForbiddenError("token may not track this role")
	}

	if err := rc.channel.Track(ctx, presence); err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "failed to track presence", http.StatusServiceUnavailable)
	}
	return nil
}

func (s *WebSocketServer) handleBroadcast(ctx context.Context, rc *relayConn, frame signaling.Frame) error {
	if err := validation.ValidateEventName(string(frame.Event)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if len(frame.Payload) == 0 || !json.Valid(frame.Payload) {
		return apperrors.NewInvalidInputError("payload must be valid JSON")
	}
	if err := checkSender(rc.claims, frame.Event, frame.Payload); err != nil {
		return err
	}

	if err := rc.channel.Send(ctx, frame.Event, frame.Payload); err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "failed to relay broadcast", http.StatusServiceUnavailable)
	}
	return nil
}

// checkSender rejects signaling payloads that speak for another participant.
// viewer-* events need a viewer token naming the sender as viewerId,
// streamer-* events a streamer token naming it as streamerId.
func checkSender(claims *services.Claims, event domain.EventName, payload json.RawMessage) error {
	var role domain.Role
	switch event {
	case domain.EventViewerOffer, domain.EventViewerICE:
		role = domain.RoleViewer
	case domain.EventStreamerAnswer, domain.EventStreamerICE, domain.EventViewerCountUpdated:
		role = domain.RoleStreamer
	default:
		return nil
	}
	if claims.Role != role {
		return apperrors.NewForbiddenError(fmt.Sprintf("%s requires a %s token", event, role))
	}
	if event == domain.EventViewerCountUpdated {
		return nil
	}

	var ids struct {
		StreamerID domain.UserID `json:"streamerId"`
		ViewerID   domain.UserID `json:"viewerId"`
	}
	if err := json.Unmarshal(payload, &ids); err != nil {
		return apperrors.NewInvalidInputError("payload must be a JSON object")
	}
	claimed := ids.ViewerID
	if role == domain.RoleStreamer {
		claimed = ids.StreamerID
	}
	if claimed != claims.UserID {
		return apperrors.NewForbiddenError(fmt.Sprintf("%s must be sent as %s", event, claims.UserID)).
			WithContext("claimed", claimed)
	}
	return nil
}

func (s *WebSocketServer) writePump(rc *relayConn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-rc.send:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rc.conn.WriteJSON(frame); err != nil {
				rc.logger.Infow("error writing relay frame", "error", err)
				rc.close()
				_ = rc.conn.Close()
				return
			}
		case <-ticker.C:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				rc.logger.Infow("error sending ping", "error", err)
				rc.close()
				_ = rc.conn.Close()
				return
			}
		case <-rc.closed:
			s.flush(rc)
			_ = rc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			// unblocks readPump
			_ = rc.conn.Close()
			return
		}
	}
}

// flush writes whatever is already queued, such as a final error frame.
func (s *WebSocketServer) flush(rc *relayConn) {
	for {
		select {
		case frame := <-rc.send:
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rc.conn.WriteJSON(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *WebSocketServer) register(rc *relayConn) {
	s.mu.Lock()
	s.connections[rc.id] = rc
	s.mu.Unlock()
	s.metrics.RelayConnectionOpened()
}

func (s *WebSocketServer) unregister(rc *relayConn) {
	s.mu.Lock()
	_, ok := s.connections[rc.id]
	delete(s.connections, rc.id)
	s.mu.Unlock()
	if ok {
		s.metrics.RelayConnectionClosed()
	}
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown disconnects every client.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	conns := make([]*relayConn, 0, len(s.connections))
	for _, rc := range s.connections {
		conns = append(conns, rc)
	}
	s.mu.RUnlock()

	for _, rc := range conns {
		rc.close()
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) writeHTTPError(w http.ResponseWriter, appErr *apperrors.AppError) {
	s.metrics.RelayRejected(string(appErr.Code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":  appErr.Code,
		"error": appErr.Message,
	})
}

func errorFrame(appErr *apperrors.AppError) signaling.Frame {
	return signaling.Frame{
		Type:    signaling.FrameError,
		Code:    string(appErr.Code),
		Message: appErr.Message,
	}
}
