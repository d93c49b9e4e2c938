package webrtc

import (
	"fmt"

	"codecast/internal/core/ports"
	"codecast/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultSTUNServer = "stun:stun.l.google.com:19302"

type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFromSettings builds a WebRTCConfig, falling back to a single public STUN server.
func ConfigFromSettings(servers []config.ICEServer, minPort, maxPort uint16) WebRTCConfig {
	var cfg WebRTCConfig
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{defaultSTUNServer}}}
	}
	cfg.PortRange.Min = minPort
	cfg.PortRange.Max = maxPort
	return cfg
}

type PeerFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

// NewPeerFactory registers pion's default codecs and interceptors (NACK, RTCP
// reports, TWCC). Without a MediaEngine no offer can be created.
func NewPeerFactory(cfg WebRTCConfig, logger *zap.SugaredLogger) (*PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			logger.Warnw("ignoring invalid udp port range", "min", cfg.PortRange.Min, "max", cfg.PortRange.Max, "error", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &PeerFactory{
		api: api,
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *PeerFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &peerConnection{pc: pc, logger: f.logger}, nil
}

// peerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

func (p *peerConnection) AddSendTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
	}
	// interceptors only see feedback if RTCP is read
	go p.readSenderRTCP(track.ID(), sender)
	return nil
}

func (p *peerConnection) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *peerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) WriteRTCP(packets []rtcp.Packet) error {
	return p.pc.WriteRTCP(packets)
}

func (p *peerConnection) OnICECandidate(h func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		h(c.ToJSON())
	})
}

func (p *peerConnection) OnConnectionStateChange(h func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(h)
}

func (p *peerConnection) OnTrack(h func(track ports.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind(),
			"codec", track.Codec().MimeType,
		)
		go p.drainReceiverRTCP(receiver)
		h(&remoteTrack{track: track})
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

func (p *peerConnection) readSenderRTCP(trackID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				p.logger.Debugw("received PLI", "track_id", trackID, "media_ssrc", pkt.MediaSSRC)
			case *rtcp.TransportLayerNack:
				p.logger.Debugw("received NACK", "track_id", trackID, "nacks", len(pkt.Nacks))
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					p.logger.Debugw("received receiver report",
						"track_id", trackID,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (p *peerConnection) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string                { return t.track.ID() }
func (t *remoteTrack) StreamID() string          { return t.track.StreamID() }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *remoteTrack) SSRC() webrtc.SSRC         { return t.track.SSRC() }

func (t *remoteTrack) MimeType() string {
	return t.track.Codec().MimeType
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
