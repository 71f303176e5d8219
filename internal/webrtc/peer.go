// Package webrtc binds signaling, codec negotiation, media pipelines and
// bandwidth estimation onto a pion peer connection.
package webrtc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	pion "github.com/pion/webrtc/v4"

	"deskcast/native/internal/bwe"
	"deskcast/native/internal/codec"
	"deskcast/native/internal/domain"
)

// PeerConfig assembles one peer connection. Encoders and Decoders are
// registered before the first negotiation and fixed for the peer's lifetime.
type PeerConfig struct {
	Role        domain.NegotiationRole
	STUNServers []string

	Encoders []EncoderBuilder
	Decoders []DecoderBuilder

	Bandwidth bwe.Config

	// OnDataChannel fires for channels opened by the remote peer.
	OnDataChannel func(*pion.DataChannel)

	LoggerFactory logging.LoggerFactory
}

// Peer owns a pion peer connection plus the negotiator, estimator and track
// bindings attached to it. All signaling flows through HandleSignal; all
// local renegotiation through Negotiate.
type Peer struct {
	pc         *pion.PeerConnection
	negotiator *Negotiator
	estimator  *bwe.Estimator
	signaler   domain.Signaler
	log        logging.LeveledLogger

	mu         sync.Mutex
	bindings   []*TrackBinding
	decoders   []DecoderBuilder
	iceState   pion.ICEConnectionState
	iceHandler func(pion.ICEConnectionState)

	closeOnce sync.Once
	closeErr  error
}

// NewPeer builds the media engine from the registered codecs, wires the
// interceptor chain (NACK, RTCP reports, transport-wide congestion control)
// and attaches encoder tracks. Outbound candidates and descriptions go to
// the signaler.
func NewPeer(cfg PeerConfig, signaler domain.Signaler) (*Peer, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	lf := cfg.LoggerFactory

	mediaEngine, err := buildMediaEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	estimator := bwe.NewEstimator(cfg.Bandwidth, lf)

	registry := &interceptor.Registry{}
	if err := pion.ConfigureNack(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("configure nack: %w", err)
	}
	if err := pion.ConfigureRTCPReports(registry); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}
	if len(cfg.Encoders) > 0 {
		registry.Add(bwe.NewInterceptorFactory(estimator, lf))
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(registry),
	)

	var iceServers []pion.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = append(iceServers, pion.ICEServer{URLs: cfg.STUNServers})
	}
	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:        pc,
		estimator: estimator,
		signaler:  signaler,
		log:       lf.NewLogger("peer"),
		decoders:  append([]DecoderBuilder(nil), cfg.Decoders...),
		iceState:  pion.ICEConnectionStateNew,
	}
	p.negotiator = NewNegotiator(cfg.Role, &pionOps{pc: pc}, signaler.Send, lf)

	pc.OnICECandidate(p.handleLocalCandidate)
	pc.OnICEConnectionStateChange(p.handleICEStateChange)
	pc.OnTrack(p.handleRemoteTrack)
	if cfg.OnDataChannel != nil {
		pc.OnDataChannel(cfg.OnDataChannel)
	}
	pc.OnNegotiationNeeded(func() {
		if err := p.negotiator.Trigger(false); err != nil {
			p.log.Warnf("negotiation trigger: %v", err)
		}
	})

	for _, builder := range cfg.Encoders {
		track := newEncoderTrack(builder, estimator.Estimate(), p.ICEConnectionState, p.registerBinding, lf)
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	// The offering side opens the media lines its decoders will consume.
	if cfg.Role == domain.RoleImpolite {
		for _, builder := range cfg.Decoders {
			kind := pion.RTPCodecTypeVideo
			if builderKind(builder.SupportedCodecs()) == domain.MediaKindAudio {
				kind = pion.RTPCodecTypeAudio
			}
			_, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	return p, nil
}

// buildMediaEngine registers the builders' codecs, ranked and with payload
// types assigned from the dynamic range, plus the transport-wide-cc header
// extension for streams the estimator observes.
func buildMediaEngine(cfg PeerConfig) (*pion.MediaEngine, error) {
	lists := make([][]domain.Codec, 0, len(cfg.Encoders)+len(cfg.Decoders))
	for _, b := range cfg.Encoders {
		lists = append(lists, b.SupportedCodecs())
	}
	for _, b := range cfg.Decoders {
		lists = append(lists, b.SupportedCodecs())
	}
	registry := codec.NewRegistry(lists...)

	m := &pion.MediaEngine{}
	next := uint8(0)
	for _, kind := range []domain.MediaKind{domain.MediaKindVideo, domain.MediaKindAudio} {
		assigned, n, err := registry.AssignPayloadTypes(kind, next)
		if err != nil {
			return nil, err
		}
		next = n

		for _, c := range assigned {
			params := pion.RTPCodecParameters{
				RTPCodecCapability: pion.RTPCodecCapability{
					MimeType:     c.MimeType,
					ClockRate:    c.ClockRate,
					Channels:     c.Channels,
					SDPFmtpLine:  c.SDPFmtpLine,
					RTCPFeedback: feedbackFor(kind),
				},
				PayloadType: pion.PayloadType(c.PayloadType),
			}
			if err := m.RegisterCodec(params, pionKind(kind)); err != nil {
				return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
			}
		}

		if len(assigned) > 0 {
			ext := pion.RTPHeaderExtensionCapability{URI: sdp.TransportCCURI}
			if err := m.RegisterHeaderExtension(ext, pionKind(kind)); err != nil {
				return nil, fmt.Errorf("register transport-cc extension: %w", err)
			}
		}
	}

	return m, nil
}

func feedbackFor(kind domain.MediaKind) []pion.RTCPFeedback {
	fb := []pion.RTCPFeedback{{Type: pion.TypeRTCPFBTransportCC}}
	if kind == domain.MediaKindVideo {
		fb = append(fb,
			pion.RTCPFeedback{Type: pion.TypeRTCPFBNACK},
			pion.RTCPFeedback{Type: pion.TypeRTCPFBNACK, Parameter: "pli"},
		)
	}
	return fb
}

func pionKind(kind domain.MediaKind) pion.RTPCodecType {
	if kind == domain.MediaKindAudio {
		return pion.RTPCodecTypeAudio
	}
	return pion.RTPCodecTypeVideo
}

// Negotiate starts a local (re)negotiation, optionally restarting ICE.
func (p *Peer) Negotiate(iceRestart bool) error {
	return p.negotiator.Trigger(iceRestart)
}

// HandleSignal feeds one inbound signaling message into the negotiator.
func (p *Peer) HandleSignal(msg domain.SignalMessage) error {
	return p.negotiator.HandleMessage(msg)
}

// ICEConnectionState returns the last observed ICE connection state.
func (p *Peer) ICEConnectionState() pion.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iceState
}

// OnICEStateChange installs the session's ICE state observer. At most one
// observer is supported.
func (p *Peer) OnICEStateChange(fn func(pion.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iceHandler = fn
}

// CreateDataChannel opens an outbound data channel with pion defaults
// (ordered, reliable).
func (p *Peer) CreateDataChannel(label string) (*pion.DataChannel, error) {
	return p.pc.CreateDataChannel(label, nil)
}

// Estimate exposes the bandwidth estimate cell, mainly for diagnostics.
func (p *Peer) Estimate() *bwe.Estimate {
	return p.estimator.Estimate()
}

// Close releases every track binding exactly once, closes the negotiator and
// tears down the peer connection. Safe to call repeatedly.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.negotiator.Close()

		p.mu.Lock()
		bindings := p.bindings
		p.bindings = nil
		p.mu.Unlock()
		for _, b := range bindings {
			b.release()
		}

		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

func (p *Peer) registerBinding(b *TrackBinding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings = append(p.bindings, b)
}

func (p *Peer) handleLocalCandidate(c *pion.ICECandidate) {
	if c == nil {
		// End of candidates; nothing to trickle.
		return
	}

	init := c.ToJSON()
	if isLoopbackCandidate(init.Candidate) {
		return
	}

	msg := domain.NewCandidateMessage(domain.ICECandidatePayload{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
	if err := p.signaler.Send(msg); err != nil {
		p.log.Warnf("send candidate: %v", err)
	}
}

// isLoopbackCandidate filters host candidates the remote can never reach.
func isLoopbackCandidate(candidate string) bool {
	return strings.Contains(candidate, " 127.0.0.1 ") || strings.Contains(candidate, " ::1 ")
}

func (p *Peer) handleICEStateChange(state pion.ICEConnectionState) {
	p.mu.Lock()
	p.iceState = state
	handler := p.iceHandler
	p.mu.Unlock()

	p.log.Infof("ice connection state: %s", state)
	if handler != nil {
		handler(state)
	}
}

// handleRemoteTrack hands an inbound media line to the first decoder builder
// whose codecs match. Each builder serves at most one track.
func (p *Peer) handleRemoteTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
	params := track.Codec()

	p.mu.Lock()
	var builder DecoderBuilder
	for i, b := range p.decoders {
		if codecsMatch(b.SupportedCodecs(), params.MimeType, params.SDPFmtpLine) {
			builder = b
			p.decoders = append(p.decoders[:i], p.decoders[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if builder == nil {
		p.log.Errorf("remote track %s: %v", params.MimeType, domain.ErrCodecUnsupported)
		return
	}

	if err := builder.Build(track, receiver); err != nil {
		p.log.Errorf("build decoder for %s: %v", params.MimeType, err)
	}
}

func codecsMatch(codecs []domain.Codec, mimeType, fmtpLine string) bool {
	for _, c := range codecs {
		if c.Matches(mimeType, fmtpLine) {
			return true
		}
	}
	return false
}

// pionOps adapts the pion peer connection to the negotiator's operations.
type pionOps struct {
	pc *pion.PeerConnection
}

func (o *pionOps) CreateOffer(iceRestart bool) (domain.SDPPayload, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := o.pc.CreateOffer(opts)
	if err != nil {
		return domain.SDPPayload{}, err
	}
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (o *pionOps) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := o.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, err
	}
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (o *pionOps) SetLocalDescription(sdp domain.SDPPayload) error {
	return o.pc.SetLocalDescription(pion.SessionDescription{
		Type: pion.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	})
}

func (o *pionOps) SetRemoteDescription(sdp domain.SDPPayload) error {
	return o.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	})
}

func (o *pionOps) Rollback() error {
	return o.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback})
}

func (o *pionOps) AddICECandidate(candidate domain.ICECandidatePayload) error {
	return o.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}
