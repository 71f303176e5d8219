package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/logging"

	"deskcast/native/internal/domain"
)

// NegotiationState tracks the SDP exchange for one session.
type NegotiationState int

const (
	StateStable NegotiationState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DescriptionOps abstracts the peer-connection operations the negotiation
// state machine drives, keeping the transition logic testable without pion
// or network I/O.
type DescriptionOps interface {
	CreateOffer(iceRestart bool) (domain.SDPPayload, error)
	CreateAnswer() (domain.SDPPayload, error)
	SetLocalDescription(sdp domain.SDPPayload) error
	SetRemoteDescription(sdp domain.SDPPayload) error
	// Rollback discards the in-flight local offer so a remote one can be
	// accepted (the polite peer's side of glare).
	Rollback() error
	AddICECandidate(candidate domain.ICECandidatePayload) error
}

type offerAction int

const (
	offerAccept offerAction = iota
	offerIgnore
	offerDrop
)

// offerDecisions is the perfect-negotiation glare table: what to do with an
// incoming offer given our role and current state. The impolite peer wins a
// collision by ignoring the remote offer while its own is in flight; the
// polite peer rolls its offer back and yields.
var offerDecisions = map[domain.NegotiationRole]map[NegotiationState]offerAction{
	domain.RolePolite: {
		StateStable:          offerAccept,
		StateHaveLocalOffer:  offerAccept, // yield: rollback, then accept
		StateHaveRemoteOffer: offerAccept,
		StateClosed:          offerDrop,
	},
	domain.RoleImpolite: {
		StateStable:          offerAccept,
		StateHaveLocalOffer:  offerIgnore, // glare: our offer stands
		StateHaveRemoteOffer: offerAccept,
		StateClosed:          offerDrop,
	},
}

// Negotiator drives the local/remote description exchange and trickle ICE
// for one session. Inbound messages are handled sequentially by the
// session's receive loop; the mutex serializes those against local
// negotiation triggers (track added, ICE restart).
type Negotiator struct {
	role domain.NegotiationRole
	ops  DescriptionOps
	send func(domain.SignalMessage) error
	log  logging.LeveledLogger

	mu                sync.Mutex
	state             NegotiationState
	remoteSet         bool
	pendingCandidates []domain.ICECandidatePayload
	deferred          bool
	deferredRestart   bool
}

// NewNegotiator creates a state machine in Stable with the given fixed role.
func NewNegotiator(role domain.NegotiationRole, ops DescriptionOps, send func(domain.SignalMessage) error, loggerFactory logging.LoggerFactory) *Negotiator {
	return &Negotiator{
		role:  role,
		ops:   ops,
		send:  send,
		log:   loggerFactory.NewLogger("negotiation"),
		state: StateStable,
	}
}

// State returns the current negotiation state.
func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Trigger starts a local negotiation. While an offer is outstanding the
// request is coalesced and serviced once the machine returns to Stable;
// there is never a backlog of offers.
func (n *Negotiator) Trigger(iceRestart bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.triggerLocked(iceRestart)
}

func (n *Negotiator) triggerLocked(iceRestart bool) error {
	switch n.state {
	case StateClosed:
		return domain.ErrSessionClosed
	case StateHaveLocalOffer, StateHaveRemoteOffer:
		n.deferred = true
		n.deferredRestart = n.deferredRestart || iceRestart
		n.log.Debugf("negotiation trigger deferred in state %s", n.state)
		return nil
	}

	offer, err := n.ops.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.ops.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", domain.ErrNegotiationRejected, err)
	}
	n.state = StateHaveLocalOffer

	n.log.Infof("sending offer (ice restart: %v)", iceRestart)
	return n.send(domain.NewSdpMessage(offer.Type, offer.SDP))
}

// HandleMessage processes one inbound signaling message. Negotiation-local
// failures are reported as domain.ErrNegotiationRejected and leave the
// session open for a retry on the next trigger.
func (n *Negotiator) HandleMessage(msg domain.SignalMessage) error {
	n.mu.Lock()

	var err error
	switch msg.Type {
	case domain.MessageSdp:
		switch {
		case msg.SDP == nil:
			err = fmt.Errorf("%w: sdp message without payload", domain.ErrNegotiationRejected)
		case msg.SDP.Type == "offer":
			err = n.handleOfferLocked(*msg.SDP)
		case msg.SDP.Type == "answer":
			err = n.handleAnswerLocked(*msg.SDP)
		default:
			err = fmt.Errorf("%w: unknown sdp type %q", domain.ErrNegotiationRejected, msg.SDP.Type)
		}
	case domain.MessageIceCandidate:
		if msg.Candidate == nil {
			err = fmt.Errorf("%w: candidate message without payload", domain.ErrNegotiationRejected)
		} else {
			n.handleCandidateLocked(*msg.Candidate)
		}
	case domain.MessageBye:
		n.closeLocked()
	default:
		n.log.Warnf("unhandled signal message type %q", msg.Type)
	}

	// Service a coalesced local trigger once we are back in Stable.
	deferred := n.deferred && n.state == StateStable
	restart := n.deferredRestart
	var terr error
	if deferred {
		n.deferred, n.deferredRestart = false, false
		terr = n.triggerLocked(restart)
	}
	n.mu.Unlock()

	if err != nil {
		return err
	}
	return terr
}

// Close transitions to Closed and drops queued candidates. Further triggers
// fail with domain.ErrSessionClosed.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked()
}

func (n *Negotiator) closeLocked() {
	n.state = StateClosed
	n.pendingCandidates = nil
	n.deferred = false
}

func (n *Negotiator) handleOfferLocked(sdp domain.SDPPayload) error {
	switch offerDecisions[n.role][n.state] {
	case offerIgnore:
		n.log.Infof("glare: ignoring remote offer, ours is in flight")
		return nil
	case offerDrop:
		return nil
	}

	if n.state == StateHaveLocalOffer {
		if err := n.ops.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback: %v", domain.ErrNegotiationRejected, err)
		}
		n.state = StateStable
		// Whatever the abandoned offer wanted still needs negotiating.
		n.deferred = true
	}

	if err := n.ops.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationRejected, err)
	}
	n.state = StateHaveRemoteOffer
	n.remoteSet = true
	n.applyPendingCandidatesLocked()

	answer, err := n.ops.CreateAnswer()
	if err != nil {
		n.state = StateStable
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationRejected, err)
	}
	if err := n.ops.SetLocalDescription(answer); err != nil {
		n.state = StateStable
		return fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiationRejected, err)
	}
	n.state = StateStable

	n.log.Infof("accepted remote offer, sending answer")
	return n.send(domain.NewSdpMessage(answer.Type, answer.SDP))
}

func (n *Negotiator) handleAnswerLocked(sdp domain.SDPPayload) error {
	if n.state != StateHaveLocalOffer {
		n.log.Warnf("ignoring answer in state %s", n.state)
		return nil
	}

	if err := n.ops.SetRemoteDescription(sdp); err != nil {
		// The attempt failed; return to Stable so the next trigger retries.
		n.state = StateStable
		return fmt.Errorf("%w: %v", domain.ErrNegotiationRejected, err)
	}
	n.remoteSet = true
	n.state = StateStable
	n.applyPendingCandidatesLocked()

	n.log.Infof("remote answer applied, negotiation stable")
	return nil
}

func (n *Negotiator) handleCandidateLocked(candidate domain.ICECandidatePayload) {
	if n.state == StateClosed {
		return
	}
	if !n.remoteSet {
		n.pendingCandidates = append(n.pendingCandidates, candidate)
		return
	}
	if err := n.ops.AddICECandidate(candidate); err != nil {
		n.log.Warnf("add ice candidate: %v", err)
	}
}

func (n *Negotiator) applyPendingCandidatesLocked() {
	for _, candidate := range n.pendingCandidates {
		if err := n.ops.AddICECandidate(candidate); err != nil {
			n.log.Warnf("apply queued ice candidate: %v", err)
		}
	}
	n.pendingCandidates = nil
}
