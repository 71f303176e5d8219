// Package session manages the lifecycle of one streaming session: it pumps
// the signaling channel into the peer, supervises ICE recovery and owns
// teardown ordering.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"deskcast/native/internal/domain"
)

const defaultNegotiationTimeout = 15 * time.Second

// Peer is the engine surface the lifecycle manager drives.
type Peer interface {
	Negotiate(iceRestart bool) error
	HandleSignal(msg domain.SignalMessage) error
	OnICEStateChange(fn func(pion.ICEConnectionState))
	Close() error
}

// Config tunes one session.
type Config struct {
	// NegotiationTimeout bounds how long the session may sit unconnected
	// before forcing an ICE restart.
	NegotiationTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Session supervises one peer for its whole lifetime. The state is written
// only here; readers observe it via State.
type Session struct {
	id       string
	peer     Peer
	signaler domain.Signaler
	log      logging.LeveledLogger

	negotiationTimeout time.Duration
	state              atomic.Int32

	mu             sync.Mutex
	restartPending bool
	timeout        *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// New wires a session around an already constructed peer and signaler and
// installs itself as the peer's ICE observer.
func New(peer Peer, signaler domain.Signaler, cfg Config) *Session {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}

	s := &Session{
		id:                 uuid.NewString(),
		peer:               peer,
		signaler:           signaler,
		log:                cfg.LoggerFactory.NewLogger("session"),
		negotiationTimeout: cfg.NegotiationTimeout,
		done:               make(chan struct{}),
	}
	s.state.Store(int32(domain.SessionNew))
	peer.OnICEStateChange(s.handleICEState)
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	return domain.SessionState(s.state.Load())
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run pumps the signaling channel until the session ends. It returns nil on
// an orderly shutdown (Bye, channel closed, context canceled) and the fatal
// error otherwise. Negotiation-local rejections are contained: the message
// is dropped and the session stays up.
func (s *Session) Run(ctx context.Context) error {
	s.setState(domain.SessionNegotiating)
	s.armTimeout()

	for {
		msg, err := s.signaler.Receive(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrChannelClosed) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				s.log.Infof("session %s: signaling channel closed", s.id)
				s.close(domain.SessionClosed, false)
				return nil
			}
			s.close(domain.SessionFailed, false)
			return err
		}

		if msg.Type == domain.MessageBye {
			s.log.Infof("session %s: peer ended the session", s.id)
			_ = s.peer.HandleSignal(msg)
			s.close(domain.SessionClosed, false)
			return nil
		}

		if err := s.peer.HandleSignal(msg); err != nil {
			if errors.Is(err, domain.ErrNegotiationRejected) {
				s.log.Warnf("session %s: dropped %s message: %v", s.id, msg.Type, err)
				continue
			}
			s.close(domain.SessionFailed, true)
			return err
		}
	}
}

// Close ends the session on local initiative: Bye to the peer, then peer and
// channel teardown. Safe to call repeatedly.
func (s *Session) Close() error {
	s.close(domain.SessionClosed, true)
	return nil
}

func (s *Session) handleICEState(state pion.ICEConnectionState) {
	switch state {
	case pion.ICEConnectionStateConnected, pion.ICEConnectionStateCompleted:
		s.setState(domain.SessionConnected)
		s.mu.Lock()
		s.restartPending = false
		if s.timeout != nil {
			s.timeout.Stop()
		}
		s.mu.Unlock()

	case pion.ICEConnectionStateDisconnected:
		// Transient: ICE keeps its candidate pairs and often recovers alone.
		s.setState(domain.SessionReconnecting)

	case pion.ICEConnectionStateFailed:
		s.setState(domain.SessionReconnecting)
		s.attemptRestart("ice failed")
	}
}

// attemptRestart forces one ICE restart per outage. A second failure while
// the restart is still pending ends the session.
func (s *Session) attemptRestart(reason string) {
	s.mu.Lock()
	if s.restartPending {
		s.mu.Unlock()
		s.log.Errorf("session %s: %s after restart, giving up", s.id, reason)
		s.close(domain.SessionFailed, true)
		return
	}
	s.restartPending = true
	s.mu.Unlock()

	s.log.Warnf("session %s: %s, restarting ice", s.id, reason)
	if err := s.peer.Negotiate(true); err != nil {
		s.log.Errorf("session %s: ice restart: %v", s.id, err)
		s.close(domain.SessionFailed, true)
		return
	}
	s.armTimeout()
}

func (s *Session) armTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout != nil {
		s.timeout.Stop()
	}
	s.timeout = time.AfterFunc(s.negotiationTimeout, s.onNegotiationTimeout)
}

func (s *Session) onNegotiationTimeout() {
	switch s.State() {
	case domain.SessionConnected, domain.SessionClosed, domain.SessionFailed:
		return
	}
	s.attemptRestart("negotiation timed out")
}

// setState moves the lifecycle forward; terminal states only change through
// close.
func (s *Session) setState(next domain.SessionState) {
	for {
		current := domain.SessionState(s.state.Load())
		if current == domain.SessionClosed || current == domain.SessionFailed || current == next {
			return
		}
		if s.state.CompareAndSwap(int32(current), int32(next)) {
			s.log.Infof("session %s: %s -> %s", s.id, current, next)
			return
		}
	}
}

func (s *Session) close(terminal domain.SessionState, sendBye bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.timeout != nil {
			s.timeout.Stop()
		}
		s.mu.Unlock()

		if sendBye {
			if err := s.signaler.Send(domain.ByeMessage()); err != nil {
				s.log.Debugf("session %s: send bye: %v", s.id, err)
			}
		}
		if err := s.peer.Close(); err != nil {
			s.log.Warnf("session %s: close peer: %v", s.id, err)
		}
		if err := s.signaler.Close(); err != nil {
			s.log.Warnf("session %s: close signaler: %v", s.id, err)
		}

		s.state.Store(int32(terminal))
		s.log.Infof("session %s: %s", s.id, terminal)
		close(s.done)
	})
}
