package domain

// NegotiationRole fixes a peer's glare behavior for the session's lifetime.
// The impolite peer wins a simultaneous-offer collision by ignoring the
// incoming offer while its own is in flight; the polite peer yields.
type NegotiationRole int

const (
	RolePolite NegotiationRole = iota
	RoleImpolite
)

func (r NegotiationRole) String() string {
	switch r {
	case RolePolite:
		return "polite"
	case RoleImpolite:
		return "impolite"
	default:
		return "unknown"
	}
}

// SessionState is the lifecycle state of a session. It is written only by
// the session lifecycle manager; other components read it.
type SessionState int32

const (
	SessionNew SessionState = iota
	SessionNegotiating
	SessionConnected
	SessionReconnecting
	SessionClosed
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "new"
	case SessionNegotiating:
		return "negotiating"
	case SessionConnected:
		return "connected"
	case SessionReconnecting:
		return "reconnecting"
	case SessionClosed:
		return "closed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}
