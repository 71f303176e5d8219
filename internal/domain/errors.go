package domain

import "errors"

// Error kinds surfaced by the session engine. Transport errors are fatal for
// the session (not the process); negotiation-local errors are contained and
// retried on the next trigger.
var (
	// ErrChannelClosed reports that the signaling transport is gone.
	ErrChannelClosed = errors.New("signaling channel closed")

	// ErrNegotiationRejected reports a malformed or incompatible session
	// description. The current negotiation attempt fails; the session stays
	// open for a retry on the next trigger.
	ErrNegotiationRejected = errors.New("negotiation rejected")

	// ErrIceFailed reports a failed ICE connection state. It triggers an ICE
	// restart rather than session teardown.
	ErrIceFailed = errors.New("ice connection failed")

	// ErrCodecUnsupported reports that no registered builder can handle a
	// negotiated codec. The media line is rejected; the session continues.
	ErrCodecUnsupported = errors.New("no builder for negotiated codec")

	// ErrSessionClosed reports an operation on an already closed session.
	ErrSessionClosed = errors.New("session closed")
)
