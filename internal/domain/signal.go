package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the SignalMessage variants on the wire.
type MessageType string

const (
	MessageSdp          MessageType = "Sdp"
	MessageIceCandidate MessageType = "IceCandidate"
	MessageBye          MessageType = "Bye"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for trickled ICE candidates.
// SDPMid and SDPMLineIndex are optional on the wire.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalMessage is the tagged union exchanged over the signaling channel:
// {"type":"Sdp"|"IceCandidate"|"Bye","data":<payload>}. A message is
// immutable once constructed.
type SignalMessage struct {
	Type      MessageType
	SDP       *SDPPayload
	Candidate *ICECandidatePayload
}

// NewSdpMessage wraps an SDP offer or answer in a SignalMessage.
func NewSdpMessage(sdpType, sdp string) SignalMessage {
	return SignalMessage{
		Type: MessageSdp,
		SDP:  &SDPPayload{Type: sdpType, SDP: sdp},
	}
}

// NewCandidateMessage wraps a trickled ICE candidate in a SignalMessage.
func NewCandidateMessage(candidate ICECandidatePayload) SignalMessage {
	c := candidate
	return SignalMessage{Type: MessageIceCandidate, Candidate: &c}
}

// ByeMessage signals session termination.
func ByeMessage() SignalMessage {
	return SignalMessage{Type: MessageBye}
}

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m SignalMessage) MarshalJSON() ([]byte, error) {
	env := envelope{Type: m.Type}

	var payload any
	switch m.Type {
	case MessageSdp:
		if m.SDP == nil {
			return nil, fmt.Errorf("sdp message without payload")
		}
		payload = m.SDP
	case MessageIceCandidate:
		if m.Candidate == nil {
			return nil, fmt.Errorf("ice candidate message without payload")
		}
		payload = m.Candidate
	case MessageBye:
		// no payload
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}

	return json.Marshal(env)
}

func (m *SignalMessage) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	*m = SignalMessage{Type: env.Type}

	switch env.Type {
	case MessageSdp:
		var sdp SDPPayload
		if err := json.Unmarshal(env.Data, &sdp); err != nil {
			return fmt.Errorf("decode sdp payload: %w", err)
		}
		m.SDP = &sdp
	case MessageIceCandidate:
		var candidate ICECandidatePayload
		if err := json.Unmarshal(env.Data, &candidate); err != nil {
			return fmt.Errorf("decode candidate payload: %w", err)
		}
		m.Candidate = &candidate
	case MessageBye:
		// payload absent/ignored
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}

	return nil
}
