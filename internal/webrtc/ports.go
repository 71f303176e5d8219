package webrtc

import (
	"sync"

	pion "github.com/pion/webrtc/v4"

	"deskcast/native/internal/bwe"
	"deskcast/native/internal/domain"
)

// EncoderBuilder is the contract for pluggable encode backends (hardware
// capture+encode pipelines, test patterns). The engine negotiates one of the
// advertised codecs, then hands the builder a live binding.
type EncoderBuilder interface {
	// SupportedCodecs lists the codecs the backend can produce, most
	// preferred first.
	SupportedCodecs() []domain.Codec

	// Build takes ownership of producing RTP packets onto the binding's
	// writer until the binding is released. It must not block.
	Build(binding *TrackBinding) error
}

// DecoderBuilder is the contract for pluggable decode backends. Build takes
// ownership of consuming samples from the remote track; the rtpReceiver is
// available for reading RTCP.
type DecoderBuilder interface {
	SupportedCodecs() []domain.Codec
	Build(track *pion.TrackRemote, receiver *pion.RTPReceiver) error
}

// TrackBinding joins a negotiated media line with the builder that serves
// it. Created once per media line; released when the transceiver unbinds or
// the session closes.
type TrackBinding struct {
	Codec       domain.Codec
	SSRC        uint32
	PayloadType uint8

	// Writer is the RTP packet sink, already wired through the interceptor
	// chain (NACK, reports, TWCC stamping).
	Writer pion.TrackLocalWriter

	// Estimate is the shared bandwidth estimate the encoder polls to adjust
	// its target bitrate. Reads are lock-free.
	Estimate *bwe.Estimate

	// ICEState reports the current ICE connection state; encoders may pause
	// while disconnected.
	ICEState func() pion.ICEConnectionState

	releaseOnce sync.Once
	done        chan struct{}
}

func newTrackBinding(codec domain.Codec, ssrc uint32, payloadType uint8, writer pion.TrackLocalWriter, estimate *bwe.Estimate, iceState func() pion.ICEConnectionState) *TrackBinding {
	return &TrackBinding{
		Codec:       codec,
		SSRC:        ssrc,
		PayloadType: payloadType,
		Writer:      writer,
		Estimate:    estimate,
		ICEState:    iceState,
		done:        make(chan struct{}),
	}
}

// Done is closed exactly once when the binding is released; the encoder must
// stop producing then.
func (b *TrackBinding) Done() <-chan struct{} {
	return b.done
}

func (b *TrackBinding) release() {
	b.releaseOnce.Do(func() { close(b.done) })
}

// builderKind derives the media kind a builder serves from its advertised
// codecs.
func builderKind(codecs []domain.Codec) domain.MediaKind {
	if len(codecs) == 0 {
		return domain.MediaKindUnknown
	}
	return codecs[0].Kind()
}
