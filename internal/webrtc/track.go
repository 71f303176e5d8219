package webrtc

import (
	"github.com/google/uuid"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"deskcast/native/internal/bwe"
	"deskcast/native/internal/domain"
)

// encoderTrack adapts an EncoderBuilder to pion's TrackLocal. Bind fires
// once the media line is negotiated; that is where the offered codecs are
// matched against what the remote accepted and the builder is started.
type encoderTrack struct {
	builder  EncoderBuilder
	id       string
	streamID string
	kind     pion.RTPCodecType
	estimate *bwe.Estimate
	iceState func() pion.ICEConnectionState
	onBind   func(*TrackBinding)
	log      logging.LeveledLogger

	binding *TrackBinding
}

func newEncoderTrack(builder EncoderBuilder, estimate *bwe.Estimate, iceState func() pion.ICEConnectionState, onBind func(*TrackBinding), loggerFactory logging.LoggerFactory) *encoderTrack {
	kind := pion.RTPCodecTypeVideo
	if builderKind(builder.SupportedCodecs()) == domain.MediaKindAudio {
		kind = pion.RTPCodecTypeAudio
	}
	return &encoderTrack{
		builder:  builder,
		id:       uuid.NewString(),
		streamID: "deskcast",
		kind:     kind,
		estimate: estimate,
		iceState: iceState,
		onBind:   onBind,
		log:      loggerFactory.NewLogger("track"),
	}
}

// Bind implements pion.TrackLocal.
func (t *encoderTrack) Bind(ctx pion.TrackLocalContext) (pion.RTPCodecParameters, error) {
	return t.bind(ctx.CodecParameters(), uint32(ctx.SSRC()), ctx.WriteStream())
}

// bind matches the negotiated codec list in the builder's preference order;
// no overlap rejects the media line.
func (t *encoderTrack) bind(negotiated []pion.RTPCodecParameters, ssrc uint32, writer pion.TrackLocalWriter) (pion.RTPCodecParameters, error) {
	for _, supported := range t.builder.SupportedCodecs() {
		for _, params := range negotiated {
			if !supported.Matches(params.MimeType, params.SDPFmtpLine) {
				continue
			}

			chosen := supported
			chosen.SDPFmtpLine = params.SDPFmtpLine
			chosen.PayloadType = uint8(params.PayloadType)

			binding := newTrackBinding(chosen, ssrc, chosen.PayloadType, writer, t.estimate, t.iceState)
			if err := t.builder.Build(binding); err != nil {
				binding.release()
				return pion.RTPCodecParameters{}, err
			}

			t.binding = binding
			t.onBind(binding)
			t.log.Infof("bound %s track: %s pt=%d ssrc=%d",
				t.kind, chosen.MimeType, chosen.PayloadType, binding.SSRC)
			return params, nil
		}
	}

	t.log.Errorf("no codec overlap for %s track", t.kind)
	return pion.RTPCodecParameters{}, domain.ErrCodecUnsupported
}

// Unbind implements pion.TrackLocal and stops the encoder.
func (t *encoderTrack) Unbind(pion.TrackLocalContext) error {
	if t.binding != nil {
		t.binding.release()
		t.binding = nil
	}
	return nil
}

func (t *encoderTrack) ID() string              { return t.id }
func (t *encoderTrack) RID() string             { return "" }
func (t *encoderTrack) StreamID() string        { return t.streamID }
func (t *encoderTrack) Kind() pion.RTPCodecType { return t.kind }
