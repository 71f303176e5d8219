// Package media provides H.264 encode and decode backends: an Annex-B byte
// stream is bridged onto RTP on the way out and reassembled from RTP on the
// way in.
package media

import (
	"errors"
	"io"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"

	"deskcast/native/internal/domain"
	"deskcast/native/internal/webrtc"
)

const (
	h264ClockRate  = 90000
	rtpOutboundMTU = 1200
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Codecs lists the H.264 variants the builders in this package handle,
// High profile preferred over constrained Baseline.
func H264Codecs() []domain.Codec {
	return []domain.Codec{
		{
			MimeType:    "video/H264",
			ClockRate:   h264ClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=64001f",
		},
		{
			MimeType:    "video/H264",
			ClockRate:   h264ClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
	}
}

// H264Source streams a pre-encoded Annex-B H.264 elementary stream (an
// encoder pipe, a capture tool's stdout) onto a negotiated track, paced at a
// fixed frame rate.
type H264Source struct {
	src           io.Reader
	framesPerSec  int
	loggerFactory logging.LoggerFactory
}

// NewH264Source wraps an Annex-B byte stream. framesPerSec must match the
// source material; it drives RTP timestamp pacing.
func NewH264Source(src io.Reader, framesPerSec int, loggerFactory logging.LoggerFactory) *H264Source {
	if framesPerSec <= 0 {
		framesPerSec = 30
	}
	return &H264Source{src: src, framesPerSec: framesPerSec, loggerFactory: loggerFactory}
}

// SupportedCodecs implements webrtc.EncoderBuilder.
func (s *H264Source) SupportedCodecs() []domain.Codec {
	return H264Codecs()
}

// Build implements webrtc.EncoderBuilder: it starts the packetizing loop and
// returns immediately.
func (s *H264Source) Build(binding *webrtc.TrackBinding) error {
	reader, err := h264reader.NewReader(s.src)
	if err != nil {
		return err
	}
	go s.stream(reader, binding)
	return nil
}

func (s *H264Source) stream(reader *h264reader.H264Reader, binding *webrtc.TrackBinding) {
	log := s.loggerFactory.NewLogger("media")

	packetizer := rtp.NewPacketizer(
		rtpOutboundMTU,
		binding.PayloadType,
		binding.SSRC,
		&codecs.H264Payloader{},
		rtp.NewRandomSequencer(),
		h264ClockRate,
	)

	frameDuration := time.Second / time.Duration(s.framesPerSec)
	samplesPerFrame := uint32(h264ClockRate / s.framesPerSec)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var frame []byte
	for {
		nal, err := reader.NextNAL()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Errorf("read h264 stream: %v", err)
			}
			return
		}

		frame = append(frame, annexBStartCode...)
		frame = append(frame, nal.Data...)
		if !isVCL(nal.UnitType) {
			// Parameter sets and SEI travel with the slice that follows.
			continue
		}

		select {
		case <-binding.Done():
			return
		case <-ticker.C:
		}

		log.Tracef("frame %dB target %d bps", len(frame), binding.Estimate.BitsPerSec())
		for _, packet := range packetizer.Packetize(frame, samplesPerFrame) {
			if _, err := binding.Writer.WriteRTP(&packet.Header, packet.Payload); err != nil {
				log.Warnf("write rtp: %v", err)
				return
			}
		}
		frame = frame[:0]
	}
}

// isVCL reports whether the NAL unit carries picture data, which closes out
// an access unit for single-slice streams.
func isVCL(t h264reader.NalUnitType) bool {
	return t >= h264reader.NalUnitTypeCodedSliceNonIdr && t <= h264reader.NalUnitTypeCodedSliceIdr
}

// rtpSource is the part of pion's TrackRemote the sink consumes; narrowed
// for testing.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// H264Sink depacketizes a remote H.264 track back into an Annex-B stream,
// typically a decoder's stdin or a file.
type H264Sink struct {
	dst           io.Writer
	loggerFactory logging.LoggerFactory
}

// NewH264Sink writes reassembled Annex-B access units to dst.
func NewH264Sink(dst io.Writer, loggerFactory logging.LoggerFactory) *H264Sink {
	return &H264Sink{dst: dst, loggerFactory: loggerFactory}
}

// SupportedCodecs implements webrtc.DecoderBuilder.
func (s *H264Sink) SupportedCodecs() []domain.Codec {
	return H264Codecs()
}

// Build implements webrtc.DecoderBuilder: it starts the consume loop plus an
// RTCP drain (the interceptor chain only runs while the receiver is read).
func (s *H264Sink) Build(track *pion.TrackRemote, receiver *pion.RTPReceiver) error {
	go s.consume(track)
	go drainRTCP(receiver)
	return nil
}

func (s *H264Sink) consume(src rtpSource) {
	log := s.loggerFactory.NewLogger("media")
	depacketizer := &codecs.H264Packet{}

	for {
		packet, _, err := src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warnf("read rtp: %v", err)
			}
			return
		}

		nal, err := depacketizer.Unmarshal(packet.Payload)
		if err != nil {
			// A packet lost beyond NACK recovery leaves a partial unit.
			log.Debugf("depacketize seq %d: %v", packet.SequenceNumber, err)
			continue
		}
		if len(nal) == 0 {
			continue
		}

		if _, err := s.dst.Write(nal); err != nil {
			log.Errorf("write decoded stream: %v", err)
			return
		}
	}
}

func drainRTCP(receiver *pion.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}
