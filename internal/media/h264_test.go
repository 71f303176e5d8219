package media

import (
	"bytes"
	"io"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

type fakeRTPSource struct {
	packets []*rtp.Packet
	next    int
}

func (f *fakeRTPSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if f.next >= len(f.packets) {
		return nil, nil, io.EOF
	}
	p := f.packets[f.next]
	f.next++
	return p, nil, nil
}

func TestH264Sink_ReassemblesAnnexB(t *testing.T) {
	src := &fakeRTPSource{packets: []*rtp.Packet{
		// Single NALU: an IDR slice fragment.
		{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x65, 0x88, 0x84}},
		// STAP-A bundling SPS and PPS.
		{Header: rtp.Header{SequenceNumber: 2}, Payload: []byte{
			0x78,
			0x00, 0x02, 0x67, 0x42,
			0x00, 0x01, 0x68,
		}},
	}}

	var out bytes.Buffer
	sink := NewH264Sink(&out, logging.NewDefaultLoggerFactory())
	sink.consume(src)

	want := []byte{
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x68,
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("reassembled stream mismatch:\n got %x\nwant %x", out.Bytes(), want)
	}
}

func TestH264Sink_SkipsMalformedPayloads(t *testing.T) {
	src := &fakeRTPSource{packets: []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 1}, Payload: nil},
		{Header: rtp.Header{SequenceNumber: 2}, Payload: []byte{0x65, 0x01}},
	}}

	var out bytes.Buffer
	sink := NewH264Sink(&out, logging.NewDefaultLoggerFactory())
	sink.consume(src)

	want := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("expected malformed payload skipped, got %x", out.Bytes())
	}
}

func TestIsVCL(t *testing.T) {
	vcl := []h264reader.NalUnitType{
		h264reader.NalUnitTypeCodedSliceNonIdr,
		h264reader.NalUnitTypeCodedSliceIdr,
	}
	for _, nt := range vcl {
		if !isVCL(nt) {
			t.Errorf("expected %v to be VCL", nt)
		}
	}

	nonVCL := []h264reader.NalUnitType{
		h264reader.NalUnitTypeSEI,
		h264reader.NalUnitTypeSPS,
		h264reader.NalUnitTypePPS,
		h264reader.NalUnitTypeAUD,
	}
	for _, nt := range nonVCL {
		if isVCL(nt) {
			t.Errorf("expected %v to be non-VCL", nt)
		}
	}
}

func TestH264Codecs_PreferenceOrder(t *testing.T) {
	codecs := H264Codecs()
	if len(codecs) < 2 {
		t.Fatalf("expected at least two H.264 variants, got %d", len(codecs))
	}
	if got := codecs[0].H264Profile(); got != "64" {
		t.Errorf("expected High profile first, got %q", got)
	}
	for _, c := range codecs {
		if c.ClockRate != 90000 {
			t.Errorf("%s: expected 90kHz clock, got %d", c.SDPFmtpLine, c.ClockRate)
		}
	}
}
