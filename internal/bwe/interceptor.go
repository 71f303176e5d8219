package bwe

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

// historyWindow bounds the send-time history kept for matching feedback.
const historyWindow = 4096

// remoteEpoch anchors the peer's arrival timeline. Only differences between
// arrival times matter to the detector, so the epoch is arbitrary.
var remoteEpoch = time.Unix(0, 0)

// InterceptorFactory produces the TWCC interceptor for a peer connection's
// interceptor registry. One factory serves one estimator.
type InterceptorFactory struct {
	estimator     *Estimator
	loggerFactory logging.LoggerFactory
}

// NewInterceptorFactory wires the estimator into pion's interceptor chain.
func NewInterceptorFactory(estimator *Estimator, loggerFactory logging.LoggerFactory) *InterceptorFactory {
	return &InterceptorFactory{estimator: estimator, loggerFactory: loggerFactory}
}

// NewInterceptor implements interceptor.Factory.
func (f *InterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &twccInterceptor{
		estimator: f.estimator,
		log:       f.loggerFactory.NewLogger("bwe"),
		now:       time.Now,
		history:   make(map[int64]sentPacket),
	}, nil
}

type sentPacket struct {
	departure time.Time
	size      int
}

// twccInterceptor stamps outgoing RTP packets with the transport-wide-cc
// header extension, remembers their departure times, and joins inbound
// TransportLayerCC feedback against that history to feed the estimator.
type twccInterceptor struct {
	interceptor.NoOp

	estimator *Estimator
	log       logging.LeveledLogger
	now       func() time.Time

	mu        sync.Mutex
	nextSeq   int64
	history   map[int64]sentPacket
	unwrapper sequenceUnwrapper
}

// BindLocalStream implements interceptor.Interceptor. Streams that did not
// negotiate the transport-wide-cc extension pass through untouched.
func (t *twccInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	extID := uint8(0)
	for _, ext := range info.RTPHeaderExtensions {
		if ext.URI == sdp.TransportCCURI {
			extID = uint8(ext.ID)
			break
		}
	}
	if extID == 0 {
		return writer
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		t.mu.Lock()
		seq := t.nextSeq
		t.nextSeq++
		t.history[seq] = sentPacket{
			departure: t.now(),
			size:      header.MarshalSize() + len(payload),
		}
		if seq >= historyWindow {
			delete(t.history, seq-historyWindow)
		}
		t.mu.Unlock()

		ext, err := (&rtp.TransportCCExtension{TransportSequence: uint16(seq)}).Marshal()
		if err != nil {
			return 0, err
		}
		if err := header.SetExtension(extID, ext); err != nil {
			return 0, err
		}

		return writer.Write(header, payload, attributes)
	})
}

// BindRTCPReader implements interceptor.Interceptor.
func (t *twccInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return n, attr, err
		}

		packets, err := rtcp.Unmarshal(b[:n])
		if err != nil {
			return n, attr, nil // not ours to reject
		}

		for _, packet := range packets {
			if fb, ok := packet.(*rtcp.TransportLayerCC); ok {
				t.estimator.PushAcks(t.joinFeedback(fb))
			}
		}

		return n, attr, nil
	})
}

// joinFeedback expands the feedback's status chunks into per-packet records,
// reconstructs arrival times from the reference time plus receive deltas,
// and joins them with the recorded departure times.
func (t *twccInterceptor) joinFeedback(fb *rtcp.TransportLayerCC) []Ack {
	symbols := statusSymbols(fb)

	t.mu.Lock()
	defer t.mu.Unlock()

	arrival := remoteEpoch.Add(time.Duration(fb.ReferenceTime) * 64 * time.Millisecond)
	deltaIdx := 0

	acks := make([]Ack, 0, len(symbols))
	for i, symbol := range symbols {
		seq := t.unwrapper.unwrap(fb.BaseSequenceNumber + uint16(i))
		received := symbol != rtcp.TypeTCCPacketNotReceived

		// Every received-with-delta symbol consumes its delta, whether or not
		// the packet is still in the history; otherwise one evicted packet
		// shifts every later arrival in the block.
		hasDelta := received && symbol != rtcp.TypeTCCPacketReceivedWithoutDelta && deltaIdx < len(fb.RecvDeltas)
		if hasDelta {
			arrival = arrival.Add(time.Duration(fb.RecvDeltas[deltaIdx].Delta) * time.Microsecond)
			deltaIdx++
		}

		sent, known := t.history[seq]
		if !known {
			// Feedback for a packet outside the retained window.
			continue
		}

		ack := Ack{
			Sequence:  seq,
			Size:      sent.size,
			Departure: sent.departure,
			Received:  received,
		}
		if hasDelta {
			ack.Arrival = arrival
		}

		acks = append(acks, ack)
	}

	return acks
}

// statusSymbols flattens the run-length and status-vector chunks into one
// symbol per sequence number, trimmed to PacketStatusCount.
func statusSymbols(fb *rtcp.TransportLayerCC) []uint16 {
	symbols := make([]uint16, 0, fb.PacketStatusCount)

	for _, chunk := range fb.PacketChunks {
		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < c.RunLength; i++ {
				symbols = append(symbols, c.PacketStatusSymbol)
			}
		case *rtcp.StatusVectorChunk:
			symbols = append(symbols, c.SymbolList...)
		}
	}

	if len(symbols) > int(fb.PacketStatusCount) {
		symbols = symbols[:fb.PacketStatusCount]
	}
	return symbols
}
