package bwe

import (
	"sync"
	"time"

	"github.com/pion/logging"
)

// Detector verdicts for the inter-arrival delay trend.
type usage int

const (
	usageNormal usage = iota
	usageUnderuse
	usageOveruse
)

func (u usage) String() string {
	switch u {
	case usageUnderuse:
		return "underuse"
	case usageOveruse:
		return "overuse"
	default:
		return "normal"
	}
}

const (
	// Smoothing weight for new delay-variation samples.
	slopeAlpha = 0.25
	// Smoothed delay variation beyond which the path counts as over- or
	// under-used.
	overuseThreshold = time.Millisecond
	// Samples required before the detector produces a verdict.
	detectorWarmup = 10

	// Multiplicative decrease applied on overuse.
	decreaseFactor = 0.85
	// Multiplicative increase applied while probing upward before the first
	// decrease; afterwards the controller increases additively.
	probeFactor = 1.08
	// Additive increase per update once the controller has backed off.
	additiveStepBps = 50_000

	// Loss fractions bounding the loss-based controller: above the high mark
	// the rate drops, below the low mark it may grow.
	lossHighMark = 0.10
	lossLowMark  = 0.02

	// Dedup window for feedback sequence numbers.
	dedupWindow = 2048
)

// Config bounds the estimator. Zero fields take the defaults.
type Config struct {
	StartBitrate int64 // initial estimate, bits/sec
	MinBitrate   int64 // floor
	MaxBitrate   int64 // ceiling

	// UpdateInterval rate-limits estimate updates so a single feedback burst
	// cannot make the rate oscillate.
	UpdateInterval time.Duration

	// FeedbackGapTimeout clamps the estimate to last-known-good when no
	// feedback arrives for this long.
	FeedbackGapTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StartBitrate == 0 {
		out.StartBitrate = 1_000_000
	}
	if out.MinBitrate == 0 {
		out.MinBitrate = 100_000
	}
	if out.MaxBitrate == 0 {
		out.MaxBitrate = 20_000_000
	}
	if out.UpdateInterval == 0 {
		out.UpdateInterval = 100 * time.Millisecond
	}
	if out.FeedbackGapTimeout == 0 {
		out.FeedbackGapTimeout = 2 * time.Second
	}
	return out
}

// Ack is one per-packet transport-wide feedback record: what the sender
// knows about a packet's departure joined with the peer's arrival report.
// Records are consumed transiently and not persisted beyond the estimation
// window.
type Ack struct {
	Sequence  int64 // unwrapped transport-wide sequence number
	Size      int   // bytes on the wire
	Departure time.Time
	Arrival   time.Time
	Received  bool
}

// Estimator turns TWCC feedback into a bounded bandwidth estimate. It
// tolerates duplicate, out-of-order and missing feedback.
type Estimator struct {
	cfg      Config
	estimate *Estimate
	log      logging.LeveledLogger
	now      func() time.Time

	mu sync.Mutex

	// Dedup state, indexed by unwrapped sequence number.
	seen    map[int64]struct{}
	highSeq int64

	// Delay-trend detector state.
	lastDeparture time.Time
	lastArrival   time.Time
	slope         float64 // smoothed delay variation, seconds
	samples       int

	// Loss tracking.
	lossRatio float64

	// Rate controller state.
	lastUpdate   time.Time
	lastFeedback time.Time
	backedOff    bool
}

// NewEstimator creates an estimator publishing into a fresh Estimate cell.
func NewEstimator(cfg Config, loggerFactory logging.LoggerFactory) *Estimator {
	cfg = cfg.withDefaults()
	return &Estimator{
		cfg:      cfg,
		estimate: NewEstimate(cfg.StartBitrate),
		log:      loggerFactory.NewLogger("bwe"),
		now:      time.Now,
		seen:     make(map[int64]struct{}),
	}
}

// Estimate returns the shared estimate cell read by active encoders.
func (e *Estimator) Estimate() *Estimate {
	return e.estimate
}

// PushAcks ingests one feedback report's worth of per-packet records. It is
// called from the RTCP path and never blocks the encode path: the published
// value is an atomic store.
func (e *Estimator) PushAcks(acks []Ack) {
	if len(acks) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	if !e.lastFeedback.IsZero() && now.Sub(e.lastFeedback) > e.cfg.FeedbackGapTimeout {
		// Feedback resumed after a gap. The estimate stayed at
		// last-known-good; the stale trend state must not leak into the new
		// interval.
		e.log.Warnf("feedback gap of %v, clamping to last-known-good %d bps",
			now.Sub(e.lastFeedback), e.estimate.BitsPerSec())
		e.resetDetector()
	}
	e.lastFeedback = now

	received, lost := 0, 0
	for _, ack := range acks {
		if e.isDuplicate(ack.Sequence) {
			continue
		}
		e.markSeen(ack.Sequence)

		if !ack.Received {
			lost++
			continue
		}
		received++
		e.updateTrend(ack)
	}

	if received+lost == 0 {
		// Entirely duplicate feedback; nothing new to act on.
		return
	}

	batchLoss := float64(lost) / float64(received+lost)
	e.lossRatio = (e.lossRatio + batchLoss) / 2

	e.maybeUpdateRate(now)
}

func (e *Estimator) resetDetector() {
	e.lastDeparture = time.Time{}
	e.lastArrival = time.Time{}
	e.slope = 0
	e.samples = 0
	e.lossRatio = 0
}

func (e *Estimator) isDuplicate(seq int64) bool {
	_, ok := e.seen[seq]
	return ok
}

func (e *Estimator) markSeen(seq int64) {
	e.seen[seq] = struct{}{}
	if seq > e.highSeq {
		e.highSeq = seq
	}
	if len(e.seen) > 2*dedupWindow {
		for s := range e.seen {
			if s < e.highSeq-dedupWindow {
				delete(e.seen, s)
			}
		}
	}
}

// updateTrend feeds one received packet into the delay-variation filter:
// d = (arrival_i - arrival_{i-1}) - (departure_i - departure_{i-1}).
// A sustained positive slope means queues are building along the path.
func (e *Estimator) updateTrend(ack Ack) {
	if ack.Arrival.IsZero() {
		// Received-without-delta feedback carries no timing information.
		return
	}
	if e.lastDeparture.IsZero() {
		e.lastDeparture = ack.Departure
		e.lastArrival = ack.Arrival
		return
	}

	// Out-of-order within the window: the pairwise deltas would be negative
	// mirrors of each other and cancel out, but skipping them keeps the
	// filter cleaner.
	if ack.Departure.Before(e.lastDeparture) {
		return
	}

	d := ack.Arrival.Sub(e.lastArrival) - ack.Departure.Sub(e.lastDeparture)
	e.lastDeparture = ack.Departure
	e.lastArrival = ack.Arrival

	e.slope += slopeAlpha * (d.Seconds() - e.slope)
	e.samples++
}

func (e *Estimator) detect() usage {
	if e.samples < detectorWarmup {
		return usageNormal
	}
	switch {
	case e.slope > overuseThreshold.Seconds():
		return usageOveruse
	case e.slope < -overuseThreshold.Seconds():
		return usageUnderuse
	default:
		return usageNormal
	}
}

// maybeUpdateRate applies the AIMD step, rate-limited to UpdateInterval so
// per-packet feedback cannot thrash the encoder's target bitrate.
func (e *Estimator) maybeUpdateRate(now time.Time) {
	if !e.lastUpdate.IsZero() && now.Sub(e.lastUpdate) < e.cfg.UpdateInterval {
		return
	}
	e.lastUpdate = now

	current := e.estimate.BitsPerSec()
	target := current
	state := e.detect()

	switch {
	case state == usageOveruse || e.lossRatio > lossHighMark:
		factor := decreaseFactor
		if lossFactor := 1 - 0.5*e.lossRatio; e.lossRatio > lossHighMark && lossFactor < factor {
			factor = lossFactor
		}
		target = int64(float64(current) * factor)
		e.backedOff = true
		e.log.Debugf("decrease: %s loss=%.2f %d -> %d bps", state, e.lossRatio, current, target)

	case state == usageUnderuse:
		// Hold: the queues are draining, let them.

	default:
		if e.lossRatio < lossLowMark {
			if e.backedOff {
				target = current + additiveStepBps
			} else {
				target = int64(float64(current) * probeFactor)
			}
		}
	}

	target = e.clamp(target)
	if target != current {
		e.estimate.store(target)
	}
}

func (e *Estimator) clamp(bps int64) int64 {
	if bps < e.cfg.MinBitrate {
		return e.cfg.MinBitrate
	}
	if bps > e.cfg.MaxBitrate {
		return e.cfg.MaxBitrate
	}
	return bps
}
