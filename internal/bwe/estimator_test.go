package bwe

import (
	"testing"
	"time"

	"github.com/pion/logging"
)

func newTestEstimator(cfg Config) (*Estimator, *time.Time) {
	e := NewEstimator(cfg, logging.NewDefaultLoggerFactory())
	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }
	return e, &now
}

// batch builds feedback for `count` packets spaced `spacing` apart on the
// wire, with `queue` of extra arrival delay added per packet and `lost`
// packets marked missing at the end of the batch.
func batch(startSeq int64, base time.Time, count, lost int, spacing, queue time.Duration) []Ack {
	acks := make([]Ack, 0, count)
	arrival := base.Add(50 * time.Millisecond)
	for i := 0; i < count; i++ {
		departure := base.Add(time.Duration(i) * spacing)
		arrival = arrival.Add(spacing + queue)
		acks = append(acks, Ack{
			Sequence:  startSeq + int64(i),
			Size:      1200,
			Departure: departure,
			Arrival:   arrival,
			Received:  i < count-lost,
		})
	}
	return acks
}

func TestEstimator_IncreasesOnCleanDelivery(t *testing.T) {
	cfg := Config{StartBitrate: 1_000_000, MinBitrate: 100_000, MaxBitrate: 3_000_000}
	e, now := newTestEstimator(cfg)

	start := e.Estimate().BitsPerSec()
	seq := int64(0)
	for i := 0; i < 100; i++ {
		e.PushAcks(batch(seq, *now, 20, 0, 5*time.Millisecond, 0))
		seq += 20
		*now = now.Add(150 * time.Millisecond)
	}

	got := e.Estimate().BitsPerSec()
	if got <= start {
		t.Errorf("expected estimate to grow from %d, got %d", start, got)
	}
	if got > cfg.MaxBitrate {
		t.Errorf("estimate %d exceeds ceiling %d", got, cfg.MaxBitrate)
	}
	if got != cfg.MaxBitrate {
		t.Errorf("expected sustained clean delivery to reach ceiling %d, got %d", cfg.MaxBitrate, got)
	}
}

func TestEstimator_SustainedLossDecreasesToFloor(t *testing.T) {
	cfg := Config{StartBitrate: 2_000_000, MinBitrate: 150_000, MaxBitrate: 10_000_000}
	e, now := newTestEstimator(cfg)

	prev := e.Estimate().BitsPerSec()
	seq := int64(0)
	for i := 0; i < 200; i++ {
		// 30% of every batch lost.
		e.PushAcks(batch(seq, *now, 20, 6, 5*time.Millisecond, 0))
		seq += 20
		*now = now.Add(150 * time.Millisecond)

		got := e.Estimate().BitsPerSec()
		if got > prev {
			t.Fatalf("iteration %d: estimate increased from %d to %d under sustained loss", i, prev, got)
		}
		if got <= 0 {
			t.Fatalf("iteration %d: estimate went non-positive: %d", i, got)
		}
		prev = got
	}

	if prev != cfg.MinBitrate {
		t.Errorf("expected estimate to settle at floor %d, got %d", cfg.MinBitrate, prev)
	}
}

func TestEstimator_OveruseTriggersMultiplicativeDecrease(t *testing.T) {
	cfg := Config{StartBitrate: 2_000_000}
	e, now := newTestEstimator(cfg)

	seq := int64(0)
	for i := 0; i < 5; i++ {
		// Every packet arrives 3ms later than its spacing predicts: queues
		// are building.
		e.PushAcks(batch(seq, *now, 20, 0, 5*time.Millisecond, 3*time.Millisecond))
		seq += 20
		*now = now.Add(150 * time.Millisecond)
	}

	got := e.Estimate().BitsPerSec()
	if got >= cfg.StartBitrate {
		t.Errorf("expected decrease below %d under overuse, got %d", cfg.StartBitrate, got)
	}
}

func TestEstimator_DuplicateFeedbackIsNoOp(t *testing.T) {
	cfg := Config{StartBitrate: 1_000_000}
	e, now := newTestEstimator(cfg)

	acks := batch(0, *now, 20, 0, 5*time.Millisecond, 0)
	e.PushAcks(acks)
	*now = now.Add(150 * time.Millisecond)
	e.PushAcks(acks)

	before := e.Estimate().BitsPerSec()
	*now = now.Add(150 * time.Millisecond)
	e.PushAcks(acks) // duplicates again
	if got := e.Estimate().BitsPerSec(); got != before {
		t.Errorf("duplicate feedback changed estimate from %d to %d", before, got)
	}
}

func TestEstimator_OutOfOrderFeedbackTolerated(t *testing.T) {
	cfg := Config{StartBitrate: 1_000_000, MaxBitrate: 5_000_000}
	e, now := newTestEstimator(cfg)

	acks := batch(0, *now, 20, 0, 5*time.Millisecond, 0)
	// Deliver the second half before the first.
	e.PushAcks(acks[10:])
	*now = now.Add(150 * time.Millisecond)
	e.PushAcks(acks[:10])

	got := e.Estimate().BitsPerSec()
	if got <= 0 || got > cfg.MaxBitrate {
		t.Errorf("estimate out of bounds after reordered feedback: %d", got)
	}
}

func TestEstimator_FeedbackGapClampsToLastKnownGood(t *testing.T) {
	cfg := Config{StartBitrate: 1_000_000, FeedbackGapTimeout: time.Second}
	e, now := newTestEstimator(cfg)

	seq := int64(0)
	for i := 0; i < 3; i++ {
		e.PushAcks(batch(seq, *now, 20, 0, 5*time.Millisecond, 0))
		seq += 20
		*now = now.Add(150 * time.Millisecond)
	}
	lastKnownGood := e.Estimate().BitsPerSec()

	// No feedback for far longer than the gap timeout.
	*now = now.Add(10 * time.Second)
	if got := e.Estimate().BitsPerSec(); got != lastKnownGood {
		t.Fatalf("estimate changed without feedback: %d != %d", got, lastKnownGood)
	}

	// Feedback resumes; the estimator must not diverge in either direction.
	e.PushAcks(batch(seq, *now, 20, 0, 5*time.Millisecond, 0))
	got := e.Estimate().BitsPerSec()
	if got < lastKnownGood || got > e.cfg.MaxBitrate {
		t.Errorf("estimate diverged across feedback gap: %d (last known good %d)", got, lastKnownGood)
	}
}

func TestSequenceUnwrapper_Wraparound(t *testing.T) {
	var u sequenceUnwrapper

	if got := u.unwrap(65534); got != 65534 {
		t.Fatalf("expected 65534, got %d", got)
	}
	if got := u.unwrap(65535); got != 65535 {
		t.Fatalf("expected 65535, got %d", got)
	}
	if got := u.unwrap(0); got != 65536 {
		t.Errorf("expected 65536 after wrap, got %d", got)
	}
	if got := u.unwrap(65535); got != 65535 {
		t.Errorf("expected 65535 on reordered input, got %d", got)
	}
}
