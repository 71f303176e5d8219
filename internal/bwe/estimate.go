// Package bwe implements transport-wide congestion control (TWCC) bandwidth
// estimation: a delay-trend detector with a loss-based sanity check feeding
// an AIMD rate controller.
package bwe

import "sync/atomic"

// Estimate is the shared bandwidth estimate in bits per second. The
// estimator is the sole writer; active encoders read it lock-free on the
// real-time encode path.
type Estimate struct {
	bps atomic.Int64
}

// NewEstimate creates an estimate cell seeded with the initial bitrate.
func NewEstimate(initialBps int64) *Estimate {
	e := &Estimate{}
	e.bps.Store(initialBps)
	return e
}

// BitsPerSec returns the current estimate. Safe for concurrent readers.
func (e *Estimate) BitsPerSec() int64 {
	return e.bps.Load()
}

func (e *Estimate) store(bps int64) {
	e.bps.Store(bps)
}
