package bwe

// sequenceUnwrapper widens 16-bit transport-wide sequence numbers into a
// monotonic 64-bit space, tolerating wraparound and moderate reordering.
type sequenceUnwrapper struct {
	last        int64
	initialized bool
}

func (u *sequenceUnwrapper) unwrap(n uint16) int64 {
	if !u.initialized {
		u.last = int64(n)
		u.initialized = true
		return u.last
	}

	delta := int64(int16(n - uint16(u.last)))
	u.last += delta
	return u.last
}
