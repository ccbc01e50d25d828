package watchdog

// WindowedInterval is a fixed-capacity circular sample buffer. It only
// reports a mean once it has wrapped around at least once, so a partially
// filled window never triggers a limit check.
type WindowedInterval struct {
	buf    []uint64
	pos    int
	filled bool
}

// Reset reallocates the buffer with the given capacity and clears the fill
// state. Capacity 0 is the disabled state.
func (w *WindowedInterval) Reset(capacity int) {
	w.pos = 0
	w.filled = false
	if capacity == 0 {
		w.buf = nil
		return
	}
	w.buf = make([]uint64, capacity)
}

// Clear zeroes the samples without changing capacity.
func (w *WindowedInterval) Clear() {
	w.pos = 0
	w.filled = false
	for i := range w.buf {
		w.buf[i] = 0
	}
}

// Push overwrites the current slot, advances circularly, and returns whether
// the buffer has been filled at least once.
func (w *WindowedInterval) Push(sample uint64) bool {
	w.buf[w.pos] = sample
	w.pos = (w.pos + 1) % len(w.buf)
	w.filled = w.filled || w.pos == 0
	return w.filled
}

// Mean returns the arithmetic mean over the whole buffer. Callers only
// invoke it once Push has reported the buffer filled.
func (w *WindowedInterval) Mean() float64 {
	var total uint64
	for _, v := range w.buf {
		total += v
	}
	return float64(total) / float64(len(w.buf))
}

// OldestWhenFull returns the oldest sample. Valid only when filled.
func (w *WindowedInterval) OldestWhenFull() uint64 {
	return w.buf[w.pos]
}

// NewestWhenFull returns the most recently pushed sample. Valid only when
// filled.
func (w *WindowedInterval) NewestWhenFull() uint64 {
	return w.buf[(w.pos+len(w.buf)-1)%len(w.buf)]
}

// Size returns the buffer capacity.
func (w *WindowedInterval) Size() int { return len(w.buf) }
