package bus

// historyRing retains the last N records for replay to newly attached
// sessions. append and snapshot both run under the bus mutex, which is what
// makes a snapshot atomic with respect to concurrent appends.
type historyRing struct {
	buf  []Record
	head int
	n    int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{buf: make([]Record, capacity)}
}

func (h *historyRing) append(rec Record) {
	if h.n < len(h.buf) {
		h.buf[(h.head+h.n)%len(h.buf)] = rec
		h.n++
		return
	}
	// Full: overwrite the oldest slot.
	h.buf[h.head] = rec
	h.head = (h.head + 1) % len(h.buf)
}

// snapshot returns the retained records in insertion order.
func (h *historyRing) snapshot() []Record {
	out := make([]Record, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

func (h *historyRing) len() int { return h.n }
