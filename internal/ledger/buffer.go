package ledger

// fallbackBuffer holds entries that could not be persisted because the
// durable store was unavailable. It is bounded: once full, the oldest
// entry is evicted and the drop counter advances. Eviction is observable
// through dropped() — degraded operation must never look like silence.
//
// Not safe for concurrent use on its own; the Ledger's append lock guards
// all access.
type fallbackBuffer struct {
	entries  []Entry
	capacity int
	dropped  uint64
}

func newFallbackBuffer(capacity int) *fallbackBuffer {
	return &fallbackBuffer{capacity: capacity}
}

// push appends an entry, evicting the oldest if the buffer is at capacity.
// Returns how many entries were evicted to make room.
func (b *fallbackBuffer) push(e Entry) int {
	evicted := 0
	if len(b.entries) >= b.capacity {
		evicted = len(b.entries) - b.capacity + 1
		b.entries = append(b.entries[:0], b.entries[evicted:]...)
		b.dropped += uint64(evicted)
	}
	b.entries = append(b.entries, e)
	return evicted
}

// snapshot returns a copy of the buffered entries in append order.
func (b *fallbackBuffer) snapshot() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// removeFront discards the first n entries after they have been replayed
// into the durable store.
func (b *fallbackBuffer) removeFront(n int) {
	if n >= len(b.entries) {
		b.entries = b.entries[:0]
		return
	}
	b.entries = append(b.entries[:0], b.entries[n:]...)
}

func (b *fallbackBuffer) len() int { return len(b.entries) }
