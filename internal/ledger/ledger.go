package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the narrow contract the ledger requires from durable storage.
// Insert must be insert-only — the ledger never updates or deletes an
// entry, and a conforming store rejects such calls at the schema level.
// Tail returns the most recently inserted entry (by insertion order), or
// nil if the store is empty.
type Store interface {
	Insert(e Entry) error
	Tail() (*Entry, error)
}

// DefaultFallbackCapacity bounds the in-memory fallback buffer when the
// caller doesn't configure one.
const DefaultFallbackCapacity = 1000

// Options configures a Ledger.
type Options struct {
	// FallbackCapacity bounds the in-memory buffer used when the store is
	// unavailable. Zero means DefaultFallbackCapacity.
	FallbackCapacity int

	// OnAppend, if set, is called with every successfully chained entry
	// (stored or buffered), after the append lock is released. Used by the
	// live feed. Must not block.
	OnAppend func(Entry)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Ledger owns the chain state and serializes all appends.
//
// The read of lastHash and its advance after persistence are the single
// correctness-critical section of the whole package: two interleaved
// appends could otherwise claim the same previous hash and silently fork
// the chain. One mutex covers the full read-hash-persist-advance sequence.
//
// Queries and verification read the store directly and run concurrently
// with appends; a verify pass started mid-append may see a tail that is
// one entry short. That is eventual visibility for readers, not a chain
// defect.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	lastHash string
	lastTS   time.Time
	seq      uint64
	fallback *fallbackBuffer
	degraded bool

	onAppend func(Entry)
	now      func() time.Time
}

// Open seeds chain state from the store's most recent entry, or from the
// genesis constant when the store is empty, and returns a ready Ledger.
func Open(store Store, opts Options) (*Ledger, error) {
	if opts.FallbackCapacity <= 0 {
		opts.FallbackCapacity = DefaultFallbackCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Ledger{
		store:    store,
		lastHash: GenesisHash,
		fallback: newFallbackBuffer(opts.FallbackCapacity),
		onAppend: opts.OnAppend,
		now:      opts.Now,
	}

	tail, err := store.Tail()
	if err != nil {
		return nil, fmt.Errorf("recovering chain state: %w", err)
	}
	if tail != nil {
		l.lastHash = tail.Hash
		l.seq = tail.Seq
		if ts, err := time.Parse(time.RFC3339Nano, tail.Timestamp); err == nil {
			l.lastTS = ts
		}
	}

	slog.Info("ledger opened", "seq", l.seq, "last_hash", l.lastHash)
	return l, nil
}

// Append validates the event, chains it, and hands it to the store.
//
// It always resolves to "stored" or "buffered": a store failure routes the
// completed entry into the bounded fallback buffer and marks the ledger
// degraded, but the chain still advances and the entry id is still
// returned. Only malformed input fails, and then nothing is chained.
func (l *Ledger) Append(ev Event) (Entry, error) {
	if err := ev.Validate(); err != nil {
		return Entry{}, fmt.Errorf("invalid audit event: %w", err)
	}

	l.mu.Lock()

	l.seq++
	e := Entry{
		ID:        uuid.NewString(),
		Seq:       l.seq,
		Timestamp: l.nextTimestamp(),
		ActorID:   ev.ActorID,
		SubjectID: ev.SubjectID,
		Action:    ev.Action,
		Origin:    ev.Origin,
		Success:   ev.Success,
		Metadata:  cloneMetadata(ev.Metadata),
		PrevHash:  l.lastHash,
	}
	e.Hash = ComputeHash(&e)

	if err := l.store.Insert(e); err != nil {
		if evicted := l.fallback.push(e); evicted > 0 {
			slog.Error("fallback buffer full, oldest entries dropped",
				"evicted", evicted, "total_dropped", l.fallback.dropped)
		}
		l.degraded = true
		slog.Error("audit store insert failed, entry buffered",
			"seq", e.Seq, "buffered", l.fallback.len(), "error", err)
	}

	// The chain advances whether the entry landed in the store or the
	// buffer — the entry exists and the next one must link to it.
	l.lastHash = e.Hash

	l.mu.Unlock()

	if l.onAppend != nil {
		l.onAppend(e)
	}
	return e, nil
}

// nextTimestamp returns the event time, clamped so timestamps never go
// backwards within one process lifetime. Wall-clock regressions across
// restarts are accepted — verification orders by Seq, not by time, exactly
// so that clock skew cannot mask tampering. Caller holds l.mu.
func (l *Ledger) nextTimestamp() string {
	ts := l.now().UTC()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	l.lastTS = ts
	return ts.Format(time.RFC3339Nano)
}

// Drain replays fallback-buffered entries into the store in their original
// append order, stopping at the first insert failure. Returns the number
// replayed. Once the buffer empties the ledger leaves degraded mode.
func (l *Ledger) Drain() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := l.fallback.snapshot()
	replayed := 0
	for _, e := range pending {
		if err := l.store.Insert(e); err != nil {
			l.fallback.removeFront(replayed)
			return replayed, fmt.Errorf("replaying buffered entry seq %d: %w", e.Seq, err)
		}
		replayed++
	}
	l.fallback.removeFront(replayed)

	if l.fallback.len() == 0 {
		l.degraded = false
	}
	if replayed > 0 {
		slog.Info("fallback buffer drained", "replayed", replayed)
	}
	return replayed, nil
}

// Degraded reports whether entries are currently held in the fallback
// buffer instead of durable storage.
func (l *Ledger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Buffered returns a copy of the entries currently in the fallback buffer,
// in append order.
func (l *Ledger) Buffered() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fallback.snapshot()
}

// Dropped returns how many buffered entries were evicted because the
// fallback buffer was full. Nonzero means audit data was lost during a
// sustained store outage.
func (l *Ledger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fallback.dropped
}

// LastHash returns the hash of the most recently chained entry.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Seq returns the sequence number of the most recently chained entry.
func (l *Ledger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
