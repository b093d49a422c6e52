package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of records retained per key when none is configured.
const DefaultCapacity = 10

// Record is one accepted frame for a canonical key.
type Record struct {
	Key       string
	Payload   []byte
	Timestamp time.Time
	Extended  bool
	Source    string

	// Seq is the process-wide acceptance number. Within one key it is strictly
	// increasing in the order records were appended.
	Seq uint64
}

// Store holds a bounded history of records per canonical key.
//
// Locking is per key: appends and reads of one key's history are mutually
// exclusive, while operations on different keys proceed independently. The
// map of histories has its own lock, held only long enough to find or create
// a history.
type Store struct {
	capacity int
	seq      atomic.Uint64

	mu   sync.RWMutex
	keys map[string]*history
}

// history is a fixed-size ring. head is the next write position.
type history struct {
	mu   sync.RWMutex
	ring []Record
	head int
	size int
}

// New creates an empty Store retaining at most capacity records per key.
// Capacities below 1 are raised to 1.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		keys:     make(map[string]*history),
	}
}

// Capacity returns the per-key retention limit fixed at construction.
func (s *Store) Capacity() int { return s.capacity }

// Append adds rec to the tail of rec.Key's history, evicting the oldest record
// when the history is full, and returns the stored record with Seq assigned.
//
// onAccepted, when non-nil, is called with the stored record while the key's
// lock is still held, so calls for the same key observe acceptance order.
// It must not block and must not call back into the Store for the same key.
func (s *Store) Append(rec Record, onAccepted func(Record)) Record {
	if rec.Payload != nil {
		rec.Payload = append([]byte(nil), rec.Payload...)
	}

	h := s.lockHistory(rec.Key)
	defer h.mu.Unlock()

	rec.Seq = s.seq.Add(1)
	h.ring[h.head] = rec
	h.head = (h.head + 1) % len(h.ring)
	if h.size < len(h.ring) {
		h.size++
	}

	if onAccepted != nil {
		onAccepted(rec)
	}
	return rec
}

// History returns the records for key, oldest first. Unknown keys yield an
// empty, non-nil slice.
func (s *Store) History(key string) []Record {
	s.mu.RLock()
	h, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return []Record{}
	}
	return h.snapshot()
}

// All returns every key's history. Each slice is an atomic view of its key;
// different keys may be captured at different instants.
func (s *Store) All() map[string][]Record {
	out := make(map[string][]Record)
	for key, h := range s.histories() {
		if recs := h.snapshot(); len(recs) > 0 {
			out[key] = recs
		}
	}
	return out
}

// Latest returns the most recently appended record of every non-empty history.
func (s *Store) Latest() map[string]Record {
	out := make(map[string]Record)
	for key, h := range s.histories() {
		if rec, ok := h.last(); ok {
			out[key] = rec
		}
	}
	return out
}

// Keys returns the known keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of known keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// --- internal ---------------------------------------------------------------

// lockHistory returns key's history with its write lock held, creating it
// if needed. A new history is locked before it is published in the map, so
// readers never observe it without its first record.
func (s *Store) lockHistory(key string) *history {
	s.mu.RLock()
	h, ok := s.keys[key]
	s.mu.RUnlock()
	if ok {
		h.mu.Lock()
		return h
	}

	s.mu.Lock()
	if h, ok = s.keys[key]; ok {
		s.mu.Unlock()
		h.mu.Lock()
		return h
	}
	h = &history{ring: make([]Record, s.capacity)}
	h.mu.Lock()
	s.keys[key] = h
	s.mu.Unlock()
	return h
}

// histories copies the key→history map so callers can visit each history
// without holding the store lock.
func (s *Store) histories() map[string]*history {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*history, len(s.keys))
	for k, h := range s.keys {
		out[k] = h
	}
	return out
}

func (h *history) snapshot() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, 0, h.size)
	start := (h.head - h.size + len(h.ring)) % len(h.ring)
	for i := 0; i < h.size; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

func (h *history) last() (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return Record{}, false
	}
	return h.ring[(h.head-1+len(h.ring))%len(h.ring)], true
}
