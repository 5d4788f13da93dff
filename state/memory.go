package state

import (
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/ftcoll/clock"
)

// sweepEvery is how many writes pass between sweeps of expired entries.
const sweepEvery = 256

// MemoryStore keeps checkpoints in process memory. It serves tests and
// single-process runs where a restart under the same run id is not
// expected to survive the process.
type MemoryStore struct {
	clock clock.Clock

	mu       sync.RWMutex
	data     map[string]*record
	revision uint64
	writes   int
	closed   bool
}

type record struct {
	kv      KeyValue
	expires time.Time // zero: never
}

func (r *record) live(now time.Time) bool {
	return r.expires.IsZero() || !now.After(r.expires)
}

// NewMemoryStore creates an empty store on the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(nil)
}

// NewMemoryStoreWithClock creates a store whose TTLs are measured on clk.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock.Or(clk),
		data:  make(map[string]*record),
	}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue returns a copy of the entry under key.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	r, ok := s.data[key]
	if !ok || !r.live(s.clock.Now()) {
		return nil, ErrNotFound
	}
	kv := r.kv
	kv.Value = append([]byte(nil), r.kv.Value...)
	return &kv, nil
}

// Put stores value under key. Created is kept across overwrites of a
// live entry; Revision always advances.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.clock.Now()
	s.revision++
	r := &record{kv: KeyValue{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: s.revision,
		Created:  now,
		Modified: now,
	}}
	if ttl > 0 {
		r.expires = now.Add(ttl)
	}
	if prev, ok := s.data[key]; ok && prev.live(now) {
		r.kv.Created = prev.kv.Created
	}
	s.data[key] = r

	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweep(now)
	}
	return nil
}

// sweep drops expired entries. Callers hold mu.
func (s *MemoryStore) sweep(now time.Time) {
	for key, r := range s.data {
		if !r.live(now) {
			delete(s.data, key)
		}
	}
}

// Delete removes key; a missing key is not an error.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

// Keys returns the live keys matching pattern, sorted.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.clock.Now()
	var keys []string
	for key, r := range s.data {
		if r.live(now) && MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len counts stored entries, expired ones not yet swept included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close drops every entry. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}
