package security

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	// DefaultMaxKeys is the default key cardinality of a window store
	DefaultMaxKeys = 20000

	// MaxKeysCeiling is the largest key cardinality a store may be configured with
	MaxKeysCeiling = 200000

	// DefaultCleanupInterval is how often the background janitor drops cold keys
	DefaultCleanupInterval = 5 * time.Minute

	// minWindow is the smallest accepted window; shorter windows are coerced up
	minWindow = time.Second
)

// windowEntry holds the event timestamps recorded for one key.
// Timestamps are appended in call order and pruned from the front.
type windowEntry struct {
	hits   []time.Time
	window time.Duration // window used by the most recent write
}

// latest returns the most recent timestamp of the entry, which is the last one
// appended. A nil or empty entry is malformed and reports false.
func (e *windowEntry) latest() (time.Time, bool) {
	if e == nil || len(e.hits) == 0 {
		return time.Time{}, false
	}
	return e.hits[len(e.hits)-1], true
}

// WindowStore is a keyed sliding-window event counter with bounded key cardinality.
//
// Every write filters the key's timestamps down to the trailing window, appends
// the new event and then prunes the store back under maxKeys: first keys whose
// latest event is older than the window, then the least recently active keys.
// A key that is still inside its window is never dropped while colder keys exist.
type WindowStore struct {
	entries         map[string]*windowEntry
	mu              sync.Mutex
	maxKeys         int
	now             func() time.Time
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalEvictions int64
	totalCleanups  int64
	totalFaults    int64
}

// NewWindowStore creates a window store capped at maxKeys keys.
// maxKeys <= 0 keeps the store permanently empty: every prune clears it.
func NewWindowStore(maxKeys int, logger *slog.Logger, opts ...Option) *WindowStore {
	if logger == nil {
		logger = slog.Default()
	}
	o := applyOptions(opts)

	s := &WindowStore{
		entries:         make(map[string]*windowEntry),
		maxKeys:         ClampMaxKeys(maxKeys),
		now:             o.now,
		logger:          logger,
		cleanupInterval: o.cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// ClampMaxKeys bounds a configured key cap to [0, MaxKeysCeiling].
func ClampMaxKeys(maxKeys int) int {
	if maxKeys < 0 {
		return 0
	}
	if maxKeys > MaxKeysCeiling {
		return MaxKeysCeiling
	}
	return maxKeys
}

func normalizeWindow(window time.Duration) time.Duration {
	if window < minWindow {
		return minWindow
	}
	return window
}

// RecordAndCount records an event for key now and returns how many events of
// key fall inside the trailing window, the new one included.
//
// maxHits <= 0 means the calling scope is disabled: nothing is recorded and 0
// is returned. A bookkeeping fault also returns 0 (not limited).
func (s *WindowStore) RecordAndCount(key string, window time.Duration, maxHits int) int {
	if maxHits <= 0 {
		return 0
	}
	count, _, err := s.record(key, window, 0)
	if err != nil {
		s.fault("record_and_count", err)
		return 0
	}
	return count
}

// CheckAndRecord counts the events of key inside the trailing window before
// recording. If that count already reached limit the call is rejected and
// nothing is appended; otherwise the event is recorded. The returned count is
// the pre-increment count on rejection and the post-increment count otherwise.
//
// limit <= 0 disables the check. A bookkeeping fault reports allowed.
func (s *WindowStore) CheckAndRecord(key string, window time.Duration, limit int) (int, bool) {
	if limit <= 0 {
		return 0, true
	}
	count, allowed, err := s.record(key, window, limit)
	if err != nil {
		s.fault("check_and_record", err)
		return 0, true
	}
	return count, allowed
}

// record is the shared read-filter-append-prune sequence.
// limit > 0 enables the check-before-append gate.
func (s *WindowStore) record(key string, window time.Duration, limit int) (count int, allowed bool, err error) {
	defer recoverBookkeeping(&err)

	window = normalizeWindow(window)
	now := s.now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[key]
	if entry == nil {
		entry = &windowEntry{}
		s.entries[key] = entry
	}
	entry.hits = filterSince(entry.hits, cutoff)
	entry.window = window

	if limit > 0 && len(entry.hits) >= limit {
		return len(entry.hits), false, nil
	}

	entry.hits = append(entry.hits, now)
	count = len(entry.hits)

	s.pruneLocked(window, now)
	return count, true, nil
}

// filterSince drops, in place, every timestamp strictly older than cutoff.
func filterSince(hits []time.Time, cutoff time.Time) []time.Time {
	n := 0
	for _, t := range hits {
		if !t.Before(cutoff) {
			hits[n] = t
			n++
		}
	}
	return hits[:n]
}

// Prune enforces the key cap using window as the staleness horizon.
// It returns how many keys were removed; a fault removes nothing and is logged.
func (s *WindowStore) Prune(window time.Duration) int {
	removed, err := s.prune(window)
	if err != nil {
		s.fault("prune", err)
		return 0
	}
	return removed
}

func (s *WindowStore) prune(window time.Duration) (removed int, err error) {
	defer recoverBookkeeping(&err)

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pruneLocked(normalizeWindow(window), now), nil
}

// pruneLocked runs the two-tier eviction. Must be called with mu held.
func (s *WindowStore) pruneLocked(window time.Duration, now time.Time) int {
	if s.maxKeys <= 0 {
		removed := len(s.entries)
		clear(s.entries)
		s.totalEvictions += int64(removed)
		return removed
	}
	if len(s.entries) <= s.maxKeys {
		return 0
	}

	cutoff := now.Add(-window)
	removed := 0

	// Cold keys first: their whole window has elapsed. Malformed entries go too.
	for key, entry := range s.entries {
		last, ok := entry.latest()
		if !ok || last.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}

	// Still oversized: approximate LRU on the most recent timestamp.
	if excess := len(s.entries) - s.maxKeys; excess > 0 {
		type keyAge struct {
			key  string
			last time.Time
		}
		ages := make([]keyAge, 0, len(s.entries))
		for key, entry := range s.entries {
			last, _ := entry.latest()
			ages = append(ages, keyAge{key: key, last: last})
		}
		slices.SortFunc(ages, func(a, b keyAge) int {
			return a.last.Compare(b.last)
		})
		for _, age := range ages[:excess] {
			delete(s.entries, age.key)
			removed++
		}
	}

	s.totalEvictions += int64(removed)
	s.logger.Debug("Window store pruned",
		"removed", removed,
		"remaining", len(s.entries),
		"max_keys", s.maxKeys,
		"total_evictions", s.totalEvictions)

	return removed
}

// Count returns the number of events for key inside window without recording.
func (s *WindowStore) Count(key string, window time.Duration) int {
	cutoff := s.now().Add(-normalizeWindow(window))

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[key]
	if entry == nil {
		return 0
	}
	n := 0
	for _, t := range entry.hits {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// Len returns the number of keys currently tracked.
func (s *WindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// cleanupLoop periodically drops keys whose last window has fully elapsed
func (s *WindowStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup removes keys with no event inside the window they were last written with.
func (s *WindowStore) Cleanup() {
	var err error
	func() {
		defer recoverBookkeeping(&err)

		now := s.now()

		s.mu.Lock()
		defer s.mu.Unlock()

		removed := 0
		for key, entry := range s.entries {
			last, ok := entry.latest()
			if !ok || last.Before(now.Add(-normalizeWindow(entry.window))) {
				delete(s.entries, key)
				removed++
			}
		}

		if removed > 0 {
			s.totalCleanups++
			s.logger.Debug("Window store cleanup completed",
				"removed", removed,
				"remaining", len(s.entries),
				"total_cleanups", s.totalCleanups)
		}
	}()
	if err != nil {
		s.fault("cleanup", err)
	}
}

// Stop stops the background janitor. Safe to call multiple times.
func (s *WindowStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

func (s *WindowStore) fault(op string, err error) {
	s.mu.Lock()
	s.totalFaults++
	s.mu.Unlock()
	s.logger.Debug("Window store bookkeeping fault swallowed", "op", op, "error", err)
}

// Stats holds window store statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked keys
	MaxEntries     int     // Key cap (0 = store disabled)
	TotalEvictions int64   // Keys removed by cap enforcement
	TotalCleanups  int64   // Janitor passes that removed something
	TotalFaults    int64   // Bookkeeping faults swallowed
	MemoryPressure float64 // Percentage of the cap in use (0-100)
}

// GetStats returns current store statistics for monitoring and alerting.
func (s *WindowStore) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(s.entries),
		MaxEntries:     s.maxKeys,
		TotalEvictions: s.totalEvictions,
		TotalCleanups:  s.totalCleanups,
		TotalFaults:    s.totalFaults,
	}

	if s.maxKeys > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(s.maxKeys) * 100.0
	}

	return stats
}
