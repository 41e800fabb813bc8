package intel

import (
	"sync"
	"time"
)

// suppressor deduplicates intel_match emissions: once a (ioc_value,
// device_id) pair fires, repeats inside the window are dropped. The window
// is anchored at the last emitted event; suppressed repeats do not extend
// it. Entries live in memory only; a restart starts clean.
type suppressor struct {
	mu      sync.Mutex
	expires map[string]time.Time
	window  time.Duration
}

func newSuppressor(window time.Duration) *suppressor {
	return &suppressor{
		expires: make(map[string]time.Time),
		window:  window,
	}
}

func suppressKey(iocValue, deviceID string) string {
	return iocValue + "|" + deviceID
}

// shouldEmit reports whether the pair may fire now, and if so starts its
// suppression window.
func (s *suppressor) shouldEmit(iocValue, deviceID string, now time.Time) bool {
	key := suppressKey(iocValue, deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.expires[key]; ok && now.Before(expiry) {
		return false
	}
	s.expires[key] = now.Add(s.window)
	return true
}

// sweep drops expired entries so the map stays bounded by active pairs.
func (s *suppressor) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, expiry := range s.expires {
		if now.After(expiry) {
			delete(s.expires, key)
		}
	}
}

// size returns the number of live entries.
func (s *suppressor) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}
