package ratelimit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// clientWindow holds the admitted timestamps of one client, oldest first.
type clientWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set when the janitor removed the window from the table.
	dead bool
}

// prune drops every timestamp at or before cutoff.
func (w *clientWindow) prune(cutoff time.Time) {
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	if i > 0 {
		w.stamps = slices.Delete(w.stamps, 0, i)
	}
}

// record inserts now keeping the slice ordered. Concurrent callers can
// arrive with slightly out-of-order timestamps.
func (w *clientWindow) record(now time.Time) {
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(now) })
	w.stamps = slices.Insert(w.stamps, i, now)
}

// MemoryStore is an in-process Limiter.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]*clientWindow

	limit        int
	window       time.Duration
	cleanupEvery time.Duration
	clock        func() time.Time
}

type StoreOption func(*MemoryStore)

// WithCleanupEvery sets the janitor interval. Zero disables the janitor.
func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

// WithClock replaces time.Now for the janitor.
func WithClock(fn func() time.Time) StoreOption {
	return func(s *MemoryStore) { s.clock = fn }
}

func NewMemoryStore(limit int, window time.Duration, opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		windows:      make(map[string]*clientWindow),
		limit:        limit,
		window:       window,
		cleanupEvery: time.Minute,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Limit() int { return s.limit }
func (s *MemoryStore) Window() time.Duration { return s.window }

// Admit implements Limiter.
func (s *MemoryStore) Admit(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	for {
		w := s.lookup(key)
		w.mu.Lock()
		if w.dead {
			// lost a race with the janitor; the next lookup creates a fresh window
			w.mu.Unlock()
			continue
		}
		d := s.admitLocked(w, now)
		w.mu.Unlock()
		return d, nil
	}
}

func (s *MemoryStore) admitLocked(w *clientWindow, now time.Time) Decision {
	w.prune(now.Add(-s.window))
	if len(w.stamps) < s.limit {
		w.record(now)
		return Decision{Allowed: true, Remaining: s.limit - len(w.stamps), Limit: s.limit}
	}
	return denied(s.limit, s.window, s.window-now.Sub(w.stamps[0]))
}

func (s *MemoryStore) lookup(key string) *clientWindow {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok {
		return w
	}
	w = &clientWindow{}
	s.windows[key] = w
	return w
}

// Len returns the number of tracked clients.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Cleanup removes clients whose every timestamp has left the window.
func (s *MemoryStore) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, w := range s.windows {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.stamps) == 0 {
			w.dead = true
			delete(s.windows, k)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// StartJanitor prunes idle clients periodically until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup(s.clock())
			}
		}
	}()
}
