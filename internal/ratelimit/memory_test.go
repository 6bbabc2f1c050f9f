package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStore_QuotaThenDeny(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := s.Admit(ctx, "1.2.3.4", t0.Add(time.Duration(i)*100*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d", i+1)
		assert.Equal(t, 9-i, d.Remaining)
		assert.Equal(t, 10, d.Limit)
	}

	d, err := s.Admit(ctx, "1.2.3.4", t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 59*time.Second, d.RetryAfter)
	assert.Equal(t, 0, d.Remaining)
}

func TestMemoryStore_DeniedAttemptsDoNotConsume(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, _ := s.Admit(ctx, "c", t0)
		require.True(t, d.Allowed)
	}

	// hammer while blocked
	for i := 0; i < 25; i++ {
		d, _ := s.Admit(ctx, "c", t0.Add(30*time.Second))
		require.False(t, d.Allowed)
		assert.Equal(t, 30*time.Second, d.RetryAfter)
	}

	d, _ := s.Admit(ctx, "c", t0.Add(time.Minute-time.Millisecond))
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Millisecond, d.RetryAfter)

	// timestamps at exactly now-W are out of the window
	for i := 0; i < 10; i++ {
		d, _ := s.Admit(ctx, "c", t0.Add(time.Minute))
		assert.True(t, d.Allowed, "attempt %d after the window", i+1)
	}
}

func TestMemoryStore_WindowSlides(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, _ := s.Admit(ctx, "c", t0.Add(time.Duration(i)*time.Second))
		require.True(t, d.Allowed)
	}

	// the t0 entry expires, one slot frees up
	d, _ := s.Admit(ctx, "c", t0.Add(time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, _ = s.Admit(ctx, "c", t0.Add(time.Minute+500*time.Millisecond))
	assert.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
}

func TestMemoryStore_ClientsAreIndependent(t *testing.T) {
	s := NewMemoryStore(2, time.Minute)
	ctx := context.Background()

	for _, key := range []string{"a", "a"} {
		d, _ := s.Admit(ctx, key, t0)
		require.True(t, d.Allowed)
	}
	d, _ := s.Admit(ctx, "a", t0)
	assert.False(t, d.Allowed)

	d, _ = s.Admit(ctx, "b", t0)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_ConcurrentSameClient(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.Admit(ctx, "same", t0.Add(time.Duration(i)*time.Microsecond))
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
}

func TestMemoryStore_ConcurrentManyClients(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	ctx := context.Background()

	const clients, attempts = 20, 15
	var mu sync.Mutex
	perClient := make(map[string]int)

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		for a := 0; a < attempts; a++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				d, err := s.Admit(ctx, key, t0)
				if err == nil && d.Allowed {
					mu.Lock()
					perClient[key]++
					mu.Unlock()
				}
			}(fmt.Sprintf("10.0.0.%d", c))
		}
	}
	wg.Wait()

	require.Len(t, perClient, clients)
	for key, n := range perClient {
		assert.Equal(t, 10, n, key)
	}
}

func TestMemoryStore_RetryAfterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := NewMemoryStore(10, time.Minute)
	ctx := context.Background()

	now := t0
	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(rng.Intn(15000)) * time.Millisecond)
		d, err := s.Admit(ctx, "c", now)
		require.NoError(t, err)
		if !d.Allowed {
			assert.Greater(t, d.RetryAfter, time.Duration(0))
			assert.LessOrEqual(t, d.RetryAfter, time.Minute)
		}
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore(10, time.Minute, WithCleanupEvery(0))
	ctx := context.Background()

	_, _ = s.Admit(ctx, "old", t0)
	_, _ = s.Admit(ctx, "recent", t0.Add(50*time.Second))
	require.Equal(t, 2, s.Len())

	removed := s.Cleanup(t0.Add(61 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	// a pruned client starts from a fresh window
	d, _ := s.Admit(ctx, "old", t0.Add(62*time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestMemoryStore_Janitor(t *testing.T) {
	s := NewMemoryStore(10, time.Minute,
		WithCleanupEvery(5*time.Millisecond),
		WithClock(func() time.Time { return t0.Add(time.Hour) }))

	_, _ = s.Admit(context.Background(), "a", t0)
	_, _ = s.Admit(context.Background(), "b", t0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartJanitor(ctx)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore(10, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Admit(ctx, "c", t0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Len())
}
