package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/pharma-watch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg *Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	l, clock := newTestLimiter(&Config{Enabled: true, DefaultLimit: 3, DefaultWindow: time.Minute})
	defer l.Stop()

	for i := range 3 {
		allowed, info := l.Allow("10.0.0.1", "/products", "GET")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 3, info.Limit)
		assert.Equal(t, 2-i, info.Remaining)
	}

	allowed, info := l.Allow("10.0.0.1", "/products", "GET")
	assert.False(t, allowed)
	assert.Zero(t, info.Remaining)
	assert.InDelta(t, 20*time.Second, info.RetryAfter, float64(time.Second))
	assert.True(t, info.ResetTime.After(clock.Now()))

	clock.Advance(21 * time.Second)
	allowed, _ = l.Allow("10.0.0.1", "/products", "GET")
	assert.True(t, allowed, "a token refills after one interval")
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute})
	defer l.Stop()

	allowed, _ := l.Allow("a", "/runs", "GET")
	assert.True(t, allowed)
	allowed, _ = l.Allow("a", "/runs", "GET")
	assert.False(t, allowed)
	allowed, _ = l.Allow("b", "/runs", "GET")
	assert.True(t, allowed)
}

func TestLimiter_RunEndpointsHaveTheirOwnBucket(t *testing.T) {
	cfg := FromServerConfig(config.ServerConfig{RateLimit: 100, RateWindow: time.Minute, RunRateLimit: 5})
	l, _ := newTestLimiter(cfg)
	defer l.Stop()

	allowed, info := l.Allow("a", "/discovery/run", "POST")
	require.True(t, allowed)
	assert.Equal(t, 5, info.Limit)

	allowed, _ = l.Allow("a", "/monitoring/run", "POST")
	assert.False(t, allowed, "run endpoints share one burst of 1")

	allowed, info = l.Allow("a", "/runs", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 100, info.Limit)
}

func TestLimiter_HealthIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute})
	defer l.Stop()

	for range 10 {
		allowed, _ := l.Allow("a", "/health", "GET")
		require.True(t, allowed)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	cfg := FromServerConfig(config.ServerConfig{RateLimit: 0})
	assert.False(t, cfg.Enabled)

	l, _ := newTestLimiter(cfg)
	defer l.Stop()
	for range 10 {
		allowed, info := l.Allow("a", "/products", "GET")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}
	assert.Zero(t, l.Len())
}

func TestNewLimiter_NilConfig(t *testing.T) {
	l := NewLimiter(nil)
	defer l.Stop()
	allowed, _ := l.Allow("a", "/products", "GET")
	assert.True(t, allowed)
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 50, DefaultWindow: time.Minute})
	defer l.Stop()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("a", "/products", "GET"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(&Config{Enabled: true, DefaultLimit: 5, DefaultWindow: time.Minute, IdleTTL: time.Hour})
	defer l.Stop()

	l.Allow("old", "/products", "GET")
	clock.Advance(2 * time.Hour)
	l.Allow("new", "/products", "GET")
	require.Equal(t, 2, l.Len())

	l.cleanupBuckets()
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := NewLimiter(&Config{Enabled: true, DefaultLimit: 5, DefaultWindow: time.Minute, CleanupInterval: time.Minute})
	l.Stop()
	l.Stop()
}

func TestMatchEndpoint(t *testing.T) {
	configs := []EndpointConfig{
		{Path: "*/run", Method: "POST", Limit: 5},
		{Path: "/products/", Method: "GET", Limit: 7},
		{Path: "/runs", Method: "GET", Limit: 9},
	}

	tests := []struct {
		path, method string
		want         int
		wantNil      bool
	}{
		{path: "/discovery/run", method: "POST", want: 5},
		{path: "/discovery/run", method: "GET", wantNil: true},
		{path: "/products/42", method: "GET", want: 7},
		{path: "/runs", method: "GET", want: 9},
		{path: "/runs/abc", method: "GET", wantNil: true},
		{path: "/health", method: "GET", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got := MatchEndpoint(tt.path, tt.method, configs)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Limit)
		})
	}
}
