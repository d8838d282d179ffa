package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterPoolEvictsIdleEntries(t *testing.T) {
	pool := newLimiterPool(1, 1)
	clock := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return clock }

	assert.True(t, pool.Allow("10.0.0.1"))
	assert.False(t, pool.Allow("10.0.0.1"))

	clock = clock.Add(5 * time.Minute)
	assert.True(t, pool.Allow("10.0.0.2"))

	pool.sweep(clock.Add(-limiterTTL))
	assert.Len(t, pool.m, 2, "both entries are inside the TTL")

	clock = clock.Add(7 * time.Minute)
	pool.sweep(clock.Add(-limiterTTL))
	pool.mu.Lock()
	_, first := pool.m["10.0.0.1"]
	_, second := pool.m["10.0.0.2"]
	pool.mu.Unlock()
	assert.False(t, first, "idle entry is evicted")
	assert.True(t, second)
}
