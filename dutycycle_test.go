package sx1262

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLimiter returns a limiter with a controllable clock frozen at start.
func testLimiter(percent float64, window time.Duration) (*DutyCycleLimiter, *time.Time) {
	l := NewDutyCycleLimiter(percent, window)
	now := time.Unix(1_700_000_000, 0)
	l.lastRefill = now
	l.now = func() time.Time { return now }
	return l, &now
}

func TestDutyCycleCapacity(t *testing.T) {
	l, _ := testLimiter(1.0, time.Hour)
	// 1% of one hour is 36 seconds of airtime.
	assert.Equal(t, 36*time.Second, l.Capacity())
	assert.Equal(t, 36*time.Second, l.Remaining())
	assert.Equal(t, 1.0, l.RemainingFraction())
}

func TestDutyCycleExhaustion(t *testing.T) {
	l, _ := testLimiter(1.0, time.Hour)

	// Ten 3.6 s transmissions drain the 36 s budget exactly.
	for i := 0; i < 10; i++ {
		require.True(t, l.TryConsume(3_600_000*time.Microsecond), "consume %d", i)
	}
	assert.Equal(t, time.Duration(0), l.Remaining())

	// The eleventh is denied and the budget is left untouched.
	assert.False(t, l.TryConsume(3_600_000*time.Microsecond))
	assert.False(t, l.TryConsume(time.Microsecond))
	assert.Equal(t, time.Duration(0), l.Remaining())
}

func TestDutyCycleRefillProportional(t *testing.T) {
	l, now := testLimiter(1.0, time.Hour)
	require.True(t, l.TryConsume(36*time.Second))
	assert.Equal(t, time.Duration(0), l.Remaining())

	// Six minutes is a tenth of the window: a tenth of capacity returns.
	*now = now.Add(6 * time.Minute)
	assert.Equal(t, 3600*time.Millisecond, l.Remaining())
	assert.True(t, l.TryConsume(3600*time.Millisecond))
	assert.False(t, l.TryConsume(time.Millisecond))
}

func TestDutyCycleRefillSaturates(t *testing.T) {
	l, now := testLimiter(1.0, time.Hour)
	require.True(t, l.TryConsume(10*time.Second))

	// A very long idle period refills to capacity, never beyond.
	*now = now.Add(48 * time.Hour)
	assert.Equal(t, l.Capacity(), l.Remaining())
}

func TestDutyCycleFractionalAccrual(t *testing.T) {
	l, now := testLimiter(1.0, time.Hour)
	require.True(t, l.TryConsume(36*time.Second))

	// 50 µs of wall time credits 0.5 µs of airtime: below the resolution
	// of a single refill, but two such steps together credit a full 1 µs.
	*now = now.Add(50 * time.Microsecond)
	assert.Equal(t, time.Duration(0), l.Remaining())
	*now = now.Add(50 * time.Microsecond)
	assert.Equal(t, time.Microsecond, l.Remaining())
}

func TestDutyCycleDenialIsFree(t *testing.T) {
	l, _ := testLimiter(1.0, time.Hour)
	require.True(t, l.TryConsume(30*time.Second))

	// An oversized request must not debit anything.
	remaining := l.Remaining()
	assert.False(t, l.TryConsume(10*time.Second))
	assert.Equal(t, remaining, l.Remaining())
}

func TestDutyCycleClampsPercent(t *testing.T) {
	// Capacity must never exceed the window, whatever the caller passes.
	over := NewDutyCycleLimiter(250, time.Hour)
	assert.Equal(t, time.Hour, over.Capacity())

	under := NewDutyCycleLimiter(-5, time.Hour)
	assert.Equal(t, time.Duration(0), under.Capacity())
	assert.False(t, under.TryConsume(time.Microsecond))
}

func TestDutyCycleRegionPresets(t *testing.T) {
	eu := RegionEU868.NewLimiter()
	assert.Equal(t, 36*time.Second, eu.Capacity())

	us := RegionUS915.NewLimiter()
	assert.Equal(t, 360*time.Second, us.Capacity())
}
