package sx1262

import (
	"math/bits"
	"time"
)

// DutyCycleLimiter tracks the regulatory airtime budget with a token
// bucket: capacity = window × duty-cycle fraction, refilled continuously
// in proportion to elapsed wall-clock time. O(1) in time and memory
// regardless of transmission history.
//
// Airtime budgets are legal limits, not scheduling hints: a denied
// TryConsume means the packet must be dropped, never queued or retried
// here.
//
// The limiter is mutated only from the transmit dispatch task; it carries
// no lock of its own.
type DutyCycleLimiter struct {
	capacity   time.Duration
	remaining  time.Duration
	window     time.Duration
	lastRefill time.Time

	// now is swapped out by tests to control elapsed time.
	now func() time.Time
}

// NewDutyCycleLimiter creates a limiter allowing percent% transmit time
// over the given window, starting with a full budget.
//
// EU 868 MHz: 1% over one hour. US/AU 915 MHz: 10%.
//
// percent is clamped to [0, 100]; capacity never exceeds the window, which
// the refill arithmetic depends on.
func NewDutyCycleLimiter(percent float64, window time.Duration) *DutyCycleLimiter {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	capacity := time.Duration(float64(window) * percent / 100)
	return &DutyCycleLimiter{
		capacity:   capacity,
		remaining:  capacity,
		window:     window,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// TryConsume debits airtime from the budget. Returns true if the
// transmission is allowed (budget consumed), false if the duty cycle would
// be exceeded, in which case the budget is left untouched.
func (l *DutyCycleLimiter) TryConsume(airtime time.Duration) bool {
	l.refill()
	if airtime <= l.remaining {
		l.remaining -= airtime
		return true
	}
	return false
}

// Remaining returns the currently available airtime budget.
func (l *DutyCycleLimiter) Remaining() time.Duration {
	l.refill()
	return l.remaining
}

// RemainingFraction returns the available budget as a fraction of capacity
// in [0, 1].
func (l *DutyCycleLimiter) RemainingFraction() float64 {
	l.refill()
	if l.capacity == 0 {
		return 0
	}
	return float64(l.remaining) / float64(l.capacity)
}

// Capacity returns the maximum airtime budget per window.
func (l *DutyCycleLimiter) Capacity() time.Duration {
	return l.capacity
}

// refill credits capacity × elapsed/window, saturating at capacity.
// The timestamp only advances when at least a microsecond was credited, so
// fractional accrual is never lost.
func (l *DutyCycleLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	if elapsed >= l.window {
		l.remaining = l.capacity
		l.lastRefill = now
		return
	}

	// capacity × elapsed may not fit in 64 bits; do the multiply/divide
	// at 128-bit width in microseconds.
	capUs := uint64(l.capacity.Microseconds())
	elapsedUs := uint64(elapsed.Microseconds())
	windowUs := uint64(l.window.Microseconds())
	if windowUs == 0 {
		return
	}
	hi, lo := bits.Mul64(capUs, elapsedUs)
	creditUs, _ := bits.Div64(hi, lo, windowUs)

	if creditUs > 0 {
		l.remaining += time.Duration(creditUs) * time.Microsecond
		if l.remaining > l.capacity {
			l.remaining = l.capacity
		}
		l.lastRefill = now
	}
}
