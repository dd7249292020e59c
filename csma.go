package sx1262

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// ChannelAccessConfig tunes the CSMA/CA listen-before-talk behavior.
// Immutable once handed to NewChannelAccess.
type ChannelAccessConfig struct {
	// RSSIThresholdDBm marks the channel busy when the sensed RSSI is at
	// or above this level. Typical values: -90 to -80 dBm.
	RSSIThresholdDBm int
	// SlotDuration is the base backoff slot; the backoff window for
	// attempt n is [0, SlotDuration × 2^n).
	SlotDuration time.Duration
	// MaxBackoffExp caps the exponent so backoff windows stop growing.
	MaxBackoffExp int
	// MaxRetries is the total number of channel samples before giving up.
	MaxRetries int
}

// DefaultChannelAccessConfig returns EU-conservative channel access
// parameters. The exponent cap and retry budget interact with regional
// channel-access rules and are deliberately tunable, not hardcoded.
func DefaultChannelAccessConfig() ChannelAccessConfig {
	return ChannelAccessConfig{
		RSSIThresholdDBm: -90,
		SlotDuration:     10 * time.Millisecond,
		MaxBackoffExp:    6,
		MaxRetries:       5,
	}
}

// Validate checks the configuration bounds.
func (c ChannelAccessConfig) Validate() error {
	if c.RSSIThresholdDBm > -40 || c.RSSIThresholdDBm < -140 {
		return fmt.Errorf("rssi threshold must be within -140..-40 dBm, got %d", c.RSSIThresholdDBm)
	}
	if c.SlotDuration <= 0 {
		return fmt.Errorf("slot duration must be > 0, got %v", c.SlotDuration)
	}
	if c.MaxBackoffExp < 0 || c.MaxBackoffExp > 16 {
		return fmt.Errorf("max backoff exponent must be 0-16, got %d", c.MaxBackoffExp)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 20 {
		return fmt.Errorf("max retries must be 1-20, got %d", c.MaxRetries)
	}
	return nil
}

// ChannelSensor reports the instantaneous received signal strength on the
// configured frequency, in dBm. Implemented by *Device.
type ChannelSensor interface {
	ChannelRSSI() (int, error)
}

// ChannelAccess gates permission to transmit on a shared frequency. It
// performs no transmission itself.
//
// It is used from the transmit dispatch task only and is not safe for
// concurrent use.
type ChannelAccess struct {
	cfg ChannelAccessConfig
	rng *rand.Rand

	// sleep is swapped out by tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewChannelAccess validates cfg and returns a controller seeded from the
// wall clock. Use Seed for reproducible backoff sequences.
func NewChannelAccess(cfg ChannelAccessConfig) (*ChannelAccess, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ChannelAccess{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}, nil
}

// Seed re-seeds the backoff randomization.
func (c *ChannelAccess) Seed(seed int64) {
	c.rng = rand.New(rand.NewSource(seed))
}

// Config returns the controller's configuration.
func (c *ChannelAccess) Config() ChannelAccessConfig {
	return c.cfg
}

// AcquireChannel blocks until the channel is sensed clear or the retry
// budget is exhausted, in which case it returns ErrChannelBusy and the
// caller must drop the packet. A colliding transmission costs the mesh
// more than one additional dropped packet.
//
// Exactly MaxRetries samples are taken in the worst case. Cancellation is
// honored between attempts; an in-progress backoff wait is cut short.
// Sensor errors propagate immediately.
func (c *ChannelAccess) AcquireChannel(ctx context.Context, sensor ChannelSensor) error {
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rssi, err := sensor.ChannelRSSI()
		if err != nil {
			return err
		}
		if rssi < c.cfg.RSSIThresholdDBm {
			return nil
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			return err
		}
	}
	return ErrChannelBusy
}

// backoff draws a uniform delay from [0, slot × 2^attempt), with the
// exponent capped so latency stays bounded under persistent contention.
func (c *ChannelAccess) backoff(attempt int) time.Duration {
	exp := attempt
	if exp > c.cfg.MaxBackoffExp {
		exp = c.cfg.MaxBackoffExp
	}
	window := c.cfg.SlotDuration << uint(exp)
	return time.Duration(c.rng.Int63n(int64(window)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
