package sx1262

import (
	"fmt"
	"strings"
	"time"
)

// Region selects the regulatory frequency band. It determines the operating
// frequency, the duty cycle limit and the default channel access tuning.
// Selected once at startup, immutable thereafter.
type Region int

const (
	// RegionEU868 is the EU 863-870 MHz band (1% duty cycle).
	RegionEU868 Region = iota
	// RegionUS915 is the US 902-928 MHz band.
	RegionUS915
	// RegionAU915 is the Australian 915-928 MHz band.
	RegionAU915
	// RegionAS923 is the Asian 920-923 MHz band.
	RegionAS923
)

// ParseRegion maps a region identifier string to a Region.
func ParseRegion(s string) (Region, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EU", "EU868", "868":
		return RegionEU868, nil
	case "US", "US915", "915":
		return RegionUS915, nil
	case "AU", "AU915":
		return RegionAU915, nil
	case "AS", "AS923", "923":
		return RegionAS923, nil
	default:
		return 0, fmt.Errorf("unknown region %q", s)
	}
}

func (r Region) String() string {
	switch r {
	case RegionEU868:
		return "EU868"
	case RegionUS915:
		return "US915"
	case RegionAU915:
		return "AU915"
	case RegionAS923:
		return "AS923"
	default:
		return "unknown"
	}
}

// Frequency returns the operating carrier frequency in Hz.
func (r Region) Frequency() uint32 {
	switch r {
	case RegionUS915, RegionAU915:
		return 915_000_000
	case RegionAS923:
		return 923_200_000
	default:
		return 868_100_000
	}
}

// DutyCyclePercent returns the regulatory duty cycle limit in percent.
func (r Region) DutyCyclePercent() float64 {
	switch r {
	case RegionUS915, RegionAU915:
		return 10.0
	default:
		return 1.0
	}
}

// dutyCycleWindow is the averaging window for the duty cycle budget.
const dutyCycleWindow = time.Hour

// NewLimiter creates the duty cycle limiter for this region over a
// one-hour window.
func (r Region) NewLimiter() *DutyCycleLimiter {
	return NewDutyCycleLimiter(r.DutyCyclePercent(), dutyCycleWindow)
}

// DefaultChannelAccess returns the channel access tuning for this region.
// The US/AU bands are wider and less contended, so the busy threshold is
// slightly laxer there.
func (r Region) DefaultChannelAccess() ChannelAccessConfig {
	cfg := DefaultChannelAccessConfig()
	switch r {
	case RegionUS915, RegionAU915:
		cfg.RSSIThresholdDBm = -85
	}
	return cfg
}
