//go:build !tinygo

package sx1262

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
	stopWatch chan struct{}
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *realPin) In(pull Pull) error {
	var pPull gpio.Pull
	switch pull {
	case PullFloat:
		pPull = gpio.Float
	case PullDown:
		pPull = gpio.PullDown
	case PullUp:
		pPull = gpio.PullUp
	default:
		pPull = gpio.PullNoChange
	}
	return p.PinIO.In(pPull, gpio.NoEdge)
}

func (p *realPin) Read() Level {
	if p.PinIO.Read() == gpio.High {
		return High
	}
	return Low
}

func (p *realPin) Watch(edge Edge, handler func()) error {
	var pEdge gpio.Edge
	switch edge {
	case RisingEdge:
		pEdge = gpio.RisingEdge
	case FallingEdge:
		pEdge = gpio.FallingEdge
	case BothEdges:
		pEdge = gpio.BothEdges
	default:
		pEdge = gpio.NoEdge
	}

	// DIO1 idles low and pulses high on an interrupt, so pull down.
	if err := p.PinIO.In(gpio.PullDown, pEdge); err != nil {
		return err
	}

	p.stopWatch = make(chan struct{})

	go func() {
		for {
			// Wait for edge with -1 (infinite timeout)
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-p.stopWatch:
					return
				default:
					handler()
				}
			} else {
				// WaitForEdge returned false (timeout or error), check stop
				select {
				case <-p.stopWatch:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *realPin) Unwatch() error {
	if p.stopWatch != nil {
		close(p.stopWatch)
		p.stopWatch = nil
	}
	// Disable edge detection
	return p.PinIO.In(gpio.PullDown, gpio.NoEdge)
}

// Config holds the configuration for the Linux/periph.io driver.
type Config struct {
	// Region selects the frequency band and regulatory limits.
	Region Region
	// Params are the modulation parameters; zero value takes DefaultParams.
	Params Params
	// ResetPin is the GPIO pin number (BCM numbering) wired to NRESET.
	// Optional: 0 skips the hardware reset pulse.
	ResetPin int
	// BusyPin is the GPIO pin number wired to BUSY. Optional but strongly
	// recommended; without it commands are paced by fixed delays only.
	BusyPin int
	// DIO1Pin is the GPIO pin number wired to DIO1. Optional: 0 selects
	// the polling fallback instead of interrupt-driven waits.
	DIO1Pin int
	// SpiBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SpiBusPath string
	// SpiClockHz is the SPI clock frequency in Hz.
	// Defaults to 2000000 (2MHz) if not provided.
	SpiClockHz int
}

func openPin(num int, what string) (*realPin, error) {
	name := fmt.Sprintf("GPIO%d", num)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("failed to open %s pin %s", what, name)
	}
	return &realPin{PinIO: p}, nil
}

// New creates and initializes an SX1262 driver for Linux systems.
// It applies configuration defaults, initializes the GPIO and SPI
// interfaces using periph.io, and brings the radio up in the configured
// region and modulation.
func New(c Config) (*Device, error) {
	// 1. Initialize periph.io host (required for both SPI and GPIO)
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	if c.SpiBusPath == "" {
		c.SpiBusPath = "/dev/spidev0.0"
	}
	p, err := spireg.Open(c.SpiBusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}
	if c.SpiClockHz == 0 {
		c.SpiClockHz = 2_000_000
	}

	// SX1262 SPI: mode 0, 8 bits, up to 16 MHz.
	conn, err := p.Connect(physic.Frequency(c.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create SPI connection: %w", err)
	}

	if c.Params == (Params{}) {
		c.Params = DefaultParams()
	}

	var reset, busy, dio1 Pin
	if c.ResetPin != 0 {
		rp, err := openPin(c.ResetPin, "RESET")
		if err != nil {
			p.Close()
			return nil, err
		}
		reset = rp
	}
	if c.BusyPin != 0 {
		bp, err := openPin(c.BusyPin, "BUSY")
		if err != nil {
			p.Close()
			return nil, err
		}
		if err := bp.In(PullNoChange); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to configure BUSY pin: %w", err)
		}
		busy = bp
	}
	if c.DIO1Pin != 0 {
		dp, err := openPin(c.DIO1Pin, "DIO1")
		if err != nil {
			p.Close()
			return nil, err
		}
		dio1 = dp
	}

	dev, err := NewWithHardware(conn, reset, busy, dio1, c.Region, c.Params)
	if err != nil {
		p.Close()
		return nil, err
	}

	// Store the port closer so Close can release the bus.
	dev.port = p

	if err := dev.Init(); err != nil {
		p.Close()
		return nil, err
	}
	return dev, nil
}

// NewFromNodeConfig builds the driver and a fully wired interface adapter
// from an on-disk node configuration.
func NewFromNodeConfig(nc *NodeConfig) (*Device, *Iface, error) {
	region := nc.ParsedRegion()
	dev, err := New(Config{
		Region:     region,
		ResetPin:   nc.ResetPin,
		BusyPin:    nc.BusyPin,
		DIO1Pin:    nc.DIO1Pin,
		SpiBusPath: nc.SPIPath,
		SpiClockHz: nc.SPIClockHz,
	})
	if err != nil {
		return nil, nil, err
	}

	csma, err := NewChannelAccess(nc.ChannelAccess())
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	iface := NewIface(dev, dev.Params(), region.NewLimiter(), csma, IfaceConfig{
		RxWindow: time.Duration(nc.RxPollMs) * time.Millisecond,
	})
	return dev, iface, nil
}
