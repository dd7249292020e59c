//go:build tinygo

package sx1262

import (
	"machine"
)

// tinygoPin wraps a machine.Pin to satisfy the Pin interface.
type tinygoPin struct {
	pin machine.Pin
}

func (p *tinygoPin) Out(l Level) error {
	p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.pin.Set(bool(l))
	return nil
}

func (p *tinygoPin) In(pull Pull) error {
	var mPull machine.PinMode
	switch pull {
	case PullUp:
		mPull = machine.PinInputPullup
	case PullDown:
		mPull = machine.PinInputPulldown
	default:
		mPull = machine.PinInput
	}
	p.pin.Configure(machine.PinConfig{Mode: mPull})
	return nil
}

func (p *tinygoPin) Read() Level {
	return Level(p.pin.Get())
}

func (p *tinygoPin) Watch(edge Edge, handler func()) error {
	var mEdge machine.PinChange
	switch edge {
	case RisingEdge:
		mEdge = machine.PinRising
	case FallingEdge:
		mEdge = machine.PinFalling
	case BothEdges:
		mEdge = machine.PinToggle
	default:
		return nil
	}

	p.pin.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	return p.pin.SetInterrupt(mEdge, func(machine.Pin) {
		handler()
	})
}

func (p *tinygoPin) Unwatch() error {
	// TinyGo has no explicit interrupt removal on all targets; reconfigure
	// the pin as plain input instead.
	p.pin.Configure(machine.PinConfig{Mode: machine.PinInput})
	return nil
}

// tinygoSPI wraps a machine.SPI to satisfy the SPI interface, driving the
// chip select around each transaction.
type tinygoSPI struct {
	spi *machine.SPI
	cs  machine.Pin
}

func (s *tinygoSPI) Tx(w, r []byte) error {
	s.cs.Low()
	err := s.spi.Tx(w, r)
	s.cs.High()
	return err
}

// NewTinyGo creates an SX1262 driver for TinyGo targets. resetPin, busyPin
// and dio1Pin may be machine.NoPin; without dio1Pin the driver polls.
// The returned device still needs Init.
func NewTinyGo(region Region, params Params, spi *machine.SPI, csPin, resetPin, busyPin, dio1Pin machine.Pin) (*Device, error) {
	// CS is active low; park it high.
	csPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	csPin.High()

	var reset, busy, dio1 Pin
	if resetPin != machine.NoPin {
		reset = &tinygoPin{pin: resetPin}
	}
	if busyPin != machine.NoPin {
		b := &tinygoPin{pin: busyPin}
		_ = b.In(PullNoChange)
		busy = b
	}
	if dio1Pin != machine.NoPin {
		dio1 = &tinygoPin{pin: dio1Pin}
	}

	if params == (Params{}) {
		params = DefaultParams()
	}
	return NewWithHardware(&tinygoSPI{spi: spi, cs: csPin}, reset, busy, dio1, region, params)
}
