package sx1262

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSPI emulates the SX1262 command interface well enough to drive the
// state machine: it records every write and answers reads keyed by opcode,
// maintaining an IRQ flag register that SetTx/SetRx update the way the
// hardware would.
type mockSPI struct {
	mu     sync.Mutex
	writes [][]byte
	irq    uint16

	rxPayload []byte
	rxCRCBad  bool
	rxRSSIRaw byte // RSSI = -raw/2 dBm
	rxSNRRaw  int8 // SNR = raw/4 dB
	rssiRaw   byte // instantaneous RSSI

	// txDelay defers TxDone, simulating real airtime; fire (if set) pulses
	// the interrupt line when the flag raises.
	txDelay time.Duration
	fire    func()

	failAll error
}

func (m *mockSPI) Tx(w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	cp := make([]byte, len(w))
	copy(cp, w)
	m.writes = append(m.writes, cp)

	switch w[0] {
	case cmdGetIrqStatus:
		r[2] = byte(m.irq >> 8)
		r[3] = byte(m.irq)
	case cmdClearIrqStatus:
		m.irq &^= uint16(w[1])<<8 | uint16(w[2])
	case cmdSetTx:
		if m.txDelay > 0 {
			go func() {
				time.Sleep(m.txDelay)
				m.mu.Lock()
				m.irq |= irqTxDone
				fire := m.fire
				m.mu.Unlock()
				if fire != nil {
					fire()
				}
			}()
		} else {
			m.irq |= irqTxDone
		}
	case cmdSetRx:
		switch {
		case m.rxCRCBad:
			m.irq |= irqCrcErr
		case m.rxPayload != nil:
			m.irq |= irqRxDone
		default:
			m.irq |= irqTimeout
		}
	case cmdGetRxBufferStatus:
		r[2] = byte(len(m.rxPayload))
		r[3] = 0
	case cmdReadBuffer:
		copy(r[3:], m.rxPayload)
	case cmdGetPacketStatus:
		r[2] = m.rxRSSIRaw
		r[3] = byte(m.rxSNRRaw)
	case cmdGetRssiInst:
		r[2] = m.rssiRaw
	}
	return nil
}

func (m *mockSPI) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// findWrite returns the first recorded write starting with opcode.
func (m *mockSPI) findWrite(opcode byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.writes {
		if w[0] == opcode {
			return w
		}
	}
	return nil
}

type mockPin struct {
	mu      sync.Mutex
	level   Level
	handler func()
}

func (p *mockPin) Out(l Level) error {
	p.mu.Lock()
	p.level = l
	p.mu.Unlock()
	return nil
}
func (p *mockPin) In(pull Pull) error { return nil }
func (p *mockPin) Read() Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}
func (p *mockPin) Watch(edge Edge, handler func()) error {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	return nil
}
func (p *mockPin) Unwatch() error {
	p.mu.Lock()
	p.handler = nil
	p.mu.Unlock()
	return nil
}

// pulse simulates an edge on the pin.
func (p *mockPin) pulse() {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h()
	}
}

func newTestDevice(t *testing.T, spi *mockSPI, dio1 Pin) *Device {
	t.Helper()
	d, err := NewWithHardware(spi, nil, nil, dio1, RegionEU868, DefaultParams())
	require.NoError(t, err)
	require.NoError(t, d.Init())
	return d
}

func TestInitCommandSequence(t *testing.T) {
	spi := &mockSPI{}
	newTestDevice(t, spi, nil)

	// Standby is the first command after (the skipped) reset.
	require.NotEmpty(t, spi.writes)
	assert.Equal(t, []byte{cmdSetStandby, 0x00}, spi.writes[0])

	assert.Equal(t, []byte{cmdSetPacketType, 0x01}, spi.findWrite(cmdSetPacketType))
	// SF7, 125 kHz (0x04), CR 4/5 (0x01), no LDRO.
	assert.Equal(t, []byte{cmdSetModulationParams, 7, 0x04, 0x01, 0, 0, 0, 0, 0},
		spi.findWrite(cmdSetModulationParams))
	// Private network sync word 0x12 at register 0x0740.
	assert.Equal(t, []byte{cmdWriteRegister, 0x07, 0x40, 0x14, 0x24},
		spi.findWrite(cmdWriteRegister))
	assert.Equal(t, []byte{cmdSetPaConfig, 0x04, 0x07, 0x00, 0x01},
		spi.findWrite(cmdSetPaConfig))
	// 14 dBm, 200 µs ramp.
	assert.Equal(t, []byte{cmdSetTxParams, 14, 0x04}, spi.findWrite(cmdSetTxParams))
	assert.Equal(t, []byte{cmdSetDIO2AsRfSwitchCtrl, 0x01},
		spi.findWrite(cmdSetDIO2AsRfSwitchCtrl))
	assert.Equal(t, []byte{cmdSetBufferBaseAddress, 0x00, 0x00},
		spi.findWrite(cmdSetBufferBaseAddress))
}

func TestInitLDROAtHighSpreadingFactor(t *testing.T) {
	spi := &mockSPI{}
	params := DefaultParams()
	params.SpreadingFactor = 12
	d, err := NewWithHardware(spi, nil, nil, nil, RegionEU868, params)
	require.NoError(t, err)
	require.NoError(t, d.Init())

	assert.Equal(t, []byte{cmdSetModulationParams, 12, 0x04, 0x01, 1, 0, 0, 0, 0},
		spi.findWrite(cmdSetModulationParams))
}

func TestTransmit(t *testing.T) {
	spi := &mockSPI{}
	d := newTestDevice(t, spi, nil)

	require.NoError(t, d.Transmit([]byte("ping")))

	assert.Equal(t, []byte{cmdWriteBuffer, 0x00, 'p', 'i', 'n', 'g'},
		spi.findWrite(cmdWriteBuffer))
	assert.Equal(t, []byte{cmdSetTx, 0, 0, 0}, spi.findWrite(cmdSetTx))
	assert.Equal(t, StateIdle, d.State())
}

func TestTransmitRejectsBadPayloads(t *testing.T) {
	spi := &mockSPI{}
	d := newTestDevice(t, spi, nil)
	before := spi.writeCount()

	assert.Error(t, d.Transmit(nil))
	assert.ErrorIs(t, d.Transmit(make([]byte, MTU+1)), ErrPayloadTooLarge)
	// Rejected before any bus traffic.
	assert.Equal(t, before, spi.writeCount())
}

func TestTransmitRequiresInit(t *testing.T) {
	d, err := NewWithHardware(&mockSPI{}, nil, nil, nil, RegionEU868, DefaultParams())
	require.NoError(t, err)
	assert.ErrorIs(t, d.Transmit([]byte("x")), ErrNotInitialized)
}

func TestHalfDuplexMutualExclusion(t *testing.T) {
	spi := &mockSPI{}
	d := newTestDevice(t, spi, nil)

	d.mu.Lock()
	d.state = StateReceiving
	d.mu.Unlock()
	before := spi.writeCount()

	assert.ErrorIs(t, d.Transmit([]byte("ping")), ErrRadioBusy)
	_, err := d.Receive(time.Millisecond)
	assert.ErrorIs(t, err, ErrRadioBusy)
	_, err = d.ChannelRSSI()
	assert.ErrorIs(t, err, ErrRadioBusy)
	// The rejection must not touch the hardware.
	assert.Equal(t, before, spi.writeCount())

	d.mu.Lock()
	d.state = StateIdle
	d.mu.Unlock()
	require.NoError(t, d.Transmit([]byte("ping")))
}

func TestReceiveFrame(t *testing.T) {
	spi := &mockSPI{
		rxPayload: []byte("hello"),
		rxRSSIRaw: 160, // -80 dBm
		rxSNRRaw:  40,  // +10 dB
	}
	d := newTestDevice(t, spi, nil)

	frame, err := d.Receive(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame.Payload)
	assert.Equal(t, -80, frame.RSSIDBm)
	assert.Equal(t, 10, frame.SNRDB)
	assert.False(t, frame.At.IsZero())
	assert.Equal(t, StateIdle, d.State())
}

func TestReceiveChipTimeout(t *testing.T) {
	spi := &mockSPI{}
	d := newTestDevice(t, spi, nil)

	_, err := d.Receive(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateIdle, d.State())
}

func TestReceiveCRCError(t *testing.T) {
	spi := &mockSPI{rxPayload: []byte("junk"), rxCRCBad: true}
	d := newTestDevice(t, spi, nil)

	_, err := d.Receive(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrCRC)
	assert.Equal(t, StateIdle, d.State())
}

func TestReceiveTimeoutUnits(t *testing.T) {
	spi := &mockSPI{rxPayload: []byte("x")}
	d := newTestDevice(t, spi, nil)

	_, err := d.Receive(100 * time.Millisecond)
	require.NoError(t, err)
	// 100 ms in 15.625 µs steps is 6400 = 0x001900.
	assert.Equal(t, []byte{cmdSetRx, 0x00, 0x19, 0x00}, spi.findWrite(cmdSetRx))
}

func TestChannelRSSI(t *testing.T) {
	spi := &mockSPI{rssiRaw: 160}
	d := newTestDevice(t, spi, nil)

	rssi, err := d.ChannelRSSI()
	require.NoError(t, err)
	assert.Equal(t, -80, rssi)
	// Sampling runs in continuous RX.
	assert.Equal(t, []byte{cmdSetRx, 0xFF, 0xFF, 0xFF}, spi.findWrite(cmdSetRx))
	assert.Equal(t, StateIdle, d.State())
}

func TestBusErrorLatchesFault(t *testing.T) {
	spi := &mockSPI{}
	d := newTestDevice(t, spi, nil)

	spi.mu.Lock()
	spi.failAll = fmt.Errorf("bus gone")
	spi.mu.Unlock()

	assert.Error(t, d.Transmit([]byte("ping")))
	assert.Equal(t, StateFaulted, d.State())

	// Everything fails fast until re-initialized.
	assert.ErrorIs(t, d.Transmit([]byte("ping")), ErrFaulted)
	_, err := d.Receive(time.Millisecond)
	assert.ErrorIs(t, err, ErrFaulted)

	spi.mu.Lock()
	spi.failAll = nil
	spi.mu.Unlock()
	require.NoError(t, d.Init())
	assert.Equal(t, StateIdle, d.State())
	require.NoError(t, d.Transmit([]byte("ping")))
}

func TestSleepWake(t *testing.T) {
	spi := &mockSPI{}
	d := newTestDevice(t, spi, nil)

	require.NoError(t, d.Sleep())
	assert.Equal(t, StateSleeping, d.State())
	assert.Equal(t, []byte{cmdSetSleep, 0x04}, spi.findWrite(cmdSetSleep))
	assert.ErrorIs(t, d.Transmit([]byte("x")), ErrRadioBusy)

	require.NoError(t, d.Wake())
	assert.Equal(t, StateIdle, d.State())
	require.NoError(t, d.Transmit([]byte("x")))
}

// A wake signal that arrives before the driver starts waiting must not be
// lost: the buffered signal plus the re-read of the real status flags make
// the pattern safe against both early and coalesced interrupts.
func TestInterruptSignalIsSticky(t *testing.T) {
	pin := &mockPin{}
	spi := &mockSPI{}
	d := newTestDevice(t, spi, pin)

	// Two edges before anyone waits coalesce into one pending signal.
	pin.pulse()
	pin.pulse()

	require.NoError(t, d.Transmit([]byte("ping")))
	assert.Equal(t, StateIdle, d.State())
}

// A stale wake with no relevant flags set must re-arm the wait, and the
// real completion must still come through.
func TestSpuriousWakeRearms(t *testing.T) {
	pin := &mockPin{}
	spi := &mockSPI{txDelay: 15 * time.Millisecond}
	spi.fire = pin.pulse
	d := newTestDevice(t, spi, pin)

	// Stale signal from a previous operation's trailing edge.
	pin.pulse()

	start := time.Now()
	require.NoError(t, d.Transmit([]byte("ping")))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestCloseUnwatchesInterrupt(t *testing.T) {
	pin := &mockPin{}
	spi := &mockSPI{}
	d := newTestDevice(t, spi, pin)
	require.NotNil(t, pin.handler)

	require.NoError(t, d.Close())
	assert.Nil(t, pin.handler)
	assert.ErrorIs(t, d.Transmit([]byte("x")), ErrNotInitialized)
}
