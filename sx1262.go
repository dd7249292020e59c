package sx1262

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MTU is the largest packet payload the subsystem accepts, matching the
// Reticulum MDU. Larger payloads are rejected before any radio interaction.
const MTU = 500

// SX1262 command opcodes (datasheet chapter 13).
const (
	cmdSetSleep              = 0x84
	cmdSetStandby            = 0x80
	cmdSetTx                 = 0x83
	cmdSetRx                 = 0x82
	cmdSetPacketType         = 0x8A
	cmdSetRfFrequency        = 0x86
	cmdSetPaConfig           = 0x95
	cmdSetTxParams           = 0x8E
	cmdSetModulationParams   = 0x8B
	cmdSetPacketParams       = 0x8C
	cmdSetDioIrqParams       = 0x08
	cmdGetIrqStatus          = 0x12
	cmdClearIrqStatus        = 0x02
	cmdSetBufferBaseAddress  = 0x8F
	cmdWriteBuffer           = 0x0E
	cmdReadBuffer            = 0x1E
	cmdGetRxBufferStatus     = 0x13
	cmdGetPacketStatus       = 0x14
	cmdGetRssiInst           = 0x15
	cmdWriteRegister         = 0x0D
	cmdGetStatus             = 0xC0
	cmdSetDIO2AsRfSwitchCtrl = 0x9D
	cmdSetRegulatorMode      = 0x96
	cmdNop                   = 0x00
)

// IRQ status bits (GetIrqStatus / ClearIrqStatus).
const (
	irqTxDone           = 1 << 0
	irqRxDone           = 1 << 1
	irqPreambleDetected = 1 << 2
	irqHeaderValid      = 1 << 4
	irqHeaderErr        = 1 << 5
	irqCrcErr           = 1 << 6
	irqCadDone          = 1 << 7
	irqTimeout          = 1 << 9
	irqAll              = 0x03FF
)

const (
	packetTypeLoRa = 0x01
	standbyRC      = 0x00
	sleepWarmStart = 0x04
	rampTime200us  = 0x04

	// syncWordPrivate is the Reticulum private network sync word 0x12,
	// spread across registers 0x0740/0x0741 as 0x14/0x24.
	syncWordRegMSB  = 0x0740
	syncWordPrivMSB = 0x14
	syncWordPrivLSB = 0x24
)

const (
	// busyTimeout bounds the wait for the BUSY pin to drop before a command.
	busyTimeout = time.Second
	// txGuardTime pads the computed airtime before declaring a TX timeout.
	txGuardTime = time.Second
	// rxGuardTime pads the requested receive window for software overhead.
	rxGuardTime = 100 * time.Millisecond
	// rssiSettling is how long the receiver needs in RX mode before an
	// instantaneous RSSI reading is meaningful.
	rssiSettling = 5 * time.Millisecond
	// pollInterval is the status poll period when no DIO1 pin is wired.
	pollInterval = 2 * time.Millisecond
)

// bandwidthCode maps a bandwidth in Hz to the SX1262 modulation parameter
// byte (datasheet table 13-48).
var bandwidthCode = map[int]byte{
	7_810: 0x00, 10_420: 0x08, 15_630: 0x01, 20_830: 0x09, 31_250: 0x02,
	41_670: 0x0A, 62_500: 0x03, 125_000: 0x04, 250_000: 0x05, 500_000: 0x06,
}

// State is the radio driver's operating state. All transitions happen under
// the driver's exclusive control; no other component requests chip-level
// mode changes directly.
type State int

const (
	StateIdle State = iota
	StateTransmitting
	StateReceiving
	StateSleeping
	// StateFaulted is terminal after an unrecoverable bus error; the device
	// must be re-initialized.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransmitting:
		return "transmitting"
	case StateReceiving:
		return "receiving"
	case StateSleeping:
		return "sleeping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// InboundFrame is a successfully decoded radio frame with the link quality
// the chip reported for it. Ownership transfers to whoever consumes it from
// the delivery queue.
type InboundFrame struct {
	Payload []byte
	RSSIDBm int
	SNRDB   int
	At      time.Time
}

// Device drives one SX1262 over SPI. It owns the bus, the interrupt line
// and the radio state machine; exactly one radio operation runs at a time
// and a second caller gets ErrRadioBusy instead of being queued.
type Device struct {
	conn  SPI
	reset Pin
	busy  Pin
	dio1  Pin
	port  io.Closer

	params    Params
	frequency uint32

	mu          sync.Mutex // guards state and initialized
	state       State
	initialized bool

	// irqCh is the sticky, coalescing wake signal: capacity 1, fed by a
	// non-blocking send from the DIO1 edge handler. A signal that fires
	// before the driver starts waiting is still observed; rapid bursts
	// coalesce, which is safe because every wake is confirmed against the
	// chip's own status flags.
	irqCh chan struct{}

	scratch [MTU + 8]byte
}

// NewWithHardware creates a driver from explicit hardware interfaces.
// busy, reset and dio1 may be nil (simulators, tests); without dio1 the
// driver falls back to polling the status register, which costs power but
// needs no interrupt wiring. Call Init before use.
func NewWithHardware(conn SPI, reset, busy, dio1 Pin, region Region, params Params) (*Device, error) {
	if conn == nil {
		return nil, fmt.Errorf("SPI connection not configured")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Device{
		conn:      conn,
		reset:     reset,
		busy:      busy,
		dio1:      dio1,
		params:    params,
		frequency: region.Frequency(),
		irqCh:     make(chan struct{}, 1),
	}, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("SX1262(%d Hz, SF%d, BW %d Hz, CR 4/%d, %d dBm)",
		d.frequency, d.params.SpreadingFactor, d.params.BandwidthHz,
		d.params.CodingRate, d.params.TxPowerDBm)
}

// Params returns the session's modulation parameters.
func (d *Device) Params() Params {
	return d.params
}

// State returns the current driver state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Init resets and configures the chip for LoRa operation and arms the DIO1
// interrupt. It may be called again after a fault to recover the device.
func (d *Device) Init() error {
	globalLogger.Info("Initializing SX1262: " + d.String())

	if err := d.hardwareReset(); err != nil {
		return err
	}
	if err := d.command(cmdSetStandby, standbyRC); err != nil {
		return err
	}
	if err := d.command(cmdSetPacketType, packetTypeLoRa); err != nil {
		return err
	}
	// DIO2 drives the RF switch on most SX1262 modules.
	if err := d.command(cmdSetDIO2AsRfSwitchCtrl, 0x01); err != nil {
		return err
	}

	// RF frequency in PLL steps: freq × 2^25 / 32 MHz.
	rf := uint32(uint64(d.frequency) << 25 / 32_000_000)
	if err := d.command(cmdSetRfFrequency,
		byte(rf>>24), byte(rf>>16), byte(rf>>8), byte(rf)); err != nil {
		return err
	}

	ldro := byte(0)
	if d.params.LowDataRateOptimize() {
		ldro = 1
	}
	if err := d.command(cmdSetModulationParams,
		byte(d.params.SpreadingFactor),
		bandwidthCode[d.params.BandwidthHz],
		byte(d.params.CodingRate-4),
		ldro, 0, 0, 0, 0); err != nil {
		return err
	}
	if err := d.setPacketParams(MTU); err != nil {
		return err
	}
	if err := d.command(cmdWriteRegister,
		byte(syncWordRegMSB>>8), byte(syncWordRegMSB&0xFF),
		syncWordPrivMSB, syncWordPrivLSB); err != nil {
		return err
	}

	// PA configuration for the SX1262 power amplifier (+22 dBm capable).
	if err := d.command(cmdSetPaConfig, 0x04, 0x07, 0x00, 0x01); err != nil {
		return err
	}
	if err := d.command(cmdSetTxParams, byte(int8(d.params.TxPowerDBm)), rampTime200us); err != nil {
		return err
	}
	if err := d.command(cmdSetBufferBaseAddress, 0x00, 0x00); err != nil {
		return err
	}

	irqMask := uint16(irqTxDone | irqRxDone | irqCrcErr | irqTimeout)
	if err := d.command(cmdSetDioIrqParams,
		byte(irqMask>>8), byte(irqMask), // IRQ mask
		byte(irqMask>>8), byte(irqMask), // DIO1 mask
		0, 0, 0, 0); err != nil { // DIO2, DIO3 unused
		return err
	}

	if d.dio1 != nil {
		if err := d.dio1.Watch(RisingEdge, d.signalIRQ); err != nil {
			return errors.Wrap(err, "watch DIO1")
		}
	}

	d.mu.Lock()
	d.state = StateIdle
	d.initialized = true
	d.mu.Unlock()

	globalLogger.Info("SX1262 ready")
	return nil
}

// signalIRQ is the DIO1 edge handler. The non-blocking send keeps the
// signal sticky without ever blocking the watch goroutine; a full channel
// means a wake is already pending.
func (d *Device) signalIRQ() {
	select {
	case d.irqCh <- struct{}{}:
	default:
	}
}

// Close powers the radio down and releases its resources. The interrupt is
// disabled and unsubscribed before the underlying bus is released.
func (d *Device) Close() error {
	d.mu.Lock()
	d.initialized = false
	d.mu.Unlock()

	if d.dio1 != nil {
		if err := d.dio1.Unwatch(); err != nil {
			globalLogger.Warn("Failed to unwatch DIO1: " + err.Error())
		}
	}
	// Best effort: the chip may already be unreachable.
	_ = d.command(cmdSetSleep, sleepWarmStart)
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}

// Sleep puts the chip in warm-start sleep mode. Only valid from Idle.
func (d *Device) Sleep() error {
	if err := d.beginOp(StateSleeping); err != nil {
		return err
	}
	if err := d.command(cmdSetSleep, sleepWarmStart); err != nil {
		d.endOp()
		return err
	}
	return nil
}

// Wake brings the chip back from sleep to Idle.
func (d *Device) Wake() error {
	d.mu.Lock()
	if d.state != StateSleeping {
		d.mu.Unlock()
		return ErrRadioBusy
	}
	d.mu.Unlock()
	// Any NSS activity wakes the chip; GetStatus is the cheapest command.
	if err := d.command(cmdGetStatus, cmdNop); err != nil {
		return err
	}
	if err := d.standby(); err != nil {
		return err
	}
	d.endOp()
	return nil
}

// Transmit sends one packet and blocks until the hardware confirms
// completion (TxDone interrupt) or the wait times out. The caller is
// expected to have cleared the transmission with the duty cycle limiter
// and the channel access controller first.
func (d *Device) Transmit(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if len(data) > MTU {
		return ErrPayloadTooLarge
	}
	if err := d.beginOp(StateTransmitting); err != nil {
		return err
	}
	defer d.endOp()

	if err := d.setPacketParams(len(data)); err != nil {
		return err
	}
	if err := d.writeBuffer(0, data); err != nil {
		return err
	}
	if err := d.clearIrq(irqAll); err != nil {
		return err
	}
	// SetTx with zero timeout: transmit until done.
	if err := d.command(cmdSetTx, 0, 0, 0); err != nil {
		return err
	}

	deadline := time.Now().Add(d.params.TimeOnAir(len(data)) + txGuardTime)
	flags, err := d.waitIRQ(deadline, irqTxDone)
	if err != nil {
		return err
	}
	if flags&irqTxDone == 0 {
		return ErrTimeout
	}
	return d.standby()
}

// Receive listens for one packet, blocking until a frame arrives, the
// radio reports an RX timeout, or the wall clock expires. A timeout is the
// normal idle outcome and surfaces as ErrTimeout; a frame failing its CRC
// surfaces as ErrCRC so the receive loop can count it and keep listening.
func (d *Device) Receive(timeout time.Duration) (*InboundFrame, error) {
	if err := d.beginOp(StateReceiving); err != nil {
		return nil, err
	}
	defer d.endOp()

	if err := d.clearIrq(irqAll); err != nil {
		return nil, err
	}
	if err := d.setRx(timeout); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout + rxGuardTime)
	flags, err := d.waitIRQ(deadline, irqRxDone|irqCrcErr)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			_ = d.standby()
		}
		return nil, err
	}
	if flags&irqTimeout != 0 && flags&irqRxDone == 0 {
		_ = d.standby()
		return nil, ErrTimeout
	}
	if flags&irqCrcErr != 0 {
		_ = d.standby()
		return nil, ErrCRC
	}

	n, offset, err := d.rxBufferStatus()
	if err != nil {
		return nil, err
	}
	if n == 0 || n > MTU {
		_ = d.standby()
		return nil, fmt.Errorf("implausible frame length %d", n)
	}
	payload, err := d.readBuffer(offset, n)
	if err != nil {
		return nil, err
	}
	rssi, snr, err := d.packetStatus()
	if err != nil {
		return nil, err
	}
	if err := d.standby(); err != nil {
		return nil, err
	}

	return &InboundFrame{
		Payload: payload,
		RSSIDBm: rssi,
		SNRDB:   snr,
		At:      time.Now(),
	}, nil
}

// ChannelRSSI samples the instantaneous signal strength on the configured
// frequency, for channel sensing. The receiver needs a short settling time
// in RX mode before the reading is valid.
func (d *Device) ChannelRSSI() (int, error) {
	if err := d.beginOp(StateReceiving); err != nil {
		return 0, err
	}
	defer d.endOp()

	// Continuous RX for the duration of the sample.
	if err := d.command(cmdSetRx, 0xFF, 0xFF, 0xFF); err != nil {
		return 0, err
	}
	time.Sleep(rssiSettling)
	r, err := d.readCommand(cmdGetRssiInst, nil, 2)
	if err != nil {
		return 0, err
	}
	if err := d.standby(); err != nil {
		return 0, err
	}
	// RSSI = -raw/2 dBm.
	return -int(r[1]) / 2, nil
}

// --- state machine ---

func (d *Device) beginOp(to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrNotInitialized
	}
	switch d.state {
	case StateIdle:
		d.state = to
		return nil
	case StateFaulted:
		return ErrFaulted
	default:
		return ErrRadioBusy
	}
}

func (d *Device) endOp() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateFaulted {
		d.state = StateIdle
	}
}

func (d *Device) setFaulted() {
	d.mu.Lock()
	d.state = StateFaulted
	d.mu.Unlock()
}

// --- interrupt wait ---

// waitIRQ blocks until the chip reports one of the wanted events (or its
// own timeout event), re-arming on spurious wakes. The hardware wake is
// only a "something happened" signal: the flags are always re-read from
// the chip and cleared explicitly before the wait completes.
func (d *Device) waitIRQ(deadline time.Time, want uint16) (uint16, error) {
	for {
		if !d.waitSignal(deadline) {
			return 0, ErrTimeout
		}
		flags, err := d.getIrqStatus()
		if err != nil {
			return 0, err
		}
		if flags&(want|irqTimeout) != 0 {
			if err := d.clearIrq(irqAll); err != nil {
				return 0, err
			}
			return flags, nil
		}
		if flags != 0 {
			// Unrelated event (preamble, header): clear it and keep waiting.
			if err := d.clearIrq(flags); err != nil {
				return 0, err
			}
		}
	}
}

// waitSignal sleeps until the DIO1 handler signals or the deadline passes.
// Without a DIO1 pin it degrades to a fixed-interval status poll.
func (d *Device) waitSignal(deadline time.Time) bool {
	if d.dio1 == nil {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
		return true
	}
	remain := time.Until(deadline)
	if remain <= 0 {
		return false
	}
	t := time.NewTimer(remain)
	defer t.Stop()
	select {
	case <-d.irqCh:
		return true
	case <-t.C:
		return false
	}
}

// --- chip commands ---

func (d *Device) hardwareReset() error {
	if d.reset == nil {
		return nil
	}
	if err := d.reset.Out(Low); err != nil {
		return errors.Wrap(err, "reset pin")
	}
	time.Sleep(time.Millisecond)
	if err := d.reset.Out(High); err != nil {
		return errors.Wrap(err, "reset pin")
	}
	time.Sleep(10 * time.Millisecond)
	return nil
}

// waitBusy blocks until the BUSY pin drops, i.e. the chip can accept the
// next command.
func (d *Device) waitBusy() error {
	if d.busy == nil {
		return nil
	}
	start := time.Now()
	for d.busy.Read() == High {
		if time.Since(start) > busyTimeout {
			return errors.Wrap(ErrTimeout, "busy pin stuck high")
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

// xfer performs one full-duplex transaction on the scratch buffer. A bus
// failure latches the Faulted state: the chip's condition is unknown.
func (d *Device) xfer(n int) ([]byte, error) {
	buf := d.scratch[:n]
	if err := d.conn.Tx(buf, buf); err != nil {
		d.setFaulted()
		return nil, errors.Wrap(err, "spi transfer")
	}
	return buf, nil
}

func (d *Device) command(opcode byte, args ...byte) error {
	if err := d.waitBusy(); err != nil {
		return errors.Wrapf(err, "command %#02x", opcode)
	}
	d.scratch[0] = opcode
	copy(d.scratch[1:], args)
	_, err := d.xfer(1 + len(args))
	return err
}

// readCommand sends opcode+args followed by nread NOPs and returns the
// bytes clocked back during the NOPs (the first of which is the chip's
// status byte).
func (d *Device) readCommand(opcode byte, args []byte, nread int) ([]byte, error) {
	if err := d.waitBusy(); err != nil {
		return nil, errors.Wrapf(err, "command %#02x", opcode)
	}
	d.scratch[0] = opcode
	copy(d.scratch[1:], args)
	for i := 0; i < nread; i++ {
		d.scratch[1+len(args)+i] = cmdNop
	}
	buf, err := d.xfer(1 + len(args) + nread)
	if err != nil {
		return nil, err
	}
	return buf[1+len(args):], nil
}

func (d *Device) standby() error {
	return d.command(cmdSetStandby, standbyRC)
}

func (d *Device) setRx(timeout time.Duration) error {
	// Timeout in 15.625 µs units; zero selects single-shot mode without a
	// chip-side timeout (the wall clock still bounds the wait).
	units := uint32(0)
	if timeout > 0 {
		u := timeout.Nanoseconds() / 15_625
		if u > 0xFFFFFE {
			u = 0xFFFFFE
		}
		units = uint32(u)
	}
	return d.command(cmdSetRx, byte(units>>16), byte(units>>8), byte(units))
}

func (d *Device) setPacketParams(payloadLen int) error {
	preamble := uint16(d.params.PreambleSymbols)
	header := byte(0x00) // explicit
	if !d.params.ExplicitHeader {
		header = 0x01
	}
	crc := byte(0x00)
	if d.params.CRC {
		crc = 0x01
	}
	return d.command(cmdSetPacketParams,
		byte(preamble>>8), byte(preamble),
		header,
		byte(payloadLen),
		crc,
		0x00, // standard IQ
		0, 0, 0)
}

func (d *Device) clearIrq(mask uint16) error {
	return d.command(cmdClearIrqStatus, byte(mask>>8), byte(mask))
}

func (d *Device) getIrqStatus() (uint16, error) {
	r, err := d.readCommand(cmdGetIrqStatus, nil, 3)
	if err != nil {
		return 0, err
	}
	return uint16(r[1])<<8 | uint16(r[2]), nil
}

func (d *Device) writeBuffer(offset byte, data []byte) error {
	if err := d.waitBusy(); err != nil {
		return errors.Wrap(err, "write buffer")
	}
	d.scratch[0] = cmdWriteBuffer
	d.scratch[1] = offset
	copy(d.scratch[2:], data)
	_, err := d.xfer(2 + len(data))
	return err
}

func (d *Device) readBuffer(offset byte, n int) ([]byte, error) {
	if err := d.waitBusy(); err != nil {
		return nil, errors.Wrap(err, "read buffer")
	}
	d.scratch[0] = cmdReadBuffer
	d.scratch[1] = offset
	for i := 0; i < n+1; i++ {
		d.scratch[2+i] = cmdNop
	}
	buf, err := d.xfer(3 + n)
	if err != nil {
		return nil, err
	}
	// buf[2] is the status byte; payload follows.
	out := make([]byte, n)
	copy(out, buf[3:])
	return out, nil
}

func (d *Device) rxBufferStatus() (n int, offset byte, err error) {
	r, err := d.readCommand(cmdGetRxBufferStatus, nil, 3)
	if err != nil {
		return 0, 0, err
	}
	return int(r[1]), r[2], nil
}

func (d *Device) packetStatus() (rssi, snr int, err error) {
	r, err := d.readCommand(cmdGetPacketStatus, nil, 4)
	if err != nil {
		return 0, 0, err
	}
	// LoRa mode: RssiPkt = -raw/2 dBm, SnrPkt = raw/4 dB (two's complement).
	rssi = -int(r[1]) / 2
	snr = int(int8(r[2])) / 4
	return rssi, snr, nil
}
