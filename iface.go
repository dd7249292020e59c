package sx1262

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Radio is the slice of the driver the interface adapter drives.
// *Device satisfies it; tests substitute fakes.
type Radio interface {
	Transmit(data []byte) error
	Receive(timeout time.Duration) (*InboundFrame, error)
	ChannelSensor
}

// Stats is a snapshot of the interface counters.
type Stats struct {
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64

	// DutyCycleDrops and ChannelBusyDrops are regulatory outcomes, not
	// faults; they are reported separately from the error counters.
	DutyCycleDrops   uint64
	ChannelBusyDrops uint64
	QueueDrops       uint64

	TxErrors  uint64
	RxErrors  uint64
	CRCErrors uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("tx=%d (%d B) rx=%d (%d B) drops[duty=%d busy=%d queue=%d] errs[tx=%d rx=%d crc=%d]",
		s.TxPackets, s.TxBytes, s.RxPackets, s.RxBytes,
		s.DutyCycleDrops, s.ChannelBusyDrops, s.QueueDrops,
		s.TxErrors, s.RxErrors, s.CRCErrors)
}

// IfaceConfig tunes the interface adapter. Zero values take defaults.
type IfaceConfig struct {
	// QueueDepth is the outbound queue capacity (default 16).
	QueueDepth int
	// RxWindow is the receive window per listen iteration (default 50 ms).
	// Shorter windows hand the radio to pending transmissions sooner;
	// longer windows reduce re-arm overhead.
	RxWindow time.Duration
}

func (c *IfaceConfig) applyDefaults() {
	if c.QueueDepth == 0 {
		c.QueueDepth = 16
	}
	if c.RxWindow == 0 {
		c.RxWindow = 50 * time.Millisecond
	}
}

// Iface adapts the radio into a packet interface: an outbound queue drained
// by a transmit task that runs the full admission pipeline (size, duty
// cycle, channel access) per packet, and a receive task that keeps the
// radio listening and delivers frames on a channel.
//
// The two tasks share the half-duplex radio through a mutex, so a
// transmission naturally waits for the current receive window to close
// instead of bouncing off ErrRadioBusy.
type Iface struct {
	radio   Radio
	params  Params
	limiter *DutyCycleLimiter
	csma    *ChannelAccess
	cfg     IfaceConfig

	radioMu sync.Mutex

	outbound chan []byte
	inbound  chan InboundFrame

	txPackets        atomic.Uint64
	txBytes          atomic.Uint64
	rxPackets        atomic.Uint64
	rxBytes          atomic.Uint64
	dutyCycleDrops   atomic.Uint64
	channelBusyDrops atomic.Uint64
	queueDrops       atomic.Uint64
	txErrors         atomic.Uint64
	rxErrors         atomic.Uint64
	crcErrors        atomic.Uint64
}

// NewIface wires a radio, its modulation parameters, a region-appropriate
// duty cycle limiter and a channel access controller into an interface.
func NewIface(radio Radio, params Params, limiter *DutyCycleLimiter, csma *ChannelAccess, cfg IfaceConfig) *Iface {
	cfg.applyDefaults()
	return &Iface{
		radio:    radio,
		params:   params,
		limiter:  limiter,
		csma:     csma,
		cfg:      cfg,
		outbound: make(chan []byte, cfg.QueueDepth),
		inbound:  make(chan InboundFrame, cfg.QueueDepth),
	}
}

// Send queues one packet for transmission. It never blocks: a full queue
// returns ErrQueueFull and an oversize payload ErrPayloadTooLarge, both
// counted. Queued packets may still be dropped later by the duty cycle
// limiter or channel access; Stats tells those outcomes apart.
func (i *Iface) Send(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if len(data) > MTU {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case i.outbound <- buf:
		return nil
	default:
		i.queueDrops.Add(1)
		return ErrQueueFull
	}
}

// Frames returns the channel on which received frames are delivered.
// If the consumer falls behind, the oldest undelivered frame is dropped.
func (i *Iface) Frames() <-chan InboundFrame {
	return i.inbound
}

// Stats returns a snapshot of the counters.
func (i *Iface) Stats() Stats {
	return Stats{
		TxPackets:        i.txPackets.Load(),
		TxBytes:          i.txBytes.Load(),
		RxPackets:        i.rxPackets.Load(),
		RxBytes:          i.rxBytes.Load(),
		DutyCycleDrops:   i.dutyCycleDrops.Load(),
		ChannelBusyDrops: i.channelBusyDrops.Load(),
		QueueDrops:       i.queueDrops.Load(),
		TxErrors:         i.txErrors.Load(),
		RxErrors:         i.rxErrors.Load(),
		CRCErrors:        i.crcErrors.Load(),
	}
}

// DutyCycleRemaining reports the fraction of the airtime budget currently
// available, for higher layers that want to throttle announces.
func (i *Iface) DutyCycleRemaining() float64 {
	i.radioMu.Lock()
	defer i.radioMu.Unlock()
	return i.limiter.RemainingFraction()
}

// Run starts the transmit and receive tasks and blocks until ctx is
// canceled and both have stopped.
func (i *Iface) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		i.txLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		i.rxLoop(ctx)
	}()
	wg.Wait()
}

// txLoop drains the outbound queue, one packet at a time, through the
// admission pipeline. The ordering is deliberate: the airtime budget is
// checked before the channel is sensed, so a packet never waits out a
// backoff only to be refused for duty cycle afterwards.
func (i *Iface) txLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-i.outbound:
			i.transmit(ctx, data)
		}
	}
}

func (i *Iface) transmit(ctx context.Context, data []byte) {
	i.radioMu.Lock()
	defer i.radioMu.Unlock()

	airtime := i.params.TimeOnAir(len(data))
	if !i.limiter.TryConsume(airtime) {
		i.dutyCycleDrops.Add(1)
		globalLogger.Debug(fmt.Sprintf("Dropping %d B packet: duty cycle budget exhausted (%v needed)", len(data), airtime))
		return
	}
	if err := i.csma.AcquireChannel(ctx, i.radio); err != nil {
		if errors.Is(err, ErrChannelBusy) {
			i.channelBusyDrops.Add(1)
			globalLogger.Debug(fmt.Sprintf("Dropping %d B packet: channel busy", len(data)))
		} else if ctx.Err() == nil {
			i.txErrors.Add(1)
			globalLogger.Error("Channel sensing failed: " + err.Error())
		}
		return
	}
	if err := i.radio.Transmit(data); err != nil {
		i.txErrors.Add(1)
		globalLogger.Error("Transmit failed: " + err.Error())
		return
	}
	i.txPackets.Add(1)
	i.txBytes.Add(uint64(len(data)))
	globalLogger.Debug(fmt.Sprintf("Transmitted %d B (%v airtime)", len(data), airtime))
}

// rxLoop keeps the radio listening in bounded windows. Releasing the radio
// mutex between windows is what lets queued transmissions in.
func (i *Iface) rxLoop(ctx context.Context) {
	for ctx.Err() == nil {
		frame := i.receiveOnce(ctx)
		if frame == nil {
			continue
		}
		select {
		case i.inbound <- *frame:
		default:
			// Consumer is behind: shed the oldest frame, keep the newest.
			select {
			case <-i.inbound:
			default:
			}
			select {
			case i.inbound <- *frame:
			default:
			}
		}
	}
}

func (i *Iface) receiveOnce(ctx context.Context) *InboundFrame {
	i.radioMu.Lock()
	defer i.radioMu.Unlock()
	if ctx.Err() != nil {
		return nil
	}

	frame, err := i.radio.Receive(i.cfg.RxWindow)
	switch {
	case err == nil:
		i.rxPackets.Add(1)
		i.rxBytes.Add(uint64(len(frame.Payload)))
		globalLogger.Debug(fmt.Sprintf("Received %d B (RSSI %d dBm, SNR %d dB)", len(frame.Payload), frame.RSSIDBm, frame.SNRDB))
		return frame
	case errors.Is(err, ErrTimeout):
		// Idle window, the normal case.
		return nil
	case errors.Is(err, ErrCRC):
		i.crcErrors.Add(1)
		globalLogger.Debug("Discarded frame with bad CRC")
		return nil
	default:
		i.rxErrors.Add(1)
		globalLogger.Warn("Receive failed: " + err.Error())
		// Avoid a tight error loop if the radio is faulted.
		sleepUnlessDone(ctx, i.cfg.RxWindow)
		return nil
	}
}

func sleepUnlessDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
