package sx1262

import "errors"

var (
	// ErrTimeout means the hardware did not signal completion within the
	// expected window. Fatal to the single operation, not to the subsystem.
	ErrTimeout = errors.New("timeout waiting for radio")

	// ErrRadioBusy means another radio operation is already in flight.
	// LoRa is half-duplex: the driver refuses a transmit while receiving
	// and vice versa instead of queuing.
	ErrRadioBusy = errors.New("radio busy with another operation")

	// ErrChannelBusy means channel sensing exhausted its retries.
	// The caller must drop the packet rather than transmit into contention.
	ErrChannelBusy = errors.New("channel busy")

	// ErrDutyCycleExceeded means the airtime budget is insufficient.
	// A normal control-flow outcome, not a fault: the caller drops the packet.
	ErrDutyCycleExceeded = errors.New("duty cycle exceeded")

	// ErrPayloadTooLarge means the payload exceeds the MTU. Rejected before
	// any radio interaction.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrQueueFull means the outbound queue is at capacity. The packet is
	// dropped at the edge instead of blocking the producer.
	ErrQueueFull = errors.New("transmit queue full")

	// ErrCRC means a frame arrived but failed its CRC check. The receive
	// loop discards the frame and keeps listening.
	ErrCRC = errors.New("payload CRC error")

	// ErrFaulted means a bus-level failure left the radio in an unknown
	// state. Terminal until the device is re-initialized.
	ErrFaulted = errors.New("radio faulted")

	// ErrNotInitialized means Init has not been called (or failed).
	ErrNotInitialized = errors.New("radio not initialized")
)
