package sx1262

import (
	"fmt"
	"math"
	"time"
)

// Params holds the LoRa modulation parameters for a session. They are
// selected once at startup (typically from a Region preset) and immutable
// thereafter.
type Params struct {
	// SpreadingFactor trades data rate for range (7-12 typical, 6 allowed).
	SpreadingFactor int
	// BandwidthHz is the channel bandwidth (125000, 250000 or 500000 usual).
	BandwidthHz int
	// CodingRate is the denominator of the 4/x coding rate (5-8).
	CodingRate int
	// PreambleSymbols is the preamble length in symbols (typically 8).
	PreambleSymbols int
	// ExplicitHeader selects explicit (true) or implicit header mode.
	ExplicitHeader bool
	// CRC enables the payload CRC.
	CRC bool
	// TxPowerDBm is the transmit power (-9 to +22 on the SX1262).
	TxPowerDBm int
}

// DefaultParams returns the Reticulum/RNode default modulation parameters:
// SF7, 125 kHz, CR 4/5, 8-symbol preamble, explicit header, CRC on, 14 dBm.
func DefaultParams() Params {
	return Params{
		SpreadingFactor: 7,
		BandwidthHz:     125_000,
		CodingRate:      5,
		PreambleSymbols: 8,
		ExplicitHeader:  true,
		CRC:             true,
		TxPowerDBm:      14,
	}
}

// supportedBandwidths are the SX1262 LoRa bandwidth settings in Hz.
var supportedBandwidths = map[int]bool{
	7_810: true, 10_420: true, 15_630: true, 20_830: true, 31_250: true,
	41_670: true, 62_500: true, 125_000: true, 250_000: true, 500_000: true,
}

// Validate rejects parameter combinations the chip does not support.
// Airtime and driver code assume validated parameters.
func (p Params) Validate() error {
	if p.SpreadingFactor < 6 || p.SpreadingFactor > 12 {
		return fmt.Errorf("spreading factor must be 6-12, got %d", p.SpreadingFactor)
	}
	if !supportedBandwidths[p.BandwidthHz] {
		return fmt.Errorf("unsupported bandwidth %d Hz", p.BandwidthHz)
	}
	if p.CodingRate < 5 || p.CodingRate > 8 {
		return fmt.Errorf("coding rate denominator must be 5-8, got %d", p.CodingRate)
	}
	if p.PreambleSymbols < 1 || p.PreambleSymbols > 0xFFFF {
		return fmt.Errorf("preamble length must be 1-65535 symbols, got %d", p.PreambleSymbols)
	}
	if p.TxPowerDBm < -9 || p.TxPowerDBm > 22 {
		return fmt.Errorf("tx power must be -9..22 dBm, got %d", p.TxPowerDBm)
	}
	return nil
}

// SymbolDuration returns the duration of one LoRa symbol: 2^SF / BW.
func (p Params) SymbolDuration() time.Duration {
	if p.BandwidthHz <= 0 {
		return 0
	}
	ns := (uint64(1) << uint(p.SpreadingFactor)) * uint64(time.Second) / uint64(p.BandwidthHz)
	return time.Duration(ns)
}

// LowDataRateOptimize reports whether the chip's low-data-rate optimization
// must be enabled. Required when the symbol time exceeds 16 ms (SF11/SF12
// at 125 kHz).
func (p Params) LowDataRateOptimize() bool {
	return p.SymbolDuration() > 16*time.Millisecond
}

// TimeOnAir computes the transmission duration of a packet with the given
// payload length, per the Semtech SX1262 datasheet formula (section 6.1.4).
// Pure and total: no error path, assumes validated parameters.
//
// The result is rounded up to the next microsecond. Callers budget
// regulatory airtime against this value, so underestimating is never
// acceptable.
func (p Params) TimeOnAir(payloadLen int) time.Duration {
	sf := float64(p.SpreadingFactor)
	bw := float64(p.BandwidthHz)

	symbolUs := math.Exp2(sf) / bw * 1e6
	preambleUs := (float64(p.PreambleSymbols) + 4.25) * symbolUs

	de := 0.0
	if p.LowDataRateOptimize() {
		de = 1.0
	}
	h := 1.0
	if p.ExplicitHeader {
		h = 0.0
	}
	crcBits := 0.0
	if p.CRC {
		crcBits = 16.0
	}

	numerator := 8*float64(payloadLen) - 4*sf + 28 + crcBits - 20*h
	if numerator < 0 {
		// Short payloads at high SF: clamp instead of producing a
		// negative symbol count.
		numerator = 0
	}
	denominator := 4 * (sf - 2*de)

	symbols := 8.0
	if denominator > 0 {
		symbols += math.Ceil(numerator/denominator) * float64(p.CodingRate)
	}

	totalUs := preambleUs + symbols*symbolUs
	return time.Duration(math.Ceil(totalUs)) * time.Microsecond
}
