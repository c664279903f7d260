// Package jtag provides dmi.Scanner implementations that drive a real TAP
// controller: a direct GPIO bit-banged driver (this file) and an FTDI MPSSE
// driver (mpsse.go). Both queue scans exactly like the in-package test fakes
// they replace and only touch hardware inside Flush.
package jtag

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"

	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/logging"
)

// BitbangConfig wires the four TAP signals to GPIO pins. TRST is optional;
// leave it nil on boards that only reset the TAP through DMI (software
// reset via DTMCS/dmireset) rather than a dedicated pin.
type BitbangConfig struct {
	TCK, TDI, TMS gpio.PinOut
	TDO           gpio.PinIn
	TRST          gpio.PinOut

	// IRWidth is the TAP's instruction register width in bits. The
	// Scanner interface's QueueIRScan only takes a value, not a width,
	// because a given TAP implementation always has a fixed IR length.
	IRWidth int

	// HalfPeriod is the delay held after each TCK edge. Zero runs the
	// TAP as fast as the host can toggle GPIOs, which is fine for most
	// bit-banged links; set it for TAPs with a minimum TCK period.
	HalfPeriod time.Duration

	Logger *logging.Logger
}

type queuedOp struct {
	kind     opKind
	ir       uint32
	in, out  []byte
	numBits  int
	tapState dmi.TapState
	cycles   int
}

type opKind int

const (
	opIRScan opKind = iota
	opDRScan
	opRunTest
)

// Bitbang is a dmi.Scanner that drives the TAP controller by toggling GPIO
// pins directly, one TCK edge at a time.
type Bitbang struct {
	cfg   BitbangConfig
	queue []queuedOp
}

// NewBitbang builds a Bitbang scanner from cfg. It does not touch any pin;
// the TAP is left however the board found it until the first Flush.
func NewBitbang(cfg BitbangConfig) (*Bitbang, error) {
	if cfg.TCK == nil || cfg.TDI == nil || cfg.TMS == nil || cfg.TDO == nil {
		return nil, fmt.Errorf("jtag: bitbang: TCK, TDI, TMS and TDO pins are required")
	}
	if cfg.IRWidth <= 0 {
		return nil, fmt.Errorf("jtag: bitbang: IRWidth must be positive, got %d", cfg.IRWidth)
	}
	return &Bitbang{cfg: cfg}, nil
}

func (b *Bitbang) QueueIRScan(ir uint32) {
	b.queue = append(b.queue, queuedOp{kind: opIRScan, ir: ir})
}

func (b *Bitbang) QueueDRScan(in []byte, out []byte, numBits int, tapState dmi.TapState) {
	b.queue = append(b.queue, queuedOp{kind: opDRScan, in: in, out: out, numBits: numBits, tapState: tapState})
}

func (b *Bitbang) QueueRunTest(cycles int) {
	b.queue = append(b.queue, queuedOp{kind: opRunTest, cycles: cycles})
}

// Flush clocks every queued operation through the physical TAP in order,
// populating each QueueDRScan's out buffer as it goes.
func (b *Bitbang) Flush() error {
	defer func() { b.queue = nil }()
	for i, op := range b.queue {
		switch op.kind {
		case opIRScan:
			if err := b.shiftIR(op.ir); err != nil {
				return fmt.Errorf("jtag: bitbang: ir scan %d: %w", i, err)
			}
		case opDRScan:
			if err := b.shiftDR(op.in, op.out, op.numBits, op.tapState); err != nil {
				return fmt.Errorf("jtag: bitbang: dr scan %d: %w", i, err)
			}
		case opRunTest:
			if err := b.runTestIdle(op.cycles); err != nil {
				return fmt.Errorf("jtag: bitbang: run test %d: %w", i, err)
			}
		}
	}
	return nil
}

// Reset pulses TRST low, if wired, and brings the TAP to Test-Logic-Reset
// via five TMS=1 clocks otherwise (the state machine's own fallback path).
func (b *Bitbang) Reset() error {
	b.cfg.Logger.Debug("jtag reset")
	if b.cfg.TRST != nil {
		if err := b.cfg.TRST.Out(gpio.Low); err != nil {
			return fmt.Errorf("jtag: bitbang: trst assert: %w", err)
		}
		time.Sleep(b.cfg.HalfPeriod)
		if err := b.cfg.TRST.Out(gpio.High); err != nil {
			return fmt.Errorf("jtag: bitbang: trst deassert: %w", err)
		}
		return nil
	}
	for i := 0; i < 5; i++ {
		if _, err := b.clock(true, false); err != nil {
			return err
		}
	}
	return nil
}

// clock pulses TCK once with tdi/tms held at the given levels and returns
// the TDO level sampled just before the rising edge, which is when TDO
// holds the bit the TAP drove out on the previous falling edge.
func (b *Bitbang) clock(tms, tdi bool) (bool, error) {
	if err := b.cfg.TDI.Out(gpio.Level(tdi)); err != nil {
		return false, fmt.Errorf("tdi: %w", err)
	}
	if err := b.cfg.TMS.Out(gpio.Level(tms)); err != nil {
		return false, fmt.Errorf("tms: %w", err)
	}
	tdo := bool(b.cfg.TDO.Read())
	if err := b.cfg.TCK.Out(gpio.High); err != nil {
		return tdo, fmt.Errorf("tck high: %w", err)
	}
	if b.cfg.HalfPeriod > 0 {
		time.Sleep(b.cfg.HalfPeriod)
	}
	if err := b.cfg.TCK.Out(gpio.Low); err != nil {
		return tdo, fmt.Errorf("tck low: %w", err)
	}
	if b.cfg.HalfPeriod > 0 {
		time.Sleep(b.cfg.HalfPeriod)
	}
	return tdo, nil
}

// runTestIdle parks the TAP in Run-Test/Idle (TMS=0) for the given number
// of clocks, which is where the DMI's busy-backoff delay is spent.
func (b *Bitbang) runTestIdle(cycles int) error {
	for i := 0; i < cycles; i++ {
		if _, err := b.clock(false, false); err != nil {
			return err
		}
	}
	return nil
}

// shiftIR walks Run-Test/Idle -> Shift-IR, clocks the TAP's configured
// IRWidth bits of ir LSB-first, and returns through Update-IR to
// Run-Test/Idle. The captured bypass/IDCODE readback is discarded; nothing
// in this module reads the IR scan-out.
func (b *Bitbang) shiftIR(ir uint32) error {
	if err := b.toShiftIR(); err != nil {
		return err
	}
	for i := 0; i < b.cfg.IRWidth; i++ {
		bit := (ir>>uint(i))&1 != 0
		last := i == b.cfg.IRWidth-1
		if _, err := b.clock(last, bit); err != nil {
			return err
		}
	}
	return b.exitToIdle()
}

// shiftDR walks Run-Test/Idle -> Shift-DR, clocks numBits of in (or zeros
// if in is nil) LSB-first while capturing TDO into out, then leaves the
// TAP in tapState. Every call site in this module uses dmi.TapIdle; the
// other two states are honored for completeness of the Scanner contract.
func (b *Bitbang) shiftDR(in, out []byte, numBits int, tapState dmi.TapState) error {
	if err := b.toShiftDR(); err != nil {
		return err
	}
	for i := 0; i < numBits; i++ {
		var bit bool
		if in != nil {
			bit = (in[i/8]>>uint(i%8))&1 != 0
		}
		last := i == numBits-1
		tdo, err := b.clock(last, bit)
		if err != nil {
			return err
		}
		if out != nil {
			if tdo {
				out[i/8] |= 1 << uint(i%8)
			} else {
				out[i/8] &^= 1 << uint(i%8)
			}
		}
	}
	switch tapState {
	case dmi.TapDRShift:
		return nil // stay parked in Exit1-DR, mid-scan
	case dmi.TapDRUpdate:
		_, err := b.clock(true, false) // Update-DR, stop short of Idle
		return err
	default:
		return b.exitToIdle()
	}
}

// toShiftIR clocks Run-Test/Idle -> Select-DR -> Select-IR -> Capture-IR
// -> Shift-IR (TMS 1,1,0,0).
func (b *Bitbang) toShiftIR() error {
	for _, tms := range [...]bool{true, true, false, false} {
		if _, err := b.clock(tms, false); err != nil {
			return err
		}
	}
	return nil
}

// toShiftDR clocks Run-Test/Idle -> Select-DR -> Capture-DR -> Shift-DR
// (TMS 1,0,0).
func (b *Bitbang) toShiftDR() error {
	for _, tms := range [...]bool{true, false, false} {
		if _, err := b.clock(tms, false); err != nil {
			return err
		}
	}
	return nil
}

// exitToIdle clocks Exit1 -> Update -> Run-Test/Idle (TMS 1,0).
func (b *Bitbang) exitToIdle() error {
	if _, err := b.clock(true, false); err != nil {
		return err
	}
	_, err := b.clock(false, false)
	return err
}
