package jtag

import (
	"fmt"

	"periph.io/x/periph/conn"

	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/logging"
)

// MPSSE command bytes understood by an FTDI FT2232H/FT232H style chip in
// MPSSE mode. This driver only ever clocks single bits (the "+in/+out,
// bit count" opcodes): one USB round trip per Flush still carries an
// entire queued batch, since every queued scan's bits are packed into one
// command buffer before the Tx. The full opcode set is documented in
// FTDI's AN_108.
const (
	mpsseDataBitOutRise   = 0x13 // clock TDI out, positive edge, bit count
	mpsseDataBitInOutFall = 0x33 // TDI out on rise, TDO in on fall, bit count
	mpsseTMSOutRise       = 0x4a // clock TMS out, positive edge, bit count
	mpsseTMSInOutRise     = 0x6b // TMS out + TDO capture, positive edge
	mpsseSetLowBits       = 0x80
	mpsseSetHighBits      = 0x82
	mpsseLoopbackOff      = 0x85
	mpsseClockDivisor     = 0x86
	mpsseSendImmediate    = 0x87
)

// MPSSEConfig configures the GPIO-less FTDI backend. Conn is the USB bulk
// endpoint pair, modeled as a conn.Conn the way every other periph
// transport in this stack is: w is bytes queued for the OUT endpoint, r is
// filled from the IN endpoint.
type MPSSEConfig struct {
	Conn conn.Conn

	IRWidth int

	// ClockDivisor sets the TCK rate: f = 30MHz / ((1+divisor)*2) in the
	// default (non-divide-by-5) clocking mode.
	ClockDivisor uint16

	// LowGPIOValue/Dir and HighGPIOValue/Dir are the idle output value and
	// direction bytes written once during init for the ADBUS/ACBUS pins
	// this board doesn't dedicate to TCK/TDI/TDO/TMS (e.g. a board TRST
	// or status LED wired to a spare MPSSE GPIO).
	LowGPIOValue, LowGPIODir   byte
	HighGPIOValue, HighGPIODir byte

	Logger *logging.Logger
}

// MPSSE is a dmi.Scanner that drives the TAP controller through an FTDI
// chip's MPSSE engine rather than bit-banging discrete GPIOs: scans still
// clock one bit of the protocol at a time, but an entire queued batch
// (every op between two Flush calls) rides in one USB transaction.
type MPSSE struct {
	cfg     MPSSEConfig
	queue   []queuedOp
	nClocks int // running count of bit-clocks the queue will emit
}

// NewMPSSE opens an MPSSE session on cfg.Conn and programs its clock
// divisor and idle GPIO state.
func NewMPSSE(cfg MPSSEConfig) (*MPSSE, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("jtag: mpsse: Conn is required")
	}
	if cfg.IRWidth <= 0 {
		return nil, fmt.Errorf("jtag: mpsse: IRWidth must be positive, got %d", cfg.IRWidth)
	}
	m := &MPSSE{cfg: cfg}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MPSSE) init() error {
	cmd := []byte{
		mpsseLoopbackOff,
		mpsseClockDivisor, byte(m.cfg.ClockDivisor), byte(m.cfg.ClockDivisor >> 8),
		mpsseSetLowBits, m.cfg.LowGPIOValue, m.cfg.LowGPIODir,
		mpsseSetHighBits, m.cfg.HighGPIOValue, m.cfg.HighGPIODir,
	}
	if err := m.cfg.Conn.Tx(cmd, nil); err != nil {
		return fmt.Errorf("jtag: mpsse: init: %w", err)
	}
	m.cfg.Logger.Debug("mpsse initialized", "divisor", m.cfg.ClockDivisor)
	return nil
}

func (m *MPSSE) QueueIRScan(ir uint32) {
	m.queue = append(m.queue, queuedOp{kind: opIRScan, ir: ir})
}

func (m *MPSSE) QueueDRScan(in []byte, out []byte, numBits int, tapState dmi.TapState) {
	m.queue = append(m.queue, queuedOp{kind: opDRScan, in: in, out: out, numBits: numBits, tapState: tapState})
}

func (m *MPSSE) QueueRunTest(cycles int) {
	m.queue = append(m.queue, queuedOp{kind: opRunTest, cycles: cycles})
}

// mpsseBuilder accumulates one bit-clock command per TAP transition and
// remembers, per clocked bit, where in the eventual response buffer (if
// any) its captured TDO bit belongs.
type mpsseBuilder struct {
	cmd   []byte
	marks []captureMark
}

type captureMark struct {
	out  []byte
	bit  int
}

func (b *mpsseBuilder) clock(tms, tdi bool, out []byte, bit int) {
	op := byte(mpsseTMSOutRise)
	if out != nil {
		op = mpsseTMSInOutRise
	}
	v := byte(0)
	if tms {
		v |= 0x01
	}
	if tdi {
		v |= 0x80
	}
	b.cmd = append(b.cmd, op, 0, v)
	if out != nil {
		b.marks = append(b.marks, captureMark{out: out, bit: bit})
	}
}

func (b *mpsseBuilder) clockData(tdi bool, out []byte, bit int) {
	op := byte(mpsseDataBitOutRise)
	if out != nil {
		op = mpsseDataBitInOutFall
	}
	v := byte(0)
	if tdi {
		v = 1
	}
	b.cmd = append(b.cmd, op, 0, v)
	if out != nil {
		b.marks = append(b.marks, captureMark{out: out, bit: bit})
	}
}

// Flush builds one MPSSE command buffer for the entire queued batch, each
// clocked bit tagged with where its TDO capture (if requested) belongs,
// transacts it in a single Tx, then scatters the one-byte-per-captured-bit
// response back into each op's out buffer.
func (m *MPSSE) Flush() error {
	defer func() { m.queue = nil }()
	b := &mpsseBuilder{}
	for _, op := range m.queue {
		switch op.kind {
		case opIRScan:
			shiftChain(b, nil, nil, m.cfg.IRWidth, true)
		case opDRScan:
			shiftChain(b, op.in, op.out, op.numBits, false)
		case opRunTest:
			for i := 0; i < op.cycles; i++ {
				b.clock(false, false, nil, 0)
			}
		}
	}
	if len(b.cmd) == 0 {
		return nil
	}
	b.cmd = append(b.cmd, mpsseSendImmediate)
	resp := make([]byte, len(b.marks))
	if err := m.cfg.Conn.Tx(b.cmd, resp); err != nil {
		return fmt.Errorf("jtag: mpsse: flush: %w", err)
	}
	for i, mark := range b.marks {
		bit := resp[i] & 1
		if bit != 0 {
			mark.out[mark.bit/8] |= 1 << uint(mark.bit%8)
		} else {
			mark.out[mark.bit/8] &^= 1 << uint(mark.bit%8)
		}
	}
	return nil
}

// shiftChain appends the bit-clock sequence for one IR or DR scan: the
// fixed TMS path into Shift-IR/Shift-DR, numBits of in (zero-filled if
// in is nil) with the last bit riding the Exit1 TMS transition, then the
// fixed path back to Run-Test/Idle through Update.
func shiftChain(b *mpsseBuilder, in, out []byte, numBits int, ir bool) {
	if ir {
		for _, tms := range [...]bool{true, true, false, false} {
			b.clock(tms, false, nil, 0)
		}
	} else {
		for _, tms := range [...]bool{true, false, false} {
			b.clock(tms, false, nil, 0)
		}
	}

	for i := 0; i < numBits; i++ {
		var bit bool
		if in != nil {
			bit = (in[i/8]>>uint(i%8))&1 != 0
		}
		var capOut []byte
		if out != nil {
			capOut = out
		}
		if i == numBits-1 {
			b.clock(true, bit, capOut, i) // last bit rides Exit1
		} else {
			b.clockData(bit, capOut, i)
		}
	}

	b.clock(true, false, nil, 0)  // Update
	b.clock(false, false, nil, 0) // Run-Test/Idle
}
