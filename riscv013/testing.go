package riscv013

import (
	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
)

// fakeHart is one simulated hart's interpreter-visible state: its GPRs
// and the CSRs the capability probe and hart controller actually touch
// (DCSR, DSCRATCH0, TSELECT, ...), plus the three status flags DMSTATUS
// is computed from.
type fakeHart struct {
	halted    bool
	running   bool
	resumeAck bool
	regs      [32]uint64
	csrs      map[uint32]uint64
}

func newFakeHart() *fakeHart {
	return &fakeHart{running: true, csrs: make(map[uint32]uint64)}
}

// FakeDM is an in-memory Debug Module behind a dmi.Scanner: faithful
// enough to drive the capability probe and hart controller without real
// JTAG hardware. It models DTMCS, DMCONTROL/DMSTATUS hart selection and
// halt/resume bookkeeping, ABSTRACTCS/COMMAND abstract-register
// transfers, and a small RV32/64 interpreter that executes whatever is
// loaded into the program buffer — enough to run the DSCRATCH-swap probe
// programs (§4.9) and the fence.i prologue (§4.8), not a general core.
//
// It follows the same single-pending-scan shape as regFileScanner in
// registers_test.go and streamScanner in stream_test.go: Transport issues
// one scan and Flushes before issuing the next, so there is never more
// than one request in flight.
type FakeDM struct {
	codec *dmi.Codec
	irDMI uint32
	irDTM uint32

	// ProgbufAddr/ProgSize/DataCount describe the simulated target's
	// debug resources, as if reported by AbstractCS/HartInfo.
	ProgbufAddr uint32
	ProgSize    int
	DataCount   int

	// Supports64, when false, makes any SD executed out of the program
	// buffer trap (CmdErrException) partway through, mirroring a target
	// whose XLEN is 32 — exactly what probeXlen64 is built to detect.
	Supports64 bool

	// SupportsHartReset, when false, makes DMCONTROL's hartreset bit fail
	// to stick on readback, forcing AssertReset's NDMRESET fallback.
	SupportsHartReset bool

	// TriggerCount bounds how many tselect indices latch on write,
	// simulating a target with a fixed trigger unit count.
	TriggerCount int

	// DTMCSOverride, when non-nil, replaces the DTMCS scan response —
	// used to exercise Examine's version-mismatch/unresponsive paths.
	DTMCSOverride *uint32

	mem    map[uint32]uint32
	target map[uint32]uint32
	harts  []*fakeHart

	curHart  int
	prevData uint32
	lastIR   uint32
	lastIn   []byte
	pending  []byte
}

// NewFakeDM builds a FakeDM with hartCount harts, reasonable defaults for
// a single-DM target (8-word program buffer, 2 data slots, 7-bit DMI
// address space matching the abits this backend assumes throughout), and
// every capability enabled.
func NewFakeDM(hartCount int) *FakeDM {
	codec, _ := dmi.NewCodec(7)
	dm := &FakeDM{
		codec:             codec,
		irDMI:             0x11,
		irDTM:             0x10,
		ProgbufAddr:       0x800,
		ProgSize:          8,
		DataCount:         2,
		Supports64:        true,
		SupportsHartReset: true,
		TriggerCount:      2,
		mem:               make(map[uint32]uint32),
		target:            make(map[uint32]uint32),
		harts:             make([]*fakeHart, hartCount),
		curHart:           -1,
	}
	for i := range dm.harts {
		dm.harts[i] = newFakeHart()
	}
	dm.mem[dmconst.AbstractCS] = (uint32(dm.ProgSize)<<dmconst.AbstractCSProgSizeShift)&dmconst.AbstractCSProgSizeMask |
		uint32(dm.DataCount)&dmconst.AbstractCSDataCountMask
	dm.mem[dmconst.HartInfo] = dmconst.HartInfoDataAccess | ((dm.ProgbufAddr + uint32(dm.ProgSize)*4) & dmconst.HartInfoDataAddrMask)
	return dm
}

// Codec exposes the codec this FakeDM was built with, so test rigs can
// wire the same instance into dmi.NewTransport.
func (dm *FakeDM) Codec() *dmi.Codec { return dm.codec }

// IRs exposes the IR values a test rig's Transport must be constructed
// with to match this FakeDM's dispatch.
func (dm *FakeDM) IRs() (irDMI, irDTM uint32) { return dm.irDMI, dm.irDTM }

func (dm *FakeDM) QueueIRScan(ir uint32) { dm.lastIR = ir }

func (dm *FakeDM) QueueDRScan(in []byte, out []byte, numBits int, tapState dmi.TapState) {
	if dm.lastIR == dm.irDTM {
		v := uint32(1) | uint32(7)<<dmconst.DTMCSAbitsShift
		if dm.DTMCSOverride != nil {
			v = *dm.DTMCSOverride
		}
		for i := 0; i < len(out) && i < 4; i++ {
			out[i] = byte(v >> uint(8*i))
		}
		return
	}
	cp := make([]byte, len(in))
	copy(cp, in)
	dm.lastIn = cp
	dm.pending = out
}

func (dm *FakeDM) QueueRunTest(cycles int) {}

// Flush processes whatever DMI request was queued since the last Flush —
// a raw DTMCS scan already answered itself in QueueDRScan and needs
// nothing here.
func (dm *FakeDM) Flush() error {
	if dm.pending == nil {
		return nil
	}
	dec, err := dm.codec.Decode(dm.lastIn)
	if err != nil {
		return err
	}
	if dec.Op == dmconst.OpWrite {
		dm.writeValue(dec.Address, dec.Data)
	}

	// Per §4.2's one-scan-behind convention, this response carries the
	// result of the *previous* request; a just-issued read's value only
	// appears in the response to the scan after it.
	respData := dm.prevData
	if dec.Op == dmconst.OpRead {
		dm.prevData = dm.readValue(dec.Address)
	}

	buf := make([]byte, len(dm.pending))
	setFakeBits(buf, 0, 2, uint64(dmconst.StatusSuccess))
	setFakeBits(buf, 2, 32, uint64(respData))
	copy(dm.pending, buf)
	dm.pending = nil
	return nil
}

func setFakeBits(buf []byte, offset, numBits int, value uint64) {
	for i := 0; i < numBits; i++ {
		bit := (value >> uint(i)) & 1
		pos := offset + i
		byteIdx := pos / 8
		bitIdx := uint(pos % 8)
		if byteIdx >= len(buf) {
			continue
		}
		if bit != 0 {
			buf[byteIdx] |= 1 << bitIdx
		} else {
			buf[byteIdx] &^= 1 << bitIdx
		}
	}
}

func (dm *FakeDM) readValue(addr uint32) uint32 {
	switch {
	case addr == dmconst.DMStatus:
		return dm.computeDMStatus()
	case addr >= dmconst.ProgBuf0 && addr < dmconst.ProgBuf0+uint32(dm.ProgSize):
		return dm.target[dm.ProgbufAddr+(addr-dmconst.ProgBuf0)*4]
	default:
		return dm.mem[addr]
	}
}

func (dm *FakeDM) writeValue(addr, data uint32) {
	switch {
	case addr == dmconst.DMControl:
		dm.applyDMControl(data)
	case addr == dmconst.AbstractCS:
		cur := dm.mem[addr]
		dm.mem[addr] = cur &^ uint32(dmconst.AbstractCSCmdErrMask)
	case addr == dmconst.Command:
		dm.applyCommand(data)
	case addr >= dmconst.ProgBuf0 && addr < dmconst.ProgBuf0+uint32(dm.ProgSize):
		// Index 0 starts a fresh program: the real progbuf.Program always
		// assembles from scratch, so a write to word 0 clears whatever a
		// previous, possibly longer, program left in the later words —
		// otherwise the interpreter would replay stale instructions that
		// the caller never intended to re-run.
		if addr == dmconst.ProgBuf0 {
			for i := 0; i < dm.ProgSize; i++ {
				delete(dm.target, dm.ProgbufAddr+uint32(i)*4)
			}
		}
		dm.target[dm.ProgbufAddr+(addr-dmconst.ProgBuf0)*4] = data
	default:
		dm.mem[addr] = data
	}
}

func (dm *FakeDM) applyDMControl(v uint32) {
	lo := (v >> dmconst.DMControlHartSelLoShift) & 0x3ff
	hi := (v >> dmconst.DMControlHartSelHiShift) & 0x3ff
	dm.curHart = int(lo) | int(hi)<<10

	stored := v
	if v&dmconst.DMControlHartReset != 0 && !dm.SupportsHartReset {
		stored &^= dmconst.DMControlHartReset
	}
	dm.mem[dmconst.DMControl] = stored

	if dm.curHart < 0 || dm.curHart >= len(dm.harts) {
		return
	}
	h := dm.harts[dm.curHart]

	switch {
	case v&dmconst.DMControlHaltReq != 0:
		h.halted = true
		h.running = false
		dm.setCause(h, dmconst.CauseHaltReq)
	case v&dmconst.DMControlResumeReq != 0:
		step := h.csrs[dmconst.DCSRCSRNumber]&uint64(dmconst.DCSRStep) != 0
		if step {
			dm.setCause(h, dmconst.CauseStep)
			h.halted = true
			h.running = false
		} else {
			h.halted = false
			h.running = true
		}
		h.resumeAck = true
	}

	resetting := v&dmconst.DMControlNDMReset != 0 || (v&dmconst.DMControlHartReset != 0 && dm.SupportsHartReset)
	if resetting {
		haltOnReset := v&dmconst.DMControlHaltReq != 0
		h.halted = haltOnReset
		h.running = !haltOnReset
	}
}

func (dm *FakeDM) setCause(h *fakeHart, cause uint32) {
	dcsr := h.csrs[dmconst.DCSRCSRNumber]
	dcsr = (dcsr &^ uint64(dmconst.DCSRCauseMask)) | uint64(cause)<<dmconst.DCSRCauseShift
	h.csrs[dmconst.DCSRCSRNumber] = dcsr
}

func (dm *FakeDM) computeDMStatus() uint32 {
	v := uint32(dmconst.DMStatusVersion13) | dmconst.DMStatusAuthenticated
	if dm.curHart < 0 || dm.curHart >= len(dm.harts) {
		return v | dmconst.DMStatusAnyNonexistent | dmconst.DMStatusAllNonexistent
	}
	h := dm.harts[dm.curHart]
	if h.halted {
		v |= dmconst.DMStatusAnyHalted | dmconst.DMStatusAllHalted
	}
	if h.running {
		v |= dmconst.DMStatusAnyRunning | dmconst.DMStatusAllRunning
	}
	if h.resumeAck {
		v |= dmconst.DMStatusAnyResumeAck | dmconst.DMStatusAllResumeAck
	}
	return v
}

func (dm *FakeDM) applyCommand(data uint32) {
	if dm.curHart < 0 || dm.curHart >= len(dm.harts) {
		return
	}
	h := dm.harts[dm.curHart]

	transfer := data&dmconst.AccessRegTransfer != 0
	postexec := data&dmconst.AccessRegPostExec != 0
	write := data&dmconst.AccessRegWrite != 0
	regno := data & dmconst.AccessRegRegnoMask

	if transfer {
		dm.doTransfer(h, regno, write)
	}
	if postexec {
		dm.executeProgram(h)
	}
}

func (dm *FakeDM) doTransfer(h *fakeHart, regno uint32, write bool) {
	switch {
	case regno >= dmconst.RegnoGPR0 && regno < dmconst.RegnoGPR0+32:
		idx := regno - dmconst.RegnoGPR0
		if write {
			h.regs[idx] = uint64(dm.mem[dmconst.Data0]) | uint64(dm.mem[dmconst.Data0+1])<<32
		} else {
			v := h.regs[idx]
			dm.mem[dmconst.Data0] = uint32(v)
			dm.mem[dmconst.Data0+1] = uint32(v >> 32)
		}
	case regno == dmconst.TSelectCSRNumber:
		if write {
			v := uint64(dm.mem[dmconst.Data0])
			if int(v) < dm.TriggerCount {
				h.csrs[regno] = v
			}
		} else {
			dm.mem[dmconst.Data0] = uint32(h.csrs[regno])
		}
	default:
		if write {
			h.csrs[regno] = uint64(dm.mem[dmconst.Data0]) | uint64(dm.mem[dmconst.Data0+1])<<32
		} else {
			v := h.csrs[regno]
			dm.mem[dmconst.Data0] = uint32(v)
			dm.mem[dmconst.Data0+1] = uint32(v >> 32)
		}
	}
}

func (dm *FakeDM) executeProgram(h *fakeHart) {
	for i := 0; i < dm.ProgSize; i++ {
		addr := dm.ProgbufAddr + uint32(i)*4
		raw, ok := dm.target[addr]
		if !ok || raw == 0 {
			continue
		}
		if dm.execOne(h, addr, raw) {
			cur := dm.mem[dmconst.AbstractCS]
			dm.mem[dmconst.AbstractCS] = (cur &^ uint32(dmconst.AbstractCSCmdErrMask)) |
				uint32(dmconst.CmdErrException)<<dmconst.AbstractCSCmdErrShift
			return
		}
	}
}

// execOne decodes and runs a single instruction word, returning true if
// it trapped (only SD on a target without 64-bit store support, which is
// all this interpreter needs to simulate — real hardware aborts the
// program buffer mid-sequence the same way, which is exactly what lets
// the capability probe's 64-bit check distinguish xlen=32 from xlen=64).
func (dm *FakeDM) execOne(h *fakeHart, pc, raw uint32) bool {
	opcode := raw & 0x7f
	rd := (raw >> 7) & 0x1f
	funct3 := (raw >> 12) & 0x7
	rs1 := (raw >> 15) & 0x1f
	rs2 := (raw >> 20) & 0x1f

	switch opcode {
	case 0x17: // AUIPC
		imm20 := raw >> 12
		h.regs[rd] = uint64(int64(pc) + int64(int32(imm20<<12)))
	case 0x37: // LUI
		imm20 := raw >> 12
		h.regs[rd] = uint64(int64(int32(imm20 << 12)))
	case 0x13: // ADDI
		imm := signExtend12(raw >> 20)
		h.regs[rd] = uint64(int64(h.regs[rs1]) + int64(imm))
	case 0x73: // SYSTEM: CSRRW/CSRRS
		csr := raw >> 20
		old := h.csrs[csr]
		switch funct3 {
		case 1: // csrrw
			h.csrs[csr] = h.regs[rs1]
			h.regs[rd] = old
		case 2: // csrrs
			h.regs[rd] = old
			if rs1 != 0 {
				h.csrs[csr] = old | h.regs[rs1]
			}
		}
	case 0x23: // STORE
		imm := signExtend12(((raw >> 25) << 5) | ((raw >> 7) & 0x1f))
		addr := uint32(int64(h.regs[rs1]) + int64(imm))
		switch funct3 {
		case 0:
			dm.storeByte(addr, uint8(h.regs[rs2]))
		case 1:
			dm.storeHalf(addr, uint16(h.regs[rs2]))
		case 2:
			dm.target[addr&^3] = uint32(h.regs[rs2])
		case 3:
			if !dm.Supports64 {
				return true
			}
			dm.target[addr&^3] = uint32(h.regs[rs2])
			dm.target[(addr&^3)+4] = uint32(h.regs[rs2] >> 32)
		}
	case 0x03: // LOAD
		imm := signExtend12(raw >> 20)
		addr := uint32(int64(h.regs[rs1]) + int64(imm))
		switch funct3 {
		case 2:
			h.regs[rd] = uint64(dm.target[addr&^3])
		case 3:
			h.regs[rd] = uint64(dm.target[addr&^3]) | uint64(dm.target[(addr&^3)+4])<<32
		case 4:
			h.regs[rd] = uint64(dm.loadByte(addr))
		case 5:
			h.regs[rd] = uint64(dm.loadHalf(addr))
		}
	case 0x0f: // FENCE / FENCE.I: no-op in this model.
	}
	return false
}

func signExtend12(raw uint32) int32 {
	v := raw & 0xfff
	if v&0x800 != 0 {
		v |= 0xfffff000
	}
	return int32(v)
}

func (dm *FakeDM) storeByte(addr uint32, v uint8) {
	base := addr &^ 3
	shift := (addr & 3) * 8
	w := dm.target[base]
	w = (w &^ (0xff << shift)) | uint32(v)<<shift
	dm.target[base] = w
}

func (dm *FakeDM) storeHalf(addr uint32, v uint16) {
	base := addr &^ 3
	shift := (addr & 2) * 8
	w := dm.target[base]
	w = (w &^ (0xffff << shift)) | uint32(v)<<shift
	dm.target[base] = w
}

func (dm *FakeDM) loadByte(addr uint32) uint8 {
	base := addr &^ 3
	shift := (addr & 3) * 8
	return uint8(dm.target[base] >> shift)
}

func (dm *FakeDM) loadHalf(addr uint32) uint16 {
	base := addr &^ 3
	shift := (addr & 2) * 8
	return uint16(dm.target[base] >> shift)
}
