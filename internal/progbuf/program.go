package progbuf

import (
	"fmt"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/logging"
)

// Descriptor is the subset of the DM-Descriptor entity (spec.md §3) the
// assembler needs to lay out instructions and data: how many instruction
// words and data slots are available, and where they sit in the target's
// memory map (needed by injected code to address its own scratch space).
type Descriptor struct {
	ProgSize    int
	DataCount   int
	DataAddr    uint32
	ProgBufAddr uint32
	XLEN        int
}

// Addr is an offset, in 32-bit words, into a Program's data-slot region.
type Addr int

// Program is the transient entity built per call into the program-buffer
// engine (C5): an instruction list plus a bump-allocated data region,
// executed as one unit and never individually freed (spec.md §3).
type Program struct {
	desc Descriptor

	instrs []uint32
	ram    []uint32
	// executed guards ReadRAM: results are only meaningful after Exec has
	// pulled them back from the target.
	executed bool

	tr     *dmi.Transport
	ac     *abstractcmd.Engine
	logger *logging.Logger
}

// Init builds a new Program (the assembler's `init`).
func Init(desc Descriptor, tr *dmi.Transport, ac *abstractcmd.Engine, logger *logging.Logger) *Program {
	if logger == nil {
		logger = logging.Default()
	}
	return &Program{
		desc:   desc,
		tr:     tr,
		ac:     ac,
		logger: logger.WithComponent("progbuf"),
	}
}

func (p *Program) alloc(words int) (Addr, error) {
	if len(p.ram)+words > p.desc.DataCount {
		return 0, fmt.Errorf("progbuf: out of data slots (have %d, need %d more)", p.desc.DataCount-len(p.ram), words)
	}
	addr := Addr(len(p.ram))
	p.ram = append(p.ram, make([]uint32, words)...)
	return addr, nil
}

// AllocW allocates a single 32-bit data slot.
func (p *Program) AllocW() (Addr, error) { return p.alloc(1) }

// AllocX allocates an XLEN-wide data slot (one word on RV32, two on RV64).
func (p *Program) AllocX() (Addr, error) {
	if p.desc.XLEN > 32 {
		return p.alloc(2)
	}
	return p.alloc(1)
}

// AllocD allocates a doubleword (always 64-bit) data slot, regardless of
// target XLEN — needed when swapping a 64-bit value through a 32-bit
// target's data slots two words at a time.
func (p *Program) AllocD() (Addr, error) { return p.alloc(2) }

// WriteRAM sets the initial value of a data-slot word, consumed when the
// program executes.
func (p *Program) WriteRAM(addr Addr, value uint32) error {
	if int(addr) < 0 || int(addr) >= len(p.ram) {
		return fmt.Errorf("progbuf: write_ram: address %d out of range", addr)
	}
	p.ram[addr] = value
	return nil
}

// ReadRAM reads back a data-slot word. Only valid after Exec has run.
func (p *Program) ReadRAM(addr Addr) (uint32, error) {
	if !p.executed {
		return 0, fmt.Errorf("progbuf: read_ram: program has not executed yet")
	}
	if int(addr) < 0 || int(addr) >= len(p.ram) {
		return 0, fmt.Errorf("progbuf: read_ram: address %d out of range", addr)
	}
	return p.ram[addr], nil
}

// Insert appends a raw instruction word to the program.
func (p *Program) Insert(raw uint32) error {
	if len(p.instrs) >= p.desc.ProgSize {
		return fmt.Errorf("progbuf: program buffer full at %d instructions", p.desc.ProgSize)
	}
	p.instrs = append(p.instrs, raw)
	return nil
}

// pc returns the target address the next inserted instruction will
// occupy, used by Gah to compute a pc-relative displacement.
func (p *Program) pc() uint32 {
	return p.desc.ProgBufAddr + uint32(len(p.instrs))*4
}

func fitsImm12(addr uint32) bool {
	v := int32(addr)
	return v >= -2048 && v <= 2047
}

func splitAbs(addr uint32) (hi20 uint32, lo12 int32) {
	v := int32(addr)
	lo12 = v & 0xfff
	if lo12&0x800 != 0 {
		lo12 -= 0x1000
	}
	hi20 = uint32(v-lo12) >> 12 & 0xfffff
	return
}

func lui(rd, imm20 uint32) uint32 { return encodeU(imm20, rd, 0x37) }

// materializeAbs emits lui+addi to load the absolute target address into
// tmp, independent of where the instructions themselves land (unlike
// Gah, which is explicitly pc-relative).
func (p *Program) materializeAbs(tmp uint32, addr uint32) error {
	hi, lo := splitAbs(addr)
	if err := p.Insert(lui(tmp, hi)); err != nil {
		return err
	}
	if lo != 0 {
		if err := p.Insert(addi(tmp, tmp, lo)); err != nil {
			return err
		}
	}
	return nil
}

// GetTemp returns a scratch GPR the assembler may clobber freely,
// avoiding any register numbers the caller names as already in use.
func (p *Program) GetTemp(avoid ...uint32) uint32 {
	for _, candidate := range []uint32{RegS0, RegS1} {
		clash := false
		for _, a := range avoid {
			if a == candidate {
				clash = true
				break
			}
		}
		if !clash {
			return candidate
		}
	}
	return RegS0
}

func (p *Program) dataAddrOf(addr Addr) uint32 {
	return p.desc.DataAddr + uint32(addr)*4
}

func (p *Program) emitLoad(dest uint32, addr Addr, loadFn func(rd, rs1 uint32, imm int32) uint32) error {
	target := p.dataAddrOf(addr)
	if fitsImm12(target) {
		return p.Insert(loadFn(dest, RegZero, int32(target)))
	}
	tmp := p.GetTemp(dest)
	if err := p.materializeAbs(tmp, target); err != nil {
		return err
	}
	return p.Insert(loadFn(dest, tmp, 0))
}

func (p *Program) emitStore(src uint32, addr Addr, storeFn func(rs2, rs1 uint32, imm int32) uint32) error {
	target := p.dataAddrOf(addr)
	if fitsImm12(target) {
		return p.Insert(storeFn(src, RegZero, int32(target)))
	}
	tmp := p.GetTemp(src)
	if err := p.materializeAbs(tmp, target); err != nil {
		return err
	}
	return p.Insert(storeFn(src, tmp, 0))
}

// Lx loads an XLEN-wide value from data slot addr into GPR dest.
func (p *Program) Lx(dest uint32, addr Addr) error {
	if p.desc.XLEN > 32 {
		return p.emitLoad(dest, addr, ld)
	}
	return p.emitLoad(dest, addr, lw)
}

// Sx stores an XLEN-wide value from GPR src into data slot addr.
func (p *Program) Sx(src uint32, addr Addr) error {
	if p.desc.XLEN > 32 {
		return p.emitStore(src, addr, sd)
	}
	return p.emitStore(src, addr, sw)
}

// Flx loads a floating-point register from a data slot (double-precision
// when the target's FLEN requires it; this engine only needs the XLEN
// width it was configured with).
func (p *Program) Flx(dest uint32, addr Addr) error {
	if p.desc.XLEN > 32 {
		return p.emitLoad(dest, addr, fld)
	}
	return p.emitLoad(dest, addr, flw)
}

// Fsx stores a floating-point register to a data slot.
func (p *Program) Fsx(src uint32, addr Addr) error {
	if p.desc.XLEN > 32 {
		return p.emitStore(src, addr, fsd)
	}
	return p.emitStore(src, addr, fsw)
}

// Lw/Sw are always 32-bit, regardless of target XLEN — used by the
// memory streamer's R_DATA slot, which is always one word wide.
func (p *Program) Lw(dest uint32, addr Addr) error { return p.emitLoad(dest, addr, lw) }
func (p *Program) Sw(src uint32, addr Addr) error  { return p.emitStore(src, addr, sw) }

// Lbr/Lhr/Shr/Sbr are the "raw" sized accesses used by the memory
// streamer to read/write the target's actual address space through a
// GPR holding the address, as opposed to Lx/Sx which always address this
// Program's own data-slot scratch space.
func (p *Program) Lbr(dest, base uint32, offset int32) error {
	return p.Insert(lbu(dest, base, offset))
}
func (p *Program) Lhr(dest, base uint32, offset int32) error {
	return p.Insert(lhu(dest, base, offset))
}
func (p *Program) Lwr(dest, base uint32, offset int32) error {
	return p.Insert(lw(dest, base, offset))
}
func (p *Program) Sbr(src, base uint32, offset int32) error {
	return p.Insert(sb(src, base, offset))
}
func (p *Program) Shr(src, base uint32, offset int32) error {
	return p.Insert(sh(src, base, offset))
}
func (p *Program) Swr(src, base uint32, offset int32) error {
	return p.Insert(sw(src, base, offset))
}

// Sdr stores a raw doubleword through base+offset, regardless of the
// Descriptor's configured XLEN — used by the capability probe to test
// whether the target can execute a 64-bit store at all.
func (p *Program) Sdr(src, base uint32, offset int32) error {
	return p.Insert(sd(src, base, offset))
}

// Auipc emits `auipc dest, 0`, loading the address of this very
// instruction into dest. Used by the capability probe's DSCRATCH-swap
// trick to discover the program buffer's address in the target's own
// memory map without knowing anything about the target beforehand.
func (p *Program) Auipc(dest uint32) error {
	return p.Insert(auipc(dest, 0))
}

// Csrr reads csr into dest (csrrs dest, csr, x0).
func (p *Program) Csrr(dest, csr uint32) error {
	return p.Insert(csrrs(dest, RegZero, csr))
}

// Csrw writes src into csr, discarding the old value (csrrw x0, csr, src).
func (p *Program) Csrw(csr, src uint32) error {
	return p.Insert(csrrw(RegZero, src, csr))
}

// Csrrw swaps: dest receives the old csr value, csr receives src.
func (p *Program) Csrrw(dest, src, csr uint32) error {
	return p.Insert(csrrw(dest, src, csr))
}

// Addi emits an immediate add.
func (p *Program) Addi(dest, src uint32, imm int32) error {
	return p.Insert(addi(dest, src, imm))
}

// Fence emits a full fence (all four I/O/R/W predecessor/successor bits set).
func (p *Program) Fence() error { return p.Insert(fenceInsn()) }

// FenceI emits fence.i, flushing the target's instruction cache —
// required before every step/resume after arbitrary debugger writes.
func (p *Program) FenceI() error { return p.Insert(fenceIInsn()) }

// Gah ("get absolute address") emits a pc-relative auipc into dest and
// reports the low 12-bit offset a following instruction must still add
// via its own immediate field, so that dest plus that offset is addr. It
// returns false (inserting nothing) when addr is already reachable
// directly from pc without auipc — callers may then use addr's low bits
// as an x0-relative immediate instead.
func (p *Program) Gah(dest uint32, addr uint32) (lo int32, usedAuipc bool) {
	delta := int64(int32(addr)) - int64(int32(p.pc()))
	if delta >= -2048 && delta <= 2047 {
		return int32(delta), false
	}
	lo32 := int32(delta) & 0xfff
	if lo32&0x800 != 0 {
		lo32 -= 0x1000
	}
	hi := uint32(int32(delta)-lo32) >> 12 & 0xfffff
	p.Insert(auipc(dest, hi))
	return lo32, true
}

// Exec writes the assembled instructions and data to the target's
// program buffer / data slots, triggers execution via a no-op Access
// Register transfer, and — on success — reads every used data word back
// so ReadRAM can serve it without another round trip. On a non-zero
// cmderr it clears the error and returns a wrapped *abstractcmd.CmdError
// (spec.md §4.5 step 3, §7 ProgramExecError).
func (p *Program) Exec() error {
	for i, instr := range p.instrs {
		if err := p.tr.DMIWrite(dmconst.ProgBuf0+uint32(i), instr); err != nil {
			return fmt.Errorf("progbuf: write progbuf[%d]: %w", i, err)
		}
	}
	for i, word := range p.ram {
		if err := p.tr.DMIWrite(dmconst.Data0+uint32(i), word); err != nil {
			return fmt.Errorf("progbuf: write data[%d]: %w", i, err)
		}
	}

	cmd := abstractcmd.EncodeAccessRegister(32, dmconst.RegnoGPR0, false, false, true)
	if err := p.ac.Execute(cmd); err != nil {
		p.logger.Error("program execution failed", "error", err)
		return fmt.Errorf("progbuf: exec: %w", err)
	}

	for i := range p.ram {
		v, err := p.tr.DMIRead(dmconst.Data0 + uint32(i))
		if err != nil {
			return fmt.Errorf("progbuf: read back data[%d]: %w", i, err)
		}
		p.ram[i] = v
	}
	p.executed = true
	return nil
}

// FlushICache assembles and runs the single-word fence.i program used
// before every step/resume, per spec.md §4.5.
func FlushICache(desc Descriptor, tr *dmi.Transport, ac *abstractcmd.Engine, logger *logging.Logger) error {
	prog := Init(desc, tr, ac, logger)
	if err := prog.FenceI(); err != nil {
		return err
	}
	return prog.Exec()
}
