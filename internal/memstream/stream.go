// Package memstream implements the memory streamer (C7): reads or writes
// a run of same-sized elements to target memory using a program-buffer
// loop driven by AUTOEXEC, batching the DMI accesses that pipeline it so
// a single JTAG flush can carry many elements at once.
package memstream

import (
	"errors"
	"fmt"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/batch"
	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/logging"
	"github.com/santhoshEsp32/openocd/internal/progbuf"
)

// gdbS0/gdbS1 are the GDB register ids for x8/x9 — the GPRs the
// generated loop program clobbers and which must be saved/restored
// around a stream (spec.md §4.7 step 1). Since XPR0's id is 0, the id
// for xN is simply N; this package hardcodes the two it needs rather
// than importing the riscv013 package's named constants, which would
// create an import cycle (riscv013 is the caller of this package).
const (
	gdbS0 = 8
	gdbS1 = 9
)

// RegisterAccess is the narrow register-save/restore collaborator this
// package needs from the register access router (C6) — satisfied
// structurally by *riscv013.RegisterRouter without this package
// importing that one.
type RegisterAccess interface {
	ReadRegister(id int) (uint64, error)
	WriteRegister(id int, value uint64) error
}

// ErrInvalidSize is returned for an element size outside {1,2,4}.
var ErrInvalidSize = errors.New("memstream: size must be 1, 2, or 4 bytes")

// ErrAddressDiverged reports the target-reported R_ADDR value not
// matching what the batch's reply count predicted — the failure mode
// spec.md §4.7's Open Question calls out as needing careful handling.
var ErrAddressDiverged = errors.New("memstream: target-reported address diverged from expected progress")

// Stream drives one streamed memory access at a time over a program
// built fresh for each call (the program-buffer entity is transient per
// spec.md §3; nothing here is reused across calls).
type Stream struct {
	tr        *dmi.Transport
	ac        *abstractcmd.Engine
	desc      progbuf.Descriptor
	regs      RegisterAccess
	batchSize int
	logger    *logging.Logger
}

// New builds a Stream. batchSize bounds how many elements one JTAG flush
// moves (a read batch adds one trailing NOP scan to drain the pipeline)
// (spec.md §4.7: "32 is a sensible default").
func New(tr *dmi.Transport, ac *abstractcmd.Engine, desc progbuf.Descriptor, regs RegisterAccess, batchSize int, logger *logging.Logger) *Stream {
	if logger == nil {
		logger = logging.Default()
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Stream{tr: tr, ac: ac, desc: desc, regs: regs, batchSize: batchSize, logger: logger.WithComponent("memstream")}
}

func sizedLoad(prog *progbuf.Program, dest, base uint32, size int) error {
	switch size {
	case 1:
		return prog.Lbr(dest, base, 0)
	case 2:
		return prog.Lhr(dest, base, 0)
	case 4:
		return prog.Lwr(dest, base, 0)
	default:
		return ErrInvalidSize
	}
}

func sizedStore(prog *progbuf.Program, src, base uint32, size int) error {
	switch size {
	case 1:
		return prog.Sbr(src, base, 0)
	case 2:
		return prog.Shr(src, base, 0)
	case 4:
		return prog.Swr(src, base, 0)
	default:
		return ErrInvalidSize
	}
}

// buildProgram assembles the per-element loop body described in
// spec.md §4.7 step 2: load the cursor from R_ADDR into s0, move one
// sized element between [s0] and R_DATA, advance s0 by size, store it
// back to R_ADDR, fence.
func (s *Stream) buildProgram(write bool, size int) (*progbuf.Program, progbuf.Addr, progbuf.Addr, error) {
	prog := progbuf.Init(s.desc, s.tr, s.ac, s.logger)
	rAddr, err := prog.AllocX()
	if err != nil {
		return nil, 0, 0, err
	}
	rData, err := prog.AllocW()
	if err != nil {
		return nil, 0, 0, err
	}
	if err := prog.Lx(progbuf.RegS0, rAddr); err != nil {
		return nil, 0, 0, err
	}
	if write {
		if err := prog.Lw(progbuf.RegS1, rData); err != nil {
			return nil, 0, 0, err
		}
		if err := sizedStore(prog, progbuf.RegS1, progbuf.RegS0, size); err != nil {
			return nil, 0, 0, err
		}
	} else {
		if err := sizedLoad(prog, progbuf.RegS1, progbuf.RegS0, size); err != nil {
			return nil, 0, 0, err
		}
		if err := prog.Sw(progbuf.RegS1, rData); err != nil {
			return nil, 0, 0, err
		}
	}
	if err := prog.Addi(progbuf.RegS0, progbuf.RegS0, int32(size)); err != nil {
		return nil, 0, 0, err
	}
	if err := prog.Sx(progbuf.RegS0, rAddr); err != nil {
		return nil, 0, 0, err
	}
	if err := prog.Fence(); err != nil {
		return nil, 0, 0, err
	}
	return prog, rData, rAddr, nil
}

func (s *Stream) writeAddrSlot(prog *progbuf.Program, rAddr progbuf.Addr, address uint32) error {
	if err := prog.WriteRAM(rAddr, address); err != nil {
		return err
	}
	if s.desc.XLEN > 32 {
		return prog.WriteRAM(rAddr+1, 0)
	}
	return nil
}

func (s *Stream) readRAddr(rAddr progbuf.Addr) (uint32, error) {
	lo, err := s.tr.DMIRead(dmconst.Data0 + uint32(rAddr))
	if err != nil {
		return 0, err
	}
	if s.desc.XLEN <= 32 {
		return lo, nil
	}
	// a 64-bit target's R_ADDR spans two slots; this streamer only ever
	// targets 32-bit address spaces (memstream's callers are 32/64-bit
	// XLEN harts with 32-bit physical addressing), so the high word is
	// read for completeness but never folded into the returned value.
	if _, err := s.tr.DMIRead(dmconst.Data0 + uint32(rAddr) + 1); err != nil {
		return 0, err
	}
	return lo, nil
}

func (s *Stream) enableAutoexec(rData progbuf.Addr) error {
	bit := uint32(1) << (dmconst.AbstractAutoDataShift + uint32(rData))
	return s.tr.DMIWrite(dmconst.AbstractAuto, bit)
}

func (s *Stream) disableAutoexec() error {
	return s.tr.DMIWrite(dmconst.AbstractAuto, 0)
}

func (s *Stream) saveScratch() (uint64, uint64, error) {
	s0, err := s.regs.ReadRegister(gdbS0)
	if err != nil {
		return 0, 0, err
	}
	s1, err := s.regs.ReadRegister(gdbS1)
	if err != nil {
		return 0, 0, err
	}
	return s0, s1, nil
}

func (s *Stream) restoreScratch(s0, s1 uint64) error {
	if err := s.regs.WriteRegister(gdbS0, s0); err != nil {
		return err
	}
	return s.regs.WriteRegister(gdbS1, s1)
}

func (s *Stream) pollCmdErr() (uint32, error) {
	for {
		cs, err := s.tr.DMIRead(dmconst.AbstractCS)
		if err != nil {
			return 0, err
		}
		if cs&dmconst.AbstractCSBusy == 0 {
			return (cs & dmconst.AbstractCSCmdErrMask) >> dmconst.AbstractCSCmdErrShift, nil
		}
	}
}

// ReadWords streams count elements of size bytes starting at address
// into the returned slice (each entry zero-extended into a uint64).
// Element 0 comes for free out of the setup execution; every element
// after it rides the DMI one-scan-behind pipeline AUTOEXEC triggers on
// each read of R_DATA, so a batch's read requests reveal their results
// one slot late — GetRead(k+1), not GetRead(k).
//
// Each batch is drained with its own trailing NOP scan rather than
// letting that pipeline carry across batch boundaries: a deliberate
// simplification of spec.md §4.7's description (documented in
// DESIGN.md) that costs one extra scan per up-to-32-element batch in
// exchange for an unambiguous mapping from batch slot to target
// address, which is the exact accounting spec.md's Open Question warns
// is easy to get wrong under BUSY interleaving.
func (s *Stream) ReadWords(address uint32, count int, size int) ([]uint64, error) {
	if size != 1 && size != 2 && size != 4 {
		return nil, ErrInvalidSize
	}
	if count == 0 {
		return nil, nil
	}

	s0Saved, s1Saved, err := s.saveScratch()
	if err != nil {
		return nil, fmt.Errorf("memstream: save scratch regs: %w", err)
	}

	prog, rData, rAddr, err := s.buildProgram(false, size)
	if err != nil {
		return nil, fmt.Errorf("memstream: assemble read loop: %w", err)
	}
	if err := s.writeAddrSlot(prog, rAddr, address); err != nil {
		return nil, err
	}
	if err := prog.Exec(); err != nil {
		return nil, fmt.Errorf("memstream: initial read element: %w", err)
	}

	// The setup Exec already produced element 0 into R_DATA; it sits
	// available in the program's own RAM cache (Exec just read every
	// data slot back) with no further DMI round trip needed. Every
	// element after this one is harvested one batch-slot behind the
	// read request that triggers it, per the one-scan-behind DMI
	// convention AUTOEXEC rides on top of (§4.7's Open Question) — so
	// collected starts at 1, not 0, and curAddr tracks address of the
	// *next* element the target will produce.
	first, err := prog.ReadRAM(rData)
	if err != nil {
		return nil, fmt.Errorf("memstream: read initial element: %w", err)
	}
	results := make([]uint64, count)
	results[0] = uint64(first)
	if count == 1 {
		if err := s.restoreScratch(s0Saved, s1Saved); err != nil {
			return nil, fmt.Errorf("memstream: restore scratch regs: %w", err)
		}
		return results, nil
	}
	if err := s.enableAutoexec(rData); err != nil {
		return nil, fmt.Errorf("memstream: enable autoexec: %w", err)
	}

	collected := 1
	curAddr := address + uint32(size)
	rDataAddr := dmconst.Data0 + uint32(rData)

	fail := func(cause error) ([]uint64, error) {
		_ = s.disableAutoexec()
		_ = s.restoreScratch(s0Saved, s1Saved)
		return nil, cause
	}

	for collected < count {
		remaining := count - collected
		n := remaining
		if n > s.batchSize {
			n = s.batchSize
		}

		b, err := batch.Alloc(s.tr.ScannerHandle(), s.tr.CodecHandle(), s.tr.IR(), n+1, s.tr.IdleCycles())
		if err != nil {
			return fail(fmt.Errorf("memstream: alloc batch: %w", err))
		}
		for k := 0; k < n; k++ {
			if _, err := b.AddRead(rDataAddr); err != nil {
				return fail(fmt.Errorf("memstream: queue read: %w", err))
			}
		}
		if err := b.AddNop(); err != nil {
			return fail(fmt.Errorf("memstream: queue drain nop: %w", err))
		}
		if err := b.Run(); err != nil {
			return fail(fmt.Errorf("memstream: run batch: %w", err))
		}

		cmderr, err := s.pollCmdErr()
		if err != nil {
			return fail(fmt.Errorf("memstream: poll abstractcs: %w", err))
		}

		switch cmderr {
		case dmconst.CmdErrNone:
			for k := 0; k < n; k++ {
				v, err := b.GetRead(k + 1)
				if err != nil {
					return fail(fmt.Errorf("memstream: decode batch slot: %w", err))
				}
				elemAddr := curAddr + uint32(k)*uint32(size)
				idx := (elemAddr - address) / uint32(size)
				if int(idx) < len(results) {
					results[idx] = uint64(v)
				}
			}
			collected += n

			newAddr, err := s.readRAddr(rAddr)
			if err != nil {
				return fail(fmt.Errorf("memstream: re-read r_addr: %w", err))
			}
			expected := curAddr + uint32(n)*uint32(size)
			if newAddr != expected {
				s.logger.Warn("memstream read progress mismatch", "expected", expected, "actual", newAddr)
				return fail(fmt.Errorf("%w: expected %#x got %#x", ErrAddressDiverged, expected, newAddr))
			}
			curAddr = newAddr

		case dmconst.CmdErrBusy:
			s.tr.GrowAcBusyDelay()
			if err := s.ac.ClearError(); err != nil {
				return fail(fmt.Errorf("memstream: clear busy cmderr: %w", err))
			}
			newAddr, err := s.readRAddr(rAddr)
			if err != nil {
				return fail(fmt.Errorf("memstream: resync r_addr after busy: %w", err))
			}
			curAddr = newAddr

		default:
			return fail(&abstractcmd.CmdError{Code: cmderr})
		}
	}

	if err := s.disableAutoexec(); err != nil {
		return nil, fmt.Errorf("memstream: disable autoexec: %w", err)
	}
	if err := s.restoreScratch(s0Saved, s1Saved); err != nil {
		return nil, fmt.Errorf("memstream: restore scratch regs: %w", err)
	}
	return results, nil
}

// WriteWords streams len(values) elements of size bytes to address.
// Unlike reads, writes carry no return-data pipelining: the value shifted
// into a DATA slot is immediately visible to the triggered execution, so
// a batch of writes needs no trailing drain scan.
func (s *Stream) WriteWords(address uint32, size int, values []uint64) error {
	if size != 1 && size != 2 && size != 4 {
		return ErrInvalidSize
	}
	count := len(values)
	if count == 0 {
		return nil
	}

	s0Saved, s1Saved, err := s.saveScratch()
	if err != nil {
		return fmt.Errorf("memstream: save scratch regs: %w", err)
	}

	prog, rData, rAddr, err := s.buildProgram(true, size)
	if err != nil {
		return fmt.Errorf("memstream: assemble write loop: %w", err)
	}
	if err := s.writeAddrSlot(prog, rAddr, address); err != nil {
		return err
	}
	if err := prog.WriteRAM(rData, uint32(values[0])); err != nil {
		return err
	}
	if err := prog.Exec(); err != nil {
		return fmt.Errorf("memstream: initial write element: %w", err)
	}
	if err := s.enableAutoexec(rData); err != nil {
		return fmt.Errorf("memstream: enable autoexec: %w", err)
	}

	collected := 1
	curAddr := address + uint32(size)
	rDataAddr := dmconst.Data0 + uint32(rData)

	fail := func(cause error) error {
		_ = s.disableAutoexec()
		_ = s.restoreScratch(s0Saved, s1Saved)
		return cause
	}

	for collected < count {
		remaining := count - collected
		n := remaining
		if n > s.batchSize {
			n = s.batchSize
		}

		b, err := batch.Alloc(s.tr.ScannerHandle(), s.tr.CodecHandle(), s.tr.IR(), n, s.tr.IdleCycles())
		if err != nil {
			return fail(fmt.Errorf("memstream: alloc batch: %w", err))
		}
		for k := 0; k < n; k++ {
			if err := b.AddWrite(rDataAddr, uint32(values[collected+k])); err != nil {
				return fail(fmt.Errorf("memstream: queue write: %w", err))
			}
		}
		if err := b.Run(); err != nil {
			return fail(fmt.Errorf("memstream: run batch: %w", err))
		}

		cmderr, err := s.pollCmdErr()
		if err != nil {
			return fail(fmt.Errorf("memstream: poll abstractcs: %w", err))
		}

		switch cmderr {
		case dmconst.CmdErrNone:
			collected += n
			newAddr, err := s.readRAddr(rAddr)
			if err != nil {
				return fail(fmt.Errorf("memstream: re-read r_addr: %w", err))
			}
			expected := curAddr + uint32(n)*uint32(size)
			if newAddr != expected {
				s.logger.Warn("memstream write progress mismatch", "expected", expected, "actual", newAddr)
				return fail(fmt.Errorf("%w: expected %#x got %#x", ErrAddressDiverged, expected, newAddr))
			}
			curAddr = newAddr

		case dmconst.CmdErrBusy:
			s.tr.GrowAcBusyDelay()
			if err := s.ac.ClearError(); err != nil {
				return fail(fmt.Errorf("memstream: clear busy cmderr: %w", err))
			}
			newAddr, err := s.readRAddr(rAddr)
			if err != nil {
				return fail(fmt.Errorf("memstream: resync r_addr after busy: %w", err))
			}
			curAddr = newAddr

		default:
			return fail(&abstractcmd.CmdError{Code: cmderr})
		}
	}

	if err := s.disableAutoexec(); err != nil {
		return fmt.Errorf("memstream: disable autoexec: %w", err)
	}
	return s.restoreScratch(s0Saved, s1Saved)
}
