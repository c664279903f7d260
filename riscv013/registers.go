package riscv013

import (
	"errors"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/logging"
	"github.com/santhoshEsp32/openocd/internal/progbuf"
)

// classKind distinguishes the three register families the program-buffer
// fallback template needs to emit different instructions for. Only FPR
// and CSR participate in abstractcmd's Capability-Flags gating — GPR
// abstract access is mandatory per the RISC-V debug spec and is always
// attempted first regardless of any latch.
type classKind int

const (
	classGPR classKind = iota
	classFPR
	classCSR
)

// HartView is the per-hart cached state the router reads/updates, a
// subset of the Hart-View entity from spec.md §3 (the rest — halt state,
// trigger count — belongs to the hart controller, C8).
type HartView struct {
	Xlen          int
	MstatusActual uint64
}

// RegisterRouter implements the register access router (C6): for a GDB
// register id, pick abstract vs program-buffer path, translate to a DM
// regno, and handle the PC/PRIV specials.
type RegisterRouter struct {
	tr     *dmi.Transport
	ac     *abstractcmd.Engine
	desc   progbuf.Descriptor
	hart   *HartView
	logger *logging.Logger
}

// NewRegisterRouter builds a router bound to one hart's view.
func NewRegisterRouter(tr *dmi.Transport, ac *abstractcmd.Engine, desc progbuf.Descriptor, hart *HartView, logger *logging.Logger) *RegisterRouter {
	if logger == nil {
		logger = logging.Default()
	}
	return &RegisterRouter{tr: tr, ac: ac, desc: desc, hart: hart, logger: logger.WithComponent("registers")}
}

func classify(id int) (classKind, uint32, error) {
	switch {
	case id >= RegXPR0 && id <= RegXPR31:
		return classGPR, dmconst.RegnoGPR0 + uint32(id-RegXPR0), nil
	case id == RegPC:
		return classCSR, dmconst.RegnoCSR0 + dmconst.DPCCSRNumber, nil
	case id >= RegFPR0 && id <= RegFPR31:
		return classFPR, dmconst.RegnoFPR0 + uint32(id-RegFPR0), nil
	case id >= RegCSR0 && id <= RegCSR4095:
		return classCSR, dmconst.RegnoCSR0 + uint32(id-RegCSR0), nil
	default:
		return 0, 0, errors.New("register id out of range")
	}
}

func toAbstractClass(k classKind) abstractcmd.RegClass {
	if k == classFPR {
		return abstractcmd.ClassFPR
	}
	return abstractcmd.ClassCSR
}

// ReadRegister reads the GDB register id, routing through the abstract
// path first (unless latched unsupported) and falling back to the
// program buffer otherwise.
func (r *RegisterRouter) ReadRegister(id int) (uint64, error) {
	if id == RegPriv {
		return r.readPriv()
	}
	kind, regno, err := classify(id)
	if err != nil {
		return 0, NewError("read_register", 0, ErrCodePrecondition, err.Error())
	}
	return r.read(kind, regno)
}

// WriteRegister writes value into the GDB register id.
func (r *RegisterRouter) WriteRegister(id int, value uint64) error {
	if id == RegPriv {
		return r.writePriv(value)
	}
	kind, regno, err := classify(id)
	if err != nil {
		return NewError("write_register", 0, ErrCodePrecondition, err.Error())
	}
	if err := r.write(kind, regno, value); err != nil {
		return err
	}
	if id == RegPC {
		got, err := r.read(kind, regno)
		if err != nil {
			return WrapError("write_register", 0, ErrCodeProtocolViolation, err)
		}
		if got != value {
			return NewError("write_register", 0, ErrCodeProtocolViolation, "pc write-verify round trip mismatch")
		}
	}
	if kind == classCSR && regno-dmconst.RegnoCSR0 == dmconst.MStatusCSRNumber {
		r.hart.MstatusActual = value
	}
	return nil
}

func (r *RegisterRouter) read(kind classKind, regno uint32) (uint64, error) {
	if kind != classGPR {
		class := toAbstractClass(kind)
		if !r.ac.Caps.Allowed(class, abstractcmd.DirRead) {
			return r.readFallback(kind, regno)
		}
	}
	v, err := r.ac.AccessRegister(r.hart.Xlen, regno, false, 0)
	if err == nil {
		return v, nil
	}
	r.latchIfNotSupported(kind, abstractcmd.DirRead, err)
	return r.readFallback(kind, regno)
}

func (r *RegisterRouter) write(kind classKind, regno uint32, value uint64) error {
	if kind != classGPR {
		class := toAbstractClass(kind)
		if !r.ac.Caps.Allowed(class, abstractcmd.DirWrite) {
			return r.writeFallback(kind, regno, value)
		}
	}
	_, err := r.ac.AccessRegister(r.hart.Xlen, regno, true, value)
	if err == nil {
		return nil
	}
	r.latchIfNotSupported(kind, abstractcmd.DirWrite, err)
	return r.writeFallback(kind, regno, value)
}

func (r *RegisterRouter) latchIfNotSupported(kind classKind, dir abstractcmd.Direction, err error) {
	if kind == classGPR {
		return
	}
	var cmdErr *abstractcmd.CmdError
	if errors.As(err, &cmdErr) && cmdErr.Code == dmconst.CmdErrNotSupported {
		r.ac.Caps.Disable(toAbstractClass(kind), dir)
	}
}

func (r *RegisterRouter) rawReg(kind classKind, regno uint32) uint32 {
	switch kind {
	case classGPR:
		return regno - dmconst.RegnoGPR0
	case classFPR:
		return regno - dmconst.RegnoFPR0
	default:
		return regno - dmconst.RegnoCSR0
	}
}

// readFallback implements the program-buffer read template from
// spec.md §4.6: allocate a data slot S, emit sx/fsx (or csrr+sx with a
// temporary) writing to S, fence, execute, read S.
func (r *RegisterRouter) readFallback(kind classKind, regno uint32) (uint64, error) {
	prog := progbuf.Init(r.desc, r.tr, r.ac, r.logger)
	slot, err := prog.AllocX()
	if err != nil {
		return 0, WrapError("read_register", 0, ErrCodeProgramExec, err)
	}
	raw := r.rawReg(kind, regno)
	switch kind {
	case classGPR:
		err = prog.Sx(raw, slot)
	case classFPR:
		err = prog.Fsx(raw, slot)
	case classCSR:
		temp := prog.GetTemp()
		if err = prog.Csrr(temp, raw); err == nil {
			err = prog.Sx(temp, slot)
		}
	}
	if err != nil {
		return 0, WrapError("read_register", 0, ErrCodeProgramExec, err)
	}
	if err := prog.Fence(); err != nil {
		return 0, WrapError("read_register", 0, ErrCodeProgramExec, err)
	}
	if err := prog.Exec(); err != nil {
		return 0, WrapError("read_register", 0, ErrCodeProgramExec, err)
	}
	lo, err := prog.ReadRAM(slot)
	if err != nil {
		return 0, WrapError("read_register", 0, ErrCodeProgramExec, err)
	}
	if r.hart.Xlen <= 32 {
		return uint64(lo), nil
	}
	hi, err := prog.ReadRAM(slot + 1)
	if err != nil {
		return 0, WrapError("read_register", 0, ErrCodeProgramExec, err)
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// writeFallback implements the program-buffer write template: allocate
// S, store value into S, emit lx/flx/csrw reading from S, fence, execute.
func (r *RegisterRouter) writeFallback(kind classKind, regno uint32, value uint64) error {
	prog := progbuf.Init(r.desc, r.tr, r.ac, r.logger)
	slot, err := prog.AllocX()
	if err != nil {
		return WrapError("write_register", 0, ErrCodeProgramExec, err)
	}
	if err := prog.WriteRAM(slot, uint32(value)); err != nil {
		return WrapError("write_register", 0, ErrCodeProgramExec, err)
	}
	if r.hart.Xlen > 32 {
		if err := prog.WriteRAM(slot+1, uint32(value>>32)); err != nil {
			return WrapError("write_register", 0, ErrCodeProgramExec, err)
		}
	}
	raw := r.rawReg(kind, regno)
	switch kind {
	case classGPR:
		err = prog.Lx(raw, slot)
	case classFPR:
		err = prog.Flx(raw, slot)
	case classCSR:
		temp := prog.GetTemp()
		if err = prog.Lx(temp, slot); err == nil {
			err = prog.Csrw(raw, temp)
		}
	}
	if err != nil {
		return WrapError("write_register", 0, ErrCodeProgramExec, err)
	}
	if err := prog.Fence(); err != nil {
		return WrapError("write_register", 0, ErrCodeProgramExec, err)
	}
	if err := prog.Exec(); err != nil {
		return WrapError("write_register", 0, ErrCodeProgramExec, err)
	}
	return nil
}

// readPriv synthesizes PRIV from DCSR.prv via a read-modify access.
func (r *RegisterRouter) readPriv() (uint64, error) {
	dcsr, err := r.read(classCSR, dmconst.RegnoCSR0+dmconst.DCSRCSRNumber)
	if err != nil {
		return 0, err
	}
	return dcsr & dmconst.DCSRPrvMask, nil
}

// writePriv read-modify-writes DCSR.prv, preserving every other field.
func (r *RegisterRouter) writePriv(value uint64) error {
	dcsr, err := r.read(classCSR, dmconst.RegnoCSR0+dmconst.DCSRCSRNumber)
	if err != nil {
		return err
	}
	dcsr = (dcsr &^ uint64(dmconst.DCSRPrvMask)) | (value & dmconst.DCSRPrvMask)
	return r.write(classCSR, dmconst.RegnoCSR0+dmconst.DCSRCSRNumber, dcsr)
}
