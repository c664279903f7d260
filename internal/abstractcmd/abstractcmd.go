// Package abstractcmd implements the abstract-command engine (C4): issue
// an Access Register command, poll ABSTRACTCS.busy under a timeout, clear
// CMDERR with a write-back-exact-value (W1C), and shuttle XLEN-sized
// arguments through the DATA0.. slots. It also owns the Capability-Flags
// entity that the register router (C6) consults to decide whether an FPR
// or CSR access should even attempt the abstract path.
package abstractcmd

import (
	"fmt"
	"time"

	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/logging"
)

// CmdError reports a non-zero ABSTRACTCS.cmderr observed after a command
// completed (or timed out).
type CmdError struct {
	Code uint32
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("abstractcmd: cmderr=%d (%s)", e.Code, cmdErrName(e.Code))
}

func cmdErrName(code uint32) string {
	switch code {
	case dmconst.CmdErrNone:
		return "none"
	case dmconst.CmdErrBusy:
		return "busy"
	case dmconst.CmdErrNotSupported:
		return "not supported"
	case dmconst.CmdErrException:
		return "exception"
	case dmconst.CmdErrHaltResume:
		return "halt/resume"
	case dmconst.CmdErrBusError:
		return "bus error"
	case dmconst.CmdErrOther:
		return "other"
	default:
		return "unknown"
	}
}

// ErrTimeout is wrapped into the error returned by Execute when
// ABSTRACTCS.busy never clears within the configured timeout.
var ErrTimeout = fmt.Errorf("abstractcmd: command_timeout_sec elapsed while busy")

// RegClass distinguishes the register families the Capability-Flags
// entity tracks independently.
type RegClass int

const (
	ClassFPR RegClass = iota
	ClassCSR
)

// Direction distinguishes read from write capability, since a target can
// support reading a class via abstract commands while rejecting writes
// (or vice versa) — the router must not conflate the two.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Capabilities latches, per session, whether the abstract path remains
// viable for FPR/CSR access in each direction. A NOT_SUPPORTED cmderr
// clears the relevant flag permanently for the session (§4.4); flags
// never re-enable once cleared.
type Capabilities struct {
	fprRead, fprWrite bool
	csrRead, csrWrite bool
}

// NewCapabilities returns a Capabilities with every class optimistically
// enabled, as at session start nothing has yet reported NOT_SUPPORTED.
func NewCapabilities() *Capabilities {
	return &Capabilities{fprRead: true, fprWrite: true, csrRead: true, csrWrite: true}
}

// Allowed reports whether the abstract path should still be attempted
// for the given class/direction. GPRs are never gated: abstract access
// to GPRs is mandatory per the RISC-V debug spec, so callers for GPRs
// should not consult this at all.
func (c *Capabilities) Allowed(class RegClass, dir Direction) bool {
	switch {
	case class == ClassFPR && dir == DirRead:
		return c.fprRead
	case class == ClassFPR && dir == DirWrite:
		return c.fprWrite
	case class == ClassCSR && dir == DirRead:
		return c.csrRead
	case class == ClassCSR && dir == DirWrite:
		return c.csrWrite
	default:
		return false
	}
}

// Disable latches a class/direction as unsupported for the rest of the
// session. Read and write are tracked independently — a target that
// rejects abstract FPR writes but accepts abstract FPR reads keeps
// using the abstract path for reads.
func (c *Capabilities) Disable(class RegClass, dir Direction) {
	switch {
	case class == ClassFPR && dir == DirRead:
		c.fprRead = false
	case class == ClassFPR && dir == DirWrite:
		c.fprWrite = false
	case class == ClassCSR && dir == DirRead:
		c.csrRead = false
	case class == ClassCSR && dir == DirWrite:
		c.csrWrite = false
	}
}

// Engine drives the abstract-command protocol over a DMI transport.
type Engine struct {
	tr      *dmi.Transport
	timeout time.Duration
	logger  *logging.Logger

	Caps *Capabilities
}

// New builds an Engine. timeout is the command_timeout_sec budget for
// ABSTRACTCS.busy to clear.
func New(tr *dmi.Transport, timeout time.Duration, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		tr:      tr,
		timeout: timeout,
		logger:  logger.WithComponent("abstractcmd"),
		Caps:    NewCapabilities(),
	}
}

// slotsPerArg reports how many consecutive DATA slots one XLEN-wide
// argument occupies: one for 32-bit, two (low, high) for 64-bit.
func slotsPerArg(xlen int) uint32 {
	if xlen > 32 {
		return 2
	}
	return 1
}

// EncodeAccessRegister builds the 32-bit COMMAND value for an Access
// Register operation (cmdtype 0), per §4.4/§4.5's field layout.
func EncodeAccessRegister(xlen int, regno uint32, write, transfer, postexec bool) uint32 {
	size := uint32(dmconst.AccessRegSize32)
	if xlen > 32 {
		size = dmconst.AccessRegSize64
	}
	cmd := size << dmconst.AccessRegSizeShift
	if transfer {
		cmd |= dmconst.AccessRegTransfer
	}
	if write {
		cmd |= dmconst.AccessRegWrite
	}
	if postexec {
		cmd |= dmconst.AccessRegPostExec
	}
	cmd |= regno & dmconst.AccessRegRegnoMask
	return cmd
}

// Execute writes cmd to COMMAND, polls ABSTRACTCS.busy until clear or
// the timeout elapses, and resolves any non-zero cmderr by clearing it
// (W1C) and returning a *CmdError.
func (e *Engine) Execute(cmd uint32) error {
	if err := e.tr.DMIWrite(dmconst.Command, cmd); err != nil {
		return fmt.Errorf("abstractcmd: write command: %w", err)
	}

	deadline := time.Now().Add(e.timeout)
	var cs uint32
	for {
		v, err := e.tr.DMIRead(dmconst.AbstractCS)
		if err != nil {
			return fmt.Errorf("abstractcmd: poll abstractcs: %w", err)
		}
		cs = v
		if cs&dmconst.AbstractCSBusy == 0 {
			break
		}
		if time.Now().After(deadline) {
			cmderr := (cs & dmconst.AbstractCSCmdErrMask) >> dmconst.AbstractCSCmdErrShift
			e.logger.Error("abstract command timed out while busy", "cmderr", cmderr)
			return fmt.Errorf("%w (cmderr=%d)", ErrTimeout, cmderr)
		}
	}

	cmderr := (cs & dmconst.AbstractCSCmdErrMask) >> dmconst.AbstractCSCmdErrShift
	if cmderr == dmconst.CmdErrNone {
		return nil
	}
	if err := e.ClearError(); err != nil {
		return fmt.Errorf("abstractcmd: clearing cmderr=%d: %w", cmderr, err)
	}
	return &CmdError{Code: cmderr}
}

// ClearError writes ABSTRACTCS back to itself, clearing cmderr per the
// register's W1C-on-the-exact-value semantics.
func (e *Engine) ClearError() error {
	cs, err := e.tr.DMIRead(dmconst.AbstractCS)
	if err != nil {
		return err
	}
	return e.tr.DMIWrite(dmconst.AbstractCS, cs)
}

// ReadArg reads the i-th XLEN-wide argument from the DATA0.. slots,
// little-endian across two slots when xlen is 64.
func (e *Engine) ReadArg(i int, xlen int) (uint64, error) {
	base := dmconst.Data0 + uint32(i)*slotsPerArg(xlen)
	lo, err := e.tr.DMIRead(base)
	if err != nil {
		return 0, err
	}
	if xlen <= 32 {
		return uint64(lo), nil
	}
	hi, err := e.tr.DMIRead(base + 1)
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// WriteArg writes the i-th XLEN-wide argument into the DATA0.. slots.
func (e *Engine) WriteArg(i int, value uint64, xlen int) error {
	base := dmconst.Data0 + uint32(i)*slotsPerArg(xlen)
	if err := e.tr.DMIWrite(base, uint32(value)); err != nil {
		return err
	}
	if xlen <= 32 {
		return nil
	}
	return e.tr.DMIWrite(base+1, uint32(value>>32))
}

// AccessRegister performs one Access Register transfer for regno: read
// into a returned value when write is false, or writes value when true.
// It does not itself consult Capabilities — the register router decides
// whether to call this at all based on Caps.Allowed.
func (e *Engine) AccessRegister(xlen int, regno uint32, write bool, value uint64) (uint64, error) {
	if write {
		if err := e.WriteArg(0, value, xlen); err != nil {
			return 0, err
		}
	}
	cmd := EncodeAccessRegister(xlen, regno, write, true, false)
	if err := e.Execute(cmd); err != nil {
		return 0, err
	}
	if write {
		return 0, nil
	}
	return e.ReadArg(0, xlen)
}
