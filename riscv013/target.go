package riscv013

import (
	"fmt"
	"time"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/logging"
	"github.com/santhoshEsp32/openocd/internal/progbuf"
)

// maxHarts bounds hart enumeration during Examine (§4.9). Real DMCONTROL
// hartsel fields are 20 bits wide; nothing in this backend's target
// population wires up anywhere near that many, so a small fixed cap
// keeps a misbehaving DM from looping forever.
const maxHarts = 32

// maxPollAttempts bounds the halt/resume/step wait loops at "up to 256
// probes", per spec.md §4.8.
const maxPollAttempts = 256

// maxTriggers bounds the tselect/tinfo trigger-count probe.
const maxTriggers = 32

// HartState is the observable hart lifecycle state machine from
// spec.md §4.8: UNKNOWN -> {HALTED, RUNNING, UNAVAILABLE, NONEXISTENT},
// with RESET as a transient state during assert_reset. There is no
// separate EXISTS value: Examine moves each hart it finds straight to
// HALTED or UNAVAILABLE.
type HartState int

const (
	HartUnknown HartState = iota
	HartHalted
	HartRunning
	HartUnavailable
	HartNonexistent
	HartResetting
)

func (s HartState) String() string {
	switch s {
	case HartHalted:
		return "halted"
	case HartRunning:
		return "running"
	case HartUnavailable:
		return "unavailable"
	case HartNonexistent:
		return "nonexistent"
	case HartResetting:
		return "reset"
	default:
		return "unknown"
	}
}

// HaltReason classifies why a hart is halted, derived from DCSR.cause.
type HaltReason int

const (
	ReasonUnknown HaltReason = iota
	ReasonBreakpoint
	ReasonSingleStep
	ReasonInterrupt
)

func (r HaltReason) String() string {
	switch r {
	case ReasonBreakpoint:
		return "breakpoint"
	case ReasonSingleStep:
		return "single-step"
	case ReasonInterrupt:
		return "interrupt/halt-request"
	default:
		return "unknown"
	}
}

// Hart bundles one hart's observable state, register cache view, and
// the router bound to its own program-buffer layout (the Data/ProgBuf
// addresses a probe discovered for it during Examine).
type Hart struct {
	ID       int
	State    HartState
	View     *HartView
	Router   *RegisterRouter
	Desc     progbuf.Descriptor
	Triggers int
}

// Target is the hart controller (C8) and capability probe (C9): one DM
// shared across every hart it enumerates during Examine.
type Target struct {
	tr     *dmi.Transport
	ac     *abstractcmd.Engine
	cfg    *Config
	logger *logging.Logger

	Harts   []*Hart
	current int
}

// NewTarget builds a Target bound to a DMI transport and abstract-command
// engine already wired up by the caller (the target description owns IR
// values, abits, and timeouts — see Config).
func NewTarget(tr *dmi.Transport, ac *abstractcmd.Engine, cfg *Config, logger *logging.Logger) *Target {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Target{tr: tr, ac: ac, cfg: cfg, logger: logger.WithComponent("target"), current: -1}
}

// scanDTMCS shifts a plain 32-bit DTMCS scan directly through the TAP,
// bypassing the DMI op/data/address framing entirely: DTMCS lives at the
// transport-module level, selected by its own IR, and must be trusted
// before anything behind the DMI address space can be (§6).
func scanDTMCS(tr *dmi.Transport) (uint32, error) {
	scanner := tr.ScannerHandle()
	in := make([]byte, 4)
	out := make([]byte, 4)
	scanner.QueueIRScan(tr.DTMIR())
	scanner.QueueDRScan(in, out, 32, dmi.TapIdle)
	if err := scanner.Flush(); err != nil {
		return 0, fmt.Errorf("target: dtmcs scan: %w", err)
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(out[i]) << uint(8*i)
	}
	return v, nil
}

func hartSelBits(id int) uint32 {
	lo := uint32(id) & 0x3ff
	hi := (uint32(id) >> 10) & 0x3ff
	return (lo<<dmconst.DMControlHartSelLoShift)&dmconst.DMControlHartSelLoMask |
		(hi<<dmconst.DMControlHartSelHiShift)&dmconst.DMControlHartSelHiMask
}

// selectRaw addresses hart id via DMCONTROL.hartsel without touching
// HALTREQ/RESUMEREQ — the primitive both Select and Examine's
// enumeration loop need.
func (t *Target) selectRaw(id int) error {
	dmcontrol := dmconst.DMControlDMActive | hartSelBits(id)
	if err := t.tr.DMIWrite(dmconst.DMControl, dmcontrol); err != nil {
		return WrapError("select", id, ErrCodeTransport, err)
	}
	return nil
}

// Select switches the currently addressed hart.
func (t *Target) Select(hart int) error {
	if hart < 0 || hart >= len(t.Harts) {
		return NewError("select", hart, ErrCodePrecondition, "hart index out of range")
	}
	if err := t.selectRaw(hart); err != nil {
		return err
	}
	t.current = hart
	return nil
}

func (t *Target) cur() (*Hart, error) {
	if t.current < 0 || t.current >= len(t.Harts) {
		return nil, NewError("target", t.current, ErrCodePrecondition, "no hart selected")
	}
	return t.Harts[t.current], nil
}

// haltSelected drives the HALTREQ handshake against whichever hart
// DMCONTROL.hartsel currently addresses, per §4.8: set HALTREQ, poll
// ALLHALTED up to 256 probes, clear HALTREQ. Failure is fatal.
func (t *Target) haltSelected() error {
	dmcontrol := dmconst.DMControlDMActive | dmconst.DMControlHaltReq
	if err := t.tr.DMIWrite(dmconst.DMControl, dmcontrol); err != nil {
		return WrapError("halt", 0, ErrCodeTransport, err)
	}
	halted := false
	for i := 0; i < maxPollAttempts; i++ {
		dmstatus, err := t.tr.DMIRead(dmconst.DMStatus)
		if err != nil {
			return WrapError("halt", 0, ErrCodeTransport, err)
		}
		if dmstatus&dmconst.DMStatusAllHalted != 0 {
			halted = true
			break
		}
	}
	if err := t.tr.DMIWrite(dmconst.DMControl, dmconst.DMControlDMActive); err != nil {
		return WrapError("halt", 0, ErrCodeTransport, err)
	}
	if !halted {
		return NewError("halt", 0, ErrCodeFatal, "hart did not halt within 256 probes")
	}
	return nil
}

// Halt requests the currently selected hart enter debug mode.
func (t *Target) Halt() error {
	h, err := t.cur()
	if err != nil {
		return err
	}
	if err := t.haltSelected(); err != nil {
		h.State = HartUnavailable
		return err
	}
	h.State = HartHalted
	return nil
}

// resumeOrStep implements the shared on-step-or-resume prologue (fence.i,
// DCSR step/ebreak-enable update) and the RESUMEREQ handshake §4.8
// describes for both resume and step.
func (t *Target) resumeOrStep(step bool) error {
	h, err := t.cur()
	if err != nil {
		return err
	}
	if h.State != HartHalted {
		return NewError("resume", h.ID, ErrCodePrecondition, "hart is not halted")
	}

	if err := progbuf.FlushICache(h.Desc, t.tr, t.ac, t.logger); err != nil {
		return WrapError("resume", h.ID, ErrCodeProgramExec, err)
	}

	dcsrID := RegCSR0 + int(dmconst.DCSRCSRNumber)
	dcsr, err := h.Router.ReadRegister(dcsrID)
	if err != nil {
		return WrapError("resume", h.ID, ErrCodeTransport, err)
	}
	dcsr |= uint64(dmconst.DCSREbreakM | dmconst.DCSREbreakS | dmconst.DCSREbreakU)
	if step {
		dcsr |= uint64(dmconst.DCSRStep)
	} else {
		dcsr &^= uint64(dmconst.DCSRStep)
	}
	if err := h.Router.WriteRegister(dcsrID, dcsr); err != nil {
		return WrapError("resume", h.ID, ErrCodeTransport, err)
	}

	if err := t.tr.DMIWrite(dmconst.DMControl, dmconst.DMControlDMActive|dmconst.DMControlResumeReq); err != nil {
		return WrapError("resume", h.ID, ErrCodeTransport, err)
	}

	ok := false
	for i := 0; i < maxPollAttempts; i++ {
		dmstatus, err := t.tr.DMIRead(dmconst.DMStatus)
		if err != nil {
			return WrapError("resume", h.ID, ErrCodeTransport, err)
		}
		resumed := dmstatus&dmconst.DMStatusAllResumeAck != 0
		if step {
			ok = resumed && dmstatus&dmconst.DMStatusAllHalted != 0
		} else {
			ok = resumed
		}
		if ok {
			break
		}
	}
	if err := t.tr.DMIWrite(dmconst.DMControl, dmconst.DMControlDMActive); err != nil {
		return WrapError("resume", h.ID, ErrCodeTransport, err)
	}

	if !ok {
		if step {
			if haltErr := t.haltSelected(); haltErr != nil {
				return WrapError("step", h.ID, ErrCodeFatal, haltErr)
			}
			h.State = HartHalted
			return NewError("step", h.ID, ErrCodeFatal, "hart did not complete a single step")
		}
		h.State = HartUnavailable
		return NewError("resume", h.ID, ErrCodeFatal, "hart did not resume")
	}

	if step {
		h.State = HartHalted
	} else {
		h.State = HartRunning
	}
	return nil
}

// Resume requests the currently selected hart leave debug mode.
func (t *Target) Resume() error { return t.resumeOrStep(false) }

// Step single-steps the currently selected hart by one instruction.
func (t *Target) Step() error { return t.resumeOrStep(true) }

// HaltReason derives why the selected hart is halted from DCSR.cause.
func (t *Target) HaltReason() (HaltReason, error) {
	h, err := t.cur()
	if err != nil {
		return ReasonUnknown, err
	}
	dcsrID := RegCSR0 + int(dmconst.DCSRCSRNumber)
	dcsr, err := h.Router.ReadRegister(dcsrID)
	if err != nil {
		return ReasonUnknown, WrapError("halt_reason", h.ID, ErrCodeTransport, err)
	}
	cause := (uint32(dcsr) & dmconst.DCSRCauseMask) >> dmconst.DCSRCauseShift
	switch cause {
	case dmconst.CauseEbreak, dmconst.CauseTrigger:
		return ReasonBreakpoint, nil
	case dmconst.CauseStep:
		return ReasonSingleStep, nil
	case dmconst.CauseHaltReq, dmconst.CauseResetHalt:
		return ReasonInterrupt, nil
	default:
		return ReasonUnknown, NewError("halt_reason", h.ID, ErrCodeProtocolViolation, fmt.Sprintf("unrecognized dcsr.cause %d", cause))
	}
}

// Poll re-reads DMSTATUS for the currently selected hart and updates its
// cached state — the surface "poll" operation of §6.
func (t *Target) Poll() (HartState, error) {
	h, err := t.cur()
	if err != nil {
		return HartUnknown, err
	}
	if err := t.selectRaw(h.ID); err != nil {
		return HartUnknown, err
	}
	dmstatus, err := t.tr.DMIRead(dmconst.DMStatus)
	if err != nil {
		return HartUnknown, WrapError("poll", h.ID, ErrCodeTransport, err)
	}
	switch {
	case dmstatus&dmconst.DMStatusAnyNonexistent != 0:
		h.State = HartNonexistent
	case dmstatus&dmconst.DMStatusAnyUnavail != 0:
		h.State = HartUnavailable
	case dmstatus&dmconst.DMStatusAnyHalted != 0:
		h.State = HartHalted
	case dmstatus&dmconst.DMStatusAnyRunning != 0:
		h.State = HartRunning
	}
	return h.State, nil
}

// IsHalted implements property 7's is_halted predicate for the
// currently selected hart.
func (t *Target) IsHalted() (bool, error) {
	state, err := t.Poll()
	if err != nil {
		return false, err
	}
	return state == HartHalted, nil
}

// AssertReset implements §4.8's assert_reset. In RTOS mode, every
// enabled hart gets HALTREQ per ResetHalt before NDMRESET is asserted;
// otherwise only the currently selected hart is targeted, via HARTRESET,
// falling back to NDMRESET if HARTRESET doesn't read back set (hart-level
// reset unsupported by this DM).
func (t *Target) AssertReset() error {
	if t.cfg.RTOSMode {
		for _, h := range t.Harts {
			if h.State == HartNonexistent || h.State == HartUnavailable {
				continue
			}
			if err := t.selectRaw(h.ID); err != nil {
				return err
			}
			dmcontrol := dmconst.DMControlDMActive
			if t.cfg.ResetHalt {
				dmcontrol |= dmconst.DMControlHaltReq
			}
			if err := t.tr.DMIWrite(dmconst.DMControl, dmcontrol); err != nil {
				return WrapError("assert_reset", h.ID, ErrCodeTransport, err)
			}
		}
		dmcontrol := dmconst.DMControlDMActive | dmconst.DMControlNDMReset
		if t.cfg.ResetHalt {
			dmcontrol |= dmconst.DMControlHaltReq
		}
		if err := t.tr.DMIWrite(dmconst.DMControl, dmcontrol); err != nil {
			return WrapError("assert_reset", 0, ErrCodeTransport, err)
		}
		for _, h := range t.Harts {
			h.State = HartResetting
		}
		return nil
	}

	h, err := t.cur()
	if err != nil {
		return err
	}
	dmcontrol := dmconst.DMControlDMActive | dmconst.DMControlHartReset
	if t.cfg.ResetHalt {
		dmcontrol |= dmconst.DMControlHaltReq
	}
	if err := t.tr.DMIWrite(dmconst.DMControl, dmcontrol); err != nil {
		return WrapError("assert_reset", h.ID, ErrCodeTransport, err)
	}
	readback, err := t.tr.DMIRead(dmconst.DMControl)
	if err != nil {
		return WrapError("assert_reset", h.ID, ErrCodeTransport, err)
	}
	if readback&dmconst.DMControlHartReset == 0 {
		dmcontrol = dmconst.DMControlDMActive | dmconst.DMControlNDMReset
		if t.cfg.ResetHalt {
			dmcontrol |= dmconst.DMControlHaltReq
		}
		if err := t.tr.DMIWrite(dmconst.DMControl, dmcontrol); err != nil {
			return WrapError("assert_reset", h.ID, ErrCodeTransport, err)
		}
	}
	h.State = HartResetting
	return nil
}

// DeassertReset implements §4.8's deassert_reset: clear the reset bits
// (keeping HALTREQ per ResetHalt), wait for ALLHALTED or ALLRUNNING under
// ResetTimeout, then restore the pre-reset dmi_busy_delay — the one
// documented exception to property 2's busy-delay monotonicity.
func (t *Target) DeassertReset() error {
	saved := t.tr.DmiBusyDelay

	dmcontrol := dmconst.DMControlDMActive
	if t.cfg.ResetHalt {
		dmcontrol |= dmconst.DMControlHaltReq
	}
	if err := t.tr.DMIWrite(dmconst.DMControl, dmcontrol); err != nil {
		return WrapError("deassert_reset", 0, ErrCodeTransport, err)
	}

	deadline := time.Now().Add(t.cfg.ResetTimeout)
	for {
		dmstatus, err := t.tr.DMIRead(dmconst.DMStatus)
		if err != nil {
			return WrapError("deassert_reset", 0, ErrCodeTransport, err)
		}
		settled := false
		if t.cfg.ResetHalt {
			settled = dmstatus&dmconst.DMStatusAllHalted != 0
		} else {
			settled = dmstatus&dmconst.DMStatusAllRunning != 0
		}
		if settled {
			break
		}
		if time.Now().After(deadline) {
			t.tr.RestoreBusyDelay(saved)
			return NewError("deassert_reset", 0, ErrCodeTimeout, "reset_timeout_sec elapsed waiting for allhalted/allrunning")
		}
	}

	for _, h := range t.Harts {
		if t.cfg.ResetHalt {
			h.State = HartHalted
		} else {
			h.State = HartRunning
		}
	}
	t.tr.RestoreBusyDelay(saved)
	return nil
}

// enumerateHarts selects increasing hart ids, per §4.9, until DMSTATUS
// reports ANYNONEXISTENT, returning the count of live harts found.
func (t *Target) enumerateHarts() (int, error) {
	count := 0
	for i := 0; i < maxHarts; i++ {
		if err := t.selectRaw(i); err != nil {
			return 0, err
		}
		dmstatus, err := t.tr.DMIRead(dmconst.DMStatus)
		if err != nil {
			return 0, WrapError("examine", i, ErrCodeTransport, err)
		}
		if dmstatus&dmconst.DMStatusAnyNonexistent != 0 {
			break
		}
		count++
	}
	if count == 0 {
		return 0, NewError("examine", 0, ErrCodeProtocolViolation, "no harts enumerated")
	}
	return count, nil
}

// probeProgbufAddr32 runs the DSCRATCH-swap AUIPC probe (SPEC_FULL.md's
// supplemented detail 3, grounded on riscv-013.c's examine(): csrrw
// s0,s0,dscratch0 / auipc s0,0 / sw s0,s0,-4 / csrrw s0,s0,dscratch0).
// The sw lands in the program buffer's own first word, so reading
// PROGBUF0 back after execution yields the address of the *second*
// instruction (the auipc); subtracting 4 gives the program buffer's base
// address in the target's memory map.
func (t *Target) probeProgbufAddr32(desc progbuf.Descriptor) (uint32, error) {
	prog := progbuf.Init(desc, t.tr, t.ac, t.logger)
	if err := prog.Csrrw(progbuf.RegS0, progbuf.RegS0, dmconst.DScratch0CSR); err != nil {
		return 0, err
	}
	if err := prog.Auipc(progbuf.RegS0); err != nil {
		return 0, err
	}
	if err := prog.Swr(progbuf.RegS0, progbuf.RegS0, -4); err != nil {
		return 0, err
	}
	if err := prog.Csrrw(progbuf.RegS0, progbuf.RegS0, dmconst.DScratch0CSR); err != nil {
		return 0, err
	}
	if err := prog.Fence(); err != nil {
		return 0, err
	}
	if err := prog.Exec(); err != nil {
		return 0, err
	}
	word, err := t.tr.DMIRead(dmconst.ProgBuf0)
	if err != nil {
		return 0, err
	}
	return word - 4, nil
}

// probeXlen64 runs the SD-based counterpart of probeProgbufAddr32: if the
// target can execute a 64-bit store, the probe completes and xlen is 64;
// if the store traps (an illegal-instruction exception surfaces through
// Exec as a CmdError), the target stays 32-bit and trapped is true — the
// caller must then restore s0 by hand, since the program's own closing
// csrrw never ran.
func (t *Target) probeXlen64(desc progbuf.Descriptor, progbufAddr uint32) (xlen int, trapped bool, err error) {
	offset := int32(0)
	if progbufAddr%8 == 0 {
		offset = -4
	}
	prog := progbuf.Init(desc, t.tr, t.ac, t.logger)
	if err := prog.Csrrw(progbuf.RegS0, progbuf.RegS0, dmconst.DScratch0CSR); err != nil {
		return 32, false, err
	}
	if err := prog.Auipc(progbuf.RegS0); err != nil {
		return 32, false, err
	}
	if err := prog.Sdr(progbuf.RegS0, progbuf.RegS0, offset); err != nil {
		return 32, false, err
	}
	if err := prog.Csrrw(progbuf.RegS0, progbuf.RegS0, dmconst.DScratch0CSR); err != nil {
		return 32, false, err
	}
	if err := prog.Fence(); err != nil {
		return 32, false, err
	}
	if execErr := prog.Exec(); execErr != nil {
		return 32, true, nil
	}
	return 64, false, nil
}

// probeDataAddr locates the DATA slots in the target's memory map. When
// HARTINFO reports them memory-mapped (dataaccess=1) its dataaddr field
// is authoritative; otherwise (CSR-accessible only) this backend
// approximates a contiguous layout immediately past the program buffer —
// the same assumption real DM implementations make when DATA is backed
// by memory rather than CSRs (documented simplification, see DESIGN.md).
func (t *Target) probeDataAddr(desc progbuf.Descriptor, progbufAddr uint32) (uint32, error) {
	hartinfo, err := t.tr.DMIRead(dmconst.HartInfo)
	if err != nil {
		return 0, err
	}
	if hartinfo&dmconst.HartInfoDataAccess != 0 {
		return hartinfo & dmconst.HartInfoDataAddrMask, nil
	}
	return progbufAddr + uint32(desc.ProgSize)*4, nil
}

// probeTriggerCount counts hardware triggers by writing successive
// indices into tselect and checking they read back unchanged — the
// index stops being writable (or stops reading back as written) past
// the last implemented trigger, per §4.9's "probe tselect/tinfo via C6".
func (t *Target) probeTriggerCount(router *RegisterRouter) int {
	tselectID := RegCSR0 + dmconst.TSelectCSRNumber
	count := 0
	for i := 0; i < maxTriggers; i++ {
		if err := router.WriteRegister(tselectID, uint64(i)); err != nil {
			break
		}
		got, err := router.ReadRegister(tselectID)
		if err != nil || got != uint64(i) {
			break
		}
		count++
	}
	return count
}

// Examine runs the capability probe (C9): validate the DTM and DM,
// enumerate harts, halt each one to probe it, and discover its
// program-buffer address, XLEN, and trigger count.
func (t *Target) Examine() error {
	dtmcs, err := scanDTMCS(t.tr)
	if err != nil {
		return WrapError("examine", 0, ErrCodeTransport, err)
	}
	if dtmcs == 0 {
		return NewError("examine", 0, ErrCodeDTMUnresponsive, "dtmcs read as all-zero; check jtag connectivity")
	}
	if dtmcs&dmconst.DTMCSVersionMask != dmconst.DTMCSVersion1 {
		return NewError("examine", 0, ErrCodeDTMVersion, fmt.Sprintf("unsupported dtm version %d", dtmcs&dmconst.DTMCSVersionMask))
	}

	dmstatus, err := t.tr.DMIRead(dmconst.DMStatus)
	if err != nil {
		return WrapError("examine", 0, ErrCodeTransport, err)
	}
	if dmstatus&dmconst.DMStatusVersionMask != dmconst.DMStatusVersion13 {
		return NewError("examine", 0, ErrCodeProtocolViolation, fmt.Sprintf("unsupported dm version %d", dmstatus&dmconst.DMStatusVersionMask))
	}

	if err := t.tr.DMIWrite(dmconst.DMControl, 0); err != nil {
		return WrapError("examine", 0, ErrCodeTransport, err)
	}
	if err := t.tr.DMIWrite(dmconst.DMControl, dmconst.DMControlDMActive); err != nil {
		return WrapError("examine", 0, ErrCodeTransport, err)
	}
	dmcontrol, err := t.tr.DMIRead(dmconst.DMControl)
	if err != nil {
		return WrapError("examine", 0, ErrCodeTransport, err)
	}
	if dmcontrol&dmconst.DMControlDMActive == 0 {
		return NewError("examine", 0, ErrCodeProtocolViolation, "debug module did not become active")
	}

	dmstatus, err = t.tr.DMIRead(dmconst.DMStatus)
	if err != nil {
		return WrapError("examine", 0, ErrCodeTransport, err)
	}
	if dmstatus&dmconst.DMStatusAuthenticated == 0 {
		return NewError("examine", 0, ErrCodeProtocolViolation, "authentication required but not supported")
	}
	if dmstatus&dmconst.DMStatusAnyUnavail != 0 {
		return NewError("examine", 0, ErrCodeProtocolViolation, "hart 0 is unavailable")
	}
	if dmstatus&dmconst.DMStatusAnyNonexistent != 0 {
		return NewError("examine", 0, ErrCodeProtocolViolation, "hart 0 does not exist")
	}

	abstractcs, err := t.tr.DMIRead(dmconst.AbstractCS)
	if err != nil {
		return WrapError("examine", 0, ErrCodeTransport, err)
	}
	progSize := int((abstractcs & dmconst.AbstractCSProgSizeMask) >> dmconst.AbstractCSProgSizeShift)
	dataCount := int(abstractcs & dmconst.AbstractCSDataCountMask)

	hartCount, err := t.enumerateHarts()
	if err != nil {
		return err
	}

	harts := make([]*Hart, hartCount)
	for i := 0; i < hartCount; i++ {
		if err := t.selectRaw(i); err != nil {
			return err
		}
		if err := t.haltSelected(); err != nil {
			harts[i] = &Hart{ID: i, State: HartUnavailable}
			continue
		}

		baseDesc := progbuf.Descriptor{ProgSize: progSize, DataCount: dataCount, XLEN: 32}
		view := &HartView{Xlen: 32}
		h := &Hart{ID: i, State: HartHalted, View: view, Desc: baseDesc}
		h.Router = NewRegisterRouter(t.tr, t.ac, baseDesc, view, t.logger)

		progbufAddr, err := t.probeProgbufAddr32(baseDesc)
		if err != nil {
			h.State = HartUnavailable
			harts[i] = h
			continue
		}

		s0ID := RegXPR0 + abiS0
		s0Saved, err := h.Router.ReadRegister(s0ID)
		if err != nil {
			h.State = HartUnavailable
			harts[i] = h
			continue
		}
		xlen, trapped, err := t.probeXlen64(baseDesc, progbufAddr)
		if err != nil {
			h.State = HartUnavailable
			harts[i] = h
			continue
		}
		if trapped {
			if err := h.Router.WriteRegister(s0ID, s0Saved); err != nil {
				h.State = HartUnavailable
				harts[i] = h
				continue
			}
		}
		view.Xlen = xlen

		dataAddr, err := t.probeDataAddr(baseDesc, progbufAddr)
		if err != nil {
			h.State = HartUnavailable
			harts[i] = h
			continue
		}

		desc := baseDesc
		desc.XLEN = xlen
		desc.ProgBufAddr = progbufAddr
		desc.DataAddr = dataAddr
		h.Desc = desc
		h.Router = NewRegisterRouter(t.tr, t.ac, desc, view, t.logger)
		h.Triggers = t.probeTriggerCount(h.Router)

		harts[i] = h
	}

	t.Harts = harts
	if hartCount > 0 {
		if err := t.Select(0); err != nil {
			return err
		}
	}
	return nil
}
