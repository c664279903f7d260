package riscv013

import (
	"testing"
	"time"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/stretchr/testify/require"
)

func newTargetTestRig(t *testing.T, hartCount int) (*Target, *FakeDM) {
	t.Helper()
	dm := NewFakeDM(hartCount)
	irDMI, irDTM := dm.IRs()
	tr := dmi.NewTransport(dm, dm.Codec(), irDMI, irDTM, nil)
	ac := abstractcmd.New(tr, 2*time.Second, nil)
	cfg := DefaultConfig()
	target := NewTarget(tr, ac, cfg, nil)
	return target, dm
}

// S6: Examine on a 2-hart target enumerates both, agrees on xlen, and
// reports a non-zero program-buffer address.
func TestTargetExamineTwoHarts(t *testing.T) {
	target, dm := newTargetTestRig(t, 2)

	require.NoError(t, target.Examine())
	require.Len(t, target.Harts, 2)
	for _, h := range target.Harts {
		require.Equal(t, HartHalted, h.State)
		require.Equal(t, 64, h.View.Xlen)
		require.NotZero(t, h.Desc.ProgBufAddr)
		require.Equal(t, dm.ProgbufAddr, h.Desc.ProgBufAddr)
	}
}

func TestTargetExamineProbesXlen32WhenNoSixtyFourBitSupport(t *testing.T) {
	target, dm := newTargetTestRig(t, 1)
	dm.Supports64 = false

	require.NoError(t, target.Examine())
	require.Len(t, target.Harts, 1)
	require.Equal(t, 32, target.Harts[0].View.Xlen)
	require.Equal(t, HartHalted, target.Harts[0].State)
}

func TestTargetExamineCountsTriggers(t *testing.T) {
	target, dm := newTargetTestRig(t, 1)
	dm.TriggerCount = 3

	require.NoError(t, target.Examine())
	require.Equal(t, 3, target.Harts[0].Triggers)
}

func TestTargetExamineRejectsUnresponsiveDTM(t *testing.T) {
	target, dm := newTargetTestRig(t, 1)
	zero := uint32(0)
	dm.DTMCSOverride = &zero

	err := target.Examine()
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeDTMUnresponsive))
}

func TestTargetExamineRejectsDTMVersionMismatch(t *testing.T) {
	target, dm := newTargetTestRig(t, 1)
	bad := uint32(2) // version field != 1
	dm.DTMCSOverride = &bad

	err := target.Examine()
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeDTMVersion))
}

func TestTargetHaltAndResume(t *testing.T) {
	target, _ := newTargetTestRig(t, 1)
	require.NoError(t, target.Examine())

	require.NoError(t, target.Halt())
	halted, err := target.IsHalted()
	require.NoError(t, err)
	require.True(t, halted)

	require.NoError(t, target.Resume())
	halted, err = target.IsHalted()
	require.NoError(t, err)
	require.False(t, halted)
}

// S5: halt, step, halt_reason reports SINGLESTEP.
func TestTargetStepReturnsSingleStepReason(t *testing.T) {
	target, _ := newTargetTestRig(t, 1)
	require.NoError(t, target.Examine())
	require.NoError(t, target.Halt())

	require.NoError(t, target.Step())
	reason, err := target.HaltReason()
	require.NoError(t, err)
	require.Equal(t, ReasonSingleStep, reason)

	halted, err := target.IsHalted()
	require.NoError(t, err)
	require.True(t, halted)
}

func TestTargetResumeRequiresHaltedHart(t *testing.T) {
	target, _ := newTargetTestRig(t, 1)
	require.NoError(t, target.Examine())
	// Examine leaves every probed hart halted; resume once so the hart is
	// running before checking that a second resume is refused.
	require.NoError(t, target.Resume())

	err := target.Resume()
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodePrecondition))
}

func TestTargetAssertResetFallsBackToNDMReset(t *testing.T) {
	target, dm := newTargetTestRig(t, 1)
	require.NoError(t, target.Examine())
	dm.SupportsHartReset = false

	require.NoError(t, target.AssertReset())
	require.Equal(t, HartResetting, target.Harts[0].State)

	require.NoError(t, target.DeassertReset())
	require.Equal(t, HartRunning, target.Harts[0].State)
}

func TestTargetAssertResetRTOSModeHaltsAllHarts(t *testing.T) {
	target, _ := newTargetTestRig(t, 2)
	require.NoError(t, target.Examine())
	target.cfg.RTOSMode = true
	target.cfg.ResetHalt = true

	require.NoError(t, target.AssertReset())
	for _, h := range target.Harts {
		require.Equal(t, HartResetting, h.State)
	}

	require.NoError(t, target.DeassertReset())
	for _, h := range target.Harts {
		require.Equal(t, HartHalted, h.State)
	}
}

func TestTargetDeassertResetRestoresBusyDelay(t *testing.T) {
	target, _ := newTargetTestRig(t, 1)
	require.NoError(t, target.Examine())

	require.NoError(t, target.AssertReset())
	target.tr.DmiBusyDelay = 42
	require.NoError(t, target.DeassertReset())
	require.Equal(t, uint32(42), target.tr.DmiBusyDelay)
}

func TestTargetSelectRejectsOutOfRangeHart(t *testing.T) {
	target, _ := newTargetTestRig(t, 1)
	require.NoError(t, target.Examine())
	require.Error(t, target.Select(1))
}

func TestTargetPollTracksHaltedState(t *testing.T) {
	target, _ := newTargetTestRig(t, 1)
	require.NoError(t, target.Examine())
	require.NoError(t, target.Halt())

	state, err := target.Poll()
	require.NoError(t, err)
	require.Equal(t, HartHalted, state)
}
