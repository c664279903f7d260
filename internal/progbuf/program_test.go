package progbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
)

// regFileScanner is a minimal in-memory DM register file, mirroring the
// one abstractcmd tests against itself: enough to drive a dmi.Transport
// without real JTAG hardware, with read data pipelined one scan behind
// the request that produced it.
type regFileScanner struct {
	regs     map[uint32]uint32
	prevData uint32
	lastIn   []byte
	pending  []byte
	codec    *dmi.Codec
}

func newRegFileScanner(codec *dmi.Codec) *regFileScanner {
	return &regFileScanner{regs: make(map[uint32]uint32), codec: codec}
}

func (s *regFileScanner) QueueIRScan(ir uint32) {}

func (s *regFileScanner) QueueDRScan(in []byte, out []byte, numBits int, tapState dmi.TapState) {
	s.lastIn = in
	s.pending = out
}

func (s *regFileScanner) QueueRunTest(cycles int) {}

func (s *regFileScanner) Flush() error {
	if s.pending == nil {
		return nil
	}
	dec, err := s.codec.Decode(s.lastIn)
	if err != nil {
		return err
	}

	switch dec.Op {
	case dmconst.OpWrite:
		if dec.Address == dmconst.AbstractCS {
			cur := s.regs[dec.Address]
			s.regs[dec.Address] = cur &^ uint32(dmconst.AbstractCSCmdErrMask)
		} else {
			s.regs[dec.Address] = dec.Data
		}
	case dmconst.OpRead:
		// data arrives on the following scan.
	}

	respData := s.prevData
	if dec.Op == dmconst.OpRead {
		s.prevData = s.regs[dec.Address]
	}

	buf := make([]byte, len(s.pending))
	setBits(buf, 0, 2, uint64(dmconst.StatusSuccess))
	setBits(buf, 2, 32, uint64(respData))
	copy(s.pending, buf)
	s.pending = nil
	return nil
}

func setBits(buf []byte, offset, numBits int, value uint64) {
	for i := 0; i < numBits; i++ {
		bit := (value >> uint(i)) & 1
		pos := offset + i
		byteIdx := pos / 8
		bitIdx := uint(pos % 8)
		if bit != 0 {
			buf[byteIdx] |= 1 << bitIdx
		} else {
			buf[byteIdx] &^= 1 << bitIdx
		}
	}
}

func newTestRig(t *testing.T, xlen int) (*dmi.Transport, *abstractcmd.Engine, Descriptor, *regFileScanner) {
	t.Helper()
	codec, err := dmi.NewCodec(7)
	require.NoError(t, err)
	scanner := newRegFileScanner(codec)
	tr := dmi.NewTransport(scanner, codec, 0x11, 0x10, nil)
	tr.DmiBusyDelay = 1
	ac := abstractcmd.New(tr, 2*time.Second, nil)
	desc := Descriptor{
		ProgSize:    8,
		DataCount:   4,
		DataAddr:    0x100,
		ProgBufAddr: 0x200,
		XLEN:        xlen,
	}
	return tr, ac, desc, scanner
}

func TestProgramAllocAndExecRoundTrip(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 32)
	prog := Init(desc, tr, ac, nil)

	slot, err := prog.AllocW()
	require.NoError(t, err)
	require.NoError(t, prog.WriteRAM(slot, 0xcafef00d))

	require.NoError(t, prog.Lw(RegS0, slot))
	require.NoError(t, prog.FenceI())

	require.NoError(t, prog.Exec())

	val, err := prog.ReadRAM(slot)
	require.NoError(t, err)
	require.Equal(t, uint32(0xcafef00d), val)
}

func TestProgramAllocXRespects64BitWidth(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 64)
	prog := Init(desc, tr, ac, nil)

	before := len(prog.ram)
	_, err := prog.AllocX()
	require.NoError(t, err)
	require.Equal(t, before+2, len(prog.ram))
}

func TestProgramAllocXOneWordOn32Bit(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 32)
	prog := Init(desc, tr, ac, nil)

	before := len(prog.ram)
	_, err := prog.AllocX()
	require.NoError(t, err)
	require.Equal(t, before+1, len(prog.ram))
}

func TestProgramOutOfDataSlotsErrors(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 32)
	desc.DataCount = 1
	prog := Init(desc, tr, ac, nil)

	_, err := prog.AllocW()
	require.NoError(t, err)
	_, err = prog.AllocW()
	require.Error(t, err)
}

func TestProgramInstructionBufferOverflowErrors(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 32)
	desc.ProgSize = 1
	prog := Init(desc, tr, ac, nil)

	require.NoError(t, prog.FenceI())
	err := prog.Insert(fenceInsn())
	require.Error(t, err)
}

func TestReadRAMBeforeExecFails(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 32)
	prog := Init(desc, tr, ac, nil)

	slot, err := prog.AllocW()
	require.NoError(t, err)
	_, err = prog.ReadRAM(slot)
	require.Error(t, err)
}

func TestGetTempAvoidsCallerRegisters(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 32)
	prog := Init(desc, tr, ac, nil)

	temp := prog.GetTemp(RegS0)
	require.Equal(t, uint32(RegS1), temp)
}

func TestExecFailurePropagatesCmdError(t *testing.T) {
	tr, ac, desc, scanner := newTestRig(t, 32)
	prog := Init(desc, tr, ac, nil)
	require.NoError(t, prog.FenceI())

	scanner.regs[dmconst.AbstractCS] = dmconst.CmdErrHaltResume << dmconst.AbstractCSCmdErrShift

	err := prog.Exec()
	require.Error(t, err)
}

func TestGahReportsWhetherAuipcWasNeeded(t *testing.T) {
	tr, ac, desc, _ := newTestRig(t, 32)
	prog := Init(desc, tr, ac, nil)

	_, used := prog.Gah(RegS0, desc.ProgBufAddr+4)
	require.False(t, used)

	_, used = prog.Gah(RegS0, desc.ProgBufAddr+0x10000)
	require.True(t, used)
}
