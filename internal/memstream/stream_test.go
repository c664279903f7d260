package memstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/progbuf"
)

// rAddrSlot/rDataSlot mirror buildProgram's allocation order (AllocX then
// AllocW): on a 32-bit target these land at data slots 0 and 1.
const (
	rAddrSlot = 0
	rDataSlot = 1
)

// streamScanner is an in-memory DM behind dmi.Scanner that, in addition to
// the plain DMI-address-space model every lower-layer fake already uses,
// simulates AUTOEXEC: a DMI access (read or write) to the R_DATA slot
// while the AbstractAuto bit is set re-runs one step of a loop program
// against a simulated flat memory, exactly as real AUTOEXEC hardware does.
// It does not interpret the actual program-buffer instructions — the
// program's *effect* (move one sized element between R_DATA and
// [R_ADDR], then advance R_ADDR by size) is applied directly, since
// instr.go/program.go's instruction encoding already has its own tests.
type streamScanner struct {
	codec *dmi.Codec

	mem       map[uint32]uint32
	targetMem map[uint32]uint32

	mode       string // "read" or "write"
	elemSize   uint32
	rAddrState uint32

	autoexecActive bool
	injectBusyOnce bool

	prevData uint32

	queue []scanEntry
}

type scanEntry struct {
	in  []byte
	out []byte
}

func newStreamScanner(codec *dmi.Codec) *streamScanner {
	return &streamScanner{
		codec:     codec,
		mem:       make(map[uint32]uint32),
		targetMem: make(map[uint32]uint32),
	}
}

func (s *streamScanner) SetRead(startAddr uint32, elemSize uint32) {
	s.mode = "read"
	s.elemSize = elemSize
	s.rAddrState = startAddr
}

func (s *streamScanner) SetWrite(elemSize uint32) {
	s.mode = "write"
	s.elemSize = elemSize
}

func (s *streamScanner) rAddrDMIAddr() uint32 { return dmconst.Data0 + rAddrSlot }
func (s *streamScanner) rDataDMIAddr() uint32 { return dmconst.Data0 + rDataSlot }

func (s *streamScanner) QueueIRScan(ir uint32) {}

func (s *streamScanner) QueueDRScan(in []byte, out []byte, numBits int, tapState dmi.TapState) {
	cp := make([]byte, len(in))
	copy(cp, in)
	s.queue = append(s.queue, scanEntry{in: cp, out: out})
}

func (s *streamScanner) QueueRunTest(cycles int) {}

func (s *streamScanner) Flush() error {
	pending := s.queue
	s.queue = nil
	for _, entry := range pending {
		dec, err := s.codec.Decode(entry.in)
		if err != nil {
			return err
		}
		s.apply(dec)

		respData := s.prevData
		if dec.Op == dmconst.OpRead {
			s.prevData = s.mem[dec.Address]
		}

		buf := make([]byte, len(entry.out))
		setStreamBits(buf, 0, 2, uint64(dmconst.StatusSuccess))
		setStreamBits(buf, 2, 32, uint64(respData))
		copy(entry.out, buf)
	}
	return nil
}

// apply performs the side effects of one decoded scan: plain register
// writes (a write to the R_ADDR slot also sets the loop's address
// cursor), the AbstractAuto latch, ABSTRACTCS.cmderr W1C, and — whenever
// this access targets R_DATA while autoexec is active, or is the initial
// postexec COMMAND trigger — one step of the simulated loop program.
func (s *streamScanner) apply(dec dmi.Decoded) {
	switch dec.Address {
	case dmconst.Command:
		// The one-off setup trigger (program-buffer Exec's postexec
		// Access Register) always runs: busy injection only exercises
		// the AUTOEXEC-driven batch path below, not program setup.
		if dec.Op == dmconst.OpWrite && dec.Data&dmconst.AccessRegPostExec != 0 {
			s.executeStep()
		}
		return
	case dmconst.AbstractCS:
		if dec.Op == dmconst.OpWrite {
			cur := s.mem[dec.Address]
			s.mem[dec.Address] = cur &^ uint32(dmconst.AbstractCSCmdErrMask)
			s.injectBusyOnce = false
		}
		return
	case dmconst.AbstractAuto:
		if dec.Op == dmconst.OpWrite {
			s.autoexecActive = dec.Data != 0
		}
		return
	}

	if dec.Op == dmconst.OpWrite {
		s.mem[dec.Address] = dec.Data
		if dec.Address == s.rAddrDMIAddr() {
			s.rAddrState = dec.Data
		}
	}

	if dec.Address == s.rDataDMIAddr() && s.autoexecActive {
		if s.injectBusyOnce {
			s.mem[dmconst.AbstractCS] = dmconst.CmdErrBusy << dmconst.AbstractCSCmdErrShift
			return
		}
		s.executeStep()
	}
}

// executeStep runs one iteration of the simulated loop program: move one
// sized element between R_DATA and [R_ADDR], then advance R_ADDR.
func (s *streamScanner) executeStep() {
	switch s.mode {
	case "read":
		s.mem[s.rDataDMIAddr()] = s.targetMem[s.rAddrState]
	case "write":
		s.targetMem[s.rAddrState] = s.mem[s.rDataDMIAddr()]
	}
	s.rAddrState += s.elemSize
	s.mem[s.rAddrDMIAddr()] = s.rAddrState
}

func setStreamBits(buf []byte, offset, numBits int, value uint64) {
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

// fakeRegisterAccess implements RegisterAccess with a plain map, tracking
// call counts so tests can confirm save/restore actually happened.
type fakeRegisterAccess struct {
	regs   map[int]uint64
	reads  int
	writes int
}

func newFakeRegisterAccess() *fakeRegisterAccess {
	return &fakeRegisterAccess{regs: map[int]uint64{gdbS0: 0x1111, gdbS1: 0x2222}}
}

func (f *fakeRegisterAccess) ReadRegister(id int) (uint64, error) {
	f.reads++
	return f.regs[id], nil
}

func (f *fakeRegisterAccess) WriteRegister(id int, value uint64) error {
	f.writes++
	f.regs[id] = value
	return nil
}

func newStreamTestRig(t *testing.T, batchSize int) (*Stream, *streamScanner, *fakeRegisterAccess) {
	t.Helper()
	codec, err := dmi.NewCodec(7)
	require.NoError(t, err)
	scanner := newStreamScanner(codec)
	tr := dmi.NewTransport(scanner, codec, 0x11, 0x10, nil)
	ac := abstractcmd.New(tr, 2*time.Second, nil)
	desc := progbuf.Descriptor{ProgSize: 8, DataCount: 4, DataAddr: 0x800, ProgBufAddr: 0x900, XLEN: 32}
	regs := newFakeRegisterAccess()
	s := New(tr, ac, desc, regs, batchSize, nil)
	return s, scanner, regs
}

func TestStreamReadWordsSingleBatchRoundTrip(t *testing.T) {
	s, scanner, _ := newStreamTestRig(t, 32)
	base := uint32(0x1000)
	for i := 0; i < 5; i++ {
		scanner.targetMem[base+uint32(i)*4] = uint32(0x100 + i)
	}
	scanner.SetRead(base, 4)

	results, err := s.ReadWords(base, 5, 4)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 0; i < 5; i++ {
		require.Equal(t, uint64(0x100+i), results[i], "element %d", i)
	}
}

func TestStreamReadWordsMultipleBatches(t *testing.T) {
	s, scanner, _ := newStreamTestRig(t, 2)
	base := uint32(0x2000)
	for i := 0; i < 5; i++ {
		scanner.targetMem[base+uint32(i)*4] = uint32(0xa00 + i)
	}
	scanner.SetRead(base, 4)

	results, err := s.ReadWords(base, 5, 4)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 0; i < 5; i++ {
		require.Equal(t, uint64(0xa00+i), results[i], "element %d", i)
	}
}

func TestStreamReadWordsSingleElementSkipsAutoexec(t *testing.T) {
	s, scanner, _ := newStreamTestRig(t, 32)
	base := uint32(0x3000)
	scanner.targetMem[base] = 0x77
	scanner.SetRead(base, 4)

	results, err := s.ReadWords(base, 1, 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x77}, results)
	require.False(t, scanner.autoexecActive, "autoexec must be left disabled when only one element is requested")
}

func TestStreamWriteWordsRoundTrip(t *testing.T) {
	s, scanner, _ := newStreamTestRig(t, 32)
	base := uint32(0x4000)
	scanner.SetWrite(4)
	values := []uint64{0xaa, 0xbb, 0xcc, 0xdd}

	err := s.WriteWords(base, 4, values)
	require.NoError(t, err)
	for i, v := range values {
		require.Equal(t, uint32(v), scanner.targetMem[base+uint32(i)*4], "element %d", i)
	}
	require.False(t, scanner.autoexecActive)
}

func TestStreamReadWordsSavesAndRestoresScratchRegisters(t *testing.T) {
	s, scanner, regs := newStreamTestRig(t, 32)
	base := uint32(0x5000)
	scanner.targetMem[base] = 1
	scanner.targetMem[base+4] = 2
	scanner.SetRead(base, 4)

	_, err := s.ReadWords(base, 2, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1111), regs.regs[gdbS0])
	require.Equal(t, uint64(0x2222), regs.regs[gdbS1])
	require.GreaterOrEqual(t, regs.reads, 2)
	require.GreaterOrEqual(t, regs.writes, 2)
}

func TestStreamReadWordsBusyRetryDoesNotDoubleCommit(t *testing.T) {
	s, scanner, _ := newStreamTestRig(t, 2)
	base := uint32(0x6000)
	for i := 0; i < 5; i++ {
		scanner.targetMem[base+uint32(i)*4] = uint32(0xb00 + i)
	}
	scanner.SetRead(base, 4)
	scanner.injectBusyOnce = true

	results, err := s.ReadWords(base, 5, 4)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 0; i < 5; i++ {
		require.Equal(t, uint64(0xb00+i), results[i], "element %d", i)
	}
}

func TestStreamReadWordsRejectsInvalidSize(t *testing.T) {
	s, _, _ := newStreamTestRig(t, 32)
	_, err := s.ReadWords(0x7000, 3, 3)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestStreamWriteWordsRejectsInvalidSize(t *testing.T) {
	s, _, _ := newStreamTestRig(t, 32)
	err := s.WriteWords(0x7000, 3, []uint64{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidSize)
}
