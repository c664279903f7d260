package jtag

import (
	"testing"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
	"github.com/stretchr/testify/require"

	"github.com/santhoshEsp32/openocd/internal/dmi"
)

// recordingPin is a gpiotest.Pin that additionally remembers every level
// it was driven to, in order, so a test can assert on the exact TMS/TDI
// sequence a scan clocked out.
type recordingPin struct {
	gpiotest.Pin
	history []gpio.Level
}

func (p *recordingPin) Out(l gpio.Level) error {
	p.history = append(p.history, l)
	return p.Pin.Out(l)
}

// sequencePin is a fake TDO line that returns a pre-programmed sequence of
// levels, one per Read call, holding the last level once exhausted (the
// way a real pin holds its last driven value).
type sequencePin struct {
	gpiotest.Pin
	seq []gpio.Level
	pos int
}

func (p *sequencePin) Read() gpio.Level {
	if p.pos >= len(p.seq) {
		if len(p.seq) == 0 {
			return gpio.Low
		}
		return p.seq[len(p.seq)-1]
	}
	l := p.seq[p.pos]
	p.pos++
	return l
}

func newRig(t *testing.T, irWidth int, tdo []gpio.Level) (*Bitbang, *recordingPin, *recordingPin, *recordingPin) {
	t.Helper()
	tck := &recordingPin{Pin: gpiotest.Pin{N: "TCK"}}
	tdi := &recordingPin{Pin: gpiotest.Pin{N: "TDI"}}
	tms := &recordingPin{Pin: gpiotest.Pin{N: "TMS"}}
	tdoPin := &sequencePin{Pin: gpiotest.Pin{N: "TDO"}, seq: tdo}

	b, err := NewBitbang(BitbangConfig{TCK: tck, TDI: tdi, TMS: tms, TDO: tdoPin, IRWidth: irWidth})
	require.NoError(t, err)
	return b, tck, tdi, tms
}

func levelsFromBits(n int, bits ...bool) []gpio.Level {
	out := make([]gpio.Level, n)
	for i, b := range bits {
		out[i] = gpio.Level(b)
	}
	return out
}

func TestBitbangRejectsMissingPins(t *testing.T) {
	_, err := NewBitbang(BitbangConfig{IRWidth: 5})
	require.Error(t, err)
}

func TestBitbangRejectsZeroIRWidth(t *testing.T) {
	tck := &recordingPin{Pin: gpiotest.Pin{N: "TCK"}}
	_, err := NewBitbang(BitbangConfig{TCK: tck, TDI: tck, TMS: tck, TDO: &sequencePin{}})
	require.Error(t, err)
}

// An IR scan of width 5 navigates Idle->Shift-IR with TMS 1,1,0,0, clocks
// 5 bits of ir with the last bit riding TMS=1 (Exit1-IR), then exits
// Update-IR/Run-Test-Idle with TMS 1,0 -- 11 TMS clocks total.
func TestBitbangIRScanTMSSequence(t *testing.T) {
	b, _, tdi, tms := newRig(t, 5, nil)
	b.QueueIRScan(0x11) // 10001
	require.NoError(t, b.Flush())

	wantTMS := []gpio.Level{true, true, false, false, false, false, false, false, true, true, false}
	require.Equal(t, wantTMS, tms.history)

	wantTDI := []gpio.Level{false, false, false, false, true, false, false, false, true, false, false}
	require.Equal(t, wantTDI, tdi.history)
}

// A DR scan clocks 3 TMS-only cycles (Select-DR, Capture-DR, Shift-DR)
// before the first data bit, so the TDO fake must supply 3 filler samples
// ahead of the 4 bits this test actually checks. Capture lands in out in
// the order TDO produced them (LSB of out is the first bit sampled).
func TestBitbangDRScanCapturesTDOInOrder(t *testing.T) {
	filler := []bool{false, false, false}
	data := []bool{true, false, true, true}
	tdoBits := append(append([]bool{}, filler...), data...)
	b, _, _, _ := newRig(t, 5, levelsFromBits(len(tdoBits), tdoBits...))

	in := []byte{0x0f}
	out := make([]byte, 1)
	b.QueueDRScan(in, out, 4, dmi.TapIdle)
	require.NoError(t, b.Flush())

	require.Equal(t, byte(0x0d), out[0]) // 1,0,1,1 LSB-first -> bits 0,2,3 set
}

func TestBitbangRunTestIdleHoldsTMSLow(t *testing.T) {
	b, _, _, tms := newRig(t, 5, nil)
	b.QueueRunTest(8)
	require.NoError(t, b.Flush())

	require.Len(t, tms.history, 8)
	for _, l := range tms.history {
		require.Equal(t, gpio.Low, l)
	}
}

func TestBitbangFlushClearsQueue(t *testing.T) {
	b, _, _, _ := newRig(t, 5, nil)
	b.QueueRunTest(2)
	require.NoError(t, b.Flush())
	require.Empty(t, b.queue)
}
