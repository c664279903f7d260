package jtag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/santhoshEsp32/openocd/internal/dmi"
)

// fakeConn is a conn.Conn that records every command buffer it was asked
// to transact and replies with a pre-programmed response, one byte per
// captured bit the test expects the flush to request.
type fakeConn struct {
	writes [][]byte
	resp   []byte
}

func (c *fakeConn) Tx(w, r []byte) error {
	cp := make([]byte, len(w))
	copy(cp, w)
	c.writes = append(c.writes, cp)
	for i := range r {
		if i < len(c.resp) {
			r[i] = c.resp[i]
		}
	}
	return nil
}

func newMPSSERig(t *testing.T, irWidth int) (*MPSSE, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	m, err := NewMPSSE(MPSSEConfig{Conn: fc, IRWidth: irWidth, ClockDivisor: 5})
	require.NoError(t, err)
	fc.writes = nil // drop the init() command so tests only see their own scan
	return m, fc
}

func TestNewMPSSERequiresConn(t *testing.T) {
	_, err := NewMPSSE(MPSSEConfig{IRWidth: 5})
	require.Error(t, err)
}

func TestNewMPSSEProgramsClockDivisorOnInit(t *testing.T) {
	fc := &fakeConn{}
	_, err := NewMPSSE(MPSSEConfig{Conn: fc, IRWidth: 5, ClockDivisor: 0x1234})
	require.NoError(t, err)

	require.Len(t, fc.writes, 1)
	cmd := fc.writes[0]
	require.Equal(t, byte(mpsseClockDivisor), cmd[1])
	require.Equal(t, byte(0x34), cmd[2])
	require.Equal(t, byte(0x12), cmd[3])
}

// A DR scan with a capturing out buffer must request exactly one response
// byte per bit of the scan (every clocked bit in this driver is captured
// or not; the response buffer is sized to the captured count only).
func TestMPSSEDRScanRequestsOneResponseBytePerBit(t *testing.T) {
	m, fc := newMPSSERig(t, 5)
	fc.resp = []byte{1, 0, 1, 1}

	out := make([]byte, 1)
	m.QueueDRScan([]byte{0x0f}, out, 4, dmi.TapIdle)
	require.NoError(t, m.Flush())

	require.Len(t, fc.writes, 1)
	require.Equal(t, byte(0x0d), out[0]) // 1,0,1,1 LSB-first -> bits 0,2,3 set
}

func TestMPSSEIRScanDoesNotCaptureByDefault(t *testing.T) {
	m, fc := newMPSSERig(t, 5)
	m.QueueIRScan(0x11)
	require.NoError(t, m.Flush())

	require.Len(t, fc.writes, 1)
	// No out buffer was supplied, so the flush sends an all-write command
	// and never asks Tx for a response slice.
	cmd := fc.writes[0]
	require.Equal(t, byte(mpsseSendImmediate), cmd[len(cmd)-1])
}

func TestMPSSEFlushClearsQueue(t *testing.T) {
	m, _ := newMPSSERig(t, 5)
	m.QueueRunTest(4)
	require.NoError(t, m.Flush())
	require.Empty(t, m.queue)
}

func TestMPSSEEmptyQueueFlushIsNoop(t *testing.T) {
	m, fc := newMPSSERig(t, 5)
	require.NoError(t, m.Flush())
	require.Empty(t, fc.writes)
}
