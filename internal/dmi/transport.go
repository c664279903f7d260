package dmi

import (
	"errors"
	"fmt"

	"github.com/santhoshEsp32/openocd/internal/dmconst"
	"github.com/santhoshEsp32/openocd/internal/logging"
)

// Sentinel errors a caller can match with errors.Is. ErrDMIFailed is
// transport-fatal (§7): no recovery is attempted, the caller must reset
// the session. ErrBusyExceeded means 256 BUSY retries never resolved to
// SUCCESS or FAILED.
var (
	ErrDMIFailed    = errors.New("dmi: transport reported FAILED")
	ErrBusyExceeded = errors.New("dmi: exceeded maximum BUSY retry attempts")
)

// maxDMIAttempts bounds the BUSY retry loop per spec.md §5 ("fixed attempt
// counts (256)").
const maxDMIAttempts = 256

// Transport implements the single-request DMI transport (C2): synchronous,
// blocking dmi_read/dmi_write with BUSY retry and the two self-tuning idle
// knobs (dmi_busy_delay, ac_busy_delay) described in spec.md §4.2.
type Transport struct {
	scanner Scanner
	codec   *Codec

	// ir is the IR value that selects the DMI access register; dtmIR
	// selects DTMCS, used to issue a DMI reset after a BUSY response.
	ir    uint32
	dtmIR uint32

	// DmiBusyDelay and AcBusyDelay are the Transport-State knobs from
	// spec.md §3. Both only grow within a session except via RestoreBusyDelay
	// (used by deassert_reset).
	DmiBusyDelay uint32
	AcBusyDelay  uint32

	logger *logging.Logger
}

// NewTransport builds a Transport over the given Scanner and Codec. ir is
// the target-description-supplied IR value for DMI access; dtmIR is the
// IR value for DTMCS (used for the BUSY-induced reset scan).
func NewTransport(scanner Scanner, codec *Codec, ir, dtmIR uint32, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.Default()
	}
	return &Transport{
		scanner: scanner,
		codec:   codec,
		ir:      ir,
		dtmIR:   dtmIR,
		logger:  logger.WithComponent("dmi"),
	}
}

// ceilDiv10 computes ⌈x/10⌉ for the busy-delay growth step in spec.md §3/§4.2.
func ceilDiv10(x uint32) uint32 {
	return (x + 9) / 10
}

func (t *Transport) growDmiBusyDelay() {
	t.DmiBusyDelay = t.DmiBusyDelay + ceilDiv10(t.DmiBusyDelay) + 1
	t.logger.Warn("dmi busy, growing delay", "dmi_busy_delay", t.DmiBusyDelay, "ac_busy_delay", t.AcBusyDelay)
}

func (t *Transport) growAcBusyDelay() {
	t.AcBusyDelay = t.AcBusyDelay + ceilDiv10(t.AcBusyDelay) + 1
	t.logger.Warn("abstract command busy, growing delay", "dmi_busy_delay", t.DmiBusyDelay, "ac_busy_delay", t.AcBusyDelay)
}

// RestoreBusyDelay resets DmiBusyDelay to a previously saved value. Used
// only by the hart controller's deassert_reset (§4.8), which is the one
// documented exception to busy-delay monotonicity.
func (t *Transport) RestoreBusyDelay(saved uint32) {
	t.DmiBusyDelay = saved
}

// GrowAcBusyDelay grows ac_busy_delay by the same rule scan() applies
// internally. Exported for the memory streamer (§4.7), which drives its
// own batches directly against Scanner/Codec to get AUTOEXEC pipelining
// and therefore must grow the knob itself on a batch-level BUSY.
func (t *Transport) GrowAcBusyDelay() {
	t.growAcBusyDelay()
}

// Scanner, Codec and IR expose the collaborators a batch needs to build
// its own JTAG transaction outside the single-request retry loop (§4.3,
// §4.7) without internal/batch importing internal/dmi's Transport (which
// would cycle back, since Transport's own tests use a fake Scanner built
// from this package's Codec).
func (t *Transport) ScannerHandle() Scanner { return t.scanner }
func (t *Transport) CodecHandle() *Codec   { return t.codec }
func (t *Transport) IR() uint32            { return t.ir }

// DTMIR returns the IR value that selects DTMCS. Exported for the
// capability probe (§4.9), which must scan DTMCS directly (a plain
// 32-bit register, not framed in the DMI op/data/address layout) before
// it can trust anything behind the DMI address space at all.
func (t *Transport) DTMIR() uint32 { return t.dtmIR }

// IdleCycles returns the per-scan idle-cycle budget a batch should queue
// to approximate the single-request transport's adaptive delay (§4.7:
// "the delay injected into the flush is dmi_busy_delay + ac_busy_delay
// cycles per scan").
func (t *Transport) IdleCycles() int {
	return int(t.DmiBusyDelay + t.AcBusyDelay)
}

// resetDMI issues a DMI reset via the DTM control scan. Required because
// the DM discards the in-flight request on BUSY and the host must
// resynchronize (§4.2 rationale).
func (t *Transport) resetDMI() error {
	buf := make([]byte, 4)
	buf[2] = byte((dmconst.DTMCSDMIReset >> 16) & 0xff)
	out := make([]byte, 4)
	t.scanner.QueueIRScan(t.dtmIR)
	t.scanner.QueueDRScan(buf, out, 32, TapIdle)
	return t.scanner.Flush()
}

// isCommandWrite reports whether this request is a write to the COMMAND
// register — the only case that should incur ac_busy_delay (§4.2 step 2).
func isCommandWrite(op uint8, addr uint32) bool {
	return op == dmconst.OpWrite && addr == dmconst.Command
}

// scan performs one request (or NOP) scan with its own BUSY-adaptation
// retry loop, per §4.2 steps 2-3 and 5.
func (t *Transport) scan(op uint8, addr uint32, data uint32) (Decoded, error) {
	extra := uint32(0)
	if isCommandWrite(op, addr) {
		extra = t.AcBusyDelay
	}

	for attempt := 0; attempt < maxDMIAttempts; attempt++ {
		var buf []byte
		var err error
		switch op {
		case dmconst.OpWrite:
			buf, err = t.codec.EncodeWrite(addr, data)
		case dmconst.OpRead:
			buf, err = t.codec.EncodeRead(addr)
		default:
			buf, err = t.codec.EncodeNop()
		}
		if err != nil {
			return Decoded{}, err
		}

		out := make([]byte, len(buf))
		t.scanner.QueueIRScan(t.ir)
		t.scanner.QueueDRScan(buf, out, t.codec.NumBits(), TapIdle)
		t.scanner.QueueRunTest(int(t.DmiBusyDelay + extra))
		if err := t.scanner.Flush(); err != nil {
			return Decoded{}, fmt.Errorf("dmi: jtag flush: %w", err)
		}

		dec, err := t.codec.Decode(out)
		if err != nil {
			return Decoded{}, err
		}

		switch dec.Op {
		case dmconst.StatusSuccess:
			return dec, nil
		case dmconst.StatusBusy:
			t.growDmiBusyDelay()
			if err := t.resetDMI(); err != nil {
				return Decoded{}, fmt.Errorf("dmi: reset after busy: %w", err)
			}
			continue
		case dmconst.StatusFailed:
			return Decoded{}, ErrDMIFailed
		default:
			return Decoded{}, fmt.Errorf("dmi: unexpected status field %d", dec.Op)
		}
	}
	return Decoded{}, ErrBusyExceeded
}

// DMIRead performs a blocking DMI read. Reads are two scans: the request,
// then a NOP that pulls the prior op's data (§4.2 step 4).
func (t *Transport) DMIRead(addr uint32) (uint32, error) {
	if _, err := t.scan(dmconst.OpRead, addr, 0); err != nil {
		return 0, err
	}
	dec, err := t.scan(dmconst.OpNop, 0, 0)
	if err != nil {
		return 0, err
	}
	return dec.Data, nil
}

// DMIWrite performs a blocking DMI write.
func (t *Transport) DMIWrite(addr uint32, value uint32) error {
	_, err := t.scan(dmconst.OpWrite, addr, value)
	return err
}
