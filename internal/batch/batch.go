// Package batch implements the DMI batch (C3): a bounded queue of DMI
// operations flushed to the JTAG chain as one blocking round-trip, with
// no per-op BUSY handling mid-batch. Per spec.md §4.3, after Run the
// caller inspects ABSTRACTCS.cmderr via a regular dmi_read to discover
// how far the batch got; this package does not make that call itself.
package batch

import (
	"fmt"

	"github.com/santhoshEsp32/openocd/internal/dmi"
)

// op tags what a queued slot was, so Batch can decode read results after
// the flush without the caller re-stating it.
type op int

const (
	opRead op = iota
	opWrite
	opNop
)

type slot struct {
	kind op
	out  []byte
	dec  dmi.Decoded
}

// Batch queues up to maxOps DMI scans and flushes them in one shot.
type Batch struct {
	scanner dmi.Scanner
	codec   *dmi.Codec
	ir      uint32
	idle    int
	maxOps  int
	slots   []slot
	ran     bool
}

// Alloc builds a Batch bounded to maxOps operations, each followed by
// idleCycles of Run-Test/Idle (the batch analogue of dmi_busy_delay,
// spent once per op rather than re-derived per retry since batches do
// not retry internally).
func Alloc(scanner dmi.Scanner, codec *dmi.Codec, ir uint32, maxOps int, idleCycles int) (*Batch, error) {
	if maxOps <= 0 {
		return nil, fmt.Errorf("batch: maxOps must be positive, got %d", maxOps)
	}
	return &Batch{
		scanner: scanner,
		codec:   codec,
		ir:      ir,
		idle:    idleCycles,
		maxOps:  maxOps,
		slots:   make([]slot, 0, maxOps),
	}, nil
}

// Full reports whether the batch has reached its configured capacity.
func (b *Batch) Full() bool {
	return len(b.slots) >= b.maxOps
}

func (b *Batch) queue(kind op, buf []byte) (int, error) {
	if b.ran {
		return 0, fmt.Errorf("batch: cannot add ops after Run")
	}
	if b.Full() {
		return 0, fmt.Errorf("batch: full at %d ops", b.maxOps)
	}
	out := make([]byte, len(buf))
	b.scanner.QueueIRScan(b.ir)
	b.scanner.QueueDRScan(buf, out, b.codec.NumBits(), dmi.TapIdle)
	b.scanner.QueueRunTest(b.idle)
	idx := len(b.slots)
	b.slots = append(b.slots, slot{kind: kind, out: out})
	return idx, nil
}

// AddRead queues a DMI read of addr and returns its slot index. Per the
// transport's two-scan convention the read's data arrives in the scan of
// the slot after it, so it is fetched with GetRead(idx+1).
func (b *Batch) AddRead(addr uint32) (int, error) {
	buf, err := b.codec.EncodeRead(addr)
	if err != nil {
		return 0, err
	}
	return b.queue(opRead, buf)
}

// AddWrite queues a DMI write of value to addr.
func (b *Batch) AddWrite(addr uint32, value uint32) error {
	buf, err := b.codec.EncodeWrite(addr, value)
	if err != nil {
		return err
	}
	_, err = b.queue(opWrite, buf)
	return err
}

// AddNop queues a scan that performs no DMI operation, used to pull the
// data produced by the immediately preceding read.
func (b *Batch) AddNop() error {
	buf, err := b.codec.EncodeNop()
	if err != nil {
		return err
	}
	_, err = b.queue(opNop, buf)
	return err
}

// Run flushes every queued scan as a single JTAG transaction. Per
// spec.md §4.3, no BUSY inspection happens here — the caller is
// expected to read ABSTRACTCS.cmderr afterward through the ordinary DMI
// transport to learn how far the batch progressed.
func (b *Batch) Run() error {
	if b.ran {
		return fmt.Errorf("batch: already run")
	}
	if err := b.scanner.Flush(); err != nil {
		return fmt.Errorf("batch: jtag flush: %w", err)
	}
	b.ran = true
	for i := range b.slots {
		dec, err := b.codec.Decode(b.slots[i].out)
		if err != nil {
			return fmt.Errorf("batch: decode slot %d: %w", i, err)
		}
		b.slots[i].dec = dec
	}
	return nil
}

// GetRead returns the 32-bit data captured at slotIdx. It is only
// meaningful once Run has completed and slotIdx names the slot right
// after a read, whether a nop or another op (the read's own scan returns the status of the op
// before it, not its own data — the same pipelining rule the single-op
// transport follows).
func (b *Batch) GetRead(slotIdx int) (uint32, error) {
	if !b.ran {
		return 0, fmt.Errorf("batch: Run has not completed")
	}
	if slotIdx < 0 || slotIdx >= len(b.slots) {
		return 0, fmt.Errorf("batch: slot index %d out of range", slotIdx)
	}
	return b.slots[slotIdx].dec.Data, nil
}

// Status returns the op/status field captured at slotIdx, so callers
// can notice a BUSY or FAILED response surfaced mid-batch even though
// the batch itself took no corrective action.
func (b *Batch) Status(slotIdx int) (uint8, error) {
	if !b.ran {
		return 0, fmt.Errorf("batch: Run has not completed")
	}
	if slotIdx < 0 || slotIdx >= len(b.slots) {
		return 0, fmt.Errorf("batch: slot index %d out of range", slotIdx)
	}
	return b.slots[slotIdx].dec.Op, nil
}

// Len reports how many ops have been queued so far.
func (b *Batch) Len() int {
	return len(b.slots)
}
