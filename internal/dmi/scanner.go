package dmi

// TapState names the JTAG TAP controller states relevant to a DR scan.
type TapState int

const (
	TapIdle TapState = iota
	TapDRShift
	TapDRUpdate
)

// Scanner is the narrow primitive this module needs from a JTAG
// controller: queue IR/DR scans and a run-test/idle delay, then flush them
// as one blocking operation. This is the "JTAG controller" collaborator
// contract from spec.md §6 (queue_ir_scan, queue_dr_scan, queue_runtest,
// flush); the hardware implementations (bit-banged GPIO, FTDI MPSSE) live
// in internal/jtag, and the in-memory FakeDM used by tests lives in
// riscv013/testing.go.
type Scanner interface {
	// QueueIRScan selects a TAP instruction register value — for this
	// module that is always the target's DMI-select IR value.
	QueueIRScan(ir uint32)

	// QueueDRScan shifts `in` into the data register and captures the
	// response into `out` (both numBits wide, LSB-first), leaving the TAP
	// in tapState once the scan completes. out is only valid after Flush.
	QueueDRScan(in []byte, out []byte, numBits int, tapState TapState)

	// QueueRunTest parks the TAP in Run-Test/Idle for the given number of
	// clock cycles. This is where dmi_busy_delay/ac_busy_delay cycles are
	// spent (§4.2).
	QueueRunTest(cycles int)

	// Flush is the only blocking call: it clocks every queued scan through
	// the chain and returns once all `out` buffers from QueueDRScan are
	// populated, or a transport error.
	Flush() error
}
