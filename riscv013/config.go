package riscv013

import "time"

// Config holds the tunables a target description supplies at init time,
// per spec.md's Transport-State/DM-Descriptor entities and the
// wait-loop budgets named in §5/§7.
type Config struct {
	// DMISelectIR / DTMControlIR are the IR values the target
	// description provides for selecting the DMI access register and
	// DTMCS, respectively (spec.md §6: "an integer provided by the
	// target description").
	DMISelectIR  uint32
	DTMControlIR uint32

	// Abits is the DMI address width (7-32). It is used as given when the
	// DMI codec is built; Examine does not read abits from DTMCS.
	Abits int

	// CommandTimeout bounds how long an abstract command's busy bit may
	// stay set before Execute gives up (command_timeout_sec).
	CommandTimeout time.Duration

	// ResetTimeout bounds assert/deassert_reset's wait for allhalted or
	// allrunning (reset_timeout_sec).
	ResetTimeout time.Duration

	// BatchSize bounds how many DMI ops the memory streamer packs into
	// one JTAG flush (spec.md §4.7: "32 is a sensible default").
	BatchSize int

	// RTOSMode changes assert_reset's hart-selection policy: when true,
	// every enabled hart gets HALTREQ per ResetHalt before NDMRESET;
	// when false, only the currently selected hart is reset.
	RTOSMode bool

	// ResetHalt controls whether a reset leaves the hart halted
	// (set_reset_halt_req) rather than running.
	ResetHalt bool
}

// DefaultConfig returns a Config with the values spec.md's design notes
// call out explicitly (32-op batches, DMI select IR 0x11/DTMCS IR 0x10
// per the 0.13 draft's conventional JTAG IDs, conservative timeouts).
func DefaultConfig() *Config {
	return &Config{
		DMISelectIR:    0x11,
		DTMControlIR:   0x10,
		Abits:          7,
		CommandTimeout: 3 * time.Second,
		ResetTimeout:   3 * time.Second,
		BatchSize:      32,
		RTOSMode:       false,
		ResetHalt:      false,
	}
}
