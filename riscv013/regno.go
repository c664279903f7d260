package riscv013

import "strconv"

// GDB register numbering, per the register cache layout described in
// spec.md §3 (Register-Cache-Entry) and the numbering
// `_examples/original_source/src/target/riscv/riscv-013.c` assumes (GPRs,
// then PC, then FPRs, then CSRs, then PRIV).
const (
	RegXPR0  = 0
	RegXPR31 = 31
	RegPC    = 32
	RegFPR0  = 33
	RegFPR31 = 64
	RegCSR0  = 65
	RegCSR4095 = 4160
	RegPriv  = 4161
	RegCount = 4162
)

// RISC-V ABI register numbers for the two GPRs the engine saves/restores
// around program-buffer use (progbuf.RegS0/RegS1 duplicate these for the
// assembler's own use; kept distinct so this package doesn't need to
// import progbuf just to name a register).
const (
	abiS0 = 8
	abiS1 = 9
)

// regName returns the short stable human name for a GDB register id, per
// the Register-Cache-Entry invariant in spec.md §3.
func regName(id int) string {
	switch {
	case id >= RegXPR0 && id <= RegXPR31:
		return xprName(id - RegXPR0)
	case id == RegPC:
		return "pc"
	case id >= RegFPR0 && id <= RegFPR31:
		return fprName(id - RegFPR0)
	case id >= RegCSR0 && id <= RegCSR4095:
		return csrName(id - RegCSR0)
	case id == RegPriv:
		return "priv"
	default:
		return "unknown"
	}
}

func xprName(n int) string {
	return "x" + strconv.Itoa(n)
}

func fprName(n int) string {
	return "f" + strconv.Itoa(n)
}

func csrName(n int) string {
	return "csr" + strconv.Itoa(n)
}
