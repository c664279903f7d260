// Package progbuf implements the program-buffer engine (C5) and, per
// spec.md §6, the instruction-emitting helper it depends on: encoding
// RV32I/RV64I instruction words and assembling them into a Program that
// the debug module can execute out of its scratch buffer.
package progbuf

// RISC-V integer register numbers used by the assembler. These are the
// raw 5-bit encoding fields, distinct from the DM's regno space
// (0x1000+n) which the register router (C6) deals with.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegS0   = 8
	RegS1   = 9
	RegA0   = 10
)

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeI(imm, rs1, funct3, rd, opcode uint32) uint32 {
	return ((imm & 0xfff) << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeS(imm, rs2, rs1, funct3, opcode uint32) uint32 {
	lo := imm & 0x1f
	hi := (imm >> 5) & 0x7f
	return (hi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (lo << 7) | opcode
}

func encodeU(imm, rd, opcode uint32) uint32 {
	return (imm << 12) | (rd << 7) | opcode
}

func addi(rd, rs1 uint32, imm int32) uint32 {
	return encodeI(uint32(imm), rs1, 0, rd, 0x13)
}

func auipc(rd uint32, imm20 uint32) uint32 {
	return encodeU(imm20, rd, 0x17)
}

func lb(rd, rs1 uint32, imm int32) uint32  { return encodeI(uint32(imm), rs1, 0x0, rd, 0x03) }
func lbu(rd, rs1 uint32, imm int32) uint32 { return encodeI(uint32(imm), rs1, 0x4, rd, 0x03) }
func lh(rd, rs1 uint32, imm int32) uint32  { return encodeI(uint32(imm), rs1, 0x1, rd, 0x03) }
func lhu(rd, rs1 uint32, imm int32) uint32 { return encodeI(uint32(imm), rs1, 0x5, rd, 0x03) }
func lw(rd, rs1 uint32, imm int32) uint32  { return encodeI(uint32(imm), rs1, 0x2, rd, 0x03) }
func ld(rd, rs1 uint32, imm int32) uint32  { return encodeI(uint32(imm), rs1, 0x3, rd, 0x03) }

func sb(rs2, rs1 uint32, imm int32) uint32 { return encodeS(uint32(imm), rs2, rs1, 0x0, 0x23) }
func sh(rs2, rs1 uint32, imm int32) uint32 { return encodeS(uint32(imm), rs2, rs1, 0x1, 0x23) }
func sw(rs2, rs1 uint32, imm int32) uint32 { return encodeS(uint32(imm), rs2, rs1, 0x2, 0x23) }
func sd(rs2, rs1 uint32, imm int32) uint32 { return encodeS(uint32(imm), rs2, rs1, 0x3, 0x23) }

func flw(rd, rs1 uint32, imm int32) uint32 { return encodeI(uint32(imm), rs1, 0x2, rd, 0x07) }
func fld(rd, rs1 uint32, imm int32) uint32 { return encodeI(uint32(imm), rs1, 0x3, rd, 0x07) }
func fsw(rs2, rs1 uint32, imm int32) uint32 { return encodeS(uint32(imm), rs2, rs1, 0x2, 0x27) }
func fsd(rs2, rs1 uint32, imm int32) uint32 { return encodeS(uint32(imm), rs2, rs1, 0x3, 0x27) }

// csrrw rd, csr, rs1 — swap: rd gets old csr value, csr gets rs1.
func csrrw(rd, rs1, csr uint32) uint32 { return encodeI(csr, rs1, 0x1, rd, 0x73) }

// csrrs rd, csr, rs1 — read csr into rd, set bits from rs1 (rs1=x0 ⇒ pure read).
func csrrs(rd, rs1, csr uint32) uint32 { return encodeI(csr, rs1, 0x2, rd, 0x73) }

func fenceInsn() uint32  { return 0x0ff0000f }
func fenceIInsn() uint32 { return 0x0000100f }

// ebreak is used nowhere in this engine directly but is kept alongside
// the other encoders for parity with the instruction set the assembler
// is documented to need.
func ebreak() uint32 { return 0x00100073 }
