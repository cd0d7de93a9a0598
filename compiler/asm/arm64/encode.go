package arm64

import "github.com/slowlang/armjit/compiler/asm"

// Encoders for the decoded subset. Registers are 0..31, offsets are in bytes.

const SP = 31

func sf(x64 bool) uint32 {
	if x64 {
		return 1 << 31
	}

	return 0
}

func MOVZ(rd int, imm uint16, hw int) uint32 {
	return 0xd2800000 | uint32(hw&3)<<21 | uint32(imm)<<5 | uint32(rd)
}

func MOVK(rd int, imm uint16, hw int) uint32 {
	return 0xf2800000 | uint32(hw&3)<<21 | uint32(imm)<<5 | uint32(rd)
}

func MOVN(rd int, imm uint16, hw int) uint32 {
	return 0x92800000 | uint32(hw&3)<<21 | uint32(imm)<<5 | uint32(rd)
}

func addSubImm(op, s uint32, x64 bool, rd, rn int, imm uint32) uint32 {
	return sf(x64) | op<<30 | s<<29 | 0x11000000 | (imm&0xfff)<<10 | uint32(rn)<<5 | uint32(rd)
}

func ADDi(rd, rn int, imm uint32) uint32  { return addSubImm(0, 0, true, rd, rn, imm) }
func SUBi(rd, rn int, imm uint32) uint32  { return addSubImm(1, 0, true, rd, rn, imm) }
func ADDSi(rd, rn int, imm uint32) uint32 { return addSubImm(0, 1, true, rd, rn, imm) }
func SUBSi(rd, rn int, imm uint32) uint32 { return addSubImm(1, 1, true, rd, rn, imm) }

// SUBSwi is the 32-bit form.
func SUBSwi(rd, rn int, imm uint32) uint32 { return addSubImm(1, 1, false, rd, rn, imm) }

func CMPi(rn int, imm uint32) uint32 { return SUBSi(31, rn, imm) }

func addSubReg(op, s uint32, rd, rn, rm int, sh Shift, amount int) uint32 {
	return sf(true) | op<<30 | s<<29 | 0x0b000000 | uint32(sh)<<22 | uint32(rm)<<16 | uint32(amount&63)<<10 | uint32(rn)<<5 | uint32(rd)
}

func ADD(rd, rn, rm int) uint32  { return addSubReg(0, 0, rd, rn, rm, ShiftLSL, 0) }
func SUB(rd, rn, rm int) uint32  { return addSubReg(1, 0, rd, rn, rm, ShiftLSL, 0) }
func SUBS(rd, rn, rm int) uint32 { return addSubReg(1, 1, rd, rn, rm, ShiftLSL, 0) }
func CMP(rn, rm int) uint32      { return SUBS(31, rn, rm) }

func ADDShift(rd, rn, rm int, sh Shift, amount int) uint32 {
	return addSubReg(0, 0, rd, rn, rm, sh, amount)
}

func logical(opc uint32, rd, rn, rm int, invert bool) uint32 {
	var n uint32
	if invert {
		n = 1 << 21
	}

	return sf(true) | opc<<29 | 0x0a000000 | n | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

func AND(rd, rn, rm int) uint32  { return logical(0, rd, rn, rm, false) }
func ORR(rd, rn, rm int) uint32  { return logical(1, rd, rn, rm, false) }
func EOR(rd, rn, rm int) uint32  { return logical(2, rd, rn, rm, false) }
func ANDS(rd, rn, rm int) uint32 { return logical(3, rd, rn, rm, false) }
func BIC(rd, rn, rm int) uint32  { return logical(0, rd, rn, rm, true) }
func MOV(rd, rm int) uint32      { return ORR(rd, 31, rm) }

func MADD(rd, rn, rm, ra int) uint32 {
	return 0x9b000000 | uint32(rm)<<16 | uint32(ra)<<10 | uint32(rn)<<5 | uint32(rd)
}

func MSUB(rd, rn, rm, ra int) uint32 { return MADD(rd, rn, rm, ra) | 1<<15 }

func MUL(rd, rn, rm int) uint32 { return MADD(rd, rn, rm, 31) }

func UDIV(rd, rn, rm int) uint32 { return 0x9ac00800 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd) }
func SDIV(rd, rn, rm int) uint32 { return 0x9ac00c00 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd) }

func CLZ(rd, rn int) uint32  { return 0xdac01000 | uint32(rn)<<5 | uint32(rd) }
func CLS(rd, rn int) uint32  { return 0xdac01400 | uint32(rn)<<5 | uint32(rd) }
func RBIT(rd, rn int) uint32 { return 0xdac00000 | uint32(rn)<<5 | uint32(rd) }

func ldst(size int, load bool, rt, rn int, off uint32) uint32 {
	var lg uint32
	for 1<<lg < size {
		lg++
	}

	var opc uint32
	if load {
		opc = 1 << 22
	}

	return lg<<30 | 0x39000000 | opc | (off>>lg&0xfff)<<10 | uint32(rn)<<5 | uint32(rt)
}

func LDR(rt, rn int, off uint32) uint32  { return ldst(8, true, rt, rn, off) }
func STR(rt, rn int, off uint32) uint32  { return ldst(8, false, rt, rn, off) }
func LDRW(rt, rn int, off uint32) uint32 { return ldst(4, true, rt, rn, off) }
func STRW(rt, rn int, off uint32) uint32 { return ldst(4, false, rt, rn, off) }
func LDRB(rt, rn int, off uint32) uint32 { return ldst(1, true, rt, rn, off) }
func STRB(rt, rn int, off uint32) uint32 { return ldst(1, false, rt, rn, off) }

func B(off int32) uint32  { return 0x14000000 | uint32(off/4)&0x3ffffff }
func BL(off int32) uint32 { return 0x94000000 | uint32(off/4)&0x3ffffff }

func BCond(cond asm.Cond, off int32) uint32 {
	return 0x54000000 | (uint32(off/4)&0x7ffff)<<5 | uint32(cond&15)
}

func CBZ(rt int, off int32) uint32 {
	return 0xb4000000 | (uint32(off/4)&0x7ffff)<<5 | uint32(rt)
}

func CBNZ(rt int, off int32) uint32 { return CBZ(rt, off) | 1<<24 }

func BR(rn int) uint32  { return 0xd61f0000 | uint32(rn)<<5 }
func BLR(rn int) uint32 { return 0xd63f0000 | uint32(rn)<<5 }
func RET() uint32       { return 0xd65f0000 | 30<<5 }

func NOP() uint32 { return 0xd503201f }

func SVC(imm uint16) uint32 { return 0xd4000001 | uint32(imm)<<5 }
func BRK(imm uint16) uint32 { return 0xd4200000 | uint32(imm)<<5 }
