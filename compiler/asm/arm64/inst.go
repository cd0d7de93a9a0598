package arm64

import (
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/asm"
)

type (
	Op uint8

	// Inst is a decoded AArch64 instruction.
	Inst struct {
		Op  Op
		Raw uint32

		// Sf selects 64-bit operation.
		Sf bool

		Rd, Rn, Rm, Ra int

		Imm uint64

		Shift  Shift
		Amount int

		Cond asm.Cond

		// Size is the memory access width in bytes.
		Size int

		SetFlags bool
		Invert   bool

		Address uint64
		Target  uint64
	}

	Shift uint8
)

const (
	OpUndefined Op = iota
	OpMovz
	OpMovk
	OpMovn
	OpAddImm
	OpSubImm
	OpAddReg
	OpSubReg
	OpAnd
	OpOrr
	OpEor
	OpMadd
	OpMsub
	OpUdiv
	OpSdiv
	OpClz
	OpCls
	OpRbit
	OpLdr
	OpStr
	OpB
	OpBL
	OpBCond
	OpCbz
	OpCbnz
	OpBr
	OpBlr
	OpRet
	OpNop
	OpSvc
	OpBrk

	opCount
)

const (
	ShiftLSL Shift = iota
	ShiftLSR
	ShiftASR
	ShiftROR
)

var opNames = [opCount]string{
	OpUndefined: "udf",
	OpMovz:      "movz",
	OpMovk:      "movk",
	OpMovn:      "movn",
	OpAddImm:    "add",
	OpSubImm:    "sub",
	OpAddReg:    "add",
	OpSubReg:    "sub",
	OpAnd:       "and",
	OpOrr:       "orr",
	OpEor:       "eor",
	OpMadd:      "madd",
	OpMsub:      "msub",
	OpUdiv:      "udiv",
	OpSdiv:      "sdiv",
	OpClz:       "clz",
	OpCls:       "cls",
	OpRbit:      "rbit",
	OpLdr:       "ldr",
	OpStr:       "str",
	OpB:         "b",
	OpBL:        "bl",
	OpBCond:     "b.cond",
	OpCbz:       "cbz",
	OpCbnz:      "cbnz",
	OpBr:        "br",
	OpBlr:       "blr",
	OpRet:       "ret",
	OpNop:       "nop",
	OpSvc:       "svc",
	OpBrk:       "brk",
}

// Decode decodes one instruction at addr.
// Unknown encodings decode to OpUndefined.
func Decode(raw uint32, addr uint64) (i Inst) {
	i = Inst{
		Raw:     raw,
		Address: addr,
		Sf:      raw>>31 != 0,
		Rd:      int(raw & 31),
		Rn:      int(raw >> 5 & 31),
		Rm:      int(raw >> 16 & 31),
	}

	switch {
	case raw == 0xd503201f:
		i.Op = OpNop
	case raw&0x7f800000 == 0x52800000, raw&0x7f800000 == 0x72800000, raw&0x7f800000 == 0x12800000:
		hw := raw >> 21 & 3
		if !i.Sf && hw > 1 {
			break
		}

		i.Op = [4]Op{OpMovn, OpUndefined, OpMovz, OpMovk}[raw>>29&3]
		i.Imm = uint64(raw>>5&0xffff) << (16 * hw)
		i.Amount = int(16 * hw)
	case raw&0x1f800000 == 0x11000000:
		i.Op = OpAddImm
		if raw&(1<<30) != 0 {
			i.Op = OpSubImm
		}

		i.SetFlags = raw&(1<<29) != 0
		i.Imm = uint64(raw >> 10 & 0xfff)

		if raw&(1<<22) != 0 {
			i.Imm <<= 12
		}
	case raw&0x1f200000 == 0x0b000000:
		i.Op = OpAddReg
		if raw&(1<<30) != 0 {
			i.Op = OpSubReg
		}

		i.SetFlags = raw&(1<<29) != 0
		i.Shift = Shift(raw >> 22 & 3)
		i.Amount = int(raw >> 10 & 63)

		if i.Shift == ShiftROR || !i.Sf && i.Amount > 31 {
			i.Op = OpUndefined
		}
	case raw&0x1f000000 == 0x0a000000:
		i.Op = [4]Op{OpAnd, OpOrr, OpEor, OpAnd}[raw>>29&3]
		i.SetFlags = raw>>29&3 == 3
		i.Invert = raw&(1<<21) != 0
		i.Shift = Shift(raw >> 22 & 3)
		i.Amount = int(raw >> 10 & 63)

		if !i.Sf && i.Amount > 31 {
			i.Op = OpUndefined
		}
	case raw&0x7fe00000 == 0x1b000000:
		i.Op = OpMadd
		if raw&(1<<15) != 0 {
			i.Op = OpMsub
		}

		i.Ra = int(raw >> 10 & 31)
	case raw&0x7fe0fc00 == 0x1ac00800:
		i.Op = OpUdiv
	case raw&0x7fe0fc00 == 0x1ac00c00:
		i.Op = OpSdiv
	case raw&0x7ffffc00 == 0x5ac01000:
		i.Op = OpClz
	case raw&0x7ffffc00 == 0x5ac01400:
		i.Op = OpCls
	case raw&0x7ffffc00 == 0x5ac00000:
		i.Op = OpRbit
	case raw&0x3fc00000 == 0x39000000 || raw&0x3fc00000 == 0x39400000:
		i.Op = OpStr
		if raw&(1<<22) != 0 {
			i.Op = OpLdr
		}

		i.Size = 1 << (raw >> 30)
		i.Imm = uint64(raw>>10&0xfff) * uint64(i.Size)
		i.Sf = i.Size == 8
	case raw&0xfc000000 == 0x14000000, raw&0xfc000000 == 0x94000000:
		i.Op = OpB
		if raw>>31 != 0 {
			i.Op = OpBL
		}

		i.Target = addr + uint64(signExtend(raw&0x3ffffff, 26)*4)
	case raw&0xff000010 == 0x54000000:
		i.Op = OpBCond
		i.Cond = asm.Cond(raw & 15)
		i.Target = addr + uint64(signExtend(raw>>5&0x7ffff, 19)*4)
	case raw&0x7e000000 == 0x34000000:
		i.Op = OpCbz
		if raw&(1<<24) != 0 {
			i.Op = OpCbnz
		}

		i.Target = addr + uint64(signExtend(raw>>5&0x7ffff, 19)*4)
	case raw&0xfffffc1f == 0xd61f0000:
		i.Op = OpBr
	case raw&0xfffffc1f == 0xd63f0000:
		i.Op = OpBlr
	case raw&0xfffffc1f == 0xd65f0000:
		i.Op = OpRet
	case raw&0xffe0001f == 0xd4000001:
		i.Op = OpSvc
		i.Imm = uint64(raw >> 5 & 0xffff)
	case raw&0xffe0001f == 0xd4200000:
		i.Op = OpBrk
		i.Imm = uint64(raw >> 5 & 0xffff)
	}

	return i
}

func signExtend(x uint32, bits int) int64 {
	s := 64 - bits

	return int64(uint64(x)<<s) >> s
}

func (op Op) String() string {
	if op < opCount {
		return opNames[op]
	}

	return "op?"
}

// Ends reports whether the instruction ends a decoded block.
func (i Inst) Ends() bool {
	switch i.Op {
	case OpB, OpBL, OpBCond, OpCbz, OpCbnz, OpBr, OpBlr, OpRet, OpBrk, OpUndefined:
		return true
	}

	return false
}

// FallsThrough reports whether execution may continue at the next instruction
// without leaving the function.
func (i Inst) FallsThrough() bool {
	switch i.Op {
	case OpB, OpBL, OpBr, OpBlr, OpRet, OpBrk, OpUndefined:
		return false
	}

	return true
}

func (i Inst) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendFormat(b, "%v %08x", i.Op, i.Raw)
}
