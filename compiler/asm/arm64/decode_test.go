package arm64

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/memory"
)

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		raw uint32
		exp Inst
	}{
		{MOVZ(3, 0x1234, 1), Inst{Op: OpMovz, Sf: true, Rd: 3, Imm: 0x12340000, Amount: 16}},
		{MOVK(3, 0xffff, 0), Inst{Op: OpMovk, Sf: true, Rd: 3, Imm: 0xffff}},
		{ADDi(SP, SP, 16), Inst{Op: OpAddImm, Sf: true, Rd: SP, Rn: SP, Imm: 16}},
		{SUBSi(31, 4, 7), Inst{Op: OpSubImm, Sf: true, Rd: 31, Rn: 4, Imm: 7, SetFlags: true}},
		{SUBSwi(31, 4, 7), Inst{Op: OpSubImm, Rd: 31, Rn: 4, Imm: 7, SetFlags: true}},
		{ADDShift(1, 2, 3, ShiftLSR, 4), Inst{Op: OpAddReg, Sf: true, Rd: 1, Rn: 2, Rm: 3, Shift: ShiftLSR, Amount: 4}},
		{BIC(1, 2, 3), Inst{Op: OpAnd, Sf: true, Rd: 1, Rn: 2, Rm: 3, Invert: true}},
		{ANDS(1, 2, 3), Inst{Op: OpAnd, Sf: true, Rd: 1, Rn: 2, Rm: 3, SetFlags: true}},
		{MSUB(1, 2, 3, 4), Inst{Op: OpMsub, Sf: true, Rd: 1, Rn: 2, Rm: 3, Ra: 4}},
		{SDIV(1, 2, 3), Inst{Op: OpSdiv, Sf: true, Rd: 1, Rn: 2, Rm: 3}},
		{RBIT(1, 2), Inst{Op: OpRbit, Sf: true, Rd: 1, Rn: 2}},
		{LDR(1, 2, 16), Inst{Op: OpLdr, Sf: true, Rd: 1, Rn: 2, Imm: 16, Size: 8}},
		{STRW(1, 2, 8), Inst{Op: OpStr, Rd: 1, Rn: 2, Imm: 8, Size: 4}},
		{LDRB(1, 2, 3), Inst{Op: OpLdr, Rd: 1, Rn: 2, Imm: 3, Size: 1}},
		{RET(), Inst{Op: OpRet, Sf: true, Rn: 30}},
		{SVC(5), Inst{Op: OpSvc, Sf: true, Rd: 1, Imm: 5}},
	} {
		i := Decode(tc.raw, 0x100)

		// register fields overlap immediates in some encodings
		i.Raw, i.Address = 0, 0
		if tc.exp.Rm == 0 {
			i.Rm = 0
		}

		if tc.exp.Rn == 0 {
			i.Rn = 0
		}

		if tc.exp.Rd == 0 {
			i.Rd = 0
		}

		assert.Equal(t, tc.exp, i, "%08x", tc.raw)
	}
}

func TestDecodeBranches(t *testing.T) {
	i := Decode(B(-8), 0x100)
	assert.Equal(t, OpB, i.Op)
	assert.Equal(t, uint64(0xf8), i.Target)
	assert.False(t, i.FallsThrough())

	i = Decode(BCond(asm.Lt, 0x40), 0x100)
	assert.Equal(t, OpBCond, i.Op)
	assert.Equal(t, asm.Lt, i.Cond)
	assert.Equal(t, uint64(0x140), i.Target)
	assert.True(t, i.Ends())
	assert.True(t, i.FallsThrough())

	i = Decode(CBNZ(4, -0x100), 0x1000)
	assert.Equal(t, OpCbnz, i.Op)
	assert.Equal(t, 4, i.Rd)
	assert.Equal(t, uint64(0xf00), i.Target)

	i = Decode(BL(0x1000), 0x10)
	assert.Equal(t, OpBL, i.Op)
	assert.Equal(t, uint64(0x1010), i.Target)

	i = Decode(0, 0)
	assert.Equal(t, OpUndefined, i.Op)
	assert.True(t, i.Ends())
}

func decodeProgram(t *testing.T, highCq bool, prog ...uint32) []*blockShape {
	t.Helper()

	m, err := memory.NewFlat(1 << 16)
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, memory.WriteInstructions(m, 0x1000, prog...))

	bs, err := NewDecoder().DecodeFunction(m, 0x1000, asm.Aarch64, highCq)
	require.NoError(t, err)

	r := make([]*blockShape, len(bs))

	for i, b := range bs {
		s := &blockShape{Address: b.Address, End: b.EndAddress, Ops: len(b.OpCodes), Exit: b.Exit}

		if b.Next != nil {
			s.Next = b.Next.Address
		}

		if b.Branch != nil {
			s.Branch = b.Branch.Address
		}

		r[i] = s
	}

	return r
}

type blockShape struct {
	Address, End uint64
	Ops          int
	Next, Branch uint64
	Exit         bool
}

func TestDecodeFunctionStraightLine(t *testing.T) {
	bs := decodeProgram(t, true,
		MOVZ(0, 1, 0),
		ADDi(0, 0, 2),
		RET(),
	)

	require.Len(t, bs, 1)
	assert.Equal(t, &blockShape{Address: 0x1000, End: 0x100c, Ops: 3}, bs[0])
}

func TestDecodeFunctionSplit(t *testing.T) {
	bs := decodeProgram(t, true,
		MOVZ(1, 0, 0), // 1000
		SUBi(0, 0, 1), // 1004 loop
		ADDi(1, 1, 2), // 1008
		CBNZ(0, -8),   // 100c -> 1004
		BL(0x100),     // 1010 -> 1110
		RET(),         // 1014
	)

	exp := []*blockShape{
		{Address: 0x1000, End: 0x1004, Ops: 1, Next: 0x1004},
		{Address: 0x1004, End: 0x1010, Ops: 3, Next: 0x1010, Branch: 0x1004},
		{Address: 0x1010, End: 0x1014, Ops: 1, Next: 0x1014},
		{Address: 0x1014, End: 0x1018, Ops: 1},
	}

	assert.Equal(t, exp, bs)
}

func TestDecodeFunctionLimit(t *testing.T) {
	d := NewDecoder()
	d.MaxInstsLowCq = 2

	m, err := memory.NewFlat(1 << 16)
	require.NoError(t, err)

	defer m.Close()

	require.NoError(t, memory.WriteInstructions(m, 0x1000, NOP(), NOP(), NOP(), RET()))

	bs, err := d.DecodeFunction(m, 0x1000, asm.Aarch64, false)
	require.NoError(t, err)

	require.Len(t, bs, 2)
	assert.Equal(t, 2, len(bs[0].OpCodes))
	assert.Same(t, bs[1], bs[0].Next)
	assert.True(t, bs[1].Exit)
	assert.Equal(t, uint64(0x1008), bs[1].Address)

	_, err = d.DecodeFunction(m, 0x1000, asm.Aarch32Arm, true)
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestDecodeInstruction(t *testing.T) {
	m, err := memory.NewFlat(1 << 16)
	require.NoError(t, err)

	defer m.Close()

	require.NoError(t, memory.WriteInstructions(m, 0x1000, CBZ(0, 0x20)))

	bs, err := NewDecoder().DecodeInstruction(m, 0x1000, asm.Aarch64)
	require.NoError(t, err)

	require.Len(t, bs, 3)
	assert.Equal(t, uint64(0x1004), bs[0].Next.Address)
	assert.Equal(t, uint64(0x1020), bs[0].Branch.Address)
	assert.True(t, bs[1].Exit)
	assert.True(t, bs[2].Exit)
}
