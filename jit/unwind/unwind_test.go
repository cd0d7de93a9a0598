package unwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/jit/jitcache"
	"github.com/slowlang/armjit/jit/vm"
)

func TestEncode(t *testing.T) {
	u := back.UnwindInfo{
		PrologSize: 20,
		PushEntries: []back.UnwindPushEntry{
			{Op: back.UnwindPushReg, PrologOffset: 1, Reg: 3},
			{Op: back.UnwindPushReg, PrologOffset: 2, Reg: 5},
			{Op: back.UnwindAllocStack, PrologOffset: 9, StackOffsetOrAllocSize: 0x40},
			{Op: back.UnwindSaveXmm128, PrologOffset: 14, Reg: 6, StackOffsetOrAllocSize: 0x20},
			{Op: back.UnwindAllocStack, PrologOffset: 20, StackOffsetOrAllocSize: 0x1000},
		},
	}

	var codes [MaxUnwindCodes]uint16

	n, err := Encode(codes[:], u)
	require.NoError(t, err)

	assert.Equal(t, []uint16{
		Pack(OpAllocLarge, 20, 0), 0x1000 / 8,
		Pack(OpSaveXmm128, 14, 6), 2,
		Pack(OpAllocSmall, 9, 7),
		Pack(OpPushNonvol, 2, 5),
		Pack(OpPushNonvol, 1, 3),
	}, codes[:n])

	assert.Equal(t, uint16(0x7209), Pack(OpAllocSmall, 9, 7))
}

func TestEncodeFarAndErrors(t *testing.T) {
	var codes [4]uint16

	n, err := Encode(codes[:], back.UnwindInfo{PushEntries: []back.UnwindPushEntry{
		{Op: back.UnwindAllocStack, StackOffsetOrAllocSize: 0x100000},
	}})
	require.NoError(t, err)
	assert.Equal(t, []uint16{Pack(OpAllocLarge, 0, 1), 0, 0x10}, codes[:n])

	n, err = Encode(codes[:], back.UnwindInfo{PushEntries: []back.UnwindPushEntry{
		{Op: back.UnwindSaveXmm128, Reg: 7, StackOffsetOrAllocSize: 0x100000},
	}})
	require.NoError(t, err)
	assert.Equal(t, []uint16{Pack(OpSaveXmm128Far, 0, 7), 0, 0x10}, codes[:n])

	_, err = Encode(codes[:], back.UnwindInfo{PushEntries: []back.UnwindPushEntry{
		{Op: back.UnwindAllocStack, StackOffsetOrAllocSize: 12},
	}})
	assert.ErrorIs(t, err, ErrMisaligned)

	_, err = Encode(codes[:1], back.UnwindInfo{PushEntries: []back.UnwindPushEntry{
		{Op: back.UnwindSaveReg, StackOffsetOrAllocSize: 8},
	}})
	assert.ErrorIs(t, err, ErrTooManyCodes)

	_, err = Encode(codes[:], back.UnwindInfo{PushEntries: []back.UnwindPushEntry{{Op: 77}}})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestLookup(t *testing.T) {
	c, err := jitcache.New(4*vm.PageSize(), 16)
	require.NoError(t, err)

	defer c.Close()

	tab, err := ForCache(c)
	require.NoError(t, err)

	p, err := c.Map(make([]byte, 64), back.UnwindInfo{
		PrologSize:  4,
		PushEntries: []back.UnwindPushEntry{{Op: back.UnwindPushReg, PrologOffset: 1, Reg: 3}},
	})
	require.NoError(t, err)

	off := int(p - c.Base())

	rf, err := tab.Lookup(off + 10)
	require.NoError(t, err)
	require.NotNil(t, rf)

	assert.Equal(t, uint32(off), rf.BeginAddress)
	assert.Equal(t, uint32(off+64), rf.EndAddress)
	assert.Equal(t, uint32(runtimeFunctionSize), rf.UnwindData)

	info := tab.Info()
	assert.Equal(t, uint8(1), info.VersionAndFlags)
	assert.Equal(t, uint8(4), info.SizeOfProlog)
	assert.Equal(t, uint8(1), info.CountOfUnwindCodes)
	assert.Equal(t, Pack(OpPushNonvol, 1, 3), info.UnwindCodes[0])

	assert.Len(t, rf.Bytes(), 12)

	rf, err = tab.Lookup(off + 64)
	assert.NoError(t, err)
	assert.Nil(t, rf)
}

func TestNewTableSmallWork(t *testing.T) {
	_, err := NewTable(0, 0, nil, make([]byte, 4))
	assert.Error(t, err)
}
