package state

import (
	"sync/atomic"
	"unsafe"

	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/vm"
)

type (
	// NativeContext is the guest register file shared with generated code.
	// It lives outside the Go heap so code may hold its address.
	NativeContext struct {
		X       [ir.RegsPerClass]uint64
		V       [ir.RegsPerClass][2]uint64
		Flags   [ir.RegsPerClass]uint32
		FpFlags [ir.RegsPerClass]uint32

		TpidrEl0   uint64
		TpidrroEl0 uint64

		Counter uint32
		Running uint32

		DispatchAddress uint64

		ExclusiveAddress   uint64
		ExclusiveValueLow  uint64
		ExclusiveValueHigh uint64
	}

	classLayout struct {
		base   int64
		stride int64

		// register type by mode: 64-bit, 32-bit
		t64, t32 ir.Type
	}
)

// MinCountForCheck is the synchronization counter reload value.
const MinCountForCheck = 4000

var (
	OffsetCounter         = int64(unsafe.Offsetof(NativeContext{}.Counter))
	OffsetRunning         = int64(unsafe.Offsetof(NativeContext{}.Running))
	OffsetDispatchAddress = int64(unsafe.Offsetof(NativeContext{}.DispatchAddress))
	OffsetTpidrEl0        = int64(unsafe.Offsetof(NativeContext{}.TpidrEl0))

	Size = int(unsafe.Sizeof(NativeContext{}))
)

var layout = [ir.ClassCount]classLayout{
	ir.ClassInt:    {int64(unsafe.Offsetof(NativeContext{}.X)), 8, ir.I64, ir.I32},
	ir.ClassVector: {int64(unsafe.Offsetof(NativeContext{}.V)), 16, ir.V128, ir.V128},
	ir.ClassFlag:   {int64(unsafe.Offsetof(NativeContext{}.Flags)), 4, ir.I32, ir.I32},
	ir.ClassFpFlag: {int64(unsafe.Offsetof(NativeContext{}.FpFlags)), 4, ir.I32, ir.I32},
}

// RegisterOffset is the byte offset of a register inside NativeContext.
func RegisterOffset(c ir.RegClass, index int) int64 {
	l := layout[c]

	return l.base + l.stride*int64(index)
}

// RegisterType is the IR type guest registers of class c have in mode m.
func RegisterType(c ir.RegClass, m asm.Mode) ir.Type {
	if m.Is64() {
		return layout[c].t64
	}

	return layout[c].t32
}

// KeyRegister decodes a flat register key into a register operand for mode m.
func KeyRegister(k ir.RegKey, m asm.Mode) ir.Operand {
	c := k.Class()

	return ir.Reg(k.Index(), c, RegisterType(c, m))
}

func allocNative() ([]byte, *NativeContext, error) {
	mem, err := vm.Alloc(vm.AlignUp(Size, vm.PageSize()))
	if err != nil {
		return nil, nil, errors.Wrap(err, "mmap native context")
	}

	return mem, (*NativeContext)(unsafe.Pointer(&mem[0])), nil
}

func (n *NativeContext) counter() *uint32 { return &n.Counter }

func (n *NativeContext) running() *uint32 { return &n.Running }

func (n *NativeContext) Ptr() uintptr { return uintptr(unsafe.Pointer(n)) }

func (n *NativeContext) setRunning(v bool) {
	var x uint32
	if v {
		x = 1
	}

	atomic.StoreUint32(n.running(), x)
}
