package state

import (
	"sync/atomic"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/jit/vm"
)

type (
	// ExecutionContext is one guest thread.
	ExecutionContext struct {
		mem    []byte
		native *NativeContext

		Mode asm.Mode

		interrupt atomic.Bool

		OnInterrupt      func(ec *ExecutionContext)
		OnSupervisorCall func(ec *ExecutionContext, address uint64, imm uint32)
		OnBreak          func(ec *ExecutionContext, address uint64, imm uint32)
		OnUndefined      func(ec *ExecutionContext, address uint64, opcode uint32)
	}
)

func NewExecutionContext(mode asm.Mode) (*ExecutionContext, error) {
	mem, n, err := allocNative()
	if err != nil {
		return nil, err
	}

	ec := &ExecutionContext{
		mem:    mem,
		native: n,
		Mode:   mode,
	}

	n.Counter = MinCountForCheck
	n.setRunning(true)

	return ec, nil
}

func (ec *ExecutionContext) Close() error {
	if ec.mem == nil {
		return nil
	}

	err := vm.Free(ec.mem)
	ec.mem, ec.native = nil, nil

	return err
}

func (ec *ExecutionContext) Native() *NativeContext { return ec.native }

// Pointer is the context address passed to generated code as argument 0.
func (ec *ExecutionContext) Pointer() uintptr { return ec.native.Ptr() }

func (ec *ExecutionContext) X(i int) uint64 { return ec.native.X[i] }

func (ec *ExecutionContext) SetX(i int, v uint64) { ec.native.X[i] = v }

func (ec *ExecutionContext) V(i int) (lo, hi uint64) {
	return ec.native.V[i][0], ec.native.V[i][1]
}

func (ec *ExecutionContext) SetV(i int, lo, hi uint64) {
	ec.native.V[i] = [2]uint64{lo, hi}
}

func (ec *ExecutionContext) Flag(f asm.Flag) bool { return ec.native.Flags[f] != 0 }

func (ec *ExecutionContext) SetFlag(f asm.Flag, v bool) {
	var x uint32
	if v {
		x = 1
	}

	ec.native.Flags[f] = x
}

func (ec *ExecutionContext) Running() bool {
	return atomic.LoadUint32(ec.native.running()) != 0
}

// StopRunning makes the guest leave at its next synchronization point.
func (ec *ExecutionContext) StopRunning() {
	ec.native.setRunning(false)

	atomic.StoreUint32(ec.native.counter(), 0)
}

func (ec *ExecutionContext) RequestInterrupt() {
	ec.interrupt.Store(true)

	atomic.StoreUint32(ec.native.counter(), 0)
}

// CheckInterrupt is called when the synchronization counter hits zero.
func (ec *ExecutionContext) CheckInterrupt() bool {
	atomic.StoreUint32(ec.native.counter(), MinCountForCheck)

	if ec.interrupt.Swap(false) && ec.OnInterrupt != nil {
		ec.OnInterrupt(ec)
	}

	return ec.Running()
}

func (ec *ExecutionContext) SupervisorCall(address uint64, imm uint32) {
	if ec.OnSupervisorCall != nil {
		ec.OnSupervisorCall(ec, address, imm)
	}
}

func (ec *ExecutionContext) Break(address uint64, imm uint32) {
	if ec.OnBreak != nil {
		ec.OnBreak(ec, address, imm)
		return
	}

	ec.StopRunning()
}

func (ec *ExecutionContext) Undefined(address uint64, opcode uint32) {
	if ec.OnUndefined != nil {
		ec.OnUndefined(ec, address, opcode)
		return
	}

	ec.StopRunning()
}
