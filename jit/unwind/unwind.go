// Package unwind describes translated functions to the host unwinder.
//
// Windows x64 walks stacks through RUNTIME_FUNCTION records,
// which are produced on demand by a callback covering the whole code cache.
package unwind

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"tlog.app/go/errors"

	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/jit/jitcache"
)

type (
	Finder interface {
		TryFind(offset int) (jitcache.Entry, bool)
	}

	Op uint8

	RuntimeFunction struct {
		BeginAddress uint32
		EndAddress   uint32
		UnwindData   uint32
	}

	// Info is UNWIND_INFO with a fixed capacity code array.
	Info struct {
		VersionAndFlags    uint8
		SizeOfProlog       uint8
		CountOfUnwindCodes uint8
		FrameRegister      uint8
		UnwindCodes        [MaxUnwindCodes]uint16
	}

	// Table produces unwind records for the code cache.
	// Records are built in one scratch buffer: a result is valid until the next Lookup.
	Table struct {
		mu sync.Mutex

		base uintptr
		size int
		find Finder

		// scratch holds RuntimeFunction followed by Info.
		// workOffset is its offset from base, UnwindData is relative to base.
		scratch    []byte
		workOffset uint32
		inRange    bool
	}
)

const (
	OpPushNonvol Op = iota
	OpAllocLarge
	OpAllocSmall
	OpSetFpreg
	OpSaveNonvol
	OpSaveNonvolFar
	_
	_
	OpSaveXmm128
	OpSaveXmm128Far
	OpPushMachframe
)

const MaxUnwindCodes = 32

var (
	runtimeFunctionSize = int(unsafe.Sizeof(RuntimeFunction{}))
	infoSize            = int(unsafe.Sizeof(Info{}))

	// WorkSize is the scratch size a Table needs.
	WorkSize = runtimeFunctionSize + infoSize
)

var (
	ErrTooManyCodes = errors.New("too many unwind codes")
	ErrUnknownOp    = errors.New("unknown unwind op")
	ErrMisaligned   = errors.New("misaligned unwind offset")
)

// NewTable covers [base, base+size). work must be at least WorkSize bytes
// and when installed it must lie inside the covered range.
func NewTable(base uintptr, size int, find Finder, work []byte) (*Table, error) {
	if len(work) < WorkSize {
		return nil, errors.New("work buffer too small: %d < %d", len(work), WorkSize)
	}

	t := &Table{
		base:    base,
		size:    size,
		find:    find,
		scratch: work[:WorkSize:WorkSize],
	}

	w := uintptr(unsafe.Pointer(&work[0]))
	if w >= base && w < base+uintptr(size) {
		t.workOffset = uint32(w - base)
		t.inRange = true
	}

	return t, nil
}

// ForCache builds a Table over c using its work page.
func ForCache(c *jitcache.Cache) (*Table, error) {
	return NewTable(c.Base(), c.Size(), c, c.Work())
}

// Lookup returns the record for the function containing offset, or nil.
func (t *Table) Lookup(offset int) (*RuntimeFunction, error) {
	e, ok := t.find.TryFind(offset)
	if !ok {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rf := (*RuntimeFunction)(unsafe.Pointer(&t.scratch[0]))
	info := (*Info)(unsafe.Pointer(&t.scratch[runtimeFunctionSize]))

	n, err := Encode(info.UnwindCodes[:], e.Unwind)
	if err != nil {
		return nil, errors.Wrap(err, "entry %#x", e.Offset)
	}

	info.VersionAndFlags = 1
	info.SizeOfProlog = uint8(e.Unwind.PrologSize)
	info.CountOfUnwindCodes = uint8(n)
	info.FrameRegister = 0

	rf.BeginAddress = uint32(e.Offset)
	rf.EndAddress = uint32(e.Offset + e.Size)
	rf.UnwindData = t.workOffset + uint32(runtimeFunctionSize)

	return rf, nil
}

// Info returns the unwind info written by the last Lookup.
func (t *Table) Info() *Info {
	return (*Info)(unsafe.Pointer(&t.scratch[runtimeFunctionSize]))
}

// Encode writes the UNWIND_CODE slots for u into codes, last push first, and returns the slot count.
func Encode(codes []uint16, u back.UnwindInfo) (n int, err error) {
	put := func(v ...uint16) error {
		if n+len(v) > len(codes) {
			return ErrTooManyCodes
		}

		n += copy(codes[n:], v)

		return nil
	}

	for i := len(u.PushEntries) - 1; i >= 0; i-- {
		e := u.PushEntries[i]
		off := uint8(e.PrologOffset)
		x := uint32(e.StackOffsetOrAllocSize)

		switch e.Op {
		case back.UnwindPushReg:
			err = put(Pack(OpPushNonvol, off, e.Reg))
		case back.UnwindSaveReg:
			if x%8 != 0 {
				return n, errors.Wrap(ErrMisaligned, "save reg %d", x)
			}

			if x <= 0x7fff8 {
				err = put(Pack(OpSaveNonvol, off, e.Reg), uint16(x/8))
			} else {
				err = put(Pack(OpSaveNonvolFar, off, e.Reg), uint16(x), uint16(x>>16))
			}
		case back.UnwindSaveXmm128:
			if x%16 != 0 {
				return n, errors.Wrap(ErrMisaligned, "save xmm %d", x)
			}

			if x <= 0xffff0 {
				err = put(Pack(OpSaveXmm128, off, e.Reg), uint16(x/16))
			} else {
				err = put(Pack(OpSaveXmm128Far, off, e.Reg), uint16(x), uint16(x>>16))
			}
		case back.UnwindAllocStack:
			if x%8 != 0 {
				return n, errors.Wrap(ErrMisaligned, "alloc %d", x)
			}

			switch {
			case x <= 128:
				err = put(Pack(OpAllocSmall, off, int(x/8-1)))
			case x <= 0x7fff8:
				err = put(Pack(OpAllocLarge, off, 0), uint16(x/8))
			default:
				err = put(Pack(OpAllocLarge, off, 1), uint16(x), uint16(x>>16))
			}
		default:
			return n, errors.Wrap(ErrUnknownOp, "%d", e.Op)
		}

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// Pack builds an UNWIND_CODE slot.
func Pack(op Op, prologOffset uint8, info int) uint16 {
	return uint16(prologOffset) | uint16(op)<<8 | uint16(info&0xf)<<12
}

// Bytes returns the raw little-endian record as the OS sees it.
func (rf *RuntimeFunction) Bytes() []byte {
	b := make([]byte, runtimeFunctionSize)

	binary.LittleEndian.PutUint32(b[0:], rf.BeginAddress)
	binary.LittleEndian.PutUint32(b[4:], rf.EndAddress)
	binary.LittleEndian.PutUint32(b[8:], rf.UnwindData)

	return b
}
