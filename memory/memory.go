package memory

import (
	"encoding/binary"
	"math/bits"
	"unsafe"

	"tlog.app/go/errors"

	"github.com/slowlang/armjit/jit/vm"
)

type (
	// Manager is guest memory as seen by the translator.
	Manager interface {
		Read(addr uint64, p []byte) error
		Write(addr uint64, p []byte) error

		// PageTablePointer is the base generated code adds guest addresses to.
		PageTablePointer() uintptr

		// AddressMask is applied to guest addresses by generated code.
		// Zero means accesses must go through helpers.
		AddressMask() uint64
	}

	// Flat maps the whole guest address space onto one host range.
	// Addresses wrap at the power-of-two size.
	Flat struct {
		mem  []byte
		size uint64
	}
)

var ErrOutOfRange = errors.New("address out of range")

const guard = 16

func NewFlat(size uint64) (*Flat, error) {
	if size == 0 || bits.OnesCount64(size) != 1 {
		return nil, errors.New("flat memory size must be a power of two: %#x", size)
	}

	mem, err := vm.Alloc(int(size) + guard)
	if err != nil {
		return nil, err
	}

	return &Flat{mem: mem, size: size}, nil
}

func (m *Flat) Close() error {
	if m.mem == nil {
		return nil
	}

	err := vm.Free(m.mem)
	m.mem = nil

	return err
}

func (m *Flat) Size() uint64 { return m.size }

func (m *Flat) AddressMask() uint64 { return m.size - 1 }

func (m *Flat) PageTablePointer() uintptr {
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

func (m *Flat) Read(addr uint64, p []byte) error {
	if addr >= m.size || uint64(len(p)) > m.size-addr {
		return errors.Wrap(ErrOutOfRange, "read %#x+%d", addr, len(p))
	}

	copy(p, m.mem[addr:])

	return nil
}

func (m *Flat) Write(addr uint64, p []byte) error {
	if addr >= m.size || uint64(len(p)) > m.size-addr {
		return errors.Wrap(ErrOutOfRange, "write %#x+%d", addr, len(p))
	}

	copy(m.mem[addr:], p)

	return nil
}

func ReadUint32(m Manager, addr uint64) (uint32, error) {
	var b [4]byte

	err := m.Read(addr, b[:])

	return binary.LittleEndian.Uint32(b[:]), err
}

func ReadUint64(m Manager, addr uint64) (uint64, error) {
	var b [8]byte

	err := m.Read(addr, b[:])

	return binary.LittleEndian.Uint64(b[:]), err
}

func WriteUint32(m Manager, addr uint64, v uint32) error {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)

	return m.Write(addr, b[:])
}

func WriteUint64(m Manager, addr uint64, v uint64) error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)

	return m.Write(addr, b[:])
}

// WriteInstructions stores little-endian 32-bit words starting at addr.
func WriteInstructions(m Manager, addr uint64, ins ...uint32) error {
	for i, x := range ins {
		if err := WriteUint32(m, addr+uint64(i)*4, x); err != nil {
			return err
		}
	}

	return nil
}
