//go:build windows

package vm

import (
	"unsafe"

	"golang.org/x/sys/windows"
	"tlog.app/go/errors"
)

func PageSize() int { return windows.Getpagesize() }

func Reserve(size int) ([]byte, error) {
	p, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, errors.Wrap(err, "reserve %#x", size)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size), nil
}

func Alloc(size int) ([]byte, error) {
	p, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, errors.Wrap(err, "alloc %#x", size)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size), nil
}

func Protect(b []byte, p Prot) error {
	if len(b) == 0 {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&b[0]))

	_, err := windows.VirtualAlloc(addr, uintptr(len(b)), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return errors.Wrap(err, "commit")
	}

	var old uint32

	err = windows.VirtualProtect(addr, uintptr(len(b)), prot(p), &old)
	if err != nil {
		return errors.Wrap(err, "protect %v", p)
	}

	return nil
}

func Free(b []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&b[0])), 0, windows.MEM_RELEASE)
}

func prot(p Prot) uint32 {
	switch p {
	case ProtNone:
		return windows.PAGE_NOACCESS
	case ProtRead:
		return windows.PAGE_READONLY
	case ProtRW:
		return windows.PAGE_READWRITE
	case ProtRX:
		return windows.PAGE_EXECUTE_READ
	case ProtRWX:
		return windows.PAGE_EXECUTE_READWRITE
	case ProtExec:
		return windows.PAGE_EXECUTE
	}

	return windows.PAGE_READWRITE
}
