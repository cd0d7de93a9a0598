//go:build windows && amd64

package unwind

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

var procInstallCallback = windows.NewLazySystemDLL("ntdll.dll").NewProc("RtlInstallFunctionTableCallback")

// Install registers t as the function table callback of its range.
func (t *Table) Install() (bool, error) {
	if !t.inRange {
		return false, errors.New("work buffer is outside of the covered range")
	}

	cb := syscall.NewCallback(func(controlPc, _ uintptr) uintptr {
		rf, err := t.Lookup(int(controlPc - t.base))
		if err != nil {
			tlog.Printw("unwind lookup", "pc", tlog.FormatNext("%#x"), controlPc, "err", err)
			return 0
		}

		return uintptr(unsafe.Pointer(rf))
	})

	// low bits 3 mark a callback table
	r, _, err := procInstallCallback.Call(t.base|3, t.base, uintptr(t.size), cb, 0, 0)
	if r&0xff == 0 {
		return false, errors.Wrap(err, "RtlInstallFunctionTableCallback")
	}

	return true, nil
}
