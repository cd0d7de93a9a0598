//go:build unix

package vm

import (
	"golang.org/x/sys/unix"
	"tlog.app/go/errors"
)

func PageSize() int { return unix.Getpagesize() }

// Reserve maps size bytes of inaccessible address space without committing it.
func Reserve(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrap(err, "reserve %#x", size)
	}

	return b, nil
}

// Alloc maps size bytes of zeroed read-write memory.
func Alloc(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrap(err, "alloc %#x", size)
	}

	return b, nil
}

// Protect commits b if needed and sets its protection. b must be page aligned.
func Protect(b []byte, p Prot) error {
	if len(b) == 0 {
		return nil
	}

	err := unix.Mprotect(b, prot(p))
	if err != nil {
		return errors.Wrap(err, "mprotect %v", p)
	}

	return nil
}

func Free(b []byte) error {
	return unix.Munmap(b)
}

func prot(p Prot) (r int) {
	if p&ProtRead != 0 {
		r |= unix.PROT_READ
	}

	if p&ProtWrite != 0 {
		r |= unix.PROT_WRITE
	}

	if p&ProtExec != 0 {
		r |= unix.PROT_EXEC
	}

	return r
}
