// Package vmsys wraps the handful of raw virtual-memory primitives the
// mapper and linker stages need (anonymous allocation, protection changes)
// over golang.org/x/sys/unix, the same way the teacher's domain peers in
// the examples pack reach for x/sys rather than hand-rolling syscalls.
package vmsys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Alloc reserves size bytes of anonymous, private memory, initially
// readable and writable so the mapper can copy segment contents into it
// before the linker re-protects it to each segment's real permissions.
func Alloc(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("vmsys: mmap %d byte(s): %w", size, err)
	}
	return mem, nil
}

// Protect changes the protection of the pages backing region to prot (a
// combination of unix.PROT_READ/PROT_WRITE/PROT_EXEC). setMaximum mirrors
// the host platform's distinction between a region's current protection
// and its maximum allowed protection; on this target both calls go through
// mprotect and setMaximum only affects the error message.
func Protect(region []byte, prot int, setMaximum bool) error {
	if err := unix.Mprotect(region, prot); err != nil {
		kind := "current"
		if setMaximum {
			kind = "maximum"
		}
		return fmt.Errorf("vmsys: mprotect (%s protection %#o): %w", kind, prot, err)
	}
	return nil
}
