//go:build unix

package vm

import (
	"golang.org/x/sys/unix"
)

// mapExec maps an anonymous private region with read, write and execute
// protection in one step. W^X toggling is deliberately absent: the pool
// relies on patch auditing and breakpoint poisoning instead, and compiled
// sites must stay writable for poison fills on release.
func mapExec(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapExec(mem []byte) error {
	return unix.Munmap(mem)
}
