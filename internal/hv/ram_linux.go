//go:build linux

package hv

import (
	"golang.org/x/sys/unix"
)

func allocateGuestMemory(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(
		-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, err
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return mem, nil
}

func releaseGuestMemory(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
