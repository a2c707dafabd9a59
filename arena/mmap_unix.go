//go:build linux || darwin || freebsd

package arena

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ProtectionSupported is true on platforms where Revoke and Restore actually change page access
const ProtectionSupported = true

func systemPageSize() int {
	return unix.Getpagesize()
}

func mapRegion(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}
	return data, nil
}

func unmapRegion(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return errors.Wrap(err, "munmap failed")
	}
	return nil
}

func protectPages(start unsafe.Pointer, size int, accessible bool) error {
	prot := unix.PROT_NONE
	if accessible {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	if err := unix.Mprotect(unsafe.Slice((*byte)(start), size), prot); err != nil {
		return errors.Wrapf(err, "mprotect of %d bytes at %p failed", size, start)
	}
	return nil
}
