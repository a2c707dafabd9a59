//go:build !linux && !darwin && !freebsd

package arena

import (
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// ProtectionSupported is true on platforms where Revoke and Restore actually change page access
const ProtectionSupported = false

// ErrProtectionUnsupported is returned from Revoke and Restore on platforms without page protection
var ErrProtectionUnsupported = errors.New("page protection is not supported on this platform")

func systemPageSize() int {
	return os.Getpagesize()
}

// Regions are plain heap slices here. The Arena keeps them referenced until Close.
func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion(_ []byte) error {
	return nil
}

func protectPages(_ unsafe.Pointer, _ int, _ bool) error {
	return ErrProtectionUnsupported
}
