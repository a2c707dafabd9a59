package memutils

import "unsafe"

const (
	// CreatedFillPattern is written over fresh payloads so reads of uninitialized memory are recognizable
	CreatedFillPattern byte = 0xCD
	// GuardFillPattern is written into the guard regions on either side of a payload
	GuardFillPattern byte = 0xFD
	// FreedFillPattern is written over payloads and guards once they have been deallocated
	FreedFillPattern byte = 0xDD
)

// FillPattern writes pattern across size bytes starting at offset bytes past data
func FillPattern(data unsafe.Pointer, offset int, size int, pattern byte) {
	if size <= 0 {
		return
	}

	dest := unsafe.Slice((*byte)(unsafe.Add(data, offset)), size)
	dest[0] = pattern
	for filled := 1; filled < size; filled *= 2 {
		copy(dest[filled:], dest[:filled])
	}
}

// FindPatternMismatch returns the index of the first byte in the size bytes starting at offset bytes past data
// which does not hold pattern, or -1 if every byte holds it.
func FindPatternMismatch(data unsafe.Pointer, offset int, size int, pattern byte) int {
	if size <= 0 {
		return -1
	}

	source := unsafe.Slice((*byte)(unsafe.Add(data, offset)), size)

	wordSize := int(unsafe.Sizeof(uint64(0)))
	wordPattern := uint64(pattern) * 0x0101010101010101

	i := 0
	// Compare a word at a time once the read is aligned
	for i < size && uintptr(unsafe.Pointer(&source[i]))%uintptr(wordSize) != 0 {
		if source[i] != pattern {
			return i
		}
		i++
	}

	for ; i+wordSize <= size; i += wordSize {
		if *(*uint64)(unsafe.Pointer(&source[i])) != wordPattern {
			break
		}
	}

	for ; i < size; i++ {
		if source[i] != pattern {
			return i
		}
	}

	return -1
}
