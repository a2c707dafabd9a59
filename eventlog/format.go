package eventlog

import "strconv"

// Kind is the marker character that starts every line of the event log
type Kind byte

const (
	// KindAllocate lines record a fresh allocation: address, size, frame, then caller addresses
	KindAllocate Kind = '+'
	// KindFree lines record a release: address, size, frame
	KindFree Kind = '-'
	// KindCounter lines record a named counter sample: name, value, frame
	KindCounter Kind = 'C'
)

// maxLineLength bounds a single encoded event. Counter names are truncated to fit.
const maxLineLength = 512

const maxCounterName = 128

func appendHex(dst []byte, value uint64) []byte {
	dst = append(dst, '0', 'x')
	return strconv.AppendUint(dst, value, 16)
}

// AppendAllocation encodes an allocation event onto dst
func AppendAllocation(dst []byte, address uintptr, size int, frame uint64, callers []uintptr) []byte {
	dst = append(dst, byte(KindAllocate), ' ')
	dst = appendHex(dst, uint64(address))
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(size), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, frame, 10)
	for _, caller := range callers {
		dst = append(dst, ' ')
		dst = appendHex(dst, uint64(caller))
	}
	return append(dst, '\n')
}

// AppendFree encodes a release event onto dst
func AppendFree(dst []byte, address uintptr, size int, frame uint64) []byte {
	dst = append(dst, byte(KindFree), ' ')
	dst = appendHex(dst, uint64(address))
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(size), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, frame, 10)
	return append(dst, '\n')
}

// AppendCounter encodes a counter sample onto dst. Whitespace in name is replaced with underscores.
func AppendCounter(dst []byte, name string, value int64, frame uint64) []byte {
	dst = append(dst, byte(KindCounter), ' ')
	if len(name) > maxCounterName {
		name = name[:maxCounterName]
	}
	if name == "" {
		name = "_"
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			c = '_'
		}
		dst = append(dst, c)
	}
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, value, 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, frame, 10)
	return append(dst, '\n')
}
