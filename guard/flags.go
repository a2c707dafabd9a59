package guard

import (
	"math/bits"
	"strconv"
	"strings"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that this allocator will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time or is synchronized by some
	// other mechanism, but performance may improve because internal mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateFillAllocations writes CreatedFillPattern over every fresh payload so that reads of
	// uninitialized memory are recognizable
	CreateFillAllocations
	// CreateCrashOnNull dumps statistics and a fragmentation graph and then panics when the backend
	// runs out of memory, instead of returning ErrOutOfMemory
	CreateCrashOnNull
	// CreateCrashOnCorruption dumps statistics and then panics when a double free or corruption is
	// detected, instead of returning the error
	CreateCrashOnCorruption
	// CreateDisableResize ignores the backend's Resize method even if it has one, so that Reallocate
	// always takes the allocate, copy and free path
	CreateDisableResize
	// CreateDisableGuards sets the guard width to zero. Metadata headers are still written.
	CreateDisableGuards
)

var createFlagNames = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateFillAllocations:        "CreateFillAllocations",
	CreateCrashOnNull:            "CreateCrashOnNull",
	CreateCrashOnCorruption:      "CreateCrashOnCorruption",
	CreateDisableResize:          "CreateDisableResize",
	CreateDisableGuards:          "CreateDisableGuards",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint32(f)
	for remaining != 0 {
		bit := CreateFlags(1 << bits.TrailingZeros32(remaining))
		remaining &^= uint32(bit)

		if sb.Len() > 0 {
			sb.WriteByte('|')
		}

		name, known := createFlagNames[bit]
		if !known {
			name = "CreateFlags(0x" + strconv.FormatUint(uint64(uint32(bit)), 16) + ")"
		}
		sb.WriteString(name)
	}

	return sb.String()
}
