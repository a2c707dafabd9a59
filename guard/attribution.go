package guard

import (
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
)

// attributionRecordSize is the length of one caller-attribution record: two 16-digit hex fields
// and a newline
const attributionRecordSize = 33

const attributionBatchRecords = 64

func formatAddress(address uintptr) string {
	return "0x" + strconv.FormatUint(uint64(address), 16)
}

func appendHex16(dst []byte, value uint64) []byte {
	const digits = "0123456789abcdef"
	for shift := 60; shift >= 0; shift -= 4 {
		dst = append(dst, digits[(value>>uint(shift))&0xf])
	}
	return dst
}

// DumpCallers writes one fixed-width record per tracked allocation: the caller address and requested
// size as 16-digit hex numbers, followed by a newline. Records are batched through a buffer allocated
// up front, so the dump does not allocate.
func (a *Allocator) DumpCallers(w io.Writer) error {
	a.logger.Debug("Allocator::DumpCallers")

	a.diagnosticsMutex.Lock()
	defer a.diagnosticsMutex.Unlock()

	buffer := a.callerBuffer
	batch := buffer[:0]

	iterator := a.Allocations()
	for {
		metadata, ok := iterator.Next()
		if !ok {
			break
		}

		if len(batch)+attributionRecordSize > len(buffer) {
			if _, err := w.Write(batch); err != nil {
				return errors.Wrap(err, "write caller records")
			}
			batch = buffer[:0]
		}

		batch = appendHex16(batch, uint64(metadata.CallerAddress))
		batch = appendHex16(batch, uint64(metadata.SizeRequested))
		batch = append(batch, '\n')
	}

	if len(batch) > 0 {
		if _, err := w.Write(batch); err != nil {
			return errors.Wrap(err, "write caller records")
		}
	}

	return nil
}
