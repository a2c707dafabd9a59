package guard

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/internal/utils"
	"github.com/vkngwrapper/heapguard/memutils"
	"golang.org/x/exp/slog"
)

// QuarantineOptions controls the delayed-free quarantine. The zero value disables it, so every
// Deallocate returns memory to the backend immediately.
type QuarantineOptions struct {
	// Capacity is the number of released blocks held back at once
	Capacity int
	// MaxBytes caps the reserved bytes held back at once. 0 means no cap beyond Capacity.
	MaxBytes int
	// MaxBlockSize is the largest reservation that will be quarantined. Larger blocks are freed
	// immediately. 0 means no limit.
	MaxBlockSize int
	// RevokeAccess removes access to the whole pages of each quarantined payload, if the backend
	// implements AccessController
	RevokeAccess bool
}

type quarantineSlot struct {
	base          unsafe.Pointer
	payload       unsafe.Pointer
	sizeReserved  int
	sizeRequested int

	// The freed fill pattern covers fillSize bytes starting fillOffset bytes from payload
	fillOffset int
	fillSize   int
	revoked    bool
}

type quarantine struct {
	logger  *slog.Logger
	options QuarantineOptions
	backend Backend
	access  AccessController

	mutex utils.OptionalMutex
	slots []quarantineSlot
	head  int
	count int
	bytes int

	evictions atomic.Int64
}

func newQuarantine(logger *slog.Logger, options QuarantineOptions, backend Backend, useMutex bool) *quarantine {
	q := &quarantine{
		logger:  logger,
		options: options,
		backend: backend,
		mutex:   utils.OptionalMutex{UseMutex: useMutex},
		slots:   make([]quarantineSlot, options.Capacity),
	}

	if options.RevokeAccess {
		q.access, _ = backend.(AccessController)
	}

	return q
}

func (q *quarantine) enabled() bool {
	return len(q.slots) > 0
}

func (q *quarantine) bypasses(slot quarantineSlot) bool {
	if q.options.MaxBlockSize > 0 && slot.sizeReserved > q.options.MaxBlockSize {
		return true
	}

	return q.options.MaxBytes > 0 && slot.sizeReserved > q.options.MaxBytes
}

// admit takes ownership of a released reservation. Oldest slots are evicted until the new one fits
// under both the slot and byte limits. The error is the first corruption found in an evicted slot.
func (q *quarantine) admit(slot quarantineSlot) error {
	if !q.enabled() || q.bypasses(slot) {
		q.backend.Free(slot.base)
		return nil
	}

	memutils.FillPattern(slot.payload, slot.fillOffset, slot.fillSize, memutils.FreedFillPattern)
	slot.revoked = q.revoke(slot)

	var err error
	for {
		q.mutex.Lock()
		if q.count < len(q.slots) && (q.options.MaxBytes == 0 || q.bytes+slot.sizeReserved <= q.options.MaxBytes) {
			q.slots[(q.head+q.count)%len(q.slots)] = slot
			q.count++
			q.bytes += slot.sizeReserved
			q.mutex.Unlock()
			return err
		}

		victim := q.popOldestLocked()
		q.mutex.Unlock()

		q.evictions.Add(1)
		err = errors.CombineErrors(err, q.release(victim))
	}
}

func (q *quarantine) popOldestLocked() quarantineSlot {
	if q.count == 0 {
		panic("attempted to evict from an empty quarantine")
	}

	victim := q.slots[q.head]
	q.slots[q.head] = quarantineSlot{}
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	q.bytes -= victim.sizeReserved

	return victim
}

func (q *quarantine) revoke(slot quarantineSlot) bool {
	if q.access == nil {
		return false
	}

	// The header in front of the payload stays readable so that double frees are still caught
	err := q.access.Revoke(slot.payload, slot.fillSize+slot.fillOffset)
	if err != nil {
		q.logger.Debug("could not revoke access to quarantined block", slog.Any("error", err))
		return false
	}

	return true
}

func (q *quarantine) verify(slot quarantineSlot) error {
	mismatch := memutils.FindPatternMismatch(slot.payload, slot.fillOffset, slot.fillSize, memutils.FreedFillPattern)
	if mismatch < 0 {
		return nil
	}

	return errors.Wrapf(ErrCorruptionDetected,
		"quarantined block %p (requested size %d) was written at offset %d after it was released",
		slot.payload, slot.sizeRequested, mismatch+slot.fillOffset)
}

// release returns a slot's reservation to the backend. A slot that was written to after release is
// reported and is never handed back to the backend.
func (q *quarantine) release(slot quarantineSlot) error {
	if slot.revoked {
		err := q.access.Restore(slot.payload, slot.fillSize+slot.fillOffset)
		if err != nil {
			q.logger.LogAttrs(context.Background(), slog.LevelError, "could not restore access to quarantined block",
				slog.Any("error", err))
			return errors.Wrapf(err, "restore access to %p", slot.payload)
		}
	}

	err := q.verify(slot)
	if err != nil {
		q.logger.LogAttrs(context.Background(), slog.LevelError, "use after free detected",
			slog.String("payload", formatAddress(uintptr(slot.payload))),
			slog.Int("sizeRequested", slot.sizeRequested),
			slog.Any("error", err))
		return err
	}

	q.backend.Free(slot.base)
	return nil
}

// flush evicts every slot and reports how many were evicted along with the first error found
func (q *quarantine) flush() (int, error) {
	var err error
	flushed := 0

	for {
		q.mutex.Lock()
		if q.count == 0 {
			q.mutex.Unlock()
			return flushed, err
		}
		victim := q.popOldestLocked()
		q.mutex.Unlock()

		flushed++
		q.evictions.Add(1)
		err = errors.CombineErrors(err, q.release(victim))
	}
}

// verifyAll checks the fill pattern of every slot still readable. Revoked slots are skipped.
func (q *quarantine) verifyAll() error {
	var corrupted quarantineSlot
	mismatch := -1

	q.mutex.Lock()
	for i := 0; i < q.count && mismatch < 0; i++ {
		slot := q.slots[(q.head+i)%len(q.slots)]
		if slot.revoked {
			continue
		}

		mismatch = memutils.FindPatternMismatch(slot.payload, slot.fillOffset, slot.fillSize, memutils.FreedFillPattern)
		corrupted = slot
	}
	q.mutex.Unlock()

	if mismatch < 0 {
		return nil
	}

	return errors.Wrapf(ErrCorruptionDetected,
		"quarantined block %p was written at offset %d after it was released", corrupted.payload, mismatch+corrupted.fillOffset)
}

func (q *quarantine) occupancy() (blocks int, bytes int) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.count, q.bytes
}
