package guard

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/memutils"
	"golang.org/x/exp/slog"
)

const (
	// defaultMinAlignment is used as the MinAlignment when none is provided via CreateOptions
	defaultMinAlignment uint = 16
	// defaultGuardWidth is used as the GuardWidth when none is provided via CreateOptions
	defaultGuardWidth int = 16
	// defaultTrackingCapacity is used as the TrackingCapacity when none is provided via CreateOptions
	defaultTrackingCapacity int = 65536

	minimumAlignment uint = 8
)

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// MinAlignment is the platform minimum alignment. Requests for less are clamped up to it. It must be
	// a power of two no smaller than 8. Defaults to 16.
	MinAlignment uint
	// GuardWidth is the number of guard bytes on each side of a payload. It must be a multiple of 8.
	// Defaults to 16, and is forced to 0 by CreateDisableGuards.
	GuardWidth int
	// TrackingCapacity is the number of allocations the tracking table can hold. Allocations beyond it
	// still succeed but are invisible to diagnostics. Defaults to 65536.
	TrackingCapacity int

	// Quarantine controls the delayed-free quarantine. The zero value disables it.
	Quarantine QuarantineOptions
	// Fragmentation controls the occupancy map produced by DumpFragmentationGraph
	Fragmentation FragmentationOptions

	// MemoryLimit is the total memory the process may use. If it is provided, GetInfo reports memory
	// the backend has not claimed yet as free.
	MemoryLimit int

	// EventSink is an optional receiver for every allocation and release
	EventSink EventSink

	// OOMGraphPath is where the fragmentation graph is written before panicking when CreateCrashOnNull
	// is set. If it is empty, no graph is written.
	OOMGraphPath string
}

// New creates a new Allocator which instruments every reservation it makes from backend
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, backend Backend, options CreateOptions) (*Allocator, error) {
	if backend == nil {
		return nil, errors.New("guard.New requires a backend")
	}

	minAlignment := options.MinAlignment
	if minAlignment == 0 {
		minAlignment = defaultMinAlignment
	}
	err := memutils.CheckPow2(minAlignment, "CreateOptions.MinAlignment")
	if err != nil {
		return nil, err
	}
	if minAlignment < minimumAlignment {
		return nil, errors.Newf("CreateOptions.MinAlignment must be at least %d, but was %d", minimumAlignment, minAlignment)
	}

	guardWidth := options.GuardWidth
	if options.Flags&CreateDisableGuards != 0 {
		guardWidth = 0
	} else if guardWidth == 0 {
		guardWidth = defaultGuardWidth
	}
	if guardWidth < 0 || guardWidth%8 != 0 {
		return nil, errors.Newf("CreateOptions.GuardWidth must be a non-negative multiple of 8, but was %d", guardWidth)
	}

	trackingCapacity := options.TrackingCapacity
	if trackingCapacity == 0 {
		trackingCapacity = defaultTrackingCapacity
	}
	if trackingCapacity < 0 || trackingCapacity >= 1<<31-1 {
		return nil, errors.Newf("CreateOptions.TrackingCapacity is out of range: %d", trackingCapacity)
	}

	if options.Quarantine.Capacity < 0 || options.Quarantine.MaxBytes < 0 || options.Quarantine.MaxBlockSize < 0 {
		return nil, errors.New("CreateOptions.Quarantine limits must not be negative")
	}

	if options.MemoryLimit < 0 {
		return nil, errors.Newf("CreateOptions.MemoryLimit must not be negative, but was %d", options.MemoryLimit)
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:       logger,
		backend:      backend,
		createFlags:  options.Flags,
		minAlignment: minAlignment,
		guardWidth:   guardWidth,
		memoryLimit:  options.MemoryLimit,
		oomGraphPath: options.OOMGraphPath,

		tracker:    newTracker(trackingCapacity, useMutex),
		quarantine: newQuarantine(logger, options.Quarantine, backend, useMutex),
		callbacks:  newEventCallbacks(options.EventSink),

		fragmentation: NewFragmentationMap(options.Fragmentation),
		callerBuffer:  make([]byte, attributionBatchRecords*attributionRecordSize),
	}

	if options.Flags&CreateDisableResize == 0 {
		allocator.resizer, _ = backend.(Resizer)
	}

	logger.Debug("guard.New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("MinAlignment", int(minAlignment)),
		slog.Int("GuardWidth", guardWidth),
		slog.Int("TrackingCapacity", trackingCapacity),
		slog.Int("QuarantineCapacity", options.Quarantine.Capacity),
		slog.Bool("NativeResize", allocator.resizer != nil),
	)

	return allocator, nil
}
