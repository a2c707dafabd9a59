package guard

// EventSink receives every allocation and release made through an Allocator, tagged with the frame
// they happened in. It is called on the allocating goroutine and must not allocate through the same
// Allocator. eventlog.Writer implements it.
type EventSink interface {
	RecordAllocation(address uintptr, size int, frame uint64, callers []uintptr)
	RecordFree(address uintptr, size int, frame uint64)
}

// CounterSink can optionally be implemented by an EventSink to receive the named counter samples taken
// by Allocator.AdvanceFrame
type CounterSink interface {
	Counter(name string, value int64, frame uint64)
}

type eventCallbacks struct {
	sink     EventSink
	counters CounterSink
}

func newEventCallbacks(sink EventSink) eventCallbacks {
	callbacks := eventCallbacks{sink: sink}
	if sink != nil {
		callbacks.counters, _ = sink.(CounterSink)
	}

	return callbacks
}

func (c eventCallbacks) Allocate(address uintptr, size int, frame uint64, callers []uintptr) {
	if c.sink != nil {
		c.sink.RecordAllocation(address, size, frame, callers)
	}
}

func (c eventCallbacks) Free(address uintptr, size int, frame uint64) {
	if c.sink != nil {
		c.sink.RecordFree(address, size, frame)
	}
}

func (c eventCallbacks) Counter(name string, value int64, frame uint64) {
	if c.counters != nil {
		c.counters.Counter(name, value, frame)
	}
}
