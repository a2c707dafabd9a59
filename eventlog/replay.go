package eventlog

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// LiveAllocation is an allocation that had not been released by the end of a replayed log
type LiveAllocation struct {
	Address uint64
	Size    int64
	Frame   uint64
	Callers []uint64
}

// CallerTotal sums the live allocations attributed to a single call site
type CallerTotal struct {
	Caller      uint64
	Allocations int
	Bytes       int64
}

// Replay reconstructs the heap's history from a stream of events
type Replay struct {
	live     *swiss.Map[uint64, LiveAllocation]
	counters map[string]int64

	lastFrame       uint64
	lateEvents      int
	allocations     int
	frees           int
	unknownFrees    int
	reusedAddresses int
}

func NewReplay() *Replay {
	return &Replay{
		live:     swiss.NewMap[uint64, LiveAllocation](1024),
		counters: make(map[string]int64),
	}
}

// Apply folds one event into the replay. A free of an unknown address is counted rather than treated
// as an error, since the log may have dropped the matching allocation.
//
// Events from concurrent goroutines can reach the log slightly out of frame order: an allocation tagged
// with frame N may land after another goroutine has already advanced to N+1. Such events are applied in
// log order and counted as late.
func (r *Replay) Apply(event Event) error {
	if event.Frame < r.lastFrame {
		r.lateEvents++
	} else {
		r.lastFrame = event.Frame
	}

	switch event.Kind {
	case KindAllocate:
		if _, exists := r.live.Get(event.Address); exists {
			r.reusedAddresses++
		}
		r.allocations++
		r.live.Put(event.Address, LiveAllocation{
			Address: event.Address,
			Size:    event.Size,
			Frame:   event.Frame,
			Callers: event.Callers,
		})
	case KindFree:
		r.frees++
		if !r.live.Delete(event.Address) {
			r.unknownFrees++
		}
	case KindCounter:
		r.counters[event.Name] = event.Value
	default:
		return errors.Newf("unknown event kind %q", event.Kind)
	}

	return nil
}

// LiveAllocations returns every allocation still live, ordered by address
func (r *Replay) LiveAllocations() []LiveAllocation {
	live := make([]LiveAllocation, 0, r.live.Count())
	r.live.Iter(func(_ uint64, allocation LiveAllocation) bool {
		live = append(live, allocation)
		return false
	})

	slices.SortFunc(live, func(a, b LiveAllocation) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return live
}

// LiveBytes sums the size of every live allocation
func (r *Replay) LiveBytes() int64 {
	var total int64
	r.live.Iter(func(_ uint64, allocation LiveAllocation) bool {
		total += allocation.Size
		return false
	})
	return total
}

// ByCaller groups the live allocations by innermost caller, largest total first
func (r *Replay) ByCaller() []CallerTotal {
	totals := make(map[uint64]*CallerTotal)
	r.live.Iter(func(_ uint64, allocation LiveAllocation) bool {
		caller := uint64(0)
		if len(allocation.Callers) > 0 {
			caller = allocation.Callers[0]
		}

		total, ok := totals[caller]
		if !ok {
			total = &CallerTotal{Caller: caller}
			totals[caller] = total
		}
		total.Allocations++
		total.Bytes += allocation.Size
		return false
	})

	result := make([]CallerTotal, 0, len(totals))
	for _, total := range totals {
		result = append(result, *total)
	}

	slices.SortFunc(result, func(a, b CallerTotal) int {
		switch {
		case a.Bytes != b.Bytes:
			if a.Bytes > b.Bytes {
				return -1
			}
			return 1
		case a.Caller < b.Caller:
			return -1
		case a.Caller > b.Caller:
			return 1
		}
		return 0
	})
	return result
}

// CounterNames returns the names of every sampled counter in order
func (r *Replay) CounterNames() []string {
	names := maps.Keys(r.counters)
	slices.Sort(names)
	return names
}

// Counter returns the last sampled value of a named counter
func (r *Replay) Counter(name string) (int64, bool) {
	value, ok := r.counters[name]
	return value, ok
}

// Summary reports the totals seen by the replay
type Summary struct {
	LastFrame       uint64
	LateEvents      int
	Allocations     int
	Frees           int
	UnknownFrees    int
	ReusedAddresses int
	LiveAllocations int
	LiveBytes       int64
}

func (r *Replay) Summary() Summary {
	return Summary{
		LastFrame:       r.lastFrame,
		LateEvents:      r.lateEvents,
		Allocations:     r.allocations,
		Frees:           r.frees,
		UnknownFrees:    r.unknownFrees,
		ReusedAddresses: r.reusedAddresses,
		LiveAllocations: r.live.Count(),
		LiveBytes:       r.LiveBytes(),
	}
}
