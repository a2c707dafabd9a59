package guard

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// DetailedMapPrinter is implemented by backends that can describe their own address space as json.
// arena.Arena implements it.
type DetailedMapPrinter interface {
	PrintDetailedMap(writer *jwriter.Writer)
}

// BuildStatsString returns a json document describing the allocator's counters, its backend and its
// quarantine. When detailed is true, every tracked allocation is listed, along with the backend's own
// map if it provides one.
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	info := a.GetInfo()

	obj := writer.Object()

	stats := obj.Name("Stats").Object()
	stats.Name("BytesRequested").Int(info.BytesRequested)
	stats.Name("BytesReserved").Int(info.BytesReserved)
	stats.Name("AllocationCount").Int(info.AllocationCount)
	stats.Name("LifetimeAllocations").Int(info.LifetimeAllocations)
	stats.Name("Frame").Float64(float64(a.frame.Load()))
	stats.End()

	backend := obj.Name("Backend").Object()
	backend.Name("SystemBytes").Int(info.SystemBytes)
	backend.Name("InUseBytes").Int(info.InUseBytes)
	backend.Name("FreeBytes").Int(info.FreeBytes)
	backend.Name("NativeResize").Bool(a.resizer != nil)
	backend.End()

	quarantine := obj.Name("Quarantine").Object()
	quarantine.Name("Capacity").Int(len(a.quarantine.slots))
	quarantine.Name("Blocks").Int(info.QuarantinedBlocks)
	quarantine.Name("Bytes").Int(info.QuarantinedBytes)
	quarantine.Name("Evictions").Int(info.QuarantineEvictions)
	quarantine.End()

	tracking := obj.Name("Tracking").Object()
	tracking.Name("Capacity").Int(info.TrackingCapacity)
	tracking.Name("Tracked").Int(info.TrackedAllocations)
	tracking.Name("Untracked").Int(info.UntrackedAllocations)
	tracking.End()

	if detailed {
		a.printAllocations(obj.Name("Allocations"))

		if printer, ok := a.backend.(DetailedMapPrinter); ok {
			printer.PrintDetailedMap(obj.Name("Regions"))
		}
	}

	obj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printAllocations(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()

	iterator := a.Allocations()
	for {
		metadata, ok := iterator.Next()
		if !ok {
			break
		}

		o := arr.Object()
		o.Name("Address").String(formatAddress(metadata.BasePtr))
		o.Name("SizeRequested").Int(metadata.SizeRequested)
		o.Name("SizeReserved").Int(metadata.SizeReserved)
		o.Name("Alignment").Int(int(metadata.Alignment))
		o.Name("Caller").String(formatAddress(metadata.CallerAddress))
		o.End()
	}
}
