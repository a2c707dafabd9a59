package guard

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exports the allocator's counters as observable instruments on meter. The instruments
// are read from the live counters whenever the meter's reader collects. name distinguishes allocators
// sharing a meter.
func (a *Allocator) RegisterMetrics(meter metric.Meter, name string) error {
	attrs := metric.WithAttributes(attribute.String("allocator", name))

	gauges := []struct {
		name        string
		description string
		unit        string
		read        func() int
	}{
		{"heapguard_bytes_requested", "Payload bytes held by live allocations", "By", a.stats.BytesRequested},
		{"heapguard_bytes_reserved", "Backend bytes held by live allocations, including headers and guards", "By", a.stats.BytesReserved},
		{"heapguard_allocations", "Live allocations", "{allocation}", a.stats.AllocationCount},
		{"heapguard_quarantined_bytes", "Reserved bytes held in the quarantine", "By", func() int {
			_, bytes := a.quarantine.occupancy()
			return bytes
		}},
	}

	for _, gauge := range gauges {
		read := gauge.read
		_, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit(gauge.unit),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read()), attrs)
				return nil
			}),
		)
		if err != nil {
			return errors.Wrapf(err, "register %s", gauge.name)
		}
	}

	_, err := meter.Int64ObservableCounter("heapguard_lifetime_allocations",
		metric.WithDescription("Allocations made since the allocator was created"),
		metric.WithUnit("{allocation}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(a.stats.LifetimeAllocations()), attrs)
			return nil
		}),
	)
	if err != nil {
		return errors.Wrap(err, "register heapguard_lifetime_allocations")
	}

	return nil
}
