package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/arena"
	"github.com/vkngwrapper/heapguard/eventlog"
	"github.com/vkngwrapper/heapguard/guard"
	"golang.org/x/exp/slog"
)

// Heap is a guard allocator assembled from a Config: the backing arena, the allocator itself and,
// when a path is configured, a running event log
type Heap struct {
	Arena     *arena.Arena
	Allocator *guard.Allocator
	EventLog  *eventlog.Writer

	logFile *os.File
}

// Open builds the arena, starts the event log and creates the allocator described by c
func (c Config) Open(logger *slog.Logger) (*Heap, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	arenaOptions, err := c.ArenaOptions()
	if err != nil {
		return nil, err
	}

	backing, err := arena.New(logger, arenaOptions)
	if err != nil {
		return nil, err
	}

	heap := &Heap{Arena: backing}

	var sink guard.EventSink
	if c.EventLog.Path != "" {
		heap.logFile, err = os.Create(c.EventLog.Path)
		if err != nil {
			return nil, errors.CombineErrors(errors.Wrap(err, "create event log"), backing.Close())
		}

		heap.EventLog, err = eventlog.New(logger, heap.logFile, c.LogOptions())
		if err == nil {
			err = heap.EventLog.Start()
		}
		if err != nil {
			return nil, errors.CombineErrors(err, heap.closeBacking())
		}
		sink = heap.EventLog
	}

	heap.Allocator, err = guard.New(logger, backing, c.GuardOptions(sink))
	if err != nil {
		if heap.EventLog != nil {
			err = errors.CombineErrors(err, heap.EventLog.Stop())
		}
		return nil, errors.CombineErrors(err, heap.closeBacking())
	}

	return heap, nil
}

func (h *Heap) closeBacking() error {
	var err error
	if h.logFile != nil {
		err = errors.Wrap(h.logFile.Close(), "close event log")
	}
	return errors.CombineErrors(err, h.Arena.Close())
}

// Close shuts down the allocator, reporting unreleased memory, then stops the event log and unmaps
// the arena. Every step runs even when an earlier one fails.
func (h *Heap) Close() error {
	err := h.Allocator.Close()
	if h.EventLog != nil {
		err = errors.CombineErrors(err, h.EventLog.Stop())
	}
	return errors.CombineErrors(err, h.closeBacking())
}
