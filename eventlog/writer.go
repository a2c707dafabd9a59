package eventlog

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

const defaultBufferSize = 64 * 1024

// Options contains optional settings when creating a Writer. It is valid to leave all fields blank.
type Options struct {
	// BufferSize is the capacity of each of the two buffers. Defaults to 64KiB.
	BufferSize int
}

// Writer is a double-buffered append log of allocation events. Appends copy into the active buffer;
// when it fills, it is handed to a background goroutine that writes it out while the other buffer
// takes its place. If the background goroutine has not finished with the previous buffer by the time
// the active one fills again, new events are dropped rather than blocking the caller.
//
// Writer implements guard.EventSink and guard.CounterSink.
type Writer struct {
	logger *slog.Logger
	out    io.Writer

	mutex    sync.Mutex
	cond     *sync.Cond
	active   []byte
	flushing []byte
	pending  bool
	running  bool
	stopping bool
	writeErr error

	wg         conc.WaitGroup
	dropped    atomic.Int64
	written    atomic.Int64
	dropReport rate.Sometimes
}

// New creates a Writer that writes to out once started
func New(logger *slog.Logger, out io.Writer, options Options) (*Writer, error) {
	if out == nil {
		return nil, errors.New("eventlog.New requires an output")
	}

	bufferSize := options.BufferSize
	if bufferSize == 0 {
		bufferSize = defaultBufferSize
	}
	if bufferSize < maxLineLength {
		return nil, errors.Newf("Options.BufferSize must be at least %d, but was %d", maxLineLength, bufferSize)
	}

	w := &Writer{
		logger:     logger,
		out:        out,
		active:     make([]byte, 0, bufferSize),
		flushing:   make([]byte, 0, bufferSize),
		dropReport: rate.Sometimes{First: 1, Every: 1024},
	}
	w.cond = sync.NewCond(&w.mutex)

	return w, nil
}

// Start launches the background goroutine that writes handed-off buffers
func (w *Writer) Start() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.running || w.stopping {
		return errors.New("event log writer can only be started once")
	}

	w.running = true
	w.wg.Go(w.run)

	w.logger.Debug("eventlog.Writer::Start", slog.Int("BufferSize", cap(w.active)))
	return nil
}

func (w *Writer) run() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	for {
		for !w.pending && !w.stopping {
			w.cond.Wait()
		}

		if !w.pending {
			// Stopping: hand off whatever is left, then exit once it is written
			if len(w.active) == 0 {
				return
			}
			w.swapLocked()
		}

		buffer := w.flushing
		w.mutex.Unlock()
		_, err := w.out.Write(buffer)
		w.mutex.Lock()

		if err != nil {
			w.logger.LogAttrs(context.Background(), slog.LevelError, "failed to write event log buffer",
				slog.Int("bytes", len(buffer)),
				slog.Any("error", err))
			if w.writeErr == nil {
				w.writeErr = errors.Wrap(err, "write event log")
			}
		} else {
			w.written.Add(int64(len(buffer)))
		}

		w.flushing = w.flushing[:0]
		w.pending = false
		w.cond.Broadcast()
	}
}

func (w *Writer) swapLocked() {
	w.active, w.flushing = w.flushing, w.active
	w.pending = true
	w.cond.Broadcast()
}

// Append copies a single encoded event into the active buffer. It never blocks on I/O: when the
// event does not fit and the other buffer is still being written, the event is dropped and
// ErrLogCapacityExceeded is returned.
func (w *Writer) Append(line []byte) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.running || w.stopping {
		return ErrClosed
	}

	if len(line) > cap(w.active) {
		w.dropped.Add(1)
		return errors.Wrapf(ErrLogCapacityExceeded, "event of %d bytes is larger than the buffer", len(line))
	}

	if len(w.active)+len(line) > cap(w.active) {
		if w.pending {
			w.dropped.Add(1)
			return ErrLogCapacityExceeded
		}
		w.swapLocked()
	}

	w.active = append(w.active, line...)
	return nil
}

func (w *Writer) appendEvent(line []byte) {
	err := w.Append(line)
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}

	// Report the first drop and then every 1024th
	w.dropReport.Do(func() {
		w.logger.LogAttrs(context.Background(), slog.LevelWarn, "dropping allocation events",
			slog.Int64("dropped", w.dropped.Load()),
			slog.Any("error", err))
	})
}

// RecordAllocation appends a '+' line
func (w *Writer) RecordAllocation(address uintptr, size int, frame uint64, callers []uintptr) {
	var line [maxLineLength]byte
	w.appendEvent(AppendAllocation(line[:0], address, size, frame, callers))
}

// RecordFree appends a '-' line
func (w *Writer) RecordFree(address uintptr, size int, frame uint64) {
	var line [maxLineLength]byte
	w.appendEvent(AppendFree(line[:0], address, size, frame))
}

// Counter appends a 'C' line
func (w *Writer) Counter(name string, value int64, frame uint64) {
	var line [maxLineLength]byte
	w.appendEvent(AppendCounter(line[:0], name, value, frame))
}

// Flush hands the active buffer to the background goroutine and waits until everything appended
// before the call has been written
func (w *Writer) Flush() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.running || w.stopping {
		return ErrClosed
	}

	for w.pending {
		w.cond.Wait()
	}

	if len(w.active) > 0 {
		w.swapLocked()
		for w.pending {
			w.cond.Wait()
		}
	}

	return w.writeErr
}

// Dropped returns the number of events discarded because the buffers were full
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns the number of bytes written to the output so far
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Stop writes out everything buffered, stops the background goroutine and returns the first write
// error encountered, if any. The output is not closed.
func (w *Writer) Stop() error {
	w.mutex.Lock()
	if !w.running || w.stopping {
		w.mutex.Unlock()
		return ErrClosed
	}
	w.stopping = true
	w.cond.Broadcast()
	w.mutex.Unlock()

	w.wg.Wait()

	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.running = false

	w.logger.Debug("eventlog.Writer::Stop",
		slog.Int64("written", w.written.Load()),
		slog.Int64("dropped", w.dropped.Load()))

	return w.writeErr
}
