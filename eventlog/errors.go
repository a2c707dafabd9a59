package eventlog

import "github.com/cockroachdb/errors"

var (
	// ErrLogCapacityExceeded is returned when an event could not be buffered because the previous buffer
	// was still being written. The event is dropped.
	ErrLogCapacityExceeded = errors.New("event log buffer capacity exceeded")
	// ErrClosed is returned when events are appended to a Writer that is not running
	ErrClosed = errors.New("event log is not running")
)
