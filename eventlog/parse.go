package eventlog

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Event is a single parsed line of the event log
type Event struct {
	Kind  Kind
	Frame uint64

	// Address, Size and Callers are set for KindAllocate and KindFree
	Address uint64
	Size    int64
	Callers []uint64

	// Name and Value are set for KindCounter
	Name  string
	Value int64
}

// Caller returns the innermost caller of an allocation, or 0 if none was recorded
func (e Event) Caller() uint64 {
	if len(e.Callers) == 0 {
		return 0
	}
	return e.Callers[0]
}

func parseHex(field []byte) (uint64, error) {
	digits, ok := bytes.CutPrefix(field, []byte("0x"))
	if !ok {
		return 0, errors.Newf("%q is not a hex address", field)
	}
	return strconv.ParseUint(string(digits), 16, 64)
}

// ParseLine decodes a single line, without its trailing newline
func ParseLine(line []byte) (Event, error) {
	fields := bytes.Fields(line)
	if len(fields) == 0 || len(fields[0]) != 1 {
		return Event{}, errors.Newf("malformed event %q", line)
	}

	event := Event{Kind: Kind(fields[0][0])}
	var err error

	switch event.Kind {
	case KindAllocate, KindFree:
		if len(fields) < 4 || (event.Kind == KindFree && len(fields) != 4) {
			return Event{}, errors.Newf("%c event has %d fields", event.Kind, len(fields))
		}

		event.Address, err = parseHex(fields[1])
		if err != nil {
			return Event{}, errors.Wrap(err, "address")
		}

		event.Size, err = strconv.ParseInt(string(fields[2]), 10, 64)
		if err != nil {
			return Event{}, errors.Wrap(err, "size")
		}

		for _, field := range fields[4:] {
			caller, err := parseHex(field)
			if err != nil {
				return Event{}, errors.Wrap(err, "caller")
			}
			event.Callers = append(event.Callers, caller)
		}

	case KindCounter:
		if len(fields) != 4 {
			return Event{}, errors.Newf("counter event has %d fields", len(fields))
		}

		event.Name = string(fields[1])
		event.Value, err = strconv.ParseInt(string(fields[2]), 10, 64)
		if err != nil {
			return Event{}, errors.Wrap(err, "counter value")
		}

	default:
		return Event{}, errors.Newf("unknown event kind %q", fields[0])
	}

	event.Frame, err = strconv.ParseUint(string(fields[3]), 10, 64)
	if err != nil {
		return Event{}, errors.Wrap(err, "frame")
	}

	return event, nil
}

// Parse reads an event log from r, calling visit with each event in order. Blank lines are skipped.
// It stops at the first malformed line or the first error returned by visit.
func Parse(r io.Reader, visit func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineLength), 4*maxLineLength)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		event, err := ParseLine(line)
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNumber)
		}

		err = visit(event)
		if err != nil {
			return err
		}
	}

	return errors.Wrap(scanner.Err(), "read event log")
}
