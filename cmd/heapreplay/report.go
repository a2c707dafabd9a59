package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/vkngwrapper/heapguard/eventlog"
	"golang.org/x/exp/slog"
)

func replayFile(logger *slog.Logger, path string) (*eventlog.Replay, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open event log")
	}
	defer file.Close()

	replay := eventlog.NewReplay()
	err = eventlog.Parse(file, replay.Apply)
	if err != nil {
		return nil, errors.Wrapf(err, "replay %s", path)
	}

	summary := replay.Summary()
	logger.Debug("replayed event log",
		slog.String("path", path),
		slog.Int("allocations", summary.Allocations),
		slog.Int("frees", summary.Frees))
	if summary.UnknownFrees > 0 {
		logger.Warn("event log frees addresses it never allocated; events may have been dropped",
			slog.Int("unknownFrees", summary.UnknownFrees))
	}

	return replay, nil
}

func hex(value uint64) string {
	return "0x" + strconv.FormatUint(value, 16)
}

func topCallers(replay *eventlog.Replay, top int) []eventlog.CallerTotal {
	callers := replay.ByCaller()
	if top > 0 && len(callers) > top {
		callers = callers[:top]
	}
	return callers
}

func writeText(out io.Writer, replay *eventlog.Replay, opts options) error {
	summary := replay.Summary()

	table := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(table, "frames\t%d\n", summary.LastFrame+1)
	fmt.Fprintf(table, "late events\t%d\n", summary.LateEvents)
	fmt.Fprintf(table, "allocations\t%d\n", summary.Allocations)
	fmt.Fprintf(table, "frees\t%d\n", summary.Frees)
	fmt.Fprintf(table, "unknown frees\t%d\n", summary.UnknownFrees)
	fmt.Fprintf(table, "reused addresses\t%d\n", summary.ReusedAddresses)
	fmt.Fprintf(table, "live allocations\t%d\n", summary.LiveAllocations)
	fmt.Fprintf(table, "live bytes\t%d\n", summary.LiveBytes)
	for _, name := range replay.CounterNames() {
		value, _ := replay.Counter(name)
		fmt.Fprintf(table, "counter %s\t%d\n", name, value)
	}
	err := table.Flush()
	if err != nil {
		return err
	}

	callers := topCallers(replay, opts.top)
	if len(callers) > 0 {
		fmt.Fprintln(out)
		table = tabwriter.NewWriter(out, 0, 8, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(table, "caller\tallocations\tbytes\t")
		for _, caller := range callers {
			fmt.Fprintf(table, "%s\t%d\t%d\t\n", hex(caller.Caller), caller.Allocations, caller.Bytes)
		}
		err = table.Flush()
		if err != nil {
			return err
		}
	}

	if opts.live {
		fmt.Fprintln(out)
		table = tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
		fmt.Fprintln(table, "address\tsize\tframe\tcallers")
		for _, allocation := range replay.LiveAllocations() {
			fmt.Fprintf(table, "%s\t%d\t%d\t", hex(allocation.Address), allocation.Size, allocation.Frame)
			for _, caller := range allocation.Callers {
				fmt.Fprintf(table, " %s", hex(caller))
			}
			fmt.Fprintln(table)
		}
		err = table.Flush()
		if err != nil {
			return err
		}
	}

	return nil
}

type callerReport struct {
	Caller      string `json:"caller"`
	Allocations int    `json:"allocations"`
	Bytes       int64  `json:"bytes"`
}

type liveReport struct {
	Address string   `json:"address"`
	Size    int64    `json:"size"`
	Frame   uint64   `json:"frame"`
	Callers []string `json:"callers"`
}

type jsonReport struct {
	Summary  eventlog.Summary `json:"summary"`
	Counters map[string]int64 `json:"counters"`
	Callers  []callerReport   `json:"callers"`
	Live     []liveReport     `json:"live,omitempty"`
}

func writeJSON(out io.Writer, replay *eventlog.Replay, opts options) error {
	report := jsonReport{
		Summary:  replay.Summary(),
		Counters: make(map[string]int64),
		Callers:  []callerReport{},
	}

	for _, name := range replay.CounterNames() {
		report.Counters[name], _ = replay.Counter(name)
	}

	for _, caller := range topCallers(replay, opts.top) {
		report.Callers = append(report.Callers, callerReport{
			Caller:      hex(caller.Caller),
			Allocations: caller.Allocations,
			Bytes:       caller.Bytes,
		})
	}

	if opts.live {
		for _, allocation := range replay.LiveAllocations() {
			entry := liveReport{
				Address: hex(allocation.Address),
				Size:    allocation.Size,
				Frame:   allocation.Frame,
				Callers: make([]string, 0, len(allocation.Callers)),
			}
			for _, caller := range allocation.Callers {
				entry.Callers = append(entry.Callers, hex(caller))
			}
			report.Live = append(report.Live, entry)
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
