// Command heapreplay reads a heapguard event log and reports the allocations that were still live when
// the log ended, grouped by the call site that made them.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

func main() {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	top     int
	live    bool
	jsonOut bool
	verbose bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "heapreplay <event log>",
		Short: "Report live allocations from a heapguard event log",
		Long: `heapreplay replays every allocation, free and counter sample recorded in a
heapguard event log and reports what was still live at the end, grouped by the
innermost call site that allocated it.

Example:
  heapreplay events.log
  heapreplay events.log --top 5 --live
  heapreplay events.log --json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.top < 0 {
				return fmt.Errorf("--top must not be negative, but was %d", opts.top)
			}

			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

			replay, err := replayFile(logger, args[0])
			if err != nil {
				return err
			}

			if opts.jsonOut {
				return writeJSON(stdout, replay, opts)
			}
			return writeText(stdout, replay, opts)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.Flags().IntVar(&opts.top, "top", 20, "Number of call sites to report, 0 for all")
	cmd.Flags().BoolVar(&opts.live, "live", false, "List every live allocation")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	return cmd
}
