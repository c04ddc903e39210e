package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/wristos/segheap/heap"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose           bool
	jsonOut           bool
	heapSize          int
	heapBase          string
	fuzzOnFree        bool
	noInstrumentation bool
)

var rootCmd = &cobra.Command{
	Use:   "heapsim",
	Short: "Simulate a segment heap over a fixed memory range",
	Long: `heapsim creates a segment heap over a memory range of a chosen size and base
address, runs allocations against it, and prints the resulting segment layout in the
same format the firmware heap dump uses.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every heap operation to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print the JSON heap report instead of the text dump")
	rootCmd.PersistentFlags().IntVar(&heapSize, "size", 4096, "Size of the heap in bytes")
	rootCmd.PersistentFlags().StringVar(&heapBase, "base", "0x20000000", "Address of the first byte of the heap")
	rootCmd.PersistentFlags().BoolVar(&fuzzOnFree, "fuzz-on-free", false, "Fill freed memory with a pattern and check it on every check step")
	rootCmd.PersistentFlags().
		BoolVar(&noInstrumentation, "no-instrumentation", false, "Use 4 byte headers without caller addresses")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	if !verbose {
		return nil
	}
	return slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(w))
}

// newHeap builds the heap described by the global flags
func newHeap(logger *slog.Logger) (*heap.Heap, error) {
	base, err := strconv.ParseUint(heapBase, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --base %q: %w", heapBase, err)
	}
	if base == 0 {
		return nil, fmt.Errorf("--base must not be 0")
	}

	var flags heap.CreateFlags
	if fuzzOnFree {
		flags |= heap.CreateFuzzOnFree
	}
	if !noInstrumentation {
		flags |= heap.CreateInstrumentation
	}

	return heap.New(logger, make([]byte, heapSize), heap.CreateOptions{
		Flags:       flags,
		BaseAddress: uintptr(base),
		DoubleFreeHandler: func(_ *heap.Heap, ptr heap.Addr) {
			fmt.Fprintf(os.Stderr, "double free of %s\n", ptr)
		},
	})
}

// report prints the heap as the text dump, or as the JSON report with --json. Without
// instrumentation the dump has no caller addresses to print, so the JSON report is used.
func report(w io.Writer, h *heap.Heap) error {
	if jsonOut || noInstrumentation {
		_, err := fmt.Fprintln(w, h.BuildStatsString(true))
		return err
	}
	return h.Dump(w)
}
