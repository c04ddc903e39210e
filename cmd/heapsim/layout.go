package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wristos/segheap/heap"
)

var (
	layoutAllocs string
)

func init() {
	cmd := newLayoutCmd()
	cmd.Flags().StringVar(&layoutAllocs, "alloc", "", "Comma separated allocation sizes in bytes")
	rootCmd.AddCommand(cmd)
}

func newLayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Show where a sequence of allocations is placed",
		Long: `The layout command allocates each size in order from a fresh heap and prints the
address each one received followed by the heap layout. Requests of 256 bytes or more
are placed from the end of the heap and smaller ones from the start.

Example:
  heapsim layout --alloc 16,300,24
  heapsim layout --size 1024 --alloc 100,100,100 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayout(cmd)
		},
	}
	return cmd
}

func parseSizes(list string) ([]int, error) {
	var sizes []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		size, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid allocation size %q: %w", field, err)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

func runLayout(cmd *cobra.Command) error {
	sizes, err := parseSizes(layoutAllocs)
	if err != nil {
		return err
	}

	h, err := newHeap(newLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, size := range sizes {
		ptr := h.Malloc(size)
		if !jsonOut {
			if ptr == heap.Nil {
				fmt.Fprintf(out, "malloc(%d) = NULL\n", size)
			} else {
				fmt.Fprintf(out, "malloc(%d) = %s\n", size, ptr)
			}
		}
	}

	return report(out, h)
}
