package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wristos/segheap/internal/workload"
)

var (
	runValidate bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVar(&runValidate, "validate", false, "Validate the heap after every operation")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a workload script against a heap",
		Long: `The run command executes a workload script against a fresh heap and prints
the final layout. Each line of the script is one of:

  alloc   <name> <bytes>
  zalloc  <name> <bytes>
  calloc  <name> <count> <bytes>
  realloc <name> <bytes>
  free    <name>
  write   <name> <text>
  check

Example:
  heapsim run boot.txt
  heapsim run boot.txt --size 16384 --fuzz-on-free --validate
  heapsim run boot.txt --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, args[0])
		},
	}
	return cmd
}

func runScript(cmd *cobra.Command, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open script: %w", err)
	}
	defer file.Close()

	ops, err := workload.Parse(file)
	if err != nil {
		return err
	}

	h, err := newHeap(newLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	result, err := workload.Run(h, ops, workload.RunOptions{ValidateEachStep: runValidate})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if failures := result.Failures(); failures > 0 && !jsonOut {
		fmt.Fprintf(out, "%d allocations failed\n", failures)
	}
	return report(out, h)
}
