package run

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/biscuit-vm/vmpage/internal/scenario"
)

// NewCmd builds the "run" subcommand: replay one or every seed scenario
// and print its diagnostic event stream followed by a one-line summary.
func NewCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "run [scenario]",
		Short: "replay a seed scenario and print its diagnostic stream",
		Long: fmt.Sprintf("Available scenarios: %s\n\nUse --all to replay every scenario in sequence.",
			strings.Join(scenario.List, ", ")),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				for _, name := range scenario.List {
					if err := runOne(name); err != nil {
						return err
					}
				}
				return nil
			}
			if len(args) != 1 {
				return errors.New("run: exactly one scenario name is required unless --all is given")
			}
			return runOne(args[0])
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "replay every seed scenario in sequence")
	return cmd
}

func runOne(name string) error {
	fmt.Printf("=== %s ===\n", name)
	result, err := scenario.Run(name, os.Stdout)
	if err != nil {
		return errors.Wrapf(err, "run: scenario %q", name)
	}
	if result.Killed {
		fmt.Printf("--- %s: process killed (%s) ---\n\n", name, result.Reason)
		return nil
	}
	fmt.Printf("--- %s: resident=%d swapped=%d total=%d next_seq=%d ---\n\n",
		name, result.Stat.NumResident, result.Stat.NumSwapped, result.Stat.NumPagesTotal, result.Stat.NextFifoSeq)
	return nil
}
