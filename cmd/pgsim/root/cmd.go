package root

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/biscuit-vm/vmpage/cmd/pgsim/run"
	"github.com/biscuit-vm/vmpage/cmd/pgsim/serve"
)

// NewCmd builds the pgsim root command, grounded in operator-registry's
// cmd/opm/root convention of one subcommand package per verb.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pgsim",
		Short: "demand-paging and FIFO-replacement simulator",
		Long:  "pgsim drives the paging subsystem against synthetic process images and reports its diagnostic event stream.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	cmd.AddCommand(run.NewCmd(), serve.NewCmd())
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	return cmd
}
