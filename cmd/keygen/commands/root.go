package commands

import (
	"github.com/spf13/cobra"
)

// Execute runs the keygen command tree.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "keygen",
		Short:        "Key material and diagnostics for the identity service",
		SilenceUsage: true,
	}

	root.AddCommand(envCmd(), verifyCmd())
	return root
}
