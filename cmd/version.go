package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/chameleon/internal/core"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", core.PluginName, core.Version)
		},
	}
}
