package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/chameleon/internal/appconfig"
	"go.olrik.dev/chameleon/internal/chameleon"
	"go.olrik.dev/chameleon/internal/core"
)

func NewInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Add the plugin to the forger configuration",
		Long: `Add the plugin to the forger's include list in app.js.

When app.js had to be changed and the forger is online in pm2, the forger is
restarted so it picks up the new configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := core.ResolveEnvironment(nil)
			orchestrator := chameleon.New(chameleon.Config{Env: env})

			result, err := orchestrator.SyncConfig(cmd.Context())
			if err != nil {
				return err
			}
			if result == appconfig.Unchanged {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already installed in %s\n", core.PluginName, appconfig.Locate(env))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s in %s\n", core.PluginName, appconfig.WritePath(env, appconfig.Locate(env)))
			return nil
		},
	}
}
