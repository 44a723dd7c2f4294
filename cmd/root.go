package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/chameleon/internal/chameleon"
	"go.olrik.dev/chameleon/internal/core"
)

// globalFlags are shared by all subcommands
type globalFlags struct {
	optionsPath string
	verbose     int
}

func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "chameleon",
		Short: "Core Chameleon - route relay traffic through Tor",
		Long: `Core Chameleon - route relay traffic through Tor

Chameleon runs next to a relay and its forger. It installs itself in the
forger configuration, restarts the forger when that configuration changed
and connects the relay to its peers through a pool of tor processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			chameleon.SetupLogging(os.Stderr, flags.verbose)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&flags.optionsPath, "options", "",
		"options file (default $CORE_PATH_CONFIG/"+core.OptionsName+")",
	)
	rootCmd.PersistentFlags().CountVarP(&flags.verbose, "verbose", "v", "more output")

	rootCmd.AddCommand(
		NewStartCommand(flags),
		NewInstallCommand(),
		NewStatusCommand(),
		NewOptionsCommand(flags),
		NewEventsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// loadOptions resolves the environment and reads the options file it points
// at. A missing options file means defaults.
func loadOptions(flags *globalFlags) (core.Environment, core.RawOptions, error) {
	env := core.ResolveEnvironment(nil)

	path := flags.optionsPath
	if path == "" {
		path = env.OptionsPath()
	}

	raw, err := core.LoadOptions(path)
	if err != nil {
		return env, raw, err
	}
	slog.Debug("Loaded options", "path", path, "exists", core.ConfigExists(path))

	return env, raw, nil
}
