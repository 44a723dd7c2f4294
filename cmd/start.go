package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"go.olrik.dev/chameleon/internal/appconfig"
	"go.olrik.dev/chameleon/internal/chameleon"
	"go.olrik.dev/chameleon/internal/core"
	"go.olrik.dev/chameleon/internal/journal"
)

func NewStartCommand(flags *globalFlags) *cobra.Command {
	var watchConfig bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start Core Chameleon for this process",
		Long: `Start Core Chameleon for the current process.

The forger configuration is patched to load the plugin. In a relay process
tor is started and peer connections are routed through it until the process
receives SIGINT or SIGTERM. In a forger process nothing else is started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, raw, err := loadOptions(flags)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), env, raw, watchConfig)
		},
	}
	startCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "reinstall the plugin whenever app.js changes")

	return startCmd
}

func runStart(ctx context.Context, env core.Environment, raw core.RawOptions, watchConfig bool) error {
	// Only relays keep running, so only relays compete for the node
	if !env.IsForger() {
		lock := flock.New(env.LockPath())
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return errors.New("another chameleon instance is already running for this node")
		}
		defer lock.Unlock()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator := chameleon.New(chameleon.Config{
		Env:     env,
		Options: raw,
		Logger:  slog.Default(),
	})

	db, err := journal.Open(env.JournalPath())
	if err != nil {
		slog.Warn("Event journal unavailable", "path", env.JournalPath(), "error", err)
	} else {
		defer db.Close()
		orchestrator.SetEventLogger(chameleon.JournalLogger(db, env.ProcessName))
	}

	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer orchestrator.Stop()

	if orchestrator.State() == chameleon.StateSkipped {
		return nil
	}

	if watchConfig {
		path := appconfig.Locate(env)
		err := appconfig.Watch(ctx, path, appconfig.DefaultDebounce, func() {
			if _, err := orchestrator.SyncConfig(ctx); err != nil {
				slog.Warn("Failed to reinstall plugin after config change", "path", path, "error", err)
			}
		})
		if err != nil {
			slog.Warn("Not watching forger configuration", "error", err)
		} else {
			slog.Info("Watching forger configuration", "path", path)
		}
	}

	<-ctx.Done()
	slog.Info("Shutting down Core Chameleon")
	return nil
}
