package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/chameleon/internal/core"
	"go.olrik.dev/chameleon/internal/journal"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show what Core Chameleon did on recent starts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := core.ResolveEnvironment(nil)
			db, err := journal.Open(env.JournalPath())
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.RecentEvents(limit)
			if err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events recorded")
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(eventColumns, eventRows(events)))
			return nil
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")

	return eventsCmd
}

// eventRows renders events oldest first
func eventRows(events []journal.Event) [][]string {
	rows := make([][]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		rows = append(rows, []string{
			e.Timestamp.Local().Format(time.DateTime),
			run,
			e.Process,
			e.EventType,
			e.Details,
		})
	}
	return rows
}
