package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/chameleon/internal/appconfig"
	"go.olrik.dev/chameleon/internal/core"
	"go.olrik.dev/chameleon/internal/journal"
	"go.olrik.dev/chameleon/internal/pm2"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's processes, plugin installation and peer sessions",
		Long: `Show the node's pm2 processes, whether the forger loads the plugin and
how the peer sessions stood when the relay last stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := core.ResolveEnvironment(nil)
			out := cmd.OutOrStdout()

			processes, err := pm2.New("").List(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "Processes: unavailable (%v)\n", err)
			} else {
				fmt.Fprintln(out, renderTable(processColumns, processRows(env, processes)))
			}

			fmt.Fprintf(out, "Plugin:  %s\n", pluginState(env))
			socket := "absent"
			if _, err := os.Stat(env.SocketPath()); err == nil {
				socket = "present"
			}
			fmt.Fprintf(out, "Socket:  %s (%s)\n", env.SocketPath(), socket)

			return writePeers(out, env)
		},
	}
}

// writePeers prints the journal location and the peer sessions recorded by
// the last relay that stopped
func writePeers(out io.Writer, env core.Environment) error {
	if !core.ConfigExists(env.JournalPath()) {
		fmt.Fprintf(out, "Journal: %s (absent)\n", env.JournalPath())
		return nil
	}

	db, err := journal.Open(env.JournalPath())
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Fprintf(out, "Journal: %s\n", db.Path())

	events, err := db.LatestOfType(journal.EventPeer)
	if err != nil {
		return fmt.Errorf("failed to read peer sessions: %w", err)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "Peers:   none recorded")
		return nil
	}
	fmt.Fprintln(out, renderTable(peerColumns, peerRows(events)))
	return nil
}

// processRows lists the pm2 processes belonging to the node's token
func processRows(env core.Environment, processes []pm2.Process) [][]string {
	prefix := env.Token + "-"
	var rows [][]string
	for _, p := range processes {
		if env.Token != "" && !strings.HasPrefix(p.Name, prefix) {
			continue
		}
		role := "relay"
		if strings.HasSuffix(p.Name, core.ForgerSuffix) {
			role = "forger"
		}
		status := string(p.Env.Status)
		if status == "" {
			status = "unknown"
		}
		rows = append(rows, []string{p.Name, role, strconv.Itoa(p.PID), status})
	}
	return rows
}

// peerRows splits recorded peer snapshots ("url state attempts=N error=...")
// into table cells
func peerRows(events []journal.Event) [][]string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		row := make([]string, 4)
		copy(row, strings.SplitN(e.Details, " ", 4))
		row[2] = strings.TrimPrefix(row[2], "attempts=")
		row[3] = strings.TrimPrefix(row[3], "error=")
		rows = append(rows, row)
	}
	return rows
}

func pluginState(env core.Environment) string {
	path := appconfig.Locate(env)
	doc, err := appconfig.Load(path)
	if err != nil {
		return fmt.Sprintf("unknown (%v)", err)
	}
	includes, err := doc.Includes()
	if err != nil {
		return fmt.Sprintf("not installed in %s (%v)", path, err)
	}
	for _, include := range includes {
		if include == core.PluginName {
			return "installed in " + path
		}
	}
	return "not installed in " + path
}
