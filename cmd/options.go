package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/chameleon/internal/core"
)

func NewOptionsCommand(flags *globalFlags) *cobra.Command {
	optionsCmd := &cobra.Command{
		Use:   "options",
		Short: "Show the options as Core Chameleon will use them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, raw, err := loadOptions(flags)
			if err != nil {
				return err
			}
			options := core.Sanitize(raw, env)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(optionColumns, optionRows(options)))
			case "json":
				jsonBytes, err := json.MarshalIndent(options, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(jsonBytes))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	optionsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return optionsCmd
}

func optionRows(o core.Options) [][]string {
	peers := "-"
	if len(o.Peers) > 0 {
		peers = strings.Join(o.Peers, ", ")
	}
	torPath := o.Tor.Path
	if torPath == "" {
		torPath = "tor (from PATH)"
	}
	return [][]string{
		{"tor.enabled", strconv.FormatBool(o.Tor.Enabled)},
		{"tor.instances", fmt.Sprintf("%d-%d", o.Tor.Instances.Min, o.Tor.Instances.Max)},
		{"tor.path", torPath},
		{"api_sync", strconv.FormatBool(o.APISync)},
		{"fetch_transactions", strconv.FormatBool(o.FetchTransactions)},
		{"socket", o.Socket},
		{"hostname", o.Hostname},
		{"port", strconv.Itoa(o.Port)},
		{"peers", peers},
		{"reconnect", fmt.Sprintf("%s..%s x%d, %d retries",
			o.Reconnect.InitialBackoff, o.Reconnect.MaxBackoff,
			o.Reconnect.BackoffFactor, o.Reconnect.MaxRetries)},
	}
}
