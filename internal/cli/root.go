// Package cli provides the command-line interface for the relay.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaneholloman/cdp-relay/internal/cli/commands"
	"github.com/shaneholloman/cdp-relay/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "cdp-relay",
	Short: "CDP relay: bridges Playwright-style CDP clients to a Chrome extension",
	Long: `cdp-relay multiplexes any number of CDP client connections onto a
single Chrome extension, synthesizing Playwright-facing session ids and
translating between legacy (sessionId-in-body) and flat (per-session
socket) addressing.`,
	Version: version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("CDP_RELAY_CONFIG_PATH", path)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return commands.RunServe(cmd, nil)
	},
}

func init() {
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewSessionsCommand())
	rootCmd.AddCommand(commands.NewLogsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
	rootCmd.AddCommand(commands.NewTuiCommand())

	commands.BindServeFlags(rootCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.cdp-relay/cdp-relay.json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose (debug) logging")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
