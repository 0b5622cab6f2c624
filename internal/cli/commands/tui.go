package commands

import (
	"github.com/spf13/cobra"

	"github.com/shaneholloman/cdp-relay/internal/tui"
)

// NewTuiCommand creates the tui subcommand.
func NewTuiCommand() *cobra.Command {
	var host string
	var port int
	var token string

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open a live status dashboard for the relay",
		Long: `Open a terminal dashboard that polls the relay's status and session
endpoints.

By default, connects using the port from the config file. Use --host and
--port to point at a different relay.`,
		Example: `  cdp-relay tui                 # connect using config file settings
  cdp-relay tui --port 9876     # connect to a specific port
  cdp-relay tui --host 10.0.0.5 # connect to a remote relay`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &tui.Config{
				Host:  host,
				Port:  port,
				Token: token,
			}
			return tui.RunWithConfig(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "relay host (default: 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "relay port (default: from config file, or 9876)")
	cmd.Flags().StringVar(&token, "token", "", "relay authentication token")

	return cmd
}
