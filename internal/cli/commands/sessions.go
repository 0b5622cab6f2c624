package commands

import (
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/shaneholloman/cdp-relay/internal/config"
)

// sessionInfo mirrors hub.SessionInfo.
type sessionInfo struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	TabID     int    `json:"tabId"`
}

// NewSessionsCommand creates the sessions subcommand.
func NewSessionsCommand() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List tabs currently attached through the relay",
		Example: `  cdp-relay sessions
  cdp-relay sessions --port 9876`,
		RunE: func(cmd *cobra.Command, args []string) error {
			actualPort := port
			if actualPort == 0 {
				if cfg, err := config.Load(); err == nil && cfg.Port > 0 {
					actualPort = cfg.Port
				} else {
					actualPort = fallbackPort
				}
			}
			return runSessionsList(cmd, host, actualPort)
		},
	}

	cmd.Flags().StringVar(&host, "host", defaultRelayHost, "relay host")
	cmd.Flags().IntVar(&port, "port", 0, "relay port (default: from config, or 9876)")

	return cmd
}

func runSessionsList(cmd *cobra.Command, host string, port int) error {
	sessions, err := fetchSessions(host, port)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		cmd.Println("No tabs attached.")
		return nil
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Session ID", "Target ID", "Tab ID"})
	for _, s := range sessions {
		table.Append([]string{s.SessionID, s.TargetID, fmt.Sprintf("%d", s.TabID)})
	}
	table.Render()
	return nil
}

func fetchSessions(host string, port int) ([]sessionInfo, error) {
	client := resty.New().SetTimeout(statusTimeout)

	token, _ := loadToken()
	req := client.R()
	if token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}

	var sessions []sessionInfo
	resp, err := req.SetResult(&sessions).Get(fmt.Sprintf("http://%s:%d/sessions", host, port))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to relay: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("relay returned status %d", resp.StatusCode())
	}
	return sessions, nil
}
