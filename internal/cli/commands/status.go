// Package commands provides CLI subcommands for the relay.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/shaneholloman/cdp-relay/internal/config"
)

const (
	defaultRelayHost = "127.0.0.1"
	fallbackPort     = 9876
	statusTimeout    = 2 * time.Second
)

// statusResponse mirrors relayserver's client-facing GET /status body.
type statusResponse struct {
	OK            bool   `json:"ok"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Sessions      int    `json:"sessions"`
	ExtensionUp   bool   `json:"extensionConnected"`
}

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var (
		host       string
		port       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay server status",
		Example: `  cdp-relay status
  cdp-relay status --port 9876 --json`,
		Run: func(cmd *cobra.Command, args []string) {
			actualPort := port
			if actualPort == 0 {
				if cfg, err := config.Load(); err == nil && cfg.Port > 0 {
					actualPort = cfg.Port
				} else {
					actualPort = fallbackPort
				}
			}
			runStatus(cmd.OutOrStdout(), host, actualPort, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&host, "host", defaultRelayHost, "relay host")
	cmd.Flags().IntVar(&port, "port", 0, "relay port (default: from config, or 9876)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "output as JSON")

	return cmd
}

func runStatus(out io.Writer, host string, port int, jsonOutput bool) {
	status, err := fetchStatus(host, port)

	if jsonOutput {
		if err != nil {
			fmt.Fprintf(out, `{"ok": false, "error": %q}`, err.Error())
			fmt.Fprintln(out)
			return
		}
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Fprintln(out, string(data))
		return
	}

	if err != nil {
		fmt.Fprintln(out, "relay:     not running")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "start it with: cdp-relay serve")
		return
	}

	fmt.Fprintf(out, "relay:     running on %s:%d\n", host, port)
	fmt.Fprintf(out, "version:   %s\n", status.Version)
	fmt.Fprintf(out, "uptime:    %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "sessions:  %d attached\n", status.Sessions)
	fmt.Fprintf(out, "extension: %s\n", connectedLabel(status.ExtensionUp))
}

func connectedLabel(connected bool) string {
	if connected {
		return "connected"
	}
	return "not connected"
}

func fetchStatus(host string, port int) (*statusResponse, error) {
	client := resty.New().SetTimeout(statusTimeout)

	token, _ := loadToken()
	req := client.R()
	if token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}

	var status statusResponse
	resp, err := req.SetResult(&status).Get(fmt.Sprintf("http://%s:%d/status", host, port))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to relay: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("relay returned status %d", resp.StatusCode())
	}
	return &status, nil
}

// loadToken reads the configured bearer token, if any, for CLI calls
// against a relay started with one.
func loadToken() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.Auth.Token, nil
}
