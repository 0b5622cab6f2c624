package commands

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/shaneholloman/cdp-relay/internal/config"
)

// NewLogsCommand creates the logs subcommand.
func NewLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "View relay logs (tail -f)",
		Long:  `View the real-time logs of the relay server. Useful when running in detached mode.`,
		Example: `  # View logs (follows by default)
  cdp-relay logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile := config.LogPath()

			if _, err := os.Stat(logFile); os.IsNotExist(err) {
				return fmt.Errorf("log file not found at %s. Is the relay running in detached mode?", logFile)
			}

			fmt.Printf("Displaying logs from: %s\n", logFile)
			fmt.Println("Press Ctrl+C to exit.")
			fmt.Println("---")

			tailPath, err := exec.LookPath("tail")
			if err != nil {
				return fmt.Errorf("'tail' command not found in PATH")
			}

			c := exec.Command(tailPath, "-f", logFile)
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr

			return c.Run()
		},
	}
}
