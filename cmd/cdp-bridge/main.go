// Package main provides the entry point for cdp-bridge, the process that
// attaches to a real Chrome instance over raw CDP and relays its targets
// to a running cdp-relay over the /extension WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shaneholloman/cdp-relay/internal/bridge"
)

func main() {
	var relayURL string
	var chromeAddr string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "cdp-bridge",
		Short: "Attach to Chrome and relay its targets to cdp-relay",
		Example: `  cdp-bridge
  cdp-bridge --relay ws://127.0.0.1:9876/extension --chrome 127.0.0.1:9222`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "cdp-bridge").Logger()
			if verbose {
				log = log.Level(zerolog.DebugLevel)
			} else {
				log = log.Level(zerolog.InfoLevel)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b := bridge.New(bridge.Config{
				RelayWSURL: relayURL,
				ChromeAddr: chromeAddr,
				Logger:     log,
			})

			log.Info().Str("relay", relayURL).Str("chrome", chromeAddr).Msg("bridge starting")
			err := b.Run(ctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "ws://127.0.0.1:9876/extension", "relay extension WebSocket URL")
	cmd.Flags().StringVar(&chromeAddr, "chrome", "127.0.0.1:9222", "Chrome remote-debugging address")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
