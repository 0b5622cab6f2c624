// Package commands provides CLI subcommands for the relay.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shaneholloman/cdp-relay/internal/config"
	"github.com/shaneholloman/cdp-relay/internal/hub"
	"github.com/shaneholloman/cdp-relay/internal/maintenance"
	"github.com/shaneholloman/cdp-relay/internal/ownership"
	"github.com/shaneholloman/cdp-relay/internal/recording"
	"github.com/shaneholloman/cdp-relay/internal/relayserver"
	"github.com/shaneholloman/cdp-relay/internal/version"
)

// NewServeCommand creates the serve subcommand.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Example: `  cdp-relay serve
  cdp-relay serve --port 9876 --detached
  cdp-relay serve --remote`,
		RunE: RunServe,
	}
	BindServeFlags(cmd)
	return cmd
}

// BindServeFlags registers the flags RunServe reads. Exported so the
// root command can bind the same flags for "cdp-relay" with no
// subcommand, which behaves like "cdp-relay serve".
func BindServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 0, "listen port (default: from config, or 9876)")
	cmd.Flags().String("host", "", "listen host (default: from config, or 127.0.0.1)")
	cmd.Flags().Bool("remote", false, "allow non-loopback clients bearing a valid bearer token")
	cmd.Flags().BoolP("detached", "d", false, "run in the background")
}

// RunServe starts the relay in the foreground, or, with --detached,
// spawns a detached child process and returns once it has been launched.
func RunServe(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
		fmt.Fprintf(out, "warning: failed to load config: %v\n", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	applyServeFlags(cmd, cfg)

	detached, _ := cmd.Flags().GetBool("detached")
	if detached {
		return runDetached(out, cfg)
	}

	return runForeground(cmd.Context(), out, cfg)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	} else if cfg.Port == 0 {
		cfg.Port = 9876
	}
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	} else if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cmd.Flags().Changed("remote") {
		cfg.Remote, _ = cmd.Flags().GetBool("remote")
	}
	if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
		cfg.Logging.Verbose = true
	}
}

func runDetached(out io.Writer, cfg *config.Config) error {
	logDir := filepath.Dir(config.LogPath())
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(config.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	executable, err := os.Executable()
	if err != nil {
		executable = "cdp-relay"
	}

	childArgs := []string{"serve", "--port", fmt.Sprintf("%d", cfg.Port), "--host", cfg.Host}
	if cfg.Remote {
		childArgs = append(childArgs, "--remote")
	}

	c := exec.Command(executable, childArgs...)
	c.Stdout = logFile
	c.Stderr = logFile

	if err := c.Start(); err != nil {
		return fmt.Errorf("start background process: %w", err)
	}

	fmt.Fprintf(out, "relay started in background (PID %d)\n", c.Process.Pid)
	fmt.Fprintf(out, "logs: %s\n", config.LogPath())
	return nil
}

// runForeground wires every component together: the hub, the recording
// coordinator, the ownership manager, the HTTP/WS server, and the
// maintenance sweeper, then serves until the process is interrupted or
// yields ownership to an incoming instance.
func runForeground(ctx context.Context, out io.Writer, cfg *config.Config) error {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "cdp-relay").Logger()
	if cfg.Logging.Verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	own := ownership.New(ownership.Config{
		LockPath: config.LockPath(),
		Addr:     addr,
		Token:    cfg.Auth.Token,
		Logger:   log,
	})
	if err := own.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire ownership: %w", err)
	}
	defer func() { _ = own.Release() }()

	h := hub.New(hub.Config{
		BufferDepth: cfg.Buffer.EventQueueDepth,
		PendingCap:  cfg.Buffer.PendingCommandCap,
		Logger:      log,
	})

	firstChunkWindow := time.Duration(cfg.Recording.FirstChunkTimeoutS) * time.Second
	rec := recording.New(h, h, firstChunkWindow, log)
	h.SetOnTabDetached(rec.OnTabDisconnect)

	srv := relayserver.New(relayserver.Config{
		Host:    cfg.Host,
		Port:    cfg.Port,
		Token:   cfg.Auth.Token,
		Remote:  cfg.Remote,
		Version: version.Version,
		RateLimit: relayserver.RateLimitConfig{
			Enabled: cfg.RateLimit.Enabled,
			RPS:     cfg.RateLimit.RPS,
			Burst:   cfg.RateLimit.Burst,
		},
		Logger: log,
	}, h, rec, own)

	sweeper := maintenance.New(h, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start maintenance sweeper: %w", err)
	}
	defer sweeper.Stop()

	fmt.Fprintf(out, "relay listening on %s:%d\n", cfg.Host, cfg.Port)
	log.Info().Str("addr", addr).Bool("remote", cfg.Remote).Msg("relay starting")
	return srv.ListenAndServe(ctx)
}
