// Package main is the entry point for the bridge binary. The bridge connects
// the sandbox's OpenCode server to the control plane over a websocket,
// translating control-plane commands into agent requests and agent activity
// into control-plane events.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/bridge"
	"github.com/openinspect/sandbox/internal/bridge/link"
	"github.com/openinspect/sandbox/internal/common/logger"
	"github.com/openinspect/sandbox/internal/tracing"
	"github.com/openinspect/sandbox/pkg/opencode"
)

var cfg bridge.Config

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Sandbox-side bridge between OpenCode and the control plane",
	RunE:  runBridge,

	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.SandboxID, "sandbox-id", "", "sandbox identifier")
	flags.StringVar(&cfg.SessionID, "session-id", "", "control-plane session identifier")
	flags.StringVar(&cfg.ControlPlaneURL, "control-plane", "", "control plane base URL")
	flags.StringVar(&cfg.AuthToken, "token", "", "sandbox auth token")
	flags.IntVar(&cfg.OpencodePort, "opencode-port", opencode.DefaultPort, "local OpenCode server port")

	for _, name := range []string{"sandbox-id", "session-id", "control-plane", "token"} {
		cobra.CheckErr(rootCmd.MarkFlagRequired(name))
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	log, err := logger.New(logger.Config{
		Level:      envOr("LOG_LEVEL", "info"),
		Format:     envOr("LOG_FORMAT", "json"),
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting bridge",
		zap.String("sandbox_id", cfg.SandboxID),
		zap.String("session_id", cfg.SessionID),
		zap.Int("opencode_port", cfg.OpencodePort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	b := bridge.New(cfg, log)
	if err := b.Run(ctx); err != nil {
		if errors.Is(err, link.ErrSessionTerminated) {
			log.Info("session terminated by control plane")
			return nil
		}
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
