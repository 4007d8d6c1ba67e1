// Package main is the entry point for the supervisor binary, the sandbox's
// PID-1. It prepares the repository, starts the OpenCode server and the
// bridge, and supervises both until the sandbox shuts down.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openinspect/sandbox/internal/common/logger"
	"github.com/openinspect/sandbox/internal/supervisor"
	"github.com/openinspect/sandbox/internal/tracing"
)

func main() {
	cfg, err := supervisor.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	s := supervisor.New(cfg, log)
	err = s.Run(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = tracing.Shutdown(shutdownCtx)
	cancel()

	if err != nil {
		os.Exit(1)
	}
}
