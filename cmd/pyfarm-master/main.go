// Package main provides the PyFarm master scheduler process.
//
// Configuration comes from pyfarm.master.toml in the working directory,
// with environment-specific overrides selected by PYFARM_ENV.
//
// Key features:
//   - Zero-config embedded PostgreSQL for development
//   - Fixed schema migration applied on startup
//   - Environment-specific configuration via PYFARM_ENV
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/guidow/pyfarm-master/internal/config"
	"github.com/guidow/pyfarm-master/internal/server"
)

func main() {
	projectDir := os.Getenv("PYFARM_PROJECT_DIR")
	if projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to determine working directory: %v\n", err)
			os.Exit(1)
		}
		projectDir = cwd
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve project directory: %v\n", err)
		os.Exit(1)
	}

	settings, err := config.Load(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(settings, projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
