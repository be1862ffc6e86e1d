// Copyright 2025 GazeQA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/damonous/gazeqa-artifacts/internal/config"
	"github.com/damonous/gazeqa-artifacts/internal/daemon"
	"github.com/damonous/gazeqa-artifacts/internal/log"
)

// Version is injected via ldflags at build time.
var version = "dev"

func main() {
	var (
		configPath  string
		host        string
		port        int
		storageRoot string
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:           "gazeqad",
		Short:         "GazeQA run orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("gazeqad %s\n", version)
				return nil
			}

			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if host != "" {
				cfg.Host = host
			}
			if port > 0 {
				cfg.Port = port
			}
			if storageRoot != "" {
				cfg.StorageRoot = storageRoot
			}

			d, err := daemon.New(cfg, daemon.Options{Version: version})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return d.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().StringVar(&storageRoot, "storage-root", "", "Run storage root (overrides config)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "Print version and exit")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gazeqad: %v\n", err)
		os.Exit(1)
	}
}
