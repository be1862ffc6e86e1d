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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/damonous/gazeqa-artifacts/internal/config"
	"github.com/damonous/gazeqa-artifacts/internal/crawl"
	"github.com/damonous/gazeqa-artifacts/internal/exploration"
	"github.com/damonous/gazeqa-artifacts/internal/log"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/sitemap"
	"github.com/damonous/gazeqa-artifacts/internal/telemetry"
	"github.com/damonous/gazeqa-artifacts/internal/workflow"
)

// Exit codes for the run command.
const (
	exitOK         = 0
	exitValidation = 1
	exitWorkflow   = 2
)

var version = "dev"

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "gazeqa: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitOK)
}

func newRootCommand() *cobra.Command {
	var storageRoot string

	root := &cobra.Command{
		Use:           "gazeqa",
		Short:         "GazeQA run intake and storage tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&storageRoot, "storage-root", "", "Run storage root (default: GAZEQA_STORAGE_ROOT or artifacts/local)")

	root.AddCommand(newRunCommand(&storageRoot))
	root.AddCommand(newIndexCommand(&storageRoot))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gazeqa %s\n", version)
		},
	})
	return root
}

func resolveStorageRoot(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("GAZEQA_STORAGE_ROOT"); env != "" {
		return env
	}
	return config.DefaultStorageRoot
}

// newRunCommand executes a full workflow for a payload file. Exit codes: 0
// success, 1 validation failure (field errors on stderr), 2 workflow error.
func newRunCommand(storageRoot *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <payload.json>",
		Short: "Create a run from a payload file and execute the workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				fmt.Fprintf(os.Stderr, "payload is not valid JSON: %v\n", err)
				return &exitError{code: exitValidation, err: err}
			}

			payload, err := run.ParsePayload(raw)
			if err != nil {
				var vErr *run.ValidationError
				if errors.As(err, &vErr) {
					fields := make([]string, 0, len(vErr.Fields))
					for field := range vErr.Fields {
						fields = append(fields, field)
					}
					sort.Strings(fields)
					for _, field := range fields {
						fmt.Fprintf(os.Stderr, "%s: %s\n", field, vErr.Fields[field])
					}
					return &exitError{code: exitValidation, err: err}
				}
				return err
			}

			root := resolveStorageRoot(*storageRoot)
			reg, err := registry.New(root, slog.Default())
			if err != nil {
				return err
			}
			sink := telemetry.NewObservability(root, slog.Default())
			wf := workflow.New(workflow.Config{
				Registry:    reg,
				Exploration: exploration.New(exploration.DefaultConfig(root), sink),
				Crawler:     crawl.New(crawl.DefaultConfig(root), sink),
				Telemetry:   sink,
			})

			siteMap, adjacency := sitemap.BuildDefault(payload.TargetURL)
			outcome, err := wf.Start(cmd.Context(), payload, siteMap, adjacency)
			if err != nil {
				fmt.Fprintf(os.Stderr, "workflow failed: %v\n", err)
				return &exitError{code: exitWorkflow, err: err}
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(outcome)
		},
	}
}

func newIndexCommand(storageRoot *string) *cobra.Command {
	index := &cobra.Command{
		Use:   "index",
		Short: "Run index maintenance",
	}

	var moveLegacy bool
	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild run_index.json from the storage tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.New(resolveStorageRoot(*storageRoot), slog.Default())
			if err != nil {
				return err
			}
			entries, err := reg.RebuildIndex(moveLegacy)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d run(s)\n", len(entries))
			return nil
		},
	}
	rebuild.Flags().BoolVar(&moveLegacy, "move-legacy", false, "Move legacy flat run directories under their organization slug")

	index.AddCommand(rebuild)
	return index
}
