// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command intergalactic-relay links the channels of one chat platform to a
// shared MQTT topic, so that every relay instance on the same topic mirrors
// the messages of all the others.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiku/intergalactic-relay/pkg/bridge"
	"github.com/aiku/intergalactic-relay/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func newRootCommand() *cobra.Command {
	var configPath, envPath string

	cmd := &cobra.Command{
		Use:           "intergalactic-relay",
		Short:         "Relay chat channels over an MQTT bus",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, envPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	cmd.Flags().StringVar(&envPath, "env-file", ".env", "Path to a dotenv file with secrets")

	cmd.AddCommand(newExampleConfigCommand(), newVersionCommand())
	return cmd
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "intergalactic-relay %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	}
}

func run(ctx context.Context, configPath, envPath string) error {
	if err := config.LoadEnv(envPath); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if errors.Is(err, config.ErrConfigCreated) {
		fmt.Fprintln(os.Stderr, err)
		return nil
	} else if err != nil {
		return err
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to prepare logger: %w", err)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing intergalactic-relay")

	b, err := bridge.New(cfg, *log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return b.Run(ctx)
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
