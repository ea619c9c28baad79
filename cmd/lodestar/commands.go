// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// Persistent flags shared by every command.
var (
	flagDir      string
	flagJSON     bool
	flagLogLevel string
	flagQuiet    bool
)

// app is the wired object graph, built once per invocation by the root
// PersistentPreRunE.
var app *App

var rootCmd = &cobra.Command{
	Use:   "lodestar",
	Short: "Manage a self-hosted Lodestar deployment",
	Long: `lodestar provisions, starts, monitors, updates, and rolls back a
multi-container Lodestar deployment through the compose CLI.

Development, testing, and production instances are isolated from each
other: set LODESTAR_PRODUCTION=1 or LODESTAR_TEST_MODE=1 to select a
mode; the default is development.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New(logging.Config{
			Level:   logging.ParseLevel(flagLogLevel),
			Service: "lodestar",
			Quiet:   flagQuiet,
		})

		var err error
		app, err = BuildApp(cmd.Context(), flagDir, logger)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "",
		"deployment directory (default: working directory)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false,
		"emit machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false,
		"suppress log output (command results still print)")

	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(configCmd)
}

// resultToErr turns a failed OperationResult into a non-zero exit after
// it has been printed.
func resultToErr(res OperationResult) error {
	if res.Success {
		return nil
	}
	return fmt.Errorf("%s", res.Message)
}
