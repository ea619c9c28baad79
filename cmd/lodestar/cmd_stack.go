// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Start, stop, and inspect the container stack",
}

var stackStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Provision if needed and start the stack",
	RunE: func(cmd *cobra.Command, args []string) error {
		res := app.Manager.StartStack(cmd.Context())
		if err := emitResult(os.Stdout, flagJSON, res); err != nil {
			return err
		}
		return resultToErr(res)
	},
}

var flagDeleteVolumes bool

var stackStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the stack",
	RunE: func(cmd *cobra.Command, args []string) error {
		res := app.Manager.StopStack(cmd.Context(), flagDeleteVolumes)
		if err := emitResult(os.Stdout, flagJSON, res); err != nil {
			return err
		}
		return resultToErr(res)
	},
}

var stackStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report stack health",
	RunE: func(cmd *cobra.Command, args []string) error {
		report := app.Manager.CheckHealth(cmd.Context())
		if flagJSON {
			return emitJSON(os.Stdout, report)
		}

		fmt.Printf("%s %s\n", statusGlyph(report.Healthy), report.Narrative)
		if !report.Healthy {
			return fmt.Errorf("stack is not healthy")
		}
		return nil
	},
}

var stackLogsCmd = &cobra.Command{
	Use:   "logs [services...]",
	Short: "Follow stack logs until interrupted",
	Long: `Attaches a follow-mode log stream for the whole stack, or only the
named services. Ctrl-C stops the stream gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, err := app.Manager.StreamLogs(cmd.Context(), os.Stdout, os.Stderr, args...)
		if err != nil {
			return err
		}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupt)

		done := make(chan error, 1)
		go func() { done <- stream.Wait() }()

		select {
		case <-interrupt:
			app.Logger.Info("stopping log stream")
			return stream.Stop()
		case err := <-done:
			if err != nil && !strings.Contains(err.Error(), "signal") {
				return err
			}
			return nil
		}
	},
}

func init() {
	stackStopCmd.Flags().BoolVar(&flagDeleteVolumes, "volumes", false,
		"also remove named volumes (destroys data)")

	stackCmd.AddCommand(stackStartCmd)
	stackCmd.AddCommand(stackStopCmd)
	stackCmd.AddCommand(stackStatusCmd)
	stackCmd.AddCommand(stackLogsCmd)
}
