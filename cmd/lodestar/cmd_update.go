// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for, apply, and roll back application updates",
}

var updateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Query the update channel for a newer version",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := app.Engine.CheckForUpdates(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return emitJSON(os.Stdout, info)
		}

		if info.Available {
			fmt.Printf("update available: %s -> %s\n", info.CurrentVersion, info.LatestVersion)
			if info.Notes != "" {
				fmt.Println(info.Notes)
			}
		} else {
			fmt.Printf("up to date (%s)\n", info.CurrentVersion)
		}
		return nil
	},
}

var updateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Download and install the latest version",
	Long: `Checks the channel, downloads the newer version if one exists, and
installs it. A failed install rolls back to the running version
automatically; if that rollback also fails the command reports the
condition as requiring manual intervention.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		info, err := app.Engine.CheckForUpdates(ctx)
		if err != nil {
			return err
		}
		if !info.Available {
			fmt.Printf("up to date (%s)\n", info.CurrentVersion)
			return nil
		}

		fmt.Printf("downloading %s...\n", info.LatestVersion)
		if err := app.Engine.DownloadUpdate(ctx); err != nil {
			return err
		}

		fmt.Printf("installing %s...\n", info.LatestVersion)
		if err := app.Engine.InstallUpdate(ctx); err != nil {
			if errors.Is(err, ErrUpdateRollbackFailed) {
				fmt.Fprintf(os.Stderr, "%s SEVERE: %v\n", statusGlyph(false), err)
			}
			return err
		}

		fmt.Printf("%s updated to %s\n", statusGlyph(true), info.LatestVersion)
		return nil
	},
}

var flagRollbackIndex int

var updateRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore a previous version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Engine.Rollback(cmd.Context(), flagRollbackIndex); err != nil {
			return err
		}
		fmt.Printf("%s rollback complete\n", statusGlyph(true))
		return nil
	},
}

var updateWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the periodic update check until interrupted",
	Long: `Runs the auto-update loop in the foreground: on the configured
cadence it checks the channel and, when the policy's autoApply flag is
set, downloads and installs newer versions. Loop failures are logged
and never stop the timer. Ctrl-C exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stop := app.Engine.StartAutoUpdates()
		defer stop()

		fmt.Println("watching for updates; press Ctrl-C to stop")
		<-cmd.Context().Done()
		return nil
	},
}

var updateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List available rollback points",
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := app.Engine.History()
		if err != nil {
			return err
		}
		if flagJSON {
			return emitJSON(os.Stdout, history)
		}

		if len(history) == 0 {
			fmt.Println("no rollback points")
			return nil
		}
		for i, point := range history {
			fmt.Printf("[%d] %s  created %s\n", i, point.Version,
				point.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	},
}

func init() {
	updateRollbackCmd.Flags().IntVar(&flagRollbackIndex, "index", 0,
		"rollback point to restore (0 = most recent)")

	updateCmd.AddCommand(updateCheckCmd)
	updateCmd.AddCommand(updateApplyCmd)
	updateCmd.AddCommand(updateRollbackCmd)
	updateCmd.AddCommand(updateHistoryCmd)
	updateCmd.AddCommand(updateWatchCmd)
}
