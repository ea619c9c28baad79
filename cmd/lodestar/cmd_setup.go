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

	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Materialize the deployment directory without starting it",
	Long: `Provisions the deployment directory: acquires the orchestration
template, renders the environment and volume-overlay files from the
current configuration, and creates the directory skeleton.

Safe to re-run: existing valid artifacts are left untouched and only
gaps are filled. Refuses a target directory containing anything it does
not recognize.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.Store.Current()
		if err := app.Manager.materializer.Materialize(cmd.Context(), app.deploymentDir, &cfg); err != nil {
			res := failure("setup failed", err)
			_ = emitResult(os.Stdout, flagJSON, res)
			return err
		}
		if err := app.States.RecordSetupPath(app.deploymentDir); err != nil {
			app.Logger.Warn("failed to record setup path", "error", err)
		}

		res := OperationResult{
			Success: true,
			Message: fmt.Sprintf("deployment materialized at %s", app.deploymentDir),
		}
		return emitResult(os.Stdout, flagJSON, res)
	},
}
