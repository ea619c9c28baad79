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
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and modify the deployment configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.Store.Current()
		return emitJSON(os.Stdout, cfg)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set key=value [key=value...]",
	Short: "Update configuration fields",
	Long: `Updates fields by dotted path, e.g.:

  lodestar config set network.domain=shop.example database.password=s3cret

Values parse as bool or integer when they look like one, else string.
Nested sections merge field by field; unnamed fields keep their values.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partial := map[string]any{}
		for _, arg := range args {
			key, value, found := strings.Cut(arg, "=")
			if !found || key == "" {
				return fmt.Errorf("invalid assignment %q, want key=value", arg)
			}
			if err := setPath(partial, key, coerceValue(value)); err != nil {
				return err
			}
		}

		cfg, err := app.Store.UpdateConfig(partial)
		if err != nil {
			return err
		}
		if flagJSON {
			return emitJSON(os.Stdout, cfg)
		}
		fmt.Printf("%s configuration updated\n", statusGlyph(true))
		return nil
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "Print the generated runtime environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		env := app.Store.RuntimeEnvironment()
		if flagJSON {
			return emitJSON(os.Stdout, env)
		}
		emitKeyValues(os.Stdout, env)
		return nil
	},
}

var flagBackupReason string

var configBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a configuration backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := app.Store.CreateBackup(flagBackupReason)
		if err != nil {
			return err
		}
		if flagJSON {
			return emitJSON(os.Stdout, info)
		}
		fmt.Printf("%s backup written to %s\n", statusGlyph(true), info.Path)
		return nil
	},
}

var configRestoreCmd = &cobra.Command{
	Use:   "restore <backup-path>",
	Short: "Restore configuration from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Store.RestoreFromBackup(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return emitJSON(os.Stdout, cfg)
		}
		fmt.Printf("%s configuration restored from %s\n", statusGlyph(true), args[0])
		return nil
	},
}

var configBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List configuration backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		backups, err := app.Store.ListBackups()
		if err != nil {
			return err
		}
		if flagJSON {
			return emitJSON(os.Stdout, backups)
		}
		if len(backups) == 0 {
			fmt.Println("no backups")
			return nil
		}
		for _, b := range backups {
			fmt.Printf("%s  %-14s %s\n",
				b.CreatedAt.Format("2006-01-02 15:04:05"), b.Reason, b.Path)
		}
		return nil
	},
}

func init() {
	configBackupCmd.Flags().StringVar(&flagBackupReason, "reason", "manual",
		"reason recorded in the backup file name")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configEnvCmd)
	configCmd.AddCommand(configBackupCmd)
	configCmd.AddCommand(configRestoreCmd)
	configCmd.AddCommand(configBackupsCmd)
}

// setPath writes value into m at a dotted path, creating nested maps.
func setPath(m map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	for i, part := range parts[:len(parts)-1] {
		next, ok := m[part]
		if !ok {
			child := map[string]any{}
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q conflicts at %q", path, strings.Join(parts[:i+1], "."))
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
	return nil
}

// coerceValue parses bools and integers; everything else stays a string.
func coerceValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
