// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateCommand_ExposesWatchSubcommand(t *testing.T) {
	var names []string
	for _, sub := range updateCmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "watch", "the auto-update loop needs a hosting command")
}

func TestUpdateWatch_ExitsWhenContextCancelled(t *testing.T) {
	env := newTestEnv(t)
	previous := app
	app = &App{Engine: env.engine}
	t.Cleanup(func() { app = previous })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	updateWatchCmd.SetContext(ctx)

	finished := make(chan error, 1)
	go func() { finished <- updateWatchCmd.RunE(updateWatchCmd, nil) }()

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not exit after context cancellation")
	}
}
