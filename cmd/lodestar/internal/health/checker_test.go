// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/compose"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/retry"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

func testChecker(exec compose.Executor) *Checker {
	c := NewChecker(exec, logging.New(logging.Config{Quiet: true}))
	c.Poll = retry.Policy{MaxAttempts: 3} // keep tests fast
	return c
}

func TestCheckHealth_FastPathShortCircuits(t *testing.T) {
	exec := &compose.MockExecutor{
		RunningServicesFunc: func(ctx context.Context) ([]string, error) {
			return []string{"app", "postgres", "minio", "traefik"}, nil
		},
	}
	c := testChecker(exec)

	report := c.CheckHealth(context.Background())

	assert.True(t, report.Healthy)
	assert.Equal(t, SeverityOK, report.Severity)

	// The detailed tier must not have been queried.
	for _, call := range exec.GetCalls() {
		assert.NotEqual(t, "Status", call.Method)
	}
}

func TestCheckHealth_ExactNamesNotSubstrings(t *testing.T) {
	// "app-migrations" running must not satisfy the "app" requirement.
	exec := &compose.MockExecutor{
		RunningServicesFunc: func(ctx context.Context) ([]string, error) {
			return []string{"app-migrations", "postgres", "minio", "traefik"}, nil
		},
		StatusFunc: func(ctx context.Context) ([]compose.ServiceStatus, error) {
			return []compose.ServiceStatus{
				{Service: "app-migrations", State: "running"},
				{Service: "postgres", State: "running"},
				{Service: "minio", State: "running"},
				{Service: "traefik", State: "running"},
			}, nil
		},
	}
	c := testChecker(exec)

	report := c.CheckHealth(context.Background())

	assert.False(t, report.Healthy)
	assert.Equal(t, []string{"app"}, report.Missing)
	assert.Contains(t, report.Narrative, "missing services: app")
}

func TestCheckHealth_FallbackPredicate(t *testing.T) {
	tests := []struct {
		name      string
		status    compose.ServiceStatus
		healthy   bool
	}{
		{"running no health check", compose.ServiceStatus{State: "running"}, true},
		{"running healthy", compose.ServiceStatus{State: "running", Health: "healthy"}, true},
		{"running starting", compose.ServiceStatus{State: "running", Health: "starting"}, true},
		{"running unhealthy", compose.ServiceStatus{State: "running", Health: "unhealthy"}, false},
		{"exited", compose.ServiceStatus{State: "exited"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, serviceHealthy(tt.status))
		})
	}
}

func TestCheckHealth_NamesUnhealthyServices(t *testing.T) {
	exec := &compose.MockExecutor{
		RunningServicesFunc: func(ctx context.Context) ([]string, error) {
			return []string{"app", "minio", "traefik"}, nil
		},
		StatusFunc: func(ctx context.Context) ([]compose.ServiceStatus, error) {
			return []compose.ServiceStatus{
				{Service: "app", State: "running", Health: "healthy"},
				{Service: "postgres", State: "running", Health: "unhealthy"},
				{Service: "minio", State: "running"},
				{Service: "traefik", State: "running"},
			}, nil
		},
	}
	c := testChecker(exec)

	report := c.CheckHealth(context.Background())

	assert.False(t, report.Healthy)
	assert.Equal(t, SeverityWarning, report.Severity)
	assert.Empty(t, report.Missing)
	assert.Equal(t, []string{"postgres"}, report.Unhealthy)
	assert.Contains(t, report.Narrative, "unhealthy services: postgres")
}

func TestCheckHealth_BothTiersFailing(t *testing.T) {
	boom := errors.New("daemon unreachable")
	exec := &compose.MockExecutor{
		RunningServicesFunc: func(ctx context.Context) ([]string, error) { return nil, boom },
		StatusFunc:          func(ctx context.Context) ([]compose.ServiceStatus, error) { return nil, boom },
	}
	c := testChecker(exec)

	report := c.CheckHealth(context.Background())

	assert.False(t, report.Healthy)
	assert.Equal(t, SeverityError, report.Severity)
	assert.Contains(t, report.Narrative, "daemon unreachable")
}

func TestWaitForContainer_FirstAttemptReadyStates(t *testing.T) {
	tests := []struct {
		name  string
		state compose.ContainerState
	}{
		{"healthy", compose.ContainerState{Status: "running", Health: "healthy"}},
		{"starting while running", compose.ContainerState{Status: "running", Health: "starting"}},
		{"no health check while running", compose.ContainerState{Status: "running"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inspects int
			exec := &compose.MockExecutor{
				InspectContainerFunc: func(ctx context.Context, name string) (compose.ContainerState, error) {
					inspects++
					return tt.state, nil
				},
			}
			c := testChecker(exec)

			require.NoError(t, c.WaitForContainer(context.Background(), "app-1"))
			assert.Equal(t, 1, inspects, "ready state must terminate on the first attempt")
		})
	}
}

func TestWaitForContainer_RetriesMalformedObservations(t *testing.T) {
	var inspects int
	exec := &compose.MockExecutor{
		InspectContainerFunc: func(ctx context.Context, name string) (compose.ContainerState, error) {
			inspects++
			if inspects < 3 {
				return compose.ContainerState{}, errors.New("no such container")
			}
			return compose.ContainerState{Status: "running", Health: "healthy"}, nil
		},
	}
	c := testChecker(exec)

	require.NoError(t, c.WaitForContainer(context.Background(), "app-1"))
	assert.Equal(t, 3, inspects)
}

func TestWaitForContainer_BudgetExhaustionIsHardFailure(t *testing.T) {
	exec := &compose.MockExecutor{
		InspectContainerFunc: func(ctx context.Context, name string) (compose.ContainerState, error) {
			return compose.ContainerState{Status: "restarting"}, nil
		},
	}
	c := testChecker(exec)

	err := c.WaitForContainer(context.Background(), "app-1")
	require.ErrorIs(t, err, ErrHealthTimeout)
	assert.Contains(t, err.Error(), "app-1")
}

func TestProbeEndpoints(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	c := testChecker(&compose.MockExecutor{})

	require.NoError(t, c.ProbeEndpoints(context.Background(), map[string]string{"app": ok.URL}))

	err := c.ProbeEndpoints(context.Background(), map[string]string{
		"app": ok.URL,
		"api": broken.URL,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api")
}
