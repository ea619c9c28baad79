// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package health decides whether a deployment's container stack is ready.

Two tiers: a fast running-services listing that short-circuits when every
required service is up, and a detailed per-service status fallback that
names exactly which services are missing or unhealthy. Readiness polling
for a single critical container is built on the shared retry policy.
*/
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/compose"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/retry"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// ErrHealthTimeout is returned when readiness polling exhausts its budget.
var ErrHealthTimeout = errors.New("container did not become ready in time")

// RequiredServices are the exact declared compose service names a healthy
// deployment must be running. Matching is exact, never substring: a
// container named "app-migrations" must not satisfy "app".
var RequiredServices = []string{"app", "postgres", "minio", "traefik"}

// Severity buckets for a health report.
const (
	SeverityOK      = "ok"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Report is the outcome of one health check.
type Report struct {
	// Healthy is true only when every required service checks out.
	Healthy bool `json:"healthy"`

	// Severity is ok, warning, or error.
	Severity string `json:"severity"`

	// Narrative is the human-readable summary naming any missing or
	// unhealthy services.
	Narrative string `json:"narrative"`

	// Missing lists required services absent from the stack.
	Missing []string `json:"missing,omitempty"`

	// Unhealthy lists required services present but not healthy.
	Unhealthy []string `json:"unhealthy,omitempty"`
}

// Checker performs health checks against one deployment's stack.
type Checker struct {
	exec   compose.Executor
	logger *logging.Logger

	// Poll bounds WaitForContainer. Defaults to 60 attempts x 5s.
	Poll retry.Policy

	// HTTPClient performs endpoint probes. Defaults to a 5s-timeout client.
	HTTPClient *http.Client
}

// NewChecker creates a Checker with the default polling budget.
func NewChecker(exec compose.Executor, logger *logging.Logger) *Checker {
	return &Checker{
		exec:   exec,
		logger: logger,
		Poll: retry.Policy{
			MaxAttempts: 60,
			Backoff:     retry.Constant(5 * time.Second),
		},
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// =============================================================================
// Two-tier stack check
// =============================================================================

// CheckHealth runs the two-tier check.
//
// Tier 1 lists running services; when all required services appear it
// short-circuits healthy. Otherwise tier 2 queries structured per-service
// status: a service is healthy iff its state is "running" and its health
// indicator is absent, "healthy", or "starting". Required services absent
// from the structured output are reported missing.
func (c *Checker) CheckHealth(ctx context.Context) Report {
	running, err := c.exec.RunningServices(ctx)
	if err == nil {
		missing := subtract(RequiredServices, running)
		if len(missing) == 0 {
			return okReport()
		}
	} else {
		c.logger.Debug("fast health tier failed, falling back to structured status", "error", err)
	}

	statuses, err := c.exec.Status(ctx)
	if err != nil {
		return Report{
			Healthy:   false,
			Severity:  SeverityError,
			Narrative: fmt.Sprintf("could not determine stack status: %v", err),
		}
	}

	byService := make(map[string]compose.ServiceStatus, len(statuses))
	for _, st := range statuses {
		byService[st.Service] = st
	}

	var missing, unhealthy []string
	for _, name := range RequiredServices {
		st, present := byService[name]
		if !present {
			missing = append(missing, name)
			continue
		}
		if !serviceHealthy(st) {
			unhealthy = append(unhealthy, name)
		}
	}

	return buildReport(missing, unhealthy)
}

// serviceHealthy applies the per-service predicate: running state, and a
// health indicator that is absent, healthy, or still starting.
func serviceHealthy(st compose.ServiceStatus) bool {
	if st.State != "running" {
		return false
	}
	switch st.Health {
	case "", "healthy", "starting":
		return true
	}
	return false
}

func okReport() Report {
	return Report{
		Healthy:   true,
		Severity:  SeverityOK,
		Narrative: "all services healthy: " + strings.Join(RequiredServices, ", "),
	}
}

func buildReport(missing, unhealthy []string) Report {
	if len(missing) == 0 && len(unhealthy) == 0 {
		return okReport()
	}

	var parts []string
	severity := SeverityWarning
	if len(missing) > 0 {
		severity = SeverityError
		parts = append(parts, "missing services: "+strings.Join(missing, ", "))
	}
	if len(unhealthy) > 0 {
		parts = append(parts, "unhealthy services: "+strings.Join(unhealthy, ", "))
	}

	return Report{
		Healthy:   false,
		Severity:  severity,
		Narrative: strings.Join(parts, "; "),
		Missing:   missing,
		Unhealthy: unhealthy,
	}
}

// subtract returns the members of want absent from have, sorted.
func subtract(want, have []string) []string {
	var missing []string
	for _, w := range want {
		if !slices.Contains(have, w) {
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	return missing
}

// =============================================================================
// Readiness polling
// =============================================================================

// WaitForContainer polls one critical container until it is ready, under
// the checker's Poll policy.
//
// Terminal (ready) observations:
//   - health "healthy"
//   - health "starting" while state is "running"
//   - no health check declared while state is "running"
//
// Non-terminal or malformed observations wait and retry. Budget
// exhaustion is a hard ErrHealthTimeout, never auto-retried.
func (c *Checker) WaitForContainer(ctx context.Context, containerName string) error {
	err := c.Poll.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		state, err := c.exec.InspectContainer(ctx, containerName)
		if err != nil {
			// The container may not exist yet; that is a retryable
			// observation, not a hard failure.
			c.logger.Debug("readiness probe inconclusive",
				"container", containerName, "attempt", attempt, "error", err)
			return false, nil
		}
		return containerReady(state), nil
	})

	if errors.Is(err, retry.ErrAttemptsExhausted) {
		return fmt.Errorf("%w: %s", ErrHealthTimeout, containerName)
	}
	return err
}

func containerReady(state compose.ContainerState) bool {
	switch {
	case state.Health == "healthy":
		return true
	case state.Health == "starting" && state.Status == "running":
		return true
	case state.Health == "" && state.Status == "running":
		return true
	}
	return false
}

// =============================================================================
// Endpoint probes
// =============================================================================

// ProbeEndpoints issues concurrent GETs against named endpoints and
// returns the first failure, wrapped with the endpoint name. A status
// of 500 or above counts as failure.
func (c *Checker) ProbeEndpoints(ctx context.Context, endpoints map[string]string) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, url := range endpoints {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("endpoint %s: %w", name, err)
			}
			resp, err := c.HTTPClient.Do(req)
			if err != nil {
				return fmt.Errorf("endpoint %s: %w", name, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("endpoint %s: status %d", name, resp.StatusCode)
			}
			return nil
		})
	}
	return g.Wait()
}
