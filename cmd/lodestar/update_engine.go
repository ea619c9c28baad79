// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/config"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/health"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/process"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/retry"
	"github.com/lodestar-sh/lodestar/cmd/lodestar/internal/state"
	"github.com/lodestar-sh/lodestar/pkg/logging"
)

// =============================================================================
// States and errors
// =============================================================================

// UpdateState is the engine's lifecycle state.
type UpdateState string

const (
	StateIdle        UpdateState = "idle"
	StateChecking    UpdateState = "checking"
	StateDownloading UpdateState = "downloading"
	StateReady       UpdateState = "ready"
	StateInstalling  UpdateState = "installing"
	StateCompleted   UpdateState = "completed"
	StateFailed      UpdateState = "failed"
)

var (
	// ErrUpdateAborted: the update failed before the deployment was
	// touched (tagging the rollback image or taking the configuration
	// backup); the running stack was never modified.
	ErrUpdateAborted = errors.New("update aborted, deployment unchanged")

	// ErrUpdateFailed: the update failed and the automatic rollback
	// restored the previous version.
	ErrUpdateFailed = errors.New("update failed, previous version restored")

	// ErrUpdateRollbackFailed: the update failed AND the automatic
	// rollback also failed. The deployment may be in a broken state and
	// needs operator attention. The most severe reportable condition.
	ErrUpdateRollbackFailed = errors.New("update failed and rollback failed, manual intervention required")

	// ErrNoUpdatePending is returned when download/install runs without a
	// checked update.
	ErrNoUpdatePending = errors.New("no update pending")

	// ErrUpdateBusy is returned when a transition is requested while the
	// engine is mid-operation.
	ErrUpdateBusy = errors.New("update operation already in progress")
)

// retentionLimit caps kept rollback points; installing prunes beyond it.
const retentionLimit = 3

// rollbackHistoryFile persists rollback points under the state dir.
const rollbackHistoryFile = "rollbacks.json"

// =============================================================================
// Types
// =============================================================================

// ReleaseManifest is the document the update channel serves.
type ReleaseManifest struct {
	Version     string    `json:"version"`
	Notes       string    `json:"notes,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// UpdateInfo describes the outcome of an update check.
type UpdateInfo struct {
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
	Available      bool   `json:"available"`
	Notes          string `json:"notes,omitempty"`
}

// RollbackPoint captures everything needed to restore one prior version:
// the tagged image and the configuration backup taken before the update.
type RollbackPoint struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	TaggedImage string    `json:"taggedImage"`
	BackupPath  string    `json:"backupPath"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EngineStatus is a point-in-time snapshot for status reporting.
type EngineStatus struct {
	State    UpdateState `json:"state"`
	Progress int         `json:"progress"`
	Pending  *UpdateInfo `json:"pending,omitempty"`
	LastErr  string      `json:"lastError,omitempty"`
}

// =============================================================================
// Engine
// =============================================================================

// UpdateEngine checks for, downloads, installs, and rolls back application
// updates for one deployment.
//
// # Thread Safety
//
// The state snapshot is guarded by an RWMutex so status reads may run
// concurrently with an operation. Mutating operations additionally
// serialize through the per-deployment operation lock shared with the
// StackManager.
type UpdateEngine struct {
	store   *config.Store
	states  *state.Store
	manager *StackManager
	runner  process.Runner
	lock    process.OperationLocker
	logger  *logging.Logger

	// verifier checks post-install health with a smaller budget than
	// startup polling.
	verifier *health.Checker

	httpClient  *http.Client
	historyPath string

	now   func() time.Time
	newID func() string

	mu       sync.RWMutex
	state    UpdateState
	progress int
	pending  *UpdateInfo
	lastErr  error
}

// NewUpdateEngine wires an engine for the manager's deployment.
func NewUpdateEngine(store *config.Store, states *state.Store, manager *StackManager,
	runner process.Runner, lock process.OperationLocker, stateDir string, logger *logging.Logger) *UpdateEngine {

	verifier := health.NewChecker(manager.exec, logger)
	verifier.Poll = retry.Policy{MaxAttempts: 12, Backoff: retry.Constant(5 * time.Second)}

	return &UpdateEngine{
		store:       store,
		states:      states,
		manager:     manager,
		runner:      runner,
		lock:        lock,
		logger:      logger,
		verifier:    verifier,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		historyPath: filepath.Join(stateDir, rollbackHistoryFile),
		now:         time.Now,
		newID:       uuid.NewString,
		state:       StateIdle,
	}
}

// Status returns a snapshot of the engine state.
func (e *UpdateEngine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := EngineStatus{State: e.state, Progress: e.progress}
	if e.pending != nil {
		p := *e.pending
		st.Pending = &p
	}
	if e.lastErr != nil {
		st.LastErr = e.lastErr.Error()
	}
	return st
}

func (e *UpdateEngine) setState(s UpdateState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// setProgress advances progress monotonically; regressions are ignored.
func (e *UpdateEngine) setProgress(p int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p > e.progress {
		e.progress = p
	}
}

func (e *UpdateEngine) fail(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateFailed
	e.lastErr = err
	return err
}

// beginOperation transitions into an in-flight state when the engine is
// quiescent (idle, completed, ready, or failed-awaiting-retrigger).
func (e *UpdateEngine) beginOperation(target UpdateState, allowedFrom ...UpdateState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, from := range allowedFrom {
		if e.state == from {
			e.state = target
			e.progress = 0
			e.lastErr = nil
			return nil
		}
	}
	return fmt.Errorf("%w: state is %s", ErrUpdateBusy, e.state)
}

// =============================================================================
// Check
// =============================================================================

// CheckForUpdates queries the configured channel and compares the latest
// published version with the running version by semantic ordering. The
// engine returns to idle either way; the result says whether an update
// is available.
func (e *UpdateEngine) CheckForUpdates(ctx context.Context) (UpdateInfo, error) {
	if err := e.beginOperation(StateChecking, StateIdle, StateCompleted, StateFailed); err != nil {
		return UpdateInfo{}, err
	}

	cfg := e.store.Current()
	manifest, err := e.fetchManifest(ctx, cfg.Update.Channel)
	if err != nil {
		return UpdateInfo{}, e.fail(fmt.Errorf("update check failed: %w", err))
	}

	current := canonicalVersion(cfg.Runtime.ImageTag)
	latest := canonicalVersion(manifest.Version)
	if !semver.IsValid(latest) {
		return UpdateInfo{}, e.fail(fmt.Errorf("update check failed: channel published invalid version %q", manifest.Version))
	}

	info := UpdateInfo{
		CurrentVersion: cfg.Runtime.ImageTag,
		LatestVersion:  manifest.Version,
		Available:      semver.Compare(latest, current) > 0,
		Notes:          manifest.Notes,
	}

	e.mu.Lock()
	e.state = StateIdle
	if info.Available {
		p := info
		e.pending = &p
	} else {
		e.pending = nil
	}
	e.mu.Unlock()

	e.logger.Info("update check completed",
		"current", info.CurrentVersion, "latest", info.LatestVersion, "available", info.Available)
	return info, nil
}

func (e *UpdateEngine) fetchManifest(ctx context.Context, channel string) (*ReleaseManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channel, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel returned status %d", resp.StatusCode)
	}

	var manifest ReleaseManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("malformed release manifest: %w", err)
	}
	if manifest.Version == "" {
		return nil, errors.New("release manifest has no version")
	}
	return &manifest, nil
}

// canonicalVersion normalizes a tag for semantic comparison.
func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// =============================================================================
// Download
// =============================================================================

// DownloadUpdate pulls the pending version's image. Progress advances
// monotonically to 100; on failure the engine stays failed until the
// caller re-triggers a check.
func (e *UpdateEngine) DownloadUpdate(ctx context.Context) error {
	e.mu.RLock()
	pending := e.pending
	e.mu.RUnlock()
	if pending == nil {
		return ErrNoUpdatePending
	}

	if err := e.beginOperation(StateDownloading, StateIdle, StateFailed); err != nil {
		return err
	}
	e.setProgress(10)

	cfg := e.store.Current()
	image := cfg.Runtime.ImageRepository + ":" + pending.LatestVersion

	res, err := e.runner.Run(ctx, cfg.Runtime.Binary, "pull", image)
	if err != nil {
		return e.fail(fmt.Errorf("download failed: %w", err))
	}
	if !res.Success() {
		return e.fail(fmt.Errorf("download failed: %w: %s", process.ErrCommandFailed, res.Diagnostic()))
	}

	e.setProgress(100)
	e.setState(StateReady)
	e.logger.Info("update downloaded", "image", image)
	return nil
}

// =============================================================================
// Install
// =============================================================================

// InstallUpdate applies the downloaded update through a fixed sequence of
// compensated steps:
//
//  1. tag the running image as a rollback point
//  2. back up the configuration, attached to the rollback point
//  3. point the configuration at the new version
//  4. stop the stack
//  5. start the stack on the new version
//  6. verify health under the install budget
//  7. record the rollback point and prune beyond retention
//
// A failure in steps 3-6 triggers automatic rollback of the completed
// steps. The resulting error distinguishes a clean rollback
// (ErrUpdateFailed) from a rollback that itself failed
// (ErrUpdateRollbackFailed).
func (e *UpdateEngine) InstallUpdate(ctx context.Context) error {
	e.mu.RLock()
	pending := e.pending
	currentState := e.state
	e.mu.RUnlock()

	if currentState != StateReady || pending == nil {
		return fmt.Errorf("%w: install requires a downloaded update (state is %s)", ErrNoUpdatePending, currentState)
	}
	if err := e.lock.Acquire("install"); err != nil {
		return err
	}
	defer e.lock.Release()

	e.setState(StateInstalling)
	e.mu.Lock()
	e.progress = 0
	e.mu.Unlock()

	cfg := e.store.Current()
	point := RollbackPoint{
		ID:        e.newID(),
		Version:   cfg.Runtime.ImageTag,
		CreatedAt: e.now().UTC(),
	}
	point.TaggedImage = fmt.Sprintf("%s:rollback-%s",
		cfg.Runtime.ImageRepository, point.CreatedAt.Format("20060102T150405Z"))
	currentImage := cfg.Runtime.ImageRepository + ":" + cfg.Runtime.ImageTag

	saga := NewSaga(e.logger)

	saga.AddStep(SagaStep{
		Name: "tag rollback image",
		Execute: func(ctx context.Context) error {
			defer e.setProgress(15)
			return e.runtimeCommand(ctx, cfg.Runtime.Binary, "tag", currentImage, point.TaggedImage)
		},
		Compensate: func(ctx context.Context) error {
			// Tolerates "no such image".
			_ = e.runtimeCommand(ctx, cfg.Runtime.Binary, "rmi", point.TaggedImage)
			return nil
		},
	})

	saga.AddStep(SagaStep{
		Name: "back up configuration",
		Execute: func(ctx context.Context) error {
			defer e.setProgress(30)
			backup, err := e.store.CreateBackup("pre-update")
			if err != nil {
				return err
			}
			point.BackupPath = backup.Path
			return nil
		},
	})

	saga.AddStep(SagaStep{
		Name: "switch configuration to new version",
		Execute: func(ctx context.Context) error {
			defer e.setProgress(45)
			_, err := e.store.UpdateConfig(map[string]any{
				"runtime": map[string]any{"imageTag": pending.LatestVersion},
			})
			return err
		},
		// Compensation runs in reverse step order, so this step restores
		// the configuration AND restarts the stack on it: by the time it
		// runs, later steps have already brought the stack down.
		Compensate: func(ctx context.Context) error {
			if _, err := e.store.RestoreFromBackup(point.BackupPath); err != nil {
				return err
			}
			return resultErr(e.manager.startLocked(ctx))
		},
	})

	saga.AddStep(SagaStep{
		Name: "stop stack",
		Execute: func(ctx context.Context) error {
			defer e.setProgress(60)
			return resultErr(e.manager.stopLocked(ctx, false))
		},
	})

	saga.AddStep(SagaStep{
		Name: "start stack on new version",
		Execute: func(ctx context.Context) error {
			defer e.setProgress(75)
			return resultErr(e.manager.startLocked(ctx))
		},
		Compensate: func(ctx context.Context) error {
			return resultErr(e.manager.stopLocked(ctx, false))
		},
	})

	saga.AddStep(SagaStep{
		Name: "verify health",
		Execute: func(ctx context.Context) error {
			defer e.setProgress(90)
			return e.verifier.WaitForContainer(ctx, e.manager.appContainerName())
		},
	})

	if err := saga.Execute(ctx); err != nil {
		outcome := state.InstallOutcome{
			OperationID: point.ID,
			FromVersion: point.Version,
			ToVersion:   pending.LatestVersion,
		}

		// The deployment is only mutated from the configuration switch
		// onward; a failure before that completed means nothing was
		// rolled back because nothing changed.
		mutated := slices.Contains(saga.CompletedSteps(), "switch configuration to new version")

		var final error
		switch {
		case len(saga.CompensationErrors()) > 0:
			final = fmt.Errorf("%w: %v (rollback errors: %v)", ErrUpdateRollbackFailed, err, saga.CompensationErrors())
			outcome.Status = state.InstallFailed
		case !mutated:
			final = fmt.Errorf("%w: %v", ErrUpdateAborted, err)
			outcome.Status = state.InstallFailed
		default:
			final = fmt.Errorf("%w: %v", ErrUpdateFailed, err)
			outcome.Status = state.InstallRolledBack
		}
		outcome.Message = final.Error()
		if recErr := e.states.RecordInstallOutcome(outcome); recErr != nil {
			e.logger.Warn("failed to record install outcome", "error", recErr)
		}
		return e.fail(final)
	}

	if err := e.appendRollbackPoint(ctx, point, cfg.Runtime.Binary); err != nil {
		// The update itself succeeded; losing a history entry is a
		// warning, not a failure.
		e.logger.Warn("failed to record rollback point", "error", err)
	}

	e.setProgress(100)
	e.mu.Lock()
	e.state = StateCompleted
	e.pending = nil
	e.mu.Unlock()

	if err := e.states.RecordInstallOutcome(state.InstallOutcome{
		OperationID: point.ID,
		FromVersion: point.Version,
		ToVersion:   pending.LatestVersion,
		Status:      state.InstallCompleted,
	}); err != nil {
		e.logger.Warn("failed to record install outcome", "error", err)
	}

	e.logger.Info("update installed",
		"from", point.Version, "to", pending.LatestVersion)
	return nil
}

// runtimeCommand runs one container-runtime command, folding a non-zero
// exit into the error.
func (e *UpdateEngine) runtimeCommand(ctx context.Context, binary string, args ...string) error {
	res, err := e.runner.Run(ctx, binary, args...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s", process.ErrCommandFailed, res.Diagnostic())
	}
	return nil
}

func resultErr(res OperationResult) error {
	if res.Success {
		return nil
	}
	if res.Diagnostic != "" {
		return fmt.Errorf("%s: %s", res.Message, res.Diagnostic)
	}
	return errors.New(res.Message)
}

// =============================================================================
// Rollback and history
// =============================================================================

// Rollback restores the rollback point at index (0 = most recent): stop
// the stack, restore the attached configuration backup, start the stack,
// and re-verify health. A failure here is terminal for the operation; no
// further automatic recovery is attempted.
func (e *UpdateEngine) Rollback(ctx context.Context, index int) error {
	if err := e.lock.Acquire("rollback"); err != nil {
		return err
	}
	defer e.lock.Release()

	history, err := e.History()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(history) {
		return fmt.Errorf("no rollback point at index %d (have %d)", index, len(history))
	}
	point := history[index]

	e.logger.Info("rolling back", "to_version", point.Version, "backup", point.BackupPath)

	if res := e.manager.stopLocked(ctx, false); !res.Success {
		return e.fail(fmt.Errorf("rollback: %v", resultErr(res)))
	}
	if _, err := e.store.RestoreFromBackup(point.BackupPath); err != nil {
		return e.fail(fmt.Errorf("rollback: %w", err))
	}
	if res := e.manager.startLocked(ctx); !res.Success {
		return e.fail(fmt.Errorf("rollback: %v", resultErr(res)))
	}
	if err := e.verifier.WaitForContainer(ctx, e.manager.appContainerName()); err != nil {
		return e.fail(fmt.Errorf("rollback: %w", err))
	}

	e.setState(StateIdle)
	if err := e.states.RecordInstallOutcome(state.InstallOutcome{
		OperationID: point.ID,
		ToVersion:   point.Version,
		Status:      state.InstallRolledBack,
		Message:     "manual rollback",
	}); err != nil {
		e.logger.Warn("failed to record rollback outcome", "error", err)
	}
	return nil
}

// History returns persisted rollback points, newest first.
func (e *UpdateEngine) History() ([]RollbackPoint, error) {
	raw, err := os.ReadFile(e.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rollback history: %w", err)
	}

	var history []RollbackPoint
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("rollback history is malformed: %w", err)
	}
	return history, nil
}

// appendRollbackPoint prepends the point and prunes artifacts and history
// beyond the retention limit.
func (e *UpdateEngine) appendRollbackPoint(ctx context.Context, point RollbackPoint, binary string) error {
	history, err := e.History()
	if err != nil {
		return err
	}
	history = append([]RollbackPoint{point}, history...)

	for _, pruned := range history[min(len(history), retentionLimit):] {
		// Best effort: a missing image or backup is already pruned.
		_ = e.runtimeCommand(ctx, binary, "rmi", pruned.TaggedImage)
		_ = os.Remove(pruned.BackupPath)
		e.logger.Info("pruned rollback point", "version", pruned.Version)
	}
	if len(history) > retentionLimit {
		history = history[:retentionLimit]
	}

	raw, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(e.historyPath, raw, 0600)
}

// =============================================================================
// Auto-update loop
// =============================================================================

// defaultCheckIntervalMinutes backs the auto-update cadence when the
// persisted policy carries a non-positive interval (a hand-edited
// document bypasses UpdateConfig validation on load).
const defaultCheckIntervalMinutes = 360

// autoCheckInterval converts the policy cadence to a duration, falling
// back to the default for non-positive values so the timer can never be
// constructed with a zero or negative interval.
func autoCheckInterval(minutes int) time.Duration {
	if minutes <= 0 {
		minutes = defaultCheckIntervalMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// StartAutoUpdates runs the periodic check (and, when the policy enables
// it, download+install) on the configured cadence. The cadence and the
// policy flags are re-read from the live configuration every cycle, so
// a config change takes effect without a restart. Loop failures are
// logged and never crash the timer. The returned stop function cancels
// the loop and waits for it to exit.
func (e *UpdateEngine) StartAutoUpdates() (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			timer := time.NewTimer(autoCheckInterval(e.store.Current().Update.CheckIntervalMinutes))
			select {
			case <-done:
				timer.Stop()
				return
			case <-timer.C:
				e.runAutoCycle(done)
			}
		}
	}()

	e.logger.Info("auto-update loop started",
		"interval", autoCheckInterval(e.store.Current().Update.CheckIntervalMinutes).String())
	return func() {
		close(done)
		wg.Wait()
		e.logger.Info("auto-update loop stopped")
	}
}

func (e *UpdateEngine) runAutoCycle(done <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := e.store.Current().Update
	if !policy.AutoCheck {
		return
	}

	info, err := e.CheckForUpdates(ctx)
	if err != nil {
		e.logger.Warn("auto-update check failed", "error", err)
		return
	}
	if !info.Available || !policy.AutoApply {
		return
	}

	if err := e.DownloadUpdate(ctx); err != nil {
		e.logger.Warn("auto-update download failed", "error", err)
		return
	}
	if err := e.InstallUpdate(ctx); err != nil {
		e.logger.Warn("auto-update install failed", "error", err)
	}
}
