// Package sync keeps an in-memory project file set mirrored into a live
// runtime by pushing only changed files.
//
// File deletions are intentionally not propagated: a path removed from the
// snapshot stays in the runtime and in the fingerprint map. Vanished paths
// are logged so the gap stays visible.
package sync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	gosync "sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/nexus-nebula/nebula/internal/events"
	"github.com/nexus-nebula/nebula/internal/runtime"
	"github.com/nexus-nebula/nebula/internal/telemetry/invariants"
)

// ErrNotMounted indicates an incremental sync was attempted before the first
// full mount.
var ErrNotMounted = errors.New("runtime has not been mounted")

// SyncError reports an abandoned sync batch. The fingerprint map is left
// unchanged, so the next triggered sync recomputes the same diff.
type SyncError struct {
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Path, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Option configures Engine construction.
type Option func(*Engine)

// WithLogger configures the structured logger used for sync diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

// Engine computes minimal diffs between the last materialized file state and
// the current snapshot and pushes only changed files into the runtime.
type Engine struct {
	handle runtime.Handle
	bus    events.Bus
	logger *log.Logger

	mu           gosync.Mutex
	fingerprints map[string]uint64
	mounted      bool
}

// NewEngine builds a sync engine bound to one runtime handle.
func NewEngine(handle runtime.Handle, bus events.Bus, options ...Option) (*Engine, error) {
	if handle == nil {
		return nil, errors.New("runtime handle is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}

	engine := &Engine{
		handle:       handle,
		bus:          bus,
		logger:       log.Default(),
		fingerprints: map[string]uint64{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(engine)
	}
	return engine, nil
}

// Mount writes the full file tree into the runtime, independent of
// fingerprinting, and replaces the fingerprint map with the mounted state.
// Required once per runtime boot before incremental sync.
func (e *Engine) Mount(ctx context.Context, snapshot runtime.Tree) error {
	if e == nil {
		return errors.New("engine is nil")
	}

	if err := e.handle.Mount(ctx, snapshot); err != nil {
		return fmt.Errorf("mount file tree: %w", err)
	}

	next := make(map[string]uint64, len(snapshot))
	for filePath, content := range snapshot {
		next[filePath] = xxhash.Sum64String(content)
	}

	e.mu.Lock()
	e.fingerprints = next
	e.mounted = true
	e.mu.Unlock()

	e.logger.With("files", len(snapshot)).Info("workspace mounted")
	return nil
}

// Sync writes every path whose content hash differs from the last recorded
// fingerprint and returns the applied paths. A path present in the snapshot
// but absent from the fingerprint map counts as changed. Fingerprints
// advance only after every write in the batch succeeds; a failed batch is
// retried implicitly on the next call.
func (e *Engine) Sync(ctx context.Context, snapshot runtime.Tree) ([]string, error) {
	if e == nil {
		return nil, errors.New("engine is nil")
	}

	e.mu.Lock()
	if !e.mounted {
		e.mu.Unlock()
		return nil, ErrNotMounted
	}
	changed, hashes := e.diffLocked(snapshot)
	e.mu.Unlock()

	if len(changed) == 0 {
		return nil, nil
	}

	started := time.Now()
	for _, filePath := range changed {
		if err := e.writeFile(ctx, filePath, snapshot[filePath]); err != nil {
			syncErr := &SyncError{Path: filePath, Err: err}
			invariants.CheckSyncBatchAtomic(ctx, "sync.Engine.Sync", e.fingerprintsUntouched(changed, hashes), syncErr.Error())
			e.publishFailure(syncErr)
			return nil, syncErr
		}
	}

	e.mu.Lock()
	for _, filePath := range changed {
		e.fingerprints[filePath] = hashes[filePath]
	}
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Type:       events.EventTypeSyncApplied,
		EntityType: "sync",
		Payload: map[string]any{
			"paths":       changed,
			"duration_ms": time.Since(started).Milliseconds(),
		},
		Severity: events.SeverityInfo,
	})
	return changed, nil
}

// Fingerprint returns the recorded content hash for a path.
func (e *Engine) Fingerprint(filePath string) (uint64, bool) {
	if e == nil {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	hash, ok := e.fingerprints[filePath]
	return hash, ok
}

// Mounted reports whether the first full mount has completed.
func (e *Engine) Mounted() bool {
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounted
}

// Reset clears all fingerprints, e.g. when a fresh runtime boot remounts a
// new project.
func (e *Engine) Reset() {
	if e == nil {
		return
	}

	e.mu.Lock()
	e.fingerprints = map[string]uint64{}
	e.mounted = false
	e.mu.Unlock()
}

func (e *Engine) diffLocked(snapshot runtime.Tree) ([]string, map[string]uint64) {
	changed := make([]string, 0)
	hashes := make(map[string]uint64, len(snapshot))

	for filePath, content := range snapshot {
		hash := xxhash.Sum64String(content)
		hashes[filePath] = hash
		previous, ok := e.fingerprints[filePath]
		if !ok || previous != hash {
			changed = append(changed, filePath)
		}
	}
	sort.Strings(changed)

	for filePath := range e.fingerprints {
		if _, ok := snapshot[filePath]; !ok {
			e.logger.With("path", filePath).Debug("path removed from snapshot; deletion not propagated")
		}
	}

	return changed, hashes
}

func (e *Engine) writeFile(ctx context.Context, filePath, content string) error {
	if dir := path.Dir(filePath); dir != "." && dir != "/" {
		if err := e.handle.MkdirAll(ctx, dir); err != nil {
			return err
		}
	}
	return e.handle.WriteFile(ctx, filePath, content)
}

// fingerprintsUntouched verifies that no fingerprint from the failed batch
// was advanced to the new hash.
func (e *Engine) fingerprintsUntouched(changed []string, hashes map[string]uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, filePath := range changed {
		if recorded, ok := e.fingerprints[filePath]; ok && recorded == hashes[filePath] {
			return false
		}
	}
	return true
}

func (e *Engine) publishFailure(syncErr *SyncError) {
	e.logger.With("path", syncErr.Path, "error", syncErr.Err).Warn("sync batch abandoned")
	e.bus.Publish(events.Event{
		Type:       events.EventTypeSyncFailed,
		EntityType: "sync",
		Payload: map[string]string{
			"path":  syncErr.Path,
			"error": syncErr.Err.Error(),
		},
		Severity: events.SeverityWarn,
	})
}
