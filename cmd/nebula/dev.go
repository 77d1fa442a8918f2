package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/events"
	"github.com/nexus-nebula/nebula/internal/locks"
	"github.com/nexus-nebula/nebula/internal/platform"
	"github.com/nexus-nebula/nebula/internal/ports"
	"github.com/nexus-nebula/nebula/internal/runtime"
	"github.com/nexus-nebula/nebula/internal/runtime/local"
	"github.com/nexus-nebula/nebula/internal/workspace"
	"github.com/spf13/cobra"
)

// Directories never mirrored into the workspace runtime.
var skippedDirs = map[string]struct{}{
	".git":         {},
	".nebula":      {},
	"node_modules": {},
	"dist":         {},
	"build":        {},
	".next":        {},
}

func newDevCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Boot a live preview workspace and sync file edits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDev(cmd, cfg, logger, dir)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "project directory to preview")
	return cmd
}

func runDev(cmd *cobra.Command, cfg *config.Config, logger *log.Logger, dir string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	tree, err := loadTree(dir)
	if err != nil {
		return err
	}
	if len(tree) == 0 {
		return fmt.Errorf("no project files found in %s", dir)
	}

	workDir, err := os.MkdirTemp("", "nebula-workspace-")
	if err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	bus := events.New()
	registry := ports.NewRegistry()
	bus.Subscribe(events.EventTypePhaseTransition, func(event events.Event) {
		if payload, ok := event.Payload.(map[string]string); ok {
			fmt.Fprintf(out, "phase: %s\n", payload["to_phase"])
		}
	})

	session, err := workspace.NewSession(
		cfg,
		bus,
		registry,
		func(context.Context) (runtime.Handle, error) {
			return local.New(workDir)
		},
		workspace.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = session.Close()
	}()

	// One live session per project directory.
	leases, err := newLeaseManager()
	if err != nil {
		return err
	}
	projectDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve project directory %s: %w", dir, err)
	}
	if err := leases.Acquire(ctx, session.ID(), projectDir); err != nil {
		if errors.Is(err, locks.ErrConflict) {
			return fmt.Errorf("another preview session is running for %s; stop it first", projectDir)
		}
		return err
	}
	defer func() {
		if releaseErr := leases.Release(context.Background(), session.ID()); releaseErr != nil {
			logger.With("error", releaseErr).Warn("failed to release session lease")
		}
	}()

	fmt.Fprintf(out, "booting workspace for %s (%d files)\n", dir, len(tree))
	if _, err := session.Boot(ctx, tree); err != nil {
		return err
	}
	if active, ok := registry.Active(); ok {
		fmt.Fprintf(out, "preview ready: %s\n", active.URL)
	}

	ticker := time.NewTicker(cfg.QuietPeriod)
	defer ticker.Stop()
	last := tree
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next, err := loadTree(dir)
			if err != nil {
				logger.With("error", err).Warn("rescan failed")
				continue
			}
			if treesEqual(last, next) {
				continue
			}
			last = next
			session.Notify(next)
		}
	}
}

// loadTree reads every text file under dir into a snapshot, skipping
// dependency and VCS directories and files above the backend size limit.
func loadTree(dir string) (runtime.Tree, error) {
	tree := runtime.Tree{}
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if _, skip := skippedDirs[entry.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > platform.MaxFileBytes {
			return nil
		}

		content, err := os.ReadFile(path) // #nosec G304 -- path comes from walking the user-chosen directory.
		if err != nil {
			return err
		}
		if !utf8.Valid(content) {
			return nil
		}

		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(relative)] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read project directory %s: %w", dir, err)
	}
	return tree, nil
}

// newLeaseManager builds the session lease guard backed by the shared state
// file under ~/.nebula.
func newLeaseManager() (*locks.Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	store, err := locks.NewFileStore(filepath.Join(homeDir, ".nebula", "sessions.lock"))
	if err != nil {
		return nil, err
	}
	return locks.NewManager(store, locks.ManagerConfig{})
}

func treesEqual(a, b runtime.Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for path, content := range a {
		if other, ok := b[path]; !ok || other != content {
			return false
		}
	}
	return true
}
