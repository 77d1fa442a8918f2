package runtime

import (
	"context"
	"time"
)

// Tree is a snapshot of a project file set: slash-separated relative path to
// full text content. Snapshots are owned by the caller; a Handle only reads
// them.
type Tree map[string]string

// SpawnOpts configures one spawned command inside the runtime.
type SpawnOpts struct {
	Env      []string
	Timeout  time.Duration
	OnOutput func(line string)
}

// Process is the runtime descriptor for one spawned command.
type Process interface {
	// PID returns the operating-system process id, or 0 when unknown.
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// ReadyFunc is invoked whenever the runtime announces a listening port.
// It may fire zero or more times, any time after boot.
type ReadyFunc func(port int, url string)

// Handle is one live sandboxed, process-capable execution environment.
//
// A Handle is exclusively owned by one workspace session. It is created once
// per boot and discarded with the session; it is never shared.
type Handle interface {
	// Mount writes the full file tree into the runtime.
	Mount(ctx context.Context, tree Tree) error
	// MkdirAll creates a directory and any missing parents.
	MkdirAll(ctx context.Context, path string) error
	// WriteFile writes full content to path, overwriting prior content.
	WriteFile(ctx context.Context, path string, content string) error
	// Spawn starts a command without waiting for it to exit.
	Spawn(ctx context.Context, command string, args []string, opts SpawnOpts) (Process, error)
	// OnServerReady registers a callback for port announcements.
	OnServerReady(fn ReadyFunc)
}
