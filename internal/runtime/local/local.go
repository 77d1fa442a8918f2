// Package local adapts a plain directory plus os/exec process supervision to
// the runtime.Handle contract. It stands in for the hosted sandboxed runtime
// during local development and in tests.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/nexus-nebula/nebula/internal/runtime"
	"github.com/nexus-nebula/nebula/internal/tracing"
)

const maxRelativePathLength = 300

// Listen URLs printed by dev servers, e.g. "Local: http://localhost:5173/".
var listenURLPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d{2,5})\S*`)

// Runtime is a directory-backed runtime.Handle implementation.
type Runtime struct {
	root string

	mu        sync.Mutex
	readyFns  []runtime.ReadyFunc
	announced map[int]struct{}
}

// New creates a local runtime rooted at dir. The directory is created when
// missing.
func New(dir string) (*Runtime, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("runtime root directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create runtime root %q: %w", dir, err)
	}
	return &Runtime{
		root:      dir,
		announced: map[int]struct{}{},
	}, nil
}

// Root returns the runtime's backing directory.
func (r *Runtime) Root() string {
	if r == nil {
		return ""
	}
	return r.root
}

// Mount writes the full file tree into the runtime.
func (r *Runtime) Mount(ctx context.Context, tree runtime.Tree) error {
	if r == nil {
		return errors.New("runtime is nil")
	}
	for path, content := range tree {
		if err := r.WriteFile(ctx, path, content); err != nil {
			return fmt.Errorf("mount %s: %w", path, err)
		}
	}
	return nil
}

// MkdirAll creates a directory and any missing parents.
func (r *Runtime) MkdirAll(ctx context.Context, path string) error {
	if r == nil {
		return errors.New("runtime is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(resolved, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// WriteFile writes full content to path, creating parent directories first.
func (r *Runtime) WriteFile(ctx context.Context, path string, content string) error {
	if r == nil {
		return errors.New("runtime is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := r.resolve(path)
	if err != nil {
		return err
	}
	if parent := filepath.Dir(resolved); parent != r.root {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("mkdir parent of %s: %w", path, err)
		}
	}
	if err := os.WriteFile(resolved, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// OnServerReady registers a callback for port announcements. Announcements
// are recovered by scanning spawned process output for listen URLs; each
// distinct port is announced once.
func (r *Runtime) OnServerReady(fn runtime.ReadyFunc) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	r.readyFns = append(r.readyFns, fn)
	r.mu.Unlock()
}

// Spawn starts a command inside the runtime without waiting for it to exit.
// Combined stdout/stderr is delivered line by line to opts.OnOutput in
// production order for that process.
func (r *Runtime) Spawn(
	ctx context.Context,
	command string,
	args []string,
	opts runtime.SpawnOpts,
) (runtime.Process, error) {
	if r == nil {
		return nil, errors.New("runtime is nil")
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("command is required")
	}

	spawnCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		spawnCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	cmd := exec.CommandContext(spawnCtx, command, args...)
	cmd.Dir = r.root
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Stdin = nil

	_, spawnSpan := tracing.StartSpawn(spawnCtx, command, args, r.root)
	if err := cmd.Start(); err != nil {
		spawnSpan.End(0, err)
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	process := &Process{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	go r.scanOutput(pr, opts.OnOutput)
	go func() {
		waitErr := cmd.Wait()
		_ = pw.Close()
		if cancel != nil {
			cancel()
		}
		exitCode := exitCodeOf(waitErr)
		spawnSpan.End(exitCode, nil)
		process.finish(exitCode)
	}()

	return process, nil
}

func (r *Runtime) scanOutput(reader io.Reader, onOutput func(line string)) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onOutput != nil {
			onOutput(line)
		}
		r.detectListenURL(line)
	}
}

func (r *Runtime) detectListenURL(line string) {
	match := listenURLPattern.FindStringSubmatch(line)
	if len(match) < 2 {
		return
	}
	port, err := strconv.Atoi(match[1])
	if err != nil || port <= 0 {
		return
	}
	url := strings.TrimRight(match[0], "/")

	r.mu.Lock()
	if _, seen := r.announced[port]; seen {
		r.mu.Unlock()
		return
	}
	r.announced[port] = struct{}{}
	fns := make([]runtime.ReadyFunc, len(r.readyFns))
	copy(fns, r.readyFns)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(port, url)
	}
}

func (r *Runtime) resolve(path string) (string, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return "", errors.New("path is required")
	}
	if len(cleaned) > maxRelativePathLength {
		return "", fmt.Errorf("path too long: %q", cleaned)
	}
	if strings.HasPrefix(cleaned, "/") || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid path: %q", cleaned)
	}
	return filepath.Join(r.root, filepath.FromSlash(cleaned)), nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// Process is one spawned command inside the local runtime.
type Process struct {
	pid  int
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

// PID returns the operating-system process id.
func (p *Process) PID() int {
	if p == nil {
		return 0
	}
	return p.pid
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait(ctx context.Context) (int, error) {
	if p == nil {
		return 0, errors.New("process is nil")
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *Process) finish(exitCode int) {
	p.mu.Lock()
	p.exitCode = exitCode
	p.mu.Unlock()
	close(p.done)
}

var _ runtime.Handle = (*Runtime)(nil)
