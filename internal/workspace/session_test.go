package workspace

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/events"
	"github.com/nexus-nebula/nebula/internal/ports"
	"github.com/nexus-nebula/nebula/internal/runtime"
)

func TestBootDrivesSessionToReady(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	session, registry := newTestSession(t, rt)

	tree := runtime.Tree{
		"package.json": `{"name":"demo"}`,
		"src/index.js": "console.log('hi')",
	}
	handle, err := session.Boot(context.Background(), tree)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if handle == nil {
		t.Fatal("boot returned nil handle")
	}

	if phase := session.Phase(); phase != PhaseReady {
		t.Fatalf("phase = %s, want ready", phase)
	}

	wantPhases := []Phase{PhaseBooting, PhaseMounting, PhaseInstalling, PhaseStarting, PhaseReady}
	history := session.History()
	if len(history) != len(wantPhases) {
		t.Fatalf("history length = %d, want %d", len(history), len(wantPhases))
	}
	for i, record := range history {
		if record.ToPhase != wantPhases[i] {
			t.Fatalf("history[%d].ToPhase = %s, want %s", i, record.ToPhase, wantPhases[i])
		}
	}

	if got := rt.file("src/index.js"); got != "console.log('hi')" {
		t.Fatalf("mounted content = %q", got)
	}

	active, ok := registry.Active()
	if !ok || active.Port != 5173 {
		t.Fatalf("active binding = %+v (ok=%v), want port 5173", active, ok)
	}
}

func TestBootReturnsExistingHandleWithoutSideEffects(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	session, _ := newTestSession(t, rt)

	first, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"})
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	spawnsAfterFirst := rt.spawnCount()

	second, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"})
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	if first != second {
		t.Fatal("second boot returned a different handle")
	}
	if rt.spawnCount() != spawnsAfterFirst {
		t.Fatal("second boot spawned additional processes")
	}
}

func TestBootWhileFirstBootInFlightReturnsSameOutcome(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	session, _ := newTestSession(t, rt)

	entered := make(chan struct{})
	release := make(chan struct{})
	var factoryCalls int32
	session.factory = func(context.Context) (runtime.Handle, error) {
		if atomic.AddInt32(&factoryCalls, 1) == 1 {
			close(entered)
		}
		<-release
		return rt, nil
	}

	type bootResult struct {
		handle runtime.Handle
		err    error
	}
	results := make(chan bootResult, 2)
	go func() {
		handle, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"})
		results <- bootResult{handle: handle, err: err}
	}()
	<-entered
	go func() {
		handle, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"})
		results <- bootResult{handle: handle, err: err}
	}()

	// Let the second caller reach the in-flight guard before the first
	// boot is allowed to proceed.
	time.Sleep(20 * time.Millisecond)
	close(release)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("boot errors = %v, %v, want both nil", first.err, second.err)
	}
	if first.handle == nil || first.handle != second.handle {
		t.Fatalf("handles = %v, %v, want the same non-nil handle", first.handle, second.handle)
	}
	if calls := atomic.LoadInt32(&factoryCalls); calls != 1 {
		t.Fatalf("factory calls = %d, want 1", calls)
	}
	if phase := session.Phase(); phase != PhaseReady {
		t.Fatalf("phase = %s, want ready", phase)
	}
}

func TestPortAnnouncedBeforeStartStillReachesReady(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	rt.announceDuring = "install"
	session, registry := newTestSession(t, rt)

	if _, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"}); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if phase := session.Phase(); phase != PhaseReady {
		t.Fatalf("phase = %s, want ready after early announcement", phase)
	}

	active, ok := registry.Active()
	if !ok || active.Port != 5173 {
		t.Fatalf("active binding = %+v (ok=%v), want port 5173", active, ok)
	}

	history := session.History()
	if len(history) == 0 || history[len(history)-1].ToPhase != PhaseReady {
		t.Fatalf("history = %+v, want a final ready transition", history)
	}
}

func TestInstallRetriesExactlyOnceWithRelaxedFlags(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	rt.scriptInstallExits(1, 0)
	session, _ := newTestSession(t, rt)

	if _, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"}); err != nil {
		t.Fatalf("boot: %v", err)
	}

	installs := rt.installSpawns()
	if len(installs) != 2 {
		t.Fatalf("install spawns = %d, want 2", len(installs))
	}
	if len(installs[0]) != 1 || installs[0][0] != "install" {
		t.Fatalf("first install args = %v, want plain install", installs[0])
	}
	if len(installs[1]) != 2 || installs[1][1] != "--legacy-peer-deps" {
		t.Fatalf("second install args = %v, want relaxed flags", installs[1])
	}
	if phase := session.Phase(); phase != PhaseReady {
		t.Fatalf("phase = %s, want ready after relaxed retry", phase)
	}
}

func TestInstallFailureAfterRetryIsTerminal(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	rt.scriptInstallExits(1, 1)
	session, _ := newTestSession(t, rt)

	_, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"})
	if err == nil {
		t.Fatal("expected boot to fail after exhausted install retries")
	}
	if len(rt.installSpawns()) != 2 {
		t.Fatalf("install spawns = %d, want exactly 2", len(rt.installSpawns()))
	}
	if phase := session.Phase(); phase != PhaseError {
		t.Fatalf("phase = %s, want error", phase)
	}
}

func TestBootRefusesWhenCapabilityMissing(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	session, _ := newTestSession(t, rt)
	session.probe = func(string, string) (runtime.Capability, error) {
		return runtime.Capability{}, fmt.Errorf("%w: install command missing", runtime.ErrCapabilityUnavailable)
	}

	_, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"})
	if !errors.Is(err, runtime.ErrCapabilityUnavailable) {
		t.Fatalf("err = %v, want ErrCapabilityUnavailable", err)
	}
	if phase := session.Phase(); phase != PhaseIdle {
		t.Fatalf("phase = %s, want idle after refused boot", phase)
	}
	if rt.spawnCount() != 0 {
		t.Fatal("no processes should spawn when capability is missing")
	}
}

func TestBootFailsWhenNoPortIsAnnounced(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(0)
	session, _ := newTestSession(t, rt)
	session.cfg.ReadyTimeout = 150 * time.Millisecond

	_, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "x"})
	if err == nil {
		t.Fatal("expected boot to time out waiting for a port")
	}
	if phase := session.Phase(); phase != PhaseError {
		t.Fatalf("phase = %s, want error", phase)
	}
}

func TestSyncBeforeBootIsRejected(t *testing.T) {
	t.Parallel()

	session, _ := newTestSession(t, newFakeRuntime(5173))

	if _, err := session.SyncNow(context.Background(), runtime.Tree{"a.txt": "x"}); !errors.Is(err, ErrNotBooted) {
		t.Fatalf("err = %v, want ErrNotBooted", err)
	}
	if _, err := session.Spawn(context.Background(), "npm", []string{"test"}, runtime.SpawnOpts{}); !errors.Is(err, ErrNotBooted) {
		t.Fatalf("spawn err = %v, want ErrNotBooted", err)
	}
}

func TestNotifyCoalescesIntoOneSync(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	session, _ := newTestSession(t, rt)

	if _, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "one"}); err != nil {
		t.Fatalf("boot: %v", err)
	}

	session.Notify(runtime.Tree{"a.txt": "two"})
	session.Notify(runtime.Tree{"a.txt": "three"})
	session.Notify(runtime.Tree{"a.txt": "four"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rt.file("a.txt") == "four" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("a.txt = %q, want latest snapshot applied", rt.file("a.txt"))
}

func TestCloseStopsDebouncedSyncAndRejectsBoot(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(5173)
	session, _ := newTestSession(t, rt)

	if _, err := session.Boot(context.Background(), runtime.Tree{"a.txt": "one"}); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	session.Notify(runtime.Tree{"a.txt": "after-close"})
	time.Sleep(150 * time.Millisecond)
	if got := rt.file("a.txt"); got != "one" {
		t.Fatalf("a.txt = %q, want sync suppressed after close", got)
	}

	fresh, _ := newTestSession(t, rt)
	if err := fresh.Close(); err != nil {
		t.Fatalf("close unbooted session: %v", err)
	}
	if _, err := fresh.Boot(context.Background(), runtime.Tree{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("boot after close err = %v, want ErrSessionClosed", err)
	}
}

func newTestSession(t *testing.T, rt *fakeRuntime) (*Session, *ports.Registry) {
	t.Helper()

	cfg := &config.Config{
		InstallCommand:     "npm",
		InstallArgs:        []string{"install"},
		InstallRelaxedArgs: []string{"install", "--legacy-peer-deps"},
		DevCommand:         "npm",
		DevArgs:            []string{"run", "dev"},
		QuietPeriod:        30 * time.Millisecond,
		ReadyTimeout:       2 * time.Second,
	}
	registry := ports.NewRegistry()
	session, err := NewSession(cfg, events.New(), registry, func(context.Context) (runtime.Handle, error) {
		return rt, nil
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	session.probe = func(string, string) (runtime.Capability, error) {
		return runtime.Capability{OSSupported: true, Install: true, Dev: true}, nil
	}
	return session, registry
}

// fakeRuntime scripts install exit codes and announces one port, by default
// when the dev server is spawned. Like the local runtime, a port is
// announced at most once.
type fakeRuntime struct {
	announcePort   int
	announceDuring string

	mu           gosync.Mutex
	files        map[string]string
	spawns       []spawnCall
	installExits []int
	readyFns     []runtime.ReadyFunc
	announced    bool
}

type spawnCall struct {
	command string
	args    []string
}

func newFakeRuntime(announcePort int) *fakeRuntime {
	return &fakeRuntime{
		announcePort: announcePort,
		files:        map[string]string{},
	}
}

func (f *fakeRuntime) Mount(ctx context.Context, tree runtime.Tree) error {
	for path, content := range tree {
		if err := f.WriteFile(ctx, path, content); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRuntime) MkdirAll(context.Context, string) error {
	return nil
}

func (f *fakeRuntime) WriteFile(_ context.Context, path string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeRuntime) Spawn(
	_ context.Context,
	command string,
	args []string,
	_ runtime.SpawnOpts,
) (runtime.Process, error) {
	f.mu.Lock()
	f.spawns = append(f.spawns, spawnCall{command: command, args: append([]string(nil), args...)})

	isInstall := len(args) > 0 && args[0] == "install"
	stage := "dev"
	if isInstall {
		stage = "install"
	}
	wantStage := f.announceDuring
	if wantStage == "" {
		wantStage = "dev"
	}

	var fns []runtime.ReadyFunc
	port := 0
	if f.announcePort > 0 && !f.announced && stage == wantStage {
		f.announced = true
		port = f.announcePort
		fns = make([]runtime.ReadyFunc, len(f.readyFns))
		copy(fns, f.readyFns)
	}

	var process *fakeProcess
	if isInstall {
		exitCode := 0
		if len(f.installExits) > 0 {
			exitCode = f.installExits[0]
			f.installExits = f.installExits[1:]
		}
		process = &fakeProcess{exitCode: exitCode, done: closedChan()}
	} else {
		process = &fakeProcess{done: make(chan struct{})}
	}
	f.mu.Unlock()

	if port > 0 {
		announce := func() {
			for _, fn := range fns {
				fn(port, fmt.Sprintf("http://localhost:%d", port))
			}
		}
		if isInstall {
			// Deliver before the install result so the announcement
			// lands while the session is still installing.
			announce()
		} else {
			go announce()
		}
	}
	return process, nil
}

func (f *fakeRuntime) OnServerReady(fn runtime.ReadyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyFns = append(f.readyFns, fn)
}

func (f *fakeRuntime) scriptInstallExits(exitCodes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installExits = append([]int(nil), exitCodes...)
}

func (f *fakeRuntime) file(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path]
}

func (f *fakeRuntime) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeRuntime) installSpawns() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, call := range f.spawns {
		if len(call.args) > 0 && call.args[0] == "install" {
			out = append(out, call.args)
		}
	}
	return out
}

type fakeProcess struct {
	exitCode int
	done     chan struct{}
}

func (p *fakeProcess) PID() int {
	return 4242
}

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
		return p.exitCode, nil
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

var _ runtime.Handle = (*fakeRuntime)(nil)
