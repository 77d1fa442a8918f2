package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"

	"github.com/nexus-nebula/nebula/internal/events"
	"github.com/nexus-nebula/nebula/internal/runtime"
)

func TestMountRecordsFingerprintsForEveryPath(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	engine := newTestEngine(t, handle)

	tree := runtime.Tree{
		"package.json": `{"name":"demo"}`,
		"src/index.js": "console.log('hi')",
	}
	if err := engine.Mount(context.Background(), tree); err != nil {
		t.Fatalf("mount: %v", err)
	}

	if !engine.Mounted() {
		t.Fatal("engine should report mounted")
	}
	for path := range tree {
		if _, ok := engine.Fingerprint(path); !ok {
			t.Fatalf("missing fingerprint for %s", path)
		}
	}
	if got := handle.file("src/index.js"); got != "console.log('hi')" {
		t.Fatalf("mounted content = %q", got)
	}
}

func TestSyncBeforeMountIsRejected(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, newFakeHandle())

	_, err := engine.Sync(context.Background(), runtime.Tree{"a.txt": "x"})
	if !errors.Is(err, ErrNotMounted) {
		t.Fatalf("err = %v, want ErrNotMounted", err)
	}
}

func TestSyncWritesOnlyChangedPaths(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	engine := newTestEngine(t, handle)

	base := runtime.Tree{
		"package.json": `{"name":"demo"}`,
		"src/index.js": "console.log('hi')",
		"src/app.js":   "export default {}",
	}
	if err := engine.Mount(context.Background(), base); err != nil {
		t.Fatalf("mount: %v", err)
	}
	handle.resetWrites()

	next := runtime.Tree{
		"package.json": `{"name":"demo"}`,
		"src/index.js": "console.log('hello')",
		"src/app.js":   "export default {}",
		"src/new.js":   "// fresh",
	}
	applied, err := engine.Sync(context.Background(), next)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	want := []string{"src/index.js", "src/new.js"}
	if len(applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	for i, path := range want {
		if applied[i] != path {
			t.Fatalf("applied[%d] = %s, want %s", i, applied[i], path)
		}
	}
	if writes := handle.writeCount(); writes != 2 {
		t.Fatalf("writes = %d, want 2", writes)
	}
}

func TestSyncWithUnchangedSnapshotWritesNothing(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	engine := newTestEngine(t, handle)

	tree := runtime.Tree{"src/index.js": "console.log('hi')"}
	if err := engine.Mount(context.Background(), tree); err != nil {
		t.Fatalf("mount: %v", err)
	}
	handle.resetWrites()

	applied, err := engine.Sync(context.Background(), tree)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("applied = %v, want none", applied)
	}
	if writes := handle.writeCount(); writes != 0 {
		t.Fatalf("writes = %d, want 0", writes)
	}
}

func TestFailedBatchLeavesFingerprintsUntouched(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	engine := newTestEngine(t, handle)

	if err := engine.Mount(context.Background(), runtime.Tree{"a.txt": "one"}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	before, _ := engine.Fingerprint("a.txt")

	handle.failOn("a.txt")
	next := runtime.Tree{"a.txt": "two", "b.txt": "fresh"}
	_, err := engine.Sync(context.Background(), next)

	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("err = %v, want *SyncError", err)
	}
	if syncErr.Path != "a.txt" {
		t.Fatalf("failed path = %s, want a.txt", syncErr.Path)
	}
	after, _ := engine.Fingerprint("a.txt")
	if after != before {
		t.Fatal("fingerprint advanced despite failed batch")
	}
	if _, ok := engine.Fingerprint("b.txt"); ok {
		t.Fatal("fingerprint recorded for path in abandoned batch")
	}

	// The next sync recomputes the same diff and converges.
	handle.failOn("")
	applied, err := engine.Sync(context.Background(), next)
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %v, want both paths", applied)
	}
	if got := handle.file("a.txt"); got != "two" {
		t.Fatalf("a.txt = %q, want %q", got, "two")
	}
}

func TestRepeatedSyncsConvergeToSnapshot(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	engine := newTestEngine(t, handle)

	if err := engine.Mount(context.Background(), runtime.Tree{}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	final := runtime.Tree{}
	for i := range 5 {
		path := fmt.Sprintf("src/file%d.js", i)
		final[path] = fmt.Sprintf("revision %d", i)
		if _, err := engine.Sync(context.Background(), cloneTree(final)); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}

	for path, want := range final {
		if got := handle.file(path); got != want {
			t.Fatalf("%s = %q, want %q", path, got, want)
		}
	}
	applied, err := engine.Sync(context.Background(), final)
	if err != nil {
		t.Fatalf("final sync: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("converged state still produced writes: %v", applied)
	}
}

func TestResetRequiresFreshMount(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, newFakeHandle())
	if err := engine.Mount(context.Background(), runtime.Tree{"a.txt": "x"}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	engine.Reset()

	if engine.Mounted() {
		t.Fatal("engine should not report mounted after reset")
	}
	if _, err := engine.Sync(context.Background(), runtime.Tree{"a.txt": "x"}); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("err = %v, want ErrNotMounted", err)
	}
}

func newTestEngine(t *testing.T, handle runtime.Handle) *Engine {
	t.Helper()

	engine, err := NewEngine(handle, events.New())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func cloneTree(tree runtime.Tree) runtime.Tree {
	out := make(runtime.Tree, len(tree))
	for path, content := range tree {
		out[path] = content
	}
	return out
}

// fakeHandle records writes in memory and can fail a single path.
type fakeHandle struct {
	mu       gosync.Mutex
	files    map[string]string
	writes   int
	failPath string
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{files: map[string]string{}}
}

func (h *fakeHandle) Mount(ctx context.Context, tree runtime.Tree) error {
	for path, content := range tree {
		if err := h.WriteFile(ctx, path, content); err != nil {
			return err
		}
	}
	return nil
}

func (h *fakeHandle) MkdirAll(context.Context, string) error {
	return nil
}

func (h *fakeHandle) WriteFile(_ context.Context, path string, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failPath != "" && path == h.failPath {
		return fmt.Errorf("write %s: disk full", path)
	}
	h.files[path] = content
	h.writes++
	return nil
}

func (h *fakeHandle) Spawn(context.Context, string, []string, runtime.SpawnOpts) (runtime.Process, error) {
	return nil, errors.New("spawn not supported")
}

func (h *fakeHandle) OnServerReady(runtime.ReadyFunc) {}

func (h *fakeHandle) file(path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files[path]
}

func (h *fakeHandle) writeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

func (h *fakeHandle) resetWrites() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = 0
}

func (h *fakeHandle) failOn(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failPath = path
}

var _ runtime.Handle = (*fakeHandle)(nil)
