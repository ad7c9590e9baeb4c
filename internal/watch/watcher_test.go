package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// testCallback captures change batches for assertions.
type testCallback struct {
	mu      sync.Mutex
	batches [][]string
	callsCh chan struct{}
}

func newTestCallback() *testCallback {
	return &testCallback{callsCh: make(chan struct{}, 100)}
}

func (tc *testCallback) fn(changed []string) {
	tc.mu.Lock()
	tc.batches = append(tc.batches, changed)
	tc.mu.Unlock()
	tc.callsCh <- struct{}{}
}

func (tc *testCallback) waitForCall(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-tc.callsCh:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for callback")
	}
}

func (tc *testCallback) count() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.batches)
}

func (tc *testCallback) last() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.batches[len(tc.batches)-1]
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func startWatcher(t *testing.T, dir string, cb *testCallback, opts ...Option) (context.CancelFunc, chan error) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	opts = append([]Option{WithDebounce(50 * time.Millisecond)}, opts...)
	w := New(dir, cb.fn, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// Give watcher time to start
	time.Sleep(100 * time.Millisecond)
	return cancel, errCh
}

func containsPath(paths []string, want string) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}
	return false
}

func TestWatcher_FileModificationTriggersCallback(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "index.html")
	writeFile(t, target, "<html></html>")

	cb := newTestCallback()
	cancel, errCh := startWatcher(t, dir, cb)
	defer cancel()

	writeFile(t, target, "<html><body></body></html>")
	cb.waitForCall(t, 2*time.Second)

	if !containsPath(cb.last(), target) {
		t.Errorf("expected %s in changed paths, got %v", target, cb.last())
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
}

func TestWatcher_DebounceRapidWrites(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.js")
	b := filepath.Join(dir, "b.js")

	cb := newTestCallback()
	cancel, errCh := startWatcher(t, dir, cb, WithDebounce(100*time.Millisecond))
	defer cancel()

	// Rapid writes should debounce to one callback
	writeFile(t, a, "1")
	time.Sleep(20 * time.Millisecond)
	writeFile(t, b, "2")
	time.Sleep(20 * time.Millisecond)
	writeFile(t, a, "3")

	cb.waitForCall(t, 2*time.Second)

	// Wait a bit more to confirm no extra callbacks fire
	time.Sleep(300 * time.Millisecond)

	if count := cb.count(); count != 1 {
		t.Errorf("expected exactly 1 callback (debounced), got %d", count)
	}
	batch := cb.last()
	if len(batch) != 2 || !containsPath(batch, a) || !containsPath(batch, b) {
		t.Errorf("expected distinct sorted paths [a.js b.js], got %v", batch)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
}

func TestWatcher_NestedDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "chunks", "lazy")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	cb := newTestCallback()
	cancel, errCh := startWatcher(t, dir, cb)
	defer cancel()

	target := filepath.Join(nested, "route.js")
	writeFile(t, target, "export {}")
	cb.waitForCall(t, 2*time.Second)

	if !containsPath(cb.last(), target) {
		t.Errorf("expected nested change %s, got %v", target, cb.last())
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
}

func TestWatcher_DirectoryCreatedAfterStart(t *testing.T) {
	dir := t.TempDir()

	cb := newTestCallback()
	cancel, errCh := startWatcher(t, dir, cb)
	defer cancel()

	sub := filepath.Join(dir, "assets")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	cb.waitForCall(t, 2*time.Second)

	target := filepath.Join(sub, "logo.svg")
	writeFile(t, target, "<svg/>")

	deadline := time.After(2 * time.Second)
	for !containsPath(cb.last(), target) {
		select {
		case <-cb.callsCh:
		case <-deadline:
			t.Fatalf("change inside new directory not reported, last batch %v", cb.last())
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
}

func TestWatcher_IgnoredPathsSkipped(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "build")
	if err := os.Mkdir(out, 0o755); err != nil {
		t.Fatal(err)
	}

	cb := newTestCallback()
	cancel, errCh := startWatcher(t, dir, cb, WithIgnore(func(p string) bool {
		return p == out || strings.HasPrefix(p, out+string(filepath.Separator))
	}))
	defer cancel()

	writeFile(t, filepath.Join(out, "index.html"), "ignored")
	time.Sleep(200 * time.Millisecond)
	if count := cb.count(); count != 0 {
		t.Fatalf("expected no callback for ignored path, got %d", count)
	}

	writeFile(t, filepath.Join(dir, "index.html"), "watched")
	cb.waitForCall(t, 2*time.Second)
	for _, p := range cb.last() {
		if strings.HasPrefix(p, out) {
			t.Errorf("ignored path reported: %s", p)
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
}

func TestWatcher_ContextCancellationReturnsNil(t *testing.T) {
	dir := t.TempDir()

	cb := newTestCallback()
	cancel, errCh := startWatcher(t, dir, cb)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() should return nil on context cancel, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestWatcher_MissingRootReturnsError(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), func([]string) {}, nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error for missing root directory")
	}
}
