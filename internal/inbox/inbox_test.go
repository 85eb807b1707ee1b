package inbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relayarchive/internal/jobs"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingEnqueuer) Enqueue(rawURL, platform string, options map[string]string) (jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, platform+"|"+rawURL)
	return jobs.Job{ID: "job", URL: rawURL, Platform: platform}, nil
}

func (r *recordingEnqueuer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestProcessFileEnqueuesAndRemoves(t *testing.T) {
	dir := t.TempDir()
	target := &recordingEnqueuer{}
	w, err := New(target, Options{Dir: dir})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	path := filepath.Join(dir, "links.txt")
	content := "# reading list\nhttps://example.com/a\n\nyoutube\thttps://youtube.com/watch?v=1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := w.ProcessFile(path)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 urls enqueued, got %d", n)
	}
	want := "|https://example.com/a,youtube|https://youtube.com/watch?v=1"
	if got := strings.Join(target.snapshot(), ","); got != want {
		t.Fatalf("unexpected calls %q", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
}

func TestScanIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	target := &recordingEnqueuer{}
	w, err := New(target, Options{Dir: dir})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	_ = os.WriteFile(filepath.Join(dir, "one.url"), []byte("https://example.com/one\n"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "notes.md"), []byte("https://example.com/skip\n"), 0o644)

	n, err := w.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 url, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.md")); err != nil {
		t.Fatalf("expected unrelated file kept: %v", err)
	}
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	target := &recordingEnqueuer{}
	w, err := New(target, Options{Dir: dir, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	_ = os.WriteFile(filepath.Join(dir, "existing.url"), []byte("https://example.com/existing\n"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(target.snapshot()) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	_ = os.WriteFile(filepath.Join(dir, "new.url"), []byte("https://example.com/new\n"), 0o644)
	for len(target.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := target.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 enqueued urls, got %v", calls)
	}
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New(&recordingEnqueuer{}, Options{}); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
