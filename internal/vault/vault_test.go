package vault

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/remote"
)

func TestFinalizeWritesArtifact(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	v, err := New(t.TempDir(), func() time.Time { return fixed })
	if err != nil {
		t.Fatalf("new vault failed: %v", err)
	}
	job := jobs.Job{
		ID:       "local-1",
		URL:      "https://x.example/post/1?utm_source=a",
		Platform: "X",
		Metadata: jobs.Metadata{RemoteJobID: "J1"},
	}
	path, err := v.Finalize(context.Background(), job, remote.Result{
		ArchiveID: "A1",
		Title:     "hello",
		Content:   json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if !strings.Contains(path, string(filepath.Separator)+"x"+string(filepath.Separator)) {
		t.Fatalf("expected platform directory in %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.DedupKey != "https://x.example/post/1" || artifact.JobID != "J1" || artifact.ArchiveID != "A1" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if !artifact.ArchivedAt.Equal(fixed) {
		t.Fatalf("expected archivedAt %s, got %s", fixed, artifact.ArchivedAt)
	}
}

func TestFinalizeSameKeyOverwritesSameFile(t *testing.T) {
	v, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new vault failed: %v", err)
	}
	first, err := v.Finalize(context.Background(), jobs.Job{URL: "https://x.example/post/1"}, remote.Result{})
	if err != nil {
		t.Fatalf("first finalize failed: %v", err)
	}
	second, err := v.Finalize(context.Background(), jobs.Job{URL: "https://X.example/post/1/"}, remote.Result{})
	if err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected same artifact path, got %s and %s", first, second)
	}
	entries, _ := os.ReadDir(filepath.Dir(first))
	if len(entries) != 1 {
		t.Fatalf("expected a single file without temp leftovers, got %d", len(entries))
	}
}

func TestFinalizeUsesResultWhenJobIsBare(t *testing.T) {
	v, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new vault failed: %v", err)
	}
	path, err := v.Finalize(context.Background(), jobs.Job{}, remote.Result{URL: "https://x.example/post/9", Platform: "x", ArchiveID: "A9"})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if path != v.PathFor("x", "https://x.example/post/9") {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := v.Finalize(context.Background(), jobs.Job{}, remote.Result{}); err == nil {
		t.Fatalf("expected error with neither url nor archive id")
	}
}
