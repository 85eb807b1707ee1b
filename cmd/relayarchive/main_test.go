package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agentworkforce/relayarchive/internal/jobs"
)

func setTestEnv(t *testing.T, baseURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RELAYARCHIVE_CLIENT_ID", "test-device")
	t.Setenv("RELAYARCHIVE_DATA_DIR", dir)
	t.Setenv("RELAYARCHIVE_STORE_DSN", "file://"+filepath.Join(dir, "jobs.json"))
	t.Setenv("RELAYARCHIVE_VAULT_DIR", filepath.Join(dir, "vault"))
	t.Setenv("RELAYARCHIVE_BASE_URL", baseURL)
	t.Setenv("RELAYARCHIVE_GRACE_PERIOD", "1ms")
}

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp(&stdout, &stderr)
	argv := append([]string{"relayarchive"}, args...)
	if err := app.Run(context.Background(), argv); err != nil {
		t.Fatalf("run %v: %v (stderr=%s)", args, err, stderr.String())
	}
	return stdout.String()
}

func listJobs(t *testing.T) []jobs.Job {
	t.Helper()
	out := runApp(t, "list", "--env", "", "--json")
	var list []jobs.Job
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode list output %q: %v", out, err)
	}
	return list
}

func TestEnqueueThenList(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")

	out := runApp(t, "enqueue", "--env", "", "--platform", "web", "https://example.com/a", "https://example.com/b")
	if lines := strings.Count(out, "\n"); lines != 2 {
		t.Fatalf("expected two enqueued lines, got %q", out)
	}

	list := listJobs(t)
	if len(list) != 2 {
		t.Fatalf("expected 2 persisted jobs, got %d", len(list))
	}
	for _, job := range list {
		if job.Status != jobs.StatusPending || job.Platform != "web" {
			t.Fatalf("unexpected job %+v", job)
		}
	}

	table := runApp(t, "list", "--env", "", "--status", "pending")
	if !strings.Contains(table, "https://example.com/a") || !strings.HasPrefix(table, "ID") {
		t.Fatalf("unexpected table output %q", table)
	}
}

func TestEnqueueRequiresURL(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(context.Background(), []string{"relayarchive", "enqueue", "--env", ""})
	if err == nil {
		t.Fatalf("expected error without urls")
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(context.Background(), []string{"relayarchive", "list", "--env", "", "--status", "done"})
	if err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestReconcileOnceSubmitsAndCompletes(t *testing.T) {
	var submits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/archive/submit":
			submits.Add(1)
			_, _ = w.Write([]byte(`{"status":"completed","result":{"archiveId":"A1","url":"https://example.com/a","title":"a","content":{"body":"x"}}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sync/queue":
			_, _ = w.Write([]byte(`{"items":[]}`))
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/archive/pending/"):
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"no route"}`))
		}
	}))
	defer server.Close()
	setTestEnv(t, server.URL)

	runApp(t, "enqueue", "--env", "", "https://example.com/a")
	out := runApp(t, "reconcile", "--env", "", "--once")
	if !strings.Contains(out, "0 job(s) remaining") {
		t.Fatalf("unexpected reconcile output %q", out)
	}
	if submits.Load() != 1 {
		t.Fatalf("expected one submit, got %d", submits.Load())
	}
	if list := listJobs(t); len(list) != 0 {
		t.Fatalf("expected empty store after completion, got %+v", list)
	}
}
