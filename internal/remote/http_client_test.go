package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastClient(server *httptest.Server) *HTTPClient {
	return NewHTTPClient(server.URL, "token", server.Client(), HTTPClientOptions{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestHTTPClientSubmitRetriesThrottling(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		if r.URL.Path != "/v1/archive/submit" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		if req.URL != "https://x.example/post/1" || req.Options["depth"] != "2" {
			t.Errorf("unexpected submit request %+v", req)
		}
		_, _ = w.Write([]byte(`{"status":"accepted","jobId":"J1"}`))
	}))
	defer server.Close()

	resp, err := fastClient(server).Submit(context.Background(), SubmitRequest{
		URL:     "https://x.example/post/1",
		Options: map[string]string{"depth": "2"},
	})
	if err != nil {
		t.Fatalf("expected retry to recover from 429, got %v", err)
	}
	if resp.Status != SubmitAccepted || resp.JobID != "J1" {
		t.Fatalf("unexpected submit response %+v", resp)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientSubmitDoesNotRetryServerError(t *testing.T) {
	var submits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&submits, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"bad_gateway","message":"upstream reset"}`))
	}))
	defer server.Close()

	_, err := fastClient(server).Submit(context.Background(), SubmitRequest{URL: "https://x.example/post/1"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if got := atomic.LoadInt32(&submits); got != 1 {
		t.Fatalf("expected a single submit attempt, got %d", got)
	}
}

func TestHTTPClientSubmitDoesNotRetryTransportError(t *testing.T) {
	var submits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&submits, 1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer server.Close()

	if _, err := fastClient(server).Submit(context.Background(), SubmitRequest{URL: "https://x.example/post/1"}); err == nil {
		t.Fatalf("expected transport error")
	}
	if got := atomic.LoadInt32(&submits); got != 1 {
		t.Fatalf("expected a single submit attempt, got %d", got)
	}
}

func TestHTTPClientRetriesServerErrorOnReads(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"jobId":"J1","status":"processing"}]}`))
	}))
	defer server.Close()

	statuses, err := fastClient(server).BatchGetStatus(context.Background(), []string{"J1"})
	if err != nil {
		t.Fatalf("expected retry to recover from 503, got %v", err)
	}
	if len(statuses) != 1 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("unexpected statuses %+v after %d calls", statuses, atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientBatchGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/archive/jobs/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			JobIDs []string `json:"jobIds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.JobIDs) != 2 {
			t.Errorf("expected two job ids, got %v", body.JobIDs)
		}
		_, _ = w.Write([]byte(`{"results":[
			{"jobId":"J1","status":"completed","result":{"archiveId":"A1","content":{"text":"hi"}}},
			{"jobId":"J2","error":"job not found"}
		]}`))
	}))
	defer server.Close()

	results, err := fastClient(server).BatchGetStatus(context.Background(), []string{"J1", "J2"})
	if err != nil {
		t.Fatalf("batch status failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if results[0].Status != JobCompleted || results[0].Result == nil || results[0].Result.ArchiveID != "A1" {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Status != JobAbsent || results[1].Error != "job not found" {
		t.Fatalf("unexpected second result %+v", results[1])
	}
}

func TestHTTPClientBatchGetStatusEmptySkipsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer server.Close()
	results, err := fastClient(server).BatchGetStatus(context.Background(), nil)
	if err != nil || results != nil {
		t.Fatalf("expected no-op, got %v %v", results, err)
	}
}

func TestHTTPClientFetchArchiveNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"archive missing"}`))
	}))
	defer server.Close()

	_, err := fastClient(server).FetchArchive(context.Background(), "A1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "not_found" {
		t.Fatalf("expected typed http error, got %v", err)
	}
}

func TestHTTPClientSyncQueueRoundTrip(t *testing.T) {
	var acked, failed int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/sync/queue" && r.Method == http.MethodGet:
			if r.URL.Query().Get("clientId") != "dev-1" || r.URL.Query().Get("status") != "pending" {
				t.Errorf("unexpected queue query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"items":[{"queueId":"Q1","archiveId":"A1","status":"pending"}]}`))
		case r.URL.Path == "/v1/sync/queue/Q1/ack":
			atomic.AddInt32(&acked, 1)
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/v1/sync/queue/Q1/fail":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["reason"] != "disk full" {
				t.Errorf("unexpected fail reason %q", body["reason"])
			}
			atomic.AddInt32(&failed, 1)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := fastClient(server)
	items, err := client.GetSyncQueue(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("get sync queue failed: %v", err)
	}
	if len(items) != 1 || items[0].QueueID != "Q1" || items[0].ArchiveID != "A1" {
		t.Fatalf("unexpected items %+v", items)
	}
	if err := client.AckSyncItem(context.Background(), "Q1", "dev-1"); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := client.FailSyncItem(context.Background(), "Q1", "dev-1", "disk full"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if acked != 1 || failed != 1 {
		t.Fatalf("expected one ack and one fail, got %d/%d", acked, failed)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}
