package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type HTTPClientOptions struct {
	// RequestsPerSecond limits outgoing requests; zero disables the limiter.
	RequestsPerSecond float64
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
}

// HTTPClient implements ArchiveService and SyncService over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		limiter:    limiter,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

// Submit starts a crawl. It is not idempotent: only a 429, which the service sends
// before accepting work, is retried here. A transport error or 5xx is returned to
// the caller, whose retry policy owns resubmission.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/archive/submit", req, &out, false)
	return out, err
}

func (c *HTTPClient) BatchGetStatus(ctx context.Context, jobIDs []string) ([]JobStatus, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	body := map[string]any{"jobIds": jobIDs}
	var out struct {
		Results []JobStatus `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/archive/jobs/status", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *HTTPClient) RegisterPendingJob(ctx context.Context, jobID string, req SubmitRequest) error {
	body := map[string]any{
		"jobId":    jobID,
		"url":      req.URL,
		"platform": req.Platform,
		"options":  req.Options,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/archive/pending", body, nil)
}

func (c *HTTPClient) DeletePendingJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/archive/pending/"+url.PathEscape(jobID), nil, nil)
}

func (c *HTTPClient) GetSyncQueue(ctx context.Context, clientID string) ([]SyncItem, error) {
	q := url.Values{}
	q.Set("clientId", clientID)
	q.Set("status", SyncItemPending)
	var out struct {
		Items []SyncItem `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sync/queue?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPClient) FetchArchive(ctx context.Context, archiveID string) (Result, error) {
	var out Result
	err := c.doJSON(ctx, http.MethodGet, "/v1/archives/"+url.PathEscape(archiveID), nil, &out)
	if err == nil && out.ArchiveID == "" {
		out.ArchiveID = archiveID
	}
	return out, err
}

func (c *HTTPClient) AckSyncItem(ctx context.Context, queueID, clientID string) error {
	body := map[string]string{"clientId": clientID}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/sync/queue/%s/ack", url.PathEscape(queueID)), body, nil)
}

func (c *HTTPClient) FailSyncItem(ctx context.Context, queueID, clientID, reason string) error {
	body := map[string]string{"clientId": clientID, "reason": reason}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/sync/queue/%s/fail", url.PathEscape(queueID)), body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.do(ctx, method, requestPath, body, out, true)
}

// do sends one JSON request. Throttled responses are always retried; transport
// errors and 5xx responses only when retryUnsafe is set.
func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body any, out any, retryUnsafe bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryUnsafe && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(retryUnsafe && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "archive_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
