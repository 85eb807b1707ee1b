// Package remote talks to the archive crawl service and the cross-device sync service.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var ErrNotFound = errors.New("remote resource not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type SubmitStatus string

const (
	SubmitCompleted               SubmitStatus = "completed"
	SubmitAccepted                SubmitStatus = "accepted"
	SubmitSeriesSelectionRequired SubmitStatus = "seriesSelectionRequired"
)

// Result is the resolved archive payload. Content stays opaque here; turning it
// into a document is the persistence sink's job.
type Result struct {
	ArchiveID string          `json:"archiveId,omitempty"`
	URL       string          `json:"url,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	Title     string          `json:"title,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type SubmitRequest struct {
	URL      string            `json:"url"`
	Platform string            `json:"platform,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

type SubmitResponse struct {
	Status  SubmitStatus `json:"status"`
	JobID   string       `json:"jobId,omitempty"`
	Result  *Result      `json:"result,omitempty"`
	Message string       `json:"message,omitempty"`
}

type JobState string

const (
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobProcessing JobState = "processing"
	// JobAbsent is reported when the service has no status record for the job yet.
	JobAbsent JobState = ""
)

type JobStatus struct {
	JobID  string   `json:"jobId"`
	Status JobState `json:"status,omitempty"`
	Result *Result  `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type SyncItem struct {
	QueueID   string `json:"queueId"`
	ArchiveID string `json:"archiveId"`
	ClientID  string `json:"clientId,omitempty"`
	Status    string `json:"status,omitempty"`
}

const SyncItemPending = "pending"

type ArchiveService interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
	BatchGetStatus(ctx context.Context, jobIDs []string) ([]JobStatus, error)
	RegisterPendingJob(ctx context.Context, jobID string, req SubmitRequest) error
	DeletePendingJob(ctx context.Context, jobID string) error
}

type SyncService interface {
	GetSyncQueue(ctx context.Context, clientID string) ([]SyncItem, error)
	FetchArchive(ctx context.Context, archiveID string) (Result, error)
	AckSyncItem(ctx context.Context, queueID, clientID string) error
	FailSyncItem(ctx context.Context, queueID, clientID, reason string) error
}
