package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relayarchive/internal/dedup"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrDuplicate      = errors.New("duplicate job")
	ErrNotImplemented = errors.New("not implemented")
	ErrLocked         = errors.New("job store locked by another process")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal statuses are reported but never stored: a job leaves the store once it
// reaches one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metadata carries the reconciliation bookkeeping for a job. A nil time means unset.
type Metadata struct {
	RemoteJobID            string     `json:"remoteJobId,omitempty"`
	StartedAt              *time.Time `json:"startedAt,omitempty"`
	StatusUnavailableSince *time.Time `json:"statusUnavailableSince,omitempty"`
	LastError              string     `json:"lastError,omitempty"`
	NextAttemptAt          *time.Time `json:"nextAttemptAt,omitempty"`
}

type Job struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Platform   string            `json:"platform,omitempty"`
	Status     Status            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retryCount"`
	Options    map[string]string `json:"options,omitempty"`
	Metadata   Metadata          `json:"metadata"`
}

func (j Job) DedupKey() string {
	return dedup.Key(j.URL, j.Platform)
}

// FinalizationKey identifies the job for the completion guard: the remote job id when
// one was assigned, the local id otherwise.
func (j Job) FinalizationKey() string {
	if j.Metadata.RemoteJobID != "" {
		return j.Metadata.RemoteJobID
	}
	return j.ID
}

func (j Job) clone() Job {
	out := j
	if j.Options != nil {
		out.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			out.Options[k] = v
		}
	}
	out.Metadata.StartedAt = cloneTime(j.Metadata.StartedAt)
	out.Metadata.StatusUnavailableSince = cloneTime(j.Metadata.StatusUnavailableSince)
	out.Metadata.NextAttemptAt = cloneTime(j.Metadata.NextAttemptAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}

// TransitionError reports an update that would break a store invariant.
type TransitionError struct {
	JobID  string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: %s", e.JobID, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}
