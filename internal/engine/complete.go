package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/lockset"
	"github.com/agentworkforce/relayarchive/internal/remote"
	"github.com/agentworkforce/relayarchive/internal/retry"
)

// Complete turns a resolved remote result into the job's one terminal write. It
// reports false without error when another channel is already finalizing the job or
// the job has already left the store.
func (e *Engine) Complete(ctx context.Context, job jobs.Job, result remote.Result) (bool, error) {
	release, ok := e.acquireFinalizing(job.FinalizationKey(), dedupLockKey(job.DedupKey()))
	if !ok {
		e.logger.Debug("completion already in progress", "job_id", job.ID, "remote_job_id", job.Metadata.RemoteJobID)
		return false, nil
	}
	defer release()
	return e.completeLocked(ctx, job, result)
}

// completeLocked is Complete for a caller that already holds the job's finalizing keys.
func (e *Engine) completeLocked(ctx context.Context, job jobs.Job, result remote.Result) (bool, error) {
	current, ok := e.store.Get(job.ID)
	if !ok {
		return false, nil
	}
	if job.Metadata.RemoteJobID != "" && current.Metadata.RemoteJobID != job.Metadata.RemoteJobID {
		// The attempt that produced this result was abandoned and requeued.
		return false, nil
	}
	if e.store.Finalized(jobRef(current.Metadata.RemoteJobID)) {
		// A repeated completion signal rebuilt a job whose artifact already exists.
		if _, err := e.store.Remove(current.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			e.logger.Warn("failed to drop job for finished remote job", "job_id", current.ID, "error", err)
		}
		e.logger.Debug("remote job already finalized", "job_id", current.ID, "remote_job_id", current.Metadata.RemoteJobID)
		return false, nil
	}

	path, err := e.sink.Finalize(ctx, current, result)
	if err != nil {
		failure := retry.LocalWrite("persist archive", err)
		e.failLocked(ctx, current, failure, NoticeFailed)
		return false, failure
	}

	key := current.DedupKey()
	e.recent.Mark(key, current.Metadata.RemoteJobID, result.ArchiveID)
	if err := e.store.Finish(current.ID, jobRef(current.Metadata.RemoteJobID), archiveRef(result.ArchiveID)); err != nil {
		e.logger.Error("artifact written but job removal failed", "job_id", current.ID, "path", path, "error", err)
		return true, fmt.Errorf("remove completed job: %w", err)
	}
	e.removeSuperseded(key, current.ID)
	e.deleteRemotePending(ctx, current.Metadata.RemoteJobID)

	e.logger.Info("job completed", "job_id", current.ID, "remote_job_id", current.Metadata.RemoteJobID, "path", path)
	e.notifier.Notify(Notice{
		Kind:    NoticeCompleted,
		JobID:   current.ID,
		URL:     current.URL,
		Message: "archived",
		Path:    path,
	})
	return true, nil
}

// fail routes a job failure through the retry policy. A job that is being finalized
// by another channel is left alone: that completion wins.
func (e *Engine) fail(ctx context.Context, job jobs.Job, cause error) {
	e.failWithNotice(ctx, job, cause, NoticeFailed)
}

func (e *Engine) failWithNotice(ctx context.Context, job jobs.Job, cause error, kind NoticeKind) {
	release, ok := e.acquireFinalizing(job.FinalizationKey())
	if !ok {
		e.logger.Debug("skipping failure for job being finalized", "job_id", job.ID, "error", cause)
		return
	}
	defer release()
	e.failLocked(ctx, job, cause, kind)
}

func (e *Engine) failLocked(ctx context.Context, job jobs.Job, cause error, kind NoticeKind) {
	current, ok := e.store.Get(job.ID)
	if !ok {
		return
	}
	if job.Metadata.RemoteJobID != "" && current.Metadata.RemoteJobID != job.Metadata.RemoteJobID {
		return
	}
	decision := e.policy.Decide(current.RetryCount, cause)
	remoteID := current.Metadata.RemoteJobID

	if decision.Action == retry.ActionRemove {
		if _, err := e.store.Remove(current.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			e.logger.Error("failed to remove failed job", "job_id", current.ID, "error", err)
			return
		}
		e.deleteRemotePending(ctx, remoteID)
		e.logger.Warn("job failed", "job_id", current.ID, "retry_count", current.RetryCount, "kind", retry.KindOf(cause).String(), "reason", decision.Reason)
		e.notifier.Notify(Notice{Kind: kind, JobID: current.ID, URL: current.URL, Message: decision.Reason})
		return
	}

	_, err := e.store.Update(current.ID, func(j *jobs.Job) error {
		j.Status = jobs.StatusPending
		j.RetryCount = decision.RetryCount
		j.Metadata.LastError = decision.Reason
		j.Metadata.RemoteJobID = ""
		j.Metadata.StartedAt = nil
		j.Metadata.StatusUnavailableSince = nil
		j.Metadata.NextAttemptAt = nil
		if decision.Delay > 0 {
			j.Metadata.NextAttemptAt = jobs.TimePtr(e.now().Add(decision.Delay))
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to requeue job", "job_id", current.ID, "error", err)
		return
	}
	e.deleteRemotePending(ctx, remoteID)
	e.logger.Warn("job requeued", "job_id", current.ID, "retry_count", decision.RetryCount, "delay", decision.Delay, "reason", decision.Reason)
	e.notifier.Notify(Notice{
		Kind:    NoticeRetrying,
		JobID:   current.ID,
		URL:     current.URL,
		Message: fmt.Sprintf("attempt %d of %d failed: %s", decision.RetryCount, e.policy.MaxRetries, decision.Reason),
	})
	if decision.Delay > 0 {
		e.schedule(decision.Delay, e.Trigger)
	}
}

// removeSuperseded drops pending jobs for an identity that was just archived.
func (e *Engine) removeSuperseded(key, keepID string) {
	for _, job := range e.store.List(jobs.StatusPending) {
		if job.ID == keepID || job.DedupKey() != key {
			continue
		}
		if _, err := e.store.Remove(job.ID); err == nil {
			e.logger.Info("removed superseded pending job", "job_id", job.ID, "dedup_key", key)
		}
	}
}

// acquireFinalizing holds every key or none of them.
func (e *Engine) acquireFinalizing(keys ...string) (func(), bool) {
	tokens := make([]lockset.Token, 0, len(keys))
	release := func() {
		for i := len(tokens) - 1; i >= 0; i-- {
			e.finalizing.Release(tokens[i])
		}
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		token, ok := e.finalizing.TryAcquire(key)
		if !ok {
			release()
			return nil, false
		}
		tokens = append(tokens, token)
	}
	return release, true
}

func dedupLockKey(key string) string {
	return "key:" + key
}

func jobRef(remoteJobID string) string {
	if remoteJobID == "" {
		return ""
	}
	return "job:" + remoteJobID
}

func archiveRef(archiveID string) string {
	if archiveID == "" {
		return ""
	}
	return "archive:" + archiveID
}
