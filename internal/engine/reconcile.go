package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/remote"
	"github.com/agentworkforce/relayarchive/internal/retry"
)

// Reconcile runs one cycle: submit pending jobs oldest first, then poll the remote
// status of processing jobs past their grace period. A call made while a cycle is
// running waits for that cycle and shares its result.
func (e *Engine) Reconcile(ctx context.Context) error {
	_, err, _ := e.cycles.Do("cycle", func() (any, error) {
		return nil, e.runCycle(ctx)
	})
	return err
}

func (e *Engine) runCycle(ctx context.Context) error {
	e.submitPending(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.pollProcessing(ctx)
}

func (e *Engine) submitPending(ctx context.Context) {
	claimed := map[string]string{}
	for _, job := range e.store.List(jobs.StatusProcessing) {
		claimed[job.DedupKey()] = job.ID
	}
	now := e.now()
	for _, job := range e.store.List(jobs.StatusPending) {
		if ctx.Err() != nil {
			return
		}
		key := job.DedupKey()
		if owner, ok := claimed[key]; ok && owner != job.ID {
			e.discardDuplicate(job, owner)
			continue
		}
		claimed[key] = job.ID
		if next := job.Metadata.NextAttemptAt; next != nil && now.Before(*next) {
			continue
		}
		if err := e.submitJob(ctx, job); err != nil {
			if errors.Is(err, errSubmissionInFlight) {
				e.discardDuplicate(job, "in-flight submission")
			}
		}
	}
}

var (
	errSubmissionInFlight = errors.New("submission already in flight")
	errAlreadySubmitting  = errors.New("job is already being submitted")
)

// Submit sends one pending job right away instead of waiting for the next cycle.
func (e *Engine) Submit(ctx context.Context, jobID string) error {
	job, ok := e.store.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", jobs.ErrNotFound, jobID)
	}
	if job.Status != jobs.StatusPending {
		return fmt.Errorf("%w: job %s is %s", jobs.ErrInvalidState, jobID, job.Status)
	}
	err := e.submitJob(ctx, job)
	if errors.Is(err, errAlreadySubmitting) {
		return nil
	}
	return err
}

func (e *Engine) submitJob(ctx context.Context, job jobs.Job) error {
	e.mu.Lock()
	if _, busy := e.submittingIDs[job.ID]; busy {
		e.mu.Unlock()
		return errAlreadySubmitting
	}
	e.submittingIDs[job.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.submittingIDs, job.ID)
		e.mu.Unlock()
	}()

	token, ok := e.submitLocks.TryAcquire(job.DedupKey())
	if !ok {
		return errSubmissionInFlight
	}
	defer e.submitLocks.Release(token)

	current, ok := e.store.Get(job.ID)
	if !ok || current.Status != jobs.StatusPending {
		return nil
	}
	if owner, ok := e.processingOwner(current); ok {
		e.discardDuplicate(current, owner.ID)
		return nil
	}
	req := remote.SubmitRequest{URL: current.URL, Platform: current.Platform, Options: current.Options}
	resp, err := e.archive.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.fail(ctx, current, retry.Recoverable("submit failed", err))
		return nil
	}

	switch resp.Status {
	case remote.SubmitCompleted:
		if resp.Result == nil {
			e.fail(ctx, current, retry.Recoverable("submission completed without a result", nil))
			return nil
		}
		e.logger.Info("job resolved synchronously", "job_id", current.ID, "url", current.URL)
		_, err := e.Complete(ctx, current, *resp.Result)
		return err
	case remote.SubmitSeriesSelectionRequired:
		message := strings.TrimSpace(resp.Message)
		if message == "" {
			message = "this link points to a series; choose the items to archive and submit them individually"
		}
		e.failWithNotice(ctx, current, retry.NonRecoverable(message, nil), NoticeSelectionRequired)
		return nil
	case remote.SubmitAccepted:
		remoteID := strings.TrimSpace(resp.JobID)
		if remoteID == "" {
			e.fail(ctx, current, retry.Recoverable("submission accepted without a job id", nil))
			return nil
		}
		return e.markProcessing(ctx, current, remoteID, req)
	default:
		e.fail(ctx, current, retry.Recoverable(fmt.Sprintf("unexpected submission status %q", resp.Status), nil))
		return nil
	}
}

func (e *Engine) markProcessing(ctx context.Context, job jobs.Job, remoteID string, req remote.SubmitRequest) error {
	startedAt := e.now()
	updated, err := e.store.Update(job.ID, func(j *jobs.Job) error {
		if j.Status != jobs.StatusPending {
			return fmt.Errorf("%w: job %s is %s", jobs.ErrInvalidState, j.ID, j.Status)
		}
		j.Status = jobs.StatusProcessing
		j.Metadata.RemoteJobID = remoteID
		j.Metadata.StartedAt = jobs.TimePtr(startedAt)
		j.Metadata.StatusUnavailableSince = nil
		j.Metadata.NextAttemptAt = nil
		return nil
	})
	if errors.Is(err, jobs.ErrDuplicate) {
		e.discardDuplicate(job, "processing job")
		e.deleteRemotePending(ctx, remoteID)
		return nil
	}
	if err != nil {
		e.logger.Error("failed to record submission", "job_id", job.ID, "remote_job_id", remoteID, "error", err)
		return err
	}
	e.logger.Info("job submitted", "job_id", updated.ID, "remote_job_id", remoteID)
	if err := e.archive.RegisterPendingJob(ctx, remoteID, req); err != nil {
		e.logger.Warn("register pending job failed", "remote_job_id", remoteID, "error", err)
	}
	e.schedule(e.gracePeriod, e.Trigger)
	return nil
}

// processingOwner finds a processing job already archiving the same identity.
func (e *Engine) processingOwner(job jobs.Job) (jobs.Job, bool) {
	key := job.DedupKey()
	for _, other := range e.store.List(jobs.StatusProcessing) {
		if other.ID != job.ID && other.DedupKey() == key {
			return other, true
		}
	}
	return jobs.Job{}, false
}

func (e *Engine) discardDuplicate(job jobs.Job, owner string) {
	if _, err := e.store.Remove(job.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		e.logger.Warn("failed to discard duplicate job", "job_id", job.ID, "error", err)
		return
	}
	e.logger.Info("discarded duplicate job", "job_id", job.ID, "dedup_key", job.DedupKey(), "owner", owner)
}

func (e *Engine) pollProcessing(ctx context.Context) error {
	now := e.now()
	var ids []string
	byRemoteID := map[string]jobs.Job{}
	for _, job := range e.store.List(jobs.StatusProcessing) {
		if started := job.Metadata.StartedAt; started != nil && now.Sub(*started) < e.gracePeriod {
			continue
		}
		remoteID := job.Metadata.RemoteJobID
		if _, dup := byRemoteID[remoteID]; dup {
			continue
		}
		byRemoteID[remoteID] = job
		ids = append(ids, remoteID)
	}
	if len(ids) == 0 {
		return nil
	}
	statuses, err := e.archive.BatchGetStatus(ctx, ids)
	if err != nil {
		return fmt.Errorf("batch status: %w", err)
	}
	seen := make(map[string]struct{}, len(statuses))
	for _, status := range statuses {
		job, ok := byRemoteID[status.JobID]
		if !ok {
			continue
		}
		seen[status.JobID] = struct{}{}
		e.applyStatus(ctx, job, status)
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		e.applyStatus(ctx, byRemoteID[id], remote.JobStatus{JobID: id})
	}
	return nil
}

// applyStatus drives one job from a remote status report, whichever channel saw it.
func (e *Engine) applyStatus(ctx context.Context, job jobs.Job, status remote.JobStatus) {
	switch status.Status {
	case remote.JobCompleted:
		if status.Result == nil {
			e.markUnavailable(ctx, job, "completed status without a result payload")
			return
		}
		if _, err := e.Complete(ctx, job, *status.Result); err != nil {
			e.logger.Warn("completion failed", "job_id", job.ID, "error", err)
		}
	case remote.JobFailed:
		reason := strings.TrimSpace(status.Error)
		if reason == "" {
			reason = "remote job failed"
		}
		if retry.ClassifyRemoteError(reason) == retry.KindTransient {
			e.markUnavailable(ctx, job, reason)
			return
		}
		e.fail(ctx, job, retry.Recoverable(reason, nil))
	case remote.JobAbsent:
		reason := strings.TrimSpace(status.Error)
		if reason == "" {
			reason = "status not available yet"
		}
		e.markUnavailable(ctx, job, reason)
	default:
		e.clearUnavailable(job)
	}
}

// markUnavailable time-boxes a transient status. The first report starts the clock;
// once it has run longer than the transient timeout the job fails for real.
func (e *Engine) markUnavailable(ctx context.Context, job jobs.Job, reason string) {
	now := e.now()
	since := job.Metadata.StatusUnavailableSince
	if since != nil && now.Sub(*since) > e.transientTimeout {
		e.fail(ctx, job, retry.Recoverable(fmt.Sprintf("status unavailable for %s: %s", now.Sub(*since).Round(time.Second), reason), nil))
		return
	}
	if since == nil {
		_, err := e.store.Update(job.ID, func(j *jobs.Job) error {
			if j.Metadata.RemoteJobID != job.Metadata.RemoteJobID {
				return errStaleAttempt
			}
			if j.Metadata.StatusUnavailableSince == nil {
				j.Metadata.StatusUnavailableSince = jobs.TimePtr(now)
			}
			j.Metadata.LastError = reason
			return nil
		})
		if err != nil && !errors.Is(err, jobs.ErrNotFound) && !errors.Is(err, errStaleAttempt) {
			e.logger.Warn("failed to record unavailable status", "job_id", job.ID, "error", err)
		}
	}
	e.logger.Debug("status not available yet", "job_id", job.ID, "remote_job_id", job.Metadata.RemoteJobID, "reason", reason)
	e.scheduleRecheck()
}

func (e *Engine) clearUnavailable(job jobs.Job) {
	if job.Metadata.StatusUnavailableSince == nil && job.Metadata.LastError == "" {
		return
	}
	_, err := e.store.Update(job.ID, func(j *jobs.Job) error {
		if j.Metadata.RemoteJobID != job.Metadata.RemoteJobID {
			return errStaleAttempt
		}
		j.Metadata.StatusUnavailableSince = nil
		j.Metadata.LastError = ""
		return nil
	})
	if err != nil && !errors.Is(err, jobs.ErrNotFound) && !errors.Is(err, errStaleAttempt) {
		e.logger.Warn("failed to clear unavailable status", "job_id", job.ID, "error", err)
	}
}

var errStaleAttempt = errors.New("job attempt superseded")

func (e *Engine) deleteRemotePending(ctx context.Context, remoteID string) {
	if remoteID == "" {
		return
	}
	if err := e.archive.DeletePendingJob(ctx, remoteID); err != nil {
		e.logger.Debug("delete pending job failed", "remote_job_id", remoteID, "error", err)
	}
}
