package engine

import (
	"context"
	"strings"

	"github.com/agentworkforce/relayarchive/internal/dedup"
	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/push"
	"github.com/agentworkforce/relayarchive/internal/remote"
)

// HandleEvent applies one push event. Delivery is at-least-once and may trail or
// lead the equivalent poll result; Complete absorbs both.
func (e *Engine) HandleEvent(ctx context.Context, ev push.Event) {
	switch ev.Type {
	case push.EventConnected:
		if err := e.CatchUp(ctx); err != nil {
			e.logger.Warn("reconnect sync catch-up failed", "error", err)
		}
	case push.EventJobCompleted:
		e.handleJobCompleted(ctx, ev)
	case push.EventJobFailed:
		e.handleJobFailed(ctx, ev)
	case push.EventClientSync:
		if strings.TrimSpace(ev.TargetClientID) != e.clientID || e.clientID == "" {
			e.logger.Debug("ignoring sync event for another client", "target_client_id", ev.TargetClientID)
			return
		}
		item := remote.SyncItem{QueueID: ev.QueueID, ArchiveID: ev.ArchiveID, ClientID: e.clientID}
		if err := e.ProcessSyncItem(ctx, item); err != nil {
			e.logger.Warn("sync item failed", "queue_id", ev.QueueID, "error", err)
		}
	default:
		e.logger.Debug("ignoring push event", "type", string(ev.Type))
	}
}

func (e *Engine) handleJobCompleted(ctx context.Context, ev push.Event) {
	job, ok := e.store.FindByRemoteJobID(ev.JobID)
	if !ok {
		e.completeUnknown(ctx, ev)
		return
	}
	if ev.Result == nil {
		// Nothing to write yet; the poll path fetches the payload.
		e.Trigger()
		return
	}
	e.applyStatus(ctx, job, remote.JobStatus{JobID: ev.JobID, Status: remote.JobCompleted, Result: ev.Result})
}

// completeUnknown rebuilds a minimal processing job for a completion that arrived
// without local state, such as one started on another device or before a restart,
// and finalizes it. The job is only added while its finalizing keys are held, so a
// redelivered event either waits out the first writer or sees its record.
func (e *Engine) completeUnknown(ctx context.Context, ev push.Event) {
	url := strings.TrimSpace(ev.URL)
	if url == "" && ev.Result != nil {
		url = strings.TrimSpace(ev.Result.URL)
	}
	platform := strings.TrimSpace(ev.Platform)
	if platform == "" && ev.Result != nil {
		platform = strings.TrimSpace(ev.Result.Platform)
	}
	if url == "" || ev.Result == nil {
		e.logger.Debug("completion for unknown job without inline data", "remote_job_id", ev.JobID)
		return
	}
	key := dedup.Key(url, platform)
	if e.recent.Seen(ev.JobID, key) || e.store.Finalized(jobRef(ev.JobID)) {
		e.logger.Debug("completion already applied", "remote_job_id", ev.JobID)
		return
	}
	release, ok := e.acquireFinalizing(ev.JobID, dedupLockKey(key))
	if !ok {
		e.logger.Debug("completion already in progress", "remote_job_id", ev.JobID)
		return
	}
	defer release()
	if e.store.Finalized(jobRef(ev.JobID)) {
		return
	}

	job, found := e.store.FindByRemoteJobID(ev.JobID)
	if !found {
		now := e.now()
		added, err := e.store.Add(jobs.Job{
			URL:       url,
			Platform:  platform,
			Status:    jobs.StatusProcessing,
			Timestamp: now.UTC(),
			Metadata: jobs.Metadata{
				RemoteJobID: ev.JobID,
				StartedAt:   jobs.TimePtr(now),
			},
		})
		if err != nil {
			e.logger.Info("could not synthesize job for completion", "remote_job_id", ev.JobID, "error", err)
			return
		}
		e.logger.Info("synthesized job from completion event", "job_id", added.ID, "remote_job_id", ev.JobID)
		job = added
	}
	if _, err := e.completeLocked(ctx, job, *ev.Result); err != nil {
		e.logger.Warn("completion from push event failed", "job_id", job.ID, "remote_job_id", ev.JobID, "error", err)
	}
}

func (e *Engine) handleJobFailed(ctx context.Context, ev push.Event) {
	job, ok := e.store.FindByRemoteJobID(ev.JobID)
	if !ok {
		if e.store.Finalized(jobRef(ev.JobID)) {
			return
		}
		reason := strings.TrimSpace(ev.Error)
		if reason == "" {
			reason = "crawl failed"
		}
		e.notifier.Notify(Notice{Kind: NoticeCrawlFailed, URL: ev.URL, Message: reason})
		return
	}
	e.applyStatus(ctx, job, remote.JobStatus{JobID: ev.JobID, Status: remote.JobFailed, Error: ev.Error})
}
