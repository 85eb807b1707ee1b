package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relayarchive/internal/dedup"
	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/remote"
)

// CatchUp drains every pending sync item queued for this client. It runs on startup
// and after each push reconnect.
func (e *Engine) CatchUp(ctx context.Context) error {
	if e.sync == nil || e.clientID == "" {
		return nil
	}
	items, err := e.sync.GetSyncQueue(ctx, e.clientID)
	if err != nil {
		return fmt.Errorf("list sync queue: %w", err)
	}
	var errs []error
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if status := strings.TrimSpace(item.Status); status != "" && status != remote.SyncItemPending {
			continue
		}
		if item.ClientID == "" {
			item.ClientID = e.clientID
		}
		if err := e.ProcessSyncItem(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("sync item %s: %w", item.QueueID, err))
		}
	}
	return errors.Join(errs...)
}

// ProcessSyncItem applies one archive completed on another device, then acks it.
// A write failure is reported back with a nack; an archive that is still not
// visible after the fetch budget stays queued and gets one delayed retry.
func (e *Engine) ProcessSyncItem(ctx context.Context, item remote.SyncItem) error {
	if e.sync == nil {
		return errors.New("no sync service configured")
	}
	item.QueueID = strings.TrimSpace(item.QueueID)
	item.ArchiveID = strings.TrimSpace(item.ArchiveID)
	if item.QueueID == "" || item.ArchiveID == "" {
		return fmt.Errorf("%w: sync item needs queue and archive ids", jobs.ErrInvalidInput)
	}
	token, ok := e.syncInFlight.TryAcquire(item.QueueID)
	if !ok {
		return nil
	}
	defer e.syncInFlight.Release(token)

	if e.recent.Seen(item.ArchiveID) || e.store.Finalized(archiveRef(item.ArchiveID)) {
		return e.ackSyncItem(ctx, item)
	}

	result, err := e.fetchArchive(ctx, item.ArchiveID)
	if errors.Is(err, remote.ErrNotFound) {
		e.logger.Info("archive not visible yet, deferring sync item", "queue_id", item.QueueID, "archive_id", item.ArchiveID)
		e.scheduleSyncRetry(item)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch archive %s: %w", item.ArchiveID, err)
	}
	if result.ArchiveID == "" {
		result.ArchiveID = item.ArchiveID
	}

	key := "archive:" + result.ArchiveID
	if strings.TrimSpace(result.URL) != "" {
		key = dedup.Key(result.URL, result.Platform)
	}
	if e.recent.Seen(key, result.ArchiveID) {
		e.logger.Debug("sync echo of a local completion", "queue_id", item.QueueID, "dedup_key", key)
		return e.ackSyncItem(ctx, item)
	}

	release, ok := e.acquireFinalizing(dedupLockKey(key))
	if !ok {
		// A local completion for the same identity is writing right now.
		e.scheduleSyncRetry(item)
		return nil
	}
	if e.store.Finalized(archiveRef(result.ArchiveID)) {
		release()
		return e.ackSyncItem(ctx, item)
	}
	path, err := e.sink.Finalize(ctx, jobs.Job{URL: result.URL, Platform: result.Platform}, result)
	if err != nil {
		release()
		reason := fmt.Sprintf("persist archive: %v", err)
		if failErr := e.sync.FailSyncItem(ctx, item.QueueID, e.itemClientID(item), reason); failErr != nil {
			return errors.Join(err, fmt.Errorf("report sync failure: %w", failErr))
		}
		return err
	}
	e.recent.Mark(key, result.ArchiveID)
	if err := e.store.Finish("", archiveRef(result.ArchiveID)); err != nil {
		e.logger.Error("artifact written but archive not recorded", "archive_id", result.ArchiveID, "path", path, "error", err)
	}
	e.removeSuperseded(key, "")
	release()

	e.logger.Info("applied synced archive", "queue_id", item.QueueID, "archive_id", result.ArchiveID, "path", path)
	e.notifier.Notify(Notice{Kind: NoticeSyncApplied, URL: result.URL, Message: "archived on another device", Path: path})
	return e.ackSyncItem(ctx, item)
}

func (e *Engine) ackSyncItem(ctx context.Context, item remote.SyncItem) error {
	if err := e.sync.AckSyncItem(ctx, item.QueueID, e.itemClientID(item)); err != nil {
		return fmt.Errorf("ack sync item: %w", err)
	}
	return nil
}

func (e *Engine) itemClientID(item remote.SyncItem) string {
	if id := strings.TrimSpace(item.ClientID); id != "" {
		return id
	}
	return e.clientID
}

// fetchArchive retries "not found" with a linear backoff to ride out replication lag
// at the source. Other errors return immediately.
func (e *Engine) fetchArchive(ctx context.Context, archiveID string) (remote.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= e.syncAttempts; attempt++ {
		result, err := e.sync.FetchArchive(ctx, archiveID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, remote.ErrNotFound) {
			return remote.Result{}, err
		}
		lastErr = err
		if attempt == e.syncAttempts {
			break
		}
		timer := time.NewTimer(e.syncBackoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return remote.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return remote.Result{}, lastErr
}

// scheduleSyncRetry keeps at most one delayed retry per queue id.
func (e *Engine) scheduleSyncRetry(item remote.SyncItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.syncRetries[item.QueueID]; exists {
		return
	}
	t := e.scheduleLocked(e.syncRetryDelay, func() {
		e.mu.Lock()
		delete(e.syncRetries, item.QueueID)
		e.mu.Unlock()
		e.goTracked(func() {
			if err := e.ProcessSyncItem(e.ctx, item); err != nil {
				e.logger.Warn("delayed sync retry failed", "queue_id", item.QueueID, "error", err)
			}
		})
	})
	if t != nil {
		e.syncRetries[item.QueueID] = t
	}
}

func (e *Engine) hasSyncRetry(queueID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.syncRetries[queueID]
	return ok
}
