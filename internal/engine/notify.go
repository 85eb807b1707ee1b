package engine

import (
	"context"
	"log/slog"
	"sync"
)

type NoticeKind string

const (
	NoticeCompleted         NoticeKind = "completed"
	NoticeRetrying          NoticeKind = "retrying"
	NoticeFailed            NoticeKind = "failed"
	NoticeSelectionRequired NoticeKind = "selection_required"
	NoticeCrawlFailed       NoticeKind = "crawl_failed"
	NoticeSyncApplied       NoticeKind = "sync_applied"
)

// Notice is the human-readable outcome raised to the user.
type Notice struct {
	Kind    NoticeKind
	JobID   string
	URL     string
	Message string
	Path    string
}

type Notifier interface {
	Notify(n Notice)
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(notice Notice) {
	level := slog.LevelInfo
	switch notice.Kind {
	case NoticeFailed, NoticeCrawlFailed, NoticeSelectionRequired:
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "archive notice",
		"kind", string(notice.Kind),
		"job_id", notice.JobID,
		"url", notice.URL,
		"message", notice.Message,
		"path", notice.Path,
	)
}

// RecordingNotifier keeps notices in memory; the local API exposes the most recent ones.
type RecordingNotifier struct {
	mu      sync.Mutex
	limit   int
	notices []Notice
	next    Notifier
}

func NewRecordingNotifier(limit int, next Notifier) *RecordingNotifier {
	if limit <= 0 {
		limit = 100
	}
	return &RecordingNotifier{limit: limit, next: next}
}

func (r *RecordingNotifier) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	if len(r.notices) > r.limit {
		r.notices = append([]Notice(nil), r.notices[len(r.notices)-r.limit:]...)
	}
	r.mu.Unlock()
	if r.next != nil {
		r.next.Notify(n)
	}
}

func (r *RecordingNotifier) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
