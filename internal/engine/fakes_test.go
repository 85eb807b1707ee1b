package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/remote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeArchive struct {
	mu          sync.Mutex
	nextID      int
	responses   map[string]remote.SubmitResponse
	submitErr   error
	statuses    map[string]remote.JobStatus
	submits     []remote.SubmitRequest
	statusCalls [][]string
	registered  []string
	deleted     []string

	submitEntered chan struct{}
	submitRelease chan struct{}
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		responses: map[string]remote.SubmitResponse{},
		statuses:  map[string]remote.JobStatus{},
	}
}

func (f *fakeArchive) Submit(ctx context.Context, req remote.SubmitRequest) (remote.SubmitResponse, error) {
	if f.submitEntered != nil {
		f.submitEntered <- struct{}{}
		<-f.submitRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return remote.SubmitResponse{}, f.submitErr
	}
	if resp, ok := f.responses[req.URL]; ok {
		return resp, nil
	}
	f.nextID++
	return remote.SubmitResponse{Status: remote.SubmitAccepted, JobID: fmt.Sprintf("J%d", f.nextID)}, nil
}

func (f *fakeArchive) BatchGetStatus(ctx context.Context, jobIDs []string) ([]remote.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, append([]string(nil), jobIDs...))
	out := make([]remote.JobStatus, 0, len(jobIDs))
	for _, id := range jobIDs {
		if status, ok := f.statuses[id]; ok {
			status.JobID = id
			out = append(out, status)
		}
	}
	return out, nil
}

func (f *fakeArchive) RegisterPendingJob(ctx context.Context, jobID string, req remote.SubmitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, jobID)
	return nil
}

func (f *fakeArchive) DeletePendingJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, jobID)
	return nil
}

func (f *fakeArchive) setStatus(id string, status remote.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
}

func (f *fakeArchive) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeArchive) statusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statusCalls)
}

type fakeSync struct {
	mu         sync.Mutex
	items      []remote.SyncItem
	archives   map[string]remote.Result
	fetchCalls map[string]int
	acked      []string
	failed     []string
}

func newFakeSync() *fakeSync {
	return &fakeSync{archives: map[string]remote.Result{}, fetchCalls: map[string]int{}}
}

func (f *fakeSync) GetSyncQueue(ctx context.Context, clientID string) ([]remote.SyncItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.SyncItem(nil), f.items...), nil
}

func (f *fakeSync) FetchArchive(ctx context.Context, archiveID string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[archiveID]++
	result, ok := f.archives[archiveID]
	if !ok {
		return remote.Result{}, &remote.HTTPError{StatusCode: http.StatusNotFound, Code: "not_found"}
	}
	return result, nil
}

func (f *fakeSync) AckSyncItem(ctx context.Context, queueID, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, queueID)
	return nil
}

func (f *fakeSync) FailSyncItem(ctx context.Context, queueID, clientID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, queueID)
	return nil
}

func (f *fakeSync) counts(archiveID string) (fetches, acks, fails int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[archiveID], len(f.acked), len(f.failed)
}

type sinkWrite struct {
	job    jobs.Job
	result remote.Result
}

type countingSink struct {
	mu     sync.Mutex
	writes []sinkWrite
	err    error
}

func (s *countingSink) Finalize(ctx context.Context, job jobs.Job, result remote.Result) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.writes = append(s.writes, sinkWrite{job: job, result: result})
	return fmt.Sprintf("/vault/%d.json", len(s.writes)), nil
}

func (s *countingSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type harness struct {
	engine   *Engine
	store    *jobs.Store
	archive  *fakeArchive
	sync     *fakeSync
	sink     *countingSink
	clock    *fakeClock
	notifier *RecordingNotifier
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	clock := newFakeClock()
	store, err := jobs.NewStore(jobs.StoreOptions{Now: clock.Now})
	require.NoError(t, err)
	h := &harness{
		store:    store,
		archive:  newFakeArchive(),
		sync:     newFakeSync(),
		sink:     &countingSink{},
		clock:    clock,
		notifier: NewRecordingNotifier(100, nil),
	}
	opts := Options{
		Store:             store,
		Archive:           h.archive,
		Sync:              h.sync,
		Sink:              h.sink,
		Notifier:          h.notifier,
		ClientID:          "dev-1",
		Interval:          30 * time.Second,
		GracePeriod:       10 * time.Second,
		TransientTimeout:  120 * time.Second,
		RecheckDelay:      time.Hour,
		MaxRetries:        3,
		SyncFetchAttempts: 5,
		SyncFetchBackoff:  time.Millisecond,
		SyncRetryDelay:    time.Hour,
		Now:               clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(func() { _ = e.Close() })
	return h
}

func (h *harness) noticeKinds() []NoticeKind {
	var kinds []NoticeKind
	for _, n := range h.notifier.Notices() {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

var errDiskFull = errors.New("disk full")
