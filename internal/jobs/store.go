package jobs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the persisted form of the store.
type Snapshot struct {
	Jobs      []Job       `json:"jobs"`
	Finalized []Tombstone `json:"finalized,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Tombstone records a remote reference (job or archive id) whose artifact has
// already been written.
type Tombstone struct {
	Ref         string    `json:"ref"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

const (
	defaultFinalizedRetention = 7 * 24 * time.Hour
	defaultFinalizedLimit     = 10000
)

type Backend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

type backendCloser interface {
	Close() error
}

type StoreOptions struct {
	Backend Backend
	Now     func() time.Time
	// FinalizedRetention bounds how long finished references are remembered.
	FinalizedRetention time.Duration
	// FinalizedLimit caps the number of remembered references; the oldest go first.
	FinalizedLimit int
}

// Store is the durable source of truth for jobs. Every mutation is written through
// to the backend; a failed write leaves the in-memory state untouched.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]Job
	finalized map[string]time.Time
	backend   Backend
	now       func() time.Time
	retention time.Duration
	limit     int
}

func NewStore(opts StoreOptions) (*Store, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.FinalizedRetention
	if retention <= 0 {
		retention = defaultFinalizedRetention
	}
	limit := opts.FinalizedLimit
	if limit <= 0 {
		limit = defaultFinalizedLimit
	}
	s := &Store{
		jobs:      map[string]Job{},
		finalized: map[string]time.Time{},
		backend:   backend,
		now:       now,
		retention: retention,
		limit:     limit,
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load job store: %w", err)
	}
	if snapshot != nil {
		for _, job := range snapshot.Jobs {
			if strings.TrimSpace(job.ID) == "" || !job.Status.Valid() || job.Status.Terminal() {
				continue
			}
			s.jobs[job.ID] = job.clone()
		}
		for _, t := range snapshot.Finalized {
			if ref := strings.TrimSpace(t.Ref); ref != "" {
				s.finalized[ref] = t.FinalizedAt
			}
		}
		s.pruneFinalizedLocked()
	}
	return s, nil
}

// Add stores a new job. Jobs normally start pending; a processing job may be added
// when it is reconstructed from a remote completion signal.
func (s *Store) Add(job Job) (Job, error) {
	job.URL = strings.TrimSpace(job.URL)
	job.Platform = strings.TrimSpace(job.Platform)
	if job.URL == "" {
		return Job{}, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Status != StatusPending && job.Status != StatusProcessing {
		return Job{}, fmt.Errorf("%w: cannot add job with status %s", ErrInvalidInput, job.Status)
	}
	if job.Status == StatusProcessing && strings.TrimSpace(job.Metadata.RemoteJobID) == "" {
		return Job{}, fmt.Errorf("%w: processing job requires a remote job id", ErrInvalidInput)
	}
	if job.RetryCount < 0 {
		return Job{}, fmt.Errorf("%w: negative retry count", ErrInvalidInput)
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.Timestamp.IsZero() {
		job.Timestamp = s.now().UTC()
	}
	job = job.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return Job{}, fmt.Errorf("%w: job %s already exists", ErrDuplicate, job.ID)
	}
	if job.Status == StatusProcessing {
		if other, ok := s.processingByKeyLocked(job.DedupKey(), job.ID); ok {
			return Job{}, fmt.Errorf("%w: %s is already processing as %s", ErrDuplicate, job.DedupKey(), other.ID)
		}
	}
	s.jobs[job.ID] = job
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, job.ID)
		return Job{}, err
	}
	return job.clone(), nil
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.clone(), true
}

func (s *Store) FindByRemoteJobID(remoteJobID string) (Job, bool) {
	remoteJobID = strings.TrimSpace(remoteJobID)
	if remoteJobID == "" {
		return Job{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.Metadata.RemoteJobID == remoteJobID {
			return job.clone(), true
		}
	}
	return Job{}, false
}

// List returns jobs with any of the given statuses (all jobs when none are given),
// oldest first.
func (s *Store) List(statuses ...Status) []Job {
	want := map[Status]struct{}{}
	for _, status := range statuses {
		want[status] = struct{}{}
	}
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(want) > 0 {
			if _, ok := want[job.Status]; !ok {
				continue
			}
		}
		out = append(out, job.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Update applies fn to a copy of the job and stores the result if it keeps the store
// invariants: same id, retry count never decreasing, no stored terminal status, at
// most one processing job per dedup key, and a remote job id that only goes away
// when the job is requeued as pending.
func (s *Store) Update(id string, fn func(job *Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	after := before.clone()
	if err := fn(&after); err != nil {
		return Job{}, err
	}
	if err := checkTransition(before, after); err != nil {
		return Job{}, err
	}
	if after.Status == StatusProcessing {
		if other, ok := s.processingByKeyLocked(after.DedupKey(), after.ID); ok {
			return Job{}, fmt.Errorf("%w: %s is already processing as %s", ErrDuplicate, after.DedupKey(), other.ID)
		}
	}
	s.jobs[id] = after
	if err := s.saveLocked(); err != nil {
		s.jobs[id] = before
		return Job{}, err
	}
	return after.clone(), nil
}

func (s *Store) Remove(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	if err := s.saveLocked(); err != nil {
		s.jobs[id] = job
		return Job{}, err
	}
	return job.clone(), nil
}

// Finish removes a completed job and records its remote references in the same
// write, so a late or repeated completion signal for them is recognized after the
// job is gone. An empty id only records the references; a missing job is not an
// error.
func (s *Store) Finish(id string, refs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, hadJob := s.jobs[id]
	if hadJob {
		delete(s.jobs, id)
	}
	at := s.now().UTC()
	added := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, exists := s.finalized[ref]; !exists {
			added = append(added, ref)
		}
		s.finalized[ref] = at
	}
	if !hadJob && len(added) == 0 {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		if hadJob {
			s.jobs[id] = job
		}
		for _, ref := range added {
			delete(s.finalized, ref)
		}
		return err
	}
	return nil
}

// Finalized reports whether any of refs was recorded by Finish and is still
// within the retention window.
func (s *Store) Finalized(refs ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.retention)
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if at, ok := s.finalized[ref]; ok && at.After(cutoff) {
			return true
		}
	}
	return false
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) processingByKeyLocked(key, excludeID string) (Job, bool) {
	for _, job := range s.jobs {
		if job.ID == excludeID || job.Status != StatusProcessing {
			continue
		}
		if job.DedupKey() == key {
			return job, true
		}
	}
	return Job{}, false
}

// pruneFinalizedLocked drops references older than the retention window, then the
// oldest ones beyond the limit.
func (s *Store) pruneFinalizedLocked() {
	cutoff := s.now().Add(-s.retention)
	for ref, at := range s.finalized {
		if !at.After(cutoff) {
			delete(s.finalized, ref)
		}
	}
	if len(s.finalized) <= s.limit {
		return
	}
	ordered := s.finalizedLocked()
	for _, t := range ordered[:len(ordered)-s.limit] {
		delete(s.finalized, t.Ref)
	}
}

func (s *Store) finalizedLocked() []Tombstone {
	out := make([]Tombstone, 0, len(s.finalized))
	for ref, at := range s.finalized {
		out = append(out, Tombstone{Ref: ref, FinalizedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinalizedAt.Equal(out[j].FinalizedAt) {
			return out[i].FinalizedAt.Before(out[j].FinalizedAt)
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

func (s *Store) saveLocked() error {
	s.pruneFinalizedLocked()
	snapshot := &Snapshot{
		Jobs:      make([]Job, 0, len(s.jobs)),
		Finalized: s.finalizedLocked(),
		UpdatedAt: s.now().UTC(),
	}
	for _, job := range s.jobs {
		snapshot.Jobs = append(snapshot.Jobs, job.clone())
	}
	sort.Slice(snapshot.Jobs, func(i, j int) bool {
		return snapshot.Jobs[i].ID < snapshot.Jobs[j].ID
	})
	if err := s.backend.Save(snapshot); err != nil {
		return fmt.Errorf("save job store: %w", err)
	}
	return nil
}

func checkTransition(before, after Job) error {
	if after.ID != before.ID {
		return &TransitionError{JobID: before.ID, Reason: "id is immutable"}
	}
	if !after.Status.Valid() {
		return &TransitionError{JobID: before.ID, Reason: fmt.Sprintf("unknown status %q", after.Status)}
	}
	if after.Status.Terminal() {
		return &TransitionError{JobID: before.ID, Reason: "terminal jobs are removed, not stored"}
	}
	if after.RetryCount < before.RetryCount {
		return &TransitionError{JobID: before.ID, Reason: "retry count cannot decrease"}
	}
	prev := before.Metadata.RemoteJobID
	next := after.Metadata.RemoteJobID
	if prev != "" && next != prev {
		if next != "" || after.Status != StatusPending {
			return &TransitionError{JobID: before.ID, Reason: "remote job id is immutable while in flight"}
		}
	}
	if after.Status == StatusProcessing && next == "" {
		return &TransitionError{JobID: before.ID, Reason: "processing requires a remote job id"}
	}
	return nil
}
