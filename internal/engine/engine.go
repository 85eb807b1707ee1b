// Package engine reconciles archive jobs from submission to a single terminal write.
//
// Three channels report outcomes: the periodic reconcile cycle, push events, and the
// cross-device sync queue. They run independently and all funnel into Complete,
// whose finalization guard makes any interleaving safe.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/lockset"
	"github.com/agentworkforce/relayarchive/internal/push"
	"github.com/agentworkforce/relayarchive/internal/recent"
	"github.com/agentworkforce/relayarchive/internal/remote"
	"github.com/agentworkforce/relayarchive/internal/retry"
)

const (
	DefaultInterval          = 30 * time.Second
	DefaultGracePeriod       = 10 * time.Second
	DefaultTransientTimeout  = 120 * time.Second
	DefaultRecheckDelay      = 15 * time.Second
	DefaultSyncFetchAttempts = 5
	DefaultSyncFetchBackoff  = 2 * time.Second
	DefaultSyncRetryDelay    = time.Minute
)

// Sink persists a resolved archive. It is the only writer of terminal artifacts.
type Sink interface {
	Finalize(ctx context.Context, job jobs.Job, result remote.Result) (string, error)
}

type Options struct {
	Store    *jobs.Store
	Archive  remote.ArchiveService
	Sync     remote.SyncService
	Sink     Sink
	Notifier Notifier
	Logger   *slog.Logger
	ClientID string

	Interval         time.Duration
	IntervalJitter   float64
	GracePeriod      time.Duration
	TransientTimeout time.Duration
	RecheckDelay     time.Duration

	MaxRetries    int
	RetryStrategy retry.Strategy

	RecentTTL         time.Duration
	SyncFetchAttempts int
	SyncFetchBackoff  time.Duration
	SyncRetryDelay    time.Duration

	Now func() time.Time
}

type Engine struct {
	store    *jobs.Store
	archive  remote.ArchiveService
	sync     remote.SyncService
	sink     Sink
	notifier Notifier
	logger   *slog.Logger
	clientID string
	now      func() time.Time

	interval         time.Duration
	intervalJitter   float64
	gracePeriod      time.Duration
	transientTimeout time.Duration
	recheckDelay     time.Duration
	syncAttempts     int
	syncBackoff      retry.Strategy
	syncRetryDelay   time.Duration
	policy           retry.Policy

	submitLocks  *lockset.Registry
	finalizing   *lockset.Registry
	syncInFlight *lockset.Registry
	recent       *recent.Guard
	cycles       singleflight.Group

	triggers chan struct{}
	events   chan push.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	timers        map[*time.Timer]struct{}
	recheck       *time.Timer
	syncRetries   map[string]*time.Timer
	submittingIDs map[string]struct{}
	wg            sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a job store")
	}
	if opts.Archive == nil {
		return nil, errors.New("engine requires an archive service")
	}
	if opts.Sink == nil {
		return nil, errors.New("engine requires a persistence sink")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := durationOr(opts.Interval, DefaultInterval)
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = retry.DefaultMaxRetries
	}
	strategy := opts.RetryStrategy
	if strategy == nil {
		strategy = retry.Constant{Interval: interval}
	}
	syncAttempts := opts.SyncFetchAttempts
	if syncAttempts <= 0 {
		syncAttempts = DefaultSyncFetchAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:            opts.Store,
		archive:          opts.Archive,
		sync:             opts.Sync,
		sink:             opts.Sink,
		notifier:         notifier,
		logger:           logger,
		clientID:         strings.TrimSpace(opts.ClientID),
		now:              now,
		interval:         interval,
		intervalJitter:   clampJitterRatio(opts.IntervalJitter),
		gracePeriod:      durationOr(opts.GracePeriod, DefaultGracePeriod),
		transientTimeout: durationOr(opts.TransientTimeout, DefaultTransientTimeout),
		recheckDelay:     durationOr(opts.RecheckDelay, DefaultRecheckDelay),
		syncAttempts:     syncAttempts,
		syncBackoff:      retry.Linear{Initial: durationOr(opts.SyncFetchBackoff, DefaultSyncFetchBackoff)},
		syncRetryDelay:   durationOr(opts.SyncRetryDelay, DefaultSyncRetryDelay),
		policy:           retry.NewPolicy(maxRetries, strategy),
		submitLocks:      lockset.New(),
		finalizing:       lockset.New(),
		syncInFlight:     lockset.New(),
		recent:           recent.New(opts.RecentTTL, now),
		triggers:         make(chan struct{}, 1),
		events:           make(chan push.Event, 64),
		ctx:              ctx,
		cancel:           cancel,
		timers:           map[*time.Timer]struct{}{},
		syncRetries:      map[string]*time.Timer{},
		submittingIDs:    map[string]struct{}{},
	}, nil
}

// Events is where the push listener delivers decoded events.
func (e *Engine) Events() chan<- push.Event {
	return e.events
}

func (e *Engine) Store() *jobs.Store {
	return e.store
}

// Enqueue records a new pending job and asks for a reconcile cycle. Duplicates are
// accepted here and discarded by the cycle.
func (e *Engine) Enqueue(rawURL, platform string, options map[string]string) (jobs.Job, error) {
	job, err := e.store.Add(jobs.Job{
		URL:       rawURL,
		Platform:  platform,
		Status:    jobs.StatusPending,
		Timestamp: e.now().UTC(),
		Options:   options,
	})
	if err != nil {
		return jobs.Job{}, err
	}
	e.logger.Info("job enqueued", "job_id", job.ID, "url", job.URL, "dedup_key", job.DedupKey())
	e.Trigger()
	return job, nil
}

// Trigger asks the run loop for a reconcile cycle without blocking.
func (e *Engine) Trigger() {
	select {
	case e.triggers <- struct{}{}:
	default:
	}
}

// Run drives the engine until ctx is cancelled or Close is called: periodic cycles,
// explicit triggers, and push events.
func (e *Engine) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	e.startCycle()
	e.goTracked(func() {
		if err := e.CatchUp(e.ctx); err != nil {
			e.logger.Warn("startup sync catch-up failed", "error", err)
		}
	})
	timer := time.NewTimer(jitteredIntervalWithSample(e.interval, e.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return nil
		case <-timer.C:
			e.startCycle()
			timer.Reset(jitteredIntervalWithSample(e.interval, e.intervalJitter, rng.Float64()))
		case <-e.triggers:
			e.startCycle()
		case ev := <-e.events:
			e.goTracked(func() {
				e.HandleEvent(e.ctx, ev)
			})
		}
	}
}

// Close cancels every outstanding timer and waits for in-flight work. Locks and the
// recently-processed memory belong to the session and are dropped.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = map[*time.Timer]struct{}{}
	for id, t := range e.syncRetries {
		t.Stop()
		delete(e.syncRetries, id)
	}
	e.recheck = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.submitLocks.Clear()
	e.finalizing.Clear()
	e.syncInFlight.Clear()
	e.recent.Clear()
	return nil
}

func (e *Engine) startCycle() {
	e.goTracked(func() {
		if err := e.Reconcile(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("reconcile cycle failed", "error", err)
		}
	})
}

func (e *Engine) goTracked(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// schedule runs fn after delay unless the engine is closed first.
func (e *Engine) schedule(delay time.Duration, fn func()) *time.Timer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduleLocked(delay, fn)
}

func (e *Engine) scheduleLocked(delay time.Duration, fn func()) *time.Timer {
	if e.closed {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, t)
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			fn()
		}
	})
	e.timers[t] = struct{}{}
	return t
}

// scheduleRecheck arms a single early reconcile for jobs waiting on a transient status.
func (e *Engine) scheduleRecheck() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recheck != nil {
		return
	}
	e.recheck = e.scheduleLocked(e.recheckDelay, func() {
		e.mu.Lock()
		e.recheck = nil
		e.mu.Unlock()
		e.Trigger()
	})
}

func (e *Engine) pendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
