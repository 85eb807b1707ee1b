// Package retry classifies job failures and decides whether a failed job goes back
// to pending or leaves the store.
package retry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Kind int

const (
	// KindRecoverable is a submission or processing error eligible for retry.
	KindRecoverable Kind = iota
	// KindTransient is a status that is not visible yet. It is time-boxed by the
	// reconciler and never counted as an attempt on its own.
	KindTransient
	// KindNonRecoverable can never succeed as submitted.
	KindNonRecoverable
	// KindLocalWrite means the remote result was obtained but persisting it failed.
	KindLocalWrite
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNonRecoverable:
		return "non_recoverable"
	case KindLocalWrite:
		return "local_write"
	default:
		return "recoverable"
	}
}

// Failure is an error tagged with its Kind.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	switch {
	case f.Reason != "" && f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	case f.Reason != "":
		return f.Reason
	case f.Err != nil:
		return f.Err.Error()
	default:
		return f.Kind.String() + " failure"
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func Recoverable(reason string, err error) *Failure {
	return &Failure{Kind: KindRecoverable, Reason: reason, Err: err}
}

func NonRecoverable(reason string, err error) *Failure {
	return &Failure{Kind: KindNonRecoverable, Reason: reason, Err: err}
}

func LocalWrite(reason string, err error) *Failure {
	return &Failure{Kind: KindLocalWrite, Reason: reason, Err: err}
}

func Transient(reason string, err error) *Failure {
	return &Failure{Kind: KindTransient, Reason: reason, Err: err}
}

// KindOf returns the Kind carried by err, treating untagged errors as recoverable.
func KindOf(err error) Kind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return KindRecoverable
}

// transientMarkers are fragments of remote error messages that mean the status
// record has not been replicated yet.
var transientMarkers = []string{
	"not found",
	"not_found",
	"no such job",
	"not yet available",
	"not ready",
	"replicat",
}

// ClassifyRemoteError decides whether a failure message reported by the remote
// status endpoint is replication lag or a real failure.
func ClassifyRemoteError(message string) Kind {
	message = strings.ToLower(strings.TrimSpace(message))
	if message == "" {
		return KindRecoverable
	}
	for _, marker := range transientMarkers {
		if strings.Contains(message, marker) {
			return KindTransient
		}
	}
	return KindRecoverable
}

type Action int

const (
	ActionRequeue Action = iota
	ActionRemove
)

func (a Action) String() string {
	if a == ActionRemove {
		return "remove"
	}
	return "requeue"
}

type Decision struct {
	Action     Action
	RetryCount int
	Delay      time.Duration
	Reason     string
}

// Strategy computes the wait before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Linear waits Initial*attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential waits Initial*2^(attempt-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// StrategyFromName maps the configured strategy name to a Strategy. Unknown names
// fall back to a constant delay.
func StrategyFromName(name string, base, maxDelay time.Duration) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "linear":
		return Linear{Initial: base, Max: maxDelay}
	case "exponential", "exp":
		return Exponential{Initial: base, Max: maxDelay}
	default:
		return Constant{Interval: base}
	}
}

const DefaultMaxRetries = 3

type Policy struct {
	MaxRetries int
	Strategy   Strategy
}

func NewPolicy(maxRetries int, strategy Strategy) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if strategy == nil {
		strategy = Constant{}
	}
	return Policy{MaxRetries: maxRetries, Strategy: strategy}
}

// Decide returns what to do with a job that failed after retryCount previous
// requeues. Non-recoverable failures and exhausted jobs are removed; everything
// else is requeued with the retry count incremented.
func (p Policy) Decide(retryCount int, err error) Decision {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	if KindOf(err) == KindNonRecoverable {
		return Decision{Action: ActionRemove, RetryCount: retryCount, Reason: reason}
	}
	if retryCount >= p.MaxRetries {
		return Decision{Action: ActionRemove, RetryCount: retryCount, Reason: reason}
	}
	next := retryCount + 1
	var delay time.Duration
	if p.Strategy != nil {
		delay = p.Strategy.Delay(next)
	}
	return Decision{Action: ActionRequeue, RetryCount: next, Delay: delay, Reason: reason}
}
