//go:generate mockgen -destination=./mocks/orchestrator.go . CandidateResolver,TransferDriver,CacheStore,Verifier

package orchestrator

import (
	"context"
	"time"

	"github.com/glorpus-work/mlget/pkg/model"
	"github.com/glorpus-work/mlget/pkg/transfer"
	"github.com/glorpus-work/mlget/pkg/verify"
)

// CandidateResolver is the subset of the resolver used by the orchestrator.
type CandidateResolver interface {
	Resolve(ctx context.Context, spec model.ArtifactSpec) ([]model.Candidate, error)
}

// TransferDriver starts transfers into the staging area.
type TransferDriver interface {
	Start(ctx context.Context, locator, destPath string, opts transfer.Options) (transfer.Handle, error)
	Name() string
}

// CacheStore is the subset of the cache store used by the orchestrator.
type CacheStore interface {
	Lookup(hash string) (*model.CacheEntry, bool, error)
	Commit(ctx context.Context, stagingPath string, res verify.Result, cand model.Candidate) (*model.CacheEntry, error)
}

// Verifier checks a staged file against a candidate's declared integrity data.
type Verifier interface {
	Verify(stagingPath string, cand model.Candidate) (verify.Result, error)
}

// Orchestrator ties Resolver, TransferDriver, Verifier and CacheStore
// together for fetches.
type Orchestrator struct {
	Resolver CandidateResolver
	Driver   TransferDriver
	Cache    CacheStore
	Verifier Verifier
	Hooks    Hooks // Hooks for progress and event notifications

	opts     Options
	inflight *inflightSet
	staging  *inflightSet // one live transfer per locator; staging files are keyed by locator

	// injected for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Event represents a simple progress notification.
type Event struct {
	Phase string // resolving|attempting|retrying|verifying|committing|done|error
	ID    string // spec key
	Msg   string
}

// Hooks carries callbacks for progress events.
type Hooks struct {
	OnEvent func(Event)
}

// Options control orchestrator execution. Zero fields take the defaults
// below.
type Options struct {
	StagingDir     string
	Connections    int
	MaxAttempts    int // per-candidate transfer attempts
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	StallTimeout   time.Duration
	PollInterval   time.Duration
	Concurrency    int // bounded pool size for FetchAll
}

const (
	defaultConnections    = 8
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	defaultStallTimeout   = 60 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultConcurrency    = 2
)

func (o Options) withDefaults() Options {
	if o.Connections <= 0 {
		o.Connections = defaultConnections
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = defaultRetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = defaultStallTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	return o
}

// New constructs an Orchestrator from existing collaborators. Helper for
// wiring. Hooks can be zero if no event handling is needed.
func New(resolver CandidateResolver, driver TransferDriver, cache CacheStore, verifier Verifier, hooks Hooks, opts Options) *Orchestrator {
	return &Orchestrator{
		Resolver: resolver,
		Driver:   driver,
		Cache:    cache,
		Verifier: verifier,
		Hooks:    hooks,
		opts:     opts.withDefaults(),
		inflight: newInflightSet(),
		staging:  newInflightSet(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func emit(h Hooks, e Event) {
	if h.OnEvent != nil {
		h.OnEvent(e)
	}
}
