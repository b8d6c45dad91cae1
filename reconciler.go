package consent

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// DefaultPollInterval is the fixed cadence between authoritative re-fetches
// while a resolution is pending on another device.
const DefaultPollInterval = 10 * time.Second

// DefaultFailureThreshold is how many consecutive failed polls are absorbed
// silently before the error callback fires. Transient fetch failures are
// expected on a mobile network and must not surface one by one.
const DefaultFailureThreshold = 3

// StateFetcher reads the authoritative remote state for one user.
type StateFetcher interface {
	FetchState(ctx context.Context, userID uuid.UUID) (*Profile, *ConsentRecord, error)
}

// StateFetcherFunc adapts a function to the StateFetcher interface.
type StateFetcherFunc func(ctx context.Context, userID uuid.UUID) (*Profile, *ConsentRecord, error)

func (f StateFetcherFunc) FetchState(ctx context.Context, userID uuid.UUID) (*Profile, *ConsentRecord, error) {
	return f(ctx, userID)
}

type storeFetcher struct {
	repo RepositoryManager
}

// NewStoreFetcher adapts the repository manager to the StateFetcher
// interface. A user without consent history yields a nil record, not an
// error.
func NewStoreFetcher(repo RepositoryManager) StateFetcher {
	return &storeFetcher{repo: repo}
}

func (f *storeFetcher) FetchState(ctx context.Context, userID uuid.UUID) (*Profile, *ConsentRecord, error) {
	profile, err := f.repo.Profiles().GetByID(ctx, userID.String())
	if err != nil {
		return nil, nil, err
	}

	record, err := f.repo.ConsentRecords().LatestForUser(ctx, userID)
	if err != nil {
		if repository.IsRecordNotFound(err) || goerrors.IsNotFound(err) {
			return profile, nil, nil
		}
		return nil, nil, err
	}

	return profile, record, nil
}

// ReconcilerOption customizes reconciler construction.
type ReconcilerOption func(*Reconciler)

// WithInterval overrides the polling cadence.
func WithInterval(interval time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithFailureThreshold sets how many consecutive failures stay silent.
func WithFailureThreshold(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

// WithReconcilerLogger overrides the logger.
func WithReconcilerLogger(logger Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOnChange registers the callback fed with every applied state change
// and the gate decision derived from it.
func WithOnChange(fn func(Snapshot, Decision)) ReconcilerOption {
	return func(r *Reconciler) {
		r.onChange = fn
	}
}

// WithOnError registers the callback fired once the failure threshold is
// crossed.
func WithOnError(fn func(error)) ReconcilerOption {
	return func(r *Reconciler) {
		r.onError = fn
	}
}

// WithResendFunc wires the resend action, typically a closure over
// RequestConsentHandler. Resending rides on issuance idempotency and never
// touches the polling cadence.
func WithResendFunc(fn func(ctx context.Context) error) ReconcilerOption {
	return func(r *Reconciler) {
		r.resend = fn
	}
}

// Reconciler drives the gate while the app waits on an out-of-band
// resolution, re-fetching authoritative state on a fixed interval and on
// manual triggers. The interval is a scoped resource: it starts exactly
// when Start succeeds and stops exactly once, on resolution, sign-out, or
// Stop.
type Reconciler struct {
	fetcher StateFetcher
	gate    *Gate
	logger  Logger

	interval         time.Duration
	failureThreshold int

	onChange func(Snapshot, Decision)
	onError  func(error)
	resend   func(ctx context.Context) error

	poke chan struct{}

	mu       sync.Mutex
	snap     Snapshot
	route    string
	failures int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewReconciler builds a reconciler around a fetcher and a gate.
func NewReconciler(fetcher StateFetcher, gate *Gate, opts ...ReconcilerOption) *Reconciler {
	if gate == nil {
		gate = NewGate()
	}

	r := &Reconciler{
		fetcher:          fetcher,
		gate:             gate,
		logger:           defLogger{},
		interval:         DefaultPollInterval,
		failureThreshold: DefaultFailureThreshold,
		poke:             make(chan struct{}, 1),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.route = r.gate.Routes().Awaiting

	return r
}

// Start begins polling for the given user. It fails if the reconciler is
// already running: the interval must never be double-scheduled.
func (r *Reconciler) Start(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return goerrors.New("reconciler already running", goerrors.CategoryConflict)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.failures = 0
	r.done = make(chan struct{})
	r.snap = Reduce(r.snap, SessionChanged{HasSession: true, UserID: userID.String()})

	go r.run(runCtx, userID, r.done)

	return nil
}

// Stop tears the interval down. Safe to call any number of times, from any
// goroutine; returns once the loop has exited.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Poke requests an immediate re-fetch (the "check now" affordance). It
// never blocks; a poke while one is queued collapses into it.
func (r *Reconciler) Poke() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// Resend re-invokes issuance for the current subject. Issuance reuses the
// pending token, and the cadence is deliberately left alone.
func (r *Reconciler) Resend(ctx context.Context) error {
	if r.resend == nil {
		return goerrors.New("no resend action configured", goerrors.CategoryBadInput)
	}
	return r.resend(ctx)
}

// SetRoute tells the reconciler which route decisions are evaluated
// against.
func (r *Reconciler) SetRoute(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.route = route
}

// Snapshot returns the current reduced state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Apply feeds an external event (typically sessionChanged from the host
// app) through the reducer. Ending the session stops the loop.
func (r *Reconciler) Apply(e Event) {
	r.mu.Lock()
	r.snap = Reduce(r.snap, e)
	snap := r.snap
	route := r.route
	r.mu.Unlock()

	r.emit(snap, route)

	if !snap.HasSession {
		r.Stop()
	}
}

func (r *Reconciler) run(ctx context.Context, userID uuid.UUID, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First read happens immediately; the interval covers the waiting
	// after it.
	if r.tick(ctx, userID) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.poke:
		}

		if r.tick(ctx, userID) {
			return
		}
	}
}

// tick fetches and applies one authoritative read. It reports true when a
// terminal outcome was observed and the loop should end.
func (r *Reconciler) tick(ctx context.Context, userID uuid.UUID) bool {
	var profile *Profile
	var record *ConsentRecord

	operation := func() error {
		p, c, err := r.fetcher.FetchState(ctx, userID)
		if err != nil {
			return err
		}
		profile, record = p, c
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.recordFailure(err)
		return false
	}

	r.mu.Lock()

	// A fetch that completes after teardown must not apply its result.
	if ctx.Err() != nil || !r.running {
		r.mu.Unlock()
		return false
	}

	r.failures = 0
	r.snap = Reduce(r.snap, ProfileChanged{Profile: profile})
	r.snap = Reduce(r.snap, ConsentChanged{Record: record})
	snap := r.snap
	route := r.route

	terminal := snap.Resolved()
	if terminal {
		r.running = false
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
	}
	r.mu.Unlock()

	r.emit(snap, route)

	return terminal
}

func (r *Reconciler) recordFailure(err error) {
	r.mu.Lock()
	r.failures++
	failures := r.failures
	r.mu.Unlock()

	r.logger.Debug("reconciler fetch failed (%d consecutive): %v", failures, err)

	if failures >= r.failureThreshold && r.onError != nil {
		r.onError(err)
	}
}

func (r *Reconciler) emit(snap Snapshot, route string) {
	if r.onChange == nil {
		return
	}
	r.onChange(snap, r.gate.Evaluate(snap.Input(route)))
}
