// Package generate serializes derivative generation per variant key.
// Any number of requests may demand the same missing artifact at once;
// exactly one of them performs the work, everyone observes the same
// outcome, and the work itself outlives any single request.
package generate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/image-mill/image-mill/storage"
	"github.com/image-mill/image-mill/transcode"
	"github.com/image-mill/image-mill/variant"
)

var (
	// ErrWaitTimeout is returned to a caller whose wait budget ran out
	// while a generation was still in flight. The generation continues
	// and its outcome is published for later requests.
	ErrWaitTimeout = errors.New("timed out waiting for generation")
	// ErrShuttingDown is returned for keys that would need a new
	// generation after Close began.
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// GenerateFunc produces and publishes the artifact for one key,
// returning its record. The coordinator invokes it at most once per
// claim, on a context detached from any request.
type GenerateFunc func(ctx context.Context) (storage.Derivative, error)

// Outcome says how a call was satisfied, mostly for the Cache-Status
// response header.
type Outcome string

const (
	// OutcomeHit means a recorded terminal state settled the call.
	OutcomeHit Outcome = "hit"
	// OutcomeGenerated means this call claimed and ran the generation.
	OutcomeGenerated Outcome = "generated"
	// OutcomeJoined means the call waited on another caller's flight.
	OutcomeJoined Outcome = "joined"
)

// Result is the resolution of one Ensure call.
type Result struct {
	Derivative storage.Derivative
	Outcome    Outcome
}

// Config carries the coordinator's collaborators and policy knobs.
type Config struct {
	Index storage.Index
	// WaitTimeout bounds how long one Ensure call blocks on an
	// in-flight generation. Zero means 15s.
	WaitTimeout time.Duration
	// RetryAfter is how long a permanent failure short-circuits before
	// a request may try the key again. Zero or negative means forever.
	RetryAfter time.Duration
	// TaskTimeout is the hard cap on a single generation, queue time
	// included. Zero means 5m.
	TaskTimeout time.Duration
	Logger      zerolog.Logger
}

// Coordinator is the per-key singleflight registry. The mutex guards
// only the flights map; generation and index reads happen outside it.
type Coordinator struct {
	index       storage.Index
	waitTimeout time.Duration
	retryAfter  time.Duration
	taskTimeout time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	flights map[string]*flight
	closed  bool
	wg      sync.WaitGroup
}

// flight is one in-progress generation. The fields below done are
// written once before done is closed and read only after it is closed.
type flight struct {
	done       chan struct{}
	derivative storage.Derivative
	err        error
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 15 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return &Coordinator{
		index:       cfg.Index,
		waitTimeout: cfg.WaitTimeout,
		retryAfter:  cfg.RetryAfter,
		taskTimeout: cfg.TaskTimeout,
		log:         cfg.Logger.With().Str("component", "generate").Logger(),
		flights:     make(map[string]*flight),
	}
}

// Ensure resolves the key to a derivative, generating it if needed.
// READY keys return without invoking fn. A key whose generation is in
// flight joins the flight. Otherwise the caller claims the key and fn
// runs exactly once, detached from ctx; ctx only bounds this caller's
// wait. Every returned error is classified: validation never reaches
// here, so callers see transcode or storage failures, ErrWaitTimeout,
// ErrShuttingDown, or their own ctx error.
func (c *Coordinator) Ensure(ctx context.Context, key variant.Key, fn GenerateFunc) (Result, error) {
	ks := key.String()

	if f, ok := c.inFlight(ks); ok {
		c.log.Trace().Str("key", ks).Msg("Joining generation in flight")
		return c.wait(ctx, f, OutcomeJoined)
	}

	if res, settled, err := c.fromIndex(ks); settled {
		return res, err
	}

	f, claimed, err := c.claimOrJoin(ks)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		c.log.Trace().Str("key", ks).Msg("Joining generation in flight")
		return c.wait(ctx, f, OutcomeJoined)
	}
	c.log.Trace().Str("key", ks).Msg("Claimed generation")
	go c.run(key, f, fn)
	return c.wait(ctx, f, OutcomeGenerated)
}

// Pending reports whether a generation is in flight for the key.
func (c *Coordinator) Pending(key variant.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[key.String()]
	return ok
}

// Close stops new claims and waits for in-flight generations to
// publish. Joined waiters still receive their outcome.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) inFlight(ks string) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[ks]
	return f, ok
}

// fromIndex settles the call from recorded terminal outcomes: READY
// hits, and permanent failures still inside the retry-after window.
// Transient failures and elapsed windows fall through to a new claim.
func (c *Coordinator) fromIndex(ks string) (Result, bool, error) {
	d, ok, err := c.index.GetDerivative(ks)
	if err != nil {
		c.log.Error().Err(err).Str("key", ks).Msg("Could not read derivative index")
		return Result{}, false, nil
	}
	if !ok {
		return Result{}, false, nil
	}
	switch d.Status {
	case storage.StatusReady:
		return Result{Derivative: d, Outcome: OutcomeHit}, true, nil
	case storage.StatusFailedPermanent:
		if c.blocked(d) {
			return Result{Derivative: d, Outcome: OutcomeHit}, true, recordedFailure(d)
		}
	}
	return Result{}, false, nil
}

// blocked reports whether a permanent failure still short-circuits.
func (c *Coordinator) blocked(d storage.Derivative) bool {
	if c.retryAfter <= 0 {
		return true
	}
	return time.Since(d.FailedAt) < c.retryAfter
}

// claimOrJoin inserts a flight for the key unless one appeared since
// the caller last looked, in which case it joins that one.
func (c *Coordinator) claimOrJoin(ks string) (*flight, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrShuttingDown
	}
	if f, ok := c.flights[ks]; ok {
		return f, false, nil
	}
	f := &flight{done: make(chan struct{})}
	c.flights[ks] = f
	c.wg.Add(1)
	return f, true, nil
}

// run executes one claimed generation and publishes its outcome.
func (c *Coordinator) run(key variant.Key, f *flight, fn GenerateFunc) {
	defer c.wg.Done()
	ks := key.String()

	// the claim may have raced a flight that published between our
	// index read and the map insert; re-check before burning CPU
	if d, ok, err := c.index.GetDerivative(ks); err == nil && ok {
		if d.Status == storage.StatusReady {
			c.publish(ks, f, d, nil)
			return
		}
		if d.Status == storage.StatusFailedPermanent && c.blocked(d) {
			c.publish(ks, f, d, recordedFailure(d))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.taskTimeout)
	defer cancel()

	started := time.Now()
	d, err := fn(ctx)
	if err != nil {
		d = c.recordFailure(key, err)
		c.publish(ks, f, d, err)
		return
	}

	if ierr := c.index.PutDerivative(d); ierr != nil {
		// the artifact is on disk; serve it and let a later request
		// repair the record
		c.log.Error().Err(ierr).Str("key", ks).Msg("Could not record derivative")
	}
	c.log.Debug().
		Str("key", ks).
		Int64("bytes", d.Size).
		Dur("elapsed", time.Since(started)).
		Msg("Generation finished")
	c.publish(ks, f, d, nil)
}

// recordFailure writes the failure record for the key and returns it.
// Only input-caused failures are recorded as permanent; environmental
// trouble (storage, shutdown, timeouts) stays transient so the key
// recovers on its own.
func (c *Coordinator) recordFailure(key variant.Key, err error) storage.Derivative {
	status := storage.StatusFailedTransient
	if transcode.IsPermanent(err) {
		status = storage.StatusFailedPermanent
	}
	d := storage.Derivative{
		Key:        key.String(),
		OriginalID: key.OriginalID,
		Width:      key.Width,
		Format:     string(key.Format),
		Status:     status,
		Error:      err.Error(),
		FailedAt:   time.Now(),
	}
	if ierr := c.index.PutDerivative(d); ierr != nil {
		c.log.Error().Err(ierr).Str("key", d.Key).Msg("Could not record failure")
	}
	c.log.Warn().
		Str("key", d.Key).
		Str("status", string(status)).
		Err(err).
		Msg("Generation failed")
	return d
}

// publish releases the claim and wakes all waiters with the outcome.
func (c *Coordinator) publish(ks string, f *flight, d storage.Derivative, err error) {
	c.mu.Lock()
	delete(c.flights, ks)
	c.mu.Unlock()
	f.derivative = d
	f.err = err
	close(f.done)
}

// wait blocks until the flight publishes, the caller's wait budget runs
// out, or the caller's ctx ends. The flight itself is never cancelled
// here.
func (c *Coordinator) wait(ctx context.Context, f *flight, outcome Outcome) (Result, error) {
	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return Result{Derivative: f.derivative, Outcome: outcome}, f.err
	case <-timer.C:
		return Result{Outcome: outcome}, ErrWaitTimeout
	case <-ctx.Done():
		return Result{Outcome: outcome}, ctx.Err()
	}
}

// recordedFailure rebuilds the error a recorded permanent failure was
// classified as.
func recordedFailure(d storage.Derivative) error {
	return &transcode.PermanentError{Err: errors.New(d.Error)}
}
