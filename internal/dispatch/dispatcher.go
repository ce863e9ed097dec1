package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/seantiz/shardline/internal/artifact"
	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/matrix"
	"github.com/seantiz/shardline/internal/model"
	"github.com/seantiz/shardline/internal/result"
	"github.com/seantiz/shardline/internal/store"
)

// ErrIncompleteResult is returned when the number of settled submissions
// differs from the number of (run, shard) pairs in the plan.
var ErrIncompleteResult = errors.New("result set incomplete")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryPolicy sets the policy applied to every matrix submission.
func WithRetryPolicy(p backend.RetryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithResultsDir makes the dispatcher write matrix_ids.json beneath
// dir/<root> once a dispatch finishes. An empty dir disables the file.
func WithResultsDir(dir string) Option {
	return func(d *Dispatcher) { d.resultsDir = dir }
}

// WithClock replaces time.Now as the dispatcher's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher submits test plans to registered backends.
type Dispatcher struct {
	registry   *backend.Registry
	resolver   *artifact.Resolver
	store      store.Store
	logger     *slog.Logger
	broker     *EventBroker
	policy     backend.RetryPolicy
	resultsDir string
	now        func() time.Time
	wg         sync.WaitGroup
}

// New creates a dispatcher.
func New(reg *backend.Registry, resolver *artifact.Resolver, s store.Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		resolver: resolver,
		store:    s,
		logger:   logger,
		broker:   NewEventBroker(),
		policy:   backend.DefaultRetryPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Broker returns the dispatcher's event broker for SSE subscription.
func (d *Dispatcher) Broker() *EventBroker {
	return d.broker
}

// RetryPolicy returns the policy applied to every matrix submission.
func (d *Dispatcher) RetryPolicy() backend.RetryPolicy {
	return d.policy
}

// execution is a dispatch that has been recorded and is ready to run.
type execution struct {
	id          string
	root        string
	plan        *model.TestPlan
	backendName string
	backend     backend.Backend
	startedAt   time.Time
	logger      *slog.Logger
}

// Dispatch runs plan to completion and returns its result set. Every
// (run, shard) pair appears in the set exactly once, whether its submission
// was accepted or not. Artifact resolution failures abort the dispatch
// before anything is submitted.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *model.TestPlan) (*result.Set, error) {
	return d.Run(ctx, model.NewID(), plan)
}

// Run is Dispatch with a caller-chosen dispatch id.
func (d *Dispatcher) Run(ctx context.Context, id string, plan *model.TestPlan) (*result.Set, error) {
	ex, err := d.begin(ctx, id, plan)
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, ex)
}

// Start records a dispatch for plan and runs it in the background. It
// returns the dispatch id as soon as the record exists. Progress can be
// followed through Broker and the outcome read back from the store.
func (d *Dispatcher) Start(ctx context.Context, plan *model.TestPlan) (string, error) {
	ex, err := d.begin(ctx, model.NewID(), plan)
	if err != nil {
		return "", err
	}

	bg := context.WithoutCancel(ctx)
	d.wg.Go(func() {
		if _, err := d.execute(bg, ex); err != nil {
			ex.logger.Error("background dispatch failed", "error", err)
		}
	})
	return ex.id, nil
}

// Wait blocks until all dispatches started with Start complete.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// begin validates plan, resolves its backend, allocates a fresh output root,
// and records the dispatch as running. Nothing is recorded when the plan is
// invalid or names an unknown backend.
func (d *Dispatcher) begin(ctx context.Context, id string, plan *model.TestPlan) (*execution, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	settings := plan.Settings()
	b, err := d.registry.Resolve(settings.Backend)
	if err != nil {
		return nil, fmt.Errorf("resolve backend: %w", err)
	}

	startedAt := d.now().UTC()
	ex := &execution{
		id:          id,
		root:        NewRoot(startedAt),
		plan:        plan,
		backendName: settings.Backend,
		backend:     b,
		startedAt:   startedAt,
		logger:      d.logger.With("dispatch_id", id),
	}

	rec := &model.Dispatch{
		ID:         id,
		Status:     model.StatusRunning,
		Root:       ex.root,
		Backend:    settings.Backend,
		Mode:       string(settings.Mode),
		RunCount:   plan.RunCount(),
		ShardCount: plan.ShardCount(),
		StartedAt:  startedAt,
	}
	if err := d.store.CreateDispatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("create dispatch: %w", err)
	}
	return ex, nil
}

// execute resolves artifacts, fans out one submission per (run, shard) pair,
// and aggregates the handles. The event stream for the dispatch is closed on
// return.
func (d *Dispatcher) execute(ctx context.Context, ex *execution) (*result.Set, error) {
	defer d.broker.Close(ex.id)

	dispatchesInFlight.Inc()
	defer dispatchesInFlight.Dec()

	plan := ex.plan
	ex.logger.Info(fmt.Sprintf("Running %dx using %d shards per run. %d total matrices",
		plan.RunCount(), plan.ShardCount(), plan.TotalJobs()),
		"root", ex.root,
		"backend", ex.backendName,
		"tests_per_run", plan.TestsPerRun(),
	)
	for i := range plan.ShardCount() {
		ex.logger.Debug("shard assigned", "shard_index", i, "tests", len(plan.Shard(i)))
	}
	d.broker.PublishEvent(ex.id, Event{Type: EventStarted, Message: ex.root})

	// Uploads share the results bucket and root with the matrices' output.
	dest := artifact.Destination(plan.Settings().ResultsBucket, ex.root)
	pair, err := d.resolver.ResolvePair(ctx, plan.AppArtifact(), plan.TestArtifact(), dest)
	if err != nil {
		d.fail(ex, err)
		return nil, fmt.Errorf("dispatch %s: %w", ex.id, err)
	}
	d.broker.PublishEvent(ex.id, Event{Type: EventResolved, Message: pair.App + " " + pair.Test})

	handles := d.submitAll(context.WithoutCancel(ctx), ex, pair)

	set, err := result.AggregateAt(handles, ex.root, ex.startedAt, d.now())
	if err == nil && set.Len() != plan.TotalJobs() {
		err = fmt.Errorf("%w: %d of %d matrices", ErrIncompleteResult, set.Len(), plan.TotalJobs())
	}
	if err != nil {
		d.fail(ex, err)
		return nil, fmt.Errorf("dispatch %s: %w", ex.id, err)
	}

	d.finish(ex, set)
	return set, nil
}

// submitAll launches one unit per (run, shard) pair and waits for all of
// them. Each unit owns exactly one slot of the returned slice.
func (d *Dispatcher) submitAll(ctx context.Context, ex *execution, pair artifact.Pair) []backend.JobHandle {
	plan := ex.plan
	shards := plan.ShardCount()
	handles := make([]backend.JobHandle, plan.TotalJobs())

	p := pool.New()
	for run := range plan.RunCount() {
		for shard := range shards {
			slot := run*shards + shard
			p.Go(func() {
				handles[slot] = d.submitOne(ctx, ex, pair, run, shard)
			})
		}
	}
	p.Wait()

	return handles
}

func (d *Dispatcher) submitOne(ctx context.Context, ex *execution, pair artifact.Pair, run, shard int) backend.JobHandle {
	var h backend.JobHandle
	spec, err := matrix.ForPlan(ex.plan, pair, ex.root, run, shard)
	if err != nil {
		h = backend.JobHandle{
			Key:         matrix.Key(run, shard),
			RunIndex:    run,
			ShardIndex:  shard,
			Outcome:     model.OutcomeFailed,
			Error:       err.Error(),
			SubmittedAt: d.now().UTC(),
		}
	} else {
		h = backend.SubmitWithRetry(ctx, ex.backend, spec, d.policy, ex.logger)
	}

	matricesTotal.WithLabelValues(ex.backendName, h.Outcome).Inc()
	submitAttempts.Observe(float64(h.Attempts))

	if h.Failed() {
		ex.logger.Error("matrix submission gave up",
			"job_key", h.Key,
			"attempts", h.Attempts,
			"error", h.Error,
		)
	} else {
		ex.logger.Info("matrix submitted", "job_key", h.Key, "matrix_id", h.MatrixID, "attempts", h.Attempts)
	}

	d.broker.PublishEvent(ex.id, Event{
		Type:     EventMatrix,
		JobKey:   h.Key,
		MatrixID: h.MatrixID,
		Outcome:  h.Outcome,
		Attempts: h.Attempts,
		Message:  h.Error,
	})
	return h
}

// finish persists a completed dispatch and writes its matrix file.
func (d *Dispatcher) finish(ex *execution, set *result.Set) {
	ctx := context.Background()

	if err := d.store.FinishDispatch(ctx, ex.id, set); err != nil {
		ex.logger.Error("failed to record completed dispatch", "error", err)
	}

	if d.resultsDir != "" {
		path, err := result.WriteFile(set, filepath.Join(d.resultsDir, ex.root))
		if err != nil {
			ex.logger.Error("failed to write matrix file", "error", err)
		} else {
			ex.logger.Info("matrix file written", "path", path)
		}
	}

	failed := len(set.Failed())
	ex.logger.Info("dispatch finished",
		"matrices", set.Len(),
		"failed", failed,
		"elapsed", set.Elapsed().String(),
	)

	dispatchesTotal.WithLabelValues(model.StatusCompleted).Inc()
	dispatchDuration.WithLabelValues(ex.backendName).Observe(set.Elapsed().Seconds())
	d.broker.PublishEvent(ex.id, Event{
		Type:    EventFinished,
		Message: fmt.Sprintf("%d matrices, %d failed", set.Len(), failed),
	})
}

// fail records a dispatch that aborted before producing a result set.
func (d *Dispatcher) fail(ex *execution, cause error) {
	elapsed := d.now().Sub(ex.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	if err := d.store.FailDispatch(context.Background(), ex.id, cause.Error(), elapsed); err != nil {
		ex.logger.Error("failed to record failed dispatch", "error", err)
	}
	ex.logger.Error("dispatch aborted", "error", cause)

	dispatchesTotal.WithLabelValues(model.StatusFailed).Inc()
	dispatchDuration.WithLabelValues(ex.backendName).Observe(elapsed.Seconds())
	d.broker.PublishEvent(ex.id, Event{Type: EventFailed, Message: cause.Error()})
}
