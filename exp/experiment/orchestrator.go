// Package experiment runs an ExperimentRun end to end: it activates each requested
// baseline, drives its trials, normalizes and persists every trial, and moves the run
// through pending, running and completed or partial-failure. Re-invoking a run resumes
// it from the Result Store.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
	"github.com/sc2-sys/sc2-exp/exp/platform"
	"github.com/sc2-sys/sc2-exp/exp/sample"
	"github.com/sc2-sys/sc2-exp/exp/store"
)

// Activator is the platform controller's surface used by the orchestrator.
type Activator interface {
	Activate(ctx context.Context, b baseline.Baseline) (*platform.ActivationHandle, error)
}

// TrialRunner is the trial runner's surface used by the orchestrator.
type TrialRunner interface {
	RunTrials(ctx context.Context, b baseline.Baseline, firstIndex, count int, perTrialTimeout time.Duration) iter.Seq[exp.Trial]
	WarmUp(ctx context.Context, b baseline.Baseline, n int, perTrialTimeout time.Duration) int
	Replicas() int
	Flavour() exp.Flavour
}

// Lane is the activator and trial runner that serve one baseline.
type Lane struct {
	Activator Activator
	Runner    TrialRunner
}

// LaneFunc returns the lane for a baseline. Lanes of different baselines must drive
// isolated platforms, for example one namespace per baseline, so that activating one
// baseline never reconfigures the service another baseline is measuring.
type LaneFunc func(b baseline.Baseline) (Lane, error)

// Plan is one invocation of a run.
type Plan struct {
	RunID           string
	Experiment      exp.ExperimentKind
	Baselines       []baseline.Baseline
	Trials          int
	Warmups         int
	PerTrialTimeout time.Duration
	// Lanes bounds how many baselines are processed at once. Values above 1 need an
	// orchestrator built with NewIsolated.
	Lanes int
	// Cooldown is slept before every activation but the first.
	Cooldown time.Duration
	// ActivationAttempts and ActivationBackoff bound run-level activation retries.
	ActivationAttempts int
	ActivationBackoff  time.Duration
}

// Validate checks the plan's shape.
func (p Plan) Validate() error {
	if err := store.ValidateRunID(p.RunID); err != nil {
		return err
	}
	if !exp.IsValidExperiment(string(p.Experiment)) {
		return fmt.Errorf("unknown experiment %q", p.Experiment)
	}
	if len(p.Baselines) == 0 {
		return fmt.Errorf("no baselines requested")
	}
	seen := make(map[baseline.ID]bool, len(p.Baselines))
	for _, b := range p.Baselines {
		if seen[b.ID] {
			return fmt.Errorf("baseline %q requested twice", b.ID)
		}
		seen[b.ID] = true
	}
	if p.Trials < 1 {
		return fmt.Errorf("trial count must be >= 1, got %d", p.Trials)
	}
	if p.Warmups < 0 {
		return fmt.Errorf("warm-up count must be >= 0, got %d", p.Warmups)
	}
	if p.PerTrialTimeout <= 0 {
		return fmt.Errorf("per-trial timeout must be > 0")
	}
	if p.Lanes < 0 {
		return fmt.Errorf("lanes must be >= 0, got %d", p.Lanes)
	}
	return nil
}

// NewRunID returns a fresh run identifier of the form <kind>-<yyyymmdd>-<uuid prefix>.
func NewRunID(kind exp.ExperimentKind, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", kind, now.UTC().Format("20060102"), uuid.NewString()[:8])
}

// Orchestrator wires the components of a run together.
type Orchestrator struct {
	store    store.Store
	lane     LaneFunc
	isolated bool
	now      func() time.Time

	mu  sync.Mutex // guards run and the results map during a Run
	run *exp.ExperimentRun
}

// New creates an orchestrator whose baselines share one platform. Baselines are
// processed one at a time, so each baseline's trials all run while it is active.
func New(st store.Store, activator Activator, runner TrialRunner) *Orchestrator {
	shared := Lane{Activator: activator, Runner: runner}
	return &Orchestrator{
		store: st,
		lane:  func(baseline.Baseline) (Lane, error) { return shared, nil },
		now:   time.Now,
	}
}

// NewIsolated creates an orchestrator that gives every baseline its own lane, which
// allows Plan.Lanes above 1.
func NewIsolated(st store.Store, lanes LaneFunc) *Orchestrator {
	return &Orchestrator{store: st, lane: lanes, isolated: true, now: time.Now}
}

// Run executes the plan and returns the run summary. Per-trial failures are recorded
// and absorbed, a baseline whose activation keeps failing is abandoned, and a store
// failure aborts the run with an error wrapping exp.ErrStoreUnavailable. A summary
// with status partial-failure is returned without error.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (*Summary, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.Lanes > 1 && !o.isolated {
		return nil, fmt.Errorf("%d lanes need an isolated platform per baseline; baselines sharing one service must run one at a time", plan.Lanes)
	}
	ids := make([]string, len(plan.Baselines))
	lanesByID := make(map[baseline.ID]Lane, len(plan.Baselines))
	for i, b := range plan.Baselines {
		ids[i] = string(b.ID)
		lane, err := o.lane(b)
		if err != nil {
			return nil, fmt.Errorf("preparing lane for %s: %w", b.ID, err)
		}
		lanesByID[b.ID] = lane
	}
	first := lanesByID[plan.Baselines[0].ID].Runner
	log := logrus.WithField("run", plan.RunID)

	run, err := o.store.LoadRun(ctx, plan.RunID)
	switch {
	case errors.Is(err, exp.ErrRunNotFound):
		run = exp.NewExperimentRun(plan.RunID, plan.Experiment, ids, plan.Trials, o.now())
		log.Infof("experiment: starting %s run over %v", plan.Experiment, ids)
	case err != nil:
		return nil, err
	default:
		if err := run.Extend(plan.Experiment, ids, plan.Trials); err != nil {
			return nil, err
		}
		if run.Terminal() {
			log.Infof("experiment: run already %s", run.Status)
			return Summarize(ctx, o.store, run)
		}
		if err := run.Resume(o.now()); err != nil {
			return nil, err
		}
		log.Infof("experiment: resuming run (invocation %d, status %s)", run.Invocations, run.Status)
	}
	if err := run.UseFlavour(first.Flavour()); err != nil {
		return nil, err
	}
	run.Replicas = first.Replicas()
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	o.run = run

	counts, maxIndex, err := store.CountByBaseline(ctx, o.store, run.ID)
	if err != nil {
		return nil, err
	}

	lanes := plan.Lanes
	if lanes < 1 {
		lanes = 1
	}
	results := make(map[string]*BaselineSummary, len(plan.Baselines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lanes)
	activations := 0
	for _, b := range plan.Baselines {
		have := counts[string(b.ID)]
		res := &BaselineSummary{Baseline: string(b.ID)}
		results[string(b.ID)] = res
		if have >= plan.Trials {
			log.Infof("experiment: %s already has %d/%d trials, skipping", b.ID, have, plan.Trials)
			continue
		}
		firstIndex := 0
		if idx, ok := maxIndex[string(b.ID)]; ok {
			firstIndex = idx + 1
		}
		cooldown := time.Duration(0)
		if activations > 0 {
			cooldown = plan.Cooldown
		}
		activations++
		lane := lanesByID[b.ID]
		g.Go(func() error {
			return o.runBaseline(gctx, plan, lane, b, res, firstIndex, plan.Trials-have, cooldown)
		})
	}
	runErr := g.Wait()

	// finalize even when cancelled so the manifest reflects what was stored
	finalCtx := context.WithoutCancel(ctx)
	counts, _, err = store.CountByBaseline(finalCtx, o.store, run.ID)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	o.mu.Lock()
	status := run.Finalize(counts, o.now())
	o.mu.Unlock()
	if err := o.store.SaveRun(finalCtx, run); err != nil {
		return nil, errors.Join(runErr, err)
	}

	summary, err := Summarize(finalCtx, o.store, run)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	for i := range summary.Baselines {
		if res := results[summary.Baselines[i].Baseline]; res != nil {
			summary.Baselines[i].ActivationError = res.ActivationError
			summary.Baselines[i].Ran = res.Ran
		}
	}
	log.Infof("experiment: run finished with status %s", status)
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return summary, runErr
}

// runBaseline activates one baseline and records count trials from firstIndex.
// Only store failures are returned; everything else is noted in res.
func (o *Orchestrator) runBaseline(ctx context.Context, plan Plan, lane Lane, b baseline.Baseline, res *BaselineSummary, firstIndex, count int, cooldown time.Duration) error {
	log := logrus.WithFields(logrus.Fields{"run": plan.RunID, "baseline": b.ID})
	if cooldown > 0 {
		log.Infof("experiment: cooling down for %s before activation", cooldown)
		if err := sleep(ctx, cooldown); err != nil {
			return nil
		}
	}

	handle, err := o.activate(ctx, plan, lane.Activator, b)
	if err != nil {
		log.Errorf("experiment: abandoning baseline: %v", err)
		o.mu.Lock()
		res.ActivationError = err.Error()
		o.mu.Unlock()
		return nil
	}
	log.Infof("experiment: baseline active (generation %d)", handle.Generation)

	o.mu.Lock()
	err = o.run.MarkRunning(o.now())
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if err := o.saveRun(ctx); err != nil {
		return err
	}

	if plan.Warmups > 0 {
		ok := lane.Runner.WarmUp(ctx, b, plan.Warmups, plan.PerTrialTimeout)
		log.Infof("experiment: %d/%d warm-up trials succeeded", ok, plan.Warmups)
	}

	for t := range lane.Runner.RunTrials(ctx, b, firstIndex, count, plan.PerTrialTimeout) {
		rec, err := sample.Normalize(plan.RunID, t)
		if err != nil {
			log.WithField("trial", t.Index).Warnf("experiment: %v", err)
		}
		rec.RecordedAt = o.now()
		// a finished trial is persisted even if the run is being cancelled
		err = o.store.Append(context.WithoutCancel(ctx), rec)
		switch {
		case errors.Is(err, exp.ErrDuplicateRecord):
			log.WithField("trial", t.Index).Infof("experiment: already recorded, skipping")
			continue
		case err != nil:
			return err
		}
		o.mu.Lock()
		res.Ran++
		o.mu.Unlock()
		if cold, ok := rec.Latency(sample.LatencyColdStart); ok {
			log.WithField("trial", t.Index).Infof("experiment: %s cold start %s", rec.Outcome, cold.Round(time.Millisecond))
		} else {
			log.WithField("trial", t.Index).Infof("experiment: %s", rec.Outcome)
		}
	}
	return nil
}

// activate retries coordination failures with exponential backoff.
func (o *Orchestrator) activate(ctx context.Context, plan Plan, activator Activator, b baseline.Baseline) (*platform.ActivationHandle, error) {
	attempts := plan.ActivationAttempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if plan.ActivationBackoff > 0 {
		eb.InitialInterval = plan.ActivationBackoff
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	op := func() (*platform.ActivationHandle, error) {
		h, err := activator.Activate(ctx, b)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return h, err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithField("baseline", b.ID).Warnf("experiment: activation failed, retrying in %s: %v", wait, err)
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

func (o *Orchestrator) saveRun(ctx context.Context) error {
	o.mu.Lock()
	snapshot := *o.run
	snapshot.Baselines = append([]string(nil), o.run.Baselines...)
	o.mu.Unlock()
	return o.store.SaveRun(context.WithoutCancel(ctx), &snapshot)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
