// Package trial drives repeated cold-start trials for one activated baseline. Each
// trial forces the service back to zero, records when the cold start was requested,
// waits for the first response and gathers the platform's lifecycle timeline.
package trial

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
	"github.com/sc2-sys/sc2-exp/exp/platform"
)

// Trial-level warnings.
const (
	WarnNotQuiescent       = "not_quiescent"
	WarnTimelineIncomplete = "timeline_incomplete"
	WarnImageNotEvicted    = "image_not_evicted"
)

// Options configures a Runner.
type Options struct {
	Experiment        exp.ExperimentKind
	Flavour           exp.Flavour
	ScaleOutReplicas  int // replicas requested by scale-out trials
	PollInterval      time.Duration
	QuiescenceTimeout time.Duration
	Retry             RetryPolicy
}

// DefaultOptions returns the runner defaults.
func DefaultOptions() Options {
	return Options{
		Experiment:        exp.ExperimentStartUp,
		Flavour:           exp.FlavourCold,
		ScaleOutReplicas:  4,
		PollInterval:      2 * time.Second,
		QuiescenceTimeout: 3 * time.Minute,
		Retry:             DefaultRetryPolicy(),
	}
}

// Runner executes trials against the control plane. It never changes the workload
// configuration; that is the platform controller's job.
type Runner struct {
	cp    platform.ControlPlane
	probe Probe
	opts  Options
	now   func() time.Time
}

// NewRunner creates a runner. Zero option fields take their defaults.
func NewRunner(cp platform.ControlPlane, probe Probe, opts Options) *Runner {
	def := DefaultOptions()
	if opts.Experiment == "" {
		opts.Experiment = def.Experiment
	}
	if opts.Flavour == "" {
		opts.Flavour = def.Flavour
	}
	if opts.ScaleOutReplicas < 1 {
		opts.ScaleOutReplicas = def.ScaleOutReplicas
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.QuiescenceTimeout <= 0 {
		opts.QuiescenceTimeout = def.QuiescenceTimeout
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry.Attempts = def.Retry.Attempts
	}
	if opts.Retry.CallTimeout <= 0 {
		opts.Retry.CallTimeout = def.Retry.CallTimeout
	}
	return &Runner{cp: cp, probe: probe, opts: opts, now: time.Now}
}

// Replicas returns the replica count each trial requests.
func (r *Runner) Replicas() int {
	if r.opts.Experiment == exp.ExperimentScaleOut {
		return r.opts.ScaleOutReplicas
	}
	return 1
}

// Flavour returns whether trials evict the workload image first.
func (r *Runner) Flavour() exp.Flavour {
	return r.opts.Flavour
}

// RunTrials returns a lazy sequence of at most count trials indexed from firstIndex.
// Trials run one at a time while the caller consumes them. A timeout or control-plane
// error is recorded in the trial's outcome and the sequence carries on; cancelling ctx
// stops it before the next trial starts.
func (r *Runner) RunTrials(ctx context.Context, b baseline.Baseline, firstIndex, count int, perTrialTimeout time.Duration) iter.Seq[exp.Trial] {
	return func(yield func(exp.Trial) bool) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				logrus.Infof("trial: %s stopping before trial %d: %v", b.ID, firstIndex+i, ctx.Err())
				return
			}
			t, started := r.runOne(ctx, b, firstIndex+i, perTrialTimeout, false)
			if !started {
				logrus.Infof("trial: %s stopping before trial %d: %v", b.ID, firstIndex+i, ctx.Err())
				return
			}
			if !yield(t) {
				return
			}
		}
	}
}

// WarmUp runs n trials that are logged and discarded. It returns how many succeeded.
func (r *Runner) WarmUp(ctx context.Context, b baseline.Baseline, n int, perTrialTimeout time.Duration) int {
	ok := 0
	for i := 0; i < n && ctx.Err() == nil; i++ {
		t, started := r.runOne(ctx, b, i, perTrialTimeout, true)
		if !started {
			break
		}
		logrus.Infof("trial: %s warm-up %d/%d: %s in %s", b.ID, i+1, n, t.Outcome, t.Duration())
		if t.Outcome == exp.OutcomeSuccess {
			ok++
		}
	}
	return ok
}

// runOne executes a single trial. It reports false, with no side effects on the
// workload, when ctx is cancelled before the cold start is requested.
func (r *Runner) runOne(ctx context.Context, b baseline.Baseline, index int, timeout time.Duration, warmup bool) (exp.Trial, bool) {
	log := logrus.WithFields(logrus.Fields{"baseline": b.ID, "trial": index})
	replicas := r.Replicas()
	tb := exp.NewTrialBuilder(string(b.ID), index, replicas)
	if warmup {
		tb.MarkWarmup()
	}

	quiescent := r.waitQuiescent(ctx)
	if ctx.Err() != nil {
		return exp.Trial{}, false
	}
	if !quiescent {
		log.Warn("trial: platform not quiescent, starting anyway")
		tb.Warn(WarnNotQuiescent)
	}

	if r.opts.Flavour == exp.FlavourCold {
		if _, err := Do(ctx, r.opts.Retry, "image eviction", func(c context.Context) (struct{}, error) {
			return struct{}{}, r.cp.EvictImage(c)
		}); err != nil {
			log.Warnf("trial: image still cached, start may be warm: %v", err)
			tb.Warn(WarnImageNotEvicted)
		}
	}

	deployed := r.now()
	tb.Record(exp.EventDeployRequested, deployed, "runner")

	if _, err := Do(ctx, r.opts.Retry, "force cold start", func(c context.Context) (struct{}, error) {
		return struct{}{}, r.cp.ForceColdStart(c)
	}); err != nil {
		return r.fail(tb, log, err), true
	}
	url, err := Do(ctx, r.opts.Retry, "endpoint lookup", r.cp.Endpoint)
	if err != nil {
		return r.fail(tb, log, err), true
	}

	outcome := exp.OutcomeSuccess
	var trialErr error
	// a trial in progress runs to its own deadline even if ctx is cancelled
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	at, err := r.probe.FirstResponse(probeCtx, url, replicas)
	cancel()
	if err != nil {
		outcome = exp.OutcomeTimeout
		trialErr = fmt.Errorf("%w: no first response within %s: %w", exp.ErrTrialTimeout, timeout, err)
		log.Warnf("trial: %v", trialErr)
	} else {
		tb.Record(exp.EventFirstResponse, at, "probe")
	}

	events, err := Do(ctx, r.opts.Retry, "timeline", func(c context.Context) ([]exp.Event, error) {
		return r.cp.Timeline(c, deployed, replicas)
	})
	switch {
	case err != nil && outcome == exp.OutcomeSuccess:
		return r.fail(tb, log, err), true
	case err != nil:
		tb.Warn(WarnTimelineIncomplete)
	default:
		tb.Merge(events)
	}

	t := tb.Finish(outcome, trialErr)
	log.Debugf("trial: %s after %s with %d events", t.Outcome, t.Duration(), len(t.Events))
	return t, true
}

func (r *Runner) fail(tb *exp.TrialBuilder, log *logrus.Entry, err error) exp.Trial {
	if !errors.Is(err, exp.ErrTrialError) {
		err = fmt.Errorf("%w: %w", exp.ErrTrialError, err)
	}
	log.Warnf("trial: %v", err)
	return tb.Finish(exp.OutcomeError, err)
}

// waitQuiescent polls until the service has scaled to zero or the quiescence bound
// elapses. Query failures count as not quiescent.
func (r *Runner) waitQuiescent(ctx context.Context) bool {
	deadline := r.now().Add(r.opts.QuiescenceTimeout)
	for {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Retry.CallTimeout)
		ok, err := r.cp.Quiescent(callCtx)
		cancel()
		if err != nil {
			logrus.Debugf("trial: quiescence query failed: %v", err)
		}
		if err == nil && ok {
			return true
		}
		if !r.now().Before(deadline) {
			return false
		}
		timer := time.NewTimer(r.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
