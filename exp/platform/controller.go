// Package platform owns every mutation of the live cluster: it applies a baseline's
// runtime configuration to the measured Knative service and waits for the platform to
// converge. A mutual-exclusion gate keeps activations from interleaving.
package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
)

// GateMode selects what happens when Activate is called while another activation is
// in flight.
type GateMode string

const (
	// GateFailFast rejects the second activation with exp.ErrConcurrentActivation.
	GateFailFast GateMode = "fail-fast"
	// GateBlock waits for the first activation to finish.
	GateBlock GateMode = "block"
)

// IsValidGateMode returns true if the given string names a gate mode.
func IsValidGateMode(m string) bool {
	return m == string(GateFailFast) || m == string(GateBlock)
}

// ControllerOptions bounds the controller's waits.
type ControllerOptions struct {
	Timeout      time.Duration // convergence bound per activation
	PollInterval time.Duration
	CallTimeout  time.Duration // bound on a single control-plane call
	Gate         GateMode
}

// DefaultControllerOptions returns the defaults used by the CLI.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		Timeout:      5 * time.Minute,
		PollInterval: 2 * time.Second,
		CallTimeout:  30 * time.Second,
		Gate:         GateFailFast,
	}
}

// ActivationHandle describes a converged activation.
type ActivationHandle struct {
	Baseline    baseline.Baseline
	Generation  int64
	ConvergedAt time.Time
	// Reused is true when the baseline was already active and nothing was applied.
	Reused bool
	Polls  int
}

// Controller is the single owner of the platform's workload configuration.
type Controller struct {
	cp   ControlPlane
	opts ControllerOptions
	gate chan struct{}

	mu        sync.Mutex
	active    *ActivationHandle
	converged map[int64]bool

	now func() time.Time
}

// NewController wraps a control plane. Zero option fields take their defaults.
func NewController(cp ControlPlane, opts ControllerOptions) *Controller {
	def := DefaultControllerOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.Gate == "" {
		opts.Gate = def.Gate
	}
	return &Controller{
		cp:        cp,
		opts:      opts,
		gate:      make(chan struct{}, 1),
		converged: make(map[int64]bool),
		now:       time.Now,
	}
}

// Active returns the handle of the last converged activation, or nil.
func (c *Controller) Active() *ActivationHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	h := *c.active
	return &h
}

// Activate applies the baseline and blocks until the platform converges: no pods of
// an earlier generation remain and a pod of the new generation has been seen ready.
// Activating the baseline that is already active skips the apply but still checks
// convergence. On timeout the platform is left as observed and the error wraps
// exp.ErrActivationTimeout.
func (c *Controller) Activate(ctx context.Context, b baseline.Baseline) (*ActivationHandle, error) {
	if err := c.acquire(ctx, b); err != nil {
		return nil, err
	}
	defer func() { <-c.gate }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := logrus.WithField("baseline", b.ID)

	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()

	handle := &ActivationHandle{Baseline: b}
	if prev != nil && prev.Baseline.ID == b.ID {
		handle.Generation = prev.Generation
		handle.Reused = true
		log.Debugf("platform: baseline already active at generation %d", prev.Generation)
	} else {
		// an apply that has started is allowed to finish
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		gen, err := c.cp.Apply(callCtx, b)
		cancel()
		if err != nil {
			c.setActive(nil)
			return nil, fmt.Errorf("applying baseline %s: %w", b.ID, err)
		}
		handle.Generation = gen
		log.Infof("platform: applied runtime class %q (generation %d)", b.Config.RuntimeClass, gen)
	}

	polls, err := c.waitConverged(ctx, b, handle.Generation)
	handle.Polls = polls
	if err != nil {
		c.setActive(nil)
		return nil, err
	}
	handle.ConvergedAt = c.now()
	c.setActive(handle)
	return handle, nil
}

func (c *Controller) acquire(ctx context.Context, b baseline.Baseline) error {
	if c.opts.Gate == GateBlock {
		select {
		case c.gate <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case c.gate <- struct{}{}:
		return nil
	default:
		return &exp.BaselineError{Baseline: string(b.ID), Kind: exp.ErrConcurrentActivation, Msg: "another activation is in flight"}
	}
}

func (c *Controller) setActive(h *ActivationHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = h
	if h != nil {
		c.converged[h.Generation] = true
	}
}

func (c *Controller) seenConverged(gen int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.converged[gen]
}

// waitConverged polls Status until convergence or the activation timeout.
func (c *Controller) waitConverged(ctx context.Context, b baseline.Baseline, gen int64) (int, error) {
	deadline := c.now().Add(c.opts.Timeout)
	seenReady := c.seenConverged(gen)
	var last Status
	for polls := 1; ; polls++ {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
		st, err := c.cp.Status(callCtx)
		cancel()
		if err != nil {
			logrus.Warnf("platform: status query failed (will retry): %v", err)
		} else {
			last = st
			if st.ReadyPods(gen) > 0 {
				seenReady = true
			}
			stale := st.StalePods(gen)
			if stale == 0 && seenReady {
				logrus.Debugf("platform: baseline %s converged after %d polls", b.ID, polls)
				return polls, nil
			}
			logrus.Debugf("platform: waiting for %s: %d stale pods, %d ready", b.ID, stale, st.ReadyPods(gen))
		}

		if !c.now().Before(deadline) {
			return polls, &exp.BaselineError{
				Baseline: string(b.ID),
				Kind:     exp.ErrActivationTimeout,
				Msg: fmt.Sprintf("generation %d not converged after %s (%d stale pods, %d ready)",
					gen, c.opts.Timeout, last.StalePods(gen), last.ReadyPods(gen)),
			}
		}
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return polls, ctx.Err()
		case <-timer.C:
		}
	}
}
