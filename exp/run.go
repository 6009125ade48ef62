package exp

import (
	"fmt"
	"time"
)

// RunStatus is the state of an ExperimentRun.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunPartialFailure RunStatus = "partial-failure"
)

// ExperimentKind selects what a trial measures.
type ExperimentKind string

const (
	// ExperimentStartUp measures a single cold start from zero replicas.
	ExperimentStartUp ExperimentKind = "start-up"
	// ExperimentScaleOut measures scaling from zero to N replicas.
	ExperimentScaleOut ExperimentKind = "scale-out"
)

// IsValidExperiment returns true if the given string names a supported experiment.
func IsValidExperiment(kind string) bool {
	switch ExperimentKind(kind) {
	case ExperimentStartUp, ExperimentScaleOut:
		return true
	}
	return false
}

// Flavour selects whether a start-up trial finds the workload image already on the node.
type Flavour string

const (
	// FlavourCold evicts the workload image before every trial so it is pulled again.
	FlavourCold Flavour = "cold"
	// FlavourWarm keeps the image cached between trials.
	FlavourWarm Flavour = "warm"
)

// IsValidFlavour returns true if the given string names a start-up flavour.
func IsValidFlavour(f string) bool {
	return f == string(FlavourCold) || f == string(FlavourWarm)
}

// ExperimentRun is a named execution spanning one or more baselines.
type ExperimentRun struct {
	ID          string         `yaml:"run_id" json:"run_id"`
	Experiment  ExperimentKind `yaml:"experiment" json:"experiment"`
	Baselines   []string       `yaml:"baselines" json:"baselines"`
	Trials      int            `yaml:"trials" json:"trials"`
	Replicas    int            `yaml:"replicas,omitempty" json:"replicas,omitempty"`
	Flavour     Flavour        `yaml:"flavour,omitempty" json:"flavour,omitempty"`
	StartedAt   time.Time      `yaml:"started_at" json:"started_at"`
	UpdatedAt   time.Time      `yaml:"updated_at" json:"updated_at"`
	Status      RunStatus      `yaml:"status" json:"status"`
	Invocations int            `yaml:"invocations" json:"invocations"`
}

// NewExperimentRun creates a pending run.
func NewExperimentRun(id string, kind ExperimentKind, baselines []string, trials int, now time.Time) *ExperimentRun {
	return &ExperimentRun{
		ID:         id,
		Experiment: kind,
		Baselines:  append([]string(nil), baselines...),
		Trials:     trials,
		StartedAt:  now,
		UpdatedAt:  now,
		Status:     RunPending,
	}
}

// Terminal reports whether the run can no longer change state.
func (r *ExperimentRun) Terminal() bool {
	return r.Status == RunCompleted
}

// MarkRunning moves the run to running on the first successful activation.
// Calling it on a running run is a no-op.
func (r *ExperimentRun) MarkRunning(now time.Time) error {
	switch r.Status {
	case RunRunning:
		return nil
	case RunPending, RunPartialFailure:
		r.Status = RunRunning
		r.UpdatedAt = now
		return nil
	}
	return fmt.Errorf("run %s: cannot move from %s to %s", r.ID, r.Status, RunRunning)
}

// Resume re-opens a partially failed run for another invocation.
func (r *ExperimentRun) Resume(now time.Time) error {
	if r.Terminal() {
		return fmt.Errorf("run %s is %s and cannot be resumed", r.ID, r.Status)
	}
	r.Invocations++
	r.UpdatedAt = now
	return nil
}

// Finalize moves the run to completed when every requested baseline has the requested
// trial count recorded, and to partial-failure otherwise. A run in which no baseline
// ever activated goes from pending straight to partial-failure.
func (r *ExperimentRun) Finalize(recorded map[string]int, now time.Time) RunStatus {
	if r.Terminal() {
		return r.Status
	}
	status := RunCompleted
	for _, b := range r.Baselines {
		if recorded[b] < r.Trials {
			status = RunPartialFailure
			break
		}
	}
	r.Status = status
	r.UpdatedAt = now
	return status
}

// UseFlavour pins the run's flavour on first use and rejects a different one later, so
// cold and warm trials never mix in one run.
func (r *ExperimentRun) UseFlavour(f Flavour) error {
	if r.Flavour != "" && r.Flavour != f {
		return fmt.Errorf("run %s was created with %s starts, not %s", r.ID, r.Flavour, f)
	}
	r.Flavour = f
	return nil
}

// Extend checks that another invocation asks for the same experiment shape and adds
// any baselines the run has not seen yet. A completed run cannot gain baselines.
func (r *ExperimentRun) Extend(kind ExperimentKind, baselines []string, trials int) error {
	if r.Experiment != kind {
		return fmt.Errorf("run %s was created for experiment %s, not %s", r.ID, r.Experiment, kind)
	}
	if r.Trials != trials {
		return fmt.Errorf("run %s was created with %d trials per baseline, not %d", r.ID, r.Trials, trials)
	}
	known := make(map[string]bool, len(r.Baselines))
	for _, b := range r.Baselines {
		known[b] = true
	}
	for _, b := range baselines {
		if known[b] {
			continue
		}
		if r.Terminal() {
			return fmt.Errorf("run %s is %s and cannot add baseline %q", r.ID, r.Status, b)
		}
		r.Baselines = append(r.Baselines, b)
		known[b] = true
	}
	return nil
}
