package exp

import (
	"slices"
	"time"
)

// Outcome is the terminal state of a trial.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// validOutcomes maps accepted outcome strings.
var validOutcomes = map[Outcome]bool{
	OutcomeSuccess: true,
	OutcomeTimeout: true,
	OutcomeError:   true,
}

// IsValidOutcome returns true if the given string is a recognized outcome.
func IsValidOutcome(o string) bool {
	return validOutcomes[Outcome(o)]
}

// Trial is one cold-start attempt within a baseline. Trials are produced by
// TrialBuilder.Finish and are not modified afterwards.
type Trial struct {
	Index    int
	Baseline string
	Replicas int // replicas requested; 1 for start-up trials
	Warmup   bool
	Events   []Event // sorted, non-decreasing timestamps
	Outcome  Outcome
	Warnings []string
	Err      string // control-plane error for OutcomeError
}

// Duration returns the wall time between the first and last recorded event.
func (t Trial) Duration() time.Duration {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].Timestamp.Sub(t.Events[0].Timestamp)
}

// TrialBuilder accumulates events for a trial in progress.
type TrialBuilder struct {
	trial Trial
	done  bool
}

// NewTrialBuilder starts a trial for the given baseline and index.
func NewTrialBuilder(baseline string, index, replicas int) *TrialBuilder {
	if replicas < 1 {
		replicas = 1
	}
	return &TrialBuilder{trial: Trial{Index: index, Baseline: baseline, Replicas: replicas}}
}

// Record appends an event. Events recorded after Finish are ignored.
func (b *TrialBuilder) Record(name EventName, ts time.Time, source string) {
	if b.done {
		return
	}
	b.trial.Events = append(b.trial.Events, Event{Name: name, Timestamp: ts, Source: source})
}

// Merge adds events from another source. Names already recorded keep their first value.
func (b *TrialBuilder) Merge(events []Event) {
	if b.done {
		return
	}
	b.trial.Events = MergeEvents(b.trial.Events, events)
}

// Has reports whether an event with the given name was recorded.
func (b *TrialBuilder) Has(name EventName) bool {
	_, ok := Find(b.trial.Events, name)
	return ok
}

// Warn attaches a trial-level warning.
func (b *TrialBuilder) Warn(msg string) {
	if b.done {
		return
	}
	b.trial.Warnings = append(b.trial.Warnings, msg)
}

// MarkWarmup flags the trial as a warm-up run that is not persisted.
func (b *TrialBuilder) MarkWarmup() {
	b.trial.Warmup = true
}

// Finish records the outcome and returns the sealed trial. Events are sorted;
// subsequent calls return the same trial.
func (b *TrialBuilder) Finish(outcome Outcome, err error) Trial {
	if !b.done {
		b.done = true
		b.trial.Outcome = outcome
		if err != nil {
			b.trial.Err = err.Error()
		}
		b.trial.Events = SortEvents(b.trial.Events)
	}
	t := b.trial
	t.Events = slices.Clone(b.trial.Events)
	t.Warnings = slices.Clone(b.trial.Warnings)
	return t
}
