package experiment

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/sample"
	"github.com/sc2-sys/sc2-exp/exp/store"
)

// BaselineState classifies a baseline at the end of an invocation.
type BaselineState string

const (
	BaselineCompleted BaselineState = "completed"
	BaselinePartial   BaselineState = "partial"
	BaselineSkipped   BaselineState = "skipped" // no record at all
)

// BaselineSummary aggregates one baseline's records.
type BaselineSummary struct {
	Baseline  string        `json:"baseline"`
	State     BaselineState `json:"state"`
	Recorded  int           `json:"recorded"`
	Requested int           `json:"requested"`
	Success   int           `json:"success"`
	Timeouts  int           `json:"timeouts"`
	Errors    int           `json:"errors"`
	Missing   int           `json:"missing_events"` // records flagged with a missing milestone
	// MeanColdStart averages cold_start over records where it was computed.
	MeanColdStart time.Duration `json:"mean_cold_start"`
	// ActivationError is set when this invocation could not activate the baseline.
	ActivationError string `json:"activation_error,omitempty"`
	// Ran counts trials executed by this invocation.
	Ran int `json:"ran"`
}

// Summary is the user-visible result of a run.
type Summary struct {
	RunID      string             `json:"run_id"`
	Experiment exp.ExperimentKind `json:"experiment"`
	Status     exp.RunStatus      `json:"status"`
	Baselines  []BaselineSummary  `json:"baselines"`
}

// Summarize aggregates the stored records of a run. Safe for runs with no records.
func Summarize(ctx context.Context, st store.Store, run *exp.ExperimentRun) (*Summary, error) {
	byBaseline := make(map[string]*BaselineSummary, len(run.Baselines))
	coldSum := make(map[string]time.Duration)
	coldN := make(map[string]int)
	for _, id := range run.Baselines {
		byBaseline[id] = &BaselineSummary{Baseline: id, Requested: run.Trials}
	}
	for rec, err := range st.Query(ctx, run.ID, "") {
		if err != nil {
			return nil, err
		}
		bs, ok := byBaseline[rec.Baseline]
		if !ok {
			continue
		}
		bs.Recorded++
		switch rec.Outcome {
		case exp.OutcomeSuccess:
			bs.Success++
		case exp.OutcomeTimeout:
			bs.Timeouts++
		case exp.OutcomeError:
			bs.Errors++
		}
		if hasMissing(rec.Diagnostics) {
			bs.Missing++
		}
		if d, ok := rec.Latency(sample.LatencyColdStart); ok {
			coldSum[rec.Baseline] += d
			coldN[rec.Baseline]++
		}
	}

	s := &Summary{RunID: run.ID, Experiment: run.Experiment, Status: run.Status}
	for _, id := range run.Baselines {
		bs := byBaseline[id]
		switch {
		case bs.Recorded >= bs.Requested:
			bs.State = BaselineCompleted
		case bs.Recorded > 0:
			bs.State = BaselinePartial
		default:
			bs.State = BaselineSkipped
		}
		if n := coldN[id]; n > 0 {
			bs.MeanColdStart = coldSum[id] / time.Duration(n)
		}
		s.Baselines = append(s.Baselines, *bs)
	}
	return s, nil
}

func hasMissing(diags []string) bool {
	for _, d := range diags {
		if strings.HasPrefix(d, sample.DiagMissingPrefix) {
			return true
		}
	}
	return false
}

// Recorded returns the per-baseline record counts.
func (s *Summary) Recorded() map[string]int {
	out := make(map[string]int, len(s.Baselines))
	for _, b := range s.Baselines {
		out[b.Baseline] = b.Recorded
	}
	return out
}

// Baseline returns the summary of one baseline.
func (s *Summary) Baseline(id string) (BaselineSummary, bool) {
	for _, b := range s.Baselines {
		if b.Baseline == id {
			return b, true
		}
	}
	return BaselineSummary{}, false
}

// Print writes a human-readable summary grouped by state.
func (s *Summary) Print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "=== Run %s (%s): %s ===\n", s.RunID, s.Experiment, s.Status)
	groups := map[BaselineState][]BaselineSummary{}
	for _, b := range s.Baselines {
		groups[b.State] = append(groups[b.State], b)
	}
	for _, st := range []BaselineState{BaselineCompleted, BaselinePartial, BaselineSkipped} {
		bs := groups[st]
		if len(bs) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s:\n", st)
		for _, b := range bs {
			_, _ = fmt.Fprintf(w, "  %-10s %d/%d trials  timeouts=%d errors=%d missing=%d",
				b.Baseline, b.Recorded, b.Requested, b.Timeouts, b.Errors, b.Missing)
			if b.MeanColdStart > 0 {
				_, _ = fmt.Fprintf(w, "  mean cold start=%s", b.MeanColdStart.Round(time.Millisecond))
			}
			if b.ActivationError != "" {
				_, _ = fmt.Fprintf(w, "  activation: %s", b.ActivationError)
			}
			_, _ = fmt.Fprintln(w)
		}
	}
}
