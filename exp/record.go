package exp

import (
	"fmt"
	"time"
)

// RecordKey identifies a ResultRecord. At most one record exists per key.
type RecordKey struct {
	RunID      string
	Baseline   string
	TrialIndex int
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.RunID, k.Baseline, k.TrialIndex)
}

// ResultRecord is the persisted form of a Trial plus derived latencies.
// A nil entry in DerivedLatencies means the latency could not be computed because
// one of its milestones is missing; Diagnostics says which.
type ResultRecord struct {
	RunID            string                    `json:"run_id"`
	Baseline         string                    `json:"baseline"`
	TrialIndex       int                       `json:"trial_index"`
	Replicas         int                       `json:"replicas,omitempty"`
	Events           []Event                   `json:"events"`
	DerivedLatencies map[string]*time.Duration `json:"derived_latencies"`
	Outcome          Outcome                   `json:"outcome"`
	Diagnostics      []string                  `json:"diagnostics,omitempty"`
	Error            string                    `json:"error,omitempty"`
	RecordedAt       time.Time                 `json:"recorded_at"`
}

// Key returns the record's identity.
func (r ResultRecord) Key() RecordKey {
	return RecordKey{RunID: r.RunID, Baseline: r.Baseline, TrialIndex: r.TrialIndex}
}

// Latency returns a derived latency and whether it was computed.
func (r ResultRecord) Latency(name string) (time.Duration, bool) {
	d, ok := r.DerivedLatencies[name]
	if !ok || d == nil {
		return 0, false
	}
	return *d, true
}

// Validate checks the record's identity fields and outcome.
func (r ResultRecord) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("record has empty run id")
	}
	if r.Baseline == "" {
		return fmt.Errorf("record %s has empty baseline", r.Key())
	}
	if r.TrialIndex < 0 {
		return fmt.Errorf("record %s has negative trial index", r.Key())
	}
	if !IsValidOutcome(string(r.Outcome)) {
		return fmt.Errorf("record %s has unknown outcome %q", r.Key(), r.Outcome)
	}
	return nil
}
