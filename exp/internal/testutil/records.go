// Package testutil provides shared test infrastructure for the exp packages: record
// fixtures, a scripted control plane and a deterministic clock.
package testutil

import (
	"time"

	"github.com/sc2-sys/sc2-exp/exp"
)

// Epoch is the fixed reference time used by fixtures.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Record returns a successful record with a plausible timeline.
func Record(runID, baseline string, index int) exp.ResultRecord {
	cold := 2 * time.Second
	ready := 1800 * time.Millisecond
	start := Epoch.Add(time.Duration(index) * time.Minute)
	return exp.ResultRecord{
		RunID:      runID,
		Baseline:   baseline,
		TrialIndex: index,
		Replicas:   1,
		Events: []exp.Event{
			{Name: exp.EventDeployRequested, Timestamp: start, Source: "runner"},
			{Name: exp.EventPodReady, Timestamp: start.Add(ready), Source: "pod"},
			{Name: exp.EventFirstResponse, Timestamp: start.Add(cold), Source: "probe"},
		},
		DerivedLatencies: map[string]*time.Duration{
			"cold_start": &cold,
			"pod_ready":  &ready,
			"image_pull": nil,
		},
		Outcome:    exp.OutcomeSuccess,
		RecordedAt: start.Add(cold),
	}
}
