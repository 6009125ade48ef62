package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/store"
)

var fixtureEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixtureRecord(runID, baseline string, index int) exp.ResultRecord {
	cold := 2 * time.Second
	start := fixtureEpoch.Add(time.Duration(index) * time.Minute)
	return exp.ResultRecord{
		RunID:      runID,
		Baseline:   baseline,
		TrialIndex: index,
		Replicas:   1,
		Events: []exp.Event{
			{Name: exp.EventDeployRequested, Timestamp: start, Source: "runner"},
			{Name: exp.EventFirstResponse, Timestamp: start.Add(cold), Source: "probe"},
		},
		DerivedLatencies: map[string]*time.Duration{"cold_start": &cold},
		Outcome:          exp.OutcomeSuccess,
		RecordedAt:       start.Add(cold),
	}
}

// seedRun writes a completed run with two records per baseline into a file store.
func seedRun(t *testing.T, runID string, baselines ...string) *store.FileStore {
	t.Helper()
	st, err := store.OpenFile(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	run := exp.NewExperimentRun(runID, exp.ExperimentStartUp, baselines, 2, fixtureEpoch)
	recorded := make(map[string]int)
	for _, b := range baselines {
		for i := 0; i < 2; i++ {
			require.NoError(t, st.Append(ctx, fixtureRecord(runID, b, i)))
			recorded[b]++
		}
	}
	require.NoError(t, run.MarkRunning(fixtureEpoch))
	run.Finalize(recorded, fixtureEpoch)
	require.NoError(t, st.SaveRun(ctx, run))
	return st
}
