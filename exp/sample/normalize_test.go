package sample

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sc2-sys/sc2-exp/exp"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func fullTrial() exp.Trial {
	b := exp.NewTrialBuilder("snp", 2, 1)
	b.Record(exp.EventDeployRequested, at(0), "runner")
	b.Record(exp.EventPodCreated, at(100), "pod")
	b.Record(exp.EventImagePullStart, at(300), "journal")
	b.Record(exp.EventImagePullEnd, at(1300), "journal")
	b.Record(exp.EventPodReady, at(2000), "pod")
	b.Record(exp.EventFirstResponse, at(2150), "probe")
	return b.Finish(exp.OutcomeSuccess, nil)
}

func TestNormalize_ComputesNamedAndConsecutiveLatencies(t *testing.T) {
	// GIVEN a trial with every required milestone
	tr := fullTrial()

	// WHEN normalized
	rec, err := Normalize("run-1", tr)

	// THEN latencies are derived from the milestones
	require.NoError(t, err)
	assert.Equal(t, exp.RecordKey{RunID: "run-1", Baseline: "snp", TrialIndex: 2}, rec.Key())
	cold, ok := rec.Latency(LatencyColdStart)
	require.True(t, ok)
	assert.Equal(t, 2150*time.Millisecond, cold)
	pull, ok := rec.Latency(LatencyImagePull)
	require.True(t, ok)
	assert.Equal(t, time.Second, pull)
	gap, ok := rec.Latency("image_pull_end_to_pod_ready")
	require.True(t, ok)
	assert.Equal(t, 700*time.Millisecond, gap)
	// AND spans whose milestones are absent are nil, not dropped
	_, ok = rec.Latency(LatencySandbox)
	assert.False(t, ok)
	assert.Contains(t, rec.DerivedLatencies, LatencySandbox)
	assert.Empty(t, rec.Diagnostics)
}

func TestNormalize_MissingPodReady_RecordKeptWithDiagnostic(t *testing.T) {
	// GIVEN a timed-out trial that never saw pod_ready
	b := exp.NewTrialBuilder("runc", 0, 1)
	b.Record(exp.EventDeployRequested, at(0), "runner")
	b.Record(exp.EventPodCreated, at(50), "pod")
	tr := b.Finish(exp.OutcomeTimeout, exp.ErrTrialTimeout)

	// WHEN normalized
	rec, err := Normalize("run-1", tr)

	// THEN MissingEvent is reported but the record is usable
	require.Error(t, err)
	assert.True(t, errors.Is(err, exp.ErrMissingEvent))
	var missing *exp.MissingEventError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []exp.EventName{exp.EventPodReady, exp.EventFirstResponse}, missing.Missing)

	assert.Equal(t, exp.OutcomeTimeout, rec.Outcome)
	assert.Nil(t, rec.DerivedLatencies[LatencyColdStart])
	assert.Nil(t, rec.DerivedLatencies[LatencyPodReady])
	assert.Contains(t, rec.Diagnostics, "missing:pod_ready")
	assert.Len(t, rec.Events, 2)
}

func TestNormalize_ClampsOutOfOrderMilestones(t *testing.T) {
	// GIVEN pod_ready reported (second granularity) before the journal's pull end
	b := exp.NewTrialBuilder("kata", 0, 1)
	b.Record(exp.EventDeployRequested, at(0), "runner")
	b.Record(exp.EventImagePullStart, at(200), "journal")
	b.Record(exp.EventImagePullEnd, at(1400), "journal")
	b.Record(exp.EventPodReady, at(1000), "pod")
	b.Record(exp.EventFirstResponse, at(1600), "probe")
	tr := b.Finish(exp.OutcomeSuccess, nil)

	rec, err := Normalize("run-1", tr)
	require.NoError(t, err)

	// THEN milestone timestamps are non-decreasing in cold-start order
	assertMilestonesOrdered(t, rec)
	assert.Contains(t, rec.Diagnostics, "clamped:pod_ready")
	ready, _ := exp.Find(rec.Events, exp.EventPodReady)
	assert.Equal(t, at(1400), ready.Timestamp)
}

func TestNormalize_CarriesWarningsAndErrors(t *testing.T) {
	b := exp.NewTrialBuilder("tdx", 5, 1)
	b.Warn("not_quiescent")
	b.Record(exp.EventDeployRequested, at(0), "runner")
	tr := b.Finish(exp.OutcomeError, errors.New("kubectl: connection refused"))

	rec, err := Normalize("run-2", tr)
	assert.Error(t, err)
	assert.Equal(t, exp.OutcomeError, rec.Outcome)
	assert.Equal(t, "kubectl: connection refused", rec.Error)
	assert.Contains(t, rec.Diagnostics, "not_quiescent")
}

func assertMilestonesOrdered(t *testing.T, rec exp.ResultRecord) {
	t.Helper()
	var last time.Time
	for _, m := range exp.Milestones {
		e, ok := exp.Find(rec.Events, m)
		if !ok {
			continue
		}
		assert.False(t, e.Timestamp.Before(last), "%s at %v precedes previous milestone at %v", m, e.Timestamp, last)
		last = e.Timestamp
	}
}
