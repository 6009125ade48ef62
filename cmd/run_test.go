package cmd

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
	"github.com/sc2-sys/sc2-exp/exp/store"
)

func testSettings() *Settings {
	return &Settings{
		Experiment:        "start-up",
		Flavour:           "cold",
		Trials:            3,
		Warmups:           1,
		PerTrialTimeout:   time.Minute,
		Gate:              "fail-fast",
		Lanes:             1,
		ActivationRetries: 3,
		ActivationBackoff: time.Second,
		Namespace:         "sc2",
		Service:           "helloworld-knative",
	}
}

func TestBuildPlan_ResolvesBaselinesInOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	plan, err := buildPlan(testSettings(), baseline.Default(), []string{"snp", "runc", "snp"}, "", now)

	require.NoError(t, err)
	require.Len(t, plan.Baselines, 2)
	assert.Equal(t, baseline.SNP, plan.Baselines[0].ID)
	assert.Equal(t, baseline.Runc, plan.Baselines[1].ID)
	assert.True(t, strings.HasPrefix(plan.RunID, "start-up-20240501-"), plan.RunID)
	assert.Equal(t, 3, plan.Trials)
}

func TestBuildPlan_UnknownBaseline(t *testing.T) {
	_, err := buildPlan(testSettings(), baseline.Default(), []string{"runc", "gvisor"}, "r1", time.Now())

	require.Error(t, err)
	assert.True(t, errors.Is(err, exp.ErrUnknownBaseline))
}

func TestBuildPlan_RejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"experiment", func(s *Settings) { s.Experiment = "warm-start" }},
		{"gate", func(s *Settings) { s.Gate = "queue" }},
		{"flavour", func(s *Settings) { s.Flavour = "hot" }},
		{"lanes", func(s *Settings) { s.Lanes = -1 }},
		{"trials", func(s *Settings) { s.Trials = 0 }},
		{"timeout", func(s *Settings) { s.PerTrialTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			tt.mutate(s)

			_, err := buildPlan(s, baseline.Default(), []string{"runc"}, "r1", time.Now())

			assert.Error(t, err)
		})
	}
}

func TestNewControlPlane_AppliesSettings(t *testing.T) {
	s := testSettings()
	s.Journal = true

	k, err := newControlPlane(s, "sc2")

	require.NoError(t, err)
	assert.Equal(t, "helloworld-knative", k.Service.Name)
	assert.Equal(t, "sc2", k.Service.Namespace)
	assert.NotNil(t, k.Journal)
	assert.NotNil(t, k.Template)
}

func TestNewControlPlane_MissingTemplate(t *testing.T) {
	s := testSettings()
	s.Template = "/nonexistent/ksvc.yaml"

	_, err := newControlPlane(s, "sc2")

	assert.Error(t, err)
}

func TestNewOrchestrator_SharedAndIsolated(t *testing.T) {
	st, err := store.OpenFile(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, lanes := range []int{1, 3} {
		s := testSettings()
		s.Lanes = lanes
		plan, err := buildPlan(s, baseline.Default(), []string{"runc", "snp", "tdx"}, "r1", time.Now())
		require.NoError(t, err)

		orch, err := newOrchestrator(s, plan, st)

		require.NoError(t, err, "lanes=%d", lanes)
		assert.NotNil(t, orch)
	}
}

func TestNewOrchestrator_IsolatedLanesCheckTemplate(t *testing.T) {
	s := testSettings()
	s.Lanes = 2
	s.Template = "/nonexistent/ksvc.yaml"
	plan, err := buildPlan(s, baseline.Default(), []string{"runc", "snp"}, "r1", time.Now())
	require.NoError(t, err)

	_, err = newOrchestrator(s, plan, nil)

	assert.Error(t, err)
}

func TestLaneNamespace(t *testing.T) {
	b, err := baseline.Default().Lookup("snp-sc2")
	require.NoError(t, err)

	assert.Equal(t, "sc2-snp-sc2", laneNamespace("sc2", b))
}
