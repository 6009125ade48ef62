package baseline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sc2-sys/sc2-exp/exp"
)

func TestDefault_EveryBaselineHasConsistentFlags(t *testing.T) {
	r := Default()
	for _, b := range r.List() {
		cfg, err := r.Resolve(string(b.ID))
		require.NoError(t, err)
		assert.False(t, cfg.SNP && cfg.TDX, "%s claims two confidential-computing modes", b.ID)
		if cfg.Confidential() {
			assert.True(t, cfg.VMIsolated, "%s is confidential without vm isolation", b.ID)
		}
		assert.NoError(t, cfg.Validate())
	}
}

func TestDefault_CanonicalOrder(t *testing.T) {
	assert.Equal(t, []string{"runc", "kata", "snp", "snp-sc2", "tdx", "tdx-sc2"}, Default().IDs())
}

func TestResolve_UnknownBaseline(t *testing.T) {
	_, err := Default().Resolve("gvisor")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exp.ErrUnknownBaseline))
	assert.Contains(t, err.Error(), "gvisor")
}

func TestNewRegistry_RejectsInvalidConfigurations(t *testing.T) {
	tests := []struct {
		name string
		in   []Baseline
	}{
		{"two cc modes", []Baseline{{ID: "x", Config: Config{RuntimeClass: "k", VMIsolated: true, SNP: true, TDX: true}}}},
		{"cc without vm", []Baseline{{ID: "x", Config: Config{RuntimeClass: "k", SNP: true}}}},
		{"sc2 without cc", []Baseline{{ID: "x", Config: Config{RuntimeClass: "k", VMIsolated: true, SC2: true}}}},
		{"vm without runtime class", []Baseline{{ID: "x", Config: Config{VMIsolated: true}}}},
		{"duplicate id", []Baseline{{ID: "x"}, {ID: "x"}}},
		{"empty id", []Baseline{{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.in...)
			assert.Error(t, err)
		})
	}
}

func TestSelect_KeepsRequestOrderAndDropsRepeats(t *testing.T) {
	got, err := Default().Select([]string{"snp", "runc", "snp", " "})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, SNP, got[0].ID)
	assert.Equal(t, Runc, got[1].ID)

	_, err = Default().Select([]string{"runc", "nope"})
	assert.True(t, errors.Is(err, exp.ErrUnknownBaseline))
}

func TestLoadCatalog_OverridesRuntimeClass(t *testing.T) {
	// GIVEN a catalog renaming the snp runtime class
	path := filepath.Join(t.TempDir(), "baselines.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baselines:\n  snp:\n    runtime_class: kata-qemu-snp-dev\n"), 0o644))

	// WHEN loaded on top of the defaults
	r, err := LoadCatalog(path, Default())
	require.NoError(t, err)

	// THEN only the override changes
	cfg, err := r.Resolve("snp")
	require.NoError(t, err)
	assert.Equal(t, "kata-qemu-snp-dev", cfg.RuntimeClass)
	assert.True(t, cfg.SNP)
	kata, _ := r.Resolve("kata")
	assert.Equal(t, "kata-qemu", kata.RuntimeClass)
}

func TestLoadCatalog_RejectsConflictsTyposAndUnknownIDs(t *testing.T) {
	cases := map[string]string{
		"conflict": "baselines:\n  snp:\n    tdx: true\n",
		"typo":     "baselines:\n  snp:\n    runtimeclass: x\n",
		"unknown":  "baselines:\n  gvisor:\n    runtime_class: runsc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "baselines.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadCatalog(path, Default())
			assert.Error(t, err)
		})
	}
}
