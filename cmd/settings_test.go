package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("num-repeats", defaults["num-repeats"].(int), "")
	fs.Duration("per-trial-timeout", defaults["per-trial-timeout"].(time.Duration), "")
	fs.String("gate", defaults["gate"].(string), "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadSettings_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	// GIVEN no flags, environment or config file
	s, err := loadSettings(runFlags(t), "", "")

	// THEN the documented defaults apply
	require.NoError(t, err)
	assert.Equal(t, 3, s.Trials)
	assert.Equal(t, 1, s.Warmups)
	assert.Equal(t, 2*time.Minute, s.PerTrialTimeout)
	assert.Equal(t, 2*time.Second, s.PollInterval)
	assert.Equal(t, 5*time.Minute, s.ActivationTimeout)
	assert.Equal(t, 3, s.Retries)
	assert.Equal(t, 500*time.Millisecond, s.RetryBase)
	assert.Equal(t, "fail-fast", s.Gate)
	assert.Equal(t, "cold", s.Flavour)
	assert.Equal(t, "sc2", s.Namespace)
	assert.Equal(t, "helloworld-knative", s.Service)
	assert.Equal(t, "./results", s.ResultsDir)
	assert.Equal(t, "info", s.LogLevel)
}

func TestLoadSettings_Precedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	// GIVEN a config file, an env override and a flag
	cfg := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(cfg, []byte("num-repeats: 4\nnamespace: bench\nper-trial-timeout: 90s\n"), 0o644))
	t.Setenv("SC2_EXP_NAMESPACE", "from-env")
	t.Setenv("SC2_EXP_GATE", "block")

	// WHEN the flag sets num-repeats explicitly
	s, err := loadSettings(runFlags(t, "--num-repeats=7"), "", "")
	require.NoError(t, err)

	// THEN flag beats config, env beats config, config beats default
	assert.Equal(t, 7, s.Trials)
	assert.Equal(t, "from-env", s.Namespace)
	assert.Equal(t, "block", s.Gate)
	assert.Equal(t, 90*time.Second, s.PerTrialTimeout)
}

func TestLoadSettings_EnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SC2_EXP_SERVICE=from-dotenv\nSC2_EXP_LANES=2\n"), 0o644))
	t.Cleanup(func() {
		_ = os.Unsetenv("SC2_EXP_SERVICE")
		_ = os.Unsetenv("SC2_EXP_LANES")
	})

	// WHEN settings load with the env file
	s, err := loadSettings(nil, "", envFile)

	// THEN its variables are visible through the environment layer
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", s.Service)
	assert.Equal(t, 2, s.Lanes)
}

func TestLoadSettings_MissingEnvFileIgnored(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := loadSettings(nil, "", "does-not-exist.env")

	assert.NoError(t, err)
}

func TestLoadSettings_ExplicitConfigMissing_Fails(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := loadSettings(nil, "nope.yaml", "")

	assert.Error(t, err)
}

func TestOpenStore_FileBackendByDefault(t *testing.T) {
	s := &Settings{ResultsDir: t.TempDir()}

	st, err := s.openStore()

	require.NoError(t, err)
	assert.NoError(t, st.Close())
}
