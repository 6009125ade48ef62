package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sc2-sys/sc2-exp/exp/platform"
	"github.com/sc2-sys/sc2-exp/exp/store"
)

// EnvPrefix namespaces environment overrides, e.g. SC2_EXP_NUM_REPEATS=5.
const EnvPrefix = "SC2_EXP"

// DefaultConfigFile is read from the working directory when present.
const DefaultConfigFile = "sc2-exp.yaml"

// Settings is the resolved configuration of one command invocation. Precedence is
// flag, then environment (SC2_EXP_*, after .env), then config file, then default.
type Settings struct {
	LogLevel   string
	ResultsDir string
	StoreDSN   string

	Namespace string
	Service   string
	Image     string
	Template  string
	Catalog   string
	Journal   bool

	Experiment        string
	Flavour           string
	Trials            int
	Warmups           int
	ScaleUpRange      int
	PerTrialTimeout   time.Duration
	PollInterval      time.Duration
	ProbeInterval     time.Duration
	ActivationTimeout time.Duration
	QuiescenceTimeout time.Duration
	CallTimeout       time.Duration
	Retries           int
	RetryBase         time.Duration
	ActivationRetries int
	ActivationBackoff time.Duration
	BaselineCooldown  time.Duration
	Gate              string
	Lanes             int

	Aggregator string
	Listen     string
}

// defaults keyed by flag name.
var defaults = map[string]any{
	"log":                 "info",
	"results-dir":         "./results",
	"store-dsn":           "",
	"namespace":           "sc2",
	"service":             "helloworld-knative",
	"image":               platform.DefaultImage,
	"template":            "",
	"catalog":             "",
	"journal":             false,
	"experiment":          "start-up",
	"flavour":             "cold",
	"num-repeats":         3,
	"num-warmup-repeats":  1,
	"scale-up-range":      4,
	"per-trial-timeout":   2 * time.Minute,
	"poll-interval":       2 * time.Second,
	"probe-interval":      100 * time.Millisecond,
	"activation-timeout":  5 * time.Minute,
	"quiescence-timeout":  3 * time.Minute,
	"call-timeout":        30 * time.Second,
	"retries":             3,
	"retry-base":          500 * time.Millisecond,
	"activation-attempts": 3,
	"activation-backoff":  5 * time.Second,
	"baseline-cooldown":   time.Duration(0),
	"gate":                "fail-fast",
	"lanes":               1,
	"aggregator":          "",
	"listen":              ":8080",
}

// loadEnvFile loads KEY=VALUE pairs into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// loadSettings layers defaults, config file, environment and the command's flags.
func loadSettings(flags *pflag.FlagSet, configPath, envFile string) (*Settings, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			configPath = DefaultConfigFile
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	s := &Settings{
		LogLevel:          v.GetString("log"),
		ResultsDir:        v.GetString("results-dir"),
		StoreDSN:          v.GetString("store-dsn"),
		Namespace:         v.GetString("namespace"),
		Service:           v.GetString("service"),
		Image:             v.GetString("image"),
		Template:          v.GetString("template"),
		Catalog:           v.GetString("catalog"),
		Journal:           v.GetBool("journal"),
		Experiment:        v.GetString("experiment"),
		Flavour:           v.GetString("flavour"),
		Trials:            v.GetInt("num-repeats"),
		Warmups:           v.GetInt("num-warmup-repeats"),
		ScaleUpRange:      v.GetInt("scale-up-range"),
		PerTrialTimeout:   v.GetDuration("per-trial-timeout"),
		PollInterval:      v.GetDuration("poll-interval"),
		ProbeInterval:     v.GetDuration("probe-interval"),
		ActivationTimeout: v.GetDuration("activation-timeout"),
		QuiescenceTimeout: v.GetDuration("quiescence-timeout"),
		CallTimeout:       v.GetDuration("call-timeout"),
		Retries:           v.GetInt("retries"),
		RetryBase:         v.GetDuration("retry-base"),
		ActivationRetries: v.GetInt("activation-attempts"),
		ActivationBackoff: v.GetDuration("activation-backoff"),
		BaselineCooldown:  v.GetDuration("baseline-cooldown"),
		Gate:              v.GetString("gate"),
		Lanes:             v.GetInt("lanes"),
		Aggregator:        v.GetString("aggregator"),
		Listen:            v.GetString("listen"),
	}
	return s, nil
}

// openStore opens the SQL store when a DSN is configured, the file store otherwise.
func (s *Settings) openStore() (store.Store, error) {
	if s.StoreDSN != "" {
		return store.OpenSQL(s.StoreDSN)
	}
	return store.OpenFile(s.ResultsDir)
}
