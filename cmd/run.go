package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
	"github.com/sc2-sys/sc2-exp/exp/experiment"
	"github.com/sc2-sys/sc2-exp/exp/platform"
	"github.com/sc2-sys/sc2-exp/exp/store"
	"github.com/sc2-sys/sc2-exp/exp/trial"
)

// runCmd executes or resumes an experiment run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run (or resume) a cold-start experiment over a set of baselines",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := setup(cmd)
		if err != nil {
			return err
		}
		ids, _ := cmd.Flags().GetStringSlice("baseline")
		runID, _ := cmd.Flags().GetString("run-id")

		reg, err := loadRegistry(s)
		if err != nil {
			return err
		}
		plan, err := buildPlan(s, reg, ids, runID, time.Now())
		if err != nil {
			return err
		}

		st, err := s.openStore()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := st.Close(); cerr != nil {
				logrus.Warnf("closing result store: %v", cerr)
			}
		}()
		orch, err := newOrchestrator(s, plan, st)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logrus.Infof("run %s: results in %s", plan.RunID, storeLocation(s))
		summary, err := orch.Run(ctx, plan)
		if summary != nil {
			summary.Print(cmd.OutOrStdout())
		}
		if err != nil {
			return err
		}
		if summary.Status != exp.RunCompleted {
			return errPartialFailure
		}
		return nil
	},
}

func loadRegistry(s *Settings) (*baseline.Registry, error) {
	if s.Catalog == "" {
		return baseline.Default(), nil
	}
	return baseline.LoadCatalog(s.Catalog, baseline.Default())
}

// buildPlan validates the requested run against the settings.
func buildPlan(s *Settings, reg *baseline.Registry, ids []string, runID string, now time.Time) (experiment.Plan, error) {
	if !exp.IsValidExperiment(s.Experiment) {
		return experiment.Plan{}, fmt.Errorf("unknown experiment %q (valid: %s, %s)", s.Experiment, exp.ExperimentStartUp, exp.ExperimentScaleOut)
	}
	if !exp.IsValidFlavour(s.Flavour) {
		return experiment.Plan{}, fmt.Errorf("unknown flavour %q (valid: %s, %s)", s.Flavour, exp.FlavourCold, exp.FlavourWarm)
	}
	if !platform.IsValidGateMode(s.Gate) {
		return experiment.Plan{}, fmt.Errorf("unknown gate mode %q (valid: %s, %s)", s.Gate, platform.GateFailFast, platform.GateBlock)
	}
	baselines, err := reg.Select(ids)
	if err != nil {
		return experiment.Plan{}, err
	}
	kind := exp.ExperimentKind(s.Experiment)
	if runID == "" {
		runID = experiment.NewRunID(kind, now)
	}
	plan := experiment.Plan{
		RunID:              runID,
		Experiment:         kind,
		Baselines:          baselines,
		Trials:             s.Trials,
		Warmups:            s.Warmups,
		PerTrialTimeout:    s.PerTrialTimeout,
		Lanes:              s.Lanes,
		Cooldown:           s.BaselineCooldown,
		ActivationAttempts: s.ActivationRetries,
		ActivationBackoff:  s.ActivationBackoff,
	}
	return plan, plan.Validate()
}

// newOrchestrator wires the run's orchestrator. With one lane all baselines share the
// configured service; with more, every baseline gets its own service in the namespace
// <namespace>-<baseline> and its own controller.
func newOrchestrator(s *Settings, plan experiment.Plan, st store.Store) (*experiment.Orchestrator, error) {
	if plan.Lanes <= 1 {
		cp, err := newControlPlane(s, s.Namespace)
		if err != nil {
			return nil, err
		}
		activator, runner := newLane(s, plan, cp)
		return experiment.New(st, activator, runner), nil
	}
	if s.Template != "" {
		if _, err := platform.LoadTemplate(s.Template); err != nil {
			return nil, err
		}
	}
	lanes := func(b baseline.Baseline) (experiment.Lane, error) {
		cp, err := newControlPlane(s, laneNamespace(s.Namespace, b))
		if err != nil {
			return experiment.Lane{}, err
		}
		activator, runner := newLane(s, plan, cp)
		return experiment.Lane{Activator: activator, Runner: runner}, nil
	}
	return experiment.NewIsolated(st, lanes), nil
}

// laneNamespace is the namespace holding a baseline's service when lanes run in parallel.
func laneNamespace(namespace string, b baseline.Baseline) string {
	return namespace + "-" + string(b.ID)
}

func newLane(s *Settings, plan experiment.Plan, cp platform.ControlPlane) (*platform.Controller, *trial.Runner) {
	controller := platform.NewController(cp, platform.ControllerOptions{
		Timeout:      s.ActivationTimeout,
		PollInterval: s.PollInterval,
		CallTimeout:  s.CallTimeout,
		Gate:         platform.GateMode(s.Gate),
	})
	runner := trial.NewRunner(cp, trial.NewHTTPProbe(s.ProbeInterval, s.CallTimeout), trial.Options{
		Experiment:        plan.Experiment,
		Flavour:           exp.Flavour(s.Flavour),
		ScaleOutReplicas:  s.ScaleUpRange,
		PollInterval:      s.PollInterval,
		QuiescenceTimeout: s.QuiescenceTimeout,
		Retry: trial.RetryPolicy{
			Attempts:    s.Retries,
			Base:        s.RetryBase,
			CallTimeout: s.CallTimeout,
		},
	})
	return controller, runner
}

func newControlPlane(s *Settings, namespace string) (*platform.Kubectl, error) {
	k := platform.NewKubectl(platform.ServiceRef{Name: s.Service, Namespace: namespace, Image: s.Image})
	if s.Template != "" {
		tmpl, err := platform.LoadTemplate(s.Template)
		if err != nil {
			return nil, err
		}
		k.Template = tmpl
	}
	if s.Journal {
		k.Journal = platform.ExecRunner{}
	}
	return k, nil
}

func storeLocation(s *Settings) string {
	if s.StoreDSN != "" {
		return "mysql store"
	}
	return s.ResultsDir
}

// withTimeout is used by subcommands that talk to the store outside a run.
func withTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), d)
}

func init() {
	f := runCmd.Flags()
	f.StringSlice("baseline", nil, "Baselines to measure, in order (comma-separated or repeated)")
	f.String("run-id", "", "Run identifier; re-using one resumes that run (default <experiment>-<date>-<uuid>)")
	f.String("experiment", defaults["experiment"].(string), "Experiment kind (start-up, scale-out)")
	f.String("flavour", defaults["flavour"].(string), "Start-up flavour: cold evicts the image before every trial, warm keeps it (cold, warm)")
	f.Int("num-repeats", defaults["num-repeats"].(int), "Recorded trials per baseline")
	f.Int("num-warmup-repeats", defaults["num-warmup-repeats"].(int), "Discarded warm-up trials per baseline")
	f.Int("scale-up-range", defaults["scale-up-range"].(int), "Replicas requested by scale-out trials")
	f.Duration("per-trial-timeout", defaults["per-trial-timeout"].(time.Duration), "Bound on a single trial")
	f.Duration("poll-interval", defaults["poll-interval"].(time.Duration), "Interval between control-plane polls")
	f.Duration("probe-interval", defaults["probe-interval"].(time.Duration), "Interval between first-response probes")
	f.Duration("activation-timeout", defaults["activation-timeout"].(time.Duration), "Bound on baseline activation convergence")
	f.Duration("quiescence-timeout", defaults["quiescence-timeout"].(time.Duration), "Bound on waiting for zero replicas before a trial")
	f.Duration("call-timeout", defaults["call-timeout"].(time.Duration), "Bound on a single control-plane call")
	f.Int("retries", defaults["retries"].(int), "Attempts per control-plane call within a trial")
	f.Duration("retry-base", defaults["retry-base"].(time.Duration), "Initial backoff between control-plane call attempts")
	f.Int("activation-attempts", defaults["activation-attempts"].(int), "Activation attempts before a baseline is abandoned")
	f.Duration("activation-backoff", defaults["activation-backoff"].(time.Duration), "Initial backoff between activation attempts")
	f.Duration("baseline-cooldown", defaults["baseline-cooldown"].(time.Duration), "Pause before activating each baseline after the first")
	f.String("gate", defaults["gate"].(string), "Behaviour on concurrent activation (fail-fast, block)")
	f.Int("lanes", defaults["lanes"].(int), "Baselines processed concurrently; above 1 each baseline uses namespace <namespace>-<baseline>")
	f.String("namespace", defaults["namespace"].(string), "Kubernetes namespace of the service")
	f.String("service", defaults["service"].(string), "Knative service name")
	f.String("image", defaults["image"].(string), "Container image of the service")
	f.String("template", "", "Knative service manifest template (default built-in)")
	f.String("catalog", "", "YAML file overriding baseline platform configuration")
	f.Bool("journal", false, "Read containerd's journal for sandbox and image pull timings")
	_ = runCmd.MarkFlagRequired("baseline")

	rootCmd.AddCommand(runCmd)
}
