package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/shell"

	"github.com/sc2-sys/sc2-exp/exp/experiment"
	"github.com/sc2-sys/sc2-exp/exp/store"
)

// plotCmd exports a run for the external aggregator and invokes it
var plotCmd = &cobra.Command{
	Use:   "plot",
	Short: "Export a run's records and hand them to the aggregator",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := setup(cmd)
		if err != nil {
			return err
		}
		runID, _ := cmd.Flags().GetString("run-id")
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(s.ResultsDir, runID, "plot")
		}

		st, err := s.openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		ctx, cancel := withTimeout(cmd, 10*time.Minute)
		defer cancel()
		return plot(ctx, st, runID, out, s.Aggregator, cmd)
	},
}

// plot writes the export into out and runs the aggregator command on it. Without an
// aggregator the run summary is printed instead.
func plot(ctx context.Context, st store.Store, runID, out, aggregator string, cmd *cobra.Command) error {
	run, err := st.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	csvPath, err := store.ExportRun(ctx, st, runID, out)
	if err != nil {
		return err
	}
	logrus.Infof("plot: exported %s", csvPath)

	if aggregator == "" {
		summary, err := experiment.Summarize(ctx, st, run)
		if err != nil {
			return err
		}
		summary.Print(cmd.OutOrStdout())
		return nil
	}

	argv, err := aggregatorArgs(aggregator, runID, out)
	if err != nil {
		return err
	}
	logrus.Infof("plot: running %v", argv)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	if err := c.Run(); err != nil {
		return fmt.Errorf("aggregator %s: %w", argv[0], err)
	}
	return nil
}

// aggregatorArgs splits the aggregator command with shell quoting rules. $RUN_ID,
// $EXPORT_DIR and $RECORDS_CSV are expanded; the export directory is appended as the
// last argument unless the command already references it.
func aggregatorArgs(aggregator, runID, dir string) ([]string, error) {
	referenced := false
	env := func(name string) string {
		switch name {
		case "RUN_ID":
			return runID
		case "EXPORT_DIR":
			referenced = true
			return dir
		case "RECORDS_CSV":
			referenced = true
			return filepath.Join(dir, store.ExportDataFile)
		}
		return os.Getenv(name)
	}
	argv, err := shell.Fields(aggregator, env)
	if err != nil {
		return nil, fmt.Errorf("parsing aggregator command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("aggregator command is empty")
	}
	if !referenced {
		argv = append(argv, dir)
	}
	return argv, nil
}

func init() {
	plotCmd.Flags().String("run-id", "", "Run to export")
	plotCmd.Flags().String("out", "", "Export directory (default <results-dir>/<run-id>/plot)")
	plotCmd.Flags().String("aggregator", "", "Command invoked with the export directory, e.g. \"python3 plot.py\"")
	_ = plotCmd.MarkFlagRequired("run-id")

	rootCmd.AddCommand(plotCmd)
}
