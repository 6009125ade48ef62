package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/sample"
)

// Export file names written by ExportRun.
const (
	ExportHeaderFile = "run.yaml"
	ExportDataFile   = "records.csv"
)

// latencyColumns are exported in milliseconds; empty when the latency is nil.
var latencyColumns = []string{
	sample.LatencyColdStart,
	sample.LatencyPodReady,
	sample.LatencyReadyToResponse,
	sample.LatencyScheduling,
	sample.LatencySandbox,
	sample.LatencyImagePull,
}

// Columns returns the CSV header row.
func Columns() []string {
	cols := []string{"run_id", "baseline", "trial_index", "replicas", "outcome"}
	for _, l := range latencyColumns {
		cols = append(cols, l+"_ms")
	}
	for _, m := range exp.Milestones {
		cols = append(cols, string(m)+"_us")
	}
	return append(cols, "diagnostics", "error")
}

// WriteCSV writes records as CSV. Milestone timestamps are unix microseconds with
// integer formatting; missing values are empty cells.
func WriteCSV(w io.Writer, records []exp.ResultRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns()); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.RunID,
			r.Baseline,
			strconv.Itoa(r.TrialIndex),
			strconv.Itoa(r.Replicas),
			string(r.Outcome),
		}
		for _, l := range latencyColumns {
			row = append(row, formatMillis(r.DerivedLatencies[l]))
		}
		for _, m := range exp.Milestones {
			cell := ""
			if ev, ok := exp.Find(r.Events, m); ok {
				cell = strconv.FormatInt(ev.Timestamp.UnixMicro(), 10)
			}
			row = append(row, cell)
		}
		row = append(row, strings.Join(r.Diagnostics, ";"), r.Error)
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row %s: %w", r.Key(), err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatMillis(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return strconv.FormatFloat(float64(*d)/float64(time.Millisecond), 'f', 3, 64)
}

// ExportRun writes a run's manifest (YAML) and records (CSV) into dir and returns the
// CSV path.
func ExportRun(ctx context.Context, s Store, runID, dir string) (string, error) {
	run, err := s.LoadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	records, err := Collect(s.Query(ctx, runID, ""))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	header, err := yaml.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshaling run header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ExportHeaderFile), header, 0o644); err != nil {
		return "", fmt.Errorf("writing run header: %w", err)
	}

	dataPath := filepath.Join(dir, ExportDataFile)
	file, err := os.Create(dataPath)
	if err != nil {
		return "", fmt.Errorf("creating export data file: %w", err)
	}
	defer func() { _ = file.Close() }()
	if err := WriteCSV(file, records); err != nil {
		return "", err
	}
	return dataPath, nil
}
