// Package store persists ResultRecords append-only, keyed by run, baseline and trial
// index, together with each run's manifest. Records are never rewritten; a re-run trial
// gets a fresh trial index.
package store

import (
	"context"
	"fmt"
	"iter"
	"regexp"

	"github.com/sc2-sys/sc2-exp/exp"
)

// Store is the Result Store contract shared by the file and SQL backends.
type Store interface {
	// Append persists a record. It fails with exp.ErrDuplicateRecord if the key exists
	// and with exp.ErrStoreUnavailable if the write could not be made durable.
	Append(ctx context.Context, rec exp.ResultRecord) error
	// Query returns a lazy sequence of the run's records, optionally filtered by
	// baseline (empty matches all). Each call starts over from the beginning.
	Query(ctx context.Context, runID, baseline string) iter.Seq2[exp.ResultRecord, error]
	// SaveRun writes the run manifest, replacing any previous version.
	SaveRun(ctx context.Context, run *exp.ExperimentRun) error
	// LoadRun reads a run manifest, failing with exp.ErrRunNotFound.
	LoadRun(ctx context.Context, runID string) (*exp.ExperimentRun, error)
	// Runs lists known run identifiers.
	Runs(ctx context.Context) ([]string, error)
	Close() error
}

var validRunID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateRunID rejects identifiers that are unsafe as directory names or keys.
func ValidateRunID(id string) error {
	if !validRunID.MatchString(id) {
		return fmt.Errorf("invalid run id %q: use letters, digits, '.', '_' or '-' (max 128)", id)
	}
	return nil
}

// Collect drains a query into a slice.
func Collect(seq iter.Seq2[exp.ResultRecord, error]) ([]exp.ResultRecord, error) {
	var out []exp.ResultRecord
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountByBaseline returns how many records each baseline has in a run and the highest
// trial index seen per baseline (absent when none).
func CountByBaseline(ctx context.Context, s Store, runID string) (counts map[string]int, maxIndex map[string]int, err error) {
	counts = make(map[string]int)
	maxIndex = make(map[string]int)
	for rec, qerr := range s.Query(ctx, runID, "") {
		if qerr != nil {
			return nil, nil, qerr
		}
		counts[rec.Baseline]++
		if cur, ok := maxIndex[rec.Baseline]; !ok || rec.TrialIndex > cur {
			maxIndex[rec.Baseline] = rec.TrialIndex
		}
	}
	return counts, maxIndex, nil
}
