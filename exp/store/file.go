package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sc2-sys/sc2-exp/exp"
)

const (
	// RecordsFile holds one JSON-encoded ResultRecord per line.
	RecordsFile = "records.jsonl"
	// RunFile holds the run manifest.
	RunFile = "run.yaml"
)

// FileStore keeps one directory per run under root: run.yaml plus an append-only
// records.jsonl. Each append is fsynced before returning. Readers open the file
// independently and stop at a trailing partial line, so they tolerate a concurrent
// writer.
type FileStore struct {
	root string

	mu      sync.Mutex
	writers map[string]*os.File
	index   map[string]map[exp.RecordKey]bool
}

// OpenFile opens (creating if needed) a file-backed store rooted at dir.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, exp.StoreError("creating results directory", err)
	}
	return &FileStore{
		root:    dir,
		writers: make(map[string]*os.File),
		index:   make(map[string]map[exp.RecordKey]bool),
	}, nil
}

// RunDir returns the directory holding a run's files.
func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, rec exp.ResultRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ValidateRunID(rec.RunID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(ctx, rec.RunID)
	if err != nil {
		return err
	}
	key := rec.Key()
	if idx[key] {
		return &exp.DuplicateRecordError{Key: key}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}
	line = append(line, '\n')

	f, err := s.writer(rec.RunID)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return exp.StoreError("appending record "+key.String(), err)
	}
	if err := f.Sync(); err != nil {
		return exp.StoreError("syncing records", err)
	}
	idx[key] = true
	return nil
}

// loadIndex builds the duplicate-detection index for a run on first use.
// Must be called with mu held.
func (s *FileStore) loadIndex(ctx context.Context, runID string) (map[exp.RecordKey]bool, error) {
	if idx, ok := s.index[runID]; ok {
		return idx, nil
	}
	idx := make(map[exp.RecordKey]bool)
	for rec, err := range s.Query(ctx, runID, "") {
		if err != nil {
			return nil, err
		}
		idx[rec.Key()] = true
	}
	s.index[runID] = idx
	return idx, nil
}

// writer returns the append handle for a run, repairing a torn last line left by a
// crash so the next record starts on its own line. Must be called with mu held.
func (s *FileStore) writer(runID string) (*os.File, error) {
	if f, ok := s.writers[runID]; ok {
		return f, nil
	}
	if err := os.MkdirAll(s.RunDir(runID), 0o755); err != nil {
		return nil, exp.StoreError("creating run directory", err)
	}
	path := filepath.Join(s.RunDir(runID), RecordsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, exp.StoreError("opening records", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, exp.StoreError("stat records", err)
	}
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			_ = f.Close()
			return nil, exp.StoreError("reading records tail", err)
		}
		if last[0] != '\n' {
			logrus.Warnf("store: %s ends with a partial record; it will be ignored", path)
			if _, err := f.Write([]byte{'\n'}); err != nil {
				_ = f.Close()
				return nil, exp.StoreError("repairing records tail", err)
			}
		}
	}
	s.writers[runID] = f
	return f, nil
}

// Query implements Store.
func (s *FileStore) Query(ctx context.Context, runID, baseline string) iter.Seq2[exp.ResultRecord, error] {
	return func(yield func(exp.ResultRecord, error) bool) {
		if err := ValidateRunID(runID); err != nil {
			yield(exp.ResultRecord{}, err)
			return
		}
		f, err := os.Open(filepath.Join(s.RunDir(runID), RecordsFile))
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(exp.ResultRecord{}, exp.StoreError("opening records", err))
			return
		}
		defer func() { _ = f.Close() }()

		reader := bufio.NewReader(f)
		for lineNo := 1; ; lineNo++ {
			if err := ctx.Err(); err != nil {
				yield(exp.ResultRecord{}, err)
				return
			}
			line, err := reader.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				// an unterminated line is a write in progress (or torn by a crash)
				return
			}
			if err != nil {
				yield(exp.ResultRecord{}, exp.StoreError("reading records", err))
				return
			}
			if len(line) <= 1 {
				continue
			}
			var rec exp.ResultRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				if !json.Valid(line) {
					logrus.Warnf("store: skipping unreadable line %d of run %s", lineNo, runID)
					continue
				}
				yield(exp.ResultRecord{}, fmt.Errorf("decoding record at line %d: %w", lineNo, err))
				return
			}
			if baseline != "" && rec.Baseline != baseline {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// SaveRun implements Store. The manifest is replaced atomically.
func (s *FileStore) SaveRun(_ context.Context, run *exp.ExperimentRun) error {
	if err := ValidateRunID(run.ID); err != nil {
		return err
	}
	data, err := yaml.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run manifest: %w", err)
	}
	dir := s.RunDir(run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exp.StoreError("creating run directory", err)
	}
	tmp, err := os.CreateTemp(dir, RunFile+".*")
	if err != nil {
		return exp.StoreError("writing run manifest", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return exp.StoreError("writing run manifest", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return exp.StoreError("syncing run manifest", err)
	}
	if err := tmp.Close(); err != nil {
		return exp.StoreError("closing run manifest", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, RunFile)); err != nil {
		return exp.StoreError("replacing run manifest", err)
	}
	return nil
}

// LoadRun implements Store.
func (s *FileStore) LoadRun(_ context.Context, runID string) (*exp.ExperimentRun, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), RunFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", exp.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, exp.StoreError("reading run manifest", err)
	}
	var run exp.ExperimentRun
	if err := yaml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run manifest %s: %w", runID, err)
	}
	return &run, nil
}

// Runs implements Store.
func (s *FileStore) Runs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, exp.StoreError("listing runs", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), RunFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the open append handles.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, f := range s.writers {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing records for %s: %w", id, err))
		}
		delete(s.writers, id)
	}
	return errors.Join(errs...)
}
