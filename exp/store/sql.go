package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sc2-sys/sc2-exp/exp"
)

// recordRow is the SQL form of a ResultRecord. The record itself is kept as a JSON
// payload; the key columns carry the uniqueness constraint.
type recordRow struct {
	ID         uint      `gorm:"primarykey"`
	RunID      string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_record_key,priority:1"`
	Baseline   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_record_key,priority:2"`
	TrialIndex int       `gorm:"not null;uniqueIndex:idx_record_key,priority:3"`
	Outcome    string    `gorm:"type:varchar(20);index"`
	Payload    string    `gorm:"type:mediumtext;not null"`
	CreatedAt  time.Time
}

func (recordRow) TableName() string { return "result_records" }

// runRow stores a run manifest.
type runRow struct {
	RunID      string `gorm:"primaryKey;type:varchar(128)"`
	Experiment string `gorm:"type:varchar(20)"`
	Status     string `gorm:"type:varchar(20);index"`
	Payload    string `gorm:"type:text;not null"`
	UpdatedAt  time.Time
}

func (runRow) TableName() string { return "experiment_runs" }

// SQLStore persists records in MySQL through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL connects to a MySQL DSN (go-sql-driver format) and migrates the schema.
func OpenSQL(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, exp.StoreError("connecting to database", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&recordRow{}, &runRow{}); err != nil {
		return nil, exp.StoreError("migrating schema", err)
	}
	return &SQLStore{db: db}, nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, rec exp.ResultRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ValidateRunID(rec.RunID); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.Key(), err)
	}
	row := recordRow{
		RunID:      rec.RunID,
		Baseline:   rec.Baseline,
		TrialIndex: rec.TrialIndex,
		Outcome:    string(rec.Outcome),
		Payload:    string(payload),
	}
	err = s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &exp.DuplicateRecordError{Key: rec.Key()}
	}
	if err != nil {
		return exp.StoreError("inserting record "+rec.Key().String(), err)
	}
	return nil
}

// Query implements Store. Rows come back in insertion order.
func (s *SQLStore) Query(ctx context.Context, runID, baseline string) iter.Seq2[exp.ResultRecord, error] {
	return func(yield func(exp.ResultRecord, error) bool) {
		q := s.db.WithContext(ctx).Model(&recordRow{}).Where("run_id = ?", runID)
		if baseline != "" {
			q = q.Where("baseline = ?", baseline)
		}
		rows, err := q.Order("id").Rows()
		if err != nil {
			yield(exp.ResultRecord{}, exp.StoreError("querying records", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var row recordRow
			if err := s.db.ScanRows(rows, &row); err != nil {
				yield(exp.ResultRecord{}, exp.StoreError("scanning record", err))
				return
			}
			var rec exp.ResultRecord
			if err := json.Unmarshal([]byte(row.Payload), &rec); err != nil {
				yield(exp.ResultRecord{}, fmt.Errorf("decoding record %d: %w", row.ID, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(exp.ResultRecord{}, exp.StoreError("iterating records", err))
		}
	}
}

// SaveRun implements Store.
func (s *SQLStore) SaveRun(ctx context.Context, run *exp.ExperimentRun) error {
	if err := ValidateRunID(run.ID); err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run manifest: %w", err)
	}
	row := runRow{
		RunID:      run.ID,
		Experiment: string(run.Experiment),
		Status:     string(run.Status),
		Payload:    string(payload),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return exp.StoreError("saving run manifest", err)
	}
	return nil
}

// LoadRun implements Store.
func (s *SQLStore) LoadRun(ctx context.Context, runID string) (*exp.ExperimentRun, error) {
	var row runRow
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", exp.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, exp.StoreError("loading run manifest", err)
	}
	var run exp.ExperimentRun
	if err := json.Unmarshal([]byte(row.Payload), &run); err != nil {
		return nil, fmt.Errorf("decoding run manifest %s: %w", runID, err)
	}
	return &run, nil
}

// Runs implements Store.
func (s *SQLStore) Runs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&runRow{}).Order("run_id").Pluck("run_id", &ids).Error; err != nil {
		return nil, exp.StoreError("listing runs", err)
	}
	return ids, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
