// Package state persists jobs to an on-disk SQLite database so a restarted
// daemon can restore its queue. Persistence is optional; without a state
// file the queue is purely in-memory.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaessens/qmanager/pkg/queue"
)

// jobRecord is the storage shape of a queue.Job. The argv vector is kept
// as a JSON column; everything clients filter on gets its own column.
type jobRecord struct {
	ID               uint64 `gorm:"primaryKey"`
	Args             string
	Status           string `gorm:"index"`
	ExpectedDuration *uint64
	NotifyCmd        string
	SubmittedAt      time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ExitCode         *int
	Reason           string
	Stdout           string
	Stderr           string
}

func (jobRecord) TableName() string { return "jobs" }

// Store wraps the GORM handle. Saves are serialized so the lifecycle guard
// in SaveJob holds across concurrent writers.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open creates or opens the state database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening state file %s: %w", path, err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("migrating state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveJob upserts one job. Called after every queue mutation, outside the
// queue's lock; at-least-once semantics are fine here.
//
// Connection handlers and the executor persist independently, so a slow
// writer can hold a stale snapshot. A save that would move the stored row
// backwards through the lifecycle (terminal -> running -> queued) is
// dropped; otherwise a finished job could be stored as running and come
// back failed-as-interrupted after a restart.
func (s *Store) SaveJob(j queue.Job) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing jobRecord
	err = s.db.Select("status").First(&existing, "id = ?", j.ID).Error
	switch {
	case err == nil:
		if statusRank(existing.Status) > statusRank(rec.Status) {
			return nil
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

func statusRank(s string) int {
	switch queue.Status(s) {
	case queue.StatusRunning:
		return 1
	case queue.StatusCompleted, queue.StatusFailed:
		return 2
	default:
		return 0
	}
}

// DeleteJob drops a removed job's row.
func (s *Store) DeleteJob(id uint64) error {
	return s.db.Delete(&jobRecord{}, "id = ?", id).Error
}

// LoadAll returns every persisted job in submission (id) order.
func (s *Store) LoadAll() ([]queue.Job, error) {
	var recs []jobRecord
	if err := s.db.Order("id asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	jobs := make([]queue.Job, 0, len(recs))
	for _, rec := range recs {
		j, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func toRecord(j queue.Job) (jobRecord, error) {
	args, err := json.Marshal(j.Args)
	if err != nil {
		return jobRecord{}, err
	}
	return jobRecord{
		ID:               j.ID,
		Args:             string(args),
		Status:           string(j.Status),
		ExpectedDuration: j.ExpectedDuration,
		NotifyCmd:        j.NotifyCmd,
		SubmittedAt:      j.SubmittedAt,
		StartedAt:        j.StartedAt,
		FinishedAt:       j.FinishedAt,
		ExitCode:         j.ExitCode,
		Reason:           j.Reason,
		Stdout:           j.Stdout,
		Stderr:           j.Stderr,
	}, nil
}

func fromRecord(rec jobRecord) (queue.Job, error) {
	var args []string
	if err := json.Unmarshal([]byte(rec.Args), &args); err != nil {
		return queue.Job{}, fmt.Errorf("corrupt args for job %d: %w", rec.ID, err)
	}
	return queue.Job{
		ID:               rec.ID,
		Args:             args,
		Status:           queue.Status(rec.Status),
		ExpectedDuration: rec.ExpectedDuration,
		NotifyCmd:        rec.NotifyCmd,
		SubmittedAt:      rec.SubmittedAt,
		StartedAt:        rec.StartedAt,
		FinishedAt:       rec.FinishedAt,
		ExitCode:         rec.ExitCode,
		Reason:           rec.Reason,
		Stdout:           rec.Stdout,
		Stderr:           rec.Stderr,
	}, nil
}
