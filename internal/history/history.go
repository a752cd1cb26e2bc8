// Package history keeps a SQLite record of backup, restore and delete runs.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"pbak/internal/logging"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const FileName = "history.db"

type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
	KindDelete  Kind = "delete"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Run records one service operation
type Run struct {
	ID          string
	Kind        Kind
	Reason      string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	ErrorCode   string
	LastStep    string
	ArchivePath string
	SizeBytes   int64
	Encrypted   bool
}

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database at dbPath and runs pending migrations
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases consistent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logging.OrDefault(logger)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.logger.Debug("History store opened", "path", dbPath)
	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Record inserts run, assigning an ID when it has none
func (s *Store) Record(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO runs (
			id, kind, reason, start_time, end_time, status, error_code,
			last_step, archive_path, size_bytes, encrypted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		run.ID, string(run.Kind), run.Reason, run.StartTime.UTC(), run.EndTime.UTC(), run.Status,
		run.ErrorCode, run.LastStep, run.ArchivePath, run.SizeBytes, run.Encrypted,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first. A kind of "" matches all.
func (s *Store) List(kind Kind, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, kind, reason, start_time, end_time, status, error_code,
		       last_step, archive_path, size_bytes, encrypted
		FROM runs
		WHERE (? = '' OR kind = ?)
		ORDER BY start_time DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run  Run
			kind string
		)
		if err := rows.Scan(
			&run.ID, &kind, &run.Reason, &run.StartTime, &run.EndTime, &run.Status,
			&run.ErrorCode, &run.LastStep, &run.ArchivePath, &run.SizeBytes, &run.Encrypted,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Kind = Kind(kind)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// Last returns the newest run of kind, or nil when there is none
func (s *Store) Last(kind Kind) (*Run, error) {
	runs, err := s.List(kind, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// Prune deletes all but the newest keep runs
func (s *Store) Prune(keep int) (int64, error) {
	const query = `
		DELETE FROM runs WHERE rowid NOT IN (
			SELECT rowid FROM runs ORDER BY start_time DESC, rowid DESC LIMIT ?
		)
	`
	res, err := s.db.Exec(query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
