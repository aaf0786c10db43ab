// Package store is the SQLite archive of finished grading runs. The live
// session is memory-only; the archive exists so results survive for the
// offline export command, and it is never read back into a session.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hoangtnm/gradepaper/internal/model"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS grading_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		result_json TEXT,
		FOREIGN KEY (run_id) REFERENCES grading_runs(id)
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun stores a finished run with all its per-submission outcomes.
func (s *Store) RecordRun(run model.RunRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO grading_runs (started_at, finished_at) VALUES (?, ?)`,
		run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return 0, err
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, rr := range run.Results {
		var resultJSON sql.NullString
		if rr.Result != nil {
			data, err := json.Marshal(rr.Result)
			if err != nil {
				return 0, fmt.Errorf("marshal result for position %d: %w", rr.Position, err)
			}
			resultJSON = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO run_results (run_id, position, display_name, status, error, result_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, rr.Position, rr.DisplayName, rr.Status, rr.Error, resultJSON,
		)
		if err != nil {
			return 0, err
		}
	}

	return runID, tx.Commit()
}

// GetRun returns an archived run with its results in position order.
func (s *Store) GetRun(id int64) (model.RunRecord, error) {
	var run model.RunRecord
	err := s.db.QueryRow(
		`SELECT id, started_at, finished_at FROM grading_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return run, err
	}

	rows, err := s.db.Query(
		`SELECT position, display_name, status, error, result_json
		 FROM run_results WHERE run_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return run, err
	}
	defer rows.Close()
	for rows.Next() {
		var rr model.RunResult
		var resultJSON sql.NullString
		if err := rows.Scan(&rr.Position, &rr.DisplayName, &rr.Status, &rr.Error, &resultJSON); err != nil {
			return run, err
		}
		if resultJSON.Valid {
			var result model.GradingResult
			if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
				return run, fmt.Errorf("unmarshal result at position %d: %w", rr.Position, err)
			}
			rr.Result = &result
		}
		run.Results = append(run.Results, rr)
	}
	return run, rows.Err()
}

// ListRuns returns all archived runs, newest first, without their results.
func (s *Store) ListRuns() ([]model.RunRecord, error) {
	rows, err := s.db.Query(`SELECT id, started_at, finished_at FROM grading_runs ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.RunRecord
	for rows.Next() {
		var run model.RunRecord
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRunID returns the id of the most recent run, or 0 if the archive is
// empty.
func (s *Store) LatestRunID() (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM grading_runs ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// RunCount returns the number of archived runs.
func (s *Store) RunCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM grading_runs`).Scan(&count)
	return count, err
}
