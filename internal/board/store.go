// Package board is the leaderboard service: a small sqlite-backed HTTP API
// that nodes report consensus winners to, plus the node-side reporter
// client. The board is an external convenience, not node state; losing it
// never affects mesh behavior.
package board

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one leaderboard row.
type Entry struct {
	Rank           int    `json:"rank,omitempty"`
	WorkerID       string `json:"workerId"`
	Score          int    `json:"score"`
	Wins           int    `json:"wins"`
	TasksCompleted int    `json:"tasksCompleted"`
	LastWin        int64  `json:"lastWin"`
}

// Store wraps the sqlite database behind the board.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the board database at path and runs schema
// migrations.
func NewStore(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS winners (
    worker_id TEXT PRIMARY KEY,
    score INTEGER NOT NULL DEFAULT 0,
    wins INTEGER NOT NULL DEFAULT 0,
    tasks_completed INTEGER NOT NULL DEFAULT 0,
    last_win INTEGER NOT NULL DEFAULT 0
);`
	_, err := s.db.Exec(schema)
	return err
}

// RecordWinners upserts every winner of one consensus round: +10 score, one
// more win and completed task, and a fresh last-win stamp.
func (s *Store) RecordWinners(winners []string, timestamp int64) error {
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
INSERT INTO winners (worker_id, score, wins, tasks_completed, last_win)
VALUES (?, 10, 1, 1, ?)
ON CONFLICT(worker_id) DO UPDATE SET
    score = score + 10,
    wins = wins + 1,
    tasks_completed = tasks_completed + 1,
    last_win = excluded.last_win`

	for _, id := range winners {
		if _, err := tx.Exec(upsert, id, timestamp); err != nil {
			return fmt.Errorf("upsert winner %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Leaderboard returns up to limit entries ordered by score descending, with
// ranks assigned.
func (s *Store) Leaderboard(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`
SELECT worker_id, score, wins, tasks_completed, last_win
FROM winners
ORDER BY score DESC, worker_id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.WorkerID, &e.Score, &e.Wins, &e.TasksCompleted, &e.LastWin); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of tracked workers.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM winners`).Scan(&n)
	return n, err
}
