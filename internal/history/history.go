// Package history records the steps of joint fits in a SQLite database, so
// successive runs over the same survey can be compared.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at INTEGER NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	exposures  INTEGER NOT NULL,
	stars      INTEGER NOT NULL,
	ref_stars  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	run_id   INTEGER NOT NULL REFERENCES runs(id),
	seq      INTEGER NOT NULL,
	mask     TEXT NOT NULL,
	chi2     REAL NOT NULL,
	ndof     INTEGER NOT NULL,
	npar     INTEGER NOT NULL,
	removed  INTEGER NOT NULL DEFAULT 0,
	message  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
`

// Store is a fit history database.
type Store struct {
	DB *sql.DB
}

// Run describes one fit of a survey.
type Run struct {
	ID        int64
	StartedAt time.Time
	Label     string
	Exposures int
	Stars     int
	RefStars  int
}

// Step is the state after one minimization or outlier rejection round.
type Step struct {
	Seq     int
	Mask    string
	Chi2    float64
	NDof    int
	NPar    int
	Removed int
	Message string
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history: empty database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.DB.Close() }

// StartRun inserts a run and returns it with its id set.
func (s *Store) StartRun(ctx context.Context, r Run) (Run, error) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (started_at, label, exposures, stars, ref_stars) VALUES (?, ?, ?, ?, ?)`,
		r.StartedAt.Unix(), r.Label, r.Exposures, r.Stars, r.RefStars)
	if err != nil {
		return r, fmt.Errorf("insert run: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return r, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// AddStep appends a step to a run.
func (s *Store) AddStep(ctx context.Context, runID int64, st Step) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO steps (run_id, seq, mask, chi2, ndof, npar, removed, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, st.Seq, st.Mask, st.Chi2, st.NDof, st.NPar, st.Removed, st.Message)
	if err != nil {
		return fmt.Errorf("insert step %d of run %d: %w", st.Seq, runID, err)
	}
	return nil
}

// Runs returns every run, most recent first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, started_at, label, exposures, stars, ref_stars FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.ID, &started, &r.Label, &r.Exposures, &r.Stars, &r.RefStars); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Steps returns the steps of a run in order.
func (s *Store) Steps(ctx context.Context, runID int64) ([]Step, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT seq, mask, chi2, ndof, npar, removed, message FROM steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps of run %d: %w", runID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.Seq, &st.Mask, &st.Chi2, &st.NDof, &st.NPar, &st.Removed, &st.Message); err != nil {
			return nil, fmt.Errorf("list steps of run %d: %w", runID, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// BestStep returns the step of a run with the smallest reduced chi2.
func (s *Store) BestStep(ctx context.Context, runID int64) (Step, bool, error) {
	var st Step
	err := s.DB.QueryRowContext(ctx,
		`SELECT seq, mask, chi2, ndof, npar, removed, message FROM steps
		 WHERE run_id = ? AND ndof > 0 ORDER BY chi2 / ndof LIMIT 1`, runID).
		Scan(&st.Seq, &st.Mask, &st.Chi2, &st.NDof, &st.NPar, &st.Removed, &st.Message)
	if err == sql.ErrNoRows {
		return Step{}, false, nil
	}
	if err != nil {
		return Step{}, false, fmt.Errorf("best step of run %d: %w", runID, err)
	}
	return st, true, nil
}
