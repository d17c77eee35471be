// Package store persists finished detection records for later human review.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nvr-ai/go-autodetect/controller"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a run id is not in the database.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	start_frame INTEGER NOT NULL,
	end_frame INTEGER NOT NULL,
	fps REAL NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_frames (
	run_id TEXT NOT NULL,
	frame INTEGER NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	width REAL NOT NULL,
	height REAL NOT NULL,
	confidence REAL NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (run_id, frame),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// RunSummary describes a stored run without its frames.
type RunSummary struct {
	ID         uuid.UUID `json:"id"`
	Source     string    `json:"source"`
	StartFrame int       `json:"start_frame"`
	EndFrame   int       `json:"end_frame"`
	FPS        float64   `json:"fps"`
	Frames     int       `json:"frames"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is a SQLite database of detection records.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
//
// Arguments:
//   - path: The database file. Its directory is created when missing.
//
// Returns:
//   - *Store: The opened store with its schema in place.
//   - error: An error if the file cannot be opened or migrated.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a record and its frames in one transaction.
func (s *Store) Save(ctx context.Context, source string, rec *controller.DetectionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, source, start_frame, end_frame, fps, width, height, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), source, rec.StartFrame, rec.EndFrame, rec.FPS,
		rec.VideoSize.Width, rec.VideoSize.Height, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert run %s", rec.ID)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_frames (run_id, frame, x, y, width, height, confidence, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare frame insert")
	}
	defer stmt.Close()

	for _, f := range rec.Frames {
		_, err := stmt.ExecContext(ctx, rec.ID.String(), f.Frame,
			f.Box.X, f.Box.Y, f.Box.Width, f.Box.Height, f.Confidence, f.State.String())
		if err != nil {
			return errors.Wrapf(err, "failed to insert frame %d", f.Frame)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit run")
}

// Load reads a record back. Frames come back ordered by frame number.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*controller.DetectionRecord, error) {
	rec := &controller.DetectionRecord{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT start_frame, end_frame, fps, width, height, created_at
		FROM runs WHERE id = ?`, id.String(),
	).Scan(&rec.StartFrame, &rec.EndFrame, &rec.FPS, &rec.VideoSize.Width, &rec.VideoSize.Height, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load run %s", id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, x, y, width, height, confidence, state
		FROM run_frames WHERE run_id = ? ORDER BY frame`, id.String())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load frames of run %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f     controller.FrameDetection
			state string
		)
		if err := rows.Scan(&f.Frame, &f.Box.X, &f.Box.Y, &f.Box.Width, &f.Box.Height, &f.Confidence, &state); err != nil {
			return nil, errors.Wrap(err, "failed to scan frame")
		}
		if err := f.State.UnmarshalText([]byte(state)); err != nil {
			return nil, errors.Wrapf(err, "frame %d", f.Frame)
		}
		f.Timestamp = controller.FrameTimestamp(f.Frame, rec.FPS)
		rec.Frames = append(rec.Frames, f)
	}
	return rec, errors.Wrap(rows.Err(), "failed to read frames")
}

// List returns every stored run, newest first.
func (s *Store) List(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.source, r.start_frame, r.end_frame, r.fps, r.created_at, COUNT(f.frame)
		FROM runs r LEFT JOIN run_frames f ON f.run_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at DESC, r.id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r  RunSummary
			id string
		)
		if err := rows.Scan(&id, &r.Source, &r.StartFrame, &r.EndFrame, &r.FPS, &r.CreatedAt, &r.Frames); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrapf(err, "invalid run id %q", id)
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "failed to read runs")
}

// Delete removes a run and its frames.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id.String())
	if err != nil {
		return errors.Wrapf(err, "failed to delete run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}
