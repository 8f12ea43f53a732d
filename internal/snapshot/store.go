// Package snapshot persists the session registry to SQLite between runs.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"voiceterm/internal/session"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Store holds at most one snapshot.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between the save and load paths.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  position INTEGER NOT NULL,
  name TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lines (
  session_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  content TEXT NOT NULL,
  source TEXT NOT NULL,
  ts TEXT NOT NULL,
  PRIMARY KEY (session_id, position)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create snapshot tables: %w", err)
	}
	return nil
}

// Save replaces the stored snapshot in one transaction.
func (s *Store) Save(ctx context.Context, snap session.Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, stmt := range []string{`DELETE FROM lines`, `DELETE FROM sessions`, `DELETE FROM meta`} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('active_id', ?)`, snap.ActiveID); err != nil {
		return fmt.Errorf("save active id: %w", err)
	}

	for i, rec := range snap.Sessions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, position, name, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, i, rec.Name, string(rec.Status), rec.CreatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("save session %s: %w", rec.ID, err)
		}
		for j, l := range rec.Output {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO lines (session_id, position, content, source, ts) VALUES (?, ?, ?, ?, ?)`,
				rec.ID, j, l.Content, string(l.Source), l.Timestamp.UTC().Format(timeLayout),
			)
			if err != nil {
				return fmt.Errorf("save output of %s: %w", rec.ID, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load returns the stored snapshot. An empty store yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (session.Snapshot, error) {
	var snap session.Snapshot

	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'active_id'`).Scan(&snap.ActiveID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("load active id: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, created_at FROM sessions ORDER BY position`)
	if err != nil {
		return snap, fmt.Errorf("load sessions: %w", err)
	}
	for rows.Next() {
		var rec session.Record
		var status, createdAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &status, &createdAt); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan session: %w", err)
		}
		rec.Status = session.ParseStatus(status)
		rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		snap.Sessions = append(snap.Sessions, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("load sessions: %w", err)
	}

	for i := range snap.Sessions {
		out, err := s.loadLines(ctx, snap.Sessions[i].ID)
		if err != nil {
			return snap, err
		}
		snap.Sessions[i].Output = out
		snap.Sessions[i].Lines = len(out)
	}
	return snap, nil
}

func (s *Store) loadLines(ctx context.Context, id string) ([]session.Line, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, source, ts FROM lines WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load output of %s: %w", id, err)
	}
	defer rows.Close()

	var out []session.Line
	for rows.Next() {
		var l session.Line
		var source, ts string
		if err := rows.Scan(&l.Content, &source, &ts); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.Source = session.ParseSource(source)
		l.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
