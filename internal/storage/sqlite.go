package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"timelapsed/internal/project"
	logx "timelapsed/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const projectColumns = `id, name, duration_minutes, interval_seconds, fps, rotation, created_at, last_modified, captures_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (project.Project, error) {
	var (
		p           project.Project
		created, mo int64
	)
	err := r.Scan(&p.ID, &p.Name, &p.DurationMinutes, &p.IntervalSeconds, &p.FPS, &p.Rotation, &created, &mo, &p.CapturesCount)
	if err != nil {
		return project.Project{}, err
	}
	p.CreatedAt = time.UnixMilli(created)
	p.LastModified = time.UnixMilli(mo)
	return p, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (project.Project, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Project{}, false, nil
	}
	if err != nil {
		return project.Project{}, false, err
	}
	return p, true, nil
}

func (s *sqliteStore) Save(ctx context.Context, p project.Project) error {
	if !project.ValidID(p.ID) {
		return fmt.Errorf("%w: %q", ErrBadID, p.ID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(`+projectColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			duration_minutes=excluded.duration_minutes,
			interval_seconds=excluded.interval_seconds,
			fps=excluded.fps,
			rotation=excluded.rotation,
			last_modified=excluded.last_modified,
			captures_count=excluded.captures_count`,
		p.ID, p.Name, p.DurationMinutes, p.IntervalSeconds, p.FPS, p.Rotation,
		p.CreatedAt.UnixMilli(), p.LastModified.UnixMilli(), p.CapturesCount,
	)
	return err
}

func (s *sqliteStore) List(ctx context.Context) ([]project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY last_modified DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []project.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Maintain refreshes planner statistics and folds the WAL back into the database.
func (s *sqliteStore) Maintain(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}
	s.log.Debug("storage maintenance done")
	return nil
}
