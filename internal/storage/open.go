package storage

import (
	"context"
	"errors"
	"strings"

	"timelapsed/internal/project"
	logx "timelapsed/pkg/logx"
)

// Store is the project persistence API used by core/services.
type Store interface {
	Get(ctx context.Context, id string) (project.Project, bool, error)
	Save(ctx context.Context, p project.Project) error
	List(ctx context.Context) ([]project.Project, error)
	Delete(ctx context.Context, id string) (bool, error)

	// Maintain runs driver-specific housekeeping (compaction, temp file cleanup).
	Maintain(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none":
		return nil, ErrNoDriver
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
