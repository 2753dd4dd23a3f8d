package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrBadID    = errors.New("storage: invalid project id")
	ErrNoDriver = errors.New("storage.driver is required")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON files under Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
