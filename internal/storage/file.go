package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"timelapsed/internal/project"
	logx "timelapsed/pkg/logx"
)

// fileStore keeps one JSON document per project.
//
// Files:
//   - <path>/projects/<id>.json      (indent 2, snake_case keys)
//   - <path>/projects/<id>.json.tmp  (transient; renamed over the record)
type fileStore struct {
	log logx.Logger
	fs  afero.Fs
	dir string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	return newFileStore(afero.NewOsFs(), path, log)
}

func newFileStore(fs afero.Fs, path string, log logx.Logger) (*fileStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Join(path, "projects")
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, fs: fs, dir: dir}, nil
}

func (s *fileStore) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (project.Project, bool, error) {
	_ = ctx
	if !project.ValidID(id) {
		return project.Project{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return project.Project{}, false, ErrClosed
	}
	return s.readLocked(id)
}

func (s *fileStore) readLocked(id string) (project.Project, bool, error) {
	b, err := afero.ReadFile(s.fs, s.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return project.Project{}, false, nil
	}
	if err != nil {
		return project.Project{}, false, err
	}
	var p project.Project
	if err := json.Unmarshal(b, &p); err != nil {
		return project.Project{}, false, fmt.Errorf("decode project %s: %w", id, err)
	}
	return p, true, nil
}

func (s *fileStore) Save(ctx context.Context, p project.Project) error {
	_ = ctx
	if !project.ValidID(p.ID) {
		return fmt.Errorf("%w: %q", ErrBadID, p.ID)
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	final := s.recordPath(p.ID)
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]project.Project, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]project.Project, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		p, ok, err := s.readLocked(id)
		if err != nil {
			// One corrupt record must not hide the others.
			s.log.Error("project load failed", logx.String("file", name), logx.Err(err))
			continue
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) (bool, error) {
	_ = ctx
	if !project.ValidID(id) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	err := s.fs.Remove(s.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Maintain removes temp files left behind by interrupted saves.
func (s *fileStore) Maintain(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.log.Debug("tmp cleanup failed", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("storage maintenance done", logx.Int("tmp_removed", removed))
	}
	return nil
}
