package project

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	logx "timelapsed/pkg/logx"
)

// Store is the persistence port used by the service.
// internal/storage provides the file and sqlite implementations.
type Store interface {
	Get(ctx context.Context, id string) (Project, bool, error)
	Save(ctx context.Context, p Project) error
	List(ctx context.Context) ([]Project, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Params holds the user-editable project fields.
type Params struct {
	Name            string
	DurationMinutes int
	IntervalSeconds int
	FPS             int
	Rotation        int
}

type Service struct {
	store       Store
	fs          afero.Fs
	capturesDir string
	log         logx.Logger

	now func() time.Time

	// mu serializes read-modify-write cycles (Update, RecordCapture).
	mu sync.Mutex
}

type Option func(*Service)

// WithFs overrides the filesystem used for capture directories.
func WithFs(fs afero.Fs) Option { return func(s *Service) { s.fs = fs } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, capturesDir string, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	capturesDir = strings.TrimSpace(capturesDir)
	if capturesDir == "" {
		capturesDir = "captures"
	}
	s := &Service{
		store:       store,
		fs:          afero.NewOsFs(),
		capturesDir: capturesDir,
		log:         log,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewID returns an id of the form timelapse-YYYYMMDD-xxxxxx.
func NewID(at time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("timelapse-%s-%s", at.Format("20060102"), hex[:6])
}

func (s *Service) Create(ctx context.Context, in Params) (Project, error) {
	now := s.now()
	fps := in.FPS
	if fps == 0 {
		fps = DefaultFPS
	}
	p := Project{
		ID:              NewID(now),
		Name:            strings.TrimSpace(in.Name),
		DurationMinutes: in.DurationMinutes,
		IntervalSeconds: in.IntervalSeconds,
		FPS:             fps,
		Rotation:        in.Rotation,
		CreatedAt:       now,
		LastModified:    now,
	}
	if err := p.Validate(); err != nil {
		return Project{}, err
	}
	if err := s.store.Save(ctx, p); err != nil {
		return Project{}, fmt.Errorf("save project %s: %w", p.ID, err)
	}
	s.log.Info("project created", logx.String("project", p.ID), logx.Int("total_captures", p.TotalCaptures()))
	return p, nil
}

// Get returns ErrNotFound when the store has no record for id.
func (s *Service) Get(ctx context.Context, id string) (Project, error) {
	p, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Lookup is the optional-returning variant of Get.
func (s *Service) Lookup(ctx context.Context, id string) (Project, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns all projects, most recently modified first.
func (s *Service) List(ctx context.Context) ([]Project, error) {
	ps, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].LastModified.After(ps[j].LastModified)
	})
	return ps, nil
}

func (s *Service) Update(ctx context.Context, id string, in Params) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}
	p.Name = strings.TrimSpace(in.Name)
	p.DurationMinutes = in.DurationMinutes
	p.IntervalSeconds = in.IntervalSeconds
	if in.FPS != 0 {
		p.FPS = in.FPS
	}
	p.Rotation = in.Rotation
	if err := p.Validate(); err != nil {
		return Project{}, err
	}
	return s.saveLocked(ctx, p)
}

// RecordCapture advances the capture counter to seq. A seq at or below the
// current count fails with ErrStaleCapture; the counter never moves backwards.
func (s *Service) RecordCapture(ctx context.Context, id string, seq int) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if seq <= p.CapturesCount {
		return Project{}, fmt.Errorf("%w: %s seq %d, count %d", ErrStaleCapture, id, seq, p.CapturesCount)
	}
	p.CapturesCount = seq
	return s.saveLocked(ctx, p)
}

func (s *Service) saveLocked(ctx context.Context, p Project) (Project, error) {
	p.LastModified = s.now()
	if err := s.store.Save(ctx, p); err != nil {
		return Project{}, fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return p, nil
}

// Delete removes the record and the project's captures directory.
func (s *Service) Delete(ctx context.Context, id string) error {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ValidID(id) {
		dir := filepath.Join(s.capturesDir, id)
		if err := s.fs.RemoveAll(dir); err != nil {
			s.log.Warn("captures dir removal failed", logx.String("project", id), logx.String("dir", dir), logx.Err(err))
		}
	}
	s.log.Info("project deleted", logx.String("project", id))
	return nil
}

// CapturesDir returns the project's image directory, creating it if needed.
func (s *Service) CapturesDir(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: id %q", ErrInvalid, id)
	}
	dir := filepath.Join(s.capturesDir, id)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
