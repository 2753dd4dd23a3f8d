package project

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("project not found")
	ErrInvalid  = errors.New("invalid project")
	// ErrStaleCapture is returned by RecordCapture for a sequence number that
	// is already recorded.
	ErrStaleCapture = errors.New("capture already recorded")
)

const DefaultFPS = 30

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Project is one time-lapse job: a target capture count derived from
// duration and interval, plus the number of captures already taken.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
	IntervalSeconds int       `json:"interval_seconds"`
	FPS             int       `json:"fps"`
	Rotation        int       `json:"rotation"`
	CreatedAt       time.Time `json:"created_at"`
	LastModified    time.Time `json:"last_modified"`
	CapturesCount   int       `json:"captures_count"`
}

// TotalCaptures is the planned number of captures.
func (p Project) TotalCaptures() int {
	if p.IntervalSeconds <= 0 || p.DurationMinutes <= 0 {
		return 0
	}
	return (p.DurationMinutes * 60) / p.IntervalSeconds
}

// Complete reports whether every planned capture has been taken.
func (p Project) Complete() bool { return p.CapturesCount >= p.TotalCaptures() }

func (p Project) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// VideoDurationSeconds estimates the length of the assembled video.
func (p Project) VideoDurationSeconds() float64 {
	if p.FPS <= 0 {
		return 0
	}
	return float64(p.TotalCaptures()) / float64(p.FPS)
}

func (p Project) CompletionPercentage() float64 {
	total := p.TotalCaptures()
	if total == 0 {
		return 0
	}
	return min(100, float64(p.CapturesCount)/float64(total)*100)
}

// Validate checks the user-editable fields.
func (p Project) Validate() error {
	if !ValidID(p.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalid, p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration_minutes must be > 0", ErrInvalid)
	}
	if p.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval_seconds must be > 0", ErrInvalid)
	}
	if p.FPS <= 0 {
		return fmt.Errorf("%w: fps must be > 0", ErrInvalid)
	}
	if !ValidRotation(p.Rotation) {
		return fmt.Errorf("%w: rotation must be one of 0, 90, 180, 270", ErrInvalid)
	}
	if p.CapturesCount < 0 {
		return fmt.Errorf("%w: captures_count must be >= 0", ErrInvalid)
	}
	return nil
}

// ValidID reports whether id is safe to use as a store key and directory name.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !strings.Contains(id, "..")
}

func ValidRotation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
