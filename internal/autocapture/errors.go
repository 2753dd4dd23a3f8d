package autocapture

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("project not found")
	ErrAlreadyActive   = errors.New("auto-capture already active")
	ErrNotActive       = errors.New("auto-capture not active")
	ErrAlreadyComplete = errors.New("project already complete")
	ErrStoreFault      = errors.New("project store failure")
	ErrClosed          = errors.New("scheduler closed")

	// ErrStopPending is returned by StartCapture while the loop of a timed-out
	// stop is still finishing its last capture.
	ErrStopPending = fmt.Errorf("%w: previous loop still stopping", ErrAlreadyActive)
)
