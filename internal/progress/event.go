package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageScanStart    Stage = "SCAN_START"
	StageScanProgress Stage = "SCAN_PROGRESS"
	StageSandboxStep  Stage = "SANDBOX_STEP"
	StageScanDone     Stage = "SCAN_DONE"
	StageScanError    Stage = "SCAN_ERROR"
)

// Event captures one milestone of a running scan.
type Event struct {
	ScanID string
	TS     time.Time
	Stage  Stage
	// Method is the extraction method, used as a metric label.
	Method string
	// Followers is the number of followers collected so far.
	Followers int
	// Step names the sandbox lifecycle step for SANDBOX_STEP events.
	Step string
	// Dur is the scan runtime on SCAN_DONE and SCAN_ERROR.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ScanID == "" {
		return errors.New("scan id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart, StageScanDone, StageScanError:
	case StageScanProgress:
		if e.Followers < 0 {
			return errors.New("followers must be >= 0")
		}
	case StageSandboxStep:
		if e.Step == "" {
			return errors.New("sandbox step requires step")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a scan.
func (e Event) Terminal() bool {
	return e.Stage == StageScanDone || e.Stage == StageScanError
}
