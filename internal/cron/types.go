// Package cron schedules recurring maintenance for the loop runtime.
//
// Two schedule kinds are supported:
//   - "every": recurring interval
//   - "cron":  standard cron expression (5-field, parsed by gronx)
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule defines when a recurring task fires.
type Schedule struct {
	Kind  string        `json:"kind" yaml:"kind"`                       // "every" or "cron"
	Every time.Duration `json:"every,omitempty" yaml:"every,omitempty"` // interval (for "every")
	Expr  string        `json:"expr,omitempty" yaml:"expr,omitempty"`   // cron expression (for "cron")
}

// Validate checks the schedule fields for its kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case "every":
		if s.Every <= 0 {
			return fmt.Errorf("every schedule requires a positive interval")
		}
	case "cron":
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression: %s", s.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first fire time strictly after now.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	switch s.Kind {
	case "every":
		if s.Every <= 0 {
			return time.Time{}, fmt.Errorf("every schedule requires a positive interval")
		}
		return now.Add(s.Every), nil
	case "cron":
		return gronx.NextTickAfter(s.Expr, now, false)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// RunLogEntry is an in-memory record of one maintenance run.
type RunLogEntry struct {
	Ts      int64  `json:"ts"`
	Status  string `json:"status"` // "ok", "error"
	Error   string `json:"error,omitempty"`
	Removed int64  `json:"removed"`
}

// nowMS returns the current time in milliseconds.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
