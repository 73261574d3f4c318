// Package schedule parses the recurring schedules used by background jobs.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
)

type Schedule struct {
	Kind     string        `json:"kind"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Parse accepts either a Go duration ("30s", "5m") or a cron expression,
// including gronx macros such as "@hourly".
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive: %s", raw)
		}
		return &Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid schedule: not a duration or cron expression: %s", raw)
	}
	return &Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Next returns the first run strictly after ref.
func (s *Schedule) Next(ref time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		return ref.Add(s.Interval), nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick: %w", err)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// String returns a human-readable description.
func (s *Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := s.Interval
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return "Every " + d.String()
		}
	default:
		return s.Kind
	}
}
