// Package scanwindow decides which messages a run looks at: a lower bound
// on the received time and a cap on the message count.
package scanwindow

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/config"
	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// Message cap limits.
const (
	DefaultCap = 200
	MaxCap     = 5000
)

// Window bounds one scan.
type Window struct {
	// LowerBound is the earliest received time included.
	LowerBound time.Time
	// Cap is the most messages a run pulls. Sources may return fewer.
	Cap int
}

// Contains reports whether a message received at t falls inside w.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.LowerBound)
}

func (w Window) String() string {
	return fmt.Sprintf("since %s, at most %d messages", w.LowerBound.Format(time.RFC3339), w.Cap)
}

// Compute derives the window from cfg at now. In start_date mode the bound is
// midnight of that date in now's location. A zero MaxMessages selects
// DefaultCap.
func Compute(cfg config.ScanConfig, now time.Time) (Window, error) {
	limit := cfg.MaxMessages
	switch {
	case limit == 0:
		limit = DefaultCap
	case limit < 0:
		return Window{}, &deadline.ConfigError{Field: "scan.max_messages", Reason: "must be positive"}
	case limit > MaxCap:
		return Window{}, &deadline.ConfigError{Field: "scan.max_messages", Reason: fmt.Sprintf("must be at most %d", MaxCap)}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case config.ScanModeDays, "":
		if cfg.Days <= 0 {
			return Window{}, &deadline.ConfigError{Field: "scan.days", Reason: "must be positive"}
		}
		return Window{LowerBound: now.AddDate(0, 0, -cfg.Days), Cap: limit}, nil

	case config.ScanModeStartDate:
		start, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(cfg.StartDate), now.Location())
		if err != nil {
			return Window{}, &deadline.ConfigError{Field: "scan.start_date", Reason: "must be YYYY-MM-DD"}
		}
		if start.After(now) {
			return Window{}, &deadline.ConfigError{Field: "scan.start_date", Reason: "must not be in the future"}
		}
		return Window{LowerBound: start, Cap: limit}, nil

	default:
		return Window{}, &deadline.ConfigError{Field: "scan.mode", Reason: "must be 'days' or 'start_date', got " + cfg.Mode}
	}
}
