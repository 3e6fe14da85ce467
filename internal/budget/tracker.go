// Package budget tracks estimated spend against daily, weekly, and monthly
// limits. Windows are real calendar periods (UTC): an accumulator is reset
// lazily once the clock leaves its window, never carried forward.
package budget

import (
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/logging"
)

// Config holds budget limits in USD. A zero limit disables that window.
type Config struct {
	DailyLimitUSD   float64
	WeeklyLimitUSD  float64
	MonthlyLimitUSD float64
}

// window is one periodic accumulator.
type window struct {
	start time.Time
	spent float64
}

// Tracker accumulates cost per calendar window.
type Tracker struct {
	config  Config
	daily   window
	weekly  window
	monthly window
	mu      sync.Mutex
	now     func() time.Time
	logger  *logging.Logger
}

// NewTracker creates a budget tracker.
func NewTracker(config Config) *Tracker {
	return &Tracker{
		config: config,
		now:    time.Now,
		logger: logging.GetLogger(),
	}
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	// ISO weeks start on Monday.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// rollLocked resets any accumulator whose window the clock has left. Caller
// must hold t.mu.
func (t *Tracker) rollLocked(now time.Time) {
	if ds := dayStart(now); !t.daily.start.Equal(ds) {
		t.daily = window{start: ds}
	}
	if ws := weekStart(now); !t.weekly.start.Equal(ws) {
		t.weekly = window{start: ws}
	}
	if ms := monthStart(now); !t.monthly.start.Equal(ms) {
		t.monthly = window{start: ms}
	}
}

// RecordCost adds costUSD to every active window.
func (t *Tracker) RecordCost(costUSD float64) {
	if costUSD <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(t.now())
	t.daily.spent += costUSD
	t.weekly.spent += costUSD
	t.monthly.spent += costUSD
}

// Exceeded reports whether any configured limit is currently exhausted.
// Recording never errors; callers check this sentinel before spending.
func (t *Tracker) Exceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(t.now())
	if t.config.DailyLimitUSD > 0 && t.daily.spent >= t.config.DailyLimitUSD {
		return true
	}
	if t.config.WeeklyLimitUSD > 0 && t.weekly.spent >= t.config.WeeklyLimitUSD {
		return true
	}
	if t.config.MonthlyLimitUSD > 0 && t.monthly.spent >= t.config.MonthlyLimitUSD {
		return true
	}
	return false
}

// WindowStatus is a read-only snapshot of one window.
type WindowStatus struct {
	WindowStart time.Time `json:"window_start"`
	SpentUSD    float64   `json:"spent_usd"`
	LimitUSD    float64   `json:"limit_usd"`
}

// Snapshot is a read-only view of all windows.
type Snapshot struct {
	Daily   WindowStatus `json:"daily"`
	Weekly  WindowStatus `json:"weekly"`
	Monthly WindowStatus `json:"monthly"`
}

// Status returns the current window accumulators.
func (t *Tracker) Status() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(t.now())
	return Snapshot{
		Daily:   WindowStatus{WindowStart: t.daily.start, SpentUSD: t.daily.spent, LimitUSD: t.config.DailyLimitUSD},
		Weekly:  WindowStatus{WindowStart: t.weekly.start, SpentUSD: t.weekly.spent, LimitUSD: t.config.WeeklyLimitUSD},
		Monthly: WindowStatus{WindowStart: t.monthly.start, SpentUSD: t.monthly.spent, LimitUSD: t.config.MonthlyLimitUSD},
	}
}

// Reset clears all accumulators. Test and ops hook.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.daily = window{}
	t.weekly = window{}
	t.monthly = window{}
}
