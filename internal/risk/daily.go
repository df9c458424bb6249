package risk

import (
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/ledger"
)

// DailyTracker turns cumulative ledger totals into "daily" PnL. In session
// mode the baseline is captured once, when the loop starts. In calendar_day
// mode it is re-captured at the first evaluation after local midnight.
type DailyTracker struct {
	mode     string
	loc      *time.Location
	baseline ledger.Totals
	day      string
	started  bool
}

func NewDailyTracker(mode string, loc *time.Location) *DailyTracker {
	if loc == nil {
		loc = time.UTC
	}
	if mode == "" {
		mode = config.DailyResetSession
	}
	return &DailyTracker{mode: mode, loc: loc}
}

// Start captures the baseline
func (d *DailyTracker) Start(now time.Time, current ledger.Totals) {
	d.baseline = current
	d.day = d.dayKey(now)
	d.started = true
}

// Daily returns current minus the baseline, rolling the baseline first when
// a calendar day has passed
func (d *DailyTracker) Daily(now time.Time, current ledger.Totals) ledger.Totals {
	if !d.started {
		d.Start(now, current)
	}
	if d.CalendarDay() {
		if day := d.dayKey(now); day != d.day {
			d.baseline = current
			d.day = day
		}
	}
	return current.Sub(d.baseline)
}

// CalendarDay reports whether the baseline rolls at local midnight
func (d *DailyTracker) CalendarDay() bool {
	return d.mode == config.DailyResetCalendarDay
}

// DayStart returns local midnight of the day containing t
func (d *DailyTracker) DayStart(t time.Time) time.Time {
	y, m, day := t.In(d.loc).Date()
	return time.Date(y, m, day, 0, 0, 0, 0, d.loc)
}

// Baseline returns the totals daily PnL is measured from
func (d *DailyTracker) Baseline() ledger.Totals {
	return d.baseline
}

func (d *DailyTracker) dayKey(t time.Time) string {
	return t.In(d.loc).Format("2006-01-02")
}
