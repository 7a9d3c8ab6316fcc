package monitor

import (
	"time"

	"github.com/stationwake/stationwake/pkg"
)

// nextOccurrence computes when a repeating alert should arm again. The result
// is strictly after the given time: a base time already passed today rolls to
// the next matching day. Returns the zero time for non-repeating alerts or a
// custom pattern with no days.
func nextOccurrence(alert *pkg.Alert, after time.Time) time.Time {
	if alert.Repeat == pkg.RepeatNone {
		return time.Time{}
	}

	for offset := 0; offset < 8; offset++ {
		day := after.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			alert.BaseHour, alert.BaseMinute, 0, 0, after.Location())
		if !candidate.After(after) {
			continue
		}
		if dayMatches(alert, candidate.Weekday()) {
			return candidate
		}
	}
	return time.Time{}
}

func dayMatches(alert *pkg.Alert, day time.Weekday) bool {
	switch alert.Repeat {
	case pkg.RepeatDaily:
		return true
	case pkg.RepeatWeekdays:
		return day >= time.Monday && day <= time.Friday
	case pkg.RepeatWeekends:
		return day == time.Saturday || day == time.Sunday
	case pkg.RepeatCustom:
		for _, d := range alert.RepeatDays {
			if d == day {
				return true
			}
		}
		return false
	default:
		return false
	}
}
