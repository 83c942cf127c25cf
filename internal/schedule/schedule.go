package schedule

import (
	"time"
)

// Quiet reports whether t (UTC) falls in one of quietHours.
func Quiet(t time.Time, quietHours []int) bool {
	h := t.UTC().Hour()
	for _, q := range quietHours {
		if q == h {
			return true
		}
	}
	return false
}

// NextWindow returns the next time the bot may act, avoiding quiet hours.
// It returns now itself when now is not quiet, otherwise the start of the next
// non-quiet hour.
func NextWindow(now time.Time, quietHours []int) time.Time {
	if !Quiet(now, quietHours) {
		return now
	}
	base := now.UTC().Truncate(time.Hour)
	for i := 1; i <= 48; i++ { // search up to 2 days ahead
		cand := base.Add(time.Duration(i) * time.Hour)
		if !Quiet(cand, quietHours) {
			return cand
		}
	}
	return now.Add(15 * time.Minute)
}
