package runner

import (
	"time"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// HoursOpen reports whether the campaign policy allows sending at the
// given instant. Weekday numbering follows the profile convention
// (0=Monday .. 6=Sunday). Missing or malformed policy fields fail open:
// a benign gap in the profile must not silence a campaign.
//
// Pure: the caller samples the clock exactly once per decision.
func HoursOpen(pol domain.SendPolicy, now time.Time) bool {
	if len(pol.SendDaysOfWeek) > 0 {
		// time.Weekday has Sunday=0; the policy has Monday=0.
		day := (int(now.Weekday()) + 6) % 7
		ok := false
		for _, d := range pol.SendDaysOfWeek {
			if d == day {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	start, okStart := minutesOfDay(pol.SendStart)
	end, okEnd := minutesOfDay(pol.SendEnd)
	if !okStart || !okEnd {
		return true
	}
	mins := now.Hour()*60 + now.Minute()
	return start <= mins && mins < end
}

func minutesOfDay(hhmm string) (int, bool) {
	if hhmm == "" {
		return 0, false
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
