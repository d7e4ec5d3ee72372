package models

import "time"

// XP award constants. A completion is worth a flat base plus the clamped
// estimate, with a small bonus for finishing on or under the estimate.
const (
	XPBase        = 10
	XPOnTimeBonus = 5

	xpEstimateFloor = 2
	xpEstimateCeil  = 15
)

// XPForCompletion returns the XP awarded for completing a step and whether
// the on-estimate bonus applied.
func XPForCompletion(estimatedMinutes, actualMinutes int) (xp int, bonus bool) {
	est := estimatedMinutes
	if est < xpEstimateFloor {
		est = xpEstimateFloor
	}
	if est > xpEstimateCeil {
		est = xpEstimateCeil
	}
	xp = XPBase + est
	if actualMinutes <= estimatedMinutes {
		xp += XPOnTimeBonus
		bonus = true
	}
	return xp, bonus
}

// streakDayLayout is the UTC calendar day format used for streak accounting.
const streakDayLayout = "2006-01-02"

// StreakDay formats t as the UTC calendar day used for streak accounting.
func StreakDay(t time.Time) string {
	return t.UTC().Format(streakDayLayout)
}

// NextStreak returns the streak value after a completion on day today, and
// whether the streak changed. At most one change per day: a second
// completion on the same day is a no-op. A completion on the day after
// lastDay extends the streak; any longer gap restarts it at 1.
func NextStreak(current int, lastDay, today string) (streak int, changed bool) {
	if lastDay == today {
		return current, false
	}
	if lastDay != "" {
		prev, err := time.Parse(streakDayLayout, lastDay)
		if err == nil && prev.AddDate(0, 0, 1).Format(streakDayLayout) == today {
			return current + 1, true
		}
	}
	return 1, true
}
