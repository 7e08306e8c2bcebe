package engine

import "time"

// DefaultDecayPerDay is the importance lost per day of inactivity during
// aggressive optimization.
const DefaultDecayPerDay = 0.01

// Decay returns importance reduced linearly by perDay for each full or
// partial day of age, clamped to [0, 1]. Zero or negative ages leave the
// value untouched.
func Decay(importance, perDay float64, age time.Duration) float64 {
	if age <= 0 || perDay <= 0 {
		return clamp01(importance)
	}
	days := age.Hours() / 24
	return clamp01(importance - perDay*days)
}

// DecayedAt is Decay anchored at two instants, for callers holding
// timestamps rather than a duration.
func DecayedAt(importance, perDay float64, createdAt, now time.Time) float64 {
	return Decay(importance, perDay, now.Sub(createdAt))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
