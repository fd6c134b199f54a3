package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/prateushsharma/amlbot/internal/chain"
)

var largeInflow = decimal.NewFromInt(LargeInflowAmount)

// Score applies the heuristics to matches (any order) as of now and returns
// the clamped score with the reasons that fired.
func Score(matches []Activity, now time.Time) (int, []string) {
	score := 0
	reasons := []string{}

	cutoff := now.Add(-BurstWindow)
	recent := 0
	maxIn := decimal.Zero
	for _, m := range matches {
		if !m.Timestamp.Before(cutoff) {
			recent++
		}
		if m.Direction == chain.DirectionIn && m.Amount.GreaterThan(maxIn) {
			maxIn = m.Amount
		}
	}

	if float64(recent)/BurstWindow.Minutes() > BurstRatePerMin {
		score += BurstPoints
		reasons = append(reasons, ReasonHighFrequency)
	}
	if len(matches) > VolumeThreshold {
		score += VolumePoints
		reasons = append(reasons, ReasonHighVolume)
	}
	if maxIn.GreaterThan(largeInflow) {
		score += LargeInflowPoints
		reasons = append(reasons, ReasonLargeInflow)
	}

	return clamp(score), reasons
}

// LevelFor maps a score to its level.
func LevelFor(score int) Level {
	switch {
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func clamp(score int) int {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}
