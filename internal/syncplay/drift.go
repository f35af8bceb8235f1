// Package syncplay implements synchronized playback: the Coordinator owns
// the master timeline and emits command envelopes, the Follower applies
// them and corrects its drift.
package syncplay

// Quality classifies measured drift for observability. Correction policy
// uses the raw thresholds, not these labels.
type Quality string

// Drift quality bands.
const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// Drift thresholds in milliseconds.
const (
	driftDeadbandMillis = 100
	driftGoodMillis     = 300
	driftSpeedMillis    = 500
	driftSeekMillis     = 1000
)

// Rate bounds for speed correction.
const (
	minCorrectionRate = 0.95
	maxCorrectionRate = 1.05
)

// ClassifyDrift maps signed drift to a quality band.
func ClassifyDrift(driftMillis int64) Quality {
	abs := driftMillis
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < driftDeadbandMillis:
		return QualityExcellent
	case abs < driftGoodMillis:
		return QualityGood
	case abs < driftSeekMillis:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// ExpectedPosition extrapolates where the master is now from its last
// reported position. While paused the master position does not advance.
func ExpectedPosition(masterPositionMillis, masterTimestampMillis int64, masterPlaying bool, nowMillis int64) int64 {
	if !masterPlaying {
		return masterPositionMillis
	}
	return masterPositionMillis + (nowMillis - masterTimestampMillis)
}

// TargetRate computes the corrective playback rate for signed drift: a
// proportional pull toward zero clamped to [0.95, 1.05]. Positive drift
// (ahead of the master) slows playback down.
func TargetRate(driftMillis int64) float64 {
	rate := 1.0 - float64(driftMillis)/100.0*0.02
	if rate < minCorrectionRate {
		return minCorrectionRate
	}
	if rate > maxCorrectionRate {
		return maxCorrectionRate
	}
	return rate
}
