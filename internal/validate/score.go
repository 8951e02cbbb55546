package validate

import "math"

// Accuracy grades the drift between stored and on-chain supply.
type Accuracy string

const (
	AccuracyPerfect        Accuracy = "perfect"
	AccuracyGood           Accuracy = "good"
	AccuracyNeedsAttention Accuracy = "needs_attention"
	AccuracyCritical       Accuracy = "critical"
)

// ClassifyAccuracy grades a supply difference given in percent.
func ClassifyAccuracy(diffPercent float64) Accuracy {
	diff := math.Abs(diffPercent)
	switch {
	case diff == 0:
		return AccuracyPerfect
	case diff < 0.5:
		return AccuracyGood
	case diff < 5:
		return AccuracyNeedsAttention
	default:
		return AccuracyCritical
	}
}

// ClassifyGaps grades a contract with no on-chain supply aggregate by its gap count.
func ClassifyGaps(gaps int) Accuracy {
	switch {
	case gaps == 0:
		return AccuracyPerfect
	case gaps <= 2:
		return AccuracyGood
	case gaps <= 10:
		return AccuracyNeedsAttention
	default:
		return AccuracyCritical
	}
}

const (
	duplicatePenalty    = 2
	maxDuplicatePenalty = 30
	gapPenalty          = 5
	maxGapPenalty       = 30
	diffPenalty         = 8
	maxDiffPenalty      = 40
)

// HealthScore combines duplicate count, gap count and supply drift into a
// 0-100 score. Each deduction is capped on its own.
func HealthScore(duplicates, gaps int, diffPercent float64) int {
	dup := math.Min(float64(max(duplicates, 0)*duplicatePenalty), maxDuplicatePenalty)
	gap := math.Min(float64(max(gaps, 0)*gapPenalty), maxGapPenalty)
	diff := math.Min(math.Abs(diffPercent)*diffPenalty, maxDiffPenalty)

	score := 100 - dup - gap - diff
	if score < 0 {
		score = 0
	}
	return int(math.Round(score))
}
