// Package risk turns detection results into epidemiological risk
// assessments. Scoring is pure and deterministic so the arithmetic can
// be pinned down by tests.
package risk

import (
	"strings"
	"time"

	"skyhawk/internal/inference"
)

// Level is the categorical risk level.
type Level string

const (
	LevelMinimal  Level = "MINIMAL"
	LevelLow      Level = "LOW"
	LevelModerate Level = "MODERATE"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// PrimaryReservoir is the main Lassa fever reservoir species. The
// species weight table lives in the inference package, next to the
// client that derives per-detection contributions from it.
const PrimaryReservoir = inference.PrimaryReservoir

// endemicRegions maps lowercase region fragments to geographic bonus
// values for Lassa-endemic West African regions.
var endemicRegions = map[string]float64{
	"nigeria":      0.15,
	"sierra leone": 0.15,
	"liberia":      0.12,
	"guinea":       0.12,
	"benin":        0.10,
	"ghana":        0.08,
	"togo":         0.08,
}

const (
	minConfidence      = 0.3
	highConfidence     = 0.8
	reservoirBonus     = 0.3
	perHighConfBonus   = 0.05
	maxConfidenceBonus = 0.15
	drySeasonBonus     = 0.10
	transitionBonus    = 0.05
)

// Breakdown records how the final score was assembled.
type Breakdown struct {
	DetectionRisk   float64 `json:"detection_risk"`
	ReservoirBonus  float64 `json:"reservoir_bonus"`
	ConfidenceBonus float64 `json:"confidence_bonus"`
	GeographicRisk  float64 `json:"geographic_risk"`
	SeasonalRisk    float64 `json:"seasonal_risk"`
}

// Assessment is the scored outcome for one frame's detections.
type Assessment struct {
	Score          float64   `json:"risk_score"`
	Level          Level     `json:"risk_level"`
	Breakdown      Breakdown `json:"breakdown"`
	ReservoirCount int       `json:"reservoir_count"`
	Recommendation string    `json:"recommendation"`
}

// Context supplies optional geographic and seasonal inputs. The zero
// value means no geographic bonus and season derived from Now.
type Context struct {
	Region string
	// Now determines the season when set; time.Now() otherwise.
	Now time.Time
}

// Score computes the risk assessment for a set of detections.
//
// Detections at or below the minimum confidence are ignored. The
// surviving weighted confidences are averaged and scaled by a count
// multiplier, then fixed bonuses are added for reservoir presence,
// high-confidence detections, endemic regions and the dry season. The
// result is clamped to [0, 1].
func Score(detections []inference.Detection, ctx Context) Assessment {
	var filtered []inference.Detection
	for _, d := range detections {
		if d.Confidence > minConfidence {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		return Assessment{
			Score:          0,
			Level:          LevelMinimal,
			Recommendation: recommend(LevelMinimal, 0),
		}
	}

	var weightSum float64
	reservoirCount := 0
	highConfCount := 0
	for _, d := range filtered {
		weightSum += inference.SpeciesWeight(d.Species) * d.Confidence
		if inference.IsPrimaryReservoir(d.Species) {
			reservoirCount++
		}
		if d.Confidence > highConfidence {
			highConfCount++
		}
	}
	avgSpeciesRisk := weightSum / float64(len(filtered))
	detectionRisk := avgSpeciesRisk * countMultiplier(len(filtered))

	b := Breakdown{DetectionRisk: detectionRisk}
	if reservoirCount > 0 {
		b.ReservoirBonus = reservoirBonus
	}
	b.ConfidenceBonus = perHighConfBonus * float64(highConfCount)
	if b.ConfidenceBonus > maxConfidenceBonus {
		b.ConfidenceBonus = maxConfidenceBonus
	}
	b.GeographicRisk = geographicBonus(ctx.Region)
	b.SeasonalRisk = seasonalBonus(ctx.now())

	score := b.DetectionRisk + b.ReservoirBonus + b.ConfidenceBonus + b.GeographicRisk + b.SeasonalRisk
	if score > 1.0 {
		score = 1.0
	}

	level := levelFor(score)
	return Assessment{
		Score:          score,
		Level:          level,
		Breakdown:      b,
		ReservoirCount: reservoirCount,
		Recommendation: recommend(level, reservoirCount),
	}
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

func countMultiplier(n int) float64 {
	switch {
	case n <= 1:
		return 0.5
	case n == 2:
		return 0.7
	case n == 3:
		return 0.85
	default:
		return 0.95
	}
}

func geographicBonus(region string) float64 {
	if region == "" {
		return 0
	}
	lower := strings.ToLower(region)
	best := 0.0
	for fragment, bonus := range endemicRegions {
		if strings.Contains(lower, fragment) && bonus > best {
			best = bonus
		}
	}
	return best
}

// Lassa transmission peaks in the dry/harmattan season (Nov..Mar);
// April, May and October are transitional; the wet season adds nothing.
func seasonalBonus(t time.Time) float64 {
	switch t.Month() {
	case time.November, time.December, time.January, time.February, time.March:
		return drySeasonBonus
	case time.April, time.May, time.October:
		return transitionBonus
	default:
		return 0
	}
}

func levelFor(score float64) Level {
	switch {
	case score >= 0.8:
		return LevelCritical
	case score >= 0.6:
		return LevelHigh
	case score >= 0.4:
		return LevelModerate
	case score >= 0.2:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// recommend maps a level to an action. Three or more reservoir
// detections escalate the action one step: a cluster of the reservoir
// species warrants a stronger response than the score alone suggests.
func recommend(level Level, reservoirCount int) string {
	rank := map[Level]int{
		LevelMinimal:  0,
		LevelLow:      0,
		LevelModerate: 1,
		LevelHigh:     2,
		LevelCritical: 3,
	}[level]
	if reservoirCount >= 3 && rank < 3 {
		rank++
	}
	switch rank {
	case 0:
		return "Continue monitoring"
	case 1:
		return "Increase surveillance frequency"
	case 2:
		return "Activate alert protocols"
	default:
		return "Immediate intervention required"
	}
}
