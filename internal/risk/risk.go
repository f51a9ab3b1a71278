// Package risk combines per-category telemetry scores into a session risk
// score, smooths it over time and classifies it.
package risk

import (
	"math"

	"github.com/rickgao/proctorhub/internal/model"
)

// Level is a coarse risk band.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Band upper bounds, inclusive.
const (
	LowMax    = 30.0
	MediumMax = 70.0
)

// DefaultAlpha is the weight of the newest sample in Smooth.
const DefaultAlpha = 0.3

// Weights maps categories to their weight. Categories missing from
// ByCategory use Default.
type Weights struct {
	ByCategory map[model.Category]float64
	Default    float64
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		ByCategory: map[model.Category]float64{
			model.CategoryFaceDetection:   0.30,
			model.CategoryEyeMovement:     0.25,
			model.CategoryAudioAnalysis:   0.25,
			model.CategoryBrowserActivity: 0.20,
		},
		Default: 0.10,
	}
}

// For returns the weight of a category.
func (w Weights) For(c model.Category) float64 {
	if v, ok := w.ByCategory[c]; ok {
		return v
	}
	return w.Default
}

// Combine returns the weighted average of the categories present in scores,
// normalized by the sum of their weights. Scores are clamped to [0,1] and
// NaN entries are ignored. Returns 0 when nothing is present.
func Combine(scores model.CategoryScores, weights Weights) float64 {
	var sum, total float64
	for c, v := range scores {
		if math.IsNaN(v) {
			continue
		}
		w := weights.For(c)
		if w <= 0 {
			continue
		}
		sum += clamp(v, 0, 1) * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return clamp(sum/total, 0, 1)
}

// Smooth blends prev toward next: prev*(1-alpha) + next*alpha.
func Smooth(prev, next, alpha float64) float64 {
	alpha = clamp(alpha, 0, 1)
	return prev*(1-alpha) + next*alpha
}

// Classify maps a 0-100 score to its band. Boundary values belong to the
// lower band.
func Classify(score float64) Level {
	switch {
	case score <= LowMax:
		return LevelLow
	case score <= MediumMax:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Recommend returns the fixed actions for a level.
func Recommend(level Level) []string {
	switch level {
	case LevelHigh:
		return []string{"manual review required", "flag for investigation"}
	case LevelMedium:
		return []string{"monitor closely", "review incidents"}
	default:
		return []string{"continue normal monitoring"}
	}
}

// Report summarizes a session score.
type Report struct {
	Score           float64  `json:"riskScore"`
	Level           Level    `json:"level"`
	Recommendations []string `json:"recommendations"`
}

// NewReport builds the report for a 0-100 score.
func NewReport(score float64) Report {
	level := Classify(score)
	return Report{
		Score:           score,
		Level:           level,
		Recommendations: Recommend(level),
	}
}

// Aggregator applies fixed weights and smoothing to successive samples.
type Aggregator struct {
	weights Weights
	alpha   float64
}

// NewAggregator creates an Aggregator. Zero-value weights fall back to the
// defaults and a non-positive alpha to DefaultAlpha.
func NewAggregator(weights Weights, alpha float64) *Aggregator {
	if len(weights.ByCategory) == 0 && weights.Default == 0 {
		weights = DefaultWeights()
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Aggregator{weights: weights, alpha: alpha}
}

// Update combines scores into a 0-100 frame score and smooths it into prev.
// Both results are in [0,100].
func (a *Aggregator) Update(prev float64, scores model.CategoryScores) (frame, smoothed float64) {
	frame = Combine(scores, a.weights) * 100
	smoothed = clamp(Smooth(clamp(prev, 0, 100), frame, a.alpha), 0, 100)
	return frame, smoothed
}

// Alpha returns the smoothing factor.
func (a *Aggregator) Alpha() float64 {
	return a.alpha
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
