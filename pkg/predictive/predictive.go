// Package predictive maintains a rolling queue-growth history per team and
// turns it into scale-up/scale-down recommendations ahead of threshold
// breaches, plus cron-style scheduled capacity and pre-warm hints. It is
// consulted by the auto-scaler only when the policy evaluator's own
// decision is "maintain".
package predictive

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	maxSamples = 100
	maxWindow  = 10 * time.Minute
)

// Sample is one queue-depth observation.
type Sample struct {
	At    time.Time
	Depth float64
}

// Window is a bounded, time-ordered queue-growth history for one team.
type Window struct {
	samples []Sample
}

// NewWindow creates an empty window.
func NewWindow() *Window { return &Window{} }

// Add appends a sample and prunes by both the sample-count and time-window
// limits, whichever is smaller.
func (w *Window) Add(s Sample) {
	w.samples = append(w.samples, s)

	if len(w.samples) > maxSamples {
		w.samples = w.samples[len(w.samples)-maxSamples:]
	}

	cutoff := s.At.Add(-maxWindow)
	i := 0
	for i < len(w.samples) && w.samples[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// GrowthRate returns tasks/minute computed over the most recent 10 samples
// (or fewer if not enough history exists). Returns 0 if fewer than 0.5
// minutes separate the oldest and newest sample considered.
func (w *Window) GrowthRate() float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}

	start := n - 10
	if start < 0 {
		start = 0
	}
	recent := w.samples[start:]

	oldest := recent[0]
	newest := recent[len(recent)-1]

	minutes := newest.At.Sub(oldest.At).Minutes()
	if minutes < 0.5 {
		return 0
	}

	return (newest.Depth - oldest.Depth) / minutes
}

// CurrentDepth returns the most recent sample's depth, or 0 if empty.
func (w *Window) CurrentDepth() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.samples[len(w.samples)-1].Depth
}

// Len reports how many samples are currently retained.
func (w *Window) Len() int { return len(w.samples) }

// Prediction is the result of forecasting queue depth H seconds ahead.
type Prediction struct {
	PredictedDepth float64
	Confidence     float64
	GrowthRatePerSec float64
}

// Predict forecasts queue depth horizonSeconds into the future. An empty
// history returns the current depth (0) with confidence 0.
func (w *Window) Predict(horizonSeconds float64) Prediction {
	if len(w.samples) == 0 {
		return Prediction{PredictedDepth: 0, Confidence: 0}
	}

	growthPerMin := w.GrowthRate()
	growthPerSec := growthPerMin / 60

	current := w.CurrentDepth()
	predicted := math.Max(0, current+growthPerSec*horizonSeconds)

	return Prediction{
		PredictedDepth:   predicted,
		Confidence:       w.confidence(),
		GrowthRatePerSec: growthPerSec,
	}
}

// confidence derives a [0,1] score from sample count and the variance of
// per-interval slopes.
func (w *Window) confidence() float64 {
	n := len(w.samples)
	switch {
	case n < 5:
		return 0.3
	case n < 20:
		return 0.6
	}

	slopes := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		dt := w.samples[i].At.Sub(w.samples[i-1].At).Minutes()
		if dt <= 0 {
			continue
		}
		slopes = append(slopes, (w.samples[i].Depth-w.samples[i-1].Depth)/dt)
	}
	if len(slopes) == 0 {
		return 0.6
	}

	mean := 0.0
	for _, s := range slopes {
		mean += s
	}
	mean /= float64(len(slopes))

	variance := 0.0
	for _, s := range slopes {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(slopes))
	stdDev := math.Sqrt(variance)

	return math.Max(0.4, 1-stdDev/math.Abs(mean+1))
}

// Recommendation is a predictive-scaling suggestion derived from a
// Prediction.
type Recommendation struct {
	Action           string // scale_up, scale_down, maintain
	RecommendedAgents int
	Confidence       float64
	Trigger          string
}

// Recommend turns pred into a scale_up/scale_down/maintain recommendation.
func Recommend(pred Prediction, currentDepth float64) Recommendation {
	switch {
	case pred.GrowthRatePerSec > 0.5:
		return Recommendation{
			Action:            "scale_up",
			RecommendedAgents: int(math.Ceil(pred.PredictedDepth / 5)),
			Confidence:        pred.Confidence,
			Trigger:           "prediction",
		}
	case pred.GrowthRatePerSec < -0.5 && currentDepth < 5:
		return Recommendation{Action: "scale_down", Confidence: pred.Confidence, Trigger: "prediction"}
	default:
		return Recommendation{Action: "maintain", Confidence: pred.Confidence}
	}
}

// Schedule is a simplified cron entry: "@hourly", "@daily", "@weekly", or a
// standard 5-field "m h dom mon dow" expression (each field "*" or a
// literal integer — no ranges/steps/lists, matching the spec's
// "simplified cron").
type Schedule struct {
	Name        string
	Expr        string
	AgentCount  int
}

// Matches reports whether s is active at the given minute-resolution
// instant.
func (s Schedule) Matches(now time.Time) bool {
	switch s.Expr {
	case "@hourly":
		return now.Minute() == 0
	case "@daily":
		return now.Hour() == 0 && now.Minute() == 0
	case "@weekly":
		return now.Weekday() == time.Sunday && now.Hour() == 0 && now.Minute() == 0
	}

	fields := strings.Fields(s.Expr)
	if len(fields) != 5 {
		return false
	}

	return fieldMatches(fields[0], now.Minute()) &&
		fieldMatches(fields[1], now.Hour()) &&
		fieldMatches(fields[2], now.Day()) &&
		fieldMatches(fields[3], int(now.Month())) &&
		fieldMatches(fields[4], int(now.Weekday()))
}

func fieldMatches(field string, value int) bool {
	if field == "*" {
		return true
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return false
	}
	return n == value
}

// ScheduleDecision is produced when an active schedule's agent count
// differs from the team's current count.
type ScheduleDecision struct {
	TargetAgentCount int
	Trigger          string
	Confidence       float64
}

// EvaluateSchedules returns the first matching schedule whose AgentCount
// differs from currentAgents, bypassing threshold evaluation with
// confidence 1.0.
func EvaluateSchedules(schedules []Schedule, now time.Time, currentAgents int) (ScheduleDecision, bool) {
	for _, s := range schedules {
		if s.Matches(now) && s.AgentCount != currentAgents {
			return ScheduleDecision{TargetAgentCount: s.AgentCount, Trigger: "schedule", Confidence: 1.0}, true
		}
	}
	return ScheduleDecision{}, false
}

// PreWarmConfig enables early scale-up ahead of a predicted surge.
type PreWarmConfig struct {
	Enabled          bool
	LeadTimeMinutes  float64
	AgentCount       int
}

// PreWarmDecision is produced by EvaluatePreWarm when warranted.
type PreWarmDecision struct {
	TargetAgentCount int
	Trigger          string
	Confidence       float64
}

// EvaluatePreWarm checks whether a confident prediction within
// cfg.LeadTimeMinutes projects a depth surge that warrants pre-warming
// capacity.
func EvaluatePreWarm(w *Window, cfg PreWarmConfig) (PreWarmDecision, bool) {
	if !cfg.Enabled {
		return PreWarmDecision{}, false
	}

	pred := w.Predict(cfg.LeadTimeMinutes * 60)
	if pred.Confidence >= 0.5 && pred.PredictedDepth > 20 {
		return PreWarmDecision{
			TargetAgentCount: cfg.AgentCount,
			Trigger:          "prediction",
			Confidence:       0.7,
		}, true
	}
	return PreWarmDecision{}, false
}

// ValidateSchedule checks a Schedule's expression is one of the recognized
// forms, rejecting configuration-invalid input at registration time.
func ValidateSchedule(s Schedule) error {
	switch s.Expr {
	case "@hourly", "@daily", "@weekly":
		return nil
	}
	fields := strings.Fields(s.Expr)
	if len(fields) != 5 {
		return fmt.Errorf("schedule %q: expected @hourly/@daily/@weekly or 5 cron fields, got %d fields", s.Name, len(fields))
	}
	for _, f := range fields {
		if f == "*" {
			continue
		}
		if _, err := strconv.Atoi(f); err != nil {
			return fmt.Errorf("schedule %q: field %q is neither '*' nor an integer", s.Name, f)
		}
	}
	return nil
}
