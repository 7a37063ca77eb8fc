// Package policy implements the pure scaling decision function: policy +
// metrics + budget/cooldown state → Decision. It has no I/O and no
// clock/state of its own; the auto-scaler supplies everything it needs as
// arguments.
package policy

import (
	"fmt"
	"math"
	"time"
)

// Metric is a closed enumeration of the metric names a Threshold may
// reference.
type Metric string

const (
	MetricQueueDepth         Metric = "queue_depth"
	MetricQueueGrowthRate    Metric = "queue_growth_rate"
	MetricAgentCPUPercent    Metric = "agent_cpu_percent"
	MetricAgentMemoryPercent Metric = "agent_memory_percent"
	MetricEventBacklogSize   Metric = "event_backlog_size"
	MetricAgentUtilization   Metric = "agent_utilization"
	MetricTaskCompletionRate Metric = "task_completion_rate"
)

var validMetrics = map[Metric]bool{
	MetricQueueDepth: true, MetricQueueGrowthRate: true, MetricAgentCPUPercent: true,
	MetricAgentMemoryPercent: true, MetricEventBacklogSize: true, MetricAgentUtilization: true,
	MetricTaskCompletionRate: true,
}

// Op is a threshold comparison operator.
type Op string

const (
	OpGT  Op = "gt"
	OpGTE Op = "gte"
	OpLT  Op = "lt"
	OpLTE Op = "lte"
	OpEQ  Op = "eq"
)

// Threshold is one condition within a scale-up or scale-down rule.
type Threshold struct {
	Metric          Metric
	Op              Op
	Value           float64
	Weight          float64 // [0,1]
	DurationSeconds int
}

func (th Threshold) fires(value float64) bool {
	switch th.Op {
	case OpGT:
		return value > th.Value
	case OpGTE:
		return value >= th.Value
	case OpLT:
		return value < th.Value
	case OpLTE:
		return value <= th.Value
	case OpEQ:
		return value == th.Value
	default:
		return false
	}
}

// ScaleRule is the shared shape of ScaleUp/ScaleDown.
type ScaleRule struct {
	Thresholds      []Threshold
	Increment       string // integer as string, or "auto"
	MaxIncrement    int
	MaxDecrement    int
	Cooldown        time.Duration
	RequireAll      bool
	MinAgents       int // scale-down only
	GracefulShutdown bool
}

// Policy is a team's registered scaling policy.
type Policy struct {
	TeamID     string
	MinAgents  int
	MaxAgents  int
	ScaleUp    ScaleRule
	ScaleDown  ScaleRule
	Predictive bool
	CostAware  bool
}

// Validate rejects configuration-invalid policies at registration, per
// spec.md §7's "Configuration invalid" error class.
func (p Policy) Validate() error {
	if p.MinAgents > p.MaxAgents {
		return fmt.Errorf("policy %s: minAgents (%d) > maxAgents (%d)", p.TeamID, p.MinAgents, p.MaxAgents)
	}
	if p.ScaleDown.MinAgents != 0 && p.ScaleDown.MinAgents < p.MinAgents {
		return fmt.Errorf("policy %s: scaleDown.minAgents (%d) < policy.minAgents (%d)", p.TeamID, p.ScaleDown.MinAgents, p.MinAgents)
	}
	for _, th := range p.ScaleUp.Thresholds {
		if !validMetrics[th.Metric] {
			return fmt.Errorf("policy %s: unknown scale-up metric %q", p.TeamID, th.Metric)
		}
	}
	for _, th := range p.ScaleDown.Thresholds {
		if !validMetrics[th.Metric] {
			return fmt.Errorf("policy %s: unknown scale-down metric %q", p.TeamID, th.Metric)
		}
	}
	return nil
}

// Metrics is one evaluation tick's sampled metrics for a team.
type Metrics struct {
	CurrentAgentCount int
	QueueDepth        float64
	QueueGrowthRate   float64
	CPUPercent        float64
	MemoryPercent     float64
	EventBacklog      float64
	Utilization       float64
	CompletionRate    float64
}

func (m Metrics) value(metric Metric) float64 {
	switch metric {
	case MetricQueueDepth:
		return m.QueueDepth
	case MetricQueueGrowthRate:
		return m.QueueGrowthRate
	case MetricAgentCPUPercent:
		return m.CPUPercent
	case MetricAgentMemoryPercent:
		return m.MemoryPercent
	case MetricEventBacklogSize:
		return m.EventBacklog
	case MetricAgentUtilization:
		return m.Utilization
	case MetricTaskCompletionRate:
		return m.CompletionRate
	default:
		return 0
	}
}

// Action is the kind of scaling decision produced.
type Action string

const (
	ActionScaleUp      Action = "scale_up"
	ActionScaleDown    Action = "scale_down"
	ActionMaintain     Action = "maintain"
	ActionEmergencyStop Action = "emergency_stop"
)

// Decision is the pure output of Evaluate.
type Decision struct {
	Action            Action
	TargetAgentCount  int
	CurrentAgentCount int
	Reason            string
	Triggers          []Metric
	Confidence        float64
}

// Evaluate is the pure policy function described in spec.md §4.5. Its
// precedence order is: budget force-down, cooldown, scale-up threshold
// evaluation, scale-down, maintain.
func Evaluate(p Policy, m Metrics, lastScaleUpAt, lastScaleDownAt *time.Time, now time.Time, budgetExceeded bool) Decision {
	current := m.CurrentAgentCount

	// 1. Budget force-down.
	if budgetExceeded && current > p.MinAgents {
		target := maxInt(p.MinAgents, current-1)
		return Decision{
			Action: ActionScaleDown, TargetAgentCount: target, CurrentAgentCount: current,
			Reason: "budget hard-stop exceeded", Triggers: nil, Confidence: 1.0,
		}
	}

	// 2. Cooldown.
	if lastScaleUpAt != nil && p.ScaleUp.Cooldown > 0 && now.Sub(*lastScaleUpAt) < p.ScaleUp.Cooldown {
		return maintainDecision(current, "cooldown: scale-up cooldown active")
	}
	if lastScaleDownAt != nil && p.ScaleDown.Cooldown > 0 && now.Sub(*lastScaleDownAt) < p.ScaleDown.Cooldown {
		return maintainDecision(current, "cooldown: scale-down cooldown active")
	}

	// 3. Scale-up evaluation.
	if fired, triggers := evaluateRule(p.ScaleUp.Thresholds, m, p.ScaleUp.RequireAll); fired {
		if current < p.MaxAgents {
			increment := resolveIncrement(p.ScaleUp.Increment, p.ScaleUp.MaxIncrement, m.QueueDepth)
			target := clamp(current+increment, p.MinAgents, p.MaxAgents)
			return Decision{
				Action: ActionScaleUp, TargetAgentCount: target, CurrentAgentCount: current,
				Reason: "scale-up thresholds fired", Triggers: triggers, Confidence: 1.0,
			}
		}
	}

	// 4. Scale-down evaluation.
	scaleDownFloor := p.MinAgents
	if p.ScaleDown.MinAgents > scaleDownFloor {
		scaleDownFloor = p.ScaleDown.MinAgents
	}
	if fired, triggers := evaluateRule(p.ScaleDown.Thresholds, m, p.ScaleDown.RequireAll); fired {
		if current > scaleDownFloor {
			decrement := resolveDecrement(p.ScaleDown.Increment, p.ScaleDown.MaxDecrement, m.QueueDepth, p.ScaleDown.Thresholds)
			target := clamp(current-decrement, scaleDownFloor, p.MaxAgents)
			return Decision{
				Action: ActionScaleDown, TargetAgentCount: target, CurrentAgentCount: current,
				Reason: "scale-down thresholds fired", Triggers: triggers, Confidence: 1.0,
			}
		}
	}

	// 5. Maintain.
	return maintainDecision(current, "no threshold fired")
}

func maintainDecision(current int, reason string) Decision {
	return Decision{Action: ActionMaintain, TargetAgentCount: current, CurrentAgentCount: current, Reason: reason, Confidence: 1.0}
}

// evaluateRule reports whether a scale rule fires, and which metrics
// triggered it. requireAll demands every threshold hold; otherwise a
// weighted score >= 0.5 fires.
func evaluateRule(thresholds []Threshold, m Metrics, requireAll bool) (bool, []Metric) {
	if len(thresholds) == 0 {
		return false, nil
	}

	var triggers []Metric
	if requireAll {
		for _, th := range thresholds {
			if !th.fires(m.value(th.Metric)) {
				return false, nil
			}
			triggers = append(triggers, th.Metric)
		}
		return true, triggers
	}

	score := 0.0
	for _, th := range thresholds {
		if th.fires(m.value(th.Metric)) {
			score += th.Weight
			triggers = append(triggers, th.Metric)
		}
	}
	return score >= 0.5, triggers
}

// resolveIncrement implements the auto-increment formula:
// up = min(maxIncrement, max(1, ceil(queueDepth/10))).
func resolveIncrement(increment string, maxIncrement int, queueDepth float64) int {
	if increment != "auto" {
		if n, err := parseIntOrZero(increment); err == nil && n > 0 {
			return n
		}
	}
	if maxIncrement <= 0 {
		maxIncrement = 1 << 30
	}
	up := int(math.Ceil(queueDepth / 10))
	if up < 1 {
		up = 1
	}
	if up > maxIncrement {
		up = maxIncrement
	}
	return up
}

// resolveDecrement implements down = min(maxDecrement, max(1,
// floor((scaleDown.threshold - queueDepth)/5))), using the first
// scale-down threshold's value as "scaleDown.threshold".
func resolveDecrement(decrement string, maxDecrement int, queueDepth float64, thresholds []Threshold) int {
	if decrement != "auto" {
		if n, err := parseIntOrZero(decrement); err == nil && n > 0 {
			return n
		}
	}
	if maxDecrement <= 0 {
		maxDecrement = 1 << 30
	}

	thresholdValue := 0.0
	if len(thresholds) > 0 {
		thresholdValue = thresholds[0].Value
	}

	down := int(math.Floor((thresholdValue - queueDepth) / 5))
	if down < 1 {
		down = 1
	}
	if down > maxDecrement {
		down = maxDecrement
	}
	return down
}

func parseIntOrZero(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
