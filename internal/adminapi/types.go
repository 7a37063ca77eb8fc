package adminapi

import (
	"time"

	"github.com/wisbric/fleetctl/pkg/budget"
	"github.com/wisbric/fleetctl/pkg/circuitbreaker"
	"github.com/wisbric/fleetctl/pkg/policy"
)

// ThresholdRequest mirrors policy.Threshold for wire transport.
type ThresholdRequest struct {
	Metric          string  `json:"metric" validate:"required,oneof=queue_depth queue_growth_rate agent_cpu_percent agent_memory_percent event_backlog_size agent_utilization task_completion_rate"`
	Op              string  `json:"op" validate:"required,oneof=gt gte lt lte eq"`
	Value           float64 `json:"value"`
	Weight          float64 `json:"weight" validate:"gte=0,lte=1"`
	DurationSeconds int     `json:"duration_seconds" validate:"gte=0"`
}

func (t ThresholdRequest) toThreshold() policy.Threshold {
	return policy.Threshold{
		Metric: policy.Metric(t.Metric), Op: policy.Op(t.Op), Value: t.Value,
		Weight: t.Weight, DurationSeconds: t.DurationSeconds,
	}
}

func thresholdFrom(th policy.Threshold) ThresholdRequest {
	return ThresholdRequest{
		Metric: string(th.Metric), Op: string(th.Op), Value: th.Value,
		Weight: th.Weight, DurationSeconds: th.DurationSeconds,
	}
}

// ScaleRuleRequest mirrors policy.ScaleRule.
type ScaleRuleRequest struct {
	Thresholds       []ThresholdRequest `json:"thresholds" validate:"required,min=1,dive"`
	Increment        string             `json:"increment" validate:"required"`
	MaxIncrement     int                `json:"max_increment"`
	MaxDecrement     int                `json:"max_decrement"`
	CooldownSeconds  int                `json:"cooldown_seconds" validate:"gte=0"`
	RequireAll       bool               `json:"require_all"`
	MinAgents        int                `json:"min_agents"`
	GracefulShutdown bool               `json:"graceful_shutdown"`
}

func (r ScaleRuleRequest) toScaleRule() policy.ScaleRule {
	ths := make([]policy.Threshold, 0, len(r.Thresholds))
	for _, t := range r.Thresholds {
		ths = append(ths, t.toThreshold())
	}
	return policy.ScaleRule{
		Thresholds: ths, Increment: r.Increment, MaxIncrement: r.MaxIncrement,
		MaxDecrement: r.MaxDecrement, Cooldown: time.Duration(r.CooldownSeconds) * time.Second,
		RequireAll: r.RequireAll, MinAgents: r.MinAgents, GracefulShutdown: r.GracefulShutdown,
	}
}

func scaleRuleFrom(r policy.ScaleRule) ScaleRuleRequest {
	ths := make([]ThresholdRequest, 0, len(r.Thresholds))
	for _, t := range r.Thresholds {
		ths = append(ths, thresholdFrom(t))
	}
	return ScaleRuleRequest{
		Thresholds: ths, Increment: r.Increment, MaxIncrement: r.MaxIncrement,
		MaxDecrement: r.MaxDecrement, CooldownSeconds: int(r.Cooldown.Seconds()),
		RequireAll: r.RequireAll, MinAgents: r.MinAgents, GracefulShutdown: r.GracefulShutdown,
	}
}

// PolicyRequest is the wire shape for registering a team's scaling policy.
type PolicyRequest struct {
	TeamID     string           `json:"team_id" validate:"required"`
	MinAgents  int              `json:"min_agents" validate:"gte=0"`
	MaxAgents  int              `json:"max_agents" validate:"gte=0"`
	ScaleUp    ScaleRuleRequest `json:"scale_up"`
	ScaleDown  ScaleRuleRequest `json:"scale_down"`
	Predictive bool             `json:"predictive"`
	CostAware  bool             `json:"cost_aware"`
}

func (r PolicyRequest) toPolicy() policy.Policy {
	return policy.Policy{
		TeamID: r.TeamID, MinAgents: r.MinAgents, MaxAgents: r.MaxAgents,
		ScaleUp: r.ScaleUp.toScaleRule(), ScaleDown: r.ScaleDown.toScaleRule(),
		Predictive: r.Predictive, CostAware: r.CostAware,
	}
}

// PolicyResponse is the wire shape for reading back a registered policy.
type PolicyResponse struct {
	TeamID     string           `json:"team_id"`
	MinAgents  int              `json:"min_agents"`
	MaxAgents  int              `json:"max_agents"`
	ScaleUp    ScaleRuleRequest `json:"scale_up"`
	ScaleDown  ScaleRuleRequest `json:"scale_down"`
	Predictive bool             `json:"predictive"`
	CostAware  bool             `json:"cost_aware"`
}

func policyResponseFrom(p policy.Policy) PolicyResponse {
	return PolicyResponse{
		TeamID: p.TeamID, MinAgents: p.MinAgents, MaxAgents: p.MaxAgents,
		ScaleUp: scaleRuleFrom(p.ScaleUp), ScaleDown: scaleRuleFrom(p.ScaleDown),
		Predictive: p.Predictive, CostAware: p.CostAware,
	}
}

// BudgetRequest is the wire shape for registering a team's budget.
type BudgetRequest struct {
	TotalBudget       float64 `json:"total_budget" validate:"gt=0"`
	Period            string  `json:"period" validate:"required,oneof=hourly daily weekly monthly"`
	AlertThreshold    float64 `json:"alert_threshold" validate:"gt=0,lt=1"`
	HardStopThreshold float64 `json:"hard_stop_threshold" validate:"gt=0,lte=1"`
	ResetHour         int     `json:"reset_hour" validate:"gte=0,lte=23"`
	ResetDayOfWeek    int     `json:"reset_day_of_week" validate:"gte=0,lte=6"`
	ResetDayOfMonth   int     `json:"reset_day_of_month" validate:"gte=0,lte=28"`
	Currency          string  `json:"currency" validate:"omitempty,iso4217"`
}

func (r BudgetRequest) toConfig(teamID string) budget.Config {
	return budget.Config{
		TeamID: teamID, TotalBudget: r.TotalBudget, Period: budget.Period(r.Period),
		AlertThreshold: r.AlertThreshold, HardStopThreshold: r.HardStopThreshold,
		ResetHour: r.ResetHour, ResetDayOfWeek: r.ResetDayOfWeek, ResetDayOfMonth: r.ResetDayOfMonth,
		Currency: r.Currency,
	}
}

// BudgetResponse reports a team's current budget configuration and spend.
type BudgetResponse struct {
	TeamID            string  `json:"team_id"`
	TotalBudget       float64 `json:"total_budget"`
	Period            string  `json:"period"`
	AlertThreshold    float64 `json:"alert_threshold"`
	HardStopThreshold float64 `json:"hard_stop_threshold"`
	Currency          string  `json:"currency"`
	CurrentCost       float64 `json:"current_cost"`
	PercentageUsed    float64 `json:"percentage_used"`
}

func budgetResponseFrom(teamID string, cfg budget.Config, currentCost float64) BudgetResponse {
	pct := 0.0
	if cfg.TotalBudget > 0 {
		pct = currentCost / cfg.TotalBudget
	}
	return BudgetResponse{
		TeamID: teamID, TotalBudget: cfg.TotalBudget, Period: string(cfg.Period),
		AlertThreshold: cfg.AlertThreshold, HardStopThreshold: cfg.HardStopThreshold,
		Currency: cfg.Currency, CurrentCost: currentCost, PercentageUsed: pct,
	}
}

// DecisionResponse is one persisted auto-scaler decision.
type DecisionResponse struct {
	Timestamp         time.Time `json:"timestamp"`
	TeamID            string    `json:"team_id"`
	Action            string    `json:"action"`
	TargetAgentCount  int       `json:"target_agent_count"`
	CurrentAgentCount int       `json:"current_agent_count"`
	Reason            string    `json:"reason"`
	Confidence        float64   `json:"confidence"`
	Executed          bool      `json:"executed"`
	ExecutionResult   string    `json:"execution_result,omitempty"`
	BlockReason       string    `json:"block_reason,omitempty"`
}

// AgentRequest registers a recovery handler binding for an agent that
// exposes its control surface over HTTP (GET /health, GET /state,
// GET /status, POST /restart, POST /restore).
type AgentRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	TeamID  string `json:"team_id" validate:"required"`
	BaseURL string `json:"base_url" validate:"required,url"`
}

// EscalationAckRequest acknowledges an open escalation.
type EscalationAckRequest struct {
	HandledBy string  `json:"handled_by" validate:"required"`
	Action    *string `json:"action" validate:"omitempty,oneof=manual_review notify auto_scale terminate"`
}

// CircuitResponse is a point-in-time snapshot of a named circuit.
type CircuitResponse struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	FailureRate     float64 `json:"failure_rate"`
	CallsPerSecond  float64 `json:"calls_per_second"`
	TotalCalls      int64   `json:"total_calls"`
	RejectedCalls   int64   `json:"rejected_calls"`
	OpenTransitions int64   `json:"open_transitions"`
}

func circuitResponseFrom(c *circuitbreaker.Circuit) CircuitResponse {
	stats := c.Stats()
	return CircuitResponse{
		Name: c.Name(), State: string(stats.State), FailureRate: stats.FailureRate,
		CallsPerSecond: stats.CallsPerSecond, TotalCalls: stats.TotalCalls,
		RejectedCalls: stats.RejectedCalls, OpenTransitions: stats.OpenTransitions,
	}
}
