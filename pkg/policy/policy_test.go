package policy

import (
	"testing"
	"time"
)

func defaultPolicy(teamID string, min, max int) Policy {
	return Policy{
		TeamID:    teamID,
		MinAgents: min,
		MaxAgents: max,
		ScaleUp: ScaleRule{
			Thresholds: []Threshold{{Metric: MetricQueueDepth, Op: OpGT, Value: 10, Weight: 0.5}},
			Increment:  "auto", MaxIncrement: 10, Cooldown: 30 * time.Second,
		},
		ScaleDown: ScaleRule{
			Thresholds: []Threshold{{Metric: MetricQueueDepth, Op: OpLT, Value: 5, Weight: 0.5}},
			Increment:  "auto", MaxDecrement: 10, Cooldown: 60 * time.Second, MinAgents: min,
		},
	}
}

func TestEvaluate_Scenario1_ScaleUpOnQueueDepth(t *testing.T) {
	p := defaultPolicy("t1", 5, 50)
	m := Metrics{CurrentAgentCount: 10, QueueDepth: 15}
	now := time.Now()

	d := Evaluate(p, m, nil, nil, now, false)

	if d.Action != ActionScaleUp {
		t.Fatalf("Action = %s, want scale_up", d.Action)
	}
	if d.TargetAgentCount != 12 {
		t.Errorf("TargetAgentCount = %d, want 12 (ceil(15/10)=2, 10+2)", d.TargetAgentCount)
	}
}

func TestEvaluate_Scenario2_CooldownBlocksScaleUp(t *testing.T) {
	p := defaultPolicy("t2", 5, 50)
	m := Metrics{CurrentAgentCount: 10, QueueDepth: 15}
	now := time.Now()
	last := now.Add(-10 * time.Second)

	d := Evaluate(p, m, &last, nil, now, false)

	if d.Action != ActionMaintain {
		t.Fatalf("Action = %s, want maintain", d.Action)
	}
	if !contains(d.Reason, "cooldown") {
		t.Errorf("Reason = %q, want to contain 'cooldown'", d.Reason)
	}
}

func TestEvaluate_Scenario3_BudgetForceDown(t *testing.T) {
	p := defaultPolicy("t3", 5, 50)
	m := Metrics{CurrentAgentCount: 20}
	now := time.Now()

	d := Evaluate(p, m, nil, nil, now, true)

	if d.Action != ActionScaleDown {
		t.Fatalf("Action = %s, want scale_down", d.Action)
	}
	if d.TargetAgentCount != 19 {
		t.Errorf("TargetAgentCount = %d, want max(5, 19)=19", d.TargetAgentCount)
	}

	// Subsequent tick still hard-stop: monotonic convergence.
	m2 := Metrics{CurrentAgentCount: 19}
	d2 := Evaluate(p, m2, nil, nil, now, true)
	if d2.TargetAgentCount != 18 {
		t.Errorf("second tick TargetAgentCount = %d, want 18", d2.TargetAgentCount)
	}
}

func TestEvaluate_MaintainHasTargetEqualCurrent(t *testing.T) {
	p := defaultPolicy("t4", 5, 50)
	m := Metrics{CurrentAgentCount: 10, QueueDepth: 7} // between thresholds
	d := Evaluate(p, m, nil, nil, time.Now(), false)

	if d.Action != ActionMaintain {
		t.Fatalf("Action = %s, want maintain", d.Action)
	}
	if d.TargetAgentCount != d.CurrentAgentCount {
		t.Errorf("maintain decision target (%d) != current (%d)", d.TargetAgentCount, d.CurrentAgentCount)
	}
}

func TestEvaluate_ScaleDownCannotGoBelowMinAgents(t *testing.T) {
	p := defaultPolicy("t5", 5, 50)
	m := Metrics{CurrentAgentCount: 5, QueueDepth: 0}
	d := Evaluate(p, m, nil, nil, time.Now(), false)

	if d.Action != ActionMaintain {
		t.Fatalf("Action = %s, want maintain (at minAgents floor)", d.Action)
	}
}

func TestEvaluate_WeightedScoreRequiresHalf(t *testing.T) {
	p := Policy{
		TeamID: "t6", MinAgents: 1, MaxAgents: 10,
		ScaleUp: ScaleRule{
			Thresholds: []Threshold{
				{Metric: MetricQueueDepth, Op: OpGT, Value: 10, Weight: 0.3},
				{Metric: MetricAgentCPUPercent, Op: OpGT, Value: 80, Weight: 0.3},
			},
			Increment: "1", Cooldown: 0,
		},
	}

	// Only one of two thresholds fires; combined weight 0.3 < 0.5 -> no fire.
	m := Metrics{CurrentAgentCount: 2, QueueDepth: 15, CPUPercent: 10}
	d := Evaluate(p, m, nil, nil, time.Now(), false)
	if d.Action != ActionMaintain {
		t.Fatalf("Action = %s, want maintain (score 0.3 < 0.5)", d.Action)
	}
}

func TestEvaluate_RequireAllThresholds(t *testing.T) {
	p := Policy{
		TeamID: "t7", MinAgents: 1, MaxAgents: 10,
		ScaleUp: ScaleRule{
			Thresholds: []Threshold{
				{Metric: MetricQueueDepth, Op: OpGT, Value: 10, Weight: 1},
				{Metric: MetricAgentCPUPercent, Op: OpGT, Value: 80, Weight: 1},
			},
			RequireAll: true, Increment: "1",
		},
	}

	m := Metrics{CurrentAgentCount: 2, QueueDepth: 15, CPUPercent: 10}
	d := Evaluate(p, m, nil, nil, time.Now(), false)
	if d.Action != ActionMaintain {
		t.Fatal("expected maintain when requireAll and one threshold doesn't fire")
	}

	m2 := Metrics{CurrentAgentCount: 2, QueueDepth: 15, CPUPercent: 90}
	d2 := Evaluate(p, m2, nil, nil, time.Now(), false)
	if d2.Action != ActionScaleUp {
		t.Fatal("expected scale_up when requireAll and all thresholds fire")
	}
}

func TestPolicy_Validate(t *testing.T) {
	bad := Policy{TeamID: "x", MinAgents: 10, MaxAgents: 5}
	if err := bad.Validate(); err == nil {
		t.Error("expected error when minAgents > maxAgents")
	}

	badMetric := Policy{
		TeamID: "y", MinAgents: 1, MaxAgents: 10,
		ScaleUp: ScaleRule{Thresholds: []Threshold{{Metric: "bogus_metric", Op: OpGT, Value: 1}}},
	}
	if err := badMetric.Validate(); err == nil {
		t.Error("expected error for non-enumerated metric name")
	}

	good := defaultPolicy("z", 1, 10)
	if err := good.Validate(); err != nil {
		t.Errorf("expected valid policy, got %v", err)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
