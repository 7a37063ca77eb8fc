package autoscaler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/fleetctl/pkg/events"
	"github.com/wisbric/fleetctl/pkg/orchestrator"
	"github.com/wisbric/fleetctl/pkg/policy"
)

type fakeMetricsSource struct {
	mu        sync.Mutex
	metrics   map[string]policy.Metrics
	writeBacks []string
}

func newFakeMetricsSource() *fakeMetricsSource {
	return &fakeMetricsSource{metrics: make(map[string]policy.Metrics)}
}

func (f *fakeMetricsSource) Sample(ctx context.Context, teamID string) (policy.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics[teamID], nil
}

func (f *fakeMetricsSource) WriteBack(ctx context.Context, teamID string, snapshot policy.Metrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeBacks = append(f.writeBacks, teamID)
	return nil
}

func (f *fakeMetricsSource) set(teamID string, m policy.Metrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[teamID] = m
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPolicy(teamID string) policy.Policy {
	return policy.Policy{
		TeamID: teamID, MinAgents: 1, MaxAgents: 50,
		ScaleUp: policy.ScaleRule{
			Thresholds: []policy.Threshold{{Metric: policy.MetricQueueDepth, Op: policy.OpGT, Value: 10, Weight: 1}},
			Increment:  "auto", MaxIncrement: 10,
		},
		ScaleDown: policy.ScaleRule{
			Thresholds: []policy.Threshold{{Metric: policy.MetricQueueDepth, Op: policy.OpLT, Value: 5, Weight: 1}},
			Increment:  "auto", MaxDecrement: 10, MinAgents: 1,
		},
	}
}

func TestAutoScaler_EvaluateTeam_ScalesUpAndExecutes(t *testing.T) {
	src := newFakeMetricsSource()
	src.set("team-1", policy.Metrics{CurrentAgentCount: 10, QueueDepth: 15})

	fakeOrch := orchestrator.NewFake()
	bus := events.NewBus(testLogger())

	as := New(Config{EvaluationInterval: time.Second, MaxScalingOpsPerHour: 20}, src, nil, fakeOrch, bus, testLogger())
	if err := as.RegisterPolicy(testPolicy("team-1")); err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}

	if err := as.evaluateTeam(context.Background(), "team-1"); err != nil {
		t.Fatalf("evaluateTeam: %v", err)
	}

	calls := fakeOrch.Calls()
	if len(calls) != 1 {
		t.Fatalf("orchestrator calls = %d, want 1", len(calls))
	}
	if calls[0].Target != 12 {
		t.Errorf("target = %d, want 12", calls[0].Target)
	}

	decisions := as.Decisions("team-1", 10)
	if len(decisions) != 1 || decisions[0].Action != policy.ActionScaleUp {
		t.Fatalf("decisions = %+v, want one scale_up decision", decisions)
	}
	if !decisions[0].Executed {
		t.Error("expected Executed = true for a successfully dispatched scale-up")
	}
	if decisions[0].ExecutionResult != "success" {
		t.Errorf("execution result = %q, want %q", decisions[0].ExecutionResult, "success")
	}
	if decisions[0].BlockReason != "" {
		t.Errorf("block reason = %q, want empty", decisions[0].BlockReason)
	}
}

func TestAutoScaler_MaintainDoesNotCallOrchestrator(t *testing.T) {
	src := newFakeMetricsSource()
	src.set("team-2", policy.Metrics{CurrentAgentCount: 10, QueueDepth: 7})

	fakeOrch := orchestrator.NewFake()
	bus := events.NewBus(testLogger())

	as := New(Config{}, src, nil, fakeOrch, bus, testLogger())
	if err := as.RegisterPolicy(testPolicy("team-2")); err != nil {
		t.Fatal(err)
	}

	if err := as.evaluateTeam(context.Background(), "team-2"); err != nil {
		t.Fatal(err)
	}

	if len(fakeOrch.Calls()) != 0 {
		t.Error("expected no orchestrator calls on maintain")
	}
}

func TestAutoScaler_RateLimitBlocksAfterThreshold(t *testing.T) {
	src := newFakeMetricsSource()
	src.set("team-3", policy.Metrics{CurrentAgentCount: 10, QueueDepth: 15})

	fakeOrch := orchestrator.NewFake()
	bus := events.NewBus(testLogger())

	as := New(Config{MaxScalingOpsPerHour: 1}, src, nil, fakeOrch, bus, testLogger())
	if err := as.RegisterPolicy(testPolicy("team-3")); err != nil {
		t.Fatal(err)
	}

	if err := as.evaluateTeam(context.Background(), "team-3"); err != nil {
		t.Fatal(err)
	}
	if err := as.evaluateTeam(context.Background(), "team-3"); err != nil {
		t.Fatal(err)
	}

	calls := fakeOrch.Calls()
	if len(calls) != 1 {
		t.Errorf("orchestrator calls = %d, want 1 (second should be rate-limited)", len(calls))
	}

	decisions := as.Decisions("team-3", 10)
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	blocked := decisions[0]
	if blocked.Executed {
		t.Error("expected second decision to have Executed = false")
	}
	if blocked.ExecutionResult != "blocked" {
		t.Errorf("execution result = %q, want %q", blocked.ExecutionResult, "blocked")
	}
	if blocked.BlockReason != "rate limited" {
		t.Errorf("block reason = %q, want %q", blocked.BlockReason, "rate limited")
	}
}

func TestAutoScaler_RegisterPolicy_RejectsInvalid(t *testing.T) {
	src := newFakeMetricsSource()
	as := New(Config{}, src, nil, orchestrator.NewFake(), nil, testLogger())

	bad := policy.Policy{TeamID: "x", MinAgents: 10, MaxAgents: 1}
	if err := as.RegisterPolicy(bad); err == nil {
		t.Error("expected error for invalid policy")
	}
}
