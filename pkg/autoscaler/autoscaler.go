// Package autoscaler owns the per-team evaluation loop: sample metrics,
// update budget and predictive state, ask the policy evaluator for a
// decision, gate it against budget and a local rate limit, and execute it
// through an orchestrator.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/fleetctl/internal/telemetry"
	"github.com/wisbric/fleetctl/pkg/budget"
	"github.com/wisbric/fleetctl/pkg/events"
	"github.com/wisbric/fleetctl/pkg/orchestrator"
	"github.com/wisbric/fleetctl/pkg/policy"
	"github.com/wisbric/fleetctl/pkg/predictive"
)

const decisionLogCapacity = 1000

// predictiveHorizonSeconds is how far ahead the growth-rate recommender
// projects queue depth; predictiveMinConfidence is the floor below which
// its recommendation is ignored in favor of staying on "maintain".
const (
	predictiveHorizonSeconds = 300
	predictiveMinConfidence  = 0.5
)

// Config controls process-wide auto-scaler timing, cost assumptions, and
// the default policy bounds applied when a registered policy omits them.
type Config struct {
	EvaluationInterval   time.Duration
	MaxScalingOpsPerHour int
	CostPerAgentHour     float64
	OverheadCostPerHour  float64
	Currency             string
	DefaultMinAgents     int
	DefaultMaxAgents     int
}

func (c *Config) withDefaults() {
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = 30 * time.Second
	}
	if c.MaxScalingOpsPerHour <= 0 {
		c.MaxScalingOpsPerHour = 20
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
}

type team struct {
	policy        policy.Policy
	window        *predictive.Window
	schedules     []predictive.Schedule
	preWarm       predictive.PreWarmConfig
	lastScaleUp   *time.Time
	lastScaleDown *time.Time
}

type rateLimitState struct {
	windowStart time.Time
	count       int
}

// Decision is one persisted evaluation outcome, including the eventual
// execution result.
type Decision struct {
	Timestamp         time.Time
	TeamID            string
	policy.Decision
	Executed        bool
	ExecutionResult string // success, failure, blocked
	BlockReason     string
}

// AutoScaler runs the evaluation loop across every registered team.
type AutoScaler struct {
	cfg           Config
	metricsSource MetricsSource
	budget        *budget.Tracker
	orchestrator  orchestrator.Orchestrator
	bus           *events.Bus
	logger        *slog.Logger

	mu    sync.RWMutex
	teams map[string]*team

	rlMu        sync.Mutex
	rateLimits  map[string]*rateLimitState

	decMu     sync.Mutex
	decisions []Decision

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an AutoScaler. budgetTracker may be nil if no team uses
// CostAware policies.
func New(cfg Config, metricsSource MetricsSource, budgetTracker *budget.Tracker, orch orchestrator.Orchestrator, bus *events.Bus, logger *slog.Logger) *AutoScaler {
	cfg.withDefaults()
	return &AutoScaler{
		cfg: cfg, metricsSource: metricsSource, budget: budgetTracker, orchestrator: orch, bus: bus, logger: logger,
		teams:      make(map[string]*team),
		rateLimits: make(map[string]*rateLimitState),
	}
}

// RegisterPolicy validates and installs p, replacing any prior policy for
// the same team. A zero MaxAgents is treated as "use the configured
// default policy bounds" rather than a literal zero-capacity team.
func (a *AutoScaler) RegisterPolicy(p policy.Policy) error {
	if p.MaxAgents == 0 {
		p.MinAgents = a.cfg.DefaultMinAgents
		p.MaxAgents = a.cfg.DefaultMaxAgents
	}

	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.teams[p.TeamID] = &team{policy: p, window: predictive.NewWindow()}
	return nil
}

// RemovePolicy unregisters a team entirely.
func (a *AutoScaler) RemovePolicy(teamID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.teams, teamID)
}

// GetPolicy returns the policy registered for teamID, if any.
func (a *AutoScaler) GetPolicy(teamID string) (policy.Policy, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.teams[teamID]
	if !ok {
		return policy.Policy{}, false
	}
	return t.policy, true
}

// ListPolicies returns every registered policy, in no particular order.
func (a *AutoScaler) ListPolicies() []policy.Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]policy.Policy, 0, len(a.teams))
	for _, t := range a.teams {
		out = append(out, t.policy)
	}
	return out
}

// DefaultCurrency returns the configured fallback currency for cost
// tracking, used when a budget is registered without one.
func (a *AutoScaler) DefaultCurrency() string {
	return a.cfg.Currency
}

// SetSchedules installs cron-style capacity schedules for a team.
func (a *AutoScaler) SetSchedules(teamID string, schedules []predictive.Schedule) error {
	for _, s := range schedules {
		if err := predictive.ValidateSchedule(s); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.teams[teamID]
	if !ok {
		return fmt.Errorf("no policy registered for team %s", teamID)
	}
	t.schedules = schedules
	return nil
}

// SetPreWarm configures predictive pre-warming for a team.
func (a *AutoScaler) SetPreWarm(teamID string, cfg predictive.PreWarmConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.teams[teamID]
	if !ok {
		return fmt.Errorf("no policy registered for team %s", teamID)
	}
	t.preWarm = cfg
	return nil
}

// Decisions returns up to n of the most recently persisted decisions for
// teamID, newest first.
func (a *AutoScaler) Decisions(teamID string, n int) []Decision {
	a.decMu.Lock()
	defer a.decMu.Unlock()

	var out []Decision
	for i := len(a.decisions) - 1; i >= 0 && len(out) < n; i-- {
		if a.decisions[i].TeamID == teamID {
			out = append(out, a.decisions[i])
		}
	}
	return out
}

// Start runs the evaluation loop until Stop is called or ctx is cancelled.
func (a *AutoScaler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.EvaluationInterval)
		defer ticker.Stop()

		var tickMu sync.Mutex
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !tickMu.TryLock() {
					a.logger.Warn("skipping evaluation tick: previous tick still running")
					continue
				}
				go func() {
					defer tickMu.Unlock()
					if err := a.tick(ctx); err != nil {
						a.logger.Error("autoscaler tick", "error", err)
					}
				}()
			}
		}
	}()
}

// Stop cancels the evaluation loop and waits for it to exit.
func (a *AutoScaler) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
}

func (a *AutoScaler) tick(ctx context.Context) error {
	a.mu.RLock()
	teamIDs := make([]string, 0, len(a.teams))
	for id := range a.teams {
		teamIDs = append(teamIDs, id)
	}
	a.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range teamIDs {
		id := id
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, a.cfg.EvaluationInterval)
			defer cancel()
			if err := a.evaluateTeam(tctx, id); err != nil {
				a.logger.Error("evaluating team", "team_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *AutoScaler) evaluateTeam(ctx context.Context, teamID string) error {
	a.mu.RLock()
	t, ok := a.teams[teamID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	m, err := a.metricsSource.Sample(ctx, teamID)
	if err != nil {
		return fmt.Errorf("sampling metrics for %s: %w", teamID, err)
	}

	now := time.Now()
	t.window.Add(predictive.Sample{At: now, Depth: m.QueueDepth})

	budgetExceeded := false
	if t.policy.CostAware && a.budget != nil {
		cost := a.cfg.CostPerAgentHour*float64(m.CurrentAgentCount)*a.cfg.EvaluationInterval.Hours() + a.cfg.OverheadCostPerHour*a.cfg.EvaluationInterval.Hours()
		if _, err := a.budget.UpdateCost(teamID, cost, now); err != nil {
			a.logger.Warn("updating budget cost", "team_id", teamID, "error", err)
		}
		if block, err := a.budget.ShouldBlockScaling(teamID, m.CurrentAgentCount, a.cfg.CostPerAgentHour, a.cfg.OverheadCostPerHour, 1); err == nil {
			budgetExceeded = block.Blocked
		}
	}

	dec := policy.Evaluate(t.policy, m, t.lastScaleUp, t.lastScaleDown, now, budgetExceeded)

	if dec.Action == policy.ActionMaintain && t.policy.Predictive {
		if pd, ok := predictive.EvaluateSchedules(t.schedules, now, m.CurrentAgentCount); ok {
			dec = policy.Decision{
				Action: scheduleAction(pd.TargetAgentCount, m.CurrentAgentCount), TargetAgentCount: pd.TargetAgentCount,
				CurrentAgentCount: m.CurrentAgentCount, Reason: "schedule", Confidence: pd.Confidence,
			}
		} else if wd, ok := predictive.EvaluatePreWarm(t.window, t.preWarm); ok && wd.TargetAgentCount > m.CurrentAgentCount {
			dec = policy.Decision{
				Action: policy.ActionScaleUp, TargetAgentCount: wd.TargetAgentCount,
				CurrentAgentCount: m.CurrentAgentCount, Reason: "pre-warm", Confidence: wd.Confidence,
			}
		} else if rec := predictive.Recommend(t.window.Predict(predictiveHorizonSeconds), m.QueueDepth); rec.Action != "maintain" && rec.Confidence >= predictiveMinConfidence {
			action := policy.Action(rec.Action)
			target := rec.RecommendedAgents
			if action == policy.ActionScaleDown && target == 0 {
				target = t.policy.ScaleDown.MinAgents
				if target == 0 {
					target = m.CurrentAgentCount
				}
			}
			dec = policy.Decision{
				Action: action, TargetAgentCount: target,
				CurrentAgentCount: m.CurrentAgentCount, Reason: "predicted_growth", Confidence: rec.Confidence,
			}
		}
	}

	persisted, idx := a.recordDecision(teamID, now, dec)

	telemetry.ScalingDecisionsTotal.WithLabelValues(string(dec.Action), persisted.Reason).Inc()
	telemetry.TeamAgentCount.WithLabelValues(teamID).Set(float64(m.CurrentAgentCount))
	a.emit(events.KindScalingDecision, map[string]any{"teamId": teamID, "action": dec.Action, "target": dec.TargetAgentCount})

	if err := a.metricsSource.WriteBack(ctx, teamID, m); err != nil {
		a.logger.Warn("writing back metrics snapshot", "team_id", teamID, "error", err)
	}

	if dec.Action == policy.ActionMaintain {
		return nil
	}

	a.execute(ctx, t, teamID, dec, now, idx)
	return nil
}

func scheduleAction(target, current int) policy.Action {
	if target > current {
		return policy.ActionScaleUp
	}
	return policy.ActionScaleDown
}

// recordDecision appends d to the bounded decision log and returns both
// the stored copy and its index, so execute can later patch in the
// outcome fields once gating has run.
func (a *AutoScaler) recordDecision(teamID string, now time.Time, dec policy.Decision) (Decision, int) {
	d := Decision{Timestamp: now, TeamID: teamID, Decision: dec}

	a.decMu.Lock()
	a.decisions = append(a.decisions, d)
	idx := len(a.decisions) - 1
	if len(a.decisions) > decisionLogCapacity {
		a.decisions = a.decisions[len(a.decisions)-decisionLogCapacity:]
		idx = len(a.decisions) - 1
	}
	a.decMu.Unlock()

	return d, idx
}

// finalizeDecision patches the outcome fields into the decision log entry
// recorded for (teamID, ts), if it's still present (it may have rolled
// off the bounded log under heavy load, in which case this is a no-op).
func (a *AutoScaler) finalizeDecision(idx int, teamID string, ts time.Time, executed bool, result, blockReason string) {
	a.decMu.Lock()
	defer a.decMu.Unlock()

	// Appends at capacity shift entries toward the front, so the entry may
	// now sit below idx; search downward from idx.
	if idx >= len(a.decisions) {
		idx = len(a.decisions) - 1
	}
	for ; idx >= 0; idx-- {
		d := &a.decisions[idx]
		if d.TeamID == teamID && d.Timestamp.Equal(ts) {
			d.Executed = executed
			d.ExecutionResult = result
			d.BlockReason = blockReason
			return
		}
	}
}

// execute runs the budget and rate-limit gates, then dispatches the scale
// command and records the outcome against the decision log entry at idx.
func (a *AutoScaler) execute(ctx context.Context, t *team, teamID string, dec policy.Decision, now time.Time, idx int) {
	if a.budget != nil && t.policy.CostAware {
		block, err := a.budget.ShouldBlockScaling(teamID, dec.TargetAgentCount, a.cfg.CostPerAgentHour, a.cfg.OverheadCostPerHour, 1)
		if err == nil && block.Blocked {
			a.emit(events.KindScalingBlocked, map[string]any{"teamId": teamID, "reason": block.Reason})
			telemetry.ScalingExecutionsTotal.WithLabelValues("blocked").Inc()
			a.finalizeDecision(idx, teamID, now, false, "blocked", block.Reason)
			return
		}
	}

	if a.rateLimited(teamID, now) {
		a.emit(events.KindScalingBlocked, map[string]any{"teamId": teamID, "reason": "rate limited"})
		telemetry.ScalingExecutionsTotal.WithLabelValues("blocked").Inc()
		a.finalizeDecision(idx, teamID, now, false, "blocked", "rate limited")
		return
	}

	err := a.orchestrator.Scale(ctx, teamID, dec.TargetAgentCount)

	result := "success"
	if err != nil {
		result = "failure"
		a.logger.Error("orchestrator scale failed", "team_id", teamID, "error", err)
	} else {
		a.mu.Lock()
		if dec.Action == policy.ActionScaleUp {
			t.lastScaleUp = &now
		} else if dec.Action == policy.ActionScaleDown {
			t.lastScaleDown = &now
		}
		a.mu.Unlock()
	}

	telemetry.ScalingExecutionsTotal.WithLabelValues(result).Inc()
	a.emit(events.KindScalingExecuted, map[string]any{"teamId": teamID, "result": result, "target": dec.TargetAgentCount})
	a.finalizeDecision(idx, teamID, now, err == nil, result, "")
}

// rateLimited reports whether teamID has hit maxScalingOperationsPerHour,
// resetting the counter after an hour of wall time.
func (a *AutoScaler) rateLimited(teamID string, now time.Time) bool {
	a.rlMu.Lock()
	defer a.rlMu.Unlock()

	st, ok := a.rateLimits[teamID]
	if !ok || now.Sub(st.windowStart) >= time.Hour {
		st = &rateLimitState{windowStart: now}
		a.rateLimits[teamID] = st
	}

	if st.count >= a.cfg.MaxScalingOpsPerHour {
		return true
	}
	st.count++
	return false
}

func (a *AutoScaler) emit(kind events.Kind, payload any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.Event{Kind: kind, Payload: payload})
}
