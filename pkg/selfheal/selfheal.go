// Package selfheal implements per-agent health checking, checkpoint- or
// restart-based recovery gated by a named circuit breaker, and escalation
// after repeated recovery failures.
package selfheal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/fleetctl/pkg/checkpoint"
	"github.com/wisbric/fleetctl/pkg/circuitbreaker"
	"github.com/wisbric/fleetctl/pkg/events"
)

// DetectionSource identifies how a failure was first observed.
type DetectionSource string

const (
	DetectionHealthCheck DetectionSource = "health_check"
	DetectionEvent       DetectionSource = "event"
	DetectionHeartbeat   DetectionSource = "heartbeat"
	DetectionManual      DetectionSource = "manual"
)

// Strategy is the recovery approach attempted for one attempt.
type Strategy string

const (
	StrategyRestart    Strategy = "restart"
	StrategyCheckpoint Strategy = "checkpoint"
	StrategyMigrate    Strategy = "migrate"
)

// SuggestedAction is the operator action an escalation recommends.
type SuggestedAction string

const (
	ActionManualReview SuggestedAction = "manual_review"
	ActionNotify       SuggestedAction = "notify"
	ActionAutoScale    SuggestedAction = "auto_scale"
	ActionTerminate    SuggestedAction = "terminate"
)

// AgentHandler is the capability interface a registered agent must satisfy.
// Implementations are supplied by whatever owns the agent process.
type AgentHandler interface {
	AgentID() string
	TeamID() string
	IsHealthy(ctx context.Context) (bool, error)
	GetAgentState(ctx context.Context) (map[string]any, error)
	Restart(ctx context.Context) error
	RestoreFromCheckpoint(ctx context.Context, data map[string]any) error
	GetStatus(ctx context.Context) (string, error)
}

// FailedAgentRecord tracks one agent's active failure, from detection
// through recovery or escalation.
type FailedAgentRecord struct {
	AgentID         string
	TeamID          string
	DetectionSource DetectionSource
	FailedAt        time.Time
	RetryCount      int
	LastError       string
	Recovered       bool
	Escalated       bool
}

// RecoveryAttempt is one append-only entry in an agent's recovery log.
type RecoveryAttempt struct {
	AgentID    string
	Attempt    int
	Timestamp  time.Time
	Strategy   Strategy
	Success    bool
	DurationMs int64
	Error      string
}

// Escalation is raised when an agent exhausts its retry budget.
type Escalation struct {
	AgentID         string
	TeamID          string
	Reason          string
	RetryCount      int
	SuggestedAction SuggestedAction
	Handled         bool
	HandledBy       string
}

// Store persists failed-agent records, recovery attempts, and escalations.
type Store interface {
	SaveFailedAgent(ctx context.Context, rec FailedAgentRecord) error
	GetActiveFailedAgent(ctx context.Context, agentID string) (*FailedAgentRecord, error)
	CloseFailedAgent(ctx context.Context, agentID string, recovered bool) error
	AppendRecoveryAttempt(ctx context.Context, attempt RecoveryAttempt) error
	RecentAttempts(ctx context.Context, agentID string, n int) ([]RecoveryAttempt, error)
	SaveEscalation(ctx context.Context, esc Escalation) error
	GetActiveEscalation(ctx context.Context, agentID string) (*Escalation, error)
	MarkEscalationHandled(ctx context.Context, agentID, handledBy string, action *SuggestedAction) error
}

// Config controls controller-wide timing and the circuit breaker guarding
// each agent's recovery attempts.
type Config struct {
	CheckInterval      time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	CheckpointsEnabled bool
	EnableEscalation   bool
	CBFailureThreshold int
	CBResetTimeout     time.Duration
	CBMonitoringWindow time.Duration
}

func (c *Config) withDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
}

type agentState struct {
	handler   AgentHandler
	mu        sync.Mutex // serializes health-check -> recovery -> escalation for this agent
	failed    bool
	escalated bool
	cancelRetry context.CancelFunc
}

// Controller runs the health-check loop and drives recovery/escalation.
type Controller struct {
	cfg        Config
	store      Store
	bus        *events.Bus
	circuits   *circuitbreaker.Registry
	checkpoints *checkpoint.Manager
	logger     *slog.Logger

	mu     sync.RWMutex
	agents map[string]*agentState

	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a Controller. checkpoints may be nil, in which case
// recovery always uses StrategyRestart.
func NewController(cfg Config, store Store, bus *events.Bus, circuits *circuitbreaker.Registry, checkpoints *checkpoint.Manager, logger *slog.Logger) *Controller {
	cfg.withDefaults()
	return &Controller{
		cfg: cfg, store: store, bus: bus, circuits: circuits, checkpoints: checkpoints,
		logger: logger, agents: make(map[string]*agentState),
	}
}

// RegisterAgent adds an agent to the health-check rotation. If checkpoints
// is non-nil, the handler is also registered as a checkpoint provider.
func (c *Controller) RegisterAgent(ctx context.Context, handler AgentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.agents[handler.AgentID()] = &agentState{handler: handler}

	if c.checkpoints != nil {
		provider := &agentCheckpointProvider{handler: handler}
		c.checkpoints.RegisterProvider(ctx, provider)
	}
}

// UnregisterAgent removes an agent from rotation and cancels any pending
// retry for it.
func (c *Controller) UnregisterAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.agents[agentID]; ok {
		st.mu.Lock()
		cancel := st.cancelRetry
		st.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	delete(c.agents, agentID)

	if c.checkpoints != nil {
		c.checkpoints.UnregisterProvider(agentID)
	}
}

// AgentIDs returns the IDs of every currently registered agent.
func (c *Controller) AgentIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.agents))
	for id := range c.agents {
		out = append(out, id)
	}
	return out
}

// IsRegistered reports whether agentID is currently in rotation.
func (c *Controller) IsRegistered(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.agents[agentID]
	return ok
}

// Start runs the health-check loop until Stop is called or ctx is
// cancelled.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		var tickMu sync.Mutex
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !tickMu.TryLock() {
					continue // previous tick still running; skip
				}
				go func() {
					defer tickMu.Unlock()
					if err := c.tick(ctx); err != nil {
						c.logger.Error("self-heal tick", "error", err)
					}
				}()
			}
		}
	}()
}

// Stop cancels the health-check loop and waits for it to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Controller) tick(ctx context.Context) error {
	c.mu.RLock()
	states := make([]*agentState, 0, len(c.agents))
	for _, st := range c.agents {
		states = append(states, st)
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range states {
		st := st
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, c.cfg.CheckInterval)
			defer cancel()
			c.checkAgent(actx, st)
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) checkAgent(ctx context.Context, st *agentState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.failed || st.escalated {
		return
	}

	healthy, err := st.handler.IsHealthy(ctx)
	if err == nil && healthy {
		return
	}

	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}

	agentID := st.handler.AgentID()
	teamID := st.handler.TeamID()

	rec := FailedAgentRecord{
		AgentID: agentID, TeamID: teamID, DetectionSource: DetectionHealthCheck,
		FailedAt: time.Now(), RetryCount: 0, LastError: lastErr,
	}
	if saveErr := c.store.SaveFailedAgent(ctx, rec); saveErr != nil {
		c.logger.Error("saving failed agent record", "agent_id", agentID, "error", saveErr)
	}
	st.failed = true

	c.emit(events.KindAgentFailed, map[string]any{"agentId": agentID, "teamId": teamID, "error": lastErr})

	c.attemptRecovery(ctx, st, rec)
}

// attemptRecovery runs one recovery attempt and, on failure, schedules the
// next one after RetryDelay (or escalates once MaxRetries is exhausted).
// The caller holds st.mu.
func (c *Controller) attemptRecovery(ctx context.Context, st *agentState, rec FailedAgentRecord) {
	agentID := st.handler.AgentID()

	if rec.RetryCount >= c.cfg.MaxRetries {
		c.escalate(ctx, st, rec, "max_retries_exceeded")
		return
	}

	attemptNum := rec.RetryCount + 1
	strategy := StrategyRestart
	if c.checkpoints != nil {
		strategy = StrategyCheckpoint
	}

	circuit := c.circuits.GetOrCreate(circuitbreaker.Config{
		Name:             "recovery-" + agentID,
		FailureThreshold: c.cfg.CBFailureThreshold,
		ResetTimeout:     c.cfg.CBResetTimeout,
		MonitoringWindow: c.cfg.CBMonitoringWindow,
	})

	start := time.Now()
	execErr := circuit.Execute(ctx, func(ctx context.Context) error {
		return c.runStrategy(ctx, st, strategy)
	}, nil)
	duration := time.Since(start)

	attempt := RecoveryAttempt{
		AgentID: agentID, Attempt: attemptNum, Timestamp: start,
		Strategy: strategy, Success: execErr == nil, DurationMs: duration.Milliseconds(),
	}
	if execErr != nil {
		attempt.Error = execErr.Error()
	}
	if err := c.store.AppendRecoveryAttempt(ctx, attempt); err != nil {
		c.logger.Error("appending recovery attempt", "agent_id", agentID, "error", err)
	}

	if execErr == nil {
		if err := c.store.CloseFailedAgent(ctx, agentID, true); err != nil {
			c.logger.Error("closing failed agent record", "agent_id", agentID, "error", err)
		}
		st.failed = false
		c.emit(events.KindRecoverySuccess, map[string]any{"agentId": agentID, "attempt": attemptNum, "strategy": strategy})
		return
	}

	c.emit(events.KindRecoveryFailed, map[string]any{"agentId": agentID, "attempt": attemptNum, "strategy": strategy, "error": execErr.Error()})

	rec.RetryCount = attemptNum
	rec.LastError = execErr.Error()

	if rec.RetryCount >= c.cfg.MaxRetries {
		c.escalate(ctx, st, rec, "max_retries_exceeded")
		return
	}

	retryCtx, cancel := context.WithCancel(context.Background())
	st.cancelRetry = cancel
	go func() {
		defer cancel()
		select {
		case <-retryCtx.Done():
			return
		case <-time.After(c.cfg.RetryDelay):
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		c.attemptRecovery(context.Background(), st, rec)
	}()
}

// runStrategy executes one recovery attempt's action. For checkpoint
// strategy, a failed or empty restore falls back to a plain restart.
func (c *Controller) runStrategy(ctx context.Context, st *agentState, strategy Strategy) error {
	agentID := st.handler.AgentID()

	if strategy == StrategyCheckpoint && c.checkpoints != nil {
		result, err := c.checkpoints.RestoreFromLatest(ctx, agentID)
		if err == nil && result.Restored {
			return nil
		}
		// Fall back to restart.
	}
	return st.handler.Restart(ctx)
}

func (c *Controller) escalate(ctx context.Context, st *agentState, rec FailedAgentRecord, reason string) {
	agentID := st.handler.AgentID()
	teamID := st.handler.TeamID()

	action := ActionNotify
	if lastThreeFailed(ctx, c.store, agentID) {
		action = ActionManualReview
	}

	esc := Escalation{
		AgentID: agentID, TeamID: teamID, Reason: reason, RetryCount: rec.RetryCount,
		SuggestedAction: action,
	}
	if err := c.store.SaveEscalation(ctx, esc); err != nil {
		c.logger.Error("saving escalation", "agent_id", agentID, "error", err)
	}
	st.escalated = true

	c.emit(events.KindEscalation, map[string]any{"agentId": agentID, "teamId": teamID, "retryCount": rec.RetryCount, "suggestedAction": string(action), "reason": reason})
	if c.cfg.EnableEscalation {
		c.emit(events.KindNotifyEscalation, map[string]any{"agentId": agentID, "teamId": teamID, "retryCount": rec.RetryCount, "suggestedAction": string(action), "lastError": rec.LastError, "reason": reason})
	}
}

// lastThreeFailed reports whether the three most recent recovery attempts
// for agentID all failed.
func lastThreeFailed(ctx context.Context, store Store, agentID string) bool {
	attempts, err := store.RecentAttempts(ctx, agentID, 3)
	if err != nil || len(attempts) < 3 {
		return false
	}
	for _, a := range attempts {
		if a.Success {
			return false
		}
	}
	return true
}

// MarkEscalationHandled records operator acknowledgement and clears the
// agent's failed/escalated state so it re-enters normal health checking.
func (c *Controller) MarkEscalationHandled(ctx context.Context, agentID, handledBy string, action *SuggestedAction) error {
	if err := c.store.MarkEscalationHandled(ctx, agentID, handledBy, action); err != nil {
		return err
	}

	c.mu.RLock()
	st, ok := c.agents[agentID]
	c.mu.RUnlock()
	if ok {
		st.mu.Lock()
		st.failed = false
		st.escalated = false
		st.mu.Unlock()
	}
	return nil
}

func (c *Controller) emit(kind events.Kind, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Kind: kind, Payload: payload})
}

// agentCheckpointProvider adapts an AgentHandler to checkpoint.Provider.
type agentCheckpointProvider struct {
	handler AgentHandler
}

func (p *agentCheckpointProvider) EntityID() string   { return p.handler.AgentID() }
func (p *agentCheckpointProvider) EntityType() string { return "agent" }

func (p *agentCheckpointProvider) GetCheckpointData(ctx context.Context) (map[string]any, error) {
	return p.handler.GetAgentState(ctx)
}

func (p *agentCheckpointProvider) RestoreFromCheckpoint(ctx context.Context, data map[string]any) error {
	return p.handler.RestoreFromCheckpoint(ctx, data)
}
