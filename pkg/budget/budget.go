// Package budget tracks consumed cost per team within a rolling period and
// blocks scaling that would breach a hard-stop threshold. It is consumed
// by the auto-scaler on every evaluation tick.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/fleetctl/pkg/events"
)

// Period is the budget's rolling window granularity.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// AlertLevel classifies how close a budget is to its hard-stop threshold.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertExceeded AlertLevel = "exceeded"
)

// Config is a team's registered budget.
type Config struct {
	TeamID           string
	TotalBudget      float64
	Period           Period
	AlertThreshold   float64 // (0, 1)
	HardStopThreshold float64 // (AlertThreshold, 1]
	ResetHour        int     // 0-23, used by daily/weekly/monthly
	ResetDayOfWeek   int     // 0=Sunday, used by weekly
	ResetDayOfMonth  int     // 1-28, used by monthly
	Currency         string
}

func (c Config) validate() error {
	if c.AlertThreshold <= 0 || c.AlertThreshold >= 1 {
		return fmt.Errorf("alertThreshold must be in (0,1), got %v", c.AlertThreshold)
	}
	if c.HardStopThreshold <= c.AlertThreshold || c.HardStopThreshold > 1 {
		return fmt.Errorf("hardStopThreshold must be in (alertThreshold,1], got %v", c.HardStopThreshold)
	}
	return nil
}

// state is the mutable per-team window.
type state struct {
	cfg          Config
	currentCost  float64
	periodStart  time.Time
	lastAlertAt  map[AlertLevel]time.Time
}

const alertCooldown = time.Hour

// Tracker owns every team's budget window.
type Tracker struct {
	bus *events.Bus

	mu     sync.Mutex
	budgets map[string]*state
}

// NewTracker creates an empty tracker. bus may be nil to disable event
// emission.
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{bus: bus, budgets: make(map[string]*state)}
}

// Register installs or replaces the budget for cfg.TeamID, aligning
// periodStart to the most recent aligned instant at or before now.
func (t *Tracker) Register(cfg Config, now time.Time) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid budget config: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.budgets[cfg.TeamID] = &state{
		cfg:         cfg,
		periodStart: periodStart(cfg, now),
		lastAlertAt: make(map[AlertLevel]time.Time),
	}
	return nil
}

// Get returns a copy of the team's current state, or ok=false if no budget
// is registered.
func (t *Tracker) Get(teamID string) (Config, float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.budgets[teamID]
	if !ok {
		return Config{}, 0, false
	}
	return s.cfg, s.currentCost, true
}

// UpdateResult reports the outcome of UpdateCost.
type UpdateResult struct {
	PercentageUsed float64
	Level          AlertLevel
	AlertEmitted   bool
}

// UpdateCost adds delta to the team's current-period cost (rolling the
// period forward first if it has elapsed) and returns the resulting alert
// classification. Same-level alerts are suppressed within a 1-hour
// cooldown per team.
func (t *Tracker) UpdateCost(teamID string, delta float64, now time.Time) (UpdateResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.budgets[teamID]
	if !ok {
		return UpdateResult{}, fmt.Errorf("no budget registered for team %s", teamID)
	}

	t.rollForwardLocked(s, now)
	s.currentCost += delta

	pct := 0.0
	if s.cfg.TotalBudget > 0 {
		pct = s.currentCost / s.cfg.TotalBudget
	}
	level := classify(pct, s.cfg)

	res := UpdateResult{PercentageUsed: pct, Level: level}
	if level == "" {
		return res, nil
	}

	last, seen := s.lastAlertAt[level]
	if seen && now.Sub(last) < alertCooldown {
		return res, nil
	}
	s.lastAlertAt[level] = now
	res.AlertEmitted = true

	if t.bus != nil {
		t.bus.Publish(events.Event{Kind: events.KindBudgetAlert, Payload: map[string]any{
			"team_id": teamID, "level": string(level), "percentage_used": pct,
		}})
	}

	return res, nil
}

func classify(pct float64, cfg Config) AlertLevel {
	switch {
	case pct >= 1.0:
		return AlertExceeded
	case pct >= cfg.HardStopThreshold:
		return AlertCritical
	case pct >= cfg.AlertThreshold:
		return AlertWarning
	case pct >= 0.8*cfg.AlertThreshold:
		return AlertInfo
	default:
		return ""
	}
}

// rollForwardLocked resets currentCost and alert state if the period has
// elapsed. Caller must hold t.mu.
func (t *Tracker) rollForwardLocked(s *state, now time.Time) {
	end := periodEnd(s.cfg, s.periodStart)
	if now.Before(end) {
		return
	}
	s.periodStart = periodStart(s.cfg, now)
	s.currentCost = 0
	s.lastAlertAt = make(map[AlertLevel]time.Time)
}

// BlockResult is the outcome of ShouldBlockScaling.
type BlockResult struct {
	Blocked       bool
	Reason        string
	ProjectedCost float64
}

// ShouldBlockScaling projects the additional cost of running
// proposedAgents for hours more hours and compares the total against the
// hard-stop threshold.
func (t *Tracker) ShouldBlockScaling(teamID string, proposedAgents int, costPerAgentHour, overheadCostPerHour float64, hours float64) (BlockResult, error) {
	if hours <= 0 {
		hours = 1
	}

	t.mu.Lock()
	s, ok := t.budgets[teamID]
	t.mu.Unlock()
	if !ok {
		return BlockResult{}, fmt.Errorf("no budget registered for team %s", teamID)
	}

	additional := float64(proposedAgents)*costPerAgentHour*hours + overheadCostPerHour*hours
	projectedTotal := s.currentCost + additional

	var pct float64
	if s.cfg.TotalBudget > 0 {
		pct = projectedTotal / s.cfg.TotalBudget
	}

	if pct >= s.cfg.HardStopThreshold {
		return BlockResult{
			Blocked:       true,
			Reason:        fmt.Sprintf("projected budget utilization %.1f%% would reach or exceed hard-stop threshold %.1f%%", pct*100, s.cfg.HardStopThreshold*100),
			ProjectedCost: additional,
		}, nil
	}

	return BlockResult{Blocked: false, ProjectedCost: additional}, nil
}

// BurnRate is the team's current hourly cost rate and time-to-exhaustion
// estimate.
type BurnRate struct {
	HourlyRate     float64
	HoursRemaining float64
	Imminent       bool
}

// EstimateBurnRate computes the current burn rate and hours remaining
// before the budget is exhausted at that rate.
func (t *Tracker) EstimateBurnRate(teamID string, agents int, costPerAgentHour, overheadCostPerHour float64) (BurnRate, error) {
	t.mu.Lock()
	s, ok := t.budgets[teamID]
	t.mu.Unlock()
	if !ok {
		return BurnRate{}, fmt.Errorf("no budget registered for team %s", teamID)
	}

	rate := float64(agents)*costPerAgentHour + overheadCostPerHour
	if rate <= 0 {
		return BurnRate{HourlyRate: rate, HoursRemaining: -1}, nil
	}

	remaining := (s.cfg.TotalBudget - s.currentCost) / rate
	return BurnRate{
		HourlyRate:     rate,
		HoursRemaining: remaining,
		Imminent:       remaining < 24,
	}, nil
}

// periodStart computes the most recent aligned instant at or before now,
// per spec.md §4.3's unambiguous rule (supersedes the source's
// double-rewindable weekly logic).
func periodStart(cfg Config, now time.Time) time.Time {
	now = now.UTC()

	switch cfg.Period {
	case PeriodHourly:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)

	case PeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), cfg.ResetHour, 0, 0, 0, time.UTC)
		if start.After(now) {
			start = start.AddDate(0, 0, -1)
		}
		return start

	case PeriodWeekly:
		start := time.Date(now.Year(), now.Month(), now.Day(), cfg.ResetHour, 0, 0, 0, time.UTC)
		daysSince := (int(now.Weekday()) - cfg.ResetDayOfWeek + 7) % 7
		start = start.AddDate(0, 0, -daysSince)
		if start.After(now) {
			start = start.AddDate(0, 0, -7)
		}
		return start

	case PeriodMonthly:
		day := cfg.ResetDayOfMonth
		if day <= 0 {
			day = 1
		}
		start := time.Date(now.Year(), now.Month(), day, cfg.ResetHour, 0, 0, 0, time.UTC)
		if start.After(now) {
			start = start.AddDate(0, -1, 0)
		}
		return start

	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// periodEnd computes the next aligned instant after start.
func periodEnd(cfg Config, start time.Time) time.Time {
	switch cfg.Period {
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
