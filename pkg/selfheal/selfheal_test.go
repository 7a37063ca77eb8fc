package selfheal

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/fleetctl/pkg/circuitbreaker"
	"github.com/wisbric/fleetctl/pkg/events"
)

type memStore struct {
	mu         sync.Mutex
	failed     map[string]FailedAgentRecord
	attempts   map[string][]RecoveryAttempt
	escalations map[string]Escalation
}

func newMemStore() *memStore {
	return &memStore{
		failed:      make(map[string]FailedAgentRecord),
		attempts:    make(map[string][]RecoveryAttempt),
		escalations: make(map[string]Escalation),
	}
}

func (s *memStore) SaveFailedAgent(ctx context.Context, rec FailedAgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[rec.AgentID] = rec
	return nil
}

func (s *memStore) GetActiveFailedAgent(ctx context.Context, agentID string) (*FailedAgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.failed[agentID]
	if !ok || rec.Recovered || rec.Escalated {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) CloseFailedAgent(ctx context.Context, agentID string, recovered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.failed[agentID]
	rec.Recovered = recovered
	s.failed[agentID] = rec
	return nil
}

func (s *memStore) AppendRecoveryAttempt(ctx context.Context, attempt RecoveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.AgentID] = append(s.attempts[attempt.AgentID], attempt)
	return nil
}

func (s *memStore) RecentAttempts(ctx context.Context, agentID string, n int) ([]RecoveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.attempts[agentID]
	if len(all) <= n {
		out := make([]RecoveryAttempt, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]RecoveryAttempt, n)
	copy(out, all[len(all)-n:])
	return out, nil
}

func (s *memStore) SaveEscalation(ctx context.Context, esc Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations[esc.AgentID] = esc
	return nil
}

func (s *memStore) GetActiveEscalation(ctx context.Context, agentID string) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escalations[agentID]
	if !ok || esc.Handled {
		return nil, nil
	}
	return &esc, nil
}

func (s *memStore) MarkEscalationHandled(ctx context.Context, agentID, handledBy string, action *SuggestedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc := s.escalations[agentID]
	esc.Handled = true
	esc.HandledBy = handledBy
	if action != nil {
		esc.SuggestedAction = *action
	}
	s.escalations[agentID] = esc
	return nil
}

type fakeHandler struct {
	id, team string
	mu       sync.Mutex
	healthy  bool
	restarts int
	restartErr error
}

func (h *fakeHandler) AgentID() string { return h.id }
func (h *fakeHandler) TeamID() string  { return h.team }

func (h *fakeHandler) IsHealthy(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy, nil
}

func (h *fakeHandler) GetAgentState(ctx context.Context) (map[string]any, error) {
	return map[string]any{"k": "v"}, nil
}

func (h *fakeHandler) Restart(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restarts++
	if h.restartErr != nil {
		return h.restartErr
	}
	h.healthy = true
	return nil
}

func (h *fakeHandler) RestoreFromCheckpoint(ctx context.Context, data map[string]any) error {
	return nil
}

func (h *fakeHandler) GetStatus(ctx context.Context) (string, error) {
	return "ok", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestController_DetectsFailureAndRecoversViaRestart(t *testing.T) {
	store := newMemStore()
	bus := events.NewBus(testLogger())
	circuits := circuitbreaker.NewRegistry(bus)
	ctrl := NewController(Config{MaxRetries: 3, RetryDelay: 10 * time.Millisecond}, store, bus, circuits, nil, testLogger())

	handler := &fakeHandler{id: "agent-1", team: "team-1", healthy: false}
	ctrl.RegisterAgent(context.Background(), handler)

	ctrl.checkAgent(context.Background(), ctrl.agents["agent-1"])

	rec, err := store.GetActiveFailedAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("expected failed record closed after successful restart, got %+v", rec)
	}
	if handler.restarts != 1 {
		t.Errorf("restarts = %d, want 1", handler.restarts)
	}
}

func TestController_EscalatesAfterMaxRetries(t *testing.T) {
	store := newMemStore()
	bus := events.NewBus(testLogger())
	circuits := circuitbreaker.NewRegistry(bus)
	ctrl := NewController(Config{MaxRetries: 1, RetryDelay: 5 * time.Millisecond}, store, bus, circuits, nil, testLogger())

	handler := &fakeHandler{id: "agent-2", team: "team-1", healthy: false, restartErr: errors.New("still down")}
	ctrl.RegisterAgent(context.Background(), handler)

	ctrl.checkAgent(context.Background(), ctrl.agents["agent-2"])

	// With MaxRetries 1 the first failed attempt escalates; poll until the escalation is stored.
	deadline := time.Now().Add(500 * time.Millisecond)
	var esc *Escalation
	for time.Now().Before(deadline) {
		e, _ := store.GetActiveEscalation(context.Background(), "agent-2")
		if e != nil {
			esc = e
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if esc == nil {
		t.Fatal("expected an escalation after exhausting retries")
	}
	if esc.SuggestedAction != ActionNotify && esc.SuggestedAction != ActionManualReview {
		t.Errorf("unexpected suggested action %q", esc.SuggestedAction)
	}
	if esc.Reason != "max_retries_exceeded" {
		t.Errorf("reason = %q, want %q", esc.Reason, "max_retries_exceeded")
	}
}

func TestController_MarkEscalationHandledClearsState(t *testing.T) {
	store := newMemStore()
	bus := events.NewBus(testLogger())
	circuits := circuitbreaker.NewRegistry(bus)
	ctrl := NewController(Config{MaxRetries: 1}, store, bus, circuits, nil, testLogger())

	handler := &fakeHandler{id: "agent-3", team: "team-1"}
	ctrl.RegisterAgent(context.Background(), handler)

	store.escalations["agent-3"] = Escalation{AgentID: "agent-3", SuggestedAction: ActionNotify}
	ctrl.agents["agent-3"].escalated = true

	if err := ctrl.MarkEscalationHandled(context.Background(), "agent-3", "ops@example.com", nil); err != nil {
		t.Fatalf("MarkEscalationHandled: %v", err)
	}

	if ctrl.agents["agent-3"].escalated {
		t.Error("expected escalated flag cleared")
	}
	esc, _ := store.GetActiveEscalation(context.Background(), "agent-3")
	if esc != nil {
		t.Error("expected escalation no longer active")
	}
}

func TestLastThreeFailed(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_ = store.AppendRecoveryAttempt(ctx, RecoveryAttempt{AgentID: "a", Attempt: i, Success: false})
	}
	if lastThreeFailed(ctx, store, "a") {
		t.Error("expected false with only 2 attempts")
	}

	_ = store.AppendRecoveryAttempt(ctx, RecoveryAttempt{AgentID: "a", Attempt: 3, Success: true})
	if lastThreeFailed(ctx, store, "a") {
		t.Error("expected false when most recent of three succeeded")
	}
}
