package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/fleetctl/pkg/autoscaler"
	"github.com/wisbric/fleetctl/pkg/budget"
	"github.com/wisbric/fleetctl/pkg/circuitbreaker"
	"github.com/wisbric/fleetctl/pkg/events"
	"github.com/wisbric/fleetctl/pkg/orchestrator"
	"github.com/wisbric/fleetctl/pkg/policy"
	"github.com/wisbric/fleetctl/pkg/selfheal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMetricsSource is a no-op autoscaler.MetricsSource; these tests only
// exercise registration and admin surfaces, never the evaluation loop.
type fakeMetricsSource struct{}

func (fakeMetricsSource) Sample(ctx context.Context, teamID string) (policy.Metrics, error) {
	return policy.Metrics{}, nil
}

func (fakeMetricsSource) WriteBack(ctx context.Context, teamID string, snapshot policy.Metrics) error {
	return nil
}

// noopStore is a no-op selfheal.Store; these tests never run the health
// check loop, only registration and acknowledgement paths.
type noopStore struct{}

func (noopStore) SaveFailedAgent(ctx context.Context, rec selfheal.FailedAgentRecord) error {
	return nil
}

func (noopStore) GetActiveFailedAgent(ctx context.Context, agentID string) (*selfheal.FailedAgentRecord, error) {
	return nil, nil
}

func (noopStore) CloseFailedAgent(ctx context.Context, agentID string, recovered bool) error {
	return nil
}

func (noopStore) AppendRecoveryAttempt(ctx context.Context, attempt selfheal.RecoveryAttempt) error {
	return nil
}

func (noopStore) RecentAttempts(ctx context.Context, agentID string, n int) ([]selfheal.RecoveryAttempt, error) {
	return nil, nil
}

func (noopStore) SaveEscalation(ctx context.Context, esc selfheal.Escalation) error { return nil }

func (noopStore) GetActiveEscalation(ctx context.Context, agentID string) (*selfheal.Escalation, error) {
	return nil, nil
}

func (noopStore) MarkEscalationHandled(ctx context.Context, agentID, handledBy string, action *selfheal.SuggestedAction) error {
	return errNoEscalation
}

var errNoEscalation = errors.New("no active escalation")

func newTestHandler(t *testing.T) (*Handler, *autoscaler.AutoScaler, *budget.Tracker, *selfheal.Controller, *circuitbreaker.Registry) {
	t.Helper()

	bus := events.NewBus(testLogger())
	circuits := circuitbreaker.NewRegistry(bus)
	budgets := budget.NewTracker(bus)

	as := autoscaler.New(autoscaler.Config{}, fakeMetricsSource{}, budgets, orchestrator.NewFake(), bus, testLogger())
	sh := selfheal.NewController(selfheal.Config{}, noopStore{}, bus, circuits, nil, testLogger())

	return NewHandler(testLogger(), as, budgets, sh, circuits), as, budgets, sh, circuits
}

func router(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Mount("/", h.Routes())
	return r
}

func TestRegisterAndGetPolicy(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	body := `{
		"team_id": "team-1", "min_agents": 1, "max_agents": 20,
		"scale_up": {"thresholds":[{"metric":"queue_depth","op":"gt","value":10,"weight":1}],"increment":"auto","max_increment":10},
		"scale_down": {"thresholds":[{"metric":"queue_depth","op":"lt","value":5,"weight":1}],"increment":"auto","max_decrement":10,"min_agents":1}
	}`

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/policies", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201; body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/policies/team-1", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var resp PolicyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.MaxAgents != 20 {
		t.Errorf("max_agents = %d, want 20", resp.MaxAgents)
	}
}

func TestGetPolicy_NotFound(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/policies/unknown-team", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRegisterPolicy_ValidationError(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/policies", strings.NewReader(`{"min_agents": 1}`))
	r.Header.Set("Content-Type", "application/json")
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422; body = %s", w.Code, w.Body.String())
	}
}

func TestRegisterAndGetBudget(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	body := `{"total_budget": 1000, "period": "daily", "alert_threshold": 0.7, "hard_stop_threshold": 0.9, "reset_hour": 0}`

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/budgets/team-1", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201; body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/budgets/team-1", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
}

func TestGetBudget_NotFound(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/budgets/unknown-team", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRegisterAndUnregisterAgent(t *testing.T) {
	h, _, _, sh, _ := newTestHandler(t)
	rt := router(h)

	body := `{"agent_id": "agent-1", "team_id": "team-1", "base_url": "http://agent-1.internal:8080"}`

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/agents", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201; body = %s", w.Code, w.Body.String())
	}
	if !sh.IsRegistered("agent-1") {
		t.Fatal("expected agent-1 to be registered")
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodDelete, "/agents/agent-1", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("unregister status = %d, want 204", w.Code)
	}
	if sh.IsRegistered("agent-1") {
		t.Error("expected agent-1 to be unregistered")
	}
}

func TestUnregisterAgent_NotFound(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/agents/ghost", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListCircuitsAndForceOpen(t *testing.T) {
	h, _, _, _, circuits := newTestHandler(t)
	rt := router(h)

	circuits.GetOrCreate(circuitbreaker.Config{Name: "recovery-agent-1"})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/circuits", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var list []CircuitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("circuits = %d, want 1", len(list))
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/circuits/recovery-agent-1/force-open", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("force-open status = %d, want 200", w.Code)
	}
	var resp CircuitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.State != string(circuitbreaker.StateOpen) {
		t.Errorf("state = %q, want %q", resp.State, circuitbreaker.StateOpen)
	}
}

func TestAckEscalation_NotFound(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	body := `{"handled_by": "ops@example.com"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/escalations/agent-1/ack", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body = %s", w.Code, w.Body.String())
	}
}

func TestCircuitReset_NotFound(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rt := router(h)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/circuits/ghost/reset", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
