// Package adminapi exposes the operator-facing control surface for the
// fleet control plane: registering policies and budgets, inspecting the
// decision log, binding and unbinding agent recovery handlers,
// acknowledging escalations, and administering circuit breakers.
package adminapi

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/fleetctl/internal/httpserver"
	"github.com/wisbric/fleetctl/pkg/autoscaler"
	"github.com/wisbric/fleetctl/pkg/budget"
	"github.com/wisbric/fleetctl/pkg/circuitbreaker"
	"github.com/wisbric/fleetctl/pkg/selfheal"
)

// Handler wires HTTP routes onto the control-plane components. Any
// component may be nil in a reduced deployment (e.g. no budget tracker
// configured); handlers for that surface answer 503.
type Handler struct {
	logger     *slog.Logger
	autoScaler *autoscaler.AutoScaler
	budgets    *budget.Tracker
	selfHeal   *selfheal.Controller
	circuits   *circuitbreaker.Registry
}

// NewHandler creates an admin Handler.
func NewHandler(logger *slog.Logger, as *autoscaler.AutoScaler, budgets *budget.Tracker, sh *selfheal.Controller, circuits *circuitbreaker.Registry) *Handler {
	return &Handler{logger: logger, autoScaler: as, budgets: budgets, selfHeal: sh, circuits: circuits}
}

// Routes returns a chi.Router with every admin route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/policies", h.handleRegisterPolicy)
	r.Get("/policies", h.handleListPolicies)
	r.Get("/policies/{teamId}", h.handleGetPolicy)
	r.Delete("/policies/{teamId}", h.handleRemovePolicy)

	r.Post("/budgets/{teamId}", h.handleRegisterBudget)
	r.Get("/budgets/{teamId}", h.handleGetBudget)

	r.Get("/teams/{teamId}/decisions", h.handleListDecisions)

	r.Post("/agents", h.handleRegisterAgent)
	r.Delete("/agents/{agentId}", h.handleUnregisterAgent)

	r.Post("/escalations/{agentId}/ack", h.handleAckEscalation)

	r.Get("/circuits", h.handleListCircuits)
	r.Post("/circuits/{name}/reset", h.handleCircuitReset)
	r.Post("/circuits/{name}/force-open", h.handleCircuitForceOpen)
	r.Post("/circuits/{name}/force-close", h.handleCircuitForceClose)

	return r
}

func (h *Handler) handleRegisterPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := req.toPolicy()
	if err := h.autoScaler.RegisterPolicy(p); err != nil {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invalid_policy", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, policyResponseFrom(p))
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.autoScaler.ListPolicies()
	out := make([]PolicyResponse, 0, len(policies))
	for _, p := range policies {
		out = append(out, policyResponseFrom(p))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamId")
	p, ok := h.autoScaler.GetPolicy(teamID)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no policy registered for team")
		return
	}
	httpserver.Respond(w, http.StatusOK, policyResponseFrom(p))
}

func (h *Handler) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamId")
	h.autoScaler.RemovePolicy(teamID)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRegisterBudget(w http.ResponseWriter, r *http.Request) {
	if h.budgets == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "budget_tracking_disabled", "no budget tracker configured")
		return
	}

	teamID := chi.URLParam(r, "teamId")
	var req BudgetRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	cfg := req.toConfig(teamID)
	if cfg.Currency == "" && h.autoScaler != nil {
		cfg.Currency = h.autoScaler.DefaultCurrency()
	}
	if err := h.budgets.Register(cfg, time.Now()); err != nil {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invalid_budget", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, budgetResponseFrom(teamID, cfg, 0))
}

func (h *Handler) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	if h.budgets == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "budget_tracking_disabled", "no budget tracker configured")
		return
	}

	teamID := chi.URLParam(r, "teamId")
	cfg, cost, ok := h.budgets.Get(teamID)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no budget registered for team")
		return
	}

	httpserver.Respond(w, http.StatusOK, budgetResponseFrom(teamID, cfg, cost))
}

func (h *Handler) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamId")
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// The decision log is a bounded ring buffer (not a queryable store), so
	// pagination here slices the already-bounded, most-recent-first result
	// rather than issuing an offset query.
	// The whole bounded log is fetched so the page carries the true total.
	all := h.autoScaler.Decisions(teamID, math.MaxInt)

	start := params.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + params.PageSize
	if end > len(all) {
		end = len(all)
	}

	out := make([]DecisionResponse, 0, end-start)
	for _, d := range all[start:end] {
		out = append(out, DecisionResponse{
			Timestamp: d.Timestamp, TeamID: d.TeamID, Action: string(d.Action),
			TargetAgentCount: d.TargetAgentCount, CurrentAgentCount: d.CurrentAgentCount,
			Reason: d.Reason, Confidence: d.Confidence, Executed: d.Executed,
			ExecutionResult: d.ExecutionResult, BlockReason: d.BlockReason,
		})
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(out, params, len(all)))
}

func (h *Handler) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	handler := selfheal.NewHTTPAgentHandler(req.AgentID, req.TeamID, req.BaseURL)
	h.selfHeal.RegisterAgent(r.Context(), handler)

	httpserver.Respond(w, http.StatusCreated, map[string]string{
		"agent_id": req.AgentID, "team_id": req.TeamID, "base_url": req.BaseURL,
	})
}

func (h *Handler) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if !h.selfHeal.IsRegistered(agentID) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not registered")
		return
	}
	h.selfHeal.UnregisterAgent(agentID)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleAckEscalation(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	var req EscalationAckRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var action *selfheal.SuggestedAction
	if req.Action != nil {
		a := selfheal.SuggestedAction(*req.Action)
		action = &a
	}

	if err := h.selfHeal.MarkEscalationHandled(r.Context(), agentID, req.HandledBy, action); err != nil {
		h.logger.Error("acking escalation", "agent_id", agentID, "error", err)
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"agent_id": agentID, "handled_by": req.HandledBy})
}

func (h *Handler) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	circuits := h.circuits.All()
	out := make([]CircuitResponse, 0, len(circuits))
	for _, c := range circuits {
		out = append(out, circuitResponseFrom(c))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	h.withCircuit(w, r, func(c *circuitbreaker.Circuit) {
		c.Reset()
	})
}

func (h *Handler) handleCircuitForceOpen(w http.ResponseWriter, r *http.Request) {
	h.withCircuit(w, r, func(c *circuitbreaker.Circuit) {
		c.ForceOpen()
	})
}

func (h *Handler) handleCircuitForceClose(w http.ResponseWriter, r *http.Request) {
	h.withCircuit(w, r, func(c *circuitbreaker.Circuit) {
		c.ForceClose()
	})
}

func (h *Handler) withCircuit(w http.ResponseWriter, r *http.Request, fn func(c *circuitbreaker.Circuit)) {
	name := chi.URLParam(r, "name")
	c := h.circuits.Get(name)
	if c == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no circuit named "+name)
		return
	}
	fn(c)
	httpserver.Respond(w, http.StatusOK, circuitResponseFrom(c))
}
