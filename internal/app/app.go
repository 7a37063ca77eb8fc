// Package app wires configuration, infrastructure, and every control-plane
// component into a running process: Auto-Scaler, Self-Healing Controller,
// Checkpoint Manager, Budget Tracker, and the admin HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/fleetctl/internal/adminapi"
	"github.com/wisbric/fleetctl/internal/config"
	"github.com/wisbric/fleetctl/internal/httpserver"
	"github.com/wisbric/fleetctl/internal/platform"
	"github.com/wisbric/fleetctl/internal/telemetry"
	"github.com/wisbric/fleetctl/pkg/autoscaler"
	"github.com/wisbric/fleetctl/pkg/budget"
	"github.com/wisbric/fleetctl/pkg/checkpoint"
	"github.com/wisbric/fleetctl/pkg/circuitbreaker"
	"github.com/wisbric/fleetctl/pkg/events"
	"github.com/wisbric/fleetctl/pkg/notify"
	"github.com/wisbric/fleetctl/pkg/orchestrator"
	"github.com/wisbric/fleetctl/pkg/selfheal"
)

// Run reads config, connects to infrastructure, starts every enabled
// component, and serves the admin API until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetctl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	bus := events.NewBus(logger)
	circuits := circuitbreaker.NewRegistry(bus)

	checkpointStore := checkpoint.NewPostgresStore(db)
	checkpointMgr := checkpoint.NewManager(checkpoint.Config{
		Enabled:                 cfg.CMEnabled,
		Interval:                time.Duration(cfg.CMIntervalMs) * time.Millisecond,
		MaxCheckpointsPerEntity: cfg.CMMaxCheckpointsPerEntity,
		MaxAge:                  time.Duration(cfg.CMMaxAgeHours) * time.Hour,
		CompressionEnabled:      cfg.CMCompressionEnabled,
	}, checkpointStore, bus)
	checkpointMgr.Start(ctx)
	defer checkpointMgr.Stop()

	budgetTracker := budget.NewTracker(bus)

	orch := orchestrator.NewHTTPClient(cfg.OrchestratorURL)

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	subscribeEscalationNotifier(ctx, bus, notifier, logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	var as *autoscaler.AutoScaler
	if cfg.Mode == "controller" || cfg.Mode == "scaler-only" {
		metricsSource := autoscaler.NewRedisMetricsSource(rdb)
		as = autoscaler.New(autoscaler.Config{
			EvaluationInterval:   time.Duration(cfg.EvaluationIntervalSeconds) * time.Second,
			MaxScalingOpsPerHour: cfg.MaxScalingOpsPerHour,
			CostPerAgentHour:     cfg.CostPerAgentHour,
			OverheadCostPerHour:  cfg.OverheadCostPerHour,
			Currency:             cfg.Currency,
			DefaultMinAgents:     cfg.DefaultMinAgents,
			DefaultMaxAgents:     cfg.DefaultMaxAgents,
		}, metricsSource, budgetTracker, orch, bus, logger)
		as.Start(ctx)
		defer as.Stop()
	}

	var sh *selfheal.Controller
	if cfg.SHCEnabled && (cfg.Mode == "controller" || cfg.Mode == "healer-only") {
		selfHealStore := selfheal.NewPostgresStore(db)
		sh = selfheal.NewController(selfheal.Config{
			CheckInterval:      time.Duration(cfg.CheckIntervalMs) * time.Millisecond,
			MaxRetries:         cfg.MaxRetries,
			RetryDelay:         time.Duration(cfg.RetryDelayMs) * time.Millisecond,
			CheckpointsEnabled: cfg.UseCheckpoints,
			EnableEscalation:   cfg.EnableEscalation,
			CBFailureThreshold: cfg.CBFailureThreshold,
			CBResetTimeout:     time.Duration(cfg.CBResetTimeoutMs) * time.Millisecond,
			CBMonitoringWindow: time.Duration(cfg.CBMonitoringWindowMs) * time.Millisecond,
		}, selfHealStore, bus, circuits, checkpointMgrOrNil(cfg, checkpointMgr), logger)
		sh.Start(ctx)
		defer sh.Stop()
	}

	adminHandler := adminapi.NewHandler(logger, as, budgetTracker, sh, circuits)
	srv.APIRouter.Mount("/admin", adminHandler.Routes())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down http server", "error", err)
	}

	return nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}

// checkpointMgrOrNil disables checkpoint-preferred recovery when the
// deployment has turned it off, even though the manager itself still runs
// (other entities may use it independently of self-healing).
func checkpointMgrOrNil(cfg *config.Config, mgr *checkpoint.Manager) *checkpoint.Manager {
	if !cfg.UseCheckpoints {
		return nil
	}
	return mgr
}

// subscribeEscalationNotifier bridges notify.escalation events emitted by
// the self-healing controller to the configured Notifier, decoupling
// pkg/selfheal from pkg/notify.
func subscribeEscalationNotifier(ctx context.Context, bus *events.Bus, notifier notify.Notifier, logger *slog.Logger) {
	sub := bus.Subscribe(32)

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if ev.Kind != events.KindNotifyEscalation {
					continue
				}
				payload, ok := ev.Payload.(map[string]any)
				if !ok {
					logger.Warn("notify.escalation event had unexpected payload type")
					continue
				}
				notice := notify.EscalationNotice{
					AgentID:         stringField(payload, "agentId"),
					TeamID:          stringField(payload, "teamId"),
					FailureCount:    intField(payload, "retryCount"),
					LastError:       stringField(payload, "lastError"),
					SuggestedAction: stringField(payload, "suggestedAction"),
				}
				if err := notifier.NotifyEscalation(ctx, notice); err != nil {
					logger.Error("notifying escalation", "agent_id", notice.AgentID, "error", err)
				}
			}
		}
	}()
}
