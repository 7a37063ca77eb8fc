// Package checkpoint periodically captures and restores named entity state
// through a provider abstraction, backed by a durable store. It is
// consumed directly by the self-healing controller, which prefers
// checkpoint-restore over a bare restart when recovering a failed agent.
package checkpoint

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/fleetctl/pkg/events"
)

// Checkpoint is an opaque snapshot of one entity's state at a point in time.
type Checkpoint struct {
	CheckpointID string
	EntityType   string
	EntityID     string
	Timestamp    time.Time
	Data         map[string]any
	Metadata     map[string]any
}

// Provider is the capability set a caller registers to be checkpointed:
// any type with these four methods, not a class hierarchy.
type Provider interface {
	EntityID() string
	EntityType() string
	GetCheckpointData(ctx context.Context) (map[string]any, error)
	RestoreFromCheckpoint(ctx context.Context, data map[string]any) error
}

// Store is the durable persistence boundary. The production implementation
// is pgx-backed (see store_postgres.go); tests use an in-memory fake.
type Store interface {
	Create(ctx context.Context, c Checkpoint) error
	GetLatest(ctx context.Context, entityID string) (*Checkpoint, error)
	GetByID(ctx context.Context, checkpointID string) (*Checkpoint, error)
	GetForEntity(ctx context.Context, entityID string, limit int, since *time.Time) ([]Checkpoint, error)
	GetByType(ctx context.Context, entityType string, limit int) ([]Checkpoint, error)
	DeleteEntity(ctx context.Context, entityID string) error
	// PruneEntity deletes every checkpoint for entityID beyond the newest
	// keep, ordered newest-first (ties broken by checkpoint ID).
	PruneEntity(ctx context.Context, entityID string, keep int) error
	// DeleteOlderThan deletes every checkpoint older than cutoff and
	// returns the number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Config configures the manager's periodic behavior.
type Config struct {
	Enabled                bool
	Interval               time.Duration
	MaxCheckpointsPerEntity int
	MaxAge                 time.Duration
	CompressionEnabled     bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.MaxCheckpointsPerEntity <= 0 {
		c.MaxCheckpointsPerEntity = 5
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 168 * time.Hour
	}
	return c
}

type scheduledProvider struct {
	provider Provider
	cancel   context.CancelFunc
}

// Manager owns the provider registry and the auto-checkpoint/age-cleanup
// background tasks.
type Manager struct {
	cfg   Config
	store Store
	bus   *events.Bus

	mu        sync.Mutex
	providers map[string]*scheduledProvider

	cleanupOnce sync.Once
	cleanupStop context.CancelFunc
	lastCleanup time.Time
}

// NewManager creates a Manager. bus may be nil to disable event emission.
func NewManager(cfg Config, store Store, bus *events.Bus) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		store:     store,
		bus:       bus,
		providers: make(map[string]*scheduledProvider),
	}
}

// Start begins the hourly age-retention sweep. Call once at startup.
func (m *Manager) Start(ctx context.Context) {
	m.cleanupOnce.Do(func() {
		sweepCtx, cancel := context.WithCancel(ctx)
		m.cleanupStop = cancel
		go m.runAgeSweep(sweepCtx)
	})
}

// Stop cancels the age-retention sweep and every per-entity auto-checkpoint
// schedule.
func (m *Manager) Stop() {
	if m.cleanupStop != nil {
		m.cleanupStop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sp := range m.providers {
		sp.cancel()
		delete(m.providers, id)
	}
}

// RegisterProvider adds p to the registry. If auto-checkpointing is
// enabled, it triggers an immediate checkpoint and schedules periodic ones
// every cfg.Interval.
func (m *Manager) RegisterProvider(ctx context.Context, p Provider) {
	m.mu.Lock()
	id := p.EntityID()
	if existing, ok := m.providers[id]; ok {
		existing.cancel()
	}

	schedCtx, cancel := context.WithCancel(context.Background())
	sp := &scheduledProvider{provider: p, cancel: cancel}
	m.providers[id] = sp
	m.mu.Unlock()

	if !m.cfg.Enabled {
		return
	}

	if _, err := m.createCheckpointFromProvider(ctx, p); err != nil {
		m.emit(ctx, err)
	}

	go m.runAutoCheckpoint(schedCtx, p)
}

// UnregisterProvider removes the provider for entityID and cancels its
// schedule, if any.
func (m *Manager) UnregisterProvider(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sp, ok := m.providers[entityID]; ok {
		sp.cancel()
		delete(m.providers, entityID)
	}
}

func (m *Manager) runAutoCheckpoint(ctx context.Context, p Provider) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.createCheckpointFromProvider(ctx, p); err != nil {
				m.emit(ctx, err)
			}
		}
	}
}

func (m *Manager) runAgeSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.Cleanup(ctx, 0)
		}
	}
}

func (m *Manager) createCheckpointFromProvider(ctx context.Context, p Provider) (*Checkpoint, error) {
	data, err := p.GetCheckpointData(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting checkpoint data for %s: %w", p.EntityID(), err)
	}
	return m.CreateCheckpoint(ctx, p.EntityType(), p.EntityID(), data, nil)
}

// CreateCheckpoint persists a new checkpoint for (entityType, entityID) and
// prunes that entity down to maxCheckpointsPerEntity afterward.
func (m *Manager) CreateCheckpoint(ctx context.Context, entityType, entityID string, data, metadata map[string]any) (*Checkpoint, error) {
	c := Checkpoint{
		CheckpointID: newCheckpointID(entityID),
		EntityType:   entityType,
		EntityID:     entityID,
		Timestamp:    time.Now().UTC(),
		Data:         data,
		Metadata:     metadata,
	}

	if err := m.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("creating checkpoint for %s: %w", entityID, err)
	}

	if err := m.store.PruneEntity(ctx, entityID, m.cfg.MaxCheckpointsPerEntity); err != nil {
		return nil, fmt.Errorf("pruning checkpoints for %s: %w", entityID, err)
	}

	m.emitInfo(events.KindCheckpointCreated, map[string]any{
		"checkpoint_id": c.CheckpointID, "entity_id": entityID, "entity_type": entityType,
	})

	return &c, nil
}

// GetLatest returns the most recent checkpoint for entityID, or nil if none
// exists.
func (m *Manager) GetLatest(ctx context.Context, entityID string) (*Checkpoint, error) {
	return m.store.GetLatest(ctx, entityID)
}

// GetForEntity returns up to limit checkpoints for entityID, newest first,
// optionally restricted to those at or after since.
func (m *Manager) GetForEntity(ctx context.Context, entityID string, limit int, since *time.Time) ([]Checkpoint, error) {
	return m.store.GetForEntity(ctx, entityID, limit, since)
}

// GetByType returns up to limit checkpoints of entityType across all
// entities, newest first.
func (m *Manager) GetByType(ctx context.Context, entityType string, limit int) ([]Checkpoint, error) {
	return m.store.GetByType(ctx, entityType, limit)
}

// RestoreResult reports the outcome of a restore attempt without throwing:
// callers inspect Restored and Reason rather than handling an error for the
// "nothing to restore" case.
type RestoreResult struct {
	Restored   bool
	Checkpoint *Checkpoint
	Reason     string
}

// RestoreFromLatest restores entityID's registered provider from its most
// recent checkpoint. It fails gracefully (Restored=false, Reason set) if
// there is no checkpoint or no registered provider; the provider's own
// return value determines success otherwise.
func (m *Manager) RestoreFromLatest(ctx context.Context, entityID string) (RestoreResult, error) {
	latest, err := m.store.GetLatest(ctx, entityID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("looking up latest checkpoint for %s: %w", entityID, err)
	}
	if latest == nil {
		return RestoreResult{Restored: false, Reason: "no checkpoint found"}, nil
	}

	m.mu.Lock()
	sp, ok := m.providers[entityID]
	m.mu.Unlock()
	if !ok {
		return RestoreResult{Restored: false, Reason: "no provider registered"}, nil
	}

	if err := sp.provider.RestoreFromCheckpoint(ctx, latest.Data); err != nil {
		return RestoreResult{Restored: false, Checkpoint: latest, Reason: err.Error()}, nil
	}

	m.emitInfo(events.KindCheckpointRestored, map[string]any{
		"checkpoint_id": latest.CheckpointID, "entity_id": entityID,
	})
	return RestoreResult{Restored: true, Checkpoint: latest}, nil
}

// RestoreFromID restores the registered provider of the checkpoint's entity
// from the checkpoint with the given ID.
func (m *Manager) RestoreFromID(ctx context.Context, checkpointID string) (RestoreResult, error) {
	c, err := m.store.GetByID(ctx, checkpointID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("looking up checkpoint %s: %w", checkpointID, err)
	}
	if c == nil {
		return RestoreResult{Restored: false, Reason: "checkpoint not found"}, nil
	}

	m.mu.Lock()
	sp, ok := m.providers[c.EntityID]
	m.mu.Unlock()
	if !ok {
		return RestoreResult{Restored: false, Reason: "no provider registered"}, nil
	}

	if err := sp.provider.RestoreFromCheckpoint(ctx, c.Data); err != nil {
		return RestoreResult{Restored: false, Checkpoint: c, Reason: err.Error()}, nil
	}
	return RestoreResult{Restored: true, Checkpoint: c}, nil
}

// DeleteEntity removes every checkpoint for entityID.
func (m *Manager) DeleteEntity(ctx context.Context, entityID string) error {
	return m.store.DeleteEntity(ctx, entityID)
}

// Cleanup deletes checkpoints older than maxAgeHours (or the configured
// MaxAge if maxAgeHours is 0), at most once per hour.
func (m *Manager) Cleanup(ctx context.Context, maxAgeHours int) (int, error) {
	if time.Since(m.lastCleanup) < time.Hour && !m.lastCleanup.IsZero() {
		return 0, nil
	}

	maxAge := m.cfg.MaxAge
	if maxAgeHours > 0 {
		maxAge = time.Duration(maxAgeHours) * time.Hour
	}

	n, err := m.store.DeleteOlderThan(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("cleaning up aged checkpoints: %w", err)
	}
	m.lastCleanup = time.Now()
	return n, nil
}

func (m *Manager) emit(ctx context.Context, err error) {
	// Loops recover locally: log via the event bus rather than propagating.
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Kind: "checkpoint.error", Payload: map[string]any{"error": err.Error()}})
}

func (m *Manager) emitInfo(kind events.Kind, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Kind: kind, Payload: payload})
}

// newCheckpointID builds a checkpoint ID of the form
// chk_<short(entityId)>_<time36>_<rand36>.
func newCheckpointID(entityID string) string {
	return fmt.Sprintf("chk_%s_%s_%s", shortID(entityID), base36Time(), base36Rand())
}

func shortID(entityID string) string {
	s := strings.TrimSpace(entityID)
	if len(s) > 8 {
		s = s[:8]
	}
	if s == "" {
		s = "anon"
	}
	return s
}

func base36Time() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

func base36Rand() string {
	n, err := rand.Int(rand.Reader, big.NewInt(36*36*36*36*36*36))
	if err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to
		// the low bits of the time source rather than a fixed constant,
		// keeping IDs from a single process distinguishable.
		return strconv.FormatInt(time.Now().UnixNano()%2821109907456, 36)
	}
	return strconv.FormatInt(n.Int64(), 36)
}

// sortCheckpointsNewestFirst orders cs newest-first, ties broken by
// CheckpointID, matching the retention ordering rule in spec.md §4.2.
func sortCheckpointsNewestFirst(cs []Checkpoint) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Timestamp.Equal(cs[j].Timestamp) {
			return cs[i].Timestamp.After(cs[j].Timestamp)
		}
		return cs[i].CheckpointID > cs[j].CheckpointID
	})
}
