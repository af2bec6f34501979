package backfill

import (
	"context"
	"time"

	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/buildingvitals/tieredstore/internal/types"
	"go.uber.org/zap"
)

// StateStore persists per-site backfill records. Implemented by the bbolt
// metadata store; invocations for a given site must be serialized by the
// external scheduler, concurrent drivers for the same site are not
// supported.
type StateStore interface {
	LoadBackfill(ctx context.Context, site string) (State, bool, error)
	SaveBackfill(ctx context.Context, state State) error
	UpdateBackfill(ctx context.Context, site string, fn func(State) (State, error)) (State, error)
	DeleteBackfill(ctx context.Context, site string) error
}

// Manager exposes the backfill control operations as thin persisted
// wrappers around the pure state transitions.
type Manager struct {
	store  StateStore
	cfg    config.BackfillConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store StateStore, cfg config.BackfillConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// GetOrCreate returns the site's record, creating it with the default
// import window on first access.
func (m *Manager) GetOrCreate(ctx context.Context, site string) (State, error) {
	state, found, err := m.store.LoadBackfill(ctx, site)
	if err != nil {
		return State{}, err
	}
	if found {
		return state, nil
	}

	now := m.now()
	start := types.DateOf(now.AddDate(0, 0, -m.cfg.DefaultRangeDays))
	end := types.DateOf(now.AddDate(0, 0, -1))
	state = NewState(site, start, end, now)
	if err := m.store.SaveBackfill(ctx, state); err != nil {
		return State{}, err
	}
	m.logger.Info("backfill record created",
		zap.String("site", site),
		zap.String("start", string(start)),
		zap.String("end", string(end)),
	)
	return state, nil
}

// Advance persists an AdvanceToNextDate transition.
func (m *Manager) Advance(ctx context.Context, site string) (State, error) {
	return m.store.UpdateBackfill(ctx, site, func(s State) (State, error) {
		return s.AdvanceToNextDate(m.now())
	})
}

// RecordPage persists an UpdatePageProgress transition.
func (m *Manager) RecordPage(ctx context.Context, site, cursor string, samplesFetched int64) (State, error) {
	return m.store.UpdateBackfill(ctx, site, func(s State) (State, error) {
		return s.UpdatePageProgress(cursor, samplesFetched, m.now()), nil
	})
}

// RecordError persists a RecordError transition.
func (m *Manager) RecordError(ctx context.Context, site, message string, markDateFailed bool) (State, error) {
	return m.store.UpdateBackfill(ctx, site, func(s State) (State, error) {
		return s.RecordError(message, markDateFailed, m.now()), nil
	})
}

// Reset deletes the record and recreates the initial one. Operator use
// only.
func (m *Manager) Reset(ctx context.Context, site string) (State, error) {
	if err := m.store.DeleteBackfill(ctx, site); err != nil {
		return State{}, err
	}
	m.logger.Warn("backfill record reset", zap.String("site", site))
	return m.GetOrCreate(ctx, site)
}
