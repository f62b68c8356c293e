// Package intake decides whether a trading signal may start a grid and hands
// accepted signals to the grid engine.
package intake

import (
	"adaptive-grid-go/internal/grid"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/risk"
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Engine is the part of the grid engine the intake depends on.
type Engine interface {
	Config() models.GridConfig
	ActiveCount() int
	HasActivePair(pair string) bool
	CreateGridFromSignal(ctx context.Context, signal models.Signal, opts risk.Options) (*grid.CreateResult, error)
}

// Intake filters signals before they reach the engine.
type Intake struct {
	engine Engine
	logger *zap.Logger
}

// New returns an Intake in front of engine.
func New(engine Engine, logger *zap.Logger) *Intake {
	return &Intake{engine: engine, logger: logger.Named("intake")}
}

// IsEligible reports whether signal may create a grid right now.
// When it may not, the error carries the rejection reason and wraps one of the
// grid package sentinels.
func (in *Intake) IsEligible(signal models.Signal) (bool, error) {
	if err := grid.ValidateSignal(signal); err != nil {
		return false, err
	}
	cfg := in.engine.Config()
	if signal.Confidence < cfg.MinimumSignalConfidence {
		return false, errors.Wrapf(grid.ErrLowConfidence, "confidence %.2f < %.2f", signal.Confidence, cfg.MinimumSignalConfidence)
	}
	if cfg.MaxConcurrentGrids > 0 && in.engine.ActiveCount() >= cfg.MaxConcurrentGrids {
		return false, errors.Wrapf(grid.ErrCapacityReached, "%d active grids", cfg.MaxConcurrentGrids)
	}
	if in.engine.HasActivePair(signal.Pair) {
		return false, errors.Wrapf(grid.ErrPairActive, "pair %s", signal.Pair)
	}
	return true, nil
}

// Accept checks eligibility and creates the grid. The engine repeats the
// capacity and pair checks atomically, so a concurrent signal cannot slip past.
func (in *Intake) Accept(ctx context.Context, signal models.Signal, opts risk.Options) (*grid.CreateResult, error) {
	if ok, err := in.IsEligible(signal); !ok {
		in.logger.Info("signal rejected",
			zap.String("pair", signal.Pair),
			zap.String("direction", string(signal.Direction)),
			zap.Float64("confidence", signal.Confidence),
			zap.Error(err))
		return nil, err
	}
	res, err := in.engine.CreateGridFromSignal(ctx, signal, opts)
	if err != nil {
		return nil, err
	}
	in.logger.Info("signal accepted", zap.String("grid_id", res.GridID), zap.String("pair", res.Pair))
	return res, nil
}
