package opt

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines when a batch optimizer counts as converged.
type ConvergenceConfig struct {
	// Enabled controls whether convergence detection is active
	Enabled bool

	// Patience is the number of batches with no significant improvement
	// before stopping
	Patience int

	// Threshold is the minimum improvement required to count as progress,
	// relative to the magnitude of the last significant objective.
	// Example: 0.001 = 0.1% improvement required
	Threshold float64
}

// ConvergenceTracker tracks the best objective per batch and detects when the
// search has stalled.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	logger          *slog.Logger
	history         []float64
	best            float64
	lastSignificant float64
	staleCount      int
}

// NewConvergenceTracker creates a new convergence tracker with the given config
func NewConvergenceTracker(config ConvergenceConfig, logger *slog.Logger) *ConvergenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConvergenceTracker{
		config:          config,
		logger:          logger,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records the best objective of a batch and returns true if
// convergence is detected.
func (c *ConvergenceTracker) Update(objective float64) bool {
	if !c.config.Enabled {
		return false
	}

	c.history = append(c.history, objective)
	if objective < c.best {
		c.best = objective
	}

	if len(c.history) == 1 {
		c.lastSignificant = objective
		return false
	}

	// Objectives may be negative, so scale by magnitude.
	improvement := c.lastSignificant - objective
	scale := math.Max(math.Abs(c.lastSignificant), 1e-12)
	relative := improvement / scale

	if relative >= c.config.Threshold {
		c.lastSignificant = objective
		c.staleCount = 0
		c.logger.Debug("Objective improvement detected",
			"objective", objective,
			"relative_improvement", relative,
		)
		return false
	}

	c.staleCount++
	c.logger.Debug("No significant objective improvement",
		"objective", objective,
		"last_significant", c.lastSignificant,
		"relative_improvement", relative,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)
	if c.staleCount >= c.config.Patience {
		c.logger.Info("Convergence detected - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best_objective", c.best,
		)
		return true
	}
	return false
}

// Best returns the best objective seen so far
func (c *ConvergenceTracker) Best() float64 {
	return c.best
}
