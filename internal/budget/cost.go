package budget

import (
	"github.com/Iron-Ham/cadence/internal/logging"
)

// Limit names one of the three spend granularities.
type Limit string

const (
	LimitNone      Limit = ""
	LimitIteration Limit = "iteration"
	LimitSession   Limit = "session"
	LimitTotal     Limit = "total"
)

// Limits are USD ceilings. Zero disables a ceiling.
type Limits struct {
	MaxIterationUSD float64
	MaxSessionUSD   float64
	MaxTotalUSD     float64
	// WarningThreshold is the fraction of MaxTotalUSD at which OnWarning fires.
	WarningThreshold float64
}

// Callbacks are invoked by CheckLimits and Record.
type Callbacks struct {
	// OnLimit is called when CheckLimits finds a violated limit.
	OnLimit func(limit Limit, spent, max float64)
	// OnWarning is called once when total spend crosses the warning threshold.
	OnWarning func(spent, max float64)
}

// CostController tracks spend per iteration, per session and in total.
type CostController struct {
	limits    Limits
	callbacks Callbacks
	logger    *logging.Logger

	iteration float64
	session   float64
	total     float64
	warned    bool
}

// NewCostController creates a controller. session and total seed the
// counters from persisted state so limits survive process restarts.
func NewCostController(limits Limits, session, total float64, callbacks Callbacks, logger *logging.Logger) *CostController {
	c := &CostController{
		limits:    limits,
		callbacks: callbacks,
		logger:    logging.OrNop(logger),
		session:   session,
		total:     total,
	}
	c.warned = c.overWarning()
	return c
}

// Record adds cost to all three counters. Negative costs are ignored.
func (c *CostController) Record(costUSD float64) {
	if costUSD <= 0 {
		return
	}
	c.iteration += costUSD
	c.session += costUSD
	c.total += costUSD

	if !c.warned && c.overWarning() {
		c.warned = true
		c.logger.Warn("cost warning threshold reached",
			"total_cost_usd", c.total,
			"max_total_usd", c.limits.MaxTotalUSD,
		)
		if c.callbacks.OnWarning != nil {
			c.callbacks.OnWarning(c.total, c.limits.MaxTotalUSD)
		}
	}
}

func (c *CostController) overWarning() bool {
	return c.limits.MaxTotalUSD > 0 && c.limits.WarningThreshold > 0 &&
		c.total >= c.limits.MaxTotalUSD*c.limits.WarningThreshold
}

// StartNewIteration resets the iteration counter.
func (c *CostController) StartNewIteration() {
	c.iteration = 0
}

// StartNewSession resets the iteration and session counters.
func (c *CostController) StartNewSession() {
	c.iteration = 0
	c.session = 0
}

// CheckLimits returns false and the most granular violated limit
// (iteration, then session, then total), or true and LimitNone.
func (c *CostController) CheckLimits() (bool, Limit) {
	checks := []struct {
		limit Limit
		spent float64
		max   float64
	}{
		{LimitIteration, c.iteration, c.limits.MaxIterationUSD},
		{LimitSession, c.session, c.limits.MaxSessionUSD},
		{LimitTotal, c.total, c.limits.MaxTotalUSD},
	}
	for _, chk := range checks {
		if chk.max > 0 && chk.spent >= chk.max {
			c.logger.Warn("cost limit exceeded",
				"limit", string(chk.limit),
				"spent_usd", chk.spent,
				"max_usd", chk.max,
			)
			if c.callbacks.OnLimit != nil {
				c.callbacks.OnLimit(chk.limit, chk.spent, chk.max)
			}
			return false, chk.limit
		}
	}
	return true, LimitNone
}

// IterationUSD returns spend in the current iteration.
func (c *CostController) IterationUSD() float64 { return c.iteration }

// SessionUSD returns spend in the current session.
func (c *CostController) SessionUSD() float64 { return c.session }

// TotalUSD returns lifetime spend.
func (c *CostController) TotalUSD() float64 { return c.total }

// RemainingSessionUSD returns the session headroom, or -1 when unlimited.
func (c *CostController) RemainingSessionUSD() float64 {
	if c.limits.MaxSessionUSD <= 0 {
		return -1
	}
	if r := c.limits.MaxSessionUSD - c.session; r > 0 {
		return r
	}
	return 0
}
