package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"perp_backtester/internal/core"
	"perp_backtester/internal/sim"
	"perp_backtester/internal/specs"
	"perp_backtester/internal/strategy"
	"perp_backtester/pkg/concurrency"
)

// SweepSpace enumerates the grid parameter combinations to try
type SweepSpace struct {
	Levels     []int
	SpacingPct []decimal.Decimal
	OrderUSDT  []decimal.Decimal
}

// Combos expands the space into the cartesian product, preserving the
// declaration order of each axis.
func (s SweepSpace) Combos(base strategy.GridParams) []strategy.GridParams {
	var out []strategy.GridParams
	for _, lv := range s.Levels {
		for _, sp := range s.SpacingPct {
			for _, sz := range s.OrderUSDT {
				p := base
				p.Levels = lv
				p.SpacingPct = sp
				p.OrderUSDT = sz
				out = append(out, p)
			}
		}
	}
	return out
}

// SweepResult pairs one parameter combination with its run outcome.
// Err is set when the combination could not run; Result is nil then.
type SweepResult struct {
	Params strategy.GridParams
	Result *Result
	Err    error
}

// Sweep runs one backtest per parameter combination on a worker pool,
// each over its own simulator instance, and returns the results sorted
// by total return, best first. Failed combinations sort last.
func Sweep(ctx context.Context, s *specs.ContractSpecs, simCfg sim.Config, space SweepSpace,
	base strategy.GridParams, bars []core.Bar, marks map[int64]decimal.Decimal,
	barsPerYear float64, workers int, logger core.ILogger) ([]SweepResult, error) {

	combos := space.Combos(base)
	if len(combos) == 0 {
		return nil, fmt.Errorf("empty sweep space")
	}
	logger.Info("starting sweep", "combinations", len(combos), "workers", workers)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "sweep",
		MaxWorkers:  workers,
		MaxCapacity: len(combos),
	}, logger)

	results := make([]SweepResult, len(combos))
	var mu sync.Mutex

	for i, params := range combos {
		_ = pool.Submit(func() {
			res := runCombo(ctx, s, simCfg, params, bars, marks, barsPerYear, logger)
			mu.Lock()
			results[i] = res
			mu.Unlock()
		})
	}
	pool.Stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(a, b int) bool {
		ra, rb := results[a], results[b]
		if (ra.Result == nil) != (rb.Result == nil) {
			return rb.Result == nil
		}
		if ra.Result == nil {
			return false
		}
		return ra.Result.Summary.TotalReturn.GreaterThan(rb.Result.Summary.TotalReturn)
	})
	return results, nil
}

func runCombo(ctx context.Context, s *specs.ContractSpecs, simCfg sim.Config, params strategy.GridParams,
	bars []core.Bar, marks map[int64]decimal.Decimal, barsPerYear float64, logger core.ILogger) SweepResult {

	grid, err := strategy.NewGrid(params, logger)
	if err != nil {
		return SweepResult{Params: params, Err: err}
	}
	runner, err := NewRunner(s, simCfg, grid, barsPerYear, logger)
	if err != nil {
		return SweepResult{Params: params, Err: err}
	}
	result, err := runner.Run(ctx, bars, marks)
	if err != nil {
		return SweepResult{Params: params, Err: err}
	}
	return SweepResult{Params: params, Result: result}
}
