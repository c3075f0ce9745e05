package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"perp_backtester/internal/backtest"
	"perp_backtester/internal/config"
	"perp_backtester/internal/core"
	"perp_backtester/internal/data"
	"perp_backtester/internal/logging"
	"perp_backtester/internal/sim"
	"perp_backtester/internal/specs"
	"perp_backtester/internal/store"
	"perp_backtester/internal/strategy"
)

var (
	configFile = flag.String("config", "configs/backtest.yaml", "Path to configuration file")
	barsFlag   = flag.String("bars", "", "Override the bars CSV file")
	symbolFlag = flag.String("symbol", "", "Override the backtest symbol")
	levFlag    = flag.Int64("leverage", 0, "Override the account leverage")
	modeFlag   = flag.String("margin-mode", "", "Override the margin mode (isolated or cross)")
	sweepFlag  = flag.Bool("sweep", false, "Run the parameter sweep instead of a single backtest")
)

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *symbolFlag != "" {
		cfg.Backtest.Symbol = *symbolFlag
	}
	if *levFlag > 0 {
		cfg.Backtest.Leverage = *levFlag
	}
	if *modeFlag != "" {
		cfg.Backtest.MarginMode = *modeFlag
	}

	logger := logging.NewLogger(cfg.System.LogLevel)
	defer logger.Sync()

	registry, err := cfg.ToSpecs()
	if err != nil {
		logger.Fatal("Invalid contract specs", "error", err)
	}
	contract, err := registry.Get(cfg.Backtest.Symbol)
	if err != nil {
		logger.Fatal("Unknown symbol", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *barsFlag != "" {
		cfg.Data.BarsFile = *barsFlag
	}

	bars, marks, fundingRates, err := loadMarketData(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to load market data", "error", err)
	}
	logger.Info("Market data ready", "symbol", cfg.Backtest.Symbol, "bars", len(bars))

	simCfg := sim.Config{
		Symbol:             cfg.Backtest.Symbol,
		MarginMode:         core.MarginMode(cfg.Backtest.MarginMode),
		Leverage:           cfg.Backtest.Leverage,
		FeeBps:             decimal.NewFromFloat(cfg.Backtest.FeeBps),
		FundingInterval:    cfg.FundingInterval(),
		UseMarkPrice:       cfg.Backtest.UseMarkPrice,
		InitialBalance:     decimal.NewFromFloat(cfg.Backtest.InitialBalance),
		FundingRates:       fundingRates,
		DefaultFundingRate: decimal.NewFromFloat(cfg.Backtest.DefaultFundingRate),
	}

	gridParams := strategy.GridParams{
		Levels:        cfg.Grid.Levels,
		SpacingPct:    decimal.NewFromFloat(cfg.Grid.SpacingPct),
		OrderUSDT:     decimal.NewFromFloat(cfg.Grid.OrderUSDT),
		TakeProfitPct: decimal.NewFromFloat(cfg.Grid.TakeProfit),
		StopLossPct:   decimal.NewFromFloat(cfg.Grid.StopLoss),
		ReanchorBars:  cfg.Grid.ReanchorBars,
	}

	if *sweepFlag || cfg.Sweep.Enabled {
		runSweep(ctx, cfg, contract, simCfg, gridParams, bars, marks, logger)
		return
	}
	runSingle(ctx, cfg, contract, simCfg, gridParams, bars, marks, logger)
}

func loadMarketData(ctx context.Context, cfg *config.Config, logger core.ILogger) (
	[]core.Bar, map[int64]decimal.Decimal, map[int64]decimal.Decimal, error) {

	var bars []core.Bar
	var err error

	switch {
	case cfg.Data.BarsFile != "":
		bars, err = data.LoadBarsCSV(cfg.Data.BarsFile)
		if err != nil {
			return nil, nil, nil, err
		}
	case cfg.Data.Download:
		start, end, perr := parseWindow(cfg.Data.StartTime, cfg.Data.EndTime)
		if perr != nil {
			return nil, nil, nil, perr
		}
		dl := data.NewDownloader(cfg.Data.RatePerSecond, logger)
		bars, err = dl.Klines(ctx, cfg.Backtest.Symbol, cfg.Data.Interval, start, end)
		if err != nil {
			return nil, nil, nil, err
		}
	default:
		return nil, nil, nil, fmt.Errorf("no bars_file configured and download disabled")
	}

	var marks map[int64]decimal.Decimal
	if cfg.Data.MarkFile != "" {
		marks, err = data.LoadSeriesCSV(cfg.Data.MarkFile)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var fundingRates map[int64]decimal.Decimal
	switch {
	case cfg.Data.FundingFile != "":
		fundingRates, err = data.LoadSeriesCSV(cfg.Data.FundingFile)
		if err != nil {
			return nil, nil, nil, err
		}
	case cfg.Data.Download && len(bars) > 0:
		dl := data.NewDownloader(cfg.Data.RatePerSecond, logger)
		fundingRates, err = dl.FundingRates(ctx, cfg.Backtest.Symbol,
			bars[0].Timestamp, bars[len(bars)-1].Timestamp)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	return bars, marks, fundingRates, nil
}

func parseWindow(startStr, endStr string) (int64, int64, error) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad start_time %q: %w", startStr, err)
	}
	end := time.Now().UTC()
	if endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return 0, 0, fmt.Errorf("bad end_time %q: %w", endStr, err)
		}
	}
	return start.UnixMilli(), end.UnixMilli(), nil
}

func runSingle(ctx context.Context, cfg *config.Config, contract *specs.ContractSpecs,
	simCfg sim.Config, gridParams strategy.GridParams, bars []core.Bar,
	marks map[int64]decimal.Decimal, logger core.ILogger) {

	grid, err := strategy.NewGrid(gridParams, logger)
	if err != nil {
		logger.Fatal("Invalid grid parameters", "error", err)
	}
	runner, err := backtest.NewRunner(contract, simCfg, grid, cfg.BarsPerYear(), logger)
	if err != nil {
		logger.Fatal("Failed to create runner", "error", err)
	}

	result, err := runner.Run(ctx, bars, marks)
	if err != nil {
		logger.Fatal("Backtest failed", "error", err)
	}

	printSummary(result)
	persistRun(ctx, cfg, gridParams, result, logger)
}

func runSweep(ctx context.Context, cfg *config.Config, contract *specs.ContractSpecs,
	simCfg sim.Config, gridParams strategy.GridParams, bars []core.Bar,
	marks map[int64]decimal.Decimal, logger core.ILogger) {

	space := backtest.SweepSpace{Levels: cfg.Sweep.Levels}
	for _, v := range cfg.Sweep.SpacingPct {
		space.SpacingPct = append(space.SpacingPct, decimal.NewFromFloat(v))
	}
	for _, v := range cfg.Sweep.OrderUSDT {
		space.OrderUSDT = append(space.OrderUSDT, decimal.NewFromFloat(v))
	}

	results, err := backtest.Sweep(ctx, contract, simCfg, space, gridParams,
		bars, marks, cfg.BarsPerYear(), cfg.Sweep.Workers, logger)
	if err != nil {
		logger.Fatal("Sweep failed", "error", err)
	}

	fmt.Printf("%-8s %-10s %-10s %12s %10s %10s %8s\n",
		"levels", "spacing%", "usdt", "return", "sharpe", "maxdd", "trades")
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%-8d %-10s %-10s failed: %v\n",
				r.Params.Levels, r.Params.SpacingPct, r.Params.OrderUSDT, r.Err)
			continue
		}
		s := r.Result.Summary
		fmt.Printf("%-8d %-10s %-10s %12s %10.3f %10s %8d\n",
			r.Params.Levels, r.Params.SpacingPct, r.Params.OrderUSDT,
			s.TotalReturn.StringFixed(4), s.SharpeRatio, s.MaxDrawdown.StringFixed(4), s.Trades)
	}

	if best := firstOK(results); best != nil {
		persistRun(ctx, cfg, best.Params, best.Result, logger)
	}
}

func firstOK(results []backtest.SweepResult) *backtest.SweepResult {
	for i := range results {
		if results[i].Err == nil {
			return &results[i]
		}
	}
	return nil
}

func printSummary(result *backtest.Result) {
	s := result.Summary
	fmt.Printf("Total return:   %s\n", s.TotalReturn.StringFixed(4))
	fmt.Printf("Final equity:   %s\n", s.FinalEquity.StringFixed(2))
	fmt.Printf("Sharpe ratio:   %.3f\n", s.SharpeRatio)
	fmt.Printf("Max drawdown:   %s\n", s.MaxDrawdown.StringFixed(4))
	fmt.Printf("Win rate:       %s\n", s.WinRate.StringFixed(4))
	fmt.Printf("Profit factor:  %.3f\n", s.ProfitFactor)
	fmt.Printf("Trades:         %d (%d fills, %d liquidations)\n", s.Trades, s.Fills, s.Liquidations)
	fmt.Printf("Fees paid:      %s\n", s.FeesPaid.StringFixed(4))
	fmt.Printf("Funding paid:   %s\n", s.FundingPaid.StringFixed(4))
}

func persistRun(ctx context.Context, cfg *config.Config, params strategy.GridParams,
	result *backtest.Result, logger core.ILogger) {

	if cfg.Data.ResultsDB == "" {
		return
	}
	db, err := store.NewSQLiteStore(cfg.Data.ResultsDB)
	if err != nil {
		logger.Error("Failed to open results database", "error", err)
		return
	}
	defer db.Close()

	paramsJSON := fmt.Sprintf(`{"levels":%d,"spacing_pct":%s,"order_usdt":%s}`,
		params.Levels, params.SpacingPct, params.OrderUSDT)
	id, err := db.SaveRun(ctx, cfg.Backtest.Symbol, paramsJSON,
		result.Summary, result.Fills, result.EquityCurve, result.Funding)
	if err != nil {
		logger.Error("Failed to persist run", "error", err)
		return
	}
	logger.Info("Run persisted", "run_id", id, "db", cfg.Data.ResultsDB)
}
