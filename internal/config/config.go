// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"perp_backtester/internal/core"
	"perp_backtester/internal/specs"
)

// Config represents the complete configuration structure
type Config struct {
	Backtest BacktestConfig `yaml:"backtest"`
	Grid     GridConfig     `yaml:"grid"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Data     DataConfig     `yaml:"data"`
	System   SystemConfig   `yaml:"system"`
	Specs    []SpecConfig   `yaml:"specs"`
}

// BacktestConfig contains the simulator parameters for a run
type BacktestConfig struct {
	Symbol             string  `yaml:"symbol"`
	MarginMode         string  `yaml:"margin_mode"`
	Leverage           int64   `yaml:"leverage"`
	FeeBps             float64 `yaml:"fee_bps"`
	InitialBalance     float64 `yaml:"initial_balance"`
	FundingIntervalMin int     `yaml:"funding_interval_minutes"`
	DefaultFundingRate float64 `yaml:"default_funding_rate"`
	UseMarkPrice       bool    `yaml:"use_mark_price"`
	BarIntervalMin     int     `yaml:"bar_interval_minutes"`
}

// GridConfig contains the grid strategy parameters
type GridConfig struct {
	Levels       int     `yaml:"levels"`
	SpacingPct   float64 `yaml:"spacing_pct"`
	OrderUSDT    float64 `yaml:"order_usdt"`
	TakeProfit   float64 `yaml:"take_profit_pct"`
	StopLoss     float64 `yaml:"stop_loss_pct"`
	ReanchorBars int     `yaml:"reanchor_bars"`
}

// SweepConfig controls the parallel parameter sweep
type SweepConfig struct {
	Enabled    bool      `yaml:"enabled"`
	Workers    int       `yaml:"workers"`
	Levels     []int     `yaml:"levels"`
	SpacingPct []float64 `yaml:"spacing_pct"`
	OrderUSDT  []float64 `yaml:"order_usdt"`
}

// DataConfig points at the bar and funding data sources
type DataConfig struct {
	BarsFile    string `yaml:"bars_file"`
	MarkFile    string `yaml:"mark_file"`
	FundingFile string `yaml:"funding_file"`
	ResultsDB   string `yaml:"results_db"`

	// Download settings used when bars_file is absent
	Download      bool   `yaml:"download"`
	Interval      string `yaml:"interval"`
	StartTime     string `yaml:"start_time"`
	EndTime       string `yaml:"end_time"`
	RatePerSecond int    `yaml:"rate_per_second"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// SpecConfig declares one tradable contract
type SpecConfig struct {
	Symbol      string           `yaml:"symbol"`
	TickSize    string           `yaml:"tick_size"`
	LotSize     string           `yaml:"lot_size"`
	MinNotional string           `yaml:"min_notional"`
	Multiplier  string           `yaml:"multiplier"`
	RiskTiers   []RiskTierConfig `yaml:"risk_tiers"`
}

// RiskTierConfig is one maintenance margin bracket
type RiskTierConfig struct {
	NotionalCap       string `yaml:"notional_cap"`
	MaintenanceRate   string `yaml:"maintenance_rate"`
	MaintenanceAmount string `yaml:"maintenance_amount"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Backtest.MarginMode == "" {
		c.Backtest.MarginMode = string(core.MarginModeIsolated)
	}
	if c.Backtest.Leverage == 0 {
		c.Backtest.Leverage = 1
	}
	if c.Backtest.FundingIntervalMin == 0 {
		c.Backtest.FundingIntervalMin = 480
	}
	if c.Backtest.BarIntervalMin == 0 {
		c.Backtest.BarIntervalMin = 1
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Sweep.Workers == 0 {
		c.Sweep.Workers = 4
	}
	if c.Data.Interval == "" {
		c.Data.Interval = "1m"
	}
	if c.Data.RatePerSecond == 0 {
		c.Data.RatePerSecond = 5
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateBacktestConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGridConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSweepConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSpecs(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateBacktestConfig() error {
	if c.Backtest.Symbol == "" {
		return ValidationError{Field: "backtest.symbol", Message: "symbol is required"}
	}
	mode := core.MarginMode(c.Backtest.MarginMode)
	if mode != core.MarginModeIsolated && mode != core.MarginModeCross {
		return ValidationError{
			Field:   "backtest.margin_mode",
			Value:   c.Backtest.MarginMode,
			Message: "must be one of: isolated, cross",
		}
	}
	if c.Backtest.Leverage < 1 || c.Backtest.Leverage > 125 {
		return ValidationError{
			Field:   "backtest.leverage",
			Value:   c.Backtest.Leverage,
			Message: "must be between 1 and 125",
		}
	}
	if c.Backtest.FeeBps < 0 {
		return ValidationError{
			Field:   "backtest.fee_bps",
			Value:   c.Backtest.FeeBps,
			Message: "cannot be negative",
		}
	}
	if c.Backtest.InitialBalance <= 0 {
		return ValidationError{
			Field:   "backtest.initial_balance",
			Value:   c.Backtest.InitialBalance,
			Message: "must be positive",
		}
	}
	if c.Backtest.FundingIntervalMin < 0 {
		return ValidationError{
			Field:   "backtest.funding_interval_minutes",
			Value:   c.Backtest.FundingIntervalMin,
			Message: "cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateGridConfig() error {
	if c.Grid.Levels == 0 && c.Grid.OrderUSDT == 0 {
		// Grid strategy not configured; runs can still use a custom strategy.
		return nil
	}
	if c.Grid.Levels < 2 {
		return ValidationError{Field: "grid.levels", Value: c.Grid.Levels, Message: "must be at least 2"}
	}
	if c.Grid.SpacingPct <= 0 {
		return ValidationError{Field: "grid.spacing_pct", Value: c.Grid.SpacingPct, Message: "must be positive"}
	}
	if c.Grid.OrderUSDT <= 0 {
		return ValidationError{Field: "grid.order_usdt", Value: c.Grid.OrderUSDT, Message: "must be positive"}
	}
	if c.Grid.TakeProfit < 0 || c.Grid.StopLoss < 0 {
		return ValidationError{Field: "grid.take_profit_pct", Message: "take profit and stop loss cannot be negative"}
	}
	return nil
}

func (c *Config) validateSweepConfig() error {
	if !c.Sweep.Enabled {
		return nil
	}
	if c.Sweep.Workers < 1 || c.Sweep.Workers > 64 {
		return ValidationError{Field: "sweep.workers", Value: c.Sweep.Workers, Message: "must be between 1 and 64"}
	}
	if len(c.Sweep.Levels) == 0 || len(c.Sweep.SpacingPct) == 0 || len(c.Sweep.OrderUSDT) == 0 {
		return ValidationError{Field: "sweep", Message: "levels, spacing_pct and order_usdt must each list at least one value"}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateSpecs() error {
	if len(c.Specs) == 0 {
		return ValidationError{Field: "specs", Message: "at least one contract must be declared"}
	}
	found := false
	for _, s := range c.Specs {
		if s.Symbol == c.Backtest.Symbol {
			found = true
		}
	}
	if !found {
		return ValidationError{
			Field:   "backtest.symbol",
			Value:   c.Backtest.Symbol,
			Message: "no matching contract in specs section",
		}
	}
	return nil
}

// FundingInterval returns the funding interval as a duration
func (c *Config) FundingInterval() time.Duration {
	return time.Duration(c.Backtest.FundingIntervalMin) * time.Minute
}

// BarsPerYear derives the annualization factor from the bar interval
func (c *Config) BarsPerYear() float64 {
	return 365 * 24 * 60 / float64(c.Backtest.BarIntervalMin)
}

// ToSpecs converts the declared contracts into a specs registry.
// Decimal parsing happens here so that malformed numbers surface as
// configuration errors rather than runtime panics.
func (c *Config) ToSpecs() (*specs.Registry, error) {
	var all []*specs.ContractSpecs
	for _, sc := range c.Specs {
		tick, err := decimal.NewFromString(sc.TickSize)
		if err != nil {
			return nil, ValidationError{Field: "specs.tick_size", Value: sc.TickSize, Message: err.Error()}
		}
		lot, err := decimal.NewFromString(sc.LotSize)
		if err != nil {
			return nil, ValidationError{Field: "specs.lot_size", Value: sc.LotSize, Message: err.Error()}
		}
		minNotional, err := decimal.NewFromString(sc.MinNotional)
		if err != nil {
			return nil, ValidationError{Field: "specs.min_notional", Value: sc.MinNotional, Message: err.Error()}
		}
		mult := decimal.NewFromInt(1)
		if sc.Multiplier != "" {
			mult, err = decimal.NewFromString(sc.Multiplier)
			if err != nil {
				return nil, ValidationError{Field: "specs.multiplier", Value: sc.Multiplier, Message: err.Error()}
			}
		}

		var tiers []specs.RiskTier
		for _, tc := range sc.RiskTiers {
			notionalCap, err := decimal.NewFromString(tc.NotionalCap)
			if err != nil {
				return nil, ValidationError{Field: "specs.risk_tiers.notional_cap", Value: tc.NotionalCap, Message: err.Error()}
			}
			rate, err := decimal.NewFromString(tc.MaintenanceRate)
			if err != nil {
				return nil, ValidationError{Field: "specs.risk_tiers.maintenance_rate", Value: tc.MaintenanceRate, Message: err.Error()}
			}
			amount := decimal.Zero
			if tc.MaintenanceAmount != "" {
				amount, err = decimal.NewFromString(tc.MaintenanceAmount)
				if err != nil {
					return nil, ValidationError{Field: "specs.risk_tiers.maintenance_amount", Value: tc.MaintenanceAmount, Message: err.Error()}
				}
			}
			tiers = append(tiers, specs.RiskTier{
				NotionalCap:           notionalCap,
				MaintenanceMarginRate: rate,
				MaintenanceAmount:     amount,
			})
		}

		cs, err := specs.NewContractSpecs(sc.Symbol, tick, lot, minNotional, mult, tiers)
		if err != nil {
			return nil, err
		}
		all = append(all, cs)
	}
	return specs.NewRegistry(all...)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
