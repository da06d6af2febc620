// Package config defines all configuration for the grid market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GRID_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig marks fatal configuration errors. The CLI maps it to
// exit code 1.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Account AccountConfig `mapstructure:"account"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Grid    GridConfig    `mapstructure:"grid"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Control ControlConfig `mapstructure:"control"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

// AccountConfig identifies the trading account and its signing key.
// The key signs broadcast transactions; set it via GRID_PRIVATE_KEY.
type AccountConfig struct {
	ID         string `mapstructure:"id"`
	PrivateKey string `mapstructure:"private_key"`
}

// ChainConfig holds node endpoints and RPC tuning.
//
//   - Nodes: websocket RPC endpoints in preference order; the health
//     monitor reorders them by observed latency and fails over on faults.
//   - RestURL: HTTP endpoint for fee schedule, pool and account queries.
//   - MaxAPIRetries: capped retry count for transient RPC faults.
type ChainConfig struct {
	Nodes          []string      `mapstructure:"nodes"`
	RestURL        string        `mapstructure:"rest_url"`
	MaxAPIRetries  int           `mapstructure:"max_api_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// SideValues carries a per-side pair of values.
type SideValues struct {
	Buy  float64 `mapstructure:"buy"`
	Sell float64 `mapstructure:"sell"`
}

// SideCounts carries a per-side pair of counts.
type SideCounts struct {
	Buy  int `mapstructure:"buy"`
	Sell int `mapstructure:"sell"`
}

// GridConfig is the grid geometry and sizing policy.
//
//   - StartPrice: "pool", "orderbook", or a numeric string. Pool and
//     orderbook defer price discovery to the price feed at startup.
//   - MinPrice/MaxPrice: numeric, or "Nx" multipliers of the start price
//     (e.g. "4x" → startPrice/4 for min, startPrice*4 for max).
//   - IncrementPercent: geometric step between adjacent slots, 0.01–10.
//   - TargetSpreadPercent: desired bid-ask gap width.
//   - ActiveOrders: how many slots per side carry live chain orders.
//   - WeightDistribution: geometric sizing bias per side, in [0.5, 1).
//     0.5 spreads the budget evenly; above 0.5 biases toward the market
//     (the market-closest slot always carries the largest share).
//   - BotFunds: fraction of each side's free balance the bot may
//     allocate; committed orders and cached proceeds count in full.
//   - ReactionCap: max chain-touching actions per rebalance cycle.
type GridConfig struct {
	AssetA              string     `mapstructure:"asset_a"`
	AssetB              string     `mapstructure:"asset_b"`
	StartPrice          string     `mapstructure:"start_price"`
	MinPrice            string     `mapstructure:"min_price"`
	MaxPrice            string     `mapstructure:"max_price"`
	IncrementPercent    float64    `mapstructure:"increment_percent"`
	TargetSpreadPercent float64    `mapstructure:"target_spread_percent"`
	ActiveOrders        SideCounts `mapstructure:"active_orders"`
	WeightDistribution  SideValues `mapstructure:"weight_distribution"`
	BotFunds            SideValues `mapstructure:"bot_funds"`
	ReactionCap         int        `mapstructure:"reaction_cap"`

	// RefreshInterval paces the rebalance cycle.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// StoreConfig sets where grid and cache-funds data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ControlConfig controls the local HTTP control surface.
type ControlConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig sets per-category audit levels. Keys are category names
// (fundChanges, orderStateChanges, fillEvents, boundaryEvents,
// errorWarnings, edgeCases); values are slog level names.
type AuditConfig struct {
	Levels map[string]string `mapstructure:"levels"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GRID_PRIVATE_KEY, GRID_ACCOUNT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("chain.max_api_retries", 5)
	v.SetDefault("chain.request_timeout", 10*time.Second)
	v.SetDefault("chain.health_interval", 30*time.Second)
	v.SetDefault("grid.reaction_cap", 6)
	v.SetDefault("grid.refresh_interval", 30*time.Second)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("GRID_PRIVATE_KEY"); key != "" {
		cfg.Account.PrivateKey = key
	}
	if id := os.Getenv("GRID_ACCOUNT_ID"); id != "" {
		cfg.Account.ID = id
	}
	if os.Getenv("GRID_DRY_RUN") == "true" || os.Getenv("GRID_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Account.ID == "" {
		return fail("account.id is required (set GRID_ACCOUNT_ID)")
	}
	if !c.DryRun && c.Account.PrivateKey == "" {
		return fail("account.private_key is required outside dry-run (set GRID_PRIVATE_KEY)")
	}
	if len(c.Chain.Nodes) == 0 {
		return fail("chain.nodes must list at least one websocket endpoint")
	}
	if c.Grid.AssetA == "" || c.Grid.AssetB == "" {
		return fail("grid.asset_a and grid.asset_b are required")
	}
	if c.Grid.AssetA == c.Grid.AssetB {
		return fail("grid.asset_a and grid.asset_b must differ")
	}
	if c.Grid.IncrementPercent < 0.01 || c.Grid.IncrementPercent > 10 {
		return fail("grid.increment_percent must be in [0.01, 10], got %v", c.Grid.IncrementPercent)
	}
	if c.Grid.TargetSpreadPercent < c.Grid.IncrementPercent {
		return fail("grid.target_spread_percent must be >= increment_percent")
	}
	if c.Grid.ActiveOrders.Buy <= 0 || c.Grid.ActiveOrders.Sell <= 0 {
		return fail("grid.active_orders.{buy,sell} must be > 0")
	}
	for side, w := range map[string]float64{"buy": c.Grid.WeightDistribution.Buy, "sell": c.Grid.WeightDistribution.Sell} {
		if w < 0.5 || w >= 1 {
			return fail("grid.weight_distribution.%s must be in [0.5, 1), got %v", side, w)
		}
	}
	if _, _, err := c.Grid.PriceBounds(1); err != nil {
		return err
	}
	if _, err := c.Grid.NumericStartPrice(); err != nil {
		return err
	}
	if c.Grid.ReactionCap <= 0 {
		return fail("grid.reaction_cap must be > 0")
	}
	return nil
}

// NumericStartPrice parses the start price when it is numeric. Returns
// (0, nil) for the "pool" and "orderbook" discovery modes.
func (g *GridConfig) NumericStartPrice() (float64, error) {
	switch g.StartPrice {
	case "pool", "orderbook":
		return 0, nil
	}
	p, err := strconv.ParseFloat(g.StartPrice, 64)
	if err != nil || p <= 0 {
		return 0, fmt.Errorf("%w: grid.start_price must be \"pool\", \"orderbook\" or a positive number, got %q",
			ErrInvalidConfig, g.StartPrice)
	}
	return p, nil
}

// PriceBounds resolves min/max price against a reference start price.
// "Nx" strings divide (min) or multiply (max) the start price by N.
func (g *GridConfig) PriceBounds(startPrice float64) (min, max float64, err error) {
	min, err = parseBound(g.MinPrice, startPrice, true)
	if err != nil {
		return 0, 0, err
	}
	max, err = parseBound(g.MaxPrice, startPrice, false)
	if err != nil {
		return 0, 0, err
	}
	if min >= max {
		return 0, 0, fmt.Errorf("%w: grid.min_price (%v) must be < grid.max_price (%v)", ErrInvalidConfig, min, max)
	}
	return min, max, nil
}

func parseBound(s string, start float64, isMin bool) (float64, error) {
	if strings.HasSuffix(s, "x") {
		mult, err := strconv.ParseFloat(strings.TrimSuffix(s, "x"), 64)
		if err != nil || mult <= 0 {
			return 0, fmt.Errorf("%w: price bound %q: want positive multiplier", ErrInvalidConfig, s)
		}
		if isMin {
			return start / mult, nil
		}
		return start * mult, nil
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil || p <= 0 {
		return 0, fmt.Errorf("%w: price bound %q: want positive number or \"Nx\"", ErrInvalidConfig, s)
	}
	return p, nil
}
