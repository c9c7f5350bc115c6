// Package config loads the daily core's ./config.json into a plain
// struct: no framework, no env-var overlay, just encoding/json onto a
// struct with a Default() baseline.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"tradecore/internal/apperr"
)

// StrategyType enumerates the three configuration-polymorphism variants:
// one forecast engine, three default-numeric presets.
type StrategyType string

const (
	TrendFollowing     StrategyType = "TrendFollowingStrategy"
	TrendFollowingFast StrategyType = "TrendFollowingFastStrategy"
	TrendFollowingSlow StrategyType = "TrendFollowingSlowStrategy"
)

// Valid reports whether t is one of the three known variants.
func (t StrategyType) Valid() bool {
	switch t {
	case TrendFollowing, TrendFollowingFast, TrendFollowingSlow:
		return true
	default:
		return false
	}
}

// EMAWindow is a (fast, slow) EMA pair.
type EMAWindow [2]int

// StrategyParams is the per-strategy numeric configuration record; one
// forecast engine is parameterized by this record rather than each
// variant carrying its own implementation.
type StrategyParams struct {
	Weight               float64     `json:"weight"`
	RiskTarget           float64     `json:"risk_target"`
	IDM                  float64     `json:"idm"`
	UsePositionBuffering bool        `json:"use_position_buffering"`
	EMAWindows           []EMAWindow `json:"ema_windows"`
	VolLookbackShort     int         `json:"vol_lookback_short"`
	VolLookbackLong      int         `json:"vol_lookback_long"`
}

// StrategyEntry is one entry of portfolio.strategies.
type StrategyEntry struct {
	Type              StrategyType   `json:"type"`
	EnabledLive       bool           `json:"enabled_live"`
	DefaultAllocation float64        `json:"default_allocation"`
	Config            StrategyParams `json:"config"`
}

// PortfolioSection is the portfolio.* block of config.json.
type PortfolioSection struct {
	Strategies map[string]StrategyEntry `json:"strategies"`
}

// DatabaseSection is database.* — the daily core only consumes Name (the
// sqlite file path/name); Host/Port/Username/Password are carried for
// schema completeness but unused by the bundled sqlite store.
type DatabaseSection struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// EmailSection is email.* (collaborator surface; the core never sends
// mail itself).
type EmailSection struct {
	SMTPHost  string   `json:"smtp_host"`
	SMTPPort  int      `json:"smtp_port"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	FromEmail string   `json:"from_email"`
	ToEmails  []string `json:"to_emails"`
	UseTLS    bool     `json:"use_tls"`
}

// Config is the top-level config.json shape.
type Config struct {
	PortfolioID string           `json:"portfolio_id"`
	Portfolio   PortfolioSection `json:"portfolio"`
	Database    DatabaseSection  `json:"database"`
	Email       EmailSection     `json:"email"`
}

// Default returns the baseline config used when no enabled strategy is
// configured yet: a bare portfolio id and no strategies. Callers must
// still populate at least one enabled strategy before EnabledAllocations
// succeeds.
func Default() *Config {
	return &Config{
		PortfolioID: "BASE_PORTFOLIO",
		Portfolio:   PortfolioSection{Strategies: map[string]StrategyEntry{}},
	}
}

// Load reads and parses path (normally "./config.json"). Missing fields
// fall back to Default()'s zero values; PortfolioID defaults to
// "BASE_PORTFOLIO" when empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Config, "config.Load", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, apperr.Wrap(apperr.Config, "config.Load", fmt.Errorf("parse %s: %w", path, err))
	}
	if cfg.PortfolioID == "" {
		cfg.PortfolioID = "BASE_PORTFOLIO"
	}
	if cfg.Portfolio.Strategies == nil {
		cfg.Portfolio.Strategies = map[string]StrategyEntry{}
	}
	return cfg, nil
}

// EnabledAllocations filters cfg.Portfolio.Strategies to enabled_live
// entries and normalizes their default_allocation to sum to 1. When
// every enabled strategy carries a zero allocation,
// capital is split evenly among them rather than treating the config as
// invalid — an explicit resolution of an otherwise-unspecified case, not
// a silent zero. At least one enabled strategy is required; otherwise a
// ConfigError is returned.
func (c *Config) EnabledAllocations() (map[string]float64, error) {
	enabled := make(map[string]float64)
	for id, entry := range c.Portfolio.Strategies {
		if !entry.EnabledLive {
			continue
		}
		if !entry.Type.Valid() {
			return nil, apperr.New(apperr.Config, "config.EnabledAllocations",
				fmt.Sprintf("strategy %s: unknown type %q", id, entry.Type))
		}
		enabled[id] = entry.DefaultAllocation
	}
	if len(enabled) == 0 {
		return nil, apperr.New(apperr.Config, "config.EnabledAllocations", "at least one enabled strategy is required")
	}

	total := 0.0
	for _, w := range enabled {
		total += w
	}
	out := make(map[string]float64, len(enabled))
	if total <= 0 {
		even := 1.0 / float64(len(enabled))
		for id := range enabled {
			out[id] = even
		}
		return out, nil
	}
	for id, w := range enabled {
		out[id] = w / total
	}
	return out, nil
}
