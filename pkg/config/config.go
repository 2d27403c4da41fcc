package config

import (
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"grid-core/pkg/logger"
)

// SymbolConfig holds the grid parameters for one trading pair.
type SymbolConfig struct {
	Symbol        string  `yaml:"symbol"`
	InitialMargin float64 `yaml:"initial_margin"`  // level-0 margin in quote currency
	Multiplier    float64 `yaml:"multiplier"`      // martingale step multiplier
	GridStepPct   float64 `yaml:"grid_step_pct"`   // adverse move that triggers averaging
	TakeProfitPct float64 `yaml:"take_profit_pct"` // favorable move on weighted average
	MaxLevels     int     `yaml:"max_levels"`
	Leverage      int     `yaml:"leverage"`
}

// AccountConfig holds account-wide risk thresholds.
type AccountConfig struct {
	ReserveBuffer      float64       `yaml:"reserve_buffer"`       // margin safety multiplier
	FreezeFactor       float64       `yaml:"freeze_factor"`        // EarlyFreeze at avail < cost*factor
	PanicFactor        float64       `yaml:"panic_factor"`         // Panic at avail < cost*factor
	ImbalanceRatio     float64       `yaml:"imbalance_ratio"`      // long/short qty ratio panic gate
	PanicEquityPct     float64       `yaml:"panic_equity_pct"`     // avail/equity floor for imbalance panic
	EmergencyMarginPct float64       `yaml:"emergency_margin_pct"` // maintenance ratio hard stop
	MinRebalanceMargin float64       `yaml:"min_rebalance_margin"` // below this, skip panic rebalancing
	BalanceTTL         time.Duration `yaml:"balance_ttl"`
}

// OrderConfig tunes the placement state machine.
type OrderConfig struct {
	EntryTimeout   time.Duration `yaml:"entry_timeout"`   // bounded wait before cancel+retry
	EntryRetries   int           `yaml:"entry_retries"`   // limit attempts before market fallback
	ReopenAttempts int           `yaml:"reopen_attempts"` // reopen-after-close retry budget
	ReopenBackoff  time.Duration `yaml:"reopen_backoff"`  // initial backoff, doubled per attempt
}

// EngineConfig tunes the per-symbol reconciliation loop.
type EngineConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	EventBuffer       int           `yaml:"event_buffer"`
}

// APIConfig configures the operator control surface.
type APIConfig struct {
	Port          string `yaml:"port"`
	JWTSecret     string `yaml:"-"`
	AdminPassword string `yaml:"-"`
}

// Config is the full runtime configuration.
type Config struct {
	Symbols []SymbolConfig `yaml:"symbols"`
	Account AccountConfig  `yaml:"account"`
	Orders  OrderConfig    `yaml:"orders"`
	Engine  EngineConfig   `yaml:"engine"`
	API     APIConfig      `yaml:"api"`
	Log     logger.Config  `yaml:"log"`

	// Environment-driven (never in the YAML file).
	BinanceAPIKey    string `yaml:"-"`
	BinanceAPISecret string `yaml:"-"`
	BinanceTestnet   bool   `yaml:"-"`
	DBPath           string `yaml:"-"`
	InstanceID       string `yaml:"-"`
}

// Load reads the YAML strategy file and environment (optionally via .env).
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceAPISecret = os.Getenv("BINANCE_API_SECRET")
	cfg.BinanceTestnet = getEnv("BINANCE_TESTNET", "false") == "true"
	cfg.DBPath = getEnv("DB_PATH", "./data/grid.db")
	cfg.API.JWTSecret = getEnv("JWT_SECRET", "dev-secret")
	cfg.API.AdminPassword = getEnv("ADMIN_PASSWORD", "")
	if port := os.Getenv("API_PORT"); port != "" {
		cfg.API.Port = port
	}

	// Stable per-host identity carried in logs and snapshots.
	if id, err := machineid.ProtectedID("grid-core"); err == nil && len(id) >= 12 {
		cfg.InstanceID = id[:12]
	} else {
		cfg.InstanceID = "unknown"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Account: AccountConfig{
			ReserveBuffer:      1.15,
			FreezeFactor:       1.5,
			PanicFactor:        3.0,
			ImbalanceRatio:     10,
			PanicEquityPct:     0.30,
			EmergencyMarginPct: 0.90,
			MinRebalanceMargin: 5,
			BalanceTTL:         5 * time.Second,
		},
		Orders: OrderConfig{
			EntryTimeout:   10 * time.Second,
			EntryRetries:   3,
			ReopenAttempts: 5,
			ReopenBackoff:  time.Second,
		},
		Engine: EngineConfig{
			ReconcileInterval: 30 * time.Second,
			EventBuffer:       256,
		},
		API: APIConfig{Port: "8080"},
		Log: logger.Config{Level: "info"},
	}
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: no symbols configured")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for i := range c.Symbols {
		s := &c.Symbols[i]
		if s.Symbol == "" {
			return fmt.Errorf("config: symbols[%d] missing symbol", i)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("config: duplicate symbol %s", s.Symbol)
		}
		seen[s.Symbol] = true
		if s.InitialMargin <= 0 {
			return fmt.Errorf("config: %s initial_margin must be positive", s.Symbol)
		}
		if s.GridStepPct <= 0 || s.TakeProfitPct <= 0 {
			return fmt.Errorf("config: %s grid_step_pct and take_profit_pct must be positive", s.Symbol)
		}
		if s.Multiplier <= 1 {
			s.Multiplier = 2
		}
		if s.MaxLevels <= 0 {
			s.MaxLevels = 8
		}
		if s.Leverage <= 0 {
			s.Leverage = 10
		}
	}
	if c.Account.ReserveBuffer < 1 {
		return fmt.Errorf("config: reserve_buffer must be >= 1")
	}
	if c.Account.PanicFactor <= c.Account.FreezeFactor {
		return fmt.Errorf("config: panic_factor must exceed freeze_factor")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
