// Package config defines all configuration for the arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KALSHI_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	API      APIConfig      `mapstructure:"api"`
	Detector DetectorConfig `mapstructure:"detector"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Engine   EngineConfig   `mapstructure:"engine"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Screener ScreenerConfig `mapstructure:"screener"`
	Store    StoreConfig    `mapstructure:"store"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Control  ControlConfig  `mapstructure:"control"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig holds Kalshi API endpoints and credentials.
// KeyID identifies the API key; PrivateKeyPEM is the RSA private key used
// to sign every request (RSA-PSS over timestamp+method+path).
type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	WSURL         string `mapstructure:"ws_url"`
	KeyID         string `mapstructure:"key_id"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
}

// DetectorConfig tunes opportunity detection.
//
//   - MinScoreThreshold: opportunities scoring below this are discarded.
//   - FeeSafetyMultiplier: net edge must exceed this multiple of fees.
//   - OpportunityTTL: freshness window from detection to admission.
//   - PartitionEpsilonCents: dead band around 100 for PARTITION sums.
//   - KappaFloor: IMPLICATION relationships below this conditional
//     probability are never evaluated.
//   - ImplicationSoftThresholdCents: minimum spread before an IMPLICATION
//     violation is actionable.
type DetectorConfig struct {
	MinScoreThreshold             float64       `mapstructure:"min_score_threshold"`
	FeeSafetyMultiplier           float64       `mapstructure:"fee_safety_multiplier"`
	OpportunityTTL                time.Duration `mapstructure:"opportunity_ttl"`
	PartitionEpsilonCents         int           `mapstructure:"partition_epsilon_cents"`
	KappaFloor                    float64       `mapstructure:"kappa_floor"`
	ImplicationSoftThresholdCents int           `mapstructure:"implication_soft_threshold_cents"`
}

// ExecutorConfig tunes multi-leg order placement.
//
//   - OrderDeadline: per-leg fill deadline before cancel.
//   - PollInterval: how often to poll order fill status.
//   - HedgeWidenCents: extra aggression when re-filling a missing leg.
//   - MaxUnwindLossCents: cap on loss accepted when flattening excess legs.
//   - CancelRetries: attempts before an uncancellable order is declared orphan.
type ExecutorConfig struct {
	OrderDeadline      time.Duration `mapstructure:"order_deadline"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	HedgeWidenCents    int           `mapstructure:"hedge_widen_cents"`
	MaxUnwindLossCents int           `mapstructure:"max_unwind_loss_cents"`
	CancelRetries      int           `mapstructure:"cancel_retries"`
}

// RiskConfig sets hard limits enforced at admission and on every fill.
//
//   - MaxRiskPerTradePct: fraction of balance at risk per opportunity.
//   - MaxDailyLossCents: realized+unrealized loss that halts trading.
//   - MaxOpenPositions: cap on concurrently executing opportunities.
//   - MaxContractsPerTrade: per-opportunity contract hard cap.
//   - MaxContractsPerMarket: net absolute position cap per ticker.
//   - RequireHumanForImplication: block IMPLICATION trades at admission.
//   - KillSwitch: start with the kill switch already engaged.
type RiskConfig struct {
	MaxRiskPerTradePct         float64 `mapstructure:"max_risk_per_trade_pct"`
	MaxDailyLossCents          int     `mapstructure:"max_daily_loss_cents"`
	MaxOpenPositions           int     `mapstructure:"max_open_positions"`
	MaxContractsPerTrade       int     `mapstructure:"max_contracts_per_trade"`
	MaxContractsPerMarket      int     `mapstructure:"max_contracts_per_market"`
	RequireHumanForImplication bool    `mapstructure:"require_human_for_implication"`
	KillSwitch                 bool    `mapstructure:"kill_switch"`
}

// EngineConfig sets the orchestrator cadences and worker topology.
type EngineConfig struct {
	FullScanInterval    time.Duration `mapstructure:"full_scan_interval"`
	OpportunityRecheck  time.Duration `mapstructure:"opportunity_recheck"`
	RelationshipRescan  time.Duration `mapstructure:"relationship_rescan"`
	RevalidateAfter     time.Duration `mapstructure:"revalidate_after"`
	OpportunityQueueCap int           `mapstructure:"opportunity_queue_cap"`
	ExecutionWorkers    int           `mapstructure:"execution_workers"`
}

// LLMConfig holds the relationship-discovery model settings.
type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// ScreenerConfig filters and caps the events sent to discovery each
// cycle. Keyword matching is case-insensitive over event titles.
type ScreenerConfig struct {
	MaxEventsPerCycle int      `mapstructure:"max_events_per_cycle"`
	IncludeCategories []string `mapstructure:"include_categories"`
	ExcludeKeywords   []string `mapstructure:"exclude_keywords"`
}

// StoreConfig sets where market, relationship and trade data is persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// AlertsConfig controls the webhook alert sink. Empty URL disables it.
type AlertsConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ControlConfig controls the operational HTTP server.
type ControlConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KALSHI_KEY_ID, KALSHI_PRIVATE_KEY_PEM,
// KALSHI_LLM_API_KEY, KALSHI_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KALSHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KALSHI_KEY_ID"); key != "" {
		cfg.API.KeyID = key
	}
	if pem := os.Getenv("KALSHI_PRIVATE_KEY_PEM"); pem != "" {
		cfg.API.PrivateKeyPEM = pem
	}
	if key := os.Getenv("KALSHI_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if url := os.Getenv("KALSHI_WEBHOOK_URL"); url != "" {
		cfg.Alerts.WebhookURL = url
	}
	if os.Getenv("KALSHI_DRY_RUN") == "true" || os.Getenv("KALSHI_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("detector.fee_safety_multiplier", 2.0)
	v.SetDefault("detector.opportunity_ttl", 15*time.Second)
	v.SetDefault("detector.partition_epsilon_cents", 2)
	v.SetDefault("detector.kappa_floor", 0.9)
	v.SetDefault("detector.implication_soft_threshold_cents", 5)
	v.SetDefault("executor.order_deadline", 30*time.Second)
	v.SetDefault("executor.poll_interval", 1*time.Second)
	v.SetDefault("executor.hedge_widen_cents", 3)
	v.SetDefault("executor.cancel_retries", 3)
	v.SetDefault("engine.full_scan_interval", 60*time.Second)
	v.SetDefault("engine.opportunity_recheck", 15*time.Second)
	v.SetDefault("engine.relationship_rescan", 24*time.Hour)
	v.SetDefault("engine.revalidate_after", 7*24*time.Hour)
	v.SetDefault("engine.opportunity_queue_cap", 100)
	v.SetDefault("engine.execution_workers", 4)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.batch_size", 40)
	v.SetDefault("llm.confidence_floor", 0.7)
	v.SetDefault("screener.max_events_per_cycle", 50)
	v.SetDefault("alerts.timeout", 10*time.Second)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if !c.DryRun {
		if c.API.KeyID == "" {
			return fmt.Errorf("api.key_id is required (set KALSHI_KEY_ID)")
		}
		if c.API.PrivateKeyPEM == "" {
			return fmt.Errorf("api.private_key_pem is required (set KALSHI_PRIVATE_KEY_PEM)")
		}
	}
	if c.Risk.MaxRiskPerTradePct <= 0 || c.Risk.MaxRiskPerTradePct > 1 {
		return fmt.Errorf("risk.max_risk_per_trade_pct must be in (0,1]")
	}
	if c.Risk.MaxDailyLossCents <= 0 {
		return fmt.Errorf("risk.max_daily_loss_cents must be > 0")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if c.Risk.MaxContractsPerTrade <= 0 {
		return fmt.Errorf("risk.max_contracts_per_trade must be > 0")
	}
	if c.Risk.MaxContractsPerMarket <= 0 {
		return fmt.Errorf("risk.max_contracts_per_market must be > 0")
	}
	if c.Detector.FeeSafetyMultiplier < 1 {
		return fmt.Errorf("detector.fee_safety_multiplier must be >= 1")
	}
	if c.Detector.KappaFloor < 0 || c.Detector.KappaFloor > 1 {
		return fmt.Errorf("detector.kappa_floor must be in [0,1]")
	}
	if c.Detector.OpportunityTTL <= 0 {
		return fmt.Errorf("detector.opportunity_ttl must be > 0")
	}
	if c.Executor.OrderDeadline <= 0 {
		return fmt.Errorf("executor.order_deadline must be > 0")
	}
	if c.Engine.OpportunityQueueCap <= 0 {
		return fmt.Errorf("engine.opportunity_queue_cap must be > 0")
	}
	if c.Engine.ExecutionWorkers <= 0 {
		return fmt.Errorf("engine.execution_workers must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
