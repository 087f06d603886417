// Package config provides configuration management for the order management
// core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultTimezone       = "Asia/Kolkata"
	defaultMarketOpen     = "09:15"
	defaultMarketClose    = "15:30"
	defaultBrokerTimeout  = "10s"
	defaultHeartbeat      = "5s"
	defaultWatcherPoll    = "1s"
	defaultConsumerPoll   = "1s"
	defaultClaimRecovery  = "5m"
	defaultRetentionDays  = 3
	defaultExitRatePerSec = 5.0
	defaultExitBurst      = 5
	defaultCooldownMins   = 30
	defaultLotSize        = 1
	defaultTickSize       = 0.05
	defaultTargetDelta    = 0.30
	defaultEntryDelta     = 0.16
	defaultEngineTick     = "2s"
	defaultGlobalCooldown = 60
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	MarketHours MarketHoursConfig `yaml:"market_hours"`
	Risk        RiskConfig        `yaml:"risk"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Consumers   ConsumersConfig   `yaml:"consumers"`
	ScripMaster ScripMasterConfig `yaml:"scripmaster"`
	Storage     StorageConfig     `yaml:"storage"`
	Strategies  []StrategyConfig  `yaml:"strategies"`
	OpsAPI      OpsAPIConfig      `yaml:"ops_api"`
}

// EnvironmentConfig defines process-level settings.
type EnvironmentConfig struct {
	ClientID string `yaml:"client_id"`
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker adapter settings.
type BrokerConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
	Timeout  string `yaml:"timeout"` // hard per-call timeout, e.g. "10s"
}

// MarketHoursConfig defines the trading window used by the MARKET_CLOSED
// gate. Exits are never gated.
type MarketHoursConfig struct {
	Timezone     string `yaml:"timezone"`
	Open         string `yaml:"open"`  // "HH:MM"
	Close        string `yaml:"close"` // "HH:MM"
	AllowOutside bool   `yaml:"allow_outside"`
}

// RiskConfig defines the daily risk gate.
type RiskConfig struct {
	MaxDailyLoss      float64 `yaml:"max_daily_loss"` // positive amount; breach at -MaxDailyLoss
	CooldownMinutes   int     `yaml:"cooldown_minutes"`
	HeartbeatInterval string  `yaml:"heartbeat_interval"`
}

// WatcherConfig defines the order watcher loop.
type WatcherConfig struct {
	PollInterval       string  `yaml:"poll_interval"`
	ExitRatePerSec     float64 `yaml:"exit_rate_per_sec"` // broker backpressure on exit submissions
	ExitBurst          int     `yaml:"exit_burst"`
	OrderRetentionDays int     `yaml:"order_retention_days"`
}

// ConsumersConfig defines the intent consumer loops.
type ConsumersConfig struct {
	PollInterval  string `yaml:"poll_interval"`
	ClaimRecovery string `yaml:"claim_recovery"` // stale CLAIMED rows older than this reset to PENDING
}

// ScripMasterConfig defines the instrument metadata snapshot.
type ScripMasterConfig struct {
	Path            string  `yaml:"path"` // CSV snapshot; optional
	DefaultLotSize  int     `yaml:"default_lot_size"`
	DefaultTickSize float64 `yaml:"default_tick_size"`
}

// StorageConfig defines the embedded store location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// OpsAPIConfig defines the verification HTTP surface.
type OpsAPIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StrategyConfig is one registered strategy definition. Request-entry for a
// name not listed here fails with a descriptive tag.
type StrategyConfig struct {
	Name                  string       `yaml:"name"`
	Underlying            string       `yaml:"underlying"`    // e.g. NIFTY
	SpotSymbol            string       `yaml:"spot_symbol"`   // e.g. NIFTY 50
	SpotExchange          string       `yaml:"spot_exchange"` // e.g. NSE
	Exchange              string       `yaml:"exchange"`      // e.g. NFO
	Product               string       `yaml:"product"`
	Lots                  int          `yaml:"lots"`
	EntryDelta            float64      `yaml:"entry_delta"`
	TargetDelta           float64      `yaml:"target_delta"` // roll re-entry delta
	EngineTick            string       `yaml:"engine_tick"`
	GlobalCooldownSeconds int          `yaml:"global_cooldown_seconds"`
	Rules                 []RuleConfig `yaml:"rules"`
}

// RuleConfig is one declarative adjustment rule.
type RuleConfig struct {
	Name            string                 `yaml:"name"`
	Action          string                 `yaml:"action"`
	Priority        int                    `yaml:"priority"`
	CooldownSeconds int                    `yaml:"cooldown_seconds"`
	Params          map[string]interface{} `yaml:"params,omitempty"`
	Conditions      ConditionConfig        `yaml:"conditions"`
}

// ConditionConfig is a node of the condition tree: either an operator over
// children or a leaf predicate (parameter, comparator, value).
type ConditionConfig struct {
	Operator   string            `yaml:"operator,omitempty"` // AND | OR | NOT
	Children   []ConditionConfig `yaml:"children,omitempty"`
	Parameter  string            `yaml:"parameter,omitempty"`
	Comparator string            `yaml:"comparator,omitempty"`
	Value      float64           `yaml:"value,omitempty"`
}

// IsLeaf reports whether the node is a predicate rather than an operator.
func (c *ConditionConfig) IsLeaf() bool { return c.Operator == "" }

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.MarketHours.Timezone == "" {
		c.MarketHours.Timezone = defaultTimezone
	}
	if c.MarketHours.Open == "" {
		c.MarketHours.Open = defaultMarketOpen
	}
	if c.MarketHours.Close == "" {
		c.MarketHours.Close = defaultMarketClose
	}
	if c.Risk.HeartbeatInterval == "" {
		c.Risk.HeartbeatInterval = defaultHeartbeat
	}
	if c.Risk.CooldownMinutes == 0 {
		c.Risk.CooldownMinutes = defaultCooldownMins
	}
	if c.Watcher.PollInterval == "" {
		c.Watcher.PollInterval = defaultWatcherPoll
	}
	if c.Watcher.ExitRatePerSec == 0 {
		c.Watcher.ExitRatePerSec = defaultExitRatePerSec
	}
	if c.Watcher.ExitBurst == 0 {
		c.Watcher.ExitBurst = defaultExitBurst
	}
	if c.Watcher.OrderRetentionDays == 0 {
		c.Watcher.OrderRetentionDays = defaultRetentionDays
	}
	if c.Consumers.PollInterval == "" {
		c.Consumers.PollInterval = defaultConsumerPoll
	}
	if c.Consumers.ClaimRecovery == "" {
		c.Consumers.ClaimRecovery = defaultClaimRecovery
	}
	if c.ScripMaster.DefaultLotSize == 0 {
		c.ScripMaster.DefaultLotSize = defaultLotSize
	}
	if c.ScripMaster.DefaultTickSize == 0 {
		c.ScripMaster.DefaultTickSize = defaultTickSize
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.EntryDelta == 0 {
			s.EntryDelta = defaultEntryDelta
		}
		if s.TargetDelta == 0 {
			s.TargetDelta = defaultTargetDelta
		}
		if s.EngineTick == "" {
			s.EngineTick = defaultEngineTick
		}
		if s.GlobalCooldownSeconds == 0 {
			s.GlobalCooldownSeconds = defaultGlobalCooldown
		}
		if s.Product == "" {
			s.Product = "NRML"
		}
		if s.SpotSymbol == "" {
			s.SpotSymbol = s.Underlying
		}
		if s.SpotExchange == "" {
			s.SpotExchange = "NSE"
		}
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.ClientID == "" {
		return fmt.Errorf("environment.client_id is required")
	}
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Environment.Mode == "live" {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required in live mode")
		}
		if c.Broker.APIToken == "" {
			return fmt.Errorf("broker.api_token is required in live mode")
		}
	}
	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	loc, err := time.LoadLocation(c.MarketHours.Timezone)
	if err != nil {
		return fmt.Errorf("market_hours.timezone invalid: %w", err)
	}
	open, err1 := time.ParseInLocation("15:04", c.MarketHours.Open, loc)
	closeT, err2 := time.ParseInLocation("15:04", c.MarketHours.Close, loc)
	if err1 != nil || err2 != nil ||
		(open.Hour() > closeT.Hour() || (open.Hour() == closeT.Hour() && open.Minute() >= closeT.Minute())) {
		return fmt.Errorf("market_hours window invalid (open/close parse/order)")
	}

	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if _, err := time.ParseDuration(c.Risk.HeartbeatInterval); err != nil {
		return fmt.Errorf("risk.heartbeat_interval invalid: %w", err)
	}

	if _, err := time.ParseDuration(c.Watcher.PollInterval); err != nil {
		return fmt.Errorf("watcher.poll_interval invalid: %w", err)
	}
	if c.Watcher.ExitRatePerSec <= 0 {
		return fmt.Errorf("watcher.exit_rate_per_sec must be > 0")
	}
	if c.Watcher.OrderRetentionDays < 1 {
		return fmt.Errorf("watcher.order_retention_days must be >= 1")
	}

	if _, err := time.ParseDuration(c.Consumers.PollInterval); err != nil {
		return fmt.Errorf("consumers.poll_interval invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Consumers.ClaimRecovery); err != nil {
		return fmt.Errorf("consumers.claim_recovery invalid: %w", err)
	}

	if c.OpsAPI.Enabled && (c.OpsAPI.Port <= 0 || c.OpsAPI.Port > 65535) {
		return fmt.Errorf("ops_api.port must be in (0, 65535]")
	}

	seen := make(map[string]bool, len(c.Strategies))
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Name == "" {
			return fmt.Errorf("strategies[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate strategy name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Underlying == "" {
			return fmt.Errorf("strategy %q: underlying is required", s.Name)
		}
		if s.Exchange == "" {
			return fmt.Errorf("strategy %q: exchange is required", s.Name)
		}
		if s.Lots <= 0 {
			return fmt.Errorf("strategy %q: lots must be > 0", s.Name)
		}
		if s.EntryDelta <= 0 || s.EntryDelta >= 1 {
			return fmt.Errorf("strategy %q: entry_delta must be in (0,1)", s.Name)
		}
		if s.TargetDelta <= 0 || s.TargetDelta >= 1 {
			return fmt.Errorf("strategy %q: target_delta must be in (0,1)", s.Name)
		}
		if _, err := time.ParseDuration(s.EngineTick); err != nil {
			return fmt.Errorf("strategy %q: engine_tick invalid: %w", s.Name, err)
		}
		for j := range s.Rules {
			r := &s.Rules[j]
			if r.Action == "" {
				return fmt.Errorf("strategy %q rules[%d]: action is required", s.Name, j)
			}
			if err := validateConditionNode(&r.Conditions); err != nil {
				return fmt.Errorf("strategy %q rule %q: %w", s.Name, r.Name, err)
			}
		}
	}

	return nil
}

func validateConditionNode(node *ConditionConfig) error {
	if node.IsLeaf() {
		if node.Parameter == "" {
			return fmt.Errorf("condition leaf requires a parameter")
		}
		if node.Comparator == "" {
			return fmt.Errorf("condition on %q requires a comparator", node.Parameter)
		}
		if len(node.Children) > 0 {
			return fmt.Errorf("condition leaf on %q must not have children", node.Parameter)
		}
		return nil
	}

	switch node.Operator {
	case "AND", "OR":
		if len(node.Children) == 0 {
			return fmt.Errorf("%s node requires children", node.Operator)
		}
	case "NOT":
		if len(node.Children) != 1 {
			return fmt.Errorf("NOT node requires exactly one child")
		}
	default:
		return fmt.Errorf("unknown condition operator %q", node.Operator)
	}
	if node.Parameter != "" {
		return fmt.Errorf("operator node must not carry a parameter")
	}
	for i := range node.Children {
		if err := validateConditionNode(&node.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

// IsPaperTrading returns true if the core is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// BrokerTimeout returns the hard per-call broker timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return parseDurationOr(c.Broker.Timeout, 10*time.Second)
}

// HeartbeatInterval returns the risk heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return parseDurationOr(c.Risk.HeartbeatInterval, 5*time.Second)
}

// WatcherInterval returns the order watcher cycle period.
func (c *Config) WatcherInterval() time.Duration {
	return parseDurationOr(c.Watcher.PollInterval, time.Second)
}

// ConsumerPollInterval returns the intent claim poll period.
func (c *Config) ConsumerPollInterval() time.Duration {
	return parseDurationOr(c.Consumers.PollInterval, time.Second)
}

// ClaimRecoveryTimeout returns the stale-claim reset age.
func (c *Config) ClaimRecoveryTimeout() time.Duration {
	return parseDurationOr(c.Consumers.ClaimRecovery, 5*time.Minute)
}

// RiskCooldown returns the post-breach trading cooldown.
func (c *Config) RiskCooldown() time.Duration {
	return time.Duration(c.Risk.CooldownMinutes) * time.Minute
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsWithinTradingHours checks if the given time falls within the configured
// market window. Weekends are always outside.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	if c.MarketHours.AllowOutside {
		return true
	}

	loc, err := time.LoadLocation(c.MarketHours.Timezone)
	if err != nil {
		// Fallback for minimal containers without tzdata
		loc = time.FixedZone("IST", 5*60*60+30*60)
	}
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	openClock, err1 := time.ParseInLocation("15:04", c.MarketHours.Open, loc)
	closeClock, err2 := time.ParseInLocation("15:04", c.MarketHours.Close, loc)
	if err1 != nil || err2 != nil {
		openClock = time.Date(0, 1, 1, 9, 15, 0, 0, loc)
		closeClock = time.Date(0, 1, 1, 15, 30, 0, 0, loc)
	}
	open := time.Date(today.Year(), today.Month(), today.Day(),
		openClock.Hour(), openClock.Minute(), 0, 0, loc)
	closeT := time.Date(today.Year(), today.Month(), today.Day(),
		closeClock.Hour(), closeClock.Minute(), 0, 0, loc)

	// Inclusive open, exclusive close
	return !today.Before(open) && today.Before(closeT)
}

// StrategyByName returns the saved strategy definition, if any.
func (c *Config) StrategyByName(name string) (*StrategyConfig, bool) {
	for i := range c.Strategies {
		if c.Strategies[i].Name == name {
			return &c.Strategies[i], true
		}
	}
	return nil, false
}
