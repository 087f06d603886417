package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
environment:
  client_id: client-a
  mode: paper
storage:
  path: /tmp/omc-test.db
risk:
  max_daily_loss: 1000
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_MinimalWithDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.IsPaperTrading() {
		t.Error("mode paper should report paper trading")
	}
	if cfg.MarketHours.Timezone != "Asia/Kolkata" {
		t.Errorf("default timezone = %s", cfg.MarketHours.Timezone)
	}
	if cfg.WatcherInterval() != time.Second {
		t.Errorf("default watcher interval = %v", cfg.WatcherInterval())
	}
	if cfg.HeartbeatInterval() != 5*time.Second {
		t.Errorf("default heartbeat = %v", cfg.HeartbeatInterval())
	}
	if cfg.ClaimRecoveryTimeout() != 5*time.Minute {
		t.Errorf("default claim recovery = %v", cfg.ClaimRecoveryTimeout())
	}
	if cfg.Watcher.OrderRetentionDays != 3 {
		t.Errorf("default retention = %d", cfg.Watcher.OrderRetentionDays)
	}
	if cfg.BrokerTimeout() != 10*time.Second {
		t.Errorf("default broker timeout = %v", cfg.BrokerTimeout())
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("OMC_TEST_CLIENT", "expanded-client")
	yamlWithEnv := strings.Replace(minimalYAML, "client-a", "${OMC_TEST_CLIENT}", 1)

	cfg, err := Load(writeTempConfig(t, yamlWithEnv))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment.ClientID != "expanded-client" {
		t.Errorf("client_id = %s, want expanded-client", cfg.Environment.ClientID)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	bad := minimalYAML + "\nnot_a_real_section:\n  x: 1\n"
	if _, err := Load(writeTempConfig(t, bad)); err == nil {
		t.Fatal("unknown top-level field should fail to parse")
	}
}

func TestLoad_LiveModeRequiresBroker(t *testing.T) {
	live := strings.Replace(minimalYAML, "mode: paper", "mode: live", 1)
	if _, err := Load(writeTempConfig(t, live)); err == nil {
		t.Fatal("live mode without broker credentials should fail validation")
	}
}

func TestValidate_StrategyRules(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalYAML+`
strategies:
  - name: nifty-strangle
    underlying: NIFTY
    exchange: NFO
    lots: 2
    rules:
      - name: both-delta-exit
        action: close_higher_delta
        priority: 1
        conditions:
          operator: AND
          children:
            - parameter: both_legs_delta_above
              comparator: ">"
              value: 0.35
            - parameter: time_current
              comparator: ">="
              value: 570
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	s, ok := cfg.StrategyByName("nifty-strangle")
	if !ok {
		t.Fatal("strategy not found by name")
	}
	if s.EntryDelta != 0.16 || s.TargetDelta != 0.30 {
		t.Errorf("strategy delta defaults not applied: entry=%v target=%v", s.EntryDelta, s.TargetDelta)
	}
	if s.Product != "NRML" {
		t.Errorf("product default = %s", s.Product)
	}
	if len(s.Rules) != 1 || s.Rules[0].Conditions.Operator != "AND" {
		t.Error("rule tree not decoded")
	}
}

func TestValidate_BadConditionTree(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"leaf without comparator", `
strategies:
  - name: s
    underlying: NIFTY
    exchange: NFO
    lots: 1
    rules:
      - action: do_nothing
        conditions:
          parameter: spot_ltp
`},
		{"NOT with two children", `
strategies:
  - name: s
    underlying: NIFTY
    exchange: NFO
    lots: 1
    rules:
      - action: do_nothing
        conditions:
          operator: NOT
          children:
            - {parameter: spot_ltp, comparator: ">", value: 1}
            - {parameter: spot_ltp, comparator: "<", value: 2}
`},
		{"unknown operator", `
strategies:
  - name: s
    underlying: NIFTY
    exchange: NFO
    lots: 1
    rules:
      - action: do_nothing
        conditions:
          operator: XOR
          children:
            - {parameter: spot_ltp, comparator: ">", value: 1}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, minimalYAML+tc.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid session", time.Date(2025, 1, 6, 11, 0, 0, 0, ist), true},   // Monday
		{"before open", time.Date(2025, 1, 6, 9, 0, 0, 0, ist), false},   // Monday
		{"at open", time.Date(2025, 1, 6, 9, 15, 0, 0, ist), true},       // inclusive open
		{"at close", time.Date(2025, 1, 6, 15, 30, 0, 0, ist), false},    // exclusive close
		{"saturday", time.Date(2025, 1, 4, 11, 0, 0, 0, ist), false},     // weekend
		{"after close", time.Date(2025, 1, 6, 15, 45, 0, 0, ist), false}, // Monday
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.IsWithinTradingHours(tt.at); got != tt.want {
				t.Errorf("IsWithinTradingHours(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}

	cfg.MarketHours.AllowOutside = true
	if !cfg.IsWithinTradingHours(time.Date(2025, 1, 4, 3, 0, 0, 0, ist)) {
		t.Error("allow_outside must bypass the window")
	}
}
