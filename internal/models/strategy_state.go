package models

import "time"

// StrategyStateKey builds the kv_state key for one strategy's execution
// snapshot.
func StrategyStateKey(name string) string { return "strategy_exec_state/" + name }

// LegKind distinguishes the two strangle legs.
type LegKind string

const (
	LegCE LegKind = "CE"
	LegPE LegKind = "PE"
)

// LegState is one tracked option leg.
type LegState struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	LTP        float64   `json:"ltp"`
	Delta      float64   `json:"delta"`
	PnL        float64   `json:"pnl"`
	Open       bool      `json:"open"`
	EnteredAt  time.Time `json:"entered_at"`
}

// UpdateQuote refreshes the leg's mark and P&L from a fresh quote. Short legs
// profit when price falls.
func (l *LegState) UpdateQuote(ltp, delta float64) {
	l.LTP = ltp
	l.Delta = delta
	diff := ltp - l.EntryPrice
	if l.Side == SideSell {
		diff = -diff
	}
	l.PnL = diff * float64(l.Quantity)
}

// StrategyExecState is the persisted per-strategy execution snapshot: leg
// identities and marks, combined P&L, cooldowns, and trailing-stop state.
// Written after every successful adjustment or exit.
type StrategyExecState struct {
	StrategyName    string               `json:"strategy_name"`
	CE              *LegState            `json:"ce,omitempty"`
	PE              *LegState            `json:"pe,omitempty"`
	Spot            float64              `json:"spot"`
	SpotRef         float64              `json:"spot_ref"`
	IV              float64              `json:"iv"`
	CombinedPnL     float64              `json:"combined_pnl"`
	LastFiredAt     time.Time            `json:"last_fired_at"`
	ActionCooldowns map[string]time.Time `json:"action_cooldowns,omitempty"`
	TrailingActive  bool                 `json:"trailing_active"`
	PeakPnL         float64              `json:"peak_pnl"`
	StopPnL         float64              `json:"stop_pnl"`
	AdjustmentCount int                  `json:"adjustment_count"`
	Failed          bool                 `json:"failed"`
	FailedReason    string               `json:"failed_reason,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// NewStrategyExecState returns an empty snapshot for a freshly entered
// strategy.
func NewStrategyExecState(name string) *StrategyExecState {
	return &StrategyExecState{
		StrategyName:    name,
		ActionCooldowns: make(map[string]time.Time),
		UpdatedAt:       time.Now().UTC(),
	}
}

// Leg returns the tracked leg of the given kind, nil when absent.
func (s *StrategyExecState) Leg(kind LegKind) *LegState {
	if kind == LegCE {
		return s.CE
	}
	return s.PE
}

// SetLeg replaces the tracked leg of the given kind.
func (s *StrategyExecState) SetLeg(kind LegKind, leg *LegState) {
	if kind == LegCE {
		s.CE = leg
		return
	}
	s.PE = leg
}

// Flat reports whether no leg remains open.
func (s *StrategyExecState) Flat() bool {
	return (s.CE == nil || !s.CE.Open) && (s.PE == nil || !s.PE.Open)
}

// OpenLegSymbols lists the symbols of legs still open.
func (s *StrategyExecState) OpenLegSymbols() []string {
	var symbols []string
	if s.CE != nil && s.CE.Open {
		symbols = append(symbols, s.CE.Symbol)
	}
	if s.PE != nil && s.PE.Open {
		symbols = append(symbols, s.PE.Symbol)
	}
	return symbols
}

// RecomputeCombined refreshes the combined P&L from the open legs.
func (s *StrategyExecState) RecomputeCombined() {
	total := 0.0
	if s.CE != nil && s.CE.Open {
		total += s.CE.PnL
	}
	if s.PE != nil && s.PE.Open {
		total += s.PE.PnL
	}
	s.CombinedPnL = total
}
