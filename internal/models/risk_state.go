package models

import "time"

// RiskStateKey is the kv_state key holding the persisted risk snapshot.
const RiskStateKey = "risk_state"

// RiskState is the process-wide risk snapshot. Created at session start,
// updated on heartbeat and fill events, persisted for crash recovery.
type RiskState struct {
	DailyPnL            float64   `json:"daily_pnl"`
	RealizedPnL         float64   `json:"realized_pnl"`
	DailyMaxLoss        float64   `json:"daily_max_loss"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	ForceExitInProgress bool      `json:"force_exit_in_progress"`
	TradingDay          string    `json:"trading_day"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// SameTradingDay reports whether the snapshot belongs to the given day
// (formatted 2006-01-02). A mismatch means the daily fields must reset.
func (r *RiskState) SameTradingDay(day string) bool {
	return r.TradingDay == day
}
