// Package risk implements the process-wide policy gate: daily loss limit,
// post-breach cooldown, and the force-exit demand. It decides whether trading
// is allowed; it never constructs orders.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

// Config tunes the risk gate.
type Config struct {
	MaxDailyLoss      float64 // positive amount; breach at -MaxDailyLoss
	Cooldown          time.Duration
	HeartbeatInterval time.Duration
}

// Manager owns the RiskState snapshot. The heartbeat marks open positions to
// market, adds realized P&L accumulated from exit fills, persists the
// snapshot, and raises the force-exit demand exactly once per trading day.
type Manager struct {
	mu       sync.Mutex
	state    models.RiskState
	breached bool // force exit already raised this trading day

	clientID  string
	storage   storage.Interface
	broker    broker.Broker
	logger    *log.Logger
	cfg       Config
	forceExit func(reason string) // installed by the facade
	now       func() time.Time
}

// NewManager loads the persisted risk snapshot, resetting daily fields when
// the trading day changed.
func NewManager(clientID string, store storage.Interface, brk broker.Broker, logger *log.Logger, cfg Config) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	m := &Manager{
		clientID: clientID,
		storage:  store,
		broker:   brk,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}

	today := m.now().Format("2006-01-02")
	raw, err := store.LoadState(models.RiskStateKey)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(raw, &m.state); jsonErr != nil {
			return nil, fmt.Errorf("risk state corrupt: %w", jsonErr)
		}
		if !m.state.SameTradingDay(today) {
			logger.Printf("risk: new trading day %s, resetting daily state", today)
			m.resetForDay(today)
		}
	case errors.Is(err, storage.ErrStateNotFound):
		m.resetForDay(today)
	default:
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	m.state.DailyMaxLoss = -cfg.MaxDailyLoss
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetForceExitFunc installs the callback the breach path invokes. The
// facade routes it through its force-exit gateway.
func (m *Manager) SetForceExitFunc(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceExit = fn
}

// CanExecute reports whether trading is currently allowed, with a reason on
// denial.
func (m *Manager) CanExecute() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ForceExitInProgress {
		return false, "force exit in progress"
	}
	if now := m.now(); now.Before(m.state.CooldownUntil) {
		return false, fmt.Sprintf("cooldown until %s", m.state.CooldownUntil.Format(time.RFC3339))
	}
	if m.state.DailyPnL <= m.state.DailyMaxLoss {
		return false, fmt.Sprintf("daily loss %.2f breached limit %.2f", m.state.DailyPnL, m.state.DailyMaxLoss)
	}
	return true, ""
}

// AddRealizedPnL accumulates realized profit from an executed exit fill.
func (m *Manager) AddRealizedPnL(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RealizedPnL += delta
	m.state.DailyPnL = m.state.RealizedPnL // heartbeat adds unrealized on top
	if err := m.persistLocked(); err != nil {
		m.logger.Printf("risk: persist after fill failed: %v", err)
	}
}

// ForceExitDone clears the in-progress flag once positions are flat.
func (m *Manager) ForceExitDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ForceExitInProgress = false
	if err := m.persistLocked(); err != nil {
		m.logger.Printf("risk: persist failed: %v", err)
	}
}

// Snapshot returns a copy of the current risk state.
func (m *Manager) Snapshot() models.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Heartbeat recomputes daily P&L (realized plus mark-to-market of broker
// positions) and fires the force-exit demand on a fresh breach.
func (m *Manager) Heartbeat(ctx context.Context) error {
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("risk heartbeat: positions: %w", err)
	}
	unrealized := 0.0
	for i := range positions {
		pos := &positions[i]
		if pos.NetQty == 0 {
			continue
		}
		ltp, err := m.broker.GetLTP(ctx, pos.Exchange, pos.Symbol)
		if err != nil {
			m.logger.Printf("risk heartbeat: ltp %s failed: %v", pos.Symbol, err)
			continue
		}
		unrealized += (ltp - pos.AvgPrice) * float64(pos.NetQty)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	today := m.now().Format("2006-01-02")
	if !m.state.SameTradingDay(today) {
		m.resetForDay(today)
		m.state.DailyMaxLoss = -m.cfg.MaxDailyLoss
	}
	m.state.DailyPnL = m.state.RealizedPnL + unrealized
	m.state.UpdatedAt = m.now()

	if m.state.DailyPnL <= m.state.DailyMaxLoss && !m.breached {
		m.breached = true
		m.state.ForceExitInProgress = true
		m.state.CooldownUntil = m.now().Add(m.cfg.Cooldown)
		m.logger.Printf("risk: DAILY_MAX_LOSS breached (pnl %.2f <= %.2f), requesting force exit",
			m.state.DailyPnL, m.state.DailyMaxLoss)
		if fn := m.forceExit; fn != nil {
			// Fire outside the lock: the facade path re-enters submission.
			go fn("DAILY_MAX_LOSS")
		}
	}
	return m.persistLocked()
}

// Run drives the heartbeat until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Heartbeat(ctx); err != nil {
				m.logger.Printf("risk: heartbeat error: %v", err)
			}
		}
	}
}

func (m *Manager) resetForDay(day string) {
	m.state = models.RiskState{
		TradingDay:   day,
		DailyMaxLoss: m.state.DailyMaxLoss,
		UpdatedAt:    m.now(),
	}
	m.breached = false
}

func (m *Manager) persistLocked() error {
	raw, err := json.Marshal(m.state)
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	if err := m.storage.SaveState(models.RiskStateKey, raw); err != nil {
		return fmt.Errorf("persist risk state: %w", err)
	}
	return nil
}
