package adjust

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantbrew/ordercore/internal/command"
	"github.com/quantbrew/ordercore/internal/config"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

// MarketData supplies quotes, greeks and strike selection. The simulated
// market implements it; a live greeks feed would slot in behind the same
// surface.
type MarketData interface {
	LTP(symbol string) float64
	Delta(symbol string) float64
	SelectByDelta(exchange, underlying string, kind models.LegKind, targetDelta float64) (string, float64, float64, error)
}

// Submitter is the command-gateway slice the engine drives: entries submit
// synchronously, exits are registered for the watcher.
type Submitter interface {
	Submit(ctx context.Context, cmd models.OrderCommand) command.Result
	Register(ctx context.Context, cmd models.OrderCommand) command.Result
}

// Engine ticks one strategy's rules against fresh marks and executes at most
// one adjustment per tick.
type Engine struct {
	mu       sync.Mutex
	clientID string
	strategy config.StrategyConfig
	rules    []Rule
	state    *models.StrategyExecState
	market   MarketData
	gateway  Submitter
	store    storage.Interface
	tick     time.Duration
	global   time.Duration
	trailPct float64
	logger   *log.Logger
	now      func() time.Time
}

// NewEngine compiles the strategy's rules and binds the engine to its
// execution state. The state pointer is owned by the engine after this call.
func NewEngine(clientID string, sc config.StrategyConfig, state *models.StrategyExecState,
	market MarketData, gateway Submitter, store storage.Interface, logger *log.Logger) (*Engine, error) {
	rules, err := CompileRules(sc.Rules, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", sc.Name, err)
	}
	tick, err := time.ParseDuration(sc.EngineTick)
	if err != nil || tick <= 0 {
		tick = 2 * time.Second
	}
	e := &Engine{
		clientID: clientID,
		strategy: sc,
		rules:    rules,
		state:    state,
		market:   market,
		gateway:  gateway,
		store:    store,
		tick:     tick,
		global:   time.Duration(sc.GlobalCooldownSeconds) * time.Second,
		logger:   logger,
		now:      time.Now,
	}
	// Recover the trailing ratchet percentage across restarts from the rule
	// that configures it.
	for _, r := range rules {
		if r.Action == ActionTrailingStop {
			e.trailPct = floatParam(r.Params, "trail_pct", 30)
		}
	}
	return e, nil
}

// Run ticks until the context is cancelled or the strategy goes flat.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("engine %s started (tick %s, %d rules)", e.strategy.Name, e.tick, len(e.rules))
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("engine %s stopped", e.strategy.Name)
			return nil
		case <-ticker.C:
			if done := e.TickOnce(ctx); done {
				e.logger.Printf("engine %s flat, retiring", e.strategy.Name)
				return nil
			}
		}
	}
}

// TickOnce runs one evaluation pass and reports whether the strategy is done
// (flat or failed). Exported for out-of-band adjustment requests.
func (e *Engine) TickOnce(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Failed {
		return true
	}
	if e.state.Flat() {
		e.persistLocked()
		return true
	}

	e.refreshMarksLocked()

	if e.trailingBreachedLocked() {
		e.enqueueForceExitLocked("trailing stop breached")
		e.persistLocked()
		return false
	}

	now := e.now()
	if e.global > 0 && !e.state.LastFiredAt.IsZero() && now.Sub(e.state.LastFiredAt) < e.global {
		e.persistLocked()
		return false
	}

	for i := range e.rules {
		r := &e.rules[i]
		if fired, ok := e.state.ActionCooldowns[r.Action]; ok && r.Cooldown > 0 && now.Sub(fired) < r.Cooldown {
			continue
		}
		snap := e.snapshotLocked(now)
		if !r.Matches(snap) {
			continue
		}
		e.logger.Printf("strategy %s: rule %q fired (%s)", e.strategy.Name, r.Name, r.Action)
		e.executeLocked(ctx, r)
		e.state.LastFiredAt = now
		if e.state.ActionCooldowns == nil {
			e.state.ActionCooldowns = make(map[string]time.Time)
		}
		e.state.ActionCooldowns[r.Action] = now
		e.state.AdjustmentCount++
		break // one rule per tick
	}

	e.persistLocked()
	return e.state.Failed
}

// State returns a copy of the current execution snapshot.
func (e *Engine) State() models.StrategyExecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.state
}

// Tick returns the engine's configured period.
func (e *Engine) Tick() time.Duration { return e.tick }

func (e *Engine) refreshMarksLocked() {
	spot := e.market.LTP(e.strategy.SpotSymbol)
	if spot > 0 {
		if e.state.SpotRef == 0 {
			e.state.SpotRef = spot
		}
		e.state.Spot = spot
	}
	for _, kind := range []models.LegKind{models.LegCE, models.LegPE} {
		leg := e.state.Leg(kind)
		if leg == nil || !leg.Open {
			continue
		}
		ltp := e.market.LTP(leg.Symbol)
		if ltp <= 0 {
			continue
		}
		leg.UpdateQuote(ltp, e.market.Delta(leg.Symbol))
	}
	e.state.RecomputeCombined()
	e.state.UpdatedAt = e.now().UTC()
}

// trailingBreachedLocked ratchets the trailing peak and reports a breach.
func (e *Engine) trailingBreachedLocked() bool {
	if !e.state.TrailingActive {
		return false
	}
	if e.state.CombinedPnL > e.state.PeakPnL {
		e.state.PeakPnL = e.state.CombinedPnL
		e.state.StopPnL = e.state.PeakPnL * (1 - e.trailPct/100)
	}
	return e.state.CombinedPnL <= e.state.StopPnL
}

func (e *Engine) snapshotLocked(now time.Time) *snapshot {
	return &snapshot{
		minutes: float64(now.Hour()*60 + now.Minute()),
		state:   e.state,
	}
}

func (e *Engine) executeLocked(ctx context.Context, r *Rule) {
	switch r.Action {
	case ActionCloseCE:
		e.closeLegLocked(ctx, models.LegCE, r.Name)
	case ActionClosePE:
		e.closeLegLocked(ctx, models.LegPE, r.Name)
	case ActionCloseHigherDelta:
		e.closeLegLocked(ctx, e.pickByDeltaLocked(true), r.Name)
	case ActionCloseLowerDelta:
		e.closeLegLocked(ctx, e.pickByDeltaLocked(false), r.Name)
	case ActionCloseMostProfitable:
		e.closeLegLocked(ctx, e.pickByPnLLocked(), r.Name)
	case ActionRollCE:
		e.rollLegLocked(ctx, models.LegCE, r)
	case ActionRollPE:
		e.rollLegLocked(ctx, models.LegPE, r)
	case ActionRollBoth, ActionShiftStrikes:
		e.rollLegLocked(ctx, models.LegCE, r)
		if !e.state.Failed {
			e.rollLegLocked(ctx, models.LegPE, r)
		}
	case ActionAddHedge:
		e.addHedgeLocked(ctx, r)
	case ActionTrailingStop:
		e.activateTrailingLocked(r)
	case ActionDoNothing:
	}
}

// pickByDeltaLocked chooses the open leg with the higher (or lower) absolute
// delta; ties go to the CE leg.
func (e *Engine) pickByDeltaLocked(higher bool) models.LegKind {
	ce, pe := e.state.CE, e.state.PE
	if ce == nil || !ce.Open {
		return models.LegPE
	}
	if pe == nil || !pe.Open {
		return models.LegCE
	}
	ceAbs, peAbs := math.Abs(ce.Delta), math.Abs(pe.Delta)
	if higher {
		if peAbs > ceAbs {
			return models.LegPE
		}
		return models.LegCE
	}
	if peAbs < ceAbs {
		return models.LegPE
	}
	return models.LegCE
}

// pickByPnLLocked chooses the open leg with the larger P&L; ties go to CE.
func (e *Engine) pickByPnLLocked() models.LegKind {
	ce, pe := e.state.CE, e.state.PE
	if ce == nil || !ce.Open {
		return models.LegPE
	}
	if pe == nil || !pe.Open {
		return models.LegCE
	}
	if pe.PnL > ce.PnL {
		return models.LegPE
	}
	return models.LegCE
}

func (e *Engine) closeLegLocked(ctx context.Context, kind models.LegKind, ruleName string) {
	leg := e.state.Leg(kind)
	if leg == nil || !leg.Open {
		return
	}
	res := e.gateway.Register(ctx, models.OrderCommand{
		ExecutionType: models.ExecutionExit,
		Exchange:      e.strategy.Exchange,
		Symbol:        leg.Symbol,
		Side:          leg.Side.Opposite(),
		Quantity:      leg.Quantity,
		Product:       models.Product(e.strategy.Product),
		OrderType:     models.OrderTypeMarket,
		StrategyName:  e.strategy.Name,
		Source:        models.StrategySource(e.strategy.Name),
	})
	if !res.Success {
		e.logger.Printf("strategy %s: close %s failed under rule %q: %s", e.strategy.Name, kind, ruleName, res.Reason)
		return
	}
	leg.Open = false
	e.state.RecomputeCombined()
	e.logger.Printf("strategy %s: closing %s leg %s under rule %q", e.strategy.Name, kind, leg.Symbol, ruleName)
}

// rollLegLocked exits the old strike and re-enters at the target delta. A
// partial failure (exit placed, entry refused) marks the strategy failed so
// no further rules run on inconsistent state; the record tag and alert make
// the half-adjustment visible for manual resolution.
func (e *Engine) rollLegLocked(ctx context.Context, kind models.LegKind, r *Rule) {
	leg := e.state.Leg(kind)
	if leg == nil || !leg.Open {
		return
	}
	targetDelta := floatParam(r.Params, "target_delta", e.strategy.TargetDelta)

	newSymbol, delta, ltp, err := e.market.SelectByDelta(e.strategy.Exchange, e.strategy.Underlying, kind, targetDelta)
	if err != nil {
		e.logger.Printf("strategy %s: roll %s aborted, no strike at delta %.2f: %v", e.strategy.Name, kind, targetDelta, err)
		return
	}
	if newSymbol == leg.Symbol {
		return // already at the target strike
	}

	exit := e.gateway.Register(ctx, models.OrderCommand{
		ExecutionType: models.ExecutionExit,
		Exchange:      e.strategy.Exchange,
		Symbol:        leg.Symbol,
		Side:          leg.Side.Opposite(),
		Quantity:      leg.Quantity,
		Product:       models.Product(e.strategy.Product),
		OrderType:     models.OrderTypeMarket,
		StrategyName:  e.strategy.Name,
		Source:        models.StrategySource(e.strategy.Name),
	})
	if !exit.Success {
		e.logger.Printf("strategy %s: roll %s aborted at exit: %s", e.strategy.Name, kind, exit.Reason)
		return // nothing changed, safe to retry next tick
	}

	entry := e.gateway.Submit(ctx, models.OrderCommand{
		ExecutionType: models.ExecutionAdjust,
		Exchange:      e.strategy.Exchange,
		Symbol:        newSymbol,
		Side:          leg.Side,
		Quantity:      leg.Quantity,
		Product:       models.Product(e.strategy.Product),
		OrderType:     models.OrderTypeMarket,
		StrategyName:  e.strategy.Name,
		Source:        models.StrategySource(e.strategy.Name),
	})
	if !entry.Success {
		e.failLocked(fmt.Sprintf("roll %s half-adjusted: exit %s registered, entry %s refused (%s: %s)",
			kind, leg.Symbol, newSymbol, entry.Tag, entry.Reason))
		leg.Open = false
		e.state.RecomputeCombined()
		return
	}

	e.state.SetLeg(kind, &models.LegState{
		Symbol:     newSymbol,
		Side:       leg.Side,
		Quantity:   leg.Quantity,
		EntryPrice: ltp,
		LTP:        ltp,
		Delta:      delta,
		Open:       true,
		EnteredAt:  e.now().UTC(),
	})
	e.state.RecomputeCombined()
	e.logger.Printf("strategy %s: rolled %s %s -> %s (delta %.2f)", e.strategy.Name, kind, leg.Symbol, newSymbol, delta)
}

func (e *Engine) addHedgeLocked(ctx context.Context, r *Rule) {
	hedgeType := stringParam(r.Params, "hedge_type", "both")
	hedgeDelta := floatParam(r.Params, "hedge_delta", 0.10)

	kinds := []models.LegKind{}
	switch hedgeType {
	case "ce":
		kinds = append(kinds, models.LegCE)
	case "pe":
		kinds = append(kinds, models.LegPE)
	default:
		kinds = append(kinds, models.LegCE, models.LegPE)
	}

	qty := e.legQuantityLocked()
	for _, kind := range kinds {
		symbol, delta, _, err := e.market.SelectByDelta(e.strategy.Exchange, e.strategy.Underlying, kind, hedgeDelta)
		if err != nil {
			e.logger.Printf("strategy %s: hedge %s skipped, no strike at delta %.2f: %v", e.strategy.Name, kind, hedgeDelta, err)
			continue
		}
		res := e.gateway.Submit(ctx, models.OrderCommand{
			ExecutionType: models.ExecutionAdjust,
			Exchange:      e.strategy.Exchange,
			Symbol:        symbol,
			Side:          models.SideBuy,
			Quantity:      qty,
			Product:       models.Product(e.strategy.Product),
			OrderType:     models.OrderTypeMarket,
			StrategyName:  e.strategy.Name + "::HEDGE",
			Source:        models.StrategySource(e.strategy.Name),
		})
		if !res.Success {
			e.logger.Printf("strategy %s: hedge %s %s refused: %s", e.strategy.Name, kind, symbol, res.Reason)
			continue
		}
		e.logger.Printf("strategy %s: hedged %s with long %s (delta %.2f)", e.strategy.Name, kind, symbol, delta)
	}
}

func (e *Engine) legQuantityLocked() int {
	if e.state.CE != nil && e.state.CE.Quantity > 0 {
		return e.state.CE.Quantity
	}
	if e.state.PE != nil && e.state.PE.Quantity > 0 {
		return e.state.PE.Quantity
	}
	return e.strategy.Lots
}

func (e *Engine) activateTrailingLocked(r *Rule) {
	e.trailPct = floatParam(r.Params, "trail_pct", 30)
	e.state.TrailingActive = true
	e.state.PeakPnL = e.state.CombinedPnL
	e.state.StopPnL = e.state.PeakPnL * (1 - e.trailPct/100)
	e.logger.Printf("strategy %s: trailing stop armed at peak %.2f stop %.2f (%.0f%%)",
		e.strategy.Name, e.state.PeakPnL, e.state.StopPnL, e.trailPct)
}

// enqueueForceExitLocked hands the flatten to the strategy consumer so it
// runs on the same path as operator-initiated force exits.
func (e *Engine) enqueueForceExitLocked(reason string) {
	payload, err := json.Marshal(models.StrategyPayload{
		StrategyName: e.strategy.Name,
		Action:       models.ActionForceExit,
		Reason:       reason,
	})
	if err != nil {
		e.logger.Printf("strategy %s: could not encode force exit: %v", e.strategy.Name, err)
		return
	}
	row := &models.IntentRow{
		IntentID:  uuid.NewString(),
		ClientID:  e.clientID,
		Type:      models.IntentStrategy,
		Payload:   payload,
		Status:    models.IntentPending,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.EnqueueIntent(row); err != nil {
		e.logger.Printf("strategy %s: could not enqueue force exit: %v", e.strategy.Name, err)
		return
	}
	e.state.TrailingActive = false
	e.logger.Printf("strategy %s: force exit enqueued (%s)", e.strategy.Name, reason)
}

func (e *Engine) failLocked(reason string) {
	e.state.Failed = true
	e.state.FailedReason = reason
	e.logger.Printf("ALERT strategy %s marked %s: %s", e.strategy.Name, models.TagAdjustmentFailed, reason)
}

func (e *Engine) persistLocked() {
	raw, err := json.Marshal(e.state)
	if err != nil {
		e.logger.Printf("strategy %s: could not encode state: %v", e.strategy.Name, err)
		return
	}
	if err := e.store.SaveState(models.StrategyStateKey(e.strategy.Name), raw); err != nil {
		e.logger.Printf("strategy %s: could not persist state: %v", e.strategy.Name, err)
	}
}

// snapshot is the parameter view one rule evaluation sees.
type snapshot struct {
	minutes float64
	state   *models.StrategyExecState
}

// parameter resolves a rule parameter. Missing-leg parameters report not-ok
// so their leaves evaluate false rather than comparing garbage.
func (s *snapshot) parameter(name string) (float64, bool) {
	ce, pe := s.state.CE, s.state.PE
	ceOpen := ce != nil && ce.Open
	peOpen := pe != nil && pe.Open

	switch name {
	case "time_current":
		return s.minutes, true
	case "spot_ltp":
		return s.state.Spot, s.state.Spot > 0
	case "spot_change_pct":
		if s.state.SpotRef <= 0 {
			return 0, false
		}
		return (s.state.Spot - s.state.SpotRef) / s.state.SpotRef * 100, true
	case "ce_delta":
		if !ceOpen {
			return 0, false
		}
		return ce.Delta, true
	case "pe_delta":
		if !peOpen {
			return 0, false
		}
		return pe.Delta, true
	case "ce_pnl":
		if !ceOpen {
			return 0, false
		}
		return ce.PnL, true
	case "pe_pnl":
		if !peOpen {
			return 0, false
		}
		return pe.PnL, true
	case "combined_pnl":
		return s.state.CombinedPnL, true
	case "max_leg_delta":
		if !ceOpen || !peOpen {
			return 0, false
		}
		_, hi := absMinMax(ce.Delta, pe.Delta)
		return hi, true
	case "min_leg_delta", "both_legs_delta_above":
		if !ceOpen || !peOpen {
			return 0, false
		}
		lo, _ := absMinMax(ce.Delta, pe.Delta)
		return lo, true
	case "both_legs_delta_below":
		if !ceOpen || !peOpen {
			return 0, false
		}
		_, hi := absMinMax(ce.Delta, pe.Delta)
		return hi, true
	}
	return 0, false
}
