// Package watcher owns the asynchronous half of the order lifecycle: it
// reconciles local records against the broker order book, submits registered
// exits under backpressure, and monitors protective stops on executed
// entries. One loop, three phases, reconcile always first so a fresh fill
// cannot be double-exited.
package watcher

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/command"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/scripmaster"
	"github.com/quantbrew/ordercore/internal/storage"
	"github.com/quantbrew/ordercore/internal/util"
)

// GuardControl is the slice of guard behavior the watcher needs: clearing
// slots on terminal transitions and retiring flat strategies.
type GuardControl interface {
	ForceClear(strategyName, symbol string)
	Release(symbol string)
	MarkStrategyInactive(name string)
}

// RiskNotifier receives realized P&L as exits fill.
type RiskNotifier interface {
	AddRealizedPnL(delta float64)
}

// ExitRegistrar registers stop-triggered exits back through the command
// gateway.
type ExitRegistrar interface {
	Register(ctx context.Context, cmd models.OrderCommand) command.Result
}

// Watcher runs the reconcile / submit-exits / monitor-stops cycle.
type Watcher struct {
	clientID  string
	store     storage.Interface
	broker    broker.Broker
	scrips    *scripmaster.Client
	guard     GuardControl
	risk      RiskNotifier
	registrar ExitRegistrar
	limiter   *rate.Limiter
	interval  time.Duration
	logger    *log.Logger
}

// Config tunes the watcher loop.
type Config struct {
	Interval       time.Duration // cycle period, default 1s
	ExitsPerSecond float64       // exit submission rate, default 2
	ExitBurst      int           // default 2
}

// New wires a watcher.
func New(clientID string, store storage.Interface, brk broker.Broker, scrips *scripmaster.Client,
	g GuardControl, r RiskNotifier, registrar ExitRegistrar, cfg Config, logger *log.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ExitsPerSecond <= 0 {
		cfg.ExitsPerSecond = 2
	}
	if cfg.ExitBurst <= 0 {
		cfg.ExitBurst = 2
	}
	return &Watcher{
		clientID:  clientID,
		store:     store,
		broker:    brk,
		scrips:    scrips,
		guard:     g,
		risk:      r,
		registrar: registrar,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ExitsPerSecond), cfg.ExitBurst),
		interval:  cfg.Interval,
		logger:    logger,
	}
}

// Run cycles until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Printf("watcher started (interval %s)", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("watcher stopped")
			return nil
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one full pass. Exported so startup recovery and tests can drive
// the watcher without the ticker.
func (w *Watcher) Cycle(ctx context.Context) {
	if err := w.reconcileBrokerOrders(ctx); err != nil {
		w.logger.Printf("reconcile failed: %v", err)
	}
	w.processOpenExits(ctx)
	w.monitorStops(ctx)
}

// ReconcileOnce runs only the reconcile phase; startup recovery uses it
// before producers are accepted.
func (w *Watcher) ReconcileOnce(ctx context.Context) error {
	return w.reconcileBrokerOrders(ctx)
}

// reconcileBrokerOrders joins the broker order book against local records by
// broker_order_id and advances non-terminal locals to whatever the broker
// says. Broker orders with no local record become BROKER_ONLY shadows so the
// repository stays a superset of broker truth.
func (w *Watcher) reconcileBrokerOrders(ctx context.Context) error {
	book, err := w.broker.GetOrderBook(ctx)
	if err != nil {
		return err
	}
	if len(book) == 0 {
		return nil
	}

	open, err := w.store.ListOpenOrders(w.clientID)
	if err != nil {
		return err
	}
	byBrokerID := make(map[string]*models.OrderRecord, len(open))
	for i := range open {
		if open[i].BrokerOrderID != "" {
			byBrokerID[open[i].BrokerOrderID] = &open[i]
		}
	}

	for _, bo := range book {
		if bo.BrokerOrderID == "" {
			continue
		}
		local, ok := byBrokerID[bo.BrokerOrderID]
		if !ok {
			w.adoptUnknownOrder(bo)
			continue
		}
		w.advanceLocal(local, bo)
	}
	return nil
}

// advanceLocal moves one open local record to the broker's view of it.
// A CREATED record only reaches here when it already carries a broker id, so
// the submit-path ownership rule holds.
func (w *Watcher) advanceLocal(rec *models.OrderRecord, bo broker.BrokerOrder) {
	if !broker.TerminalStatus(bo.Status) {
		return
	}
	// A registered exit that was submitted but not yet marked lands here in
	// CREATED with a broker id; walk it through SENT_TO_BROKER first.
	if rec.Status == models.StatusCreated {
		if err := w.store.UpdateOrderStatus(rec.CommandID, models.StatusSentToBroker); err != nil {
			w.logger.Printf("warning: could not advance %s to SENT_TO_BROKER: %v", rec, err)
			return
		}
	}

	switch bo.Status {
	case broker.StatusComplete:
		if err := w.store.UpdateOrderStatus(rec.CommandID, models.StatusExecuted); err != nil {
			if !errors.Is(err, storage.ErrAlreadyTerminal) {
				w.logger.Printf("warning: could not execute %s: %v", rec, err)
			}
			return
		}
		if err := w.store.SetOrderFill(rec.CommandID, bo.FilledQty, bo.AvgPrice); err != nil {
			w.logger.Printf("warning: could not record fill for %s: %v", rec, err)
		}
		w.logger.Printf("executed %s: filled %d @ %.2f", rec, bo.FilledQty, bo.AvgPrice)
		if rec.ExecutionType == models.ExecutionExit {
			w.recordRealizedPnL(rec, bo)
		}
	case broker.StatusRejected, broker.StatusCancelled, broker.StatusExpired:
		if err := w.store.UpdateOrderStatus(rec.CommandID, models.StatusFailed); err != nil {
			if !errors.Is(err, storage.ErrAlreadyTerminal) {
				w.logger.Printf("warning: could not fail %s: %v", rec, err)
			}
			return
		}
		tag := broker.StatusTag(bo.Status)
		if err := w.store.SetOrderTag(rec.CommandID, tag); err != nil {
			w.logger.Printf("warning: could not tag %s: %v", rec, err)
		}
		w.logger.Printf("broker closed %s: %s (%s)", rec, tag, bo.RejectionReason)
	}

	w.guard.ForceClear(rec.StrategyName, rec.Symbol)
	w.retireIfFlat(rec.StrategyName)
}

// adoptUnknownOrder shadows a broker order that no local record explains.
func (w *Watcher) adoptUnknownOrder(bo broker.BrokerOrder) {
	if _, err := w.store.GetOrderByBrokerID(bo.BrokerOrderID); err == nil {
		return // already adopted, record is terminal
	} else if !errors.Is(err, storage.ErrOrderNotFound) {
		w.logger.Printf("warning: lookup for broker order %s failed: %v", bo.BrokerOrderID, err)
		return
	}

	cmd := models.OrderCommand{
		ExecutionType: models.ExecutionBrokerOnly,
		Exchange:      bo.Exchange,
		Symbol:        bo.Symbol,
		Side:          bo.Side,
		Quantity:      bo.Quantity,
		Product:       bo.Product,
		OrderType:     bo.OrderType,
		Source:        models.SourceWatcher,
	}
	rec := models.NewOrderRecord("BROKER:"+bo.BrokerOrderID, w.clientID, cmd)
	if err := w.store.CreateOrder(rec); err != nil {
		w.logger.Printf("warning: could not shadow broker order %s: %v", bo.BrokerOrderID, err)
		return
	}
	if err := w.store.SetBrokerOrderID(rec.CommandID, bo.BrokerOrderID); err != nil {
		w.logger.Printf("warning: could not link shadow %s: %v", rec.CommandID, err)
		return
	}
	if err := w.store.UpdateOrderStatus(rec.CommandID, models.StatusSentToBroker); err != nil {
		w.logger.Printf("warning: could not advance shadow %s: %v", rec.CommandID, err)
		return
	}
	rec.Status = models.StatusSentToBroker
	rec.BrokerOrderID = bo.BrokerOrderID
	w.logger.Printf("adopted broker-only order %s %s %s %d (%s)", bo.BrokerOrderID, bo.Side, bo.Symbol, bo.Quantity, bo.Status)

	if broker.TerminalStatus(bo.Status) {
		w.advanceLocal(rec, bo)
	}
}

// recordRealizedPnL books the P&L of a completed exit against its matching
// executed entry (same strategy and symbol, most recent first).
func (w *Watcher) recordRealizedPnL(exit *models.OrderRecord, bo broker.BrokerOrder) {
	if w.risk == nil || bo.FilledQty == 0 || bo.AvgPrice == 0 {
		return
	}
	executed, err := w.store.ListOrdersByStatus(w.clientID, models.StatusExecuted, 500)
	if err != nil {
		w.logger.Printf("warning: could not load executed orders for P&L: %v", err)
		return
	}
	var entry *models.OrderRecord
	for i := range executed {
		r := &executed[i]
		if r.ExecutionType != models.ExecutionEntry || r.Symbol != exit.Symbol || r.StrategyName != exit.StrategyName {
			continue
		}
		if entry == nil || r.UpdatedAt.After(entry.UpdatedAt) {
			entry = r
		}
	}
	if entry == nil || entry.AvgFillPrice == 0 {
		return
	}

	qty := float64(bo.FilledQty)
	var pnl float64
	if entry.Side == models.SideBuy {
		pnl = (bo.AvgPrice - entry.AvgFillPrice) * qty
	} else {
		pnl = (entry.AvgFillPrice - bo.AvgPrice) * qty
	}
	w.risk.AddRealizedPnL(pnl)
	w.logger.Printf("realized %.2f on %s (%s entry %.2f, exit %.2f x %d)",
		pnl, exit.Symbol, entry.Side, entry.AvgFillPrice, bo.AvgPrice, bo.FilledQty)
}

// retireIfFlat marks a strategy inactive once it has no open orders left.
func (w *Watcher) retireIfFlat(strategyName string) {
	if strategyName == "" {
		return
	}
	open, err := w.store.ListOpenOrdersByStrategy(w.clientID, strategyName)
	if err != nil {
		w.logger.Printf("warning: open-order check for %s failed: %v", strategyName, err)
		return
	}
	if len(open) == 0 {
		w.guard.MarkStrategyInactive(strategyName)
	}
}

// processOpenExits submits registered exit records under the rate limiter.
func (w *Watcher) processOpenExits(ctx context.Context) {
	created, err := w.store.ListOrdersByStatus(w.clientID, models.StatusCreated, 100)
	if err != nil {
		w.logger.Printf("open-exit listing failed: %v", err)
		return
	}
	for i := range created {
		rec := &created[i]
		if rec.ExecutionType != models.ExecutionExit || rec.BrokerOrderID != "" {
			continue
		}
		if !w.limiter.Allow() {
			return // backpressure, leftover exits go next cycle
		}
		w.submitExit(ctx, rec)
	}
}

func (w *Watcher) submitExit(ctx context.Context, rec *models.OrderRecord) {
	req := broker.OrderRequest{
		Exchange:     rec.Exchange,
		Symbol:       rec.Symbol,
		Side:         rec.Side,
		Quantity:     rec.Quantity,
		Product:      rec.Product,
		OrderType:    rec.OrderType,
		Price:        rec.Price,
		TriggerPrice: rec.TriggerPrice,
		Tag:          rec.CommandID,
	}
	if err := w.normalizeMarket(ctx, rec, &req); err != nil {
		w.logger.Printf("exit %s not submitted: %v", rec, err)
		return // quote hiccup, retry next cycle
	}

	resp, err := w.broker.PlaceOrder(ctx, req)
	if err != nil {
		w.failExit(rec, broker.ClassifyError(err), err.Error())
		return
	}
	if !resp.Success || resp.BrokerOrderID == "" {
		reason := resp.ErrorMessage
		if reason == "" {
			reason = "broker declined the exit"
		}
		w.failExit(rec, models.TagBrokerRejected, reason)
		return
	}

	if err := w.store.SetBrokerOrderID(rec.CommandID, resp.BrokerOrderID); err != nil {
		w.logger.Printf("warning: broker id %s not persisted for exit %s: %v", resp.BrokerOrderID, rec, err)
	}
	if err := w.store.UpdateOrderStatus(rec.CommandID, models.StatusSentToBroker); err != nil {
		w.logger.Printf("warning: could not mark exit %s in flight: %v", rec, err)
	}
	w.logger.Printf("submitted exit %s -> broker order %s", rec, resp.BrokerOrderID)
}

// normalizeMarket rewrites a MARKET request into an aggressive LIMIT when the
// instrument's venue forbids market orders.
func (w *Watcher) normalizeMarket(ctx context.Context, rec *models.OrderRecord, req *broker.OrderRequest) error {
	if req.OrderType != models.OrderTypeMarket {
		return nil
	}
	inst, _ := w.scrips.Lookup(rec.Exchange, rec.Symbol)
	if inst.MarketAllowed {
		return nil
	}
	ltp, err := w.broker.GetLTP(ctx, rec.Exchange, rec.Symbol)
	if err != nil {
		return err
	}
	offset := float64(inst.LimitOffsetTicks) * inst.TickSize
	req.OrderType = models.OrderTypeLimit
	if req.Side == models.SideBuy {
		req.Price = util.CeilToTick(ltp+offset, inst.TickSize)
	} else {
		req.Price = util.FloorToTick(ltp-offset, inst.TickSize)
		if req.Price < inst.TickSize {
			req.Price = inst.TickSize
		}
	}
	return nil
}

func (w *Watcher) failExit(rec *models.OrderRecord, tag, reason string) {
	if err := w.store.UpdateOrderStatus(rec.CommandID, models.StatusFailed); err != nil {
		w.logger.Printf("warning: could not fail exit %s: %v", rec, err)
	}
	if err := w.store.SetOrderTag(rec.CommandID, tag); err != nil {
		w.logger.Printf("warning: could not tag exit %s: %v", rec, err)
	}
	w.guard.Release(rec.Symbol)
	w.logger.Printf("exit submission failed for %s: %s (%s)", rec, tag, reason)
}

// monitorStops evaluates stop loss, target and trailing protection on
// executed entries that have not fired an exit yet.
func (w *Watcher) monitorStops(ctx context.Context) {
	executed, err := w.store.ListOrdersByStatus(w.clientID, models.StatusExecuted, 500)
	if err != nil {
		w.logger.Printf("stop monitoring listing failed: %v", err)
		return
	}
	for i := range executed {
		rec := &executed[i]
		if rec.ExecutionType != models.ExecutionEntry || rec.ExitFired || !rec.HasProtection() {
			continue
		}
		w.checkProtection(ctx, rec)
	}
}

func (w *Watcher) checkProtection(ctx context.Context, rec *models.OrderRecord) {
	ltp, err := w.broker.GetLTP(ctx, rec.Exchange, rec.Symbol)
	if err != nil || ltp <= 0 {
		return // no quote, re-evaluate next cycle
	}

	long := rec.Side == models.SideBuy
	if reason := w.trailingBreach(rec, ltp, long); reason != "" {
		w.fireExit(ctx, rec, reason)
		return
	}

	// Strict inequalities: touching the level is not a breach.
	if long {
		if rec.StopLoss > 0 && ltp < rec.StopLoss {
			w.fireExit(ctx, rec, "stop loss")
			return
		}
		if rec.Target > 0 && ltp > rec.Target {
			w.fireExit(ctx, rec, "target")
			return
		}
	} else {
		if rec.StopLoss > 0 && ltp > rec.StopLoss {
			w.fireExit(ctx, rec, "stop loss")
			return
		}
		if rec.Target > 0 && ltp < rec.Target {
			w.fireExit(ctx, rec, "target")
			return
		}
	}
}

// trailingBreach ratchets the trailing watermark in the favorable direction
// and reports a breach reason when price gives back the trailing distance.
func (w *Watcher) trailingBreach(rec *models.OrderRecord, ltp float64, long bool) string {
	if rec.TrailingValue <= 0 || rec.TrailingType == "" || rec.TrailingType == models.TrailingNone {
		return ""
	}

	high := rec.TrailingHigh
	if high == 0 {
		high = rec.AvgFillPrice
		if high == 0 {
			high = ltp
		}
	}
	improved := false
	if long && ltp > high {
		high, improved = ltp, true
	} else if !long && ltp < high {
		high, improved = ltp, true
	}
	if improved {
		rec.TrailingHigh = high
		if err := w.store.UpdateTrailingHigh(rec.CommandID, high); err != nil {
			w.logger.Printf("warning: could not persist trailing watermark for %s: %v", rec, err)
		}
	}

	var stop float64
	switch rec.TrailingType {
	case models.TrailingPercent:
		if long {
			stop = high * (1 - rec.TrailingValue/100)
		} else {
			stop = high * (1 + rec.TrailingValue/100)
		}
	default: // POINTS and ABSOLUTE are both price offsets
		if long {
			stop = high - rec.TrailingValue
		} else {
			stop = high + rec.TrailingValue
		}
	}

	if long && ltp < stop {
		return "trailing stop"
	}
	if !long && ltp > stop {
		return "trailing stop"
	}
	return ""
}

// fireExit registers exactly one closing order for a protected entry.
func (w *Watcher) fireExit(ctx context.Context, rec *models.OrderRecord, reason string) {
	qty := rec.FilledQty
	if qty == 0 {
		qty = rec.Quantity
	}
	cmd := models.OrderCommand{
		ExecutionType: models.ExecutionExit,
		Exchange:      rec.Exchange,
		Symbol:        rec.Symbol,
		Side:          rec.Side.Opposite(),
		Quantity:      qty,
		Product:       rec.Product,
		OrderType:     models.OrderTypeMarket,
		StrategyName:  rec.StrategyName,
		Source:        models.SourceWatcher,
	}
	res := w.registrar.Register(ctx, cmd)
	if !res.Success {
		w.logger.Printf("protective exit for %s failed to register: %s (%s)", rec, res.Tag, res.Reason)
		return
	}
	if err := w.store.MarkExitFired(rec.CommandID); err != nil {
		w.logger.Printf("warning: could not mark exit fired on %s: %v", rec, err)
	}
	w.logger.Printf("protective exit fired for %s (%s), exit command %s", rec, reason, res.CommandID)
}
