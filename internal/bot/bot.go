// Package bot wires the order management core together: command gateway,
// exit service, intent consumers, order watcher, risk heartbeat, adjustment
// engines, housekeeping jobs and the ops API, all under one lifecycle.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantbrew/ordercore/internal/adjust"
	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/command"
	"github.com/quantbrew/ordercore/internal/config"
	"github.com/quantbrew/ordercore/internal/consumers"
	"github.com/quantbrew/ordercore/internal/exits"
	"github.com/quantbrew/ordercore/internal/guard"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/opsapi"
	"github.com/quantbrew/ordercore/internal/risk"
	"github.com/quantbrew/ordercore/internal/scripmaster"
	"github.com/quantbrew/ordercore/internal/storage"
	"github.com/quantbrew/ordercore/internal/watcher"
)

// engineHandle tracks one running adjustment engine.
type engineHandle struct {
	engine *adjust.Engine
	cancel context.CancelFunc
}

// Bot is the trading facade. One facade mutex serializes strategy lifecycle
// mutation; the component loops run on their own goroutines.
type Bot struct {
	mu       sync.Mutex
	cfg      *config.Config
	clientID string

	store  storage.Interface
	broker broker.Broker
	scrips *scripmaster.Client
	market adjust.MarketData

	guard   *guard.Guard
	risk    *risk.Manager
	cmdSvc  *command.Service
	exitSvc *exits.Service
	watch   *watcher.Watcher
	generic *consumers.Consumer
	strat   *consumers.Consumer
	jobs    *cron.Cron
	ops     *opsapi.Server

	engines map[string]*engineHandle
	baseCtx context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	logger *log.Logger
}

// New assembles the core. Nothing runs until Start.
func New(cfg *config.Config, store storage.Interface, brk broker.Broker, scrips *scripmaster.Client,
	market adjust.MarketData, logger *log.Logger) (*Bot, error) {
	if logger == nil {
		logger = log.Default()
	}

	g := guard.New(cfg.Environment.ClientID, store, brk, logger)
	riskMgr, err := risk.NewManager(cfg.Environment.ClientID, store, brk, logger, risk.Config{
		MaxDailyLoss:      cfg.Risk.MaxDailyLoss,
		Cooldown:          cfg.RiskCooldown(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("risk manager: %w", err)
	}

	cmdSvc := command.NewService(cfg.Environment.ClientID, store, brk, scrips, g, riskMgr, cfg,
		cfg.BrokerTimeout(), logger)
	exitSvc := exits.NewService(brk, cmdSvc, logger)
	cmdSvc.SetExitService(exitSvc)

	b := &Bot{
		cfg:      cfg,
		clientID: cfg.Environment.ClientID,
		store:    store,
		broker:   brk,
		scrips:   scrips,
		market:   market,
		guard:    g,
		risk:     riskMgr,
		cmdSvc:   cmdSvc,
		exitSvc:  exitSvc,
		engines:  make(map[string]*engineHandle),
		baseCtx:  context.Background(),
		logger:   logger,
	}

	b.watch = watcher.New(cfg.Environment.ClientID, store, brk, scrips, g, riskMgr, cmdSvc, watcher.Config{
		Interval:       cfg.WatcherInterval(),
		ExitsPerSecond: cfg.Watcher.ExitRatePerSec,
		ExitBurst:      cfg.Watcher.ExitBurst,
	}, logger)
	b.generic = consumers.NewGenericConsumer(cfg.Environment.ClientID, store, cmdSvc, g,
		cfg.ConsumerPollInterval(), logger)
	b.strat = consumers.NewStrategyConsumer(cfg.Environment.ClientID, store, b,
		cfg.ConsumerPollInterval(), logger)

	// Risk breach flattens everything; the callback runs on the heartbeat
	// goroutine, so the exit path must stay non-blocking past broker calls.
	riskMgr.SetForceExitFunc(func(reason string) {
		if err := b.RequestForceExit(context.Background(), reason); err != nil {
			logger.Printf("force exit after risk breach failed: %v", err)
		}
	})

	b.jobs = cron.New()
	retention := time.Duration(cfg.Watcher.OrderRetentionDays) * 24 * time.Hour
	if _, err := b.jobs.AddFunc("@hourly", func() {
		n, archErr := store.ArchiveTerminalOrders(time.Now().UTC().Add(-retention))
		if archErr != nil {
			logger.Printf("archive job: %v", archErr)
			return
		}
		if n > 0 {
			logger.Printf("archived %d terminal orders", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("archive job: %w", err)
	}
	claimRecovery := cfg.ClaimRecoveryTimeout()
	if _, err := b.jobs.AddFunc("@every 5m", func() {
		n, resetErr := store.ResetStaleClaims(time.Now().UTC().Add(-claimRecovery))
		if resetErr != nil {
			logger.Printf("stale claim sweep: %v", resetErr)
			return
		}
		if n > 0 {
			logger.Printf("reset %d stale intent claims", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("claim sweep job: %w", err)
	}

	if cfg.OpsAPI.Enabled {
		opsLog := logrus.New()
		if lvl, parseErr := logrus.ParseLevel(cfg.Environment.LogLevel); parseErr == nil {
			opsLog.SetLevel(lvl)
		}
		b.ops = opsapi.NewServer(opsapi.Config{Port: cfg.OpsAPI.Port, AuthToken: cfg.OpsAPI.AuthToken},
			cfg.Environment.ClientID, store, riskMgr, opsLog)
	}

	return b, nil
}

// Gateway exposes the command gateway for embedding callers (webhook
// adapters, tests).
func (b *Bot) Gateway() *command.Service { return b.cmdSvc }

// Start runs crash recovery and launches every loop. It returns once the
// loops are running; Wait blocks on them.
func (b *Bot) Start(ctx context.Context) error {
	// Recovery order matters: stale claims first so no consumer resurrects a
	// half-processed intent mid-reconcile, then broker truth, then guard.
	if _, err := b.store.ResetStaleClaims(time.Now().UTC().Add(-b.cfg.ClaimRecoveryTimeout())); err != nil {
		return fmt.Errorf("startup claim reset: %w", err)
	}
	if err := b.watch.ReconcileOnce(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	if err := b.guard.ReconcileWithBroker(ctx); err != nil {
		return fmt.Errorf("startup guard rebuild: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	b.mu.Lock()
	b.baseCtx = gctx
	b.cancel = cancel
	b.group = group
	b.mu.Unlock()

	group.Go(func() error { return b.generic.Run(gctx) })
	group.Go(func() error { return b.strat.Run(gctx) })
	group.Go(func() error { return b.watch.Run(gctx) })
	group.Go(func() error { return b.risk.Run(gctx) })

	b.jobs.Start()

	if b.ops != nil {
		group.Go(func() error {
			err := b.ops.Start()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return b.ops.Shutdown(shutdownCtx)
		})
	}

	b.logger.Printf("core started (client %s, %d strategies registered)",
		b.clientID, len(b.cfg.Strategies))
	return nil
}

// Wait blocks until every loop has stopped, returning the first error.
func (b *Bot) Wait() error {
	b.mu.Lock()
	group := b.group
	b.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Stop cancels the loops and housekeeping jobs.
func (b *Bot) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	for name, h := range b.engines {
		h.cancel()
		delete(b.engines, name)
	}
	b.mu.Unlock()

	ctx := b.jobs.Stop()
	<-ctx.Done()
	if cancel != nil {
		cancel()
	}
}

// ProcessAlert routes one producer payload synchronously: exits register for
// the watcher, everything else submits through the full blocker chain.
func (b *Bot) ProcessAlert(ctx context.Context, p models.OrderPayload) command.Result {
	cmd := p.Command()
	if cmd.Source == "" {
		cmd.Source = models.SourceWebhook
	}
	if cmd.ExecutionType == models.ExecutionExit {
		return b.cmdSvc.Register(ctx, cmd)
	}
	return b.cmdSvc.Submit(ctx, cmd)
}

// RequestEntry enters the named strategy: both legs sold at the entry delta,
// engine registered and started.
func (b *Bot) RequestEntry(ctx context.Context, strategyName string) error {
	return b.enterStrategy(ctx, strategyName, nil)
}

// entryOverride is the subset of strategy settings an ENTRY intent may
// override for one activation.
type entryOverride struct {
	Lots        int     `json:"lots,omitempty"`
	EntryDelta  float64 `json:"entry_delta,omitempty"`
	TargetDelta float64 `json:"target_delta,omitempty"`
	EngineTick  string  `json:"engine_tick,omitempty"`
}

func (b *Bot) enterStrategy(ctx context.Context, name string, override json.RawMessage) error {
	saved, ok := b.cfg.StrategyByName(name)
	if !ok {
		return fmt.Errorf("no saved configuration for strategy %q", name)
	}
	sc := *saved
	if len(override) > 0 {
		var o entryOverride
		if err := json.Unmarshal(override, &o); err != nil {
			return fmt.Errorf("strategy %s: bad override_config: %w", name, err)
		}
		if o.Lots > 0 {
			sc.Lots = o.Lots
		}
		if o.EntryDelta > 0 {
			sc.EntryDelta = o.EntryDelta
		}
		if o.TargetDelta > 0 {
			sc.TargetDelta = o.TargetDelta
		}
		if o.EngineTick != "" {
			sc.EngineTick = o.EngineTick
		}
	}

	b.mu.Lock()
	if _, running := b.engines[name]; running {
		b.mu.Unlock()
		return fmt.Errorf("strategy %s is already active", name)
	}
	b.mu.Unlock()

	ceSymbol, ceDelta, cePremium, err := b.market.SelectByDelta(sc.Exchange, sc.Underlying, models.LegCE, sc.EntryDelta)
	if err != nil {
		return fmt.Errorf("strategy %s: select CE: %w", name, err)
	}
	peSymbol, peDelta, pePremium, err := b.market.SelectByDelta(sc.Exchange, sc.Underlying, models.LegPE, sc.EntryDelta)
	if err != nil {
		return fmt.Errorf("strategy %s: select PE: %w", name, err)
	}

	inst, _ := b.scrips.Lookup(sc.Exchange, ceSymbol)
	qty := sc.Lots * inst.LotSize

	entry := func(symbol string) models.OrderCommand {
		return models.OrderCommand{
			ExecutionType: models.ExecutionEntry,
			Exchange:      sc.Exchange,
			Symbol:        symbol,
			Side:          models.SideSell,
			Quantity:      qty,
			Product:       models.Product(sc.Product),
			OrderType:     models.OrderTypeMarket,
			StrategyName:  name,
			Source:        models.StrategySource(name),
		}
	}

	ceRes := b.cmdSvc.Submit(ctx, entry(ceSymbol))
	if !ceRes.Success {
		return fmt.Errorf("strategy %s: CE entry blocked: %s (%s)", name, ceRes.Tag, ceRes.Reason)
	}
	peRes := b.cmdSvc.Submit(ctx, entry(peSymbol))
	if !peRes.Success {
		// One-legged strangle is unbounded risk: unwind the filled side.
		unwind := entry(ceSymbol)
		unwind.ExecutionType = models.ExecutionExit
		unwind.Side = models.SideBuy
		if res := b.cmdSvc.Register(ctx, unwind); !res.Success {
			b.logger.Printf("ALERT strategy %s: PE entry failed and CE unwind rejected: %s", name, res.Reason)
		}
		return fmt.Errorf("strategy %s: PE entry blocked: %s (%s)", name, peRes.Tag, peRes.Reason)
	}

	now := time.Now().UTC()
	state := models.NewStrategyExecState(name)
	state.SetLeg(models.LegCE, &models.LegState{
		Symbol: ceSymbol, Side: models.SideSell, Quantity: qty,
		EntryPrice: cePremium, LTP: cePremium, Delta: ceDelta, Open: true, EnteredAt: now,
	})
	state.SetLeg(models.LegPE, &models.LegState{
		Symbol: peSymbol, Side: models.SideSell, Quantity: qty,
		EntryPrice: pePremium, LTP: pePremium, Delta: peDelta, Open: true, EnteredAt: now,
	})

	engine, err := adjust.NewEngine(b.clientID, sc, state, b.market, b.cmdSvc, b.store, b.logger)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", name, err)
	}

	b.guard.MarkStrategyActive(name)
	b.startEngine(name, engine)
	b.logger.Printf("strategy %s entered: %s / %s x%d", name, ceSymbol, peSymbol, qty)
	return nil
}

// startEngine launches the engine loop and retires the handle when the
// strategy goes flat or fails.
func (b *Bot) startEngine(name string, engine *adjust.Engine) {
	b.mu.Lock()
	engineCtx, cancel := context.WithCancel(b.baseCtx)
	b.engines[name] = &engineHandle{engine: engine, cancel: cancel}
	b.mu.Unlock()

	go func() {
		_ = engine.Run(engineCtx)
		b.retireEngine(name)
	}()
}

func (b *Bot) retireEngine(name string) {
	b.mu.Lock()
	h, ok := b.engines[name]
	if ok {
		h.cancel()
		delete(b.engines, name)
	}
	b.mu.Unlock()
	if ok {
		b.guard.MarkStrategyInactive(name)
		b.logger.Printf("strategy %s engine retired", name)
	}
}

// RequestExit flattens positions per scope through the exit service.
func (b *Bot) RequestExit(ctx context.Context, scope models.ExitScope, symbols []string,
	product models.ProductScope, reason, source string) ([]command.Result, error) {
	return b.cmdSvc.HandleExitIntent(ctx, scope, symbols, product, reason, source)
}

// RequestForceExit flattens everything (CNC excluded) and clears the risk
// gate's in-progress flag once the exits are registered.
func (b *Bot) RequestForceExit(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "FORCE_EXIT"
	}
	results, err := b.RequestExit(ctx, models.ExitScopeAll, nil, models.ProductScopeAll, reason, models.SourceRMS)
	if err != nil {
		return fmt.Errorf("force exit: %w", err)
	}
	registered := 0
	for _, r := range results {
		if r.Success {
			registered++
		}
	}
	b.logger.Printf("force exit (%s): %d/%d exits registered", reason, registered, len(results))
	b.risk.ForceExitDone()
	return nil
}

// RequestAdjust runs one out-of-band engine pass for the named strategy.
func (b *Bot) RequestAdjust(ctx context.Context, strategyName string) error {
	b.mu.Lock()
	h, ok := b.engines[strategyName]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("strategy %s has no running engine", strategyName)
	}
	if done := h.engine.TickOnce(ctx); done {
		b.retireEngine(strategyName)
	}
	return nil
}

// ExitStrategy closes the named strategy's open legs and hedges, stops its
// engine and marks it inactive.
func (b *Bot) ExitStrategy(ctx context.Context, name, reason string) error {
	b.mu.Lock()
	h, running := b.engines[name]
	b.mu.Unlock()

	var symbols []string
	if running {
		state := h.engine.State()
		symbols = state.OpenLegSymbols()
	}
	symbols = append(symbols, b.hedgeSymbols(name)...)

	if len(symbols) > 0 {
		if reason == "" {
			reason = "STRATEGY_EXIT"
		}
		if _, err := b.RequestExit(ctx, models.ExitScopeSymbols, symbols, models.ProductScopeAll,
			reason, models.StrategySource(name)); err != nil {
			return fmt.Errorf("exit strategy %s: %w", name, err)
		}
	}

	if running {
		b.retireEngine(name)
	} else {
		b.guard.MarkStrategyInactive(name)
	}
	return nil
}

// hedgeSymbols lists symbols of executed hedge orders for the strategy.
// Hedges carry "<base>::HEDGE" so strategy exits can find them without the
// engine tracking them as main legs. Exit records under the tag are skipped
// so a flattened hedge does not re-enter the scope.
func (b *Bot) hedgeSymbols(name string) []string {
	executed, err := b.store.ListOrdersByStatus(b.clientID, models.StatusExecuted, 500)
	if err != nil {
		b.logger.Printf("hedge lookup for %s: %v", name, err)
		return nil
	}
	tag := name + "::HEDGE"
	seen := make(map[string]bool)
	var symbols []string
	for i := range executed {
		rec := &executed[i]
		if rec.StrategyName != tag || rec.ExecutionType == models.ExecutionExit || seen[rec.Symbol] {
			continue
		}
		seen[rec.Symbol] = true
		symbols = append(symbols, rec.Symbol)
	}
	return symbols
}

// DispatchStrategyAction executes one STRATEGY intent. Implements
// consumers.StrategyDispatcher.
func (b *Bot) DispatchStrategyAction(ctx context.Context, p models.StrategyPayload) error {
	switch p.Action {
	case models.ActionEntry:
		return b.enterStrategy(ctx, p.StrategyName, p.OverrideConfig)
	case models.ActionExit:
		return b.ExitStrategy(ctx, p.StrategyName, p.Reason)
	case models.ActionAdjust:
		return b.RequestAdjust(ctx, p.StrategyName)
	case models.ActionForceExit:
		return b.RequestForceExit(ctx, p.Reason)
	}
	return fmt.Errorf("unknown strategy action %q", p.Action)
}

// ActiveStrategies lists strategies with a running engine.
func (b *Bot) ActiveStrategies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.engines))
	for name := range b.engines {
		names = append(names, name)
	}
	return names
}

var _ consumers.StrategyDispatcher = (*Bot)(nil)
