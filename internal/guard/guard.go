// Package guard implements the three-tier duplicate/conflict check in front
// of order submission: an in-memory pending set, the repository's open
// orders, and the broker's position book. Exits are never restricted.
package guard

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

// Guard holds the per-client in-memory guard state. The pending set is
// bounded by symbols with live commands; terminal transitions evict.
type Guard struct {
	mu       sync.Mutex
	clientID string
	storage  storage.Interface
	broker   broker.Broker
	logger   *log.Logger

	pending          map[string]models.Side // symbol -> side of command in flight
	activeStrategies map[string]bool
}

// New builds a guard for one client.
func New(clientID string, store storage.Interface, brk broker.Broker, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.Default()
	}
	return &Guard{
		clientID:         clientID,
		storage:          store,
		broker:           brk,
		logger:           logger,
		pending:          make(map[string]models.Side),
		activeStrategies: make(map[string]bool),
	}
}

// Check runs the three tiers in order for an ENTRY/ADJUST command and
// returns the failure tag plus a human reason on a hit, or "" to pass.
// EXIT commands always pass: closing risk must never be blocked.
func (g *Guard) Check(ctx context.Context, cmd models.OrderCommand) (string, string) {
	if cmd.ExecutionType == models.ExecutionExit {
		return "", ""
	}
	symbol := strings.ToUpper(cmd.Symbol)

	// Tier 1: a command on the same symbol with the same side is already in
	// flight this tick.
	g.mu.Lock()
	if side, ok := g.pending[symbol]; ok && side == cmd.Side {
		g.mu.Unlock()
		return models.TagDuplicateOrderBlocked,
			fmt.Sprintf("command already in flight for %s %s", symbol, cmd.Side)
	}
	g.mu.Unlock()

	// Tier 2: the repository already holds an open order for the same
	// strategy, symbol and side.
	if cmd.StrategyName != "" {
		open, err := g.storage.ListOpenOrdersByStrategy(g.clientID, cmd.StrategyName)
		if err != nil {
			g.logger.Printf("guard: open-order lookup failed for %s: %v", cmd.StrategyName, err)
			return models.TagExecutionGuardBlocked, "guard could not verify open orders"
		}
		for i := range open {
			if strings.EqualFold(open[i].Symbol, symbol) && open[i].Side == cmd.Side &&
				open[i].ExecutionType != models.ExecutionExit {
				return models.TagDuplicateOrderBlocked,
					fmt.Sprintf("open order %s already covers %s %s", open[i].CommandID, symbol, cmd.Side)
			}
		}
	}

	// Tier 3: the broker already holds exposure on this symbol/product in
	// the entry's direction.
	positions, err := g.broker.GetPositions(ctx)
	if err != nil {
		// Broker unreachable is not a duplicate; let risk/submit surface it.
		g.logger.Printf("guard: positions fetch failed: %v", err)
		return "", ""
	}
	for i := range positions {
		pos := &positions[i]
		if !strings.EqualFold(pos.Symbol, symbol) || pos.Product != cmd.Product || pos.NetQty == 0 {
			continue
		}
		entryLong := cmd.Side == models.SideBuy
		if (pos.NetQty > 0) == entryLong {
			return models.TagExecutionGuardBlocked,
				fmt.Sprintf("broker already holds %d %s %s", pos.NetQty, symbol, pos.Product)
		}
	}
	return "", ""
}

// RegisterAttempt inserts the symbol into the pending set. Call after the
// checks pass and before the broker call.
func (g *Guard) RegisterAttempt(symbol string, side models.Side) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[strings.ToUpper(symbol)] = side
}

// Release removes the symbol from the pending set on a terminal status.
func (g *Guard) Release(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, strings.ToUpper(symbol))
}

// ForceClear drops both the pending symbol and, when the strategy no longer
// has anything open, its active mark. Called by the watcher on
// BROKER_REJECTED/BROKER_CANCELLED.
func (g *Guard) ForceClear(strategyName, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, strings.ToUpper(symbol))
	if strategyName != "" {
		delete(g.activeStrategies, strategyName)
	}
}

// MarkStrategyActive records that a strategy holds at least one open order.
func (g *Guard) MarkStrategyActive(name string) {
	if name == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeStrategies[name] = true
}

// MarkStrategyInactive clears a strategy's active mark.
func (g *Guard) MarkStrategyInactive(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.activeStrategies, name)
}

// ActiveStrategies returns a sorted snapshot of active strategy names.
func (g *Guard) ActiveStrategies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.activeStrategies))
	for name := range g.activeStrategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PendingCount reports the size of the pending set.
func (g *Guard) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// PendingSymbols returns a snapshot of symbols with live commands.
func (g *Guard) PendingSymbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pending))
	for symbol := range g.pending {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// ReconcileWithBroker rebuilds active_strategies from repository open orders
// intersected with broker positions. Run at startup and after emergency
// exits; the repository plus broker truth is authoritative, not the memory
// set it replaces.
func (g *Guard) ReconcileWithBroker(ctx context.Context) error {
	open, err := g.storage.ListOpenOrders(g.clientID)
	if err != nil {
		return fmt.Errorf("guard reconcile: list open orders: %w", err)
	}
	positions, err := g.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("guard reconcile: broker positions: %w", err)
	}

	held := make(map[string]bool, len(positions))
	for i := range positions {
		if positions[i].NetQty != 0 {
			held[strings.ToUpper(positions[i].Symbol)] = true
		}
	}

	active := make(map[string]bool)
	for i := range open {
		rec := &open[i]
		if rec.StrategyName == "" {
			continue
		}
		// Open order plus held exposure (or still awaiting the broker) keeps
		// the strategy active.
		if held[strings.ToUpper(rec.Symbol)] || rec.Status == models.StatusCreated ||
			rec.Status == models.StatusSentToBroker {
			active[rec.StrategyName] = true
		}
	}

	g.mu.Lock()
	g.activeStrategies = active
	g.mu.Unlock()
	g.logger.Printf("guard: reconciled %d active strategies from %d open orders, %d broker positions",
		len(active), len(open), len(positions))
	return nil
}
