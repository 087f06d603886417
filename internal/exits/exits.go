// Package exits flattens live broker positions. It turns the position book
// into EXIT commands and registers them with the command gateway; actual
// submission stays with the watcher so a mass square-off cannot stampede the
// broker.
package exits

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/command"
	"github.com/quantbrew/ordercore/internal/models"
)

// Registrar registers validated EXIT commands. *command.Service satisfies it.
type Registrar interface {
	Register(ctx context.Context, cmd models.OrderCommand) command.Result
}

// Service converts broker positions into registered EXIT commands.
type Service struct {
	broker    broker.Broker
	registrar Registrar
	logger    *log.Logger
}

// NewService wires the exit service.
func NewService(brk broker.Broker, registrar Registrar, logger *log.Logger) *Service {
	return &Service{broker: brk, registrar: registrar, logger: logger}
}

// ExitPositions registers one MARKET EXIT per live position matching the
// scope. Closed positions (net zero) and CNC holdings are skipped. A position
// whose exit fails to register does not stop the rest; the caller gets one
// result per attempted position.
func (s *Service) ExitPositions(ctx context.Context, scope models.ExitScope, symbols []string, product models.ProductScope, reason, source string) ([]command.Result, error) {
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position book for exit (%s): %w", reason, err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		wanted[strings.ToUpper(strings.TrimSpace(sym))] = true
	}

	var results []command.Result
	for _, pos := range positions {
		if pos.NetQty == 0 {
			continue
		}
		if !product.Matches(pos.Product) {
			continue
		}
		if scope == models.ExitScopeSymbols && !wanted[strings.ToUpper(pos.Symbol)] {
			continue
		}

		cmd := closingCommand(pos, reason, source)
		res := s.registrar.Register(ctx, cmd)
		if res.Success {
			s.logger.Printf("exit registered for %s %s net=%d (%s)", pos.Exchange, pos.Symbol, pos.NetQty, reason)
		} else {
			s.logger.Printf("exit registration failed for %s: %s (%s)", pos.Symbol, res.Tag, res.Reason)
		}
		results = append(results, res)
	}

	if len(results) == 0 {
		s.logger.Printf("exit request matched no positions (scope=%s products=%s reason=%s)", scope, product, reason)
	}
	return results, nil
}

// closingCommand builds the MARKET order that takes one position to flat.
func closingCommand(pos broker.Position, reason, source string) models.OrderCommand {
	side := models.SideSell
	qty := pos.NetQty
	if qty < 0 {
		side = models.SideBuy
		qty = -qty
	}
	return models.OrderCommand{
		ExecutionType: models.ExecutionExit,
		Exchange:      pos.Exchange,
		Symbol:        pos.Symbol,
		Side:          side,
		Quantity:      qty,
		Product:       pos.Product,
		OrderType:     models.OrderTypeMarket,
		Source:        source,
		StrategyName:  "",
	}
}

var _ command.PositionExiter = (*Service)(nil)
