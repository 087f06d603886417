package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/util"
)

// validate checks a command's shape and normalizes quantities and prices
// against the scrip master. It mutates cmd in place (tick rounding, lot
// checks) but performs no I/O; MARKET conversion happens separately because
// it needs a quote.
func (s *Service) validate(cmd *models.OrderCommand) error {
	if !cmd.ExecutionType.Valid() {
		return &ValidationError{Field: "execution_type", Reason: fmt.Sprintf("unknown value %q", cmd.ExecutionType)}
	}
	if !cmd.Side.Valid() {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown value %q", cmd.Side)}
	}
	if !cmd.Product.Valid() {
		return &ValidationError{Field: "product", Reason: fmt.Sprintf("unknown value %q", cmd.Product)}
	}
	if !cmd.OrderType.Valid() {
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown value %q", cmd.OrderType)}
	}
	if strings.TrimSpace(cmd.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if strings.TrimSpace(cmd.Exchange) == "" {
		return &ValidationError{Field: "exchange", Reason: "must not be empty"}
	}
	if cmd.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	inst, _ := s.scrips.Lookup(cmd.Exchange, cmd.Symbol)
	if inst.LotSize > 1 && cmd.Quantity%inst.LotSize != 0 {
		return &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%d is not a multiple of lot size %d for %s", cmd.Quantity, inst.LotSize, cmd.Symbol),
		}
	}

	switch cmd.OrderType {
	case models.OrderTypeLimit:
		if cmd.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "LIMIT orders require a positive price"}
		}
	case models.OrderTypeSL:
		if cmd.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "SL orders require a positive price"}
		}
		if cmd.TriggerPrice <= 0 {
			return &ValidationError{Field: "trigger_price", Reason: "SL orders require a positive trigger"}
		}
	case models.OrderTypeSLM:
		if cmd.TriggerPrice <= 0 {
			return &ValidationError{Field: "trigger_price", Reason: "SLM orders require a positive trigger"}
		}
	}

	if cmd.Price > 0 && !util.IsTickAligned(cmd.Price, inst.TickSize) {
		cmd.Price = util.RoundToTick(cmd.Price, inst.TickSize)
	}
	if cmd.TriggerPrice > 0 && !util.IsTickAligned(cmd.TriggerPrice, inst.TickSize) {
		cmd.TriggerPrice = util.RoundToTick(cmd.TriggerPrice, inst.TickSize)
	}

	if cmd.StopLoss < 0 || cmd.Target < 0 || cmd.TrailingValue < 0 {
		return &ValidationError{Field: "protection", Reason: "stop loss, target and trailing values must be non-negative"}
	}
	if cmd.TrailingValue > 0 && !cmd.TrailingType.Valid() {
		return &ValidationError{Field: "trailing_type", Reason: fmt.Sprintf("unknown value %q", cmd.TrailingType)}
	}

	return nil
}

// normalizeMarket converts a MARKET order into an aggressive LIMIT for
// instruments where the venue disallows market orders. The limit crosses the
// last traded price by the instrument's configured offset so it fills like a
// market order but with a bounded worst case.
func (s *Service) normalizeMarket(ctx context.Context, cmd *models.OrderCommand) error {
	if cmd.OrderType != models.OrderTypeMarket {
		return nil
	}
	inst, _ := s.scrips.Lookup(cmd.Exchange, cmd.Symbol)
	if inst.MarketAllowed {
		return nil
	}

	ltp, err := s.broker.GetLTP(ctx, cmd.Exchange, cmd.Symbol)
	if err != nil {
		return fmt.Errorf("LTP for MARKET conversion on %s: %w", cmd.Symbol, err)
	}
	if ltp <= 0 {
		return fmt.Errorf("no usable quote for %s, cannot convert MARKET order", cmd.Symbol)
	}

	offset := float64(inst.LimitOffsetTicks) * inst.TickSize
	cmd.OrderType = models.OrderTypeLimit
	if cmd.Side == models.SideBuy {
		cmd.Price = util.CeilToTick(ltp+offset, inst.TickSize)
	} else {
		cmd.Price = util.FloorToTick(ltp-offset, inst.TickSize)
		if cmd.Price < inst.TickSize {
			cmd.Price = inst.TickSize
		}
	}
	s.logger.Printf("converted MARKET to LIMIT for %s %s: ltp=%.2f limit=%.2f",
		cmd.Side, cmd.Symbol, ltp, cmd.Price)
	return nil
}
