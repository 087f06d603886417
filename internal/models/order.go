// Package models defines the domain types of the order management core:
// canonical order commands, persisted order records, queued intents, and the
// order lifecycle state machine.
package models

import (
	"fmt"
	"time"
)

// ExecutionType classifies what a command does to a position.
type ExecutionType string

const (
	ExecutionEntry  ExecutionType = "ENTRY"
	ExecutionExit   ExecutionType = "EXIT"
	ExecutionAdjust ExecutionType = "ADJUST"
	// ExecutionBrokerOnly marks shadow records created by the watcher for
	// broker orders that have no local producer origin.
	ExecutionBrokerOnly ExecutionType = "BROKER_ONLY"
)

// Valid reports whether the execution type is one a producer may submit.
func (e ExecutionType) Valid() bool {
	switch e {
	case ExecutionEntry, ExecutionExit, ExecutionAdjust:
		return true
	}
	return false
}

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the closing side for an open exposure on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Product is the broker product / margin bucket.
type Product string

const (
	ProductMIS  Product = "MIS"  // intraday
	ProductNRML Product = "NRML" // overnight derivatives
	ProductCNC  Product = "CNC"  // delivery; never auto-exited
)

// Valid reports whether the product is a known bucket.
func (p Product) Valid() bool {
	switch p {
	case ProductMIS, ProductNRML, ProductCNC:
		return true
	}
	return false
}

// OrderType is the broker order flavor.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"  // stop-loss limit: trigger + limit price
	OrderTypeSLM    OrderType = "SLM" // stop-loss market: trigger only
)

// Valid reports whether the order type is known.
func (o OrderType) Valid() bool {
	switch o {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeSL, OrderTypeSLM:
		return true
	}
	return false
}

// TrailingType selects how a trailing stop distance is interpreted.
type TrailingType string

const (
	TrailingNone    TrailingType = "NONE"
	TrailingPoints  TrailingType = "POINTS"
	TrailingPercent TrailingType = "PERCENT"
	// TrailingAbsolute is accepted for payload compatibility and behaves as a
	// price-denominated offset, the same arithmetic as POINTS.
	TrailingAbsolute TrailingType = "ABSOLUTE"
)

// Valid reports whether the trailing type is known.
func (t TrailingType) Valid() bool {
	switch t {
	case TrailingNone, TrailingPoints, TrailingPercent, TrailingAbsolute:
		return true
	}
	return false
}

// Producer source tags. STRATEGY sources carry the strategy name suffix.
const (
	SourceWeb      = "WEB"
	SourceWebhook  = "WEBHOOK"
	SourceTelegram = "TELEGRAM"
	SourceRMS      = "RMS"
	SourceWatcher  = "WATCHER"
)

// StrategySource builds the source tag for strategy-originated commands.
func StrategySource(name string) string { return "STRATEGY:" + name }

// Failure tags. These are wire-level strings rendered by every collaborator
// that shows an order book; do not rename.
const (
	TagValidationError       = "VALIDATION_ERROR"
	TagRiskLimitsExceeded    = "RISK_LIMITS_EXCEEDED"
	TagExecutionGuardBlocked = "EXECUTION_GUARD_BLOCKED"
	TagDuplicateOrderBlocked = "DUPLICATE_ORDER_BLOCKED"
	TagBrokerRejected        = "BROKER_REJECTED"
	TagBrokerCancelled       = "BROKER_CANCELLED"
	TagBrokerExpired         = "BROKER_EXPIRED"
	TagBrokerTimeout         = "BROKER_TIMEOUT"
	TagBrokerUnreachable     = "BROKER_UNREACHABLE"
	TagAdjustmentFailed      = "ADJUSTMENT_FAILED"
	TagMarketClosed          = "MARKET_CLOSED"
)

// OrderCommand is the canonical validated order request. Producers of every
// flavor (alerts, intents, strategies, the watcher) are normalized into this
// shape before the command service sees them; one accepted command maps to
// exactly one OrderRecord.
type OrderCommand struct {
	ExecutionType ExecutionType `json:"execution_type"`
	Exchange      string        `json:"exchange"`
	Symbol        string        `json:"symbol"`
	Side          Side          `json:"side"`
	Quantity      int           `json:"quantity"`
	Product       Product       `json:"product"`
	OrderType     OrderType     `json:"order_type"`
	Price         float64       `json:"price,omitempty"`
	TriggerPrice  float64       `json:"trigger_price,omitempty"`
	StopLoss      float64       `json:"stop_loss,omitempty"`
	Target        float64       `json:"target,omitempty"`
	TrailingType  TrailingType  `json:"trailing_type,omitempty"`
	TrailingValue float64       `json:"trailing_value,omitempty"`
	StrategyName  string        `json:"strategy_name,omitempty"`
	Source        string        `json:"source,omitempty"`
}

// OrderRecord is the persisted row behind one command. Field names mirror the
// orders table columns.
type OrderRecord struct {
	CommandID     string        `json:"command_id"`
	BrokerOrderID string        `json:"broker_order_id,omitempty"`
	ClientID      string        `json:"client_id"`
	ExecutionType ExecutionType `json:"execution_type"`
	Status        OrderStatus   `json:"status"`
	Source        string        `json:"source,omitempty"`
	StrategyName  string        `json:"strategy_name,omitempty"`
	Symbol        string        `json:"symbol"`
	Exchange      string        `json:"exchange"`
	Side          Side          `json:"side"`
	Quantity      int           `json:"quantity"`
	Product       Product       `json:"product"`
	OrderType     OrderType     `json:"order_type"`
	Price         float64       `json:"price,omitempty"`
	TriggerPrice  float64       `json:"trigger_price,omitempty"`
	StopLoss      float64       `json:"stop_loss,omitempty"`
	Target        float64       `json:"target,omitempty"`
	TrailingType  TrailingType  `json:"trailing_type"`
	TrailingValue float64       `json:"trailing_value,omitempty"`
	TrailingHigh  float64       `json:"trailing_high,omitempty"`
	FilledQty     int           `json:"filled_qty"`
	AvgFillPrice  float64       `json:"avg_fill_price,omitempty"`
	ExitFired     bool          `json:"exit_fired"`
	Tag           string        `json:"tag,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewOrderRecord builds a CREATED record from a validated command.
func NewOrderRecord(commandID, clientID string, cmd OrderCommand) *OrderRecord {
	now := time.Now().UTC()
	trailing := cmd.TrailingType
	if trailing == "" {
		trailing = TrailingNone
	}
	return &OrderRecord{
		CommandID:     commandID,
		ClientID:      clientID,
		ExecutionType: cmd.ExecutionType,
		Status:        StatusCreated,
		Source:        cmd.Source,
		StrategyName:  cmd.StrategyName,
		Symbol:        cmd.Symbol,
		Exchange:      cmd.Exchange,
		Side:          cmd.Side,
		Quantity:      cmd.Quantity,
		Product:       cmd.Product,
		OrderType:     cmd.OrderType,
		Price:         cmd.Price,
		TriggerPrice:  cmd.TriggerPrice,
		StopLoss:      cmd.StopLoss,
		Target:        cmd.Target,
		TrailingType:  trailing,
		TrailingValue: cmd.TrailingValue,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal reports whether the record reached a final status.
func (r *OrderRecord) IsTerminal() bool { return r.Status.Terminal() }

// IsOpen reports whether the record still awaits a terminal outcome.
func (r *OrderRecord) IsOpen() bool { return !r.Status.Terminal() }

// HasProtection reports whether the record carries any stop, target or
// trailing configuration the watcher must monitor.
func (r *OrderRecord) HasProtection() bool {
	return r.StopLoss > 0 || r.Target > 0 ||
		(r.TrailingType != "" && r.TrailingType != TrailingNone && r.TrailingValue > 0)
}

// String renders a short identity for logs.
func (r *OrderRecord) String() string {
	return fmt.Sprintf("%s %s %s %d %s [%s]", r.ExecutionType, r.Side, r.Symbol, r.Quantity, r.Status, shortID(r.CommandID))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
