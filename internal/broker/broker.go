// Package broker defines the call-level surface to the external brokerage and
// its implementations: a REST adapter for live trading, a deterministic paper
// broker for simulation, and a circuit-breaker decorator shared by both.
package broker

import (
	"context"

	"github.com/quantbrew/ordercore/internal/models"
)

// OrderStatus values reported by the broker order book.
const (
	StatusOpen      = "OPEN"
	StatusPending   = "PENDING"
	StatusComplete  = "COMPLETE"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

// TerminalStatus reports whether a broker status is final.
func TerminalStatus(status string) bool {
	switch status {
	case StatusComplete, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// OrderRequest is one submission to the broker. Every call is a fresh
// submission; the core guarantees single submission upstream.
type OrderRequest struct {
	Exchange     string           `json:"exchange"`
	Symbol       string           `json:"symbol"`
	Side         models.Side      `json:"side"`
	Quantity     int              `json:"quantity"`
	Product      models.Product   `json:"product"`
	OrderType    models.OrderType `json:"order_type"`
	Price        float64          `json:"price,omitempty"`
	TriggerPrice float64          `json:"trigger_price,omitempty"`
	Tag          string           `json:"tag,omitempty"` // echoed back for audit; command id
}

// PlaceOrderResponse is the broker's answer to a submission. A transport
// failure surfaces as Success=false without a broker id.
type PlaceOrderResponse struct {
	Success       bool   `json:"success"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// BrokerOrder is one row of the broker order book.
type BrokerOrder struct {
	BrokerOrderID   string           `json:"broker_order_id"`
	Symbol          string           `json:"symbol"`
	Exchange        string           `json:"exchange"`
	Side            models.Side      `json:"side"`
	Product         models.Product   `json:"product"`
	OrderType       models.OrderType `json:"order_type"`
	Quantity        int              `json:"quantity"`
	Status          string           `json:"status"`
	FilledQty       int              `json:"filled_qty"`
	AvgPrice        float64          `json:"avg_price"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
}

// Position is one row of the broker position book. The sign of NetQty
// encodes side: positive long, negative short.
type Position struct {
	Symbol   string         `json:"symbol"`
	Exchange string         `json:"exchange"`
	Product  models.Product `json:"product"`
	NetQty   int            `json:"net_qty"`
	AvgPrice float64        `json:"avg_price"`
}

// Broker is the adapter contract. Implementations are stateless between
// calls; all state of record lives at the broker or in the repository.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceOrderResponse, error)
	GetOrderBook(ctx context.Context) ([]BrokerOrder, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetLTP(ctx context.Context, exchange, symbol string) (float64, error)
}
