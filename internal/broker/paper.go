package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/quantbrew/ordercore/internal/mock"
	"github.com/quantbrew/ordercore/internal/models"
)

// PaperBroker simulates the brokerage against the mock market. Orders fill
// immediately at the simulated LTP (LIMIT orders fill at their limit when it
// crosses, otherwise rest OPEN), the position book nets fills, and rejection
// behavior is scriptable for tests.
type PaperBroker struct {
	mu        sync.Mutex
	market    *mock.Market
	orders    []BrokerOrder
	positions map[string]*Position // keyed symbol|product
	nextID    int

	rejectSymbols map[string]string // symbol -> rejection reason
}

// NewPaperBroker builds a paper broker over the given market simulator.
func NewPaperBroker(market *mock.Market) *PaperBroker {
	if market == nil {
		market = mock.NewMarket(1, nil)
	}
	return &PaperBroker{
		market:        market,
		positions:     make(map[string]*Position),
		rejectSymbols: make(map[string]string),
	}
}

// Market exposes the underlying simulator so callers can pin quotes.
func (p *PaperBroker) Market() *mock.Market { return p.market }

// RejectSymbol makes future orders on symbol come back REJECTED.
func (p *PaperBroker) RejectSymbol(symbol, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectSymbols[strings.ToUpper(symbol)] = reason
}

// PlaceOrder accepts the order and settles it synchronously against the
// simulated market.
func (p *PaperBroker) PlaceOrder(_ context.Context, req OrderRequest) (PlaceOrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Quantity <= 0 {
		return PlaceOrderResponse{Success: false, ErrorMessage: "quantity must be positive"}, nil
	}

	p.nextID++
	id := fmt.Sprintf("P%06d", p.nextID)
	order := BrokerOrder{
		BrokerOrderID: id,
		Symbol:        strings.ToUpper(req.Symbol),
		Exchange:      req.Exchange,
		Side:          req.Side,
		Product:       req.Product,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
	}

	if reason, ok := p.rejectSymbols[order.Symbol]; ok {
		order.Status = StatusRejected
		order.RejectionReason = reason
		p.orders = append(p.orders, order)
		return PlaceOrderResponse{Success: true, BrokerOrderID: id}, nil
	}

	ltp := p.market.LTP(order.Symbol)
	fillPrice := ltp
	switch req.OrderType {
	case models.OrderTypeLimit:
		// A limit fills when it crosses the market, else rests open.
		crosses := (req.Side == models.SideBuy && req.Price >= ltp) ||
			(req.Side == models.SideSell && req.Price <= ltp)
		if !crosses {
			order.Status = StatusOpen
			p.orders = append(p.orders, order)
			return PlaceOrderResponse{Success: true, BrokerOrderID: id}, nil
		}
		fillPrice = req.Price
	case models.OrderTypeSL, models.OrderTypeSLM:
		// Stop orders rest until triggered; the simulator keeps them open.
		order.Status = StatusPending
		p.orders = append(p.orders, order)
		return PlaceOrderResponse{Success: true, BrokerOrderID: id}, nil
	}

	order.Status = StatusComplete
	order.FilledQty = req.Quantity
	order.AvgPrice = fillPrice
	p.orders = append(p.orders, order)
	p.applyFill(order)
	return PlaceOrderResponse{Success: true, BrokerOrderID: id}, nil
}

// GetOrderBook returns every order placed this session.
func (p *PaperBroker) GetOrderBook(_ context.Context) ([]BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BrokerOrder, len(p.orders))
	copy(out, p.orders)
	return out, nil
}

// GetPositions returns rows with non-zero net quantity.
func (p *PaperBroker) GetPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Position
	for _, pos := range p.positions {
		if pos.NetQty != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// GetLTP returns the simulated last traded price.
func (p *PaperBroker) GetLTP(_ context.Context, _, symbol string) (float64, error) {
	return p.market.LTP(symbol), nil
}

// SeedPosition installs a position row directly (test and recovery-scenario
// hook).
func (p *PaperBroker) SeedPosition(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos.Symbol = strings.ToUpper(pos.Symbol)
	key := pos.Symbol + "|" + string(pos.Product)
	cp := pos
	p.positions[key] = &cp
}

func (p *PaperBroker) applyFill(order BrokerOrder) {
	key := order.Symbol + "|" + string(order.Product)
	pos, ok := p.positions[key]
	if !ok {
		pos = &Position{Symbol: order.Symbol, Exchange: order.Exchange, Product: order.Product}
		p.positions[key] = pos
	}
	signed := order.FilledQty
	if order.Side == models.SideSell {
		signed = -signed
	}
	newQty := pos.NetQty + signed
	// Average price tracks only while adding to the same direction.
	if pos.NetQty == 0 || (pos.NetQty > 0) == (signed > 0) {
		total := float64(abs(pos.NetQty))*pos.AvgPrice + float64(abs(signed))*order.AvgPrice
		if abs(newQty) > 0 {
			pos.AvgPrice = total / float64(abs(pos.NetQty)+abs(signed))
		}
	}
	pos.NetQty = newQty
	if pos.NetQty == 0 {
		pos.AvgPrice = 0
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)
