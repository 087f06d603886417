package broker

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quantbrew/ordercore/internal/mock"
	"github.com/quantbrew/ordercore/internal/models"
)

func TestPaperBrokerFillAndPositions(t *testing.T) {
	market := mock.NewMarket(11, nil)
	market.SetLTP("NIFTY24000CE", 100)
	pb := NewPaperBroker(market)
	ctx := context.Background()

	resp, err := pb.PlaceOrder(ctx, OrderRequest{
		Exchange: "NFO", Symbol: "NIFTY24000CE", Side: models.SideSell,
		Quantity: 50, Product: models.ProductNRML, OrderType: models.OrderTypeMarket,
	})
	if err != nil || !resp.Success || resp.BrokerOrderID == "" {
		t.Fatalf("PlaceOrder: resp=%+v err=%v", resp, err)
	}

	book, err := pb.GetOrderBook(ctx)
	if err != nil || len(book) != 1 {
		t.Fatalf("GetOrderBook: %v, %d rows", err, len(book))
	}
	if book[0].Status != StatusComplete || book[0].FilledQty != 50 {
		t.Errorf("unexpected book row: %+v", book[0])
	}

	positions, err := pb.GetPositions(ctx)
	if err != nil || len(positions) != 1 {
		t.Fatalf("GetPositions: %v, %d rows", err, len(positions))
	}
	if positions[0].NetQty != -50 {
		t.Errorf("short fill must net negative, got %d", positions[0].NetQty)
	}

	// The opposite fill flattens the book.
	if _, err := pb.PlaceOrder(ctx, OrderRequest{
		Exchange: "NFO", Symbol: "NIFTY24000CE", Side: models.SideBuy,
		Quantity: 50, Product: models.ProductNRML, OrderType: models.OrderTypeMarket,
	}); err != nil {
		t.Fatalf("closing order: %v", err)
	}
	positions, _ = pb.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("expected flat book, got %+v", positions)
	}
}

func TestPaperBrokerLimitAndRejection(t *testing.T) {
	market := mock.NewMarket(11, nil)
	market.SetLTP("NIFTY24000CE", 100)
	pb := NewPaperBroker(market)
	ctx := context.Background()

	// A buy limit below market rests open.
	resp, err := pb.PlaceOrder(ctx, OrderRequest{
		Exchange: "NFO", Symbol: "NIFTY24000CE", Side: models.SideBuy,
		Quantity: 50, Product: models.ProductNRML, OrderType: models.OrderTypeLimit, Price: 90,
	})
	if err != nil || !resp.Success {
		t.Fatalf("limit order: %+v %v", resp, err)
	}
	book, _ := pb.GetOrderBook(ctx)
	if book[0].Status != StatusOpen {
		t.Errorf("non-crossing limit should rest OPEN, got %s", book[0].Status)
	}

	pb.RejectSymbol("NIFTY23800PE", "RMS check failed")
	resp, err = pb.PlaceOrder(ctx, OrderRequest{
		Exchange: "NFO", Symbol: "NIFTY23800PE", Side: models.SideSell,
		Quantity: 50, Product: models.ProductNRML, OrderType: models.OrderTypeMarket,
	})
	if err != nil || !resp.Success {
		t.Fatalf("rejected order still gets a broker id: %+v %v", resp, err)
	}
	book, _ = pb.GetOrderBook(ctx)
	last := book[len(book)-1]
	if last.Status != StatusRejected || last.RejectionReason == "" {
		t.Errorf("expected rejected row, got %+v", last)
	}
}

func TestRESTBrokerPlaceOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/orders":
			if r.Method == http.MethodPost {
				_, _ = w.Write([]byte(`{"status":"success","order_id":"X1"}`))
				return
			}
			_, _ = w.Write([]byte(`{"orders":[{"broker_order_id":"X1","symbol":"NIFTY24000CE","status":"COMPLETE","filled_qty":50,"avg_price":101.5}]}`))
		case "/positions":
			_, _ = w.Write([]byte(`{"positions":[{"symbol":"NIFTY24000CE","exchange":"NFO","product":"NRML","net_qty":-50,"avg_price":101.5}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rb := NewRESTBroker(srv.URL, "token123", 5*time.Second)
	ctx := context.Background()

	resp, err := rb.PlaceOrder(ctx, OrderRequest{Symbol: "NIFTY24000CE", Side: models.SideSell, Quantity: 50})
	if err != nil || !resp.Success || resp.BrokerOrderID != "X1" {
		t.Fatalf("PlaceOrder: %+v %v", resp, err)
	}

	book, err := rb.GetOrderBook(ctx)
	if err != nil || len(book) != 1 || book[0].Status != StatusComplete {
		t.Fatalf("GetOrderBook: %v %+v", err, book)
	}

	positions, err := rb.GetPositions(ctx)
	if err != nil || len(positions) != 1 || positions[0].NetQty != -50 {
		t.Fatalf("GetPositions: %v %+v", err, positions)
	}
}

func TestRESTBrokerAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "margin exceeded", http.StatusBadRequest)
	}))
	defer srv.Close()

	rb := NewRESTBroker(srv.URL, "t", 5*time.Second)
	_, err := rb.GetOrderBook(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected APIError 400, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, models.TagBrokerTimeout},
		{"breaker open", gobreaker.ErrOpenState, models.TagBrokerUnreachable},
		{"api 4xx", &APIError{Status: 400, Message: "bad order"}, models.TagBrokerRejected},
		{"api 503", &APIError{Status: 503, Message: "down"}, models.TagBrokerUnreachable},
		{"connection refused", errors.New("dial tcp 1.2.3.4:443: connection refused"), models.TagBrokerUnreachable},
		{"plain rejection", errors.New("insufficient margin"), models.TagBrokerRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusTag(t *testing.T) {
	if StatusTag(StatusRejected) != models.TagBrokerRejected ||
		StatusTag(StatusCancelled) != models.TagBrokerCancelled ||
		StatusTag(StatusExpired) != models.TagBrokerExpired {
		t.Error("terminal status tags mismatch")
	}
	if StatusTag(StatusComplete) != "" {
		t.Error("COMPLETE carries no failure tag")
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	failing := &failingBroker{}
	logger := log.New(os.Stderr, "test: ", log.LstdFlags)
	cb := NewCircuitBreakerBrokerWithSettings(failing, logger, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cb.GetLTP(ctx, "NFO", "NIFTY"); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := cb.GetLTP(ctx, "NFO", "NIFTY")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if failing.calls != 3 {
		t.Errorf("open breaker must stop calls, backend saw %d", failing.calls)
	}
}

type failingBroker struct{ calls int }

func (f *failingBroker) PlaceOrder(context.Context, OrderRequest) (PlaceOrderResponse, error) {
	f.calls++
	return PlaceOrderResponse{}, errors.New("down")
}
func (f *failingBroker) GetOrderBook(context.Context) ([]BrokerOrder, error) {
	f.calls++
	return nil, errors.New("down")
}
func (f *failingBroker) GetPositions(context.Context) ([]Position, error) {
	f.calls++
	return nil, errors.New("down")
}
func (f *failingBroker) GetLTP(context.Context, string, string) (float64, error) {
	f.calls++
	return 0, errors.New("down")
}
