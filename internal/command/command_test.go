package command

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/guard"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/scripmaster"
	"github.com/quantbrew/ordercore/internal/storage"
)

// stubBroker counts submissions and answers with scripted outcomes.
type stubBroker struct {
	mu         sync.Mutex
	placeCalls int
	placeErr   error
	reject     bool
	ltp        float64
	lastReq    broker.OrderRequest
}

func (b *stubBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.PlaceOrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	b.lastReq = req
	if b.placeErr != nil {
		return broker.PlaceOrderResponse{Success: false}, b.placeErr
	}
	if b.reject {
		return broker.PlaceOrderResponse{Success: false, ErrorMessage: "margin shortfall"}, nil
	}
	return broker.PlaceOrderResponse{Success: true, BrokerOrderID: "B0001"}, nil
}

func (b *stubBroker) GetOrderBook(context.Context) ([]broker.BrokerOrder, error) { return nil, nil }
func (b *stubBroker) GetPositions(context.Context) ([]broker.Position, error)   { return nil, nil }
func (b *stubBroker) GetLTP(context.Context, string, string) (float64, error) {
	if b.ltp == 0 {
		return 100, nil
	}
	return b.ltp, nil
}

func (b *stubBroker) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls
}

type openClock struct{ open bool }

func (c openClock) IsWithinTradingHours(time.Time) bool { return c.open }

type riskStub struct {
	ok     bool
	reason string
}

func (r riskStub) CanExecute() (bool, string) { return r.ok, r.reason }

type fixture struct {
	svc   *Service
	store *storage.MockStorage
	brk   *stubBroker
}

func newFixture(t *testing.T, instruments []scripmaster.Instrument) *fixture {
	t.Helper()
	store := storage.NewMockStorage()
	brk := &stubBroker{}
	scrips := scripmaster.New(instruments, scripmaster.Defaults{LotSize: 1, TickSize: 0.05})
	logger := log.New(testWriter{t}, "", 0)
	g := guard.New("CLIENT1", store, brk, logger)
	svc := NewService("CLIENT1", store, brk, scrips, g, riskStub{ok: true}, openClock{open: true},
		2*time.Second, logger)
	return &fixture{svc: svc, store: store, brk: brk}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func entryCmd(symbol string) models.OrderCommand {
	return models.OrderCommand{
		ExecutionType: models.ExecutionEntry,
		Exchange:      "NFO",
		Symbol:        symbol,
		Side:          models.SideSell,
		Quantity:      50,
		Product:       models.ProductNRML,
		OrderType:     models.OrderTypeLimit,
		Price:         120.50,
		Source:        models.SourceWebhook,
	}
}

func TestSubmitEntrySuccess(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.Submit(context.Background(), entryCmd("NIFTY24000CE"))
	if !res.Success {
		t.Fatalf("submit failed: %s (%s)", res.Tag, res.Reason)
	}
	rec, err := f.store.GetOrderByCommandID(res.CommandID)
	if err != nil {
		t.Fatalf("record not found: %v", err)
	}
	if rec.Status != models.StatusSentToBroker {
		t.Errorf("status = %s, want SENT_TO_BROKER", rec.Status)
	}
	if rec.BrokerOrderID != "B0001" {
		t.Errorf("broker order id = %q, want B0001", rec.BrokerOrderID)
	}
	if f.brk.lastReq.Tag != res.CommandID {
		t.Errorf("command id not echoed in broker tag: %q", f.brk.lastReq.Tag)
	}
}

func TestSubmitDuplicateBlocked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.svc.Submit(ctx, entryCmd("NIFTY24000CE"))
	if !first.Success {
		t.Fatalf("seed submit failed: %s", first.Reason)
	}

	second := f.svc.Submit(ctx, entryCmd("NIFTY24000CE"))
	if second.Success {
		t.Fatal("duplicate submission must be blocked")
	}
	if second.Tag != models.TagDuplicateOrderBlocked {
		t.Errorf("tag = %s, want DUPLICATE_ORDER_BLOCKED", second.Tag)
	}
	if f.brk.calls() != 1 {
		t.Errorf("broker called %d times, want 1", f.brk.calls())
	}

	// The blocked attempt still leaves a FAILED audit row.
	rec, err := f.store.GetOrderByCommandID(second.CommandID)
	if err != nil {
		t.Fatalf("audit row missing: %v", err)
	}
	if rec.Status != models.StatusFailed || rec.Tag != models.TagDuplicateOrderBlocked {
		t.Errorf("audit row = %s/%s, want FAILED/DUPLICATE_ORDER_BLOCKED", rec.Status, rec.Tag)
	}
}

func TestSubmitBlockedOutsideMarketHours(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.clock = openClock{open: false}

	res := f.svc.Submit(context.Background(), entryCmd("NIFTY24000CE"))
	if res.Success || res.Tag != models.TagMarketClosed {
		t.Fatalf("result = %+v, want MARKET_CLOSED block", res)
	}
	if f.brk.calls() != 0 {
		t.Errorf("broker called %d times, want 0", f.brk.calls())
	}
	rec, err := f.store.GetOrderByCommandID(res.CommandID)
	if err != nil {
		t.Fatalf("audit row missing: %v", err)
	}
	if rec.Status != models.StatusFailed {
		t.Errorf("status = %s, want FAILED", rec.Status)
	}
}

func TestSubmitBlockedByRisk(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.risk = riskStub{ok: false, reason: "daily loss limit breached"}

	res := f.svc.Submit(context.Background(), entryCmd("NIFTY24000CE"))
	if res.Success || res.Tag != models.TagRiskLimitsExceeded {
		t.Fatalf("result = %+v, want RISK_LIMITS_EXCEEDED block", res)
	}
	if f.brk.calls() != 0 {
		t.Errorf("broker called %d times, want 0", f.brk.calls())
	}
}

func TestSubmitBrokerFailureClassified(t *testing.T) {
	f := newFixture(t, nil)
	f.brk.placeErr = context.DeadlineExceeded

	res := f.svc.Submit(context.Background(), entryCmd("NIFTY24000CE"))
	if res.Success {
		t.Fatal("submit must fail on broker error")
	}
	if res.Tag != models.TagBrokerTimeout {
		t.Errorf("tag = %s, want BROKER_TIMEOUT", res.Tag)
	}
	rec, err := f.store.GetOrderByCommandID(res.CommandID)
	if err != nil {
		t.Fatalf("record not found: %v", err)
	}
	if rec.Status != models.StatusFailed || rec.Tag != models.TagBrokerTimeout {
		t.Errorf("record = %s/%s, want FAILED/BROKER_TIMEOUT", rec.Status, rec.Tag)
	}

	// The slot must be free again for a retry.
	f.brk.placeErr = nil
	retry := f.svc.Submit(context.Background(), entryCmd("NIFTY24000CE"))
	if !retry.Success {
		t.Errorf("retry after broker failure blocked: %s (%s)", retry.Tag, retry.Reason)
	}
}

func TestSubmitBrokerRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.brk.reject = true

	res := f.svc.Submit(context.Background(), entryCmd("NIFTY24000CE"))
	if res.Success || res.Tag != models.TagBrokerRejected {
		t.Fatalf("result = %+v, want BROKER_REJECTED", res)
	}
	if !strings.Contains(res.Reason, "margin") {
		t.Errorf("broker reason not surfaced: %q", res.Reason)
	}
}

func TestSubmitRejectsExitCommands(t *testing.T) {
	f := newFixture(t, nil)
	cmd := entryCmd("NIFTY24000CE")
	cmd.ExecutionType = models.ExecutionExit

	res := f.svc.Submit(context.Background(), cmd)
	if res.Success || !strings.Contains(res.Reason, "INVALID_EXECUTION_TYPE") {
		t.Fatalf("result = %+v, want INVALID_EXECUTION_TYPE rejection", res)
	}
	if f.brk.calls() != 0 {
		t.Errorf("broker called %d times, want 0", f.brk.calls())
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, []scripmaster.Instrument{
		{Exchange: "NFO", Symbol: "NIFTY24000CE", LotSize: 50, TickSize: 0.05, Class: scripmaster.ClassIndexOption},
	})

	cmd := entryCmd("NIFTY24000CE")
	cmd.Quantity = 30 // not a lot multiple
	res := f.svc.Submit(context.Background(), cmd)
	if res.Success || res.Tag != models.TagValidationError {
		t.Fatalf("result = %+v, want VALIDATION_ERROR", res)
	}
	if res.CommandID != "" {
		t.Error("validation failure must not persist a record")
	}

	cmd = entryCmd("NIFTY24000CE")
	cmd.OrderType = models.OrderTypeLimit
	cmd.Price = 0
	if res := f.svc.Submit(context.Background(), cmd); res.Success {
		t.Error("LIMIT without price must be rejected")
	}
}

func TestSubmitConvertsMarketToAggressiveLimit(t *testing.T) {
	f := newFixture(t, []scripmaster.Instrument{
		{Exchange: "NFO", Symbol: "NIFTY24000CE", LotSize: 50, TickSize: 0.05,
			Class: scripmaster.ClassIndexOption, MarketAllowed: false, LimitOffsetTicks: 10},
	})
	f.brk.ltp = 100.35

	cmd := entryCmd("NIFTY24000CE")
	cmd.OrderType = models.OrderTypeMarket
	cmd.Side = models.SideBuy
	cmd.Price = 0
	res := f.svc.Submit(context.Background(), cmd)
	if !res.Success {
		t.Fatalf("submit failed: %s (%s)", res.Tag, res.Reason)
	}
	rec, err := f.store.GetOrderByCommandID(res.CommandID)
	if err != nil {
		t.Fatalf("record not found: %v", err)
	}
	if rec.OrderType != models.OrderTypeLimit {
		t.Errorf("order type = %s, want LIMIT", rec.OrderType)
	}
	// ltp 100.35 + 10 ticks of 0.05 = 100.85, crossing upward for a BUY.
	if rec.Price < 100.84 || rec.Price > 100.86 {
		t.Errorf("converted price = %.2f, want 100.85", rec.Price)
	}
}

func TestRegisterExit(t *testing.T) {
	f := newFixture(t, nil)
	cmd := entryCmd("NIFTY24000CE")
	cmd.ExecutionType = models.ExecutionExit
	cmd.Side = models.SideBuy
	cmd.OrderType = models.OrderTypeMarket
	cmd.Price = 0

	res := f.svc.Register(context.Background(), cmd)
	if !res.Success {
		t.Fatalf("register failed: %s (%s)", res.Tag, res.Reason)
	}
	if f.brk.calls() != 0 {
		t.Errorf("register must not touch the broker, got %d calls", f.brk.calls())
	}
	rec, err := f.store.GetOrderByCommandID(res.CommandID)
	if err != nil {
		t.Fatalf("record not found: %v", err)
	}
	if rec.Status != models.StatusCreated {
		t.Errorf("status = %s, want CREATED", rec.Status)
	}

	entry := entryCmd("NIFTY24000CE")
	if res := f.svc.Register(context.Background(), entry); res.Success {
		t.Error("non-EXIT command must not be registrable")
	}
}

func TestRegisterPersistFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetCreateError(errors.New("disk full"))

	cmd := entryCmd("NIFTY24000CE")
	cmd.ExecutionType = models.ExecutionExit
	cmd.Side = models.SideBuy
	if res := f.svc.Register(context.Background(), cmd); res.Success {
		t.Error("register must fail when persistence fails")
	}
}
