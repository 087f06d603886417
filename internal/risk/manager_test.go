package risk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

type stubBroker struct {
	positions []broker.Position
	ltp       map[string]float64
}

func (s *stubBroker) PlaceOrder(context.Context, broker.OrderRequest) (broker.PlaceOrderResponse, error) {
	return broker.PlaceOrderResponse{}, nil
}
func (s *stubBroker) GetOrderBook(context.Context) ([]broker.BrokerOrder, error) { return nil, nil }
func (s *stubBroker) GetPositions(context.Context) ([]broker.Position, error) {
	return s.positions, nil
}
func (s *stubBroker) GetLTP(_ context.Context, _, symbol string) (float64, error) {
	return s.ltp[symbol], nil
}

func newTestManager(t *testing.T, brk broker.Broker, maxLoss float64) (*Manager, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	m, err := NewManager("C1", store, brk, nil, Config{
		MaxDailyLoss: maxLoss,
		Cooldown:     30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func TestCanExecuteDefaults(t *testing.T) {
	m, _ := newTestManager(t, &stubBroker{}, 1000)
	if ok, reason := m.CanExecute(); !ok {
		t.Errorf("fresh state must allow trading: %s", reason)
	}
}

func TestHeartbeatMarksToMarket(t *testing.T) {
	brk := &stubBroker{
		positions: []broker.Position{
			{Symbol: "NIFTY24000CE", Exchange: "NFO", Product: models.ProductNRML, NetQty: -50, AvgPrice: 100},
		},
		ltp: map[string]float64{"NIFTY24000CE": 104},
	}
	m, store := newTestManager(t, brk, 1000)

	if err := m.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	// Short 50 at 100 marked at 104 is -200.
	snap := m.Snapshot()
	if snap.DailyPnL != -200 {
		t.Errorf("expected daily pnl -200, got %.2f", snap.DailyPnL)
	}
	if ok, _ := m.CanExecute(); !ok {
		t.Error("loss below limit must still allow trading")
	}

	// Snapshot must have been persisted.
	raw, err := store.LoadState(models.RiskStateKey)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	var persisted models.RiskState
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if persisted.DailyPnL != -200 {
		t.Errorf("persisted pnl mismatch: %.2f", persisted.DailyPnL)
	}
}

func TestBreachFiresForceExitOnce(t *testing.T) {
	brk := &stubBroker{
		positions: []broker.Position{
			{Symbol: "NIFTY24000CE", Exchange: "NFO", Product: models.ProductNRML, NetQty: -50, AvgPrice: 100},
		},
		ltp: map[string]float64{"NIFTY24000CE": 125}, // -1250 on a 1000 limit
	}
	m, _ := newTestManager(t, brk, 1000)

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{}, 2)
	m.SetForceExitFunc(func(reason string) {
		mu.Lock()
		calls = append(calls, reason)
		mu.Unlock()
		done <- struct{}{}
	})

	if err := m.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("force exit not fired")
	}

	// Second breached heartbeat must not re-fire.
	if err := m.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat 2: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "DAILY_MAX_LOSS" {
		t.Errorf("expected exactly one DAILY_MAX_LOSS call, got %v", calls)
	}

	if ok, _ := m.CanExecute(); ok {
		t.Error("trading must be denied after breach")
	}
}

func TestForceExitDoneClearsFlagButKeepsCooldown(t *testing.T) {
	brk := &stubBroker{
		positions: []broker.Position{
			{Symbol: "X", Exchange: "NFO", Product: models.ProductNRML, NetQty: 1, AvgPrice: 2000},
		},
		ltp: map[string]float64{"X": 0},
	}
	m, _ := newTestManager(t, brk, 1000)
	if err := m.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.ForceExitDone()
	snap := m.Snapshot()
	if snap.ForceExitInProgress {
		t.Error("flag not cleared")
	}
	if ok, _ := m.CanExecute(); ok {
		t.Error("cooldown must still deny trading")
	}
}

func TestAddRealizedPnL(t *testing.T) {
	m, _ := newTestManager(t, &stubBroker{}, 1000)
	m.AddRealizedPnL(250)
	m.AddRealizedPnL(-100)
	if snap := m.Snapshot(); snap.RealizedPnL != 150 {
		t.Errorf("expected realized 150, got %.2f", snap.RealizedPnL)
	}
}

func TestStateReloadSurvivesRestart(t *testing.T) {
	store := storage.NewMockStorage()
	m1, err := NewManager("C1", store, &stubBroker{}, nil, Config{MaxDailyLoss: 1000})
	if err != nil {
		t.Fatal(err)
	}
	m1.AddRealizedPnL(-400)

	m2, err := NewManager("C1", store, &stubBroker{}, nil, Config{MaxDailyLoss: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if snap := m2.Snapshot(); snap.RealizedPnL != -400 {
		t.Errorf("realized pnl lost across restart: %.2f", snap.RealizedPnL)
	}
}
