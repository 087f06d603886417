package guard

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

const testClient = "C1"

type stubBroker struct {
	positions []broker.Position
	posErr    error
}

func (s *stubBroker) PlaceOrder(context.Context, broker.OrderRequest) (broker.PlaceOrderResponse, error) {
	return broker.PlaceOrderResponse{}, nil
}
func (s *stubBroker) GetOrderBook(context.Context) ([]broker.BrokerOrder, error) { return nil, nil }
func (s *stubBroker) GetPositions(context.Context) ([]broker.Position, error) {
	return s.positions, s.posErr
}
func (s *stubBroker) GetLTP(context.Context, string, string) (float64, error) { return 100, nil }

func entryCmd(symbol string, side models.Side, strategy string) models.OrderCommand {
	return models.OrderCommand{
		ExecutionType: models.ExecutionEntry,
		Exchange:      "NFO",
		Symbol:        symbol,
		Side:          side,
		Quantity:      50,
		Product:       models.ProductNRML,
		OrderType:     models.OrderTypeMarket,
		StrategyName:  strategy,
	}
}

func TestExitAlwaysPasses(t *testing.T) {
	g := New(testClient, storage.NewMockStorage(), &stubBroker{
		positions: []broker.Position{{Symbol: "NIFTY24000CE", Product: models.ProductNRML, NetQty: -50}},
	}, nil)
	g.RegisterAttempt("NIFTY24000CE", models.SideSell)

	cmd := entryCmd("NIFTY24000CE", models.SideSell, "S1")
	cmd.ExecutionType = models.ExecutionExit
	if tag, _ := g.Check(context.Background(), cmd); tag != "" {
		t.Errorf("exit must pass, got %s", tag)
	}
}

func TestMemoryTierBlocksSameSide(t *testing.T) {
	g := New(testClient, storage.NewMockStorage(), &stubBroker{}, nil)
	g.RegisterAttempt("NIFTY24000CE", models.SideSell)

	tag, _ := g.Check(context.Background(), entryCmd("NIFTY24000CE", models.SideSell, "S1"))
	if tag != models.TagDuplicateOrderBlocked {
		t.Errorf("expected DUPLICATE_ORDER_BLOCKED, got %q", tag)
	}

	// Opposite side is not a duplicate of the same attempt.
	if tag, _ := g.Check(context.Background(), entryCmd("NIFTY24000CE", models.SideBuy, "S1")); tag != "" {
		t.Errorf("opposite side should pass tier 1, got %q", tag)
	}

	g.Release("NIFTY24000CE")
	if tag, _ := g.Check(context.Background(), entryCmd("NIFTY24000CE", models.SideSell, "S1")); tag != "" {
		t.Errorf("released symbol should pass, got %q", tag)
	}
}

func TestRepositoryTierBlocksOpenOrder(t *testing.T) {
	store := storage.NewMockStorage()
	rec := models.NewOrderRecord(uuid.NewString(), testClient, entryCmd("NIFTY24000CE", models.SideSell, "S1"))
	if err := store.CreateOrder(rec); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateOrderStatus(rec.CommandID, models.StatusSentToBroker); err != nil {
		t.Fatal(err)
	}

	g := New(testClient, store, &stubBroker{}, nil)
	tag, reason := g.Check(context.Background(), entryCmd("NIFTY24000CE", models.SideSell, "S1"))
	if tag != models.TagDuplicateOrderBlocked {
		t.Errorf("expected DUPLICATE_ORDER_BLOCKED, got %q (%s)", tag, reason)
	}

	// A different strategy is scoped separately.
	if tag, _ := g.Check(context.Background(), entryCmd("NIFTY24000CE", models.SideSell, "S2")); tag != "" {
		t.Errorf("different strategy should pass tier 2, got %q", tag)
	}
}

func TestBrokerTierBlocksHeldExposure(t *testing.T) {
	brk := &stubBroker{positions: []broker.Position{
		{Symbol: "NIFTY24000CE", Exchange: "NFO", Product: models.ProductNRML, NetQty: -50},
	}}
	g := New(testClient, storage.NewMockStorage(), brk, nil)

	// Same direction as held exposure blocks.
	tag, _ := g.Check(context.Background(), entryCmd("NIFTY24000CE", models.SideSell, "S1"))
	if tag != models.TagExecutionGuardBlocked {
		t.Errorf("expected EXECUTION_GUARD_BLOCKED, got %q", tag)
	}
	// Opposite direction (reducing exposure) passes.
	if tag, _ := g.Check(context.Background(), entryCmd("NIFTY24000CE", models.SideBuy, "S1")); tag != "" {
		t.Errorf("reducing entry should pass, got %q", tag)
	}
	// Different product bucket passes.
	cmd := entryCmd("NIFTY24000CE", models.SideSell, "S1")
	cmd.Product = models.ProductMIS
	if tag, _ := g.Check(context.Background(), cmd); tag != "" {
		t.Errorf("different product should pass, got %q", tag)
	}
}

func TestReconcileWithBroker(t *testing.T) {
	store := storage.NewMockStorage()
	live := models.NewOrderRecord(uuid.NewString(), testClient, entryCmd("NIFTY24000CE", models.SideSell, "LIVE"))
	if err := store.CreateOrder(live); err != nil {
		t.Fatal(err)
	}

	// A terminal strategy leaves no open order, so it must not come back.
	done := models.NewOrderRecord(uuid.NewString(), testClient, entryCmd("NIFTY23800PE", models.SideSell, "DONE"))
	done.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := store.CreateOrder(done); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateOrderStatus(done.CommandID, models.StatusFailed); err != nil {
		t.Fatal(err)
	}

	g := New(testClient, store, &stubBroker{}, nil)
	g.MarkStrategyActive("DONE")
	g.MarkStrategyActive("STALE")

	if err := g.ReconcileWithBroker(context.Background()); err != nil {
		t.Fatalf("ReconcileWithBroker: %v", err)
	}
	active := g.ActiveStrategies()
	if len(active) != 1 || active[0] != "LIVE" {
		t.Errorf("expected only LIVE active, got %v", active)
	}
}

func TestForceClear(t *testing.T) {
	g := New(testClient, storage.NewMockStorage(), &stubBroker{}, nil)
	g.RegisterAttempt("NIFTY24000CE", models.SideSell)
	g.MarkStrategyActive("S1")

	g.ForceClear("S1", "NIFTY24000CE")
	if g.PendingCount() != 0 {
		t.Error("pending set not cleared")
	}
	if len(g.ActiveStrategies()) != 0 {
		t.Error("strategy mark not cleared")
	}
}
