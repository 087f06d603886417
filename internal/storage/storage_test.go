package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantbrew/ordercore/internal/models"
)

const testClient = "CLIENT1"

// TestInterface runs the common contract tests against both implementations.
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("SQLiteStorage", func(t *testing.T) {
		store, err := NewSQLiteStorage(fmt.Sprintf("%s/orders_%d.db", t.TempDir(), time.Now().UnixNano()))
		if err != nil {
			t.Fatalf("Failed to create sqlite storage: %v", err)
		}
		defer func() { _ = store.Close() }()
		testInterface(t, store)
	})
}

func newTestRecord(symbol, strategy string) *models.OrderRecord {
	return models.NewOrderRecord(uuid.NewString(), testClient, models.OrderCommand{
		ExecutionType: models.ExecutionEntry,
		Exchange:      "NFO",
		Symbol:        symbol,
		Side:          models.SideSell,
		Quantity:      50,
		Product:       models.ProductNRML,
		OrderType:     models.OrderTypeMarket,
		StrategyName:  strategy,
		Source:        models.SourceWeb,
	})
}

func testInterface(t *testing.T, store Interface) {
	rec := newTestRecord("NIFTY24000CE", "S1")
	if err := store.CreateOrder(rec); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := store.GetOrderByCommandID(rec.CommandID)
	if err != nil {
		t.Fatalf("GetOrderByCommandID: %v", err)
	}
	if got.Status != models.StatusCreated || got.Symbol != "NIFTY24000CE" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Happy-path lifecycle: CREATED -> SENT_TO_BROKER -> EXECUTED.
	if err := store.UpdateOrderStatus(rec.CommandID, models.StatusSentToBroker); err != nil {
		t.Fatalf("to SENT_TO_BROKER: %v", err)
	}
	if err := store.SetBrokerOrderID(rec.CommandID, "B100"); err != nil {
		t.Fatalf("SetBrokerOrderID: %v", err)
	}
	byBroker, err := store.GetOrderByBrokerID("B100")
	if err != nil {
		t.Fatalf("GetOrderByBrokerID: %v", err)
	}
	if byBroker.CommandID != rec.CommandID {
		t.Errorf("broker id lookup returned %s", byBroker.CommandID)
	}

	open, err := store.ListOpenOrders(testClient)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(open))
	}

	if err := store.SetOrderFill(rec.CommandID, 50, 101.5); err != nil {
		t.Fatalf("SetOrderFill: %v", err)
	}
	if err := store.UpdateOrderStatus(rec.CommandID, models.StatusExecuted); err != nil {
		t.Fatalf("to EXECUTED: %v", err)
	}

	// Terminal rows reject further transitions but accept tag updates.
	err = store.UpdateOrderStatus(rec.CommandID, models.StatusFailed)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
	if err := store.SetOrderTag(rec.CommandID, "note"); err != nil {
		t.Errorf("tag on terminal row should be allowed: %v", err)
	}
	err = store.SetBrokerOrderID(rec.CommandID, "B999")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("broker id on terminal row: expected ErrAlreadyTerminal, got %v", err)
	}

	// Skipping SENT_TO_BROKER is only allowed toward FAILED (blocker path).
	blocked := newTestRecord("NIFTY23800PE", "S1")
	if err := store.CreateOrder(blocked); err != nil {
		t.Fatalf("CreateOrder blocked: %v", err)
	}
	err = store.UpdateOrderStatus(blocked.CommandID, models.StatusExecuted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CREATED->EXECUTED: expected ErrInvalidTransition, got %v", err)
	}
	if err := store.UpdateOrderStatus(blocked.CommandID, models.StatusFailed); err != nil {
		t.Fatalf("CREATED->FAILED blocker path: %v", err)
	}

	byStrategy, err := store.ListOpenOrdersByStrategy(testClient, "S1")
	if err != nil {
		t.Fatalf("ListOpenOrdersByStrategy: %v", err)
	}
	if len(byStrategy) != 0 {
		t.Errorf("expected no open S1 orders, got %d", len(byStrategy))
	}

	counts, err := store.CountOrdersByStatus(testClient)
	if err != nil {
		t.Fatalf("CountOrdersByStatus: %v", err)
	}
	if counts[models.StatusExecuted] != 1 || counts[models.StatusFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	testIntentQueue(t, store)
	testKVState(t, store)
}

func testIntentQueue(t *testing.T, store Interface) {
	first := &models.IntentRow{
		IntentID:  uuid.NewString(),
		ClientID:  testClient,
		Type:      models.IntentGeneric,
		Payload:   []byte(`{"symbol":"A"}`),
		Status:    models.IntentPending,
		CreatedAt: time.Now().UTC().Add(-2 * time.Second),
		UpdatedAt: time.Now().UTC().Add(-2 * time.Second),
	}
	second := &models.IntentRow{
		IntentID:  uuid.NewString(),
		ClientID:  testClient,
		Type:      models.IntentGeneric,
		Payload:   []byte(`{"symbol":"B"}`),
		Status:    models.IntentPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.EnqueueIntent(first); err != nil {
		t.Fatalf("EnqueueIntent: %v", err)
	}
	if err := store.EnqueueIntent(second); err != nil {
		t.Fatalf("EnqueueIntent: %v", err)
	}

	token := uuid.NewString()
	claimed, err := store.ClaimNextIntent(testClient, []models.IntentType{models.IntentGeneric}, token)
	if err != nil {
		t.Fatalf("ClaimNextIntent: %v", err)
	}
	if claimed.IntentID != first.IntentID {
		t.Errorf("expected oldest intent first, got %s", claimed.IntentID)
	}
	if claimed.Status != models.IntentClaimed || claimed.ClaimToken != token {
		t.Errorf("claim did not mark row: %+v", claimed)
	}

	// A second worker must not receive the same row.
	token2 := uuid.NewString()
	other, err := store.ClaimNextIntent(testClient, []models.IntentType{models.IntentGeneric}, token2)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if other.IntentID == claimed.IntentID {
		t.Errorf("same intent claimed twice")
	}

	// Wrong token cannot complete the row.
	if err := store.CompleteIntent(claimed.IntentID, "bogus", "done"); err == nil {
		t.Error("expected complete with wrong token to fail")
	}
	if err := store.CompleteIntent(claimed.IntentID, token, "done"); err != nil {
		t.Fatalf("CompleteIntent: %v", err)
	}
	if err := store.FailIntent(other.IntentID, token2, "boom"); err != nil {
		t.Fatalf("FailIntent: %v", err)
	}

	_, err = store.ClaimNextIntent(testClient, []models.IntentType{models.IntentGeneric}, uuid.NewString())
	if !errors.Is(err, ErrNoPendingIntent) {
		t.Errorf("expected ErrNoPendingIntent, got %v", err)
	}

	// Stale CLAIMED rows go back to PENDING after the recovery cutoff.
	stale := &models.IntentRow{
		IntentID:  uuid.NewString(),
		ClientID:  testClient,
		Type:      models.IntentStrategy,
		Payload:   []byte(`{}`),
		Status:    models.IntentPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.EnqueueIntent(stale); err != nil {
		t.Fatalf("EnqueueIntent stale: %v", err)
	}
	if _, err := store.ClaimNextIntent(testClient, []models.IntentType{models.IntentStrategy}, uuid.NewString()); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	n, err := store.ResetStaleClaims(time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("ResetStaleClaims: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset claim, got %d", n)
	}
	row, err := store.GetIntent(stale.IntentID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if row.Status != models.IntentPending {
		t.Errorf("stale claim not reset: %s", row.Status)
	}
}

func testKVState(t *testing.T, store Interface) {
	if _, err := store.LoadState("absent"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound, got %v", err)
	}
	if err := store.SaveState(models.RiskStateKey, []byte(`{"daily_pnl":-120}`)); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := store.SaveState(models.RiskStateKey, []byte(`{"daily_pnl":-250}`)); err != nil {
		t.Fatalf("SaveState upsert: %v", err)
	}
	v, err := store.LoadState(models.RiskStateKey)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if string(v) != `{"daily_pnl":-250}` {
		t.Errorf("unexpected state value %s", v)
	}
}

func TestArchiveTerminalOrders(t *testing.T) {
	store, err := NewSQLiteStorage(fmt.Sprintf("%s/arch.db", t.TempDir()))
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	defer func() { _ = store.Close() }()

	old := newTestRecord("NIFTY24000CE", "OLD")
	old.CreatedAt = time.Now().UTC().Add(-96 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	if err := store.CreateOrder(old); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	// Drive old row terminal without touching updated_at via the CAS helper.
	if _, err := store.db.Exec(`UPDATE orders SET status = 'FAILED' WHERE command_id = ?`, old.CommandID); err != nil {
		t.Fatalf("force terminal: %v", err)
	}

	fresh := newTestRecord("NIFTY23800PE", "FRESH")
	if err := store.CreateOrder(fresh); err != nil {
		t.Fatalf("CreateOrder fresh: %v", err)
	}

	moved, err := store.ArchiveTerminalOrders(time.Now().UTC().Add(-72 * time.Hour))
	if err != nil {
		t.Fatalf("ArchiveTerminalOrders: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 archived row, got %d", moved)
	}
	if _, err := store.GetOrderByCommandID(old.CommandID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("archived row still in orders: %v", err)
	}
	// Open rows are never archived regardless of age.
	if _, err := store.GetOrderByCommandID(fresh.CommandID); err != nil {
		t.Errorf("fresh row should remain: %v", err)
	}
}
