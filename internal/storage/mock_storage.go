package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantbrew/ordercore/internal/models"
)

// MockStorage implements Interface in memory for testing. It mirrors the
// SQLite implementation's semantics, including state-machine enforcement and
// atomic claims, so component tests exercise the same contract.
type MockStorage struct {
	mu      sync.Mutex
	orders  map[string]*models.OrderRecord
	archive map[string]*models.OrderRecord
	intents map[string]*models.IntentRow
	state   map[string][]byte

	createErr error
	updateErr error

	createCalls int
	claimCalls  int
}

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		orders:  make(map[string]*models.OrderRecord),
		archive: make(map[string]*models.OrderRecord),
		intents: make(map[string]*models.IntentRow),
		state:   make(map[string][]byte),
	}
}

// SetCreateError makes subsequent CreateOrder calls fail.
func (m *MockStorage) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetUpdateError makes subsequent UpdateOrderStatus calls fail.
func (m *MockStorage) SetUpdateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = err
}

// CreateCalls reports how many CreateOrder calls were made.
func (m *MockStorage) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

// CreateOrder stores a copy of the record.
func (m *MockStorage) CreateOrder(rec *models.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	if rec.CommandID == "" {
		return fmt.Errorf("order record missing command_id")
	}
	if _, ok := m.orders[rec.CommandID]; ok {
		return fmt.Errorf("duplicate command_id %s", rec.CommandID)
	}
	cp := *rec
	m.orders[rec.CommandID] = &cp
	return nil
}

// UpdateOrderStatus enforces the same state machine as the SQLite store.
func (m *MockStorage) UpdateOrderStatus(commandID string, status models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	rec, ok := m.orders[commandID]
	if !ok {
		return fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, commandID, rec.Status)
	}
	if !models.CanTransition(rec.Status, status) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, rec.Status, status, commandID)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetBrokerOrderID records the broker id on an open row.
func (m *MockStorage) SetBrokerOrderID(commandID, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[commandID]
	if !ok {
		return fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, commandID, rec.Status)
	}
	rec.BrokerOrderID = brokerOrderID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetOrderTag writes the tag; allowed on terminal rows.
func (m *MockStorage) SetOrderTag(commandID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[commandID]
	if !ok {
		return fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	rec.Tag = tag
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetOrderFill records fill details.
func (m *MockStorage) SetOrderFill(commandID string, filledQty int, avgPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[commandID]
	if !ok {
		return fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	rec.FilledQty = filledQty
	rec.AvgFillPrice = avgPrice
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkExitFired sets the one-shot protective-exit flag.
func (m *MockStorage) MarkExitFired(commandID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[commandID]
	if !ok {
		return fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	rec.ExitFired = true
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateTrailingHigh persists the trailing extreme.
func (m *MockStorage) UpdateTrailingHigh(commandID string, trailingHigh float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[commandID]
	if !ok {
		return fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	rec.TrailingHigh = trailingHigh
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// GetOrderByCommandID returns a copy of the row.
func (m *MockStorage) GetOrderByCommandID(commandID string) (*models.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[commandID]
	if !ok {
		return nil, fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	cp := *rec
	return &cp, nil
}

// GetOrderByBrokerID returns a copy of the row holding the broker id.
func (m *MockStorage) GetOrderByBrokerID(brokerOrderID string) (*models.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.orders {
		if rec.BrokerOrderID == brokerOrderID && brokerOrderID != "" {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: broker_order_id %s", ErrOrderNotFound, brokerOrderID)
}

// ListOpenOrders returns non-terminal rows oldest first.
func (m *MockStorage) ListOpenOrders(clientID string) ([]models.OrderRecord, error) {
	return m.listOrders(func(r *models.OrderRecord) bool {
		return r.ClientID == clientID && !r.Status.Terminal()
	})
}

// ListOpenOrdersByStrategy scopes open rows to one strategy.
func (m *MockStorage) ListOpenOrdersByStrategy(clientID, strategyName string) ([]models.OrderRecord, error) {
	return m.listOrders(func(r *models.OrderRecord) bool {
		return r.ClientID == clientID && r.StrategyName == strategyName && !r.Status.Terminal()
	})
}

// ListOrdersByStatus returns rows in one status, newest first.
func (m *MockStorage) ListOrdersByStatus(clientID string, status models.OrderStatus, limit int) ([]models.OrderRecord, error) {
	out, err := m.listOrders(func(r *models.OrderRecord) bool {
		return r.ClientID == clientID && r.Status == status
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOrdersByTimeWindow returns rows created within [from, to).
func (m *MockStorage) ListOrdersByTimeWindow(clientID string, from, to time.Time) ([]models.OrderRecord, error) {
	return m.listOrders(func(r *models.OrderRecord) bool {
		return r.ClientID == clientID && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	})
}

// CountOrdersByStatus returns counts per status.
func (m *MockStorage) CountOrdersByStatus(clientID string) (map[models.OrderStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.OrderStatus]int)
	for _, rec := range m.orders {
		if rec.ClientID == clientID {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

// ArchiveTerminalOrders moves old terminal rows to the archive map.
func (m *MockStorage) ArchiveTerminalOrders(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for id, rec := range m.orders {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(olderThan) {
			m.archive[id] = rec
			delete(m.orders, id)
			moved++
		}
	}
	return moved, nil
}

// ArchivedCount reports how many rows were archived (test hook).
func (m *MockStorage) ArchivedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archive)
}

// EnqueueIntent inserts one PENDING intent row.
func (m *MockStorage) EnqueueIntent(row *models.IntentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.IntentID == "" {
		return fmt.Errorf("intent row missing intent_id")
	}
	if _, ok := m.intents[row.IntentID]; ok {
		return fmt.Errorf("duplicate intent_id %s", row.IntentID)
	}
	cp := *row
	if cp.Status == "" {
		cp.Status = models.IntentPending
	}
	m.intents[row.IntentID] = &cp
	return nil
}

// ClaimNextIntent claims the oldest PENDING row of the given types.
func (m *MockStorage) ClaimNextIntent(clientID string, types []models.IntentType, claimToken string) (*models.IntentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimCalls++

	wanted := make(map[models.IntentType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var oldest *models.IntentRow
	for _, row := range m.intents {
		if row.ClientID != clientID || row.Status != models.IntentPending || !wanted[row.Type] {
			continue
		}
		if oldest == nil || row.CreatedAt.Before(oldest.CreatedAt) {
			oldest = row
		}
	}
	if oldest == nil {
		return nil, ErrNoPendingIntent
	}
	oldest.Status = models.IntentClaimed
	oldest.ClaimToken = claimToken
	oldest.UpdatedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}

// CompleteIntent marks a claimed row COMPLETED.
func (m *MockStorage) CompleteIntent(intentID, claimToken, detail string) error {
	return m.finishIntent(intentID, claimToken, models.IntentCompleted, detail)
}

// FailIntent marks a claimed row FAILED.
func (m *MockStorage) FailIntent(intentID, claimToken, reason string) error {
	return m.finishIntent(intentID, claimToken, models.IntentFailed, reason)
}

func (m *MockStorage) finishIntent(intentID, claimToken string, status models.IntentStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.intents[intentID]
	if !ok || row.Status != models.IntentClaimed || row.ClaimToken != claimToken {
		return fmt.Errorf("%w: %s (claim token mismatch or already terminal)", ErrIntentNotFound, intentID)
	}
	row.Status = status
	row.Error = detail
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// GetIntent returns a copy of one intent row.
func (m *MockStorage) GetIntent(intentID string) (*models.IntentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	cp := *row
	return &cp, nil
}

// ListIntents returns intent rows newest first. An empty status lists all.
func (m *MockStorage) ListIntents(clientID string, status models.IntentStatus, limit int) ([]models.IntentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []models.IntentRow
	for _, row := range m.intents {
		if row.ClientID != clientID {
			continue
		}
		if status != "" && row.Status != status {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResetStaleClaims returns old CLAIMED rows to PENDING.
func (m *MockStorage) ResetStaleClaims(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.intents {
		if row.Status == models.IntentClaimed && row.UpdatedAt.Before(olderThan) {
			row.Status = models.IntentPending
			row.ClaimToken = ""
			row.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// SaveState upserts one key-value document.
func (m *MockStorage) SaveState(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.state[key] = cp
	return nil
}

// LoadState reads one key-value document.
func (m *MockStorage) LoadState(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStateNotFound, key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Close is a no-op for the mock.
func (m *MockStorage) Close() error { return nil }

func (m *MockStorage) listOrders(match func(*models.OrderRecord) bool) ([]models.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderRecord
	for _, rec := range m.orders {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
