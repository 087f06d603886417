package storage

import (
	"time"

	"github.com/quantbrew/ordercore/internal/models"
)

// Interface defines the contract for order, intent and state persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. The SQLite implementation serializes writers on
// a single connection; MockStorage uses a mutex.
//
// All writes are single-row and durable before the method returns. Writes are
// never silently retried: the broker may already hold the order, so the
// caller must see the failure.
type Interface interface {
	// Order records
	CreateOrder(rec *models.OrderRecord) error
	// UpdateOrderStatus enforces the order state machine: it returns
	// ErrAlreadyTerminal when the row already reached a terminal status and
	// ErrInvalidTransition for any other disallowed edge.
	UpdateOrderStatus(commandID string, status models.OrderStatus) error
	SetBrokerOrderID(commandID, brokerOrderID string) error
	// SetOrderTag is allowed on terminal rows; tag and updated_at are the
	// only fields that may change after a terminal transition.
	SetOrderTag(commandID, tag string) error
	SetOrderFill(commandID string, filledQty int, avgPrice float64) error
	MarkExitFired(commandID string) error
	UpdateTrailingHigh(commandID string, trailingHigh float64) error
	GetOrderByCommandID(commandID string) (*models.OrderRecord, error)
	GetOrderByBrokerID(brokerOrderID string) (*models.OrderRecord, error)
	// ListOpenOrders returns rows with status CREATED or SENT_TO_BROKER,
	// oldest first, scoped to the client.
	ListOpenOrders(clientID string) ([]models.OrderRecord, error)
	ListOpenOrdersByStrategy(clientID, strategyName string) ([]models.OrderRecord, error)
	ListOrdersByStatus(clientID string, status models.OrderStatus, limit int) ([]models.OrderRecord, error)
	ListOrdersByTimeWindow(clientID string, from, to time.Time) ([]models.OrderRecord, error)
	CountOrdersByStatus(clientID string) (map[models.OrderStatus]int, error)
	// ArchiveTerminalOrders moves terminal rows older than the cutoff into
	// the archive table and returns how many moved. Rows are never deleted.
	ArchiveTerminalOrders(olderThan time.Time) (int, error)

	// Intent queue
	EnqueueIntent(row *models.IntentRow) error
	// ClaimNextIntent atomically claims the oldest PENDING row of one of the
	// given types: exactly one caller receives a given intent. Returns
	// ErrNoPendingIntent when the queue is empty for those types.
	ClaimNextIntent(clientID string, types []models.IntentType, claimToken string) (*models.IntentRow, error)
	CompleteIntent(intentID, claimToken, detail string) error
	FailIntent(intentID, claimToken, reason string) error
	GetIntent(intentID string) (*models.IntentRow, error)
	// ListIntents returns rows newest first; status "" means all statuses.
	ListIntents(clientID string, status models.IntentStatus, limit int) ([]models.IntentRow, error)
	// ResetStaleClaims returns CLAIMED rows older than the cutoff to PENDING
	// so a crashed consumer's work is re-delivered.
	ResetStaleClaims(olderThan time.Time) (int, error)

	// Key-value state documents (risk state, per-strategy exec state)
	SaveState(key string, value []byte) error
	LoadState(key string) ([]byte, error)

	Close() error
}

// Ensure both implementations satisfy Interface.
var (
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
