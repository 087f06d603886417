// Package storage persists order records, queued intents and small state
// documents in an embedded SQLite database. It is the single source of truth
// for order state; the state machine is enforced here with compare-and-set
// updates so concurrent writers cannot produce an illegal transition.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/quantbrew/ordercore/internal/models"
)

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS orders (
    command_id      TEXT PRIMARY KEY,
    broker_order_id TEXT,
    client_id       TEXT NOT NULL,
    execution_type  TEXT NOT NULL,
    status          TEXT NOT NULL,
    source          TEXT,
    strategy_name   TEXT,
    symbol          TEXT NOT NULL,
    exchange        TEXT NOT NULL,
    side            TEXT NOT NULL,
    quantity        INTEGER NOT NULL,
    product         TEXT NOT NULL,
    order_type      TEXT NOT NULL,
    price           REAL DEFAULT 0,
    trigger_price   REAL DEFAULT 0,
    stop_loss       REAL DEFAULT 0,
    target          REAL DEFAULT 0,
    trailing_type   TEXT DEFAULT 'NONE',
    trailing_value  REAL DEFAULT 0,
    trailing_high   REAL DEFAULT 0,
    filled_qty      INTEGER DEFAULT 0,
    avg_fill_price  REAL DEFAULT 0,
    exit_fired      INTEGER DEFAULT 0,
    tag             TEXT,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_client_status ON orders(client_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_strategy_symbol ON orders(strategy_name, symbol);

CREATE TABLE IF NOT EXISTS orders_archive (
    command_id      TEXT PRIMARY KEY,
    broker_order_id TEXT,
    client_id       TEXT NOT NULL,
    execution_type  TEXT NOT NULL,
    status          TEXT NOT NULL,
    source          TEXT,
    strategy_name   TEXT,
    symbol          TEXT NOT NULL,
    exchange        TEXT NOT NULL,
    side            TEXT NOT NULL,
    quantity        INTEGER NOT NULL,
    product         TEXT NOT NULL,
    order_type      TEXT NOT NULL,
    price           REAL DEFAULT 0,
    trigger_price   REAL DEFAULT 0,
    stop_loss       REAL DEFAULT 0,
    target          REAL DEFAULT 0,
    trailing_type   TEXT DEFAULT 'NONE',
    trailing_value  REAL DEFAULT 0,
    trailing_high   REAL DEFAULT 0,
    filled_qty      INTEGER DEFAULT 0,
    avg_fill_price  REAL DEFAULT 0,
    exit_fired      INTEGER DEFAULT 0,
    tag             TEXT,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    archived_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS control_intents (
    intent_id   TEXT PRIMARY KEY,
    client_id   TEXT NOT NULL,
    type        TEXT NOT NULL,
    payload     TEXT NOT NULL,
    status      TEXT NOT NULL,
    claim_token TEXT,
    error       TEXT,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_status_type ON control_intents(status, type, created_at);

CREATE TABLE IF NOT EXISTS kv_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);
`

const orderColumns = `command_id, broker_order_id, client_id, execution_type, status, source,
	strategy_name, symbol, exchange, side, quantity, product, order_type,
	price, trigger_price, stop_loss, target, trailing_type, trailing_value,
	trailing_high, filled_qty, avg_fill_price, exit_fired, tag, created_at, updated_at`

// SQLiteStorage implements Interface on an embedded SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the database at path and
// applies the schema. Use "file::memory:?cache=shared" style paths for tests.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("storage path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer; one connection also keeps the claim
	// transaction trivially serialized.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close releases the underlying handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateOrder inserts one order row. The record keeps whatever status it
// carries; the command service always inserts CREATED.
func (s *SQLiteStorage) CreateOrder(rec *models.OrderRecord) error {
	if rec.CommandID == "" {
		return errors.New("order record missing command_id")
	}
	_, err := s.db.Exec(`INSERT INTO orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.CommandID, nullable(rec.BrokerOrderID), rec.ClientID, string(rec.ExecutionType),
		string(rec.Status), rec.Source, rec.StrategyName, rec.Symbol, rec.Exchange,
		string(rec.Side), rec.Quantity, string(rec.Product), string(rec.OrderType),
		rec.Price, rec.TriggerPrice, rec.StopLoss, rec.Target, string(rec.TrailingType),
		rec.TrailingValue, rec.TrailingHigh, rec.FilledQty, rec.AvgFillPrice,
		boolInt(rec.ExitFired), rec.Tag, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", rec.CommandID, err)
	}
	return nil
}

// UpdateOrderStatus advances the order state machine with a compare-and-set
// against the set of statuses allowed to transition into the target. A zero
// rows-affected result is disambiguated by re-reading the row.
func (s *SQLiteStorage) UpdateOrderStatus(commandID string, status models.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	sources := models.AllowedSources(status)
	if len(sources) == 0 {
		return fmt.Errorf("%w: no edge leads to %s", ErrInvalidTransition, status)
	}

	placeholders := make([]string, len(sources))
	args := []interface{}{string(status), time.Now().UTC()}
	for i, from := range sources {
		placeholders[i] = "?"
		args = append(args, string(from))
	}
	args = append(args, commandID)

	res, err := s.db.Exec(
		`UPDATE orders SET status = ?, updated_at = ? WHERE status IN (`+
			strings.Join(placeholders, ",")+`) AND command_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update order status %s: %w", commandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status %s: %w", commandID, err)
	}
	if n == 1 {
		return nil
	}

	rec, err := s.GetOrderByCommandID(commandID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, commandID, rec.Status)
	}
	return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, rec.Status, status, commandID)
}

// SetBrokerOrderID records the broker-assigned id. Refused once terminal.
func (s *SQLiteStorage) SetBrokerOrderID(commandID, brokerOrderID string) error {
	return s.updateOpenColumn(commandID, "broker_order_id", brokerOrderID)
}

// SetOrderTag writes the reason tag. Tag updates are permitted on terminal
// rows: tag and updated_at are the two mutable post-terminal fields.
func (s *SQLiteStorage) SetOrderTag(commandID, tag string) error {
	res, err := s.db.Exec(`UPDATE orders SET tag = ?, updated_at = ? WHERE command_id = ?`,
		tag, time.Now().UTC(), commandID)
	if err != nil {
		return fmt.Errorf("set order tag %s: %w", commandID, err)
	}
	return requireOneRow(res, commandID)
}

// SetOrderFill records fill quantity and average price from the broker book.
func (s *SQLiteStorage) SetOrderFill(commandID string, filledQty int, avgPrice float64) error {
	res, err := s.db.Exec(
		`UPDATE orders SET filled_qty = ?, avg_fill_price = ?, updated_at = ? WHERE command_id = ?`,
		filledQty, avgPrice, time.Now().UTC(), commandID)
	if err != nil {
		return fmt.Errorf("set order fill %s: %w", commandID, err)
	}
	return requireOneRow(res, commandID)
}

// MarkExitFired flags that the watcher already emitted the protective exit
// for this order. Survives restarts so the exit fires at most once.
func (s *SQLiteStorage) MarkExitFired(commandID string) error {
	res, err := s.db.Exec(`UPDATE orders SET exit_fired = 1, updated_at = ? WHERE command_id = ?`,
		time.Now().UTC(), commandID)
	if err != nil {
		return fmt.Errorf("mark exit fired %s: %w", commandID, err)
	}
	return requireOneRow(res, commandID)
}

// UpdateTrailingHigh persists the trailing extreme for an open order.
func (s *SQLiteStorage) UpdateTrailingHigh(commandID string, trailingHigh float64) error {
	res, err := s.db.Exec(`UPDATE orders SET trailing_high = ?, updated_at = ? WHERE command_id = ?`,
		trailingHigh, time.Now().UTC(), commandID)
	if err != nil {
		return fmt.Errorf("update trailing high %s: %w", commandID, err)
	}
	return requireOneRow(res, commandID)
}

// GetOrderByCommandID returns the row for one command id.
func (s *SQLiteStorage) GetOrderByCommandID(commandID string) (*models.OrderRecord, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE command_id = ?`, commandID)
	rec, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	return rec, err
}

// GetOrderByBrokerID returns the row holding one broker order id.
func (s *SQLiteStorage) GetOrderByBrokerID(brokerOrderID string) (*models.OrderRecord, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	rec, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: broker_order_id %s", ErrOrderNotFound, brokerOrderID)
	}
	return rec, err
}

// ListOpenOrders returns non-terminal rows for one client, oldest first.
func (s *SQLiteStorage) ListOpenOrders(clientID string) ([]models.OrderRecord, error) {
	return s.queryOrders(`SELECT `+orderColumns+` FROM orders
		WHERE client_id = ? AND status IN (?, ?) ORDER BY created_at ASC`,
		clientID, string(models.StatusCreated), string(models.StatusSentToBroker))
}

// ListOpenOrdersByStrategy scopes open rows to one strategy name.
func (s *SQLiteStorage) ListOpenOrdersByStrategy(clientID, strategyName string) ([]models.OrderRecord, error) {
	return s.queryOrders(`SELECT `+orderColumns+` FROM orders
		WHERE client_id = ? AND strategy_name = ? AND status IN (?, ?) ORDER BY created_at ASC`,
		clientID, strategyName, string(models.StatusCreated), string(models.StatusSentToBroker))
}

// ListOrdersByStatus returns the newest rows in one status, capped at limit.
func (s *SQLiteStorage) ListOrdersByStatus(clientID string, status models.OrderStatus, limit int) ([]models.OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOrders(`SELECT `+orderColumns+` FROM orders
		WHERE client_id = ? AND status = ? ORDER BY created_at DESC LIMIT ?`,
		clientID, string(status), limit)
}

// ListOrdersByTimeWindow returns rows created within [from, to).
func (s *SQLiteStorage) ListOrdersByTimeWindow(clientID string, from, to time.Time) ([]models.OrderRecord, error) {
	return s.queryOrders(`SELECT `+orderColumns+` FROM orders
		WHERE client_id = ? AND created_at >= ? AND created_at < ? ORDER BY created_at ASC`,
		clientID, from.UTC(), to.UTC())
}

// CountOrdersByStatus returns row counts per lifecycle status.
func (s *SQLiteStorage) CountOrdersByStatus(clientID string) (map[models.OrderStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM orders WHERE client_id = ? GROUP BY status`, clientID)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count orders: %w", err)
		}
		counts[models.OrderStatus(status)] = n
	}
	return counts, rows.Err()
}

// ArchiveTerminalOrders moves terminal rows older than the cutoff into the
// archive table inside one transaction. Returns the number of rows moved.
func (s *SQLiteStorage) ArchiveTerminalOrders(olderThan time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("archive orders: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT INTO orders_archive
		SELECT `+orderColumns+`, ? FROM orders
		WHERE status IN (?, ?) AND updated_at < ?`,
		time.Now().UTC(), string(models.StatusExecuted), string(models.StatusFailed), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive orders: copy: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive orders: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM orders WHERE status IN (?, ?) AND updated_at < ?`,
		string(models.StatusExecuted), string(models.StatusFailed), olderThan.UTC()); err != nil {
		return 0, fmt.Errorf("archive orders: prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive orders: commit: %w", err)
	}
	return int(moved), nil
}

// EnqueueIntent inserts one intent row with status PENDING.
func (s *SQLiteStorage) EnqueueIntent(row *models.IntentRow) error {
	if row.IntentID == "" {
		return errors.New("intent row missing intent_id")
	}
	if row.Status == "" {
		row.Status = models.IntentPending
	}
	_, err := s.db.Exec(`INSERT INTO control_intents
		(intent_id, client_id, type, payload, status, claim_token, error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		row.IntentID, row.ClientID, string(row.Type), string(row.Payload),
		string(row.Status), row.ClaimToken, row.Error, row.CreatedAt.UTC(), row.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueue intent %s: %w", row.IntentID, err)
	}
	return nil
}

// ClaimNextIntent claims the oldest PENDING row of the given types inside an
// immediate transaction, so exactly one consumer receives a given intent.
func (s *SQLiteStorage) ClaimNextIntent(clientID string, types []models.IntentType, claimToken string) (*models.IntentRow, error) {
	if len(types) == 0 {
		return nil, errors.New("claim requires at least one intent type")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim intent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(types))
	args := []interface{}{clientID, string(models.IntentPending)}
	for i, t := range types {
		placeholders[i] = "?"
		args = append(args, string(t))
	}
	row := tx.QueryRow(`SELECT intent_id, client_id, type, payload, status, claim_token, error, created_at, updated_at
		FROM control_intents
		WHERE client_id = ? AND status = ? AND type IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY created_at ASC LIMIT 1`, args...)

	var rec models.IntentRow
	var payload, typ, status string
	var token, errText sql.NullString
	if err := row.Scan(&rec.IntentID, &rec.ClientID, &typ, &payload, &status, &token, &errText,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPendingIntent
		}
		return nil, fmt.Errorf("claim intent: %w", err)
	}
	rec.Type = models.IntentType(typ)
	rec.Payload = []byte(payload)

	res, err := tx.Exec(`UPDATE control_intents SET status = ?, claim_token = ?, updated_at = ?
		WHERE intent_id = ? AND status = ?`,
		string(models.IntentClaimed), claimToken, time.Now().UTC(), rec.IntentID, string(models.IntentPending))
	if err != nil {
		return nil, fmt.Errorf("claim intent %s: %w", rec.IntentID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, ErrNoPendingIntent
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim intent %s: commit: %w", rec.IntentID, err)
	}
	rec.Status = models.IntentClaimed
	rec.ClaimToken = claimToken
	return &rec, nil
}

// CompleteIntent marks a claimed row COMPLETED. The claim token must match so
// a stale worker cannot finish a row that was re-delivered.
func (s *SQLiteStorage) CompleteIntent(intentID, claimToken, detail string) error {
	return s.finishIntent(intentID, claimToken, models.IntentCompleted, detail)
}

// FailIntent marks a claimed row FAILED with a reason.
func (s *SQLiteStorage) FailIntent(intentID, claimToken, reason string) error {
	return s.finishIntent(intentID, claimToken, models.IntentFailed, reason)
}

func (s *SQLiteStorage) finishIntent(intentID, claimToken string, status models.IntentStatus, detail string) error {
	res, err := s.db.Exec(`UPDATE control_intents SET status = ?, error = ?, updated_at = ?
		WHERE intent_id = ? AND claim_token = ? AND status = ?`,
		string(status), detail, time.Now().UTC(), intentID, claimToken, string(models.IntentClaimed))
	if err != nil {
		return fmt.Errorf("finish intent %s: %w", intentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish intent %s: %w", intentID, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s (claim token mismatch or already terminal)", ErrIntentNotFound, intentID)
	}
	return nil
}

// GetIntent returns one intent row by id.
func (s *SQLiteStorage) GetIntent(intentID string) (*models.IntentRow, error) {
	row := s.db.QueryRow(`SELECT intent_id, client_id, type, payload, status, claim_token, error, created_at, updated_at
		FROM control_intents WHERE intent_id = ?`, intentID)

	var rec models.IntentRow
	var payload, typ, status string
	var token, errText sql.NullString
	if err := row.Scan(&rec.IntentID, &rec.ClientID, &typ, &payload, &status, &token, &errText,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
		}
		return nil, fmt.Errorf("get intent %s: %w", intentID, err)
	}
	rec.Type = models.IntentType(typ)
	rec.Payload = []byte(payload)
	rec.Status = models.IntentStatus(status)
	rec.ClaimToken = token.String
	rec.Error = errText.String
	return &rec, nil
}

// ListIntents returns intent rows newest first. An empty status lists all.
func (s *SQLiteStorage) ListIntents(clientID string, status models.IntentStatus, limit int) ([]models.IntentRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT intent_id, client_id, type, payload, status, claim_token, error, created_at, updated_at
		FROM control_intents WHERE client_id = ?`
	args := []interface{}{clientID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.IntentRow
	for rows.Next() {
		var rec models.IntentRow
		var payload, typ, st string
		var token, errText sql.NullString
		if err := rows.Scan(&rec.IntentID, &rec.ClientID, &typ, &payload, &st, &token, &errText,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list intents: %w", err)
		}
		rec.Type = models.IntentType(typ)
		rec.Payload = []byte(payload)
		rec.Status = models.IntentStatus(st)
		rec.ClaimToken = token.String
		rec.Error = errText.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResetStaleClaims returns CLAIMED rows older than the cutoff to PENDING.
func (s *SQLiteStorage) ResetStaleClaims(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE control_intents SET status = ?, claim_token = '', updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(models.IntentPending), time.Now().UTC(), string(models.IntentClaimed), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return int(n), nil
}

// SaveState upserts one key-value document.
func (s *SQLiteStorage) SaveState(key string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO kv_state (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	return nil
}

// LoadState reads one key-value document.
func (s *SQLiteStorage) LoadState(key string) ([]byte, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrStateNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	return []byte(value), nil
}

func (s *SQLiteStorage) updateOpenColumn(commandID, column, value string) error {
	res, err := s.db.Exec(`UPDATE orders SET `+column+` = ?, updated_at = ?
		WHERE command_id = ? AND status IN (?, ?)`,
		value, time.Now().UTC(), commandID,
		string(models.StatusCreated), string(models.StatusSentToBroker))
	if err != nil {
		return fmt.Errorf("update %s for %s: %w", column, commandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s for %s: %w", column, commandID, err)
	}
	if n == 1 {
		return nil
	}
	rec, err := s.GetOrderByCommandID(commandID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, commandID, rec.Status)
	}
	return fmt.Errorf("update %s for %s: no row changed", column, commandID)
}

func (s *SQLiteStorage) queryOrders(query string, args ...interface{}) ([]models.OrderRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.OrderRecord, error) {
	var rec models.OrderRecord
	var brokerID, source, strategy, tag sql.NullString
	var execType, status, side, product, orderType, trailing string
	var exitFired int
	err := row.Scan(&rec.CommandID, &brokerID, &rec.ClientID, &execType, &status, &source,
		&strategy, &rec.Symbol, &rec.Exchange, &side, &rec.Quantity, &product, &orderType,
		&rec.Price, &rec.TriggerPrice, &rec.StopLoss, &rec.Target, &trailing,
		&rec.TrailingValue, &rec.TrailingHigh, &rec.FilledQty, &rec.AvgFillPrice,
		&exitFired, &tag, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	rec.BrokerOrderID = brokerID.String
	rec.ExecutionType = models.ExecutionType(execType)
	rec.Status = models.OrderStatus(status)
	rec.Source = source.String
	rec.StrategyName = strategy.String
	rec.Side = models.Side(side)
	rec.Product = models.Product(product)
	rec.OrderType = models.OrderType(orderType)
	rec.TrailingType = models.TrailingType(trailing)
	rec.ExitFired = exitFired != 0
	rec.Tag = tag.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func requireOneRow(res sql.Result, commandID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order %s: %w", commandID, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: command_id %s", ErrOrderNotFound, commandID)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
