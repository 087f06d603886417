// Package consumers drains the intent queue. Two single-goroutine workers
// share one claim loop: the generic consumer handles order-shaped intents and
// broker controls, the strategy consumer drives registered strategies. Claims
// are token-fenced so a recovered stale intent can never be completed twice.
package consumers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

// Handler processes one claimed intent. The detail string lands in the intent
// row on completion; a returned error fails the intent with its message.
type Handler func(ctx context.Context, row *models.IntentRow) (detail string, err error)

// Consumer is one claim-loop worker over a set of intent types.
type Consumer struct {
	name     string
	clientID string
	store    storage.Interface
	types    []models.IntentType
	handle   Handler
	interval time.Duration
	logger   *log.Logger
}

func newConsumer(name, clientID string, store storage.Interface, types []models.IntentType,
	handle Handler, interval time.Duration, logger *log.Logger) *Consumer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Consumer{
		name:     name,
		clientID: clientID,
		store:    store,
		types:    types,
		handle:   handle,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until the context is cancelled. Each tick drains everything
// pending for this worker's types, oldest first.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Printf("%s consumer started (poll %s)", c.name, c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("%s consumer stopped", c.name)
			return nil
		case <-ticker.C:
			c.Drain(ctx)
		}
	}
}

// Drain claims and processes pending intents until the queue is empty for
// this worker's types. Exported so startup recovery and tests can run a pass
// without the ticker.
func (c *Consumer) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		token := uuid.NewString()
		row, err := c.store.ClaimNextIntent(c.clientID, c.types, token)
		if errors.Is(err, storage.ErrNoPendingIntent) {
			return
		}
		if err != nil {
			c.logger.Printf("%s consumer claim failed: %v", c.name, err)
			return
		}
		c.process(ctx, row, token)
	}
}

func (c *Consumer) process(ctx context.Context, row *models.IntentRow, token string) {
	detail, err := c.handle(ctx, row)
	if err != nil {
		c.logger.Printf("%s intent %s failed: %v", row.Type, row.IntentID, err)
		if ferr := c.store.FailIntent(row.IntentID, token, err.Error()); ferr != nil {
			c.logger.Printf("warning: could not fail intent %s: %v", row.IntentID, ferr)
		}
		return
	}
	if cerr := c.store.CompleteIntent(row.IntentID, token, detail); cerr != nil {
		c.logger.Printf("warning: could not complete intent %s: %v", row.IntentID, cerr)
	}
}
