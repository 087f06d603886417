package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

// StrategyDispatcher executes one strategy lifecycle action. The trading bot
// facade implements it; a returned error fails the intent.
type StrategyDispatcher interface {
	DispatchStrategyAction(ctx context.Context, p models.StrategyPayload) error
}

// NewStrategyConsumer builds the worker for STRATEGY intents.
func NewStrategyConsumer(clientID string, store storage.Interface, dispatcher StrategyDispatcher,
	interval time.Duration, logger *log.Logger) *Consumer {
	h := &strategyHandler{dispatcher: dispatcher, logger: logger}
	return newConsumer("strategy", clientID, store, []models.IntentType{models.IntentStrategy}, h.handle, interval, logger)
}

type strategyHandler struct {
	dispatcher StrategyDispatcher
	logger     *log.Logger
}

func (h *strategyHandler) handle(ctx context.Context, row *models.IntentRow) (string, error) {
	var p models.StrategyPayload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return "", fmt.Errorf("decode strategy payload: %w", err)
	}
	if p.StrategyName == "" {
		return "", fmt.Errorf("strategy intent missing strategy_name")
	}
	if !p.Action.Valid() {
		return "", fmt.Errorf("unknown strategy action %q", p.Action)
	}

	h.logger.Printf("dispatching %s for strategy %s", p.Action, p.StrategyName)
	if err := h.dispatcher.DispatchStrategyAction(ctx, p); err != nil {
		return "", fmt.Errorf("%s %s: %w", p.Action, p.StrategyName, err)
	}
	return fmt.Sprintf("%s dispatched for %s", p.Action, p.StrategyName), nil
}
