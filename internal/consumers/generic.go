package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/quantbrew/ordercore/internal/command"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

// Gateway is the command-service surface the generic consumer drives.
type Gateway interface {
	Submit(ctx context.Context, cmd models.OrderCommand) command.Result
	Register(ctx context.Context, cmd models.OrderCommand) command.Result
	HandleExitIntent(ctx context.Context, scope models.ExitScope, symbols []string, product models.ProductScope, reason, source string) ([]command.Result, error)
}

// GuardReconciler rebuilds guard state from broker truth on demand.
type GuardReconciler interface {
	ReconcileWithBroker(ctx context.Context) error
}

// legResult is the per-leg outcome recorded in the intent detail column.
type legResult struct {
	Leg       int    `json:"leg"`
	Symbol    string `json:"symbol"`
	Success   bool   `json:"success"`
	CommandID string `json:"command_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewGenericConsumer builds the worker for GENERIC, BASKET, ADVANCED and
// BROKER_CONTROL intents.
func NewGenericConsumer(clientID string, store storage.Interface, gw Gateway, guard GuardReconciler,
	interval time.Duration, logger *log.Logger) *Consumer {
	h := &genericHandler{gateway: gw, guard: guard, logger: logger}
	types := []models.IntentType{
		models.IntentGeneric, models.IntentBasket, models.IntentAdvanced, models.IntentBrokerControl,
	}
	return newConsumer("generic", clientID, store, types, h.handle, interval, logger)
}

type genericHandler struct {
	gateway Gateway
	guard   GuardReconciler
	logger  *log.Logger
}

func (h *genericHandler) handle(ctx context.Context, row *models.IntentRow) (string, error) {
	switch row.Type {
	case models.IntentGeneric:
		return h.handleGeneric(ctx, row)
	case models.IntentBasket:
		var p models.BasketPayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return "", fmt.Errorf("decode basket payload: %w", err)
		}
		return h.handleLegs(ctx, row.IntentID, p.Legs)
	case models.IntentAdvanced:
		var p models.AdvancedPayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return "", fmt.Errorf("decode advanced payload: %w", err)
		}
		// Relationship metadata is opaque to the core; the legs execute the
		// same way a basket does.
		return h.handleLegs(ctx, row.IntentID, p.Legs)
	case models.IntentBrokerControl:
		return h.handleControl(ctx, row)
	}
	return "", fmt.Errorf("unexpected intent type %s", row.Type)
}

func (h *genericHandler) handleGeneric(ctx context.Context, row *models.IntentRow) (string, error) {
	var p models.OrderPayload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return "", fmt.Errorf("decode order payload: %w", err)
	}
	res := h.route(ctx, p.Command())
	if !res.Success {
		return "", fmt.Errorf("%s: %s", res.Tag, res.Reason)
	}
	return res.CommandID, nil
}

// handleLegs executes a leg list exits-first. Partial success still completes
// the intent; only a full wipe fails it. Leg indices in the detail refer to
// the original payload order.
func (h *genericHandler) handleLegs(ctx context.Context, intentID string, legs []models.OrderPayload) (string, error) {
	if len(legs) == 0 {
		return "", fmt.Errorf("basket has no legs")
	}

	type indexedLeg struct {
		index int
		leg   models.OrderPayload
	}
	ordered := make([]indexedLeg, 0, len(legs))
	for i, leg := range legs {
		if leg.ExecutionType == models.ExecutionExit {
			ordered = append(ordered, indexedLeg{i, leg})
		}
	}
	for i, leg := range legs {
		if leg.ExecutionType != models.ExecutionExit {
			ordered = append(ordered, indexedLeg{i, leg})
		}
	}

	results := make([]legResult, 0, len(legs))
	successes := 0
	for _, il := range ordered {
		cmd := il.leg.Command()
		cmd.StrategyName = fmt.Sprintf("__BASKET__:%s:LEG_%d", intentID, il.index)
		res := h.route(ctx, cmd)
		if res.Success {
			successes++
		}
		results = append(results, legResult{
			Leg:       il.index,
			Symbol:    cmd.Symbol,
			Success:   res.Success,
			CommandID: res.CommandID,
			Tag:       res.Tag,
			Reason:    res.Reason,
		})
	}

	detail, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode leg results: %w", err)
	}
	if successes == 0 {
		return "", fmt.Errorf("all %d legs failed: %s", len(legs), detail)
	}
	if successes < len(legs) {
		h.logger.Printf("basket %s partially filled: %d/%d legs", intentID, successes, len(legs))
	}
	return string(detail), nil
}

func (h *genericHandler) handleControl(ctx context.Context, row *models.IntentRow) (string, error) {
	var p models.BrokerControlPayload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return "", fmt.Errorf("decode control payload: %w", err)
	}
	switch p.Operation {
	case models.ControlSquareOff:
		scope := models.ExitScope(p.Scope)
		if scope == "" {
			scope = models.ExitScopeAll
		}
		reason := p.Reason
		if reason == "" {
			reason = "broker control square off"
		}
		results, err := h.gateway.HandleExitIntent(ctx, scope, p.Symbols, models.ProductScope(p.Product), reason, models.SourceWeb)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("registered %d exits", len(results)), nil
	case models.ControlReconcile:
		if err := h.guard.ReconcileWithBroker(ctx); err != nil {
			return "", fmt.Errorf("guard reconcile: %w", err)
		}
		return "guard reconciled", nil
	}
	return "", fmt.Errorf("unsupported broker control operation %q", p.Operation)
}

// route sends the command down the path its execution type demands: exits are
// registered for the watcher, everything else submits synchronously.
func (h *genericHandler) route(ctx context.Context, cmd models.OrderCommand) command.Result {
	if cmd.ExecutionType == models.ExecutionExit {
		return h.gateway.Register(ctx, cmd)
	}
	return h.gateway.Submit(ctx, cmd)
}
