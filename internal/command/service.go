// Package command implements the single submission gateway. Every order that
// reaches the broker passes through Service.Submit, which runs the blocker
// chain (market hours, risk, execution guard) and records the outcome as an
// audit row whether the order went out or not.
package command

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/scripmaster"
	"github.com/quantbrew/ordercore/internal/storage"
)

// RiskGate answers whether trading may proceed at all right now.
type RiskGate interface {
	CanExecute() (bool, string)
}

// ExecutionGuard is the duplicate / exposure blocker consulted before every
// entry or adjustment leaves the process.
type ExecutionGuard interface {
	Check(ctx context.Context, cmd models.OrderCommand) (tag string, reason string)
	RegisterAttempt(symbol string, side models.Side)
	Release(symbol string)
}

// MarketClock reports whether the venue is open. *config.Config satisfies it.
type MarketClock interface {
	IsWithinTradingHours(now time.Time) bool
}

// PositionExiter flattens live broker positions. The exit service implements
// it; the indirection exists because exits register their orders back through
// this package.
type PositionExiter interface {
	ExitPositions(ctx context.Context, scope models.ExitScope, symbols []string, product models.ProductScope, reason, source string) ([]Result, error)
}

// Service is the order submission gateway.
type Service struct {
	clientID string
	store    storage.Interface
	broker   broker.Broker
	scrips   *scripmaster.Client
	guard    ExecutionGuard
	risk     RiskGate
	clock    MarketClock
	exiter   PositionExiter
	timeout  time.Duration
	logger   *log.Logger
}

// NewService wires the gateway. The exit service is attached afterwards via
// SetExitService because it depends on this service in turn.
func NewService(clientID string, store storage.Interface, brk broker.Broker, scrips *scripmaster.Client,
	g ExecutionGuard, r RiskGate, clock MarketClock, brokerTimeout time.Duration, logger *log.Logger) *Service {
	if brokerTimeout <= 0 {
		brokerTimeout = 10 * time.Second
	}
	return &Service{
		clientID: clientID,
		store:    store,
		broker:   brk,
		scrips:   scrips,
		guard:    g,
		risk:     r,
		clock:    clock,
		timeout:  brokerTimeout,
		logger:   logger,
	}
}

// SetExitService attaches the position exit service. Must be called before
// any exit intent is handled.
func (s *Service) SetExitService(e PositionExiter) { s.exiter = e }

// Submit runs one ENTRY or ADJUST command through the full gateway: validate,
// persist, blocker chain, broker. It returns synchronously with the outcome;
// a blocked command still leaves a FAILED audit row with its blocker tag.
//
// EXIT commands must use Register instead - the watcher owns their submission.
func (s *Service) Submit(ctx context.Context, cmd models.OrderCommand) Result {
	if cmd.ExecutionType == models.ExecutionExit {
		return failure("", models.TagValidationError, "EXIT commands must be registered, not submitted: INVALID_EXECUTION_TYPE")
	}

	if err := s.validate(&cmd); err != nil {
		s.logger.Printf("rejected %s %s %s: %v", cmd.ExecutionType, cmd.Side, cmd.Symbol, err)
		return failure("", models.TagValidationError, err.Error())
	}
	if err := s.normalizeMarket(ctx, &cmd); err != nil {
		s.logger.Printf("rejected %s %s: %v", cmd.ExecutionType, cmd.Symbol, err)
		return failure("", models.TagValidationError, err.Error())
	}

	commandID := uuid.NewString()
	rec := models.NewOrderRecord(commandID, s.clientID, cmd)
	if err := s.store.CreateOrder(rec); err != nil {
		s.logger.Printf("persist %s failed: %v", rec, err)
		return failure("", models.TagValidationError, "could not persist order: "+err.Error())
	}

	// Blocker chain. Order matters: hours before risk before guard, so an
	// off-hours command never consumes a guard slot.
	if !s.clock.IsWithinTradingHours(time.Now()) {
		return s.block(rec, models.TagMarketClosed, "market is closed")
	}
	if ok, reason := s.risk.CanExecute(); !ok {
		return s.block(rec, models.TagRiskLimitsExceeded, reason)
	}
	if tag, reason := s.guard.Check(ctx, cmd); tag != "" {
		return s.block(rec, tag, reason)
	}

	// Mark in-flight before the broker call: if we crash mid-call the
	// reconciler finds a SENT_TO_BROKER row, never a silent CREATED one.
	s.guard.RegisterAttempt(cmd.Symbol, cmd.Side)
	if err := s.store.UpdateOrderStatus(commandID, models.StatusSentToBroker); err != nil {
		s.guard.Release(cmd.Symbol)
		s.logger.Printf("transition to SENT_TO_BROKER failed for %s: %v", rec, err)
		return failure(commandID, models.TagValidationError, "could not mark order in flight: "+err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.broker.PlaceOrder(callCtx, broker.OrderRequest{
		Exchange:     cmd.Exchange,
		Symbol:       cmd.Symbol,
		Side:         cmd.Side,
		Quantity:     cmd.Quantity,
		Product:      cmd.Product,
		OrderType:    cmd.OrderType,
		Price:        cmd.Price,
		TriggerPrice: cmd.TriggerPrice,
		Tag:          commandID,
	})
	if err != nil {
		tag := broker.ClassifyError(err)
		s.failInFlight(rec, tag, err.Error())
		return failure(commandID, tag, err.Error())
	}
	if !resp.Success || resp.BrokerOrderID == "" {
		reason := resp.ErrorMessage
		if reason == "" {
			reason = "broker declined the order"
		}
		s.failInFlight(rec, models.TagBrokerRejected, reason)
		return failure(commandID, models.TagBrokerRejected, reason)
	}

	if err := s.store.SetBrokerOrderID(commandID, resp.BrokerOrderID); err != nil {
		// The broker holds the order; keep it in flight and let the watcher
		// pick up the fill through the order book join.
		s.logger.Printf("warning: broker id %s not persisted for %s: %v", resp.BrokerOrderID, rec, err)
	}
	s.logger.Printf("submitted %s -> broker order %s", rec, resp.BrokerOrderID)
	return Result{Success: true, CommandID: commandID}
}

// Register persists an EXIT command as a CREATED row without touching the
// broker. The watcher submits registered exits on its own cadence so a burst
// of exits cannot stampede the broker.
func (s *Service) Register(ctx context.Context, cmd models.OrderCommand) Result {
	if cmd.ExecutionType != models.ExecutionExit {
		return failure("", models.TagValidationError, "only EXIT commands may be registered: INVALID_EXECUTION_TYPE")
	}
	if err := s.validate(&cmd); err != nil {
		s.logger.Printf("rejected EXIT %s %s: %v", cmd.Side, cmd.Symbol, err)
		return failure("", models.TagValidationError, err.Error())
	}

	commandID := uuid.NewString()
	rec := models.NewOrderRecord(commandID, s.clientID, cmd)
	if err := s.store.CreateOrder(rec); err != nil {
		s.logger.Printf("persist EXIT %s failed: %v", rec, err)
		return failure("", models.TagValidationError, "could not persist exit: "+err.Error())
	}
	s.logger.Printf("registered %s", rec)
	return Result{Success: true, CommandID: commandID}
}

// HandleExitIntent flattens positions per scope by delegating to the exit
// service, which registers one EXIT per matching position back through this
// gateway.
func (s *Service) HandleExitIntent(ctx context.Context, scope models.ExitScope, symbols []string, product models.ProductScope, reason, source string) ([]Result, error) {
	if s.exiter == nil {
		return nil, &ValidationError{Field: "exit_service", Reason: "not attached"}
	}
	return s.exiter.ExitPositions(ctx, scope, symbols, product, reason, source)
}

// block marks a created row failed with its blocker tag and returns the
// mirrored result.
func (s *Service) block(rec *models.OrderRecord, tag, reason string) Result {
	if err := s.store.UpdateOrderStatus(rec.CommandID, models.StatusFailed); err != nil {
		s.logger.Printf("warning: could not fail blocked order %s: %v", rec, err)
	}
	if err := s.store.SetOrderTag(rec.CommandID, tag); err != nil {
		s.logger.Printf("warning: could not tag blocked order %s: %v", rec, err)
	}
	s.logger.Printf("blocked %s: %s (%s)", rec, tag, reason)
	return failure(rec.CommandID, tag, reason)
}

// failInFlight finalizes a SENT_TO_BROKER row after a broker failure and
// releases its guard slot.
func (s *Service) failInFlight(rec *models.OrderRecord, tag, reason string) {
	s.guard.Release(rec.Symbol)
	if err := s.store.UpdateOrderStatus(rec.CommandID, models.StatusFailed); err != nil {
		s.logger.Printf("warning: could not fail in-flight order %s: %v", rec, err)
	}
	if err := s.store.SetOrderTag(rec.CommandID, tag); err != nil {
		s.logger.Printf("warning: could not tag in-flight order %s: %v", rec, err)
	}
	s.logger.Printf("broker failure on %s: %s (%s)", rec, tag, reason)
}
