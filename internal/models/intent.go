package models

import (
	"encoding/json"
	"time"
)

// IntentType partitions queued intents between the two consumers.
type IntentType string

const (
	IntentGeneric       IntentType = "GENERIC"
	IntentBasket        IntentType = "BASKET"
	IntentAdvanced      IntentType = "ADVANCED"
	IntentStrategy      IntentType = "STRATEGY"
	IntentBrokerControl IntentType = "BROKER_CONTROL"
)

// IntentStatus is the queue state of an intent row.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentClaimed   IntentStatus = "CLAIMED"
	IntentCompleted IntentStatus = "COMPLETED"
	IntentFailed    IntentStatus = "FAILED"
)

// Terminal reports whether the intent reached a final status.
func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

// IntentRow is one queued producer request. Payload stays raw JSON until the
// claiming consumer decodes it against the type's payload shape.
type IntentRow struct {
	IntentID   string          `json:"intent_id"`
	ClientID   string          `json:"client_id"`
	Type       IntentType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     IntentStatus    `json:"status"`
	ClaimToken string          `json:"claim_token,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// OrderPayload is the producer-facing order shape shared by alerts, GENERIC
// intents and basket/advanced legs. Unknown JSON fields are ignored on
// decode.
type OrderPayload struct {
	ExecutionType ExecutionType `json:"execution_type"`
	Exchange      string        `json:"exchange"`
	Symbol        string        `json:"symbol"`
	Side          Side          `json:"side"`
	Quantity      int           `json:"quantity"`
	Product       Product       `json:"product"`
	OrderType     OrderType     `json:"order_type"`
	Price         float64       `json:"price,omitempty"`
	TriggerPrice  float64       `json:"trigger_price,omitempty"`
	StopLoss      float64       `json:"stop_loss,omitempty"`
	Target        float64       `json:"target,omitempty"`
	TrailingType  TrailingType  `json:"trailing_type,omitempty"`
	TrailingValue float64       `json:"trailing_value,omitempty"`
	StrategyName  string        `json:"strategy_name,omitempty"`
	Source        string        `json:"source,omitempty"`
}

// Command converts the payload to the canonical command shape.
func (p OrderPayload) Command() OrderCommand {
	return OrderCommand{
		ExecutionType: p.ExecutionType,
		Exchange:      p.Exchange,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Quantity:      p.Quantity,
		Product:       p.Product,
		OrderType:     p.OrderType,
		Price:         p.Price,
		TriggerPrice:  p.TriggerPrice,
		StopLoss:      p.StopLoss,
		Target:        p.Target,
		TrailingType:  p.TrailingType,
		TrailingValue: p.TrailingValue,
		StrategyName:  p.StrategyName,
		Source:        p.Source,
	}
}

// BasketPayload is an ordered multi-leg request. Legs are re-ordered
// exits-first by the consumer; leg index in this list is what the per-leg
// strategy scope refers to.
type BasketPayload struct {
	Legs []OrderPayload `json:"legs"`
}

// AdvancedPayload carries legs plus relationship metadata the core keeps
// opaque (collaborators interpret it).
type AdvancedPayload struct {
	Legs         []OrderPayload  `json:"legs"`
	Relationship json.RawMessage `json:"relationship,omitempty"`
}

// StrategyAction is a lifecycle verb for a registered strategy.
type StrategyAction string

const (
	ActionEntry     StrategyAction = "ENTRY"
	ActionExit      StrategyAction = "EXIT"
	ActionAdjust    StrategyAction = "ADJUST"
	ActionForceExit StrategyAction = "FORCE_EXIT"
)

// Valid reports whether the action is known.
func (a StrategyAction) Valid() bool {
	switch a {
	case ActionEntry, ActionExit, ActionAdjust, ActionForceExit:
		return true
	}
	return false
}

// StrategyPayload is the STRATEGY intent body.
type StrategyPayload struct {
	StrategyName   string          `json:"strategy_name"`
	Action         StrategyAction  `json:"action"`
	Reason         string          `json:"reason,omitempty"`
	OverrideConfig json.RawMessage `json:"override_config,omitempty"`
}

// Broker control operations. The broker contract exposes no cancel/modify,
// so controls are limited to square-off and reconcile.
const (
	ControlSquareOff = "SQUARE_OFF"
	ControlReconcile = "RECONCILE"
)

// BrokerControlPayload is the BROKER_CONTROL intent body.
type BrokerControlPayload struct {
	Operation string   `json:"operation"`
	Scope     string   `json:"scope,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`
	Product   string   `json:"product,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// ExitScope selects which positions an exit request covers.
type ExitScope string

const (
	ExitScopeAll     ExitScope = "ALL"
	ExitScopeSymbols ExitScope = "SYMBOLS"
)

// ProductScope filters exits by product bucket. CNC is always excluded
// regardless of scope.
type ProductScope string

const (
	ProductScopeMIS  ProductScope = "MIS"
	ProductScopeNRML ProductScope = "NRML"
	ProductScopeAll  ProductScope = "ALL"
)

// Matches reports whether a position product falls inside the scope. CNC
// never matches.
func (ps ProductScope) Matches(p Product) bool {
	if p == ProductCNC {
		return false
	}
	switch ps {
	case ProductScopeAll, "":
		return p == ProductMIS || p == ProductNRML
	case ProductScopeMIS:
		return p == ProductMIS
	case ProductScopeNRML:
		return p == ProductNRML
	}
	return false
}
