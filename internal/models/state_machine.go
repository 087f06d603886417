package models

import "fmt"

// OrderStatus is the lifecycle state of an order record. The four names are
// wire-level: every collaborator that renders orders matches on them.
type OrderStatus string

const (
	StatusCreated      OrderStatus = "CREATED"
	StatusSentToBroker OrderStatus = "SENT_TO_BROKER"
	StatusExecuted     OrderStatus = "EXECUTED"
	StatusFailed       OrderStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Valid reports whether the status is one of the four lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusSentToBroker, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// StatusTransition defines one allowed edge of the order state machine.
type StatusTransition struct {
	From        OrderStatus
	To          OrderStatus
	Condition   string
	Description string
}

// ValidStatusTransitions is the complete edge set. There are no back
// transitions and no edges out of a terminal status.
var ValidStatusTransitions = []StatusTransition{
	{StatusCreated, StatusSentToBroker, "broker_submit", "Command handed to the broker"},
	{StatusCreated, StatusFailed, "blocked", "A blocker denied the command before any broker call"},
	{StatusSentToBroker, StatusExecuted, "broker_complete", "Broker reports the order complete"},
	{StatusSentToBroker, StatusFailed, "broker_terminal", "Broker rejected, cancelled, expired or was unreachable"},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to OrderStatus) bool {
	for _, t := range ValidStatusTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// AllowedSources returns every status that may legally transition to target.
// The repository uses this to build its compare-and-set updates.
func AllowedSources(target OrderStatus) []OrderStatus {
	var from []OrderStatus
	for _, t := range ValidStatusTransitions {
		if t.To == target {
			from = append(from, t.From)
		}
	}
	return from
}

// CheckTransition returns a descriptive error when from → to is not allowed,
// distinguishing terminal violations from plain invalid edges.
func CheckTransition(from, to OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("order already terminal in %s, cannot move to %s", from, to)
	}
	return fmt.Errorf("invalid order status transition %s -> %s", from, to)
}
