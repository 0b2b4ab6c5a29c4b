// Package statemachine is the single authority on order status transitions.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/order-service/internal/model"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// InvalidTransitionError carries both sides of a rejected transition.
type InvalidTransitionError struct {
	From model.OrderStatus
	To   model.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Terminal and unknown statuses have no entry.
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.StatusCreated:        {model.StatusVendorAccepted, model.StatusVendorRejected, model.StatusCancelled},
	model.StatusVendorAccepted: {model.StatusPreparing, model.StatusCancelled},
	model.StatusPreparing:      {model.StatusReady},
	model.StatusReady:          {model.StatusOutForDelivery},
	model.StatusOutForDelivery: {model.StatusDelivered},
}

// Allowed returns the statuses reachable from current in one step.
func Allowed(current model.OrderStatus) []model.OrderStatus {
	next := transitions[current]
	out := make([]model.OrderStatus, len(next))
	copy(out, next)
	return out
}

func CanTransition(current, next model.OrderStatus) bool {
	for _, s := range transitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// Validate returns an *InvalidTransitionError when the move is not allowed.
func Validate(current, next model.OrderStatus) error {
	if !CanTransition(current, next) {
		return &InvalidTransitionError{From: current, To: next}
	}
	return nil
}

func IsTerminal(s model.OrderStatus) bool {
	return len(transitions[s]) == 0
}
