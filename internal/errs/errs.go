// Package errs defines the engine's error taxonomy. Callers branch on Kind,
// never on message text.
package errs

import (
	"errors"
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Kind classifies a failure.
type Kind int

const (
	Internal Kind = iota
	NotFound
	InvalidInput
	InsufficientFunds
	InsufficientShares
	InsufficientInventory
	Unauthorized
	Conflict
	Busy
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidInput:
		return "invalid_input"
	case InsufficientFunds:
		return "insufficient_funds"
	case InsufficientShares:
		return "insufficient_shares"
	case InsufficientInventory:
		return "insufficient_inventory"
	case Unauthorized:
		return "unauthorized"
	case Conflict:
		return "conflict"
	case Busy:
		return "busy"
	default:
		return "internal"
	}
}

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "trade.Buy"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a formatted message.
func E(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Already classified errors keep their kind.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether resubmitting the same request may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Busy, Internal:
		return err != nil
	}
	return false
}

// USD formats an amount for user-facing messages, e.g. "$1,750.00".
func USD(amount decimal.Decimal) string {
	cents := amount.Shift(2).Round(0).IntPart()
	return money.New(cents, money.USD).Display()
}
