package core

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error so the REST layer can map it to a status
// code in exactly one place.
type Kind int

const (
	KindInternal Kind = iota
	KindClientInput
	KindAuthFailure
	KindDuplicateOrderID
	KindPairNotSupported
	KindInsufficientFunds
	KindFOKUnfillable
	KindMarketUnfillable
	KindSettlementFailed
	KindUpstreamUnavailable
	KindNotFound
	KindNotOwner
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "ClientInput"
	case KindAuthFailure:
		return "AuthFailure"
	case KindDuplicateOrderID:
		return "DuplicateOrderId"
	case KindPairNotSupported:
		return "PairNotSupported"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindFOKUnfillable:
		return "FOKUnfillable"
	case KindMarketUnfillable:
		return "MarketUnfillable"
	case KindSettlementFailed:
		return "SettlementFailed"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindNotFound:
		return "NotFound"
	case KindNotOwner:
		return "NotOwner"
	default:
		return "Internal"
	}
}

// Error carries a Kind alongside the message. It wraps an underlying cause
// when one exists.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds a kinded error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
