package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures for propagation across the ledger, cache and manager layers.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindInvalidConfig     Kind = "INVALID_CONFIG"
	KindInvalidPhase      Kind = "INVALID_PHASE"
	KindNotFound          Kind = "NOT_FOUND"
	KindLedgerUnavailable Kind = "LEDGER_UNAVAILABLE"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindDuplicateStake    Kind = "DUPLICATE_STAKE"
	KindAlreadyJoined     Kind = "ALREADY_JOINED"
	KindRoomFull          Kind = "ROOM_FULL"
	KindTimedOut          Kind = "TIMED_OUT"
	KindReverted          Kind = "REVERTED"
	KindConflict          Kind = "CONFLICT"
)

type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Message == ""
	}
	return false
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInvalidConfig     = &Error{Kind: KindInvalidConfig}
	ErrInvalidPhase      = &Error{Kind: KindInvalidPhase}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrLedgerUnavailable = &Error{Kind: KindLedgerUnavailable, Retryable: true}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrDuplicateStake    = &Error{Kind: KindDuplicateStake}
	ErrAlreadyJoined     = &Error{Kind: KindAlreadyJoined}
	ErrRoomFull          = &Error{Kind: KindRoomFull}
	ErrTimedOut          = &Error{Kind: KindTimedOut, Retryable: true}
	ErrReverted          = &Error{Kind: KindReverted}
	ErrConflict          = &Error{Kind: KindConflict}
)

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: kind == KindLedgerUnavailable || kind == KindTimedOut}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err, Retryable: kind == KindLedgerUnavailable || kind == KindTimedOut}
}

// KindOf returns the classification of err, or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification anywhere in its chain.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
