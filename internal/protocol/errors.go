// Package protocol defines the typed error surface shared by the market,
// agreement, payment and supervisor packages.
//
// No raw transport error crosses a package boundary: every failure a caller
// can observe is a *protocol.Error carrying one of the codes below. Transient
// I/O failures are retried internally and never surface unless persistent.
package protocol

import (
	"errors"
	"fmt"
)

// Code categorizes protocol failures.
type Code string

const (
	// CodeValidation indicates a malformed or over-budget request
	// (e.g. an allocation exceeding the available balance).
	// Never retried; surfaced to the caller as-is.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound indicates a lookup against a released, expired or
	// unknown entity.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict indicates a state-machine guard violation
	// (second simultaneous activity, double agreement creation).
	// State is left unchanged.
	CodeConflict Code = "CONFLICT"

	// CodeTimeout indicates a deadline-based protocol breach. Handled by
	// forcing agreement termination, never by retrying the original
	// operation.
	CodeTimeout Code = "TIMEOUT"

	// CodeNegotiationExhausted indicates the counter-proposal exchange
	// exceeded its hard bound without reaching a fixed point. Terminal for
	// that negotiation attempt only.
	CodeNegotiationExhausted Code = "NEGOTIATION_EXHAUSTED"

	// CodeNoMatchingOffer indicates every candidate offer was rejected by
	// the caller's filter or constraints.
	CodeNoMatchingOffer Code = "NO_MATCHING_OFFER"

	// CodePeerUnresponsive indicates the counterpart did not reply within
	// the caller-supplied timeout.
	CodePeerUnresponsive Code = "PEER_UNRESPONSIVE"

	// CodeNoUsableDeposit indicates every candidate deposit refused the
	// reservation.
	CodeNoUsableDeposit Code = "NO_USABLE_DEPOSIT"

	// CodeInsufficientFunds indicates a spend against an allocation with
	// too little remaining.
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
)

// Error is a typed protocol failure with structured fields for diagnostics.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// AgreementID identifies the affected agreement, if any.
	AgreementID string

	// EntityID identifies the affected entity (proposal, allocation,
	// debit note, invoice), if any.
	EntityID string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.AgreementID != "" && e.EntityID != "":
		return fmt.Sprintf("%s: %s (agreement=%s, entity=%s)", e.Code, e.Message, e.AgreementID, e.EntityID)
	case e.AgreementID != "":
		return fmt.Sprintf("%s: %s (agreement=%s)", e.Code, e.Message, e.AgreementID)
	case e.EntityID != "":
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.EntityID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf constructs a protocol error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, or "" if err is not a
// protocol error. Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsValidation returns true for validation failures.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsNotFound returns true for lookups against unknown or expired entities.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsConflict returns true for state-machine guard violations.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsTimeout returns true for deadline-based protocol breaches.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsNegotiationExhausted returns true when a negotiation exceeded its
// exchange bound.
func IsNegotiationExhausted(err error) bool { return CodeOf(err) == CodeNegotiationExhausted }

// IsNoMatchingOffer returns true when no candidate offer passed filtering.
func IsNoMatchingOffer(err error) bool { return CodeOf(err) == CodeNoMatchingOffer }

// IsPeerUnresponsive returns true when the counterpart missed a reply
// deadline during negotiation.
func IsPeerUnresponsive(err error) bool { return CodeOf(err) == CodePeerUnresponsive }

// IsNoUsableDeposit returns true when every candidate deposit was exhausted.
func IsNoUsableDeposit(err error) bool { return CodeOf(err) == CodeNoUsableDeposit }

// IsInsufficientFunds returns true for over-budget spends.
func IsInsufficientFunds(err error) bool { return CodeOf(err) == CodeInsufficientFunds }
