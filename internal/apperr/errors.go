package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error kind. Codes are stable strings surfaced to clients.
type Code string

const (
	// Envelope
	CodeInvalidPubkey     Code = "INVALID_PUBKEY"
	CodeInvalidSignature  Code = "INVALID_SIGNATURE"
	CodeSignatureMismatch Code = "SIGNATURE_MISMATCH"
	CodeTypeMismatch      Code = "TYPE_MISMATCH"
	CodeExpired           Code = "EXPIRED"
	CodeMalformedPayload  Code = "MALFORMED_PAYLOAD"
	CodeAddressMismatch   Code = "ADDRESS_MISMATCH"

	// Admission
	CodeNonceNotMonotonic Code = "NONCE_NOT_MONOTONIC"
	CodeUnknownSender     Code = "UNKNOWN_SENDER"

	// Domain
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeMarketNotFound        Code = "MARKET_NOT_FOUND"
	CodeMarketClosed          Code = "MARKET_CLOSED"
	CodeMarketAlreadyResolved Code = "MARKET_ALREADY_RESOLVED"
	CodeInvalidOutcomeIndex   Code = "INVALID_OUTCOME_INDEX"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeEscrowStateInvalid    Code = "ESCROW_STATE_INVALID"
	CodeUnknownAccount        Code = "UNKNOWN_ACCOUNT"
	CodeNameTaken             Code = "NAME_TAKEN"
	CodeValidation            Code = "VALIDATION"
	CodeReceiptNotFound       Code = "RECEIPT_NOT_FOUND"

	// Administrative
	CodeNegativeBalance Code = "NEGATIVE_BALANCE"
	CodeNotAuthorized   Code = "NOT_AUTHORIZED"

	// Internal
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	CodeSnapshotInvalid    Code = "SNAPSHOT_INVALID"
)

// Category groups codes by where in the pipeline they are raised.
type Category string

const (
	CategoryEnvelope       Category = "envelope"
	CategoryAdmission      Category = "admission"
	CategoryDomain         Category = "domain"
	CategoryAdministrative Category = "administrative"
	CategoryInternal       Category = "internal"
	CategorySnapshot       Category = "snapshot"
)

// Category returns the category a code belongs to.
func (c Code) Category() Category {
	switch c {
	case CodeInvalidPubkey, CodeInvalidSignature, CodeSignatureMismatch,
		CodeTypeMismatch, CodeExpired, CodeMalformedPayload, CodeAddressMismatch:
		return CategoryEnvelope
	case CodeNonceNotMonotonic, CodeUnknownSender:
		return CategoryAdmission
	case CodeNegativeBalance, CodeNotAuthorized:
		return CategoryAdministrative
	case CodeInvariantViolation:
		return CategoryInternal
	case CodeSnapshotInvalid:
		return CategorySnapshot
	default:
		return CategoryDomain
	}
}

// Error is the single error type returned by the ledger packages.
type Error struct {
	Code    Code
	Message string
	Details map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match two *Error values by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New builds an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With attaches a detail key to the error and returns it.
func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Sentinel returns a bare *Error usable as an errors.Is target.
func Sentinel(code Code) error {
	return &Error{Code: code}
}
