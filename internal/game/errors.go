package game

import "errors"

// Code is a machine-readable error code returned to the request layer.
type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeRoundNotAcceptingBets Code = "ROUND_NOT_ACCEPTING_BETS"
	CodeBetNotActive          Code = "BET_NOT_ACTIVE"
	CodeRoundNotFlying        Code = "ROUND_NOT_FLYING"
	CodeMultiplierExceeds     Code = "MULTIPLIER_EXCEEDS_CRASH"
	CodeRoundNotFound         Code = "ROUND_NOT_FOUND"
	CodeAlreadySettled        Code = "ALREADY_SETTLED"
	CodeBetNotFound           Code = "BET_NOT_FOUND"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeInvalidAutoCashout    Code = "INVALID_AUTO_CASHOUT"
	CodeInvalidMultiplier     Code = "INVALID_MULTIPLIER"
	CodeInvalidEntryType      Code = "INVALID_ENTRY_TYPE"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeRoundNotRevealed      Code = "ROUND_NOT_REVEALED"
	CodeActiveRoundExists     Code = "ACTIVE_ROUND_EXISTS"
	CodeTransient             Code = "TRANSIENT"
)

// Error is the tagged error returned by lifecycle and ledger operations.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrInsufficientBalance   = newError(CodeInsufficientBalance, "insufficient balance")
	ErrRoundNotAcceptingBets = newError(CodeRoundNotAcceptingBets, "round is not accepting bets")
	ErrBetNotActive          = newError(CodeBetNotActive, "bet is not active")
	ErrRoundNotFlying        = newError(CodeRoundNotFlying, "round is not flying")
	ErrMultiplierExceeds     = newError(CodeMultiplierExceeds, "multiplier exceeds crash point")
	ErrRoundNotFound         = newError(CodeRoundNotFound, "round not found")
	ErrAlreadySettled        = newError(CodeAlreadySettled, "bet already settled")
	ErrBetNotFound           = newError(CodeBetNotFound, "bet not found")
	ErrInvalidAmount         = newError(CodeInvalidAmount, "invalid amount")
	ErrInvalidAutoCashout    = newError(CodeInvalidAutoCashout, "auto cashout must be above 1.00")
	ErrInvalidMultiplier     = newError(CodeInvalidMultiplier, "invalid multiplier")
	ErrInvalidEntryType      = newError(CodeInvalidEntryType, "entry type cannot be credited externally")
	ErrInvalidTransition     = newError(CodeInvalidTransition, "invalid round transition")
	ErrRoundNotRevealed      = newError(CodeRoundNotRevealed, "round seed not revealed yet")
	ErrActiveRoundExists     = newError(CodeActiveRoundExists, "a non-terminal round already exists")
	ErrTransient             = newError(CodeTransient, "transient store failure")
)

// Transient marks a store failure as safe to retry from scratch.
func Transient(cause error) error {
	return wrapError(CodeTransient, "transient store failure", cause)
}

// IsTransient reports whether err should trigger a retry of the whole atomic unit.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// CodeOf extracts the code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
