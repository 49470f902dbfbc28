package settlement

import "errors"

// Kind groups settlement errors by who can correct them.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindState         Kind = "STATE"
	KindAuthorization Kind = "AUTHORIZATION"
	KindOutcome       Kind = "OUTCOME"
	KindArithmetic    Kind = "ARITHMETIC"
	KindNotFound      Kind = "NOT_FOUND"
	KindInternal      Kind = "INTERNAL"
)

// Error is a typed settlement rejection. Sentinels are compared with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Validation errors.
var (
	ErrQuestionTooLong = newError(KindValidation, "QUESTION_TOO_LONG", "question exceeds maximum length")
	ErrStakeTooLow     = newError(KindValidation, "STAKE_TOO_LOW", "stake amount below minimum")
	ErrInvalidDeadline = newError(KindValidation, "INVALID_DEADLINE", "deadline must be in the future")
	ErrInvalidCategory = newError(KindValidation, "INVALID_CATEGORY", "unknown market category")
	ErrInvalidType     = newError(KindValidation, "INVALID_MARKET_TYPE", "unknown market type")
	ErrInvalidIdentity = newError(KindValidation, "INVALID_IDENTITY", "identity must not be the zero address")
	ErrInvalidAmount   = newError(KindValidation, "INVALID_AMOUNT", "amount must be positive")
)

// State errors.
var (
	ErrMarketExists       = newError(KindState, "MARKET_EXISTS", "market already exists")
	ErrMarketNotActive    = newError(KindState, "MARKET_NOT_ACTIVE", "market is not active")
	ErrMarketExpired      = newError(KindState, "MARKET_EXPIRED", "market has expired")
	ErrMarketNotExpired   = newError(KindState, "MARKET_NOT_EXPIRED", "market has not expired yet")
	ErrMarketNotResolved  = newError(KindState, "MARKET_NOT_RESOLVED", "market is not resolved yet")
	ErrMarketNotCancelled = newError(KindState, "MARKET_NOT_CANCELLED", "market is not cancelled")
	ErrCannotCancel       = newError(KindState, "CANNOT_CANCEL", "cannot cancel market with participants or outside pending state")
	ErrPredictionMismatch = newError(KindState, "PREDICTION_MISMATCH", "bettor already holds a position on the other side")
)

// Authorization errors.
var (
	ErrUnauthorized = newError(KindAuthorization, "UNAUTHORIZED", "only the creator can perform this action")
)

// Outcome errors.
var (
	ErrNoOutcome      = newError(KindOutcome, "NO_OUTCOME", "no outcome set for market")
	ErrNotAWinner     = newError(KindOutcome, "NOT_A_WINNER", "participant did not win this market")
	ErrAlreadyClaimed = newError(KindOutcome, "ALREADY_CLAIMED", "payout already claimed")
)

// Arithmetic and integrity errors.
var (
	ErrArithmeticOverflow = newError(KindArithmetic, "ARITHMETIC_OVERFLOW", "arithmetic overflow")
	ErrEmptyWinningPool   = newError(KindArithmetic, "EMPTY_WINNING_POOL", "winning pool is empty")
	ErrZeroPayout         = newError(KindArithmetic, "ZERO_PAYOUT", "payout rounds to zero")
	ErrInsufficientEscrow = newError(KindArithmetic, "INSUFFICIENT_ESCROW", "escrow balance below payout")
	ErrInsufficientFunds  = newError(KindArithmetic, "INSUFFICIENT_FUNDS", "bettor balance below stake")
)

// Lookup errors.
var (
	ErrMarketNotFound      = newError(KindNotFound, "MARKET_NOT_FOUND", "market not found")
	ErrParticipantNotFound = newError(KindNotFound, "PARTICIPANT_NOT_FOUND", "participant not found")
)

// KindOf returns the kind of a settlement error, or KindInternal for
// anything else (storage outages, cancelled contexts).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of a settlement error, or "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return string(KindInternal)
}
