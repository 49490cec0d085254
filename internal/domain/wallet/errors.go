package wallet

import (
	"errors"
	"fmt"
)

var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrTransactionNotFound     = errors.New("wallet transaction not found")
	ErrInvalidOwner            = errors.New("wallet owner must be exactly one of user or organization")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded for wallet")
	ErrInvalidStatusTransition = errors.New("invalid wallet status transition")
	ErrInvalidFilter           = errors.New("invalid transaction filter")

	// ErrVersionConflict is returned by a store when a conditional update matched no row.
	ErrVersionConflict = errors.New("wallet version conflict")

	// ErrConcurrentModification means another writer changed the wallet between
	// read and write. Callers retry with backoff; see RetryOnConflict.
	ErrConcurrentModification = errors.New("concurrent wallet modification")

	// ErrLedgerRowMissing means the wallet write landed but its ledger row did not.
	// The idempotency key stays reserved and the reconciliation sweep reports the wallet.
	ErrLedgerRowMissing = errors.New("wallet updated without ledger row")

	// ErrWriteUnverified means the conditional update succeeded but the read
	// confirming it failed. The wallet must be treated as changed.
	ErrWriteUnverified = errors.New("wallet write could not be verified")

	ErrInternal = errors.New("internal error")
)

// ErrorCode classifies a rejected ledger operation.
type ErrorCode string

const (
	CodeValidation              ErrorCode = "validation_error"
	CodeAlreadyProcessed        ErrorCode = "already_processed"
	CodeWalletNotFound          ErrorCode = "wallet_not_found"
	CodeWalletFrozen            ErrorCode = "wallet_frozen"
	CodeWalletClosed            ErrorCode = "wallet_closed"
	CodeInsufficientBalance     ErrorCode = "insufficient_balance"
	CodeInsufficientLocked      ErrorCode = "insufficient_locked_balance"
	CodeRateLimitExceeded       ErrorCode = "rate_limit_exceeded"
	CodeDailyTopupLimitExceeded ErrorCode = "daily_topup_limit_exceeded"
	CodeConcurrentModification  ErrorCode = "concurrent_modification"
)

// OperationError is the typed failure carried in a Result. Required and
// Available are set for funds errors so callers can show the shortfall.
type OperationError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Required  int64     `json:"required,omitempty"`
	Available int64     `json:"available,omitempty"`
}

func (e *OperationError) Error() string {
	if e.Required > 0 {
		return fmt.Sprintf("%s: %s (required %d, available %d)", e.Code, e.Message, e.Required, e.Available)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Shortfall is how much is missing for a funds error.
func (e *OperationError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

func newOpError(code ErrorCode, msg string) *OperationError {
	return &OperationError{Code: code, Message: msg}
}

func fundsError(code ErrorCode, msg string, required, available int64) *OperationError {
	return &OperationError{Code: code, Message: msg, Required: required, Available: available}
}

func statusError(s Status) *OperationError {
	switch s {
	case StatusFrozen:
		return newOpError(CodeWalletFrozen, "wallet is frozen")
	case StatusClosed:
		return newOpError(CodeWalletClosed, "wallet is closed")
	}
	return newOpError(CodeValidation, fmt.Sprintf("unknown wallet status %q", s))
}
