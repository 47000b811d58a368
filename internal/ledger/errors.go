package ledger

import "errors"

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnknownUser         = errors.New("unknown user")
	ErrSameUser            = errors.New("same user")
	ErrStorageFailure      = errors.New("storage failure")

	ErrInvalidOrigin   = errors.New("invalid origin type")
	ErrInvalidLinks    = errors.New("invalid parent links")
	ErrEntryNotFound   = errors.New("entry not found")
	ErrBalanceMismatch = errors.New("balance mismatch")
)

// Error kinds are the stable, machine-readable names callers translate into
// user-facing messages.
const (
	KindOK                  = "ok"
	KindInsufficientBalance = "insufficient_balance"
	KindIdempotencyConflict = "idempotency_conflict"
	KindInvalidAmount       = "invalid_amount"
	KindUnknownUser         = "unknown_user"
	KindSameUser            = "same_user"
	KindStorageFailure      = "storage_failure"
	KindInvalidOrigin       = "invalid_origin"
	KindInvalidLinks        = "invalid_links"
	KindEntryNotFound       = "entry_not_found"
	KindBalanceMismatch     = "balance_mismatch"
	KindInternal            = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrIdempotencyConflict, KindIdempotencyConflict},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrUnknownUser, KindUnknownUser},
	{ErrSameUser, KindSameUser},
	{ErrInvalidOrigin, KindInvalidOrigin},
	{ErrInvalidLinks, KindInvalidLinks},
	{ErrEntryNotFound, KindEntryNotFound},
	{ErrBalanceMismatch, KindBalanceMismatch},
	{ErrStorageFailure, KindStorageFailure},
}

// Kind returns the structured kind of err, KindOK for nil and KindInternal
// for errors outside the taxonomy.
func Kind(err error) string {
	if err == nil {
		return KindOK
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}

	return KindInternal
}

// IsRetryable reports whether the caller may retry the operation with the
// same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// IsBusinessRule reports whether err is a rule violation that must be
// surfaced to the caller as-is and never retried automatically.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrSameUser) ||
		errors.Is(err, ErrInvalidOrigin)
}
