package ledger

import "errors"

var (
	// ErrNotAuthorized is returned when the caller has no active membership or
	// an insufficient role for the target organization
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound is returned when an organization, plan, package, entry or
	// record does not exist. More specific not-found errors match it via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrBalanceNotFound is returned by storage when an organization has no balance yet
	ErrBalanceNotFound = &notFoundError{msg: "balance not found"}

	// ErrInsufficientCredits is returned when a consume request exceeds the consumable credits
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidPayload is returned when an inbound event misses required fields
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrDuplicateEvent is returned when an event was already processed.
	// It signals an idempotent no-op, not a failure.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrDuplicateGrant is returned by storage when a transaction idempotency key
	// has already been applied. Nothing from the rejected mutation is committed.
	ErrDuplicateGrant = errors.New("duplicate grant")

	// ErrConflict is returned by storage when a concurrent write to the same
	// organization invalidated the snapshot. The engine retries on it.
	ErrConflict = errors.New("ledger write conflict")

	// ErrConflictRetryExhausted is returned when write contention could not be
	// resolved within the retry budget. Nothing was committed.
	ErrConflictRetryExhausted = errors.New("ledger conflict retry budget exhausted")

	// ErrInvalidAmount is returned for non-positive grant or consume amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidExpiry is returned when a grant expires at or before the time it is made
	ErrInvalidExpiry = errors.New("invalid expiry")

	// ErrInvalidCreditType is returned for unknown credit types
	ErrInvalidCreditType = errors.New("invalid credit type")

	// ErrMissingSource is returned when a grant has no source
	ErrMissingSource = errors.New("grant source is required")

	// ErrInvalidOrganization is returned when the organization id is empty
	ErrInvalidOrganization = errors.New("invalid organization id")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// notFoundError is a named not-found error that also matches ErrNotFound.
type notFoundError struct {
	msg string
}

func (e *notFoundError) Error() string { return e.msg }

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError returns a sentinel-style error that matches ErrNotFound with errors.Is.
// Other packages use it to declare their own not-found errors.
func NewNotFoundError(msg string) error {
	return &notFoundError{msg: msg}
}

// IsNotFound reports whether err is, or wraps, a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation that produced err can be retried
// as a whole without risk of double application.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrConflictRetryExhausted) ||
		errors.Is(err, ErrStorageUnavailable)
}
