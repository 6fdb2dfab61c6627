package apperr

import "errors"

// Kinds shared across the core. Packages wrap these (or embed them in an
// Error) so transport code can classify failures with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrForbidden           = errors.New("forbidden")
	ErrBadRequest          = errors.New("bad request")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrAlreadyUsed         = errors.New("already used")
	ErrBelowMinimum        = errors.New("below minimum")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Error pairs a user-facing message with one of the kinds above.
type Error struct {
	Kind    error
	Message string
}

func New(kind error, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// IsPolicy reports whether err is a coupon or wallet policy violation that
// should be surfaced to the user as-is.
func IsPolicy(err error) bool {
	for _, k := range []error{ErrLimitExceeded, ErrAlreadyUsed, ErrBelowMinimum, ErrInsufficientBalance, ErrInvalidAmount} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
