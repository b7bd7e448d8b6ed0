package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientEscrow  = errors.New("ledger: insufficient escrow")
	ErrOwnershipConflict   = errors.New("ledger: name is owned by another address")
	ErrFunctionUnavailable = errors.New("ledger: function is not available")
	ErrNotOwnerOrMissing   = errors.New("ledger: caller is not the owner or the function does not exist")
	ErrOperationNotFound   = errors.New("ledger: operation not found")
	ErrUnauthorizedCaller  = errors.New("ledger: caller is not the authority")
	ErrFunctionNotFound    = errors.New("ledger: function not found")
	ErrReverted            = errors.New("ledger: transaction reverted")
)

// RevertError is returned when a transaction or call was rejected by a
// contract. Err is one of the sentinel errors above.
type RevertError struct {
	Method string
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Err)
	}
	return fmt.Sprintf("%s: %s (reason %q)", e.Method, e.Err, e.Reason)
}

func (e *RevertError) Unwrap() error { return e.Err }

// revertReasons maps contract revert strings to sentinels. The legacy phrases
// are what the first generation of the contracts emitted.
var revertReasons = []struct {
	match string
	err   error
}{
	{"InsufficientEscrow", ErrInsufficientEscrow},
	{"OwnershipConflict", ErrOwnershipConflict},
	{"FunctionUnavailable", ErrFunctionUnavailable},
	{"NotOwnerOrMissing", ErrNotOwnerOrMissing},
	{"OperationNotFound", ErrOperationNotFound},
	{"Unauthorized", ErrUnauthorizedCaller},
	{"FunctionNotFound", ErrFunctionNotFound},
	{"the function is not available", ErrFunctionUnavailable},
	{"you sent is inappropriate", ErrInsufficientEscrow},
	{"you dont have permission to deploy or overwrite", ErrOwnershipConflict},
	{"dev address has no permission", ErrNotOwnerOrMissing},
	{"no longer exist", ErrOperationNotFound},
	{"caller is not the owner", ErrUnauthorizedCaller},
	{"Only whitelist addresses", ErrUnauthorizedCaller},
}

// NewRevertError classifies a revert reason string.
func NewRevertError(method, reason string) *RevertError {
	for _, r := range revertReasons {
		if strings.Contains(reason, r.match) {
			return &RevertError{Method: method, Reason: reason, Err: r.err}
		}
	}
	return &RevertError{Method: method, Reason: reason, Err: ErrReverted}
}

// IsAuthorization reports whether err is a request-time rejection: the
// operation never existed, so nothing needs settling.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrInsufficientEscrow) ||
		errors.Is(err, ErrOwnershipConflict) ||
		errors.Is(err, ErrFunctionUnavailable) ||
		errors.Is(err, ErrNotOwnerOrMissing)
}

// IsRevert reports whether err came from a contract rejecting the call, as
// opposed to a transport or signing failure.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}
