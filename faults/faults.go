// Package faults defines the error taxonomy shared by the registry, the
// allocator and the ledger. Callers inspect errors with errors.As.
package faults

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks a request rejected before any state was read.
var ErrInvalidArgument = errors.New("invalid argument")

// Invalid wraps ErrInvalidArgument with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// CapacityError reports an allocation the candidate bridges cannot cover.
type CapacityError struct {
	Requested int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity: requested %d bytes, short by %d bytes", e.Requested, e.Shortfall())
}

// Shortfall is the number of bytes missing.
func (e *CapacityError) Shortfall() int64 {
	if e.Available >= e.Requested {
		return 0
	}
	return e.Requested - e.Available
}

// BalanceError reports an account (or pool) that cannot cover an amount.
// Amounts are decimal strings.
type BalanceError struct {
	Account   string
	Required  string
	Available string
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: required %s, available %s", e.Account, e.Required, e.Available)
}

// OwnershipError reports an actor trying to trade an asset it does not own,
// or buying its own listing.
type OwnershipError struct {
	Asset string
	Actor string
	Owner string
}

func (e *OwnershipError) Error() string {
	if e.Actor == e.Owner {
		return fmt.Sprintf("ownership: %s already owns %s", e.Actor, e.Asset)
	}
	return fmt.Sprintf("ownership: %s does not own %s (owner %q)", e.Actor, e.Asset, e.Owner)
}

// NotFoundError reports an unknown entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// TransientError wraps a collaborator or persistence failure worth retrying.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as a TransientError, nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Cause: err}
}

// IsTransient reports whether err (or anything it wraps) is transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
