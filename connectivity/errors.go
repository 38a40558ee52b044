package connectivity

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/spacebridge/faults"
)

// ErrServiceNotFound is returned by Call for a service with no route and no
// local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrCircuitOpen is returned while the breaker of a service is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrRemoteStatus is a non-2xx answer from an HTTP route.
type ErrRemoteStatus struct {
	Status int
	Body   string
}

func (e *ErrRemoteStatus) Error() string {
	return fmt.Sprintf("connectivity/http: status %d: %s", e.Status, e.Body)
}

// ErrPanic wraps a recovered handler panic.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// IsPermanent reports whether retrying err cannot help: domain rejections,
// invalid arguments, an open circuit, or a 4xx from a remote.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if faults.IsTransient(err) {
		return false
	}
	var (
		co  *ErrCircuitOpen
		rs  *ErrRemoteStatus
		ce  *faults.CapacityError
		be  *faults.BalanceError
		oe  *faults.OwnershipError
		nf  *faults.NotFoundError
		snf *ErrServiceNotFound
	)
	switch {
	case errors.Is(err, faults.ErrInvalidArgument),
		errors.As(err, &co),
		errors.As(err, &ce),
		errors.As(err, &be),
		errors.As(err, &oe),
		errors.As(err, &nf),
		errors.As(err, &snf):
		return true
	case errors.As(err, &rs):
		return rs.Status >= 400 && rs.Status < 500
	}
	return false
}
