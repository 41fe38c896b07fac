package coordinator

import (
	"errors"
	"fmt"

	"vizmon/internal/models"
)

var ErrUnknownMode = errors.New("unknown mode")

// DisposalFailure is one service or handle that failed to tear down. The
// remaining resources of the mode are still torn down.
type DisposalFailure struct {
	Mode     models.Mode
	Resource string
	Err      error
}

func (e *DisposalFailure) Error() string {
	return fmt.Sprintf("dispose %s/%s: %v", e.Mode, e.Resource, e.Err)
}

func (e *DisposalFailure) Unwrap() error { return e.Err }

// ActivationFailure is one service that did not start. The mode is still
// considered active.
type ActivationFailure struct {
	Mode     models.Mode
	Resource string
	Err      error
}

func (e *ActivationFailure) Error() string {
	return fmt.Sprintf("start %s/%s: %v", e.Mode, e.Resource, e.Err)
}

func (e *ActivationFailure) Unwrap() error { return e.Err }
