package signal

import (
	"errors"
	"fmt"

	"github.com/dkeye/Hearth/internal/domain"
)

var ErrRateLimited = fmt.Errorf("%w: too many events", domain.ErrResourceExhausted)

// codeOf maps an error onto the ack error code.
func codeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return "unauthenticated"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, domain.ErrTransportFailure):
		return "transport_failure"
	}
	return "internal"
}

// messageOf hides the detail of errors outside the domain taxonomy.
func messageOf(err error) string {
	if codeOf(err) == "internal" {
		return "internal error"
	}
	return err.Error()
}
