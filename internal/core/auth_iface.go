package core

import (
	"context"

	"github.com/dkeye/Hearth/internal/domain"
)

//go:generate mockgen -source=auth_iface.go -destination=mocks/auth_mock.go -package=mocks

// AuthService verifies the credential presented in the signaling handshake.
// Failures wrap domain.ErrAuthentication.
type AuthService interface {
	Verify(ctx context.Context, credential string) (domain.UserID, error)
}
