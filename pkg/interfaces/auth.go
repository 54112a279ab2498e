package interfaces

import (
	"context"

	"marketrelay/pkg/types"
)

// IdentityVerifier turns a bearer token issued by the auth collaborator into an identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (types.Identity, error)
}
