package auth

import (
	"context"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// Provider validates coach bearer tokens. Local validation is the development
// path; remote validation delegates to the product auth service.
type Provider interface {
	ValidateTokenLocal(token string) (*internal.User, error)
	ValidateTokenRemote(ctx context.Context, token string) (*internal.User, error)
}
