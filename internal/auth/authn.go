package auth

import (
	"context"
	"net/http"

	"connectrpc.com/authn"
	"github.com/wolfeidau/mtlsgreeter/internal/identity"
	"github.com/wolfeidau/mtlsgreeter/internal/transport"
)

// NewIdentityAuthFunc returns an authn.AuthFunc that resolves the caller from
// the connection the request arrived on. It never rejects: callers without an
// accepted client certificate are Anonymous and Authorize decides per operation.
func NewIdentityAuthFunc() authn.AuthFunc {
	return func(ctx context.Context, _ *http.Request) (any, error) {
		conn, _ := transport.ConnectionFromContext(ctx)
		return identity.Resolve(conn), nil
	}
}

// IdentityFromContext returns the identity set by the authn middleware.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := authn.GetInfo(ctx).(identity.Identity)
	return id, ok
}
