// Package greeter implements the service operations. Handlers receive the
// caller identity as a parameter and hold no authorization logic: access is
// decided by the requirement each operation declares in Operations.
package greeter

import (
	"fmt"

	"github.com/wolfeidau/mtlsgreeter/internal/auth"
	"github.com/wolfeidau/mtlsgreeter/internal/identity"
)

const (
	OperationGreet      = "Greet"
	OperationSecureInfo = "SecureInfo"
)

// Operations declares the access requirement of every operation.
var Operations = map[string]auth.Requirement{
	OperationGreet:      auth.Open,
	OperationSecureInfo: auth.RequiresAuthentication,
}

// Requirement returns the declared requirement of operation. Undeclared
// operations require authentication.
func Requirement(operation string) auth.Requirement {
	req, ok := Operations[operation]
	if !ok {
		return auth.RequiresAuthentication
	}
	return req
}

// Greet returns a greeting for name that describes the caller's certificate.
func Greet(name string, id identity.Identity) string {
	if !id.IsAuthenticated() {
		return fmt.Sprintf("Hello %s! No client certificate provided.", name)
	}
	return fmt.Sprintf("Hello %s! Your client certificate subject is: %s (thumbprint %s)", name, id.Subject, id.Thumbprint)
}

// SecureInfo describes the authenticated caller. It is only reached after
// the gate admitted the call.
func SecureInfo(id identity.Identity) string {
	msg := fmt.Sprintf("Secure operation completed. Client certificate thumbprint: %s, issuer: %s", id.Thumbprint, id.Issuer)
	if id.SPIFFEID != "" {
		msg += " spiffe id: " + id.SPIFFEID
	}
	return msg
}
