// Package auth gates operations on the identity of the caller and maps
// authorization failures to and from structured RPC faults.
package auth

import (
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/wolfeidau/mtlsgreeter/internal/identity"
)

// Requirement is the access level an operation declares.
type Requirement int

const (
	// Open operations accept anonymous callers.
	Open Requirement = iota
	// RequiresAuthentication operations need a verified client certificate.
	RequiresAuthentication
)

func (r Requirement) String() string {
	switch r {
	case Open:
		return "open"
	case RequiresAuthentication:
		return "requires-authentication"
	default:
		return fmt.Sprintf("Requirement(%d)", int(r))
	}
}

// FaultHeader carries the machine readable fault kind on error responses.
const FaultHeader = "Greeter-Fault"

const (
	FaultAuthenticationRequired = "authentication-required"
	FaultAuthorizationDenied    = "authorization-denied"
)

// AuthenticationRequiredMessage is the caller visible text of an authentication fault.
const AuthenticationRequiredMessage = "Client certificate is required for this operation."

// AuthorizationError is the common form of every gate rejection.
type AuthorizationError struct {
	Operation string
	Reason    string
}

func (e *AuthorizationError) Error() string {
	if e.Operation == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Reason)
}

// AuthenticationRequiredError rejects an anonymous caller of an operation
// that requires a client certificate.
type AuthenticationRequiredError struct {
	Operation string
}

func (e *AuthenticationRequiredError) Error() string {
	return AuthenticationRequiredMessage
}

// As lets callers match any gate rejection with *AuthorizationError.
func (e *AuthenticationRequiredError) As(target any) bool {
	t, ok := target.(**AuthorizationError)
	if !ok {
		return false
	}
	*t = &AuthorizationError{Operation: e.Operation, Reason: AuthenticationRequiredMessage}
	return true
}

// Authorize checks id against req. It returns nil when the call may proceed.
func Authorize(operation string, id identity.Identity, req Requirement) error {
	switch req {
	case Open:
		return nil
	case RequiresAuthentication:
		if id.IsAuthenticated() {
			return nil
		}
		return &AuthenticationRequiredError{Operation: operation}
	default:
		return &AuthorizationError{Operation: operation, Reason: fmt.Sprintf("unknown requirement %s", req)}
	}
}

// IsAuthenticationRequired reports whether err is, or wraps, an authentication fault.
func IsAuthenticationRequired(err error) bool {
	var authErr *AuthenticationRequiredError
	return errors.As(err, &authErr)
}

// ConnectError converts a gate rejection to the fault returned to the caller.
// Other errors are returned unchanged.
func ConnectError(err error) error {
	var authnErr *AuthenticationRequiredError
	if errors.As(err, &authnErr) {
		cerr := connect.NewError(connect.CodeUnauthenticated, errors.New(AuthenticationRequiredMessage))
		cerr.Meta().Set(FaultHeader, FaultAuthenticationRequired)
		return cerr
	}

	var authzErr *AuthorizationError
	if errors.As(err, &authzErr) {
		cerr := connect.NewError(connect.CodePermissionDenied, errors.New(authzErr.Reason))
		cerr.Meta().Set(FaultHeader, FaultAuthorizationDenied)
		return cerr
	}

	return err
}

// FromConnectError rebuilds the typed fault from an RPC error received by a
// client. Errors that do not carry a fault are returned unchanged.
func FromConnectError(operation string, err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return err
	}

	switch cerr.Meta().Get(FaultHeader) {
	case FaultAuthenticationRequired:
		return &AuthenticationRequiredError{Operation: operation}
	case FaultAuthorizationDenied:
		return &AuthorizationError{Operation: operation, Reason: cerr.Message()}
	}

	if cerr.Code() == connect.CodeUnauthenticated {
		return &AuthenticationRequiredError{Operation: operation}
	}

	return err
}
