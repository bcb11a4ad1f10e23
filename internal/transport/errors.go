package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrUntrustedCertificate is returned when a client chain fails strict validation.
	ErrUntrustedCertificate = errors.New("client certificate not trusted")
	// ErrNoClientCertificate is returned when a certificate is required but none was sent.
	ErrNoClientCertificate = errors.New("no client certificate presented")
)

// HandshakeError describes a failed TLS handshake. It is confined to the
// socket it happened on: the terminator closes that socket and keeps serving.
type HandshakeError struct {
	Endpoint   string
	RemoteAddr string
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake on %s from %s: %v", e.Endpoint, e.RemoteAddr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Reason is a short label for metrics and logs.
func (e *HandshakeError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrUntrustedCertificate):
		return "untrusted_certificate"
	case errors.Is(e.Err, ErrNoClientCertificate):
		return "no_client_certificate"
	case errors.Is(e.Err, context.DeadlineExceeded), errors.Is(e.Err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(e.Err, context.Canceled):
		return "canceled"
	default:
		return "handshake_failed"
	}
}
