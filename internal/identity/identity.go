// Package identity turns the certificate presented on a connection into the
// caller identity seen by operation handlers.
package identity

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
)

// PeerCertificateProvider is implemented by anything that may carry a
// verified client certificate, typically a transport connection.
type PeerCertificateProvider interface {
	PeerCertificate() (*credential.Certificate, bool)
}

// Identity is the authenticated principal of a call, or the anonymous caller.
// The zero value is anonymous.
type Identity struct {
	authenticated bool

	Subject    string
	Issuer     string
	CommonName string
	Thumbprint string
	KeyID      string
	SPIFFEID   string
	NotAfter   time.Time
}

// Anonymous returns the identity of a caller without a client certificate.
func Anonymous() Identity {
	return Identity{}
}

// IsAuthenticated reports whether the identity was derived from a client certificate.
func (i Identity) IsAuthenticated() bool {
	return i.authenticated
}

func (i Identity) String() string {
	if !i.authenticated {
		return "anonymous"
	}
	return i.Subject
}

// MarshalZerologObject adds the identity to a log event.
func (i Identity) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("authenticated", i.authenticated)
	if !i.authenticated {
		return
	}
	e.Str("subject", i.Subject).
		Str("thumbprint", i.Thumbprint)
	if i.SPIFFEID != "" {
		e.Str("spiffe_id", i.SPIFFEID)
	}
}

// Resolve derives the identity for a connection. It does no I/O and never
// fails: a nil provider or a connection without a peer certificate yields
// Anonymous.
func Resolve(p PeerCertificateProvider) Identity {
	if p == nil {
		return Anonymous()
	}

	cert, ok := p.PeerCertificate()
	if !ok || cert == nil {
		return Anonymous()
	}

	return FromCertificate(cert)
}

// FromCertificate builds an authenticated identity from a certificate.
func FromCertificate(cert *credential.Certificate) Identity {
	id := Identity{
		authenticated: true,
		Subject:       cert.Subject(),
		Issuer:        cert.Issuer(),
		CommonName:    cert.CommonName(),
		Thumbprint:    cert.Thumbprint(),
		KeyID:         cert.KeyID(),
		NotAfter:      cert.NotAfter(),
	}
	if sid, ok := cert.SPIFFEID(); ok {
		id.SPIFFEID = sid.String()
	}
	return id
}
