package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
)

// Connection is an established client connection on one endpoint. It is
// immutable once handed to the RPC server and owned by that single socket.
type Connection struct {
	ID                 string
	Endpoint           endpoint.Descriptor
	RemoteAddr         string
	EstablishedAt      time.Time
	TLSEstablished     bool
	TLSVersion         uint16
	NegotiatedProtocol string

	peer *credential.Certificate
}

// PeerCertificate returns the verified client certificate, if any. It is
// safe to call on a nil Connection.
func (c *Connection) PeerCertificate() (*credential.Certificate, bool) {
	if c == nil || c.peer == nil {
		return nil, false
	}
	return c.peer, true
}

// MarshalZerologObject adds the connection to a log event.
func (c *Connection) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", c.ID).
		Str("endpoint", c.Endpoint.Name).
		Str("remote_addr", c.RemoteAddr).
		Bool("tls", c.TLSEstablished)
	if c.TLSEstablished {
		e.Str("tls_version", tls.VersionName(c.TLSVersion)).
			Str("alpn", c.NegotiatedProtocol)
	}
	if c.peer != nil {
		e.Str("peer_subject", c.peer.Subject())
	}
}

// NewConnection describes a connection on desc. peer is nil when no client
// certificate was accepted. Plaintext connections never carry one.
func NewConnection(desc endpoint.Descriptor, remoteAddr string, peer *credential.Certificate) *Connection {
	if desc.Scheme != endpoint.SchemeTLS {
		peer = nil
	}
	return &Connection{
		ID:             uuid.NewString(),
		Endpoint:       desc,
		RemoteAddr:     remoteAddr,
		EstablishedAt:  time.Now(),
		TLSEstablished: desc.Scheme == endpoint.SchemeTLS,
		peer:           peer,
	}
}

type connectionKey struct{}

// ContextWithConnection attaches conn to ctx.
func ContextWithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey{}, conn)
}

// ConnectionFromContext returns the connection a request arrived on.
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey{}).(*Connection)
	return conn, ok && conn != nil
}
