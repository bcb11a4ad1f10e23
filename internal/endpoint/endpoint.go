// Package endpoint describes the listening endpoints the service exposes: the
// port, whether the socket speaks TLS, and how client certificates are
// negotiated on it.
package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

// Scheme is the transport spoken on an endpoint.
type Scheme int

const (
	SchemePlain Scheme = iota + 1
	SchemeTLS
)

func (s Scheme) String() string {
	switch s {
	case SchemePlain:
		return "plain"
	case SchemeTLS:
		return "tls"
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

func (s Scheme) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Scheme) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "plain", "http":
		*s = SchemePlain
	case "tls", "https":
		*s = SchemeTLS
	default:
		return fmt.Errorf("unknown scheme %q (want plain or tls)", text)
	}
	return nil
}

// ClientCertPolicy controls whether a client certificate is requested during
// the handshake.
type ClientCertPolicy int

const (
	// PolicyNone never requests a client certificate.
	PolicyNone ClientCertPolicy = iota + 1
	// PolicyOptional requests one but completes the handshake without it.
	PolicyOptional
	// PolicyRequired fails the handshake when no acceptable certificate is presented.
	PolicyRequired
)

func (p ClientCertPolicy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyOptional:
		return "optional"
	case PolicyRequired:
		return "required"
	default:
		return fmt.Sprintf("ClientCertPolicy(%d)", int(p))
	}
}

func (p ClientCertPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *ClientCertPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "none":
		*p = PolicyNone
	case "optional":
		*p = PolicyOptional
	case "required":
		*p = PolicyRequired
	default:
		return fmt.Errorf("unknown client certificate policy %q (want none, optional or required)", text)
	}
	return nil
}

// Validation selects how presented client certificate chains are checked.
type Validation int

const (
	// ValidationStrict verifies the chain against the configured trust anchors,
	// the validity window and the client auth extended key usage.
	ValidationStrict Validation = iota
	// ValidationInsecureAcceptAny accepts any parseable certificate. It exists
	// for local demos only and is logged loudly whenever it is in effect.
	ValidationInsecureAcceptAny
)

func (v Validation) String() string {
	switch v {
	case ValidationStrict:
		return "strict"
	case ValidationInsecureAcceptAny:
		return "insecure-accept-any"
	default:
		return fmt.Sprintf("Validation(%d)", int(v))
	}
}

func (v Validation) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Validation) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "strict":
		*v = ValidationStrict
	case "insecure-accept-any":
		*v = ValidationInsecureAcceptAny
	default:
		return fmt.Errorf("unknown validation mode %q (want strict or insecure-accept-any)", text)
	}
	return nil
}

// Descriptor is the static configuration of one listening endpoint.
type Descriptor struct {
	Name             string           `yaml:"name"`
	Host             string           `yaml:"host,omitempty"`
	Port             int              `yaml:"port"`
	Scheme           Scheme           `yaml:"scheme"`
	ClientCertPolicy ClientCertPolicy `yaml:"client_cert_policy,omitempty"`
	Validation       Validation       `yaml:"validation,omitempty"`
}

// Addr returns the host:port the endpoint listens on.
func (d Descriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// RequestsClientCert reports whether the handshake asks for a client certificate.
func (d Descriptor) RequestsClientCert() bool {
	return d.Scheme == SchemeTLS && (d.ClientCertPolicy == PolicyOptional || d.ClientCertPolicy == PolicyRequired)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s %s policy=%s)", d.Name, d.Scheme, d.Addr(), d.ClientCertPolicy)
}

// WithDefaults fills in what a descriptor may leave implicit: a plain
// endpoint without a client certificate policy has policy None.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Scheme == SchemePlain && d.ClientCertPolicy == 0 {
		d.ClientCertPolicy = PolicyNone
	}
	return d
}

// Validate checks a single descriptor.
func (d Descriptor) Validate() error {
	d = d.WithDefaults()

	if d.Name == "" {
		return errors.New("endpoint name must be set")
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("endpoint %s: port %d out of range", d.Name, d.Port)
	}

	switch d.Scheme {
	case SchemePlain:
		if d.ClientCertPolicy != PolicyNone {
			return fmt.Errorf("endpoint %s: plain endpoints cannot request client certificates (policy %s)", d.Name, d.ClientCertPolicy)
		}
		if d.Validation != ValidationStrict {
			return fmt.Errorf("endpoint %s: validation mode %s has no effect on a plain endpoint", d.Name, d.Validation)
		}
	case SchemeTLS:
		switch d.ClientCertPolicy {
		case PolicyNone, PolicyOptional, PolicyRequired:
		default:
			return fmt.Errorf("endpoint %s: client_cert_policy must be set for tls endpoints", d.Name)
		}
	default:
		return fmt.Errorf("endpoint %s: scheme must be plain or tls", d.Name)
	}

	return nil
}

// Set is the immutable list of endpoints a server exposes.
type Set []Descriptor

// DefaultSet is a plaintext endpoint on 8080 and a TLS endpoint requiring a
// strictly validated client certificate on 8443.
func DefaultSet() Set {
	return Set{
		{Name: "plain", Port: 8080, Scheme: SchemePlain, ClientCertPolicy: PolicyNone},
		{Name: "tls", Port: 8443, Scheme: SchemeTLS, ClientCertPolicy: PolicyRequired, Validation: ValidationStrict},
	}
}

// WithDefaults applies Descriptor.WithDefaults to every endpoint.
func (s Set) WithDefaults() Set {
	out := make(Set, len(s))
	for i, d := range s {
		out[i] = d.WithDefaults()
	}
	return out
}

// Validate checks every descriptor and that names and non-ephemeral ports are unique.
func (s Set) Validate() error {
	if len(s) == 0 {
		return errors.New("at least one endpoint must be configured")
	}

	names := make(map[string]struct{}, len(s))
	ports := make(map[int]string, len(s))
	for _, d := range s {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, ok := names[d.Name]; ok {
			return fmt.Errorf("duplicate endpoint name %q", d.Name)
		}
		names[d.Name] = struct{}{}

		if d.Port == 0 {
			continue
		}
		if other, ok := ports[d.Port]; ok {
			return fmt.Errorf("endpoints %s and %s both use port %d", other, d.Name, d.Port)
		}
		ports[d.Port] = d.Name
	}

	return nil
}

// NeedsTLS reports whether any endpoint terminates TLS.
func (s Set) NeedsTLS() bool {
	for _, d := range s {
		if d.Scheme == SchemeTLS {
			return true
		}
	}
	return false
}

// Lookup returns the descriptor with the given name.
func (s Set) Lookup(name string) (Descriptor, bool) {
	for _, d := range s {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}
