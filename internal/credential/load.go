package credential

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"software.sslmate.com/src/go-pkcs12"
)

// Reason classifies why a certificate bundle could not be loaded.
type Reason int

const (
	ReasonNotFound Reason = iota + 1
	ReasonBadPassword
	ReasonMalformed
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "NotFound"
	case ReasonBadPassword:
		return "BadPassword"
	case ReasonMalformed:
		return "Malformed"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Sentinel errors, one per Reason, matched with errors.Is.
var (
	// ErrNotFound is returned when the bundle file is missing or unreadable.
	ErrNotFound = errors.New("certificate bundle not found")

	// ErrBadPassword is returned when the password does not decrypt the bundle.
	ErrBadPassword = errors.New("certificate bundle password incorrect")

	// ErrMalformed is returned when the bundle is not a certificate and key pair.
	ErrMalformed = errors.New("certificate bundle malformed")
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonNotFound:
		return ErrNotFound
	case ReasonBadPassword:
		return ErrBadPassword
	default:
		return ErrMalformed
	}
}

// LoadError is returned by Load. It is fatal at startup: the process cannot
// serve without its credentials.
type LoadError struct {
	Reason Reason
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load certificate bundle %q: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{e.Reason.sentinel(), e.Err}
}

// Load reads the PKCS#12 bundle at path and decrypts it with password.
//
// On failure no Certificate is returned. Loading the same bundle twice yields
// certificates with identical subject, issuer and thumbprint.
func Load(path, password string) (*Certificate, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - bundle path comes from operator config
	if err != nil {
		return nil, &LoadError{Reason: ReasonNotFound, Path: path, Err: err}
	}

	return Decode(path, data, password)
}

// Decode parses an in-memory PKCS#12 bundle. name is only used in errors.
func Decode(name string, data []byte, password string) (*Certificate, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, &LoadError{Reason: ReasonBadPassword, Path: name, Err: err}
		}
		return nil, &LoadError{Reason: ReasonMalformed, Path: name, Err: err}
	}

	if leaf == nil || key == nil {
		return nil, &LoadError{Reason: ReasonMalformed, Path: name, Err: errors.New("bundle has no certificate and key pair")}
	}

	if err := verifyKeyPair(leaf, key); err != nil {
		return nil, &LoadError{Reason: ReasonMalformed, Path: name, Err: err}
	}

	var intermediates []*x509.Certificate
	for _, ca := range caCerts {
		if !bytes.Equal(ca.RawIssuer, ca.RawSubject) {
			intermediates = append(intermediates, ca)
		}
	}

	return newCertificate(leaf, intermediates, caCerts, key), nil
}

func verifyKeyPair(leaf *x509.Certificate, key any) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", key)
	}

	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(signer.Public()) {
		return errors.New("private key does not match certificate")
	}

	return nil
}

// LoadPEMCertificates reads every CERTIFICATE block from a PEM file.
func LoadPEMCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - CA path comes from operator config
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("CA file %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read CA file %s: %w", path, err)
	}

	var certs []*x509.Certificate
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate in %s: %w", path, err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("CA file %s: no certificates: %w", path, ErrMalformed)
	}

	return certs, nil
}
