package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"github.com/wolfeidau/mtlsgreeter/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// peerVerifier applies an endpoint's validation mode to a presented chain.
type peerVerifier struct {
	endpoint string
	mode     endpoint.Validation
	source   CertSource
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// verify checks the raw chain sent by a client and returns the leaf with its
// intermediates.
func (v *peerVerifier) verify(rawCerts [][]byte) (*credential.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, ErrNoClientCertificate
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse client leaf cert: %w", ErrUntrustedCertificate, err)
	}

	intermediates := make([]*x509.Certificate, 0, len(rawCerts)-1)
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse client intermediate cert: %w", ErrUntrustedCertificate, err)
		}
		intermediates = append(intermediates, cert)
	}

	switch v.mode {
	case endpoint.ValidationInsecureAcceptAny:
		v.logger.Warn().
			Str("endpoint", v.endpoint).
			Str("subject", leaf.Subject.String()).
			Str("issuer", leaf.Issuer.String()).
			Msg("Accepting client certificate without validation (insecure-accept-any)")
		v.metrics.InsecureAcceptedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("endpoint", v.endpoint)))
		return credential.FromX509(leaf, intermediates...), nil

	case endpoint.ValidationStrict:
		if err := v.verifyChain(leaf, intermediates); err != nil {
			return nil, err
		}
		return credential.FromX509(leaf, intermediates...), nil

	default:
		return nil, fmt.Errorf("unsupported validation mode %s", v.mode)
	}
}

func (v *peerVerifier) verifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate) error {
	roots, err := v.source.GetRootCAs(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get trust bundle: %w", err)
	}

	pool := x509.NewCertPool()
	for _, cert := range intermediates {
		pool.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: pool,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		var invalid x509.CertificateInvalidError
		if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
			return fmt.Errorf("%w: certificate %q outside its validity window: %w", ErrUntrustedCertificate, leaf.Subject.String(), err)
		}
		return fmt.Errorf("%w: %w", ErrUntrustedCertificate, err)
	}

	return nil
}
