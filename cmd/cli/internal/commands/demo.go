package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/mtlsgreeter/internal/auth"
	"github.com/wolfeidau/mtlsgreeter/internal/client"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
)

type DemoCmd struct {
	Name string `help:"name to greet" default:"Mutual TLS Client"`
}

// Run calls Greet then SecureInfo on the plaintext and the TLS endpoint. The
// only failure it tolerates is SecureInfo being refused on the plaintext
// endpoint.
func (d *DemoCmd) Run(ctx context.Context, globals *Globals) error {
	log := globals.logger()

	var errs []error
	for _, scheme := range []endpoint.Scheme{endpoint.SchemePlain, endpoint.SchemeTLS} {
		c, err := client.New(globals.Client.config(scheme), log)
		if err != nil {
			return fmt.Errorf("failed to create client: %w", err)
		}

		printf(globals.Out, "== %s endpoint (%s)\n", scheme, globals.Client.config(scheme).BaseURL())

		msg, err := c.Greet(ctx, d.Name)
		if err != nil {
			printf(globals.Out, "Greet failed: %v\n", err)
			errs = append(errs, fmt.Errorf("%s Greet: %w", scheme, err))
		} else {
			printf(globals.Out, "Greet: %s\n", msg)
		}

		msg, err = c.SecureInfo(ctx)
		switch {
		case err == nil:
			printf(globals.Out, "SecureInfo: %s\n", msg)
		case auth.IsAuthenticationRequired(err) && scheme == endpoint.SchemePlain:
			printf(globals.Out, "SecureInfo refused as expected: %v\n", err)
		default:
			printf(globals.Out, "SecureInfo failed: %v\n", err)
			errs = append(errs, fmt.Errorf("%s SecureInfo: %w", scheme, err))
		}
	}

	return errors.Join(errs...)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
