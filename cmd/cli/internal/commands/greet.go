package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/mtlsgreeter/internal/client"
)

type GreetCmd struct {
	Name string `arg:"" help:"name to greet" default:"Mutual TLS Client"`
}

func (g *GreetCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := client.New(globals.Client.config(globals.Client.scheme()), globals.logger())
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	msg, err := c.Greet(ctx, g.Name)
	if err != nil {
		return fmt.Errorf("greet failed: %w", err)
	}

	_, err = fmt.Fprintln(globals.Out, msg)
	return err
}

type SecureInfoCmd struct{}

func (s *SecureInfoCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := client.New(globals.Client.config(globals.Client.scheme()), globals.logger())
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	msg, err := c.SecureInfo(ctx)
	if err != nil {
		return fmt.Errorf("secure info failed: %w", err)
	}

	_, err = fmt.Fprintln(globals.Out, msg)
	return err
}
