package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

type ListCommand struct {
	Target   string `arg:"" optional:"" help:"Server address for reflection api (not needed with --proto)."`
	Insecure bool   `help:"Skip server certificate verification."`

	DescriptorSource
}

func (c *ListCommand) Validate() error {
	if c.Target == "" && len(c.Proto) == 0 {
		return errors.New("target or --proto is required")
	}
	return nil
}

func (c *ListCommand) Run(ctx context.Context, out io.Writer) error {
	store, err := c.DescriptorSource.fetch(ctx, normalizeTarget(c.Target), tlsConfig(c.Insecure), zap.NewNop())
	if err != nil {
		return fmt.Errorf("fetching descriptors: %w", err)
	}

	for _, path := range store.Methods() {
		m, err := store.Get(path)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\t%s\n", path, m.Kind()); err != nil {
			return err
		}
	}
	return nil
}
