package main

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/autarch-dev/autarch/pkg/config"
	"github.com/autarch-dev/autarch/pkg/config/provider"
)

// ValidateCmd loads a configuration file, applies defaults, and runs
// validation, reporting the first failure.
type ValidateCmd struct {
	Path string `arg:"" name:"config" help:"Configuration file path." type:"path"`

	Print bool `short:"p" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	if err := config.LoadEnvFiles(); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}

	srcType, err := provider.ParseType(cli.ConfigSource)
	if err != nil {
		return err
	}
	p, err := provider.New(provider.Options{
		Type:      srcType,
		Path:      c.Path,
		Endpoints: cli.ConfigEndpoints,
	})
	if err != nil {
		return err
	}

	loader := config.NewLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Print {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	fmt.Printf("%s: configuration is valid\n", c.Path)
	return nil
}
