package main

import (
	"encoding/json"
	"os"

	"github.com/autarch-dev/autarch/pkg/config"
)

// SchemaCmd writes the configuration JSON Schema to stdout.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	enc := json.NewEncoder(os.Stdout)
	if !c.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(config.Schema())
}
