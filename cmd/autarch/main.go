// Command autarch runs the workflow orchestration server and its
// supporting commands.
//
// Usage:
//
//	autarch serve --config autarch.yaml
//	autarch validate autarch.yaml
//	autarch schema > config-schema.json
package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	autarch "github.com/autarch-dev/autarch"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the configuration."`
	Askpass  AskpassCmd  `cmd:"" hidden:"" help:"Git credential helper entry point."`

	Config          string   `short:"c" help:"Path to config file." type:"path"`
	ConfigSource    string   `help:"Config source (file, consul, etcd, zookeeper)." default:"file"`
	ConfigEndpoints []string `help:"Remote config source endpoints." placeholder:"HOST:PORT"`
	LogLevel        string   `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFormat       string   `help:"Log format (text, json). Overrides the config file."`
	LogFile         string   `help:"Log file path (empty = config file setting)." type:"path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(autarch.GetVersion().String())
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("autarch"),
		kong.Description("Autarch orchestrates gated development workflows over git worktrees."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(cli))
}
