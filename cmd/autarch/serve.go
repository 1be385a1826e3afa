package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/config"
	"github.com/autarch-dev/autarch/pkg/config/provider"
	"github.com/autarch-dev/autarch/pkg/engine"
	"github.com/autarch-dev/autarch/pkg/git"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/knowledge"
	"github.com/autarch-dev/autarch/pkg/logger"
	"github.com/autarch-dev/autarch/pkg/observability"
	"github.com/autarch-dev/autarch/pkg/server"
	"github.com/autarch-dev/autarch/pkg/store"
)

// ServeCmd starts the orchestration server.
type ServeCmd struct {
	Host  string `help:"Override the configured bind host."`
	Port  int    `help:"Override the configured HTTP port."`
	Watch bool   `help:"Watch the config source and re-validate on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	if err := config.LoadEnvFiles(); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	cleanup, err := setupLogging(cli, &cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	metrics, err := observability.InitMetrics(cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	tp, err := observability.InitTracerProvider(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if sd, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := sd.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Tracer shutdown failed", "error", err)
			}
		}
	}()

	db, err := store.Open(cfg.Database.DriverName(), cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	events := bus.New(
		bus.WithQueueSize(cfg.Bus.QueueSize),
		bus.WithMetrics(metrics),
	)
	defer events.Close()

	askpassPath, askpassEnv, err := installAskpass(cfg)
	if err != nil {
		return fmt.Errorf("failed to install askpass helper: %w", err)
	}

	gm, err := git.NewManager(git.Config{
		ProjectRoot:  cfg.Project.Root,
		BranchPrefix: cfg.Git.BranchPrefix,
		HiddenDir:    cfg.Git.HiddenDir,
		AuthorName:   cfg.Git.AuthorName,
		AuthorEmail:  cfg.Git.AuthorEmail,
		AskpassPath:  askpassPath,
		AskpassEnv:   askpassEnv,
	})
	if err != nil {
		return fmt.Errorf("failed to init git manager: %w", err)
	}

	know, err := knowledge.New(cfg.Knowledge)
	if err != nil {
		return fmt.Errorf("failed to init knowledge provider: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		DB:        db,
		Events:    events,
		Broker:    interrupt.NewBroker(),
		Git:       gm,
		Knowledge: know,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	srv, err := server.New(ctx, server.Options{
		Config:  cfg,
		Engine:  eng,
		Events:  events,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Printf("\nAutarch server ready on %s\n", cfg.Server.ListenAddr())
	fmt.Printf("   API:      %s/workflows\n", cfg.Server.BaseURL)
	fmt.Printf("   Events:   %s/events\n", cfg.Server.BaseURL)
	fmt.Printf("   Health:   %s/health\n", cfg.Server.BaseURL)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:  %s/metrics\n", cfg.Server.BaseURL)
	}
	fmt.Printf("   Database: %s (%s)\n", cfg.Database.Driver, cfg.Database.Database)
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// loadConfig builds a config from the CLI source flags. Without
// --config the built-in defaults are used and no loader is returned.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		cfg := config.Default()
		slog.Info("No config file given, using defaults")
		return cfg, nil, nil
	}

	srcType, err := provider.ParseType(cli.ConfigSource)
	if err != nil {
		return nil, nil, err
	}
	p, err := provider.New(provider.Options{
		Type:      srcType,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config provider: %w", err)
	}

	loader := config.NewLoader(p, config.WithOnChange(func(*config.Config) {
		slog.Info("Config change validated; restart to apply")
	}))
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "source", string(srcType), "path", cli.Config)
	return cfg, loader, nil
}

// setupLogging initializes the process logger. CLI flags win over the
// config file.
func setupLogging(cli *CLI, cfg *config.LoggingConfig) (func(), error) {
	levelStr := cfg.Level
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	format := cfg.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	output := cfg.Output
	if cli.LogFile != "" {
		output = cli.LogFile
	}

	cleanup := func() {}
	var out *os.File
	switch output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, c, err := logger.OpenLogFile(output)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, cleanup = f, c
	}

	logger.Init(level, out, format)
	return cleanup, nil
}

// installAskpass writes the GIT_ASKPASS wrapper script into the hidden
// directory and returns its path plus the environment the helper needs
// to reach this server. Credential prompts from git network operations
// re-enter the process through POST /credential-prompt.
func installAskpass(cfg *config.Config) (string, []string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	hidden := filepath.Join(cfg.Project.Root, cfg.Git.HiddenDir)
	if err := os.MkdirAll(hidden, 0o755); err != nil {
		return "", nil, err
	}

	script := filepath.Join(hidden, "askpass.sh")
	body := fmt.Sprintf("#!/bin/sh\nexec %q askpass \"$@\"\n", exe)
	if err := os.WriteFile(script, []byte(body), 0o700); err != nil {
		return "", nil, err
	}

	env := []string{askpassURLEnv + "=" + cfg.Server.BaseURL}
	token, err := askpassToken(cfg)
	if err != nil {
		return "", nil, err
	}
	if token != "" {
		env = append(env, askpassTokenEnv+"="+token)
	}
	return script, env, nil
}

// askpassToken mints a bearer token for the helper when auth runs in
// shared-secret mode. In JWKS mode the server cannot sign tokens, so a
// pre-provisioned token is passed through from the environment instead.
func askpassToken(cfg *config.Config) (string, error) {
	if !cfg.Auth.Enabled {
		return "", nil
	}
	if cfg.Auth.Secret == "" {
		return os.Getenv(askpassTokenEnv), nil
	}

	key, err := jwk.FromRaw([]byte(cfg.Auth.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to build signing key: %w", err)
	}

	b := jwt.NewBuilder().
		Subject("autarch-askpass").
		IssuedAt(time.Now())
	if cfg.Auth.Issuer != "" {
		b = b.Issuer(cfg.Auth.Issuer)
	}
	if cfg.Auth.Audience != "" {
		b = b.Audience([]string{cfg.Auth.Audience})
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build askpass token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, key))
	if err != nil {
		return "", fmt.Errorf("failed to sign askpass token: %w", err)
	}
	return string(signed), nil
}
