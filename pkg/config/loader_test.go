package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autarch-dev/autarch/pkg/config/provider"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autarch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoader_Load_File(t *testing.T) {
	path := writeConfigFile(t, `
project:
  name: demo
  base_branch: develop
git:
  branch_prefix: bots
models:
  default:
    provider: anthropic
    model: claude-sonnet-4-20250514
    api_key: test-key
`)

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Project.Name != "demo" {
		t.Errorf("expected project name 'demo', got %q", cfg.Project.Name)
	}
	if cfg.Project.BaseBranch != "develop" {
		t.Errorf("expected base branch 'develop', got %q", cfg.Project.BaseBranch)
	}
	if cfg.Git.BranchPrefix != "bots" {
		t.Errorf("expected branch prefix 'bots', got %q", cfg.Git.BranchPrefix)
	}
	if cfg.Models[DefaultModelName].APIKey != "test-key" {
		t.Errorf("expected api key from file, got %q", cfg.Models[DefaultModelName].APIKey)
	}

	// Untouched sections still get defaults.
	if cfg.Git.HiddenDir != ".autarch" {
		t.Errorf("expected default hidden dir, got %q", cfg.Git.HiddenDir)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default sqlite3 driver, got %q", cfg.Database.Driver)
	}
	if cfg.Bus.QueueSize != 256 {
		t.Errorf("expected default queue size 256, got %d", cfg.Bus.QueueSize)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("AUTARCH_TEST_KEY", "expanded-key")
	t.Setenv("AUTARCH_TEST_BRANCH", "")

	cfg, err := Parse([]byte(`
models:
  default:
    provider: gemini
    model: gemini-2.0-flash
    api_key: ${AUTARCH_TEST_KEY}
project:
  base_branch: ${AUTARCH_TEST_BRANCH:-trunk}
`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if got := cfg.Models[DefaultModelName].APIKey; got != "expanded-key" {
		t.Errorf("expected expanded api key, got %q", got)
	}
	if cfg.Project.BaseBranch != "trunk" {
		t.Errorf("expected default-expanded base branch 'trunk', got %q", cfg.Project.BaseBranch)
	}
}

func TestParse_DurationStrings(t *testing.T) {
	cfg, err := Parse([]byte(`
session:
  tool_timeout: 90s
  retry_base_delay: 250ms
models:
  default:
    provider: anthropic
    model: claude-sonnet-4-20250514
`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Session.ToolTimeout != 90*time.Second {
		t.Errorf("expected 90s tool timeout, got %v", cfg.Session.ToolTimeout)
	}
	if cfg.Session.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms base delay, got %v", cfg.Session.RetryBaseDelay)
	}
}

func TestParse_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad model provider",
			yaml: "models:\n  default:\n    provider: openai\n    model: gpt-4o\n",
		},
		{
			name: "role references unknown model",
			yaml: "roles:\n  research:\n    model: nonexistent\n",
		},
		{
			name: "bad logging level",
			yaml: "logging:\n  level: verbose\n",
		},
		{
			name: "postgres without host",
			yaml: "database:\n  driver: postgres\n  database: autarch\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoader_Watch_ReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, "project:\n  name: before\n")

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx)
	}()

	// Give the watcher time to arm before writing.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("project:\n  name: after\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Project.Name != "after" {
			t.Errorf("expected reloaded name 'after', got %q", cfg.Project.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on context cancel")
	}
}
