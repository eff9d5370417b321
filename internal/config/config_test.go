package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/chatagentctl/internal/config"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "log_level: debug\nworker:\n  user_id: alice\n  session_timeout_minutes: 45\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.Worker.UserID != "alice" {
		t.Fatalf("expected worker.user_id=alice, got %q", cfg.Worker.UserID)
	}
	if cfg.Worker.SessionTimeoutMinutes != 45 {
		t.Fatalf("expected session_timeout_minutes=45, got %d", cfg.Worker.SessionTimeoutMinutes)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Worker.AgentCommand != "agent" {
		t.Fatalf("expected default agent command, got %q", cfg.Worker.AgentCommand)
	}
	if cfg.Worker.SessionTimeoutMinutes != 30 {
		t.Fatalf("expected default session timeout 30, got %d", cfg.Worker.SessionTimeoutMinutes)
	}
	if cfg.Orchestrator.RateLimit.Max != 5 {
		t.Fatalf("expected default rate limit max 5, got %d", cfg.Orchestrator.RateLimit.Max)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  user_id: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("USER_ID", "from-env")
	t.Setenv("AGENT_ARGS", "--flag one --flag two")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Worker.UserID != "from-env" {
		t.Fatalf("expected env override to win, got %q", cfg.Worker.UserID)
	}
	want := []string{"--flag", "one", "--flag", "two"}
	if len(cfg.Worker.AgentArgs) != len(want) {
		t.Fatalf("expected agent args %v, got %v", want, cfg.Worker.AgentArgs)
	}
	for i, v := range want {
		if cfg.Worker.AgentArgs[i] != v {
			t.Fatalf("expected agent args %v, got %v", want, cfg.Worker.AgentArgs)
		}
	}
}

func TestEditURL(t *testing.T) {
	repos := map[string]string{"alice": "https://git.example.com/alice/repo/"}

	url, ok := config.EditURL(repos, "alice", "feature-branch")
	if !ok || url != "https://git.example.com/alice/repo/tree/feature-branch" {
		t.Fatalf("unexpected edit url: %q ok=%v", url, ok)
	}

	if _, ok := config.EditURL(repos, "bob", "main"); ok {
		t.Fatalf("expected no edit url for unconfigured user")
	}
	if _, ok := config.EditURL(repos, "alice", ""); ok {
		t.Fatalf("expected no edit url for empty branch")
	}
}

func TestSanitizeUserID(t *testing.T) {
	cases := map[string]string{
		"Alice.Smith@example.com": "alice-smith-example-com",
		"  ":                      "user",
		"already-safe":            "already-safe",
	}
	for in, want := range cases {
		if got := config.SanitizeUserID(in); got != want {
			t.Fatalf("SanitizeUserID(%q) = %q, want %q", in, got, want)
		}
	}
}
