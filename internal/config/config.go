// Package config loads control-plane configuration from a YAML file with
// environment-variable overrides, following the same load→override→normalize
// shape used throughout this codebase's components.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig governs the orchestrator's per-user sliding window.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Max     int           `yaml:"max"`    // actions allowed per Window
	Window  time.Duration `yaml:"window"` // sliding window length
}

// OrchestratorConfig governs reconciliation.
type OrchestratorConfig struct {
	GracePeriod      time.Duration    `yaml:"grace_period"`
	ReconcileEvery   time.Duration    `yaml:"reconcile_every"`
	OrphanGCEvery    time.Duration    `yaml:"orphan_gc_every"`
	WorkerImage      string           `yaml:"worker_image"`
	WorkspaceSizeGiB int              `yaml:"workspace_size_gib"`
	RateLimit        RateLimitConfig  `yaml:"rate_limit"`
}

// ChatConfig governs the Telegram chat adapter.
type ChatConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// BusConfig governs the durable message bus's backing store.
type BusConfig struct {
	DSN string `yaml:"dsn"` // sqlite3 DSN; defaults to a file under HomeDir
}

// WorkerConfig governs one WorkerSession process.
type WorkerConfig struct {
	UserID                string   `yaml:"user_id"`
	DeploymentName        string   `yaml:"deployment_name"`
	RepositoryURL         string   `yaml:"repository_url"`
	SessionTimeoutMinutes int      `yaml:"session_timeout_minutes"`
	AgentCommand          string   `yaml:"agent_command"`
	AgentArgs             []string `yaml:"agent_args"`
	Workspace             string   `yaml:"workspace"`
	InitialPrompt         string   `yaml:"initial_prompt"`
	InitialThreadID       string   `yaml:"initial_thread_id"`
	InitialChannelID      string   `yaml:"initial_channel_id"`
	InitialMessageID      string   `yaml:"initial_message_id"`
	// AgentEnv carries provider credentials (e.g. ANTHROPIC_API_KEY) that the
	// orchestrator injects into each worker container's environment and the
	// agent subprocess inherits in turn, following this codebase's own
	// provider-key env-var passthrough (GEMINI_API_KEY, ANTHROPIC_API_KEY, …).
	AgentEnv map[string]string `yaml:"agent_env"`
}

// Config is the root control-plane configuration.
type Config struct {
	HomeDir      string             `yaml:"home_dir"`
	LogLevel     string             `yaml:"log_level"`
	Bus          BusConfig          `yaml:"bus"`
	Chat         ChatConfig         `yaml:"chat"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Worker       WorkerConfig       `yaml:"worker"`
	// Repos maps a userId to the browsable URL of their repository, used to
	// synthesize the ResponseConsumer's Edit link button (spec §4.5 point 2).
	Repos map[string]string `yaml:"repos"`
}

func defaultConfig() Config {
	return Config{
		HomeDir:  defaultHomeDir(),
		LogLevel: "info",
		Orchestrator: OrchestratorConfig{
			GracePeriod:      5 * time.Minute,
			ReconcileEvery:   15 * time.Second,
			OrphanGCEvery:    5 * time.Minute,
			WorkerImage:      "chatagentctl/worker:latest",
			WorkspaceSizeGiB: 10,
			RateLimit: RateLimitConfig{
				Enabled: true,
				Max:     5,
				Window:  15 * time.Minute,
			},
		},
		Worker: WorkerConfig{
			SessionTimeoutMinutes: 30,
			AgentCommand:          "agent",
		},
	}
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return home + "/.chatagentctl"
}

// Load reads the YAML file at configPath if a path is given and the file
// exists, applies environment overrides, then fills in defaults for anything
// left unset. An empty configPath reads no file.
func Load(configPath string) (Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAT_BOT_TOKEN"); v != "" {
		cfg.Chat.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Bus.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("USER_ID"); v != "" {
		cfg.Worker.UserID = v
	}
	if v := os.Getenv("DEPLOYMENT_NAME"); v != "" {
		cfg.Worker.DeploymentName = v
	}
	if v := os.Getenv("REPOSITORY_URL"); v != "" {
		cfg.Worker.RepositoryURL = v
	}
	if v := os.Getenv("SESSION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.SessionTimeoutMinutes = n
		}
	}
	if v := os.Getenv("INITIAL_PROMPT"); v != "" {
		cfg.Worker.InitialPrompt = v
	}
	if v := os.Getenv("INITIAL_THREAD_ID"); v != "" {
		cfg.Worker.InitialThreadID = v
	}
	if v := os.Getenv("INITIAL_CHANNEL_ID"); v != "" {
		cfg.Worker.InitialChannelID = v
	}
	if v := os.Getenv("INITIAL_MESSAGE_ID"); v != "" {
		cfg.Worker.InitialMessageID = v
	}
	if v := os.Getenv("WORKSPACE"); v != "" {
		cfg.Worker.Workspace = v
	}
	if v := os.Getenv("AGENT_ARGS"); v != "" {
		cfg.Worker.AgentArgs = strings.Fields(v)
	}
	if v := os.Getenv("AGENT_ENV"); v != "" {
		cfg.Worker.AgentEnv = parseKeyValueList(v)
	}
	if v := os.Getenv("CHAT_ALLOWED_IDS"); v != "" {
		cfg.Chat.AllowedIDs = parseInt64List(v)
	}
}

// parseKeyValueList parses a comma-separated KEY=VALUE list, the same shape
// AGENT_ENV uses to forward provider credentials through to worker containers.
func parseKeyValueList(v string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = val
	}
	return out
}

func parseInt64List(v string) []int64 {
	var out []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func normalize(cfg *Config) {
	if cfg.HomeDir == "" {
		cfg.HomeDir = defaultHomeDir()
	}
	if cfg.Bus.DSN == "" {
		cfg.Bus.DSN = cfg.HomeDir + "/bus.db"
	}
	if cfg.Orchestrator.GracePeriod <= 0 {
		cfg.Orchestrator.GracePeriod = 5 * time.Minute
	}
	if cfg.Orchestrator.ReconcileEvery <= 0 {
		cfg.Orchestrator.ReconcileEvery = 15 * time.Second
	}
	if cfg.Orchestrator.OrphanGCEvery <= 0 {
		cfg.Orchestrator.OrphanGCEvery = 2 * cfg.Orchestrator.GracePeriod
	}
	if cfg.Orchestrator.RateLimit.Max <= 0 {
		cfg.Orchestrator.RateLimit.Max = 5
	}
	if cfg.Orchestrator.RateLimit.Window <= 0 {
		cfg.Orchestrator.RateLimit.Window = 15 * time.Minute
	}
	if cfg.Worker.SessionTimeoutMinutes <= 0 {
		cfg.Worker.SessionTimeoutMinutes = 30
	}
	if cfg.Worker.AgentCommand == "" {
		cfg.Worker.AgentCommand = "agent"
	}
}

// EditURL resolves userId to a branch-scoped browse URL via repos, the
// userId→externalRepoUser mapping spec §4.5 point 2 describes. It returns
// ok=false when the user has no configured repository.
func EditURL(repos map[string]string, userID, branch string) (string, bool) {
	base, ok := repos[userID]
	if !ok || base == "" || branch == "" {
		return "", false
	}
	return strings.TrimSuffix(base, "/") + "/tree/" + branch, true
}

// SanitizeUserID maps an arbitrary chat-platform user ID to a safe deployment
// / queue name fragment: lowercase alphanumerics and hyphens only.
func SanitizeUserID(userID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(userID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	s = strings.Trim(s, "-")
	if s == "" {
		s = "user"
	}
	return s
}
