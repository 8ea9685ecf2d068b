package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultHarness          = "claude"
	defaultTransport        = TransportDirect
	defaultLogLevel         = "info"
	defaultReplayChunks     = 1000
	defaultCollectorTimeout = 30 * time.Minute
	defaultTerminationGrace = 5 * time.Second
	defaultListenAddr       = "127.0.0.1:7420"
	defaultHealthInterval   = 30 * time.Second
	defaultRunRetention     = 24 * time.Hour
)

const (
	// TransportDirect runs agents as captured subprocesses.
	TransportDirect = "direct"
	// TransportTerminal injects agent commands into a pseudo-terminal session.
	TransportTerminal = "terminal"
)

var supportedHarnesses = map[string]struct{}{
	"claude": {},
	"codex":  {},
}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Harness          string
	Model            string
	Shell            string
	LogLevel         string
	Transport        string
	ReplayChunks     int
	CollectorTimeout time.Duration
	TerminationGrace time.Duration
	ListenAddr       string
	HealthInterval   time.Duration
	RunRetention     time.Duration
	OTELEndpoint     string
	Agents           map[string]AgentConfig
}

// AgentConfig stores per-agent overrides.
type AgentConfig struct {
	Timeout time.Duration
	Model   string
}

type fileConfig struct {
	Harness          *string `toml:"harness"`
	Model            *string `toml:"model"`
	Shell            *string `toml:"shell"`
	LogLevel         *string `toml:"log_level"`
	Transport        *string `toml:"transport"`
	ReplayChunks     *int    `toml:"replay_chunks"`
	CollectorTimeout *string `toml:"collector_timeout"`
	TerminationGrace *string `toml:"termination_grace"`
	ListenAddr       *string `toml:"listen_addr"`
	HealthInterval   *string `toml:"health_interval"`
	RunRetention     *string `toml:"run_retention"`
	OTEL             struct {
		Endpoint *string `toml:"endpoint"`
	} `toml:"otel"`
}

// Load reads config from ~/.specforge/config.toml and overlays a project-local .specforge/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadPaths(ctx,
		filepath.Join(homeDir, ".specforge", "config.toml"),
		filepath.Join(workingDir, ".specforge", "config.toml"),
	)
}

// LoadPaths applies each existing config file in order over the defaults.
func LoadPaths(ctx context.Context, paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func defaults() Config {
	return Config{
		Harness:          defaultHarness,
		LogLevel:         defaultLogLevel,
		Transport:        defaultTransport,
		ReplayChunks:     defaultReplayChunks,
		CollectorTimeout: defaultCollectorTimeout,
		TerminationGrace: defaultTerminationGrace,
		ListenAddr:       defaultListenAddr,
		HealthInterval:   defaultHealthInterval,
		RunRetention:     defaultRunRetention,
		Agents:           map[string]AgentConfig{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config agents in %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := overlayAgentConfigs(cfg, raw, path); err != nil {
		return err
	}

	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

// AgentTimeout returns the configured timeout for an agent, or fallback when unset.
func (c *Config) AgentTimeout(agentID string, fallback time.Duration) time.Duration {
	if c == nil {
		return fallback
	}
	if agent, ok := c.Agents[normalizeKey(agentID)]; ok && agent.Timeout > 0 {
		return agent.Timeout
	}
	return fallback
}

// AgentModel resolves the model for an agent with this precedence:
// agent specific > global model > harness default (empty).
func (c *Config) AgentModel(agentID string) string {
	if c == nil {
		return ""
	}
	if agent, ok := c.Agents[normalizeKey(agentID)]; ok && strings.TrimSpace(agent.Model) != "" {
		return strings.TrimSpace(agent.Model)
	}
	return strings.TrimSpace(c.Model)
}

// AgentIDs returns configured agent override keys in sorted order.
func (c *Config) AgentIDs() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Agents))
	for key := range c.Agents {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func overlayAgentConfigs(cfg *Config, raw map[string]any, path string) error {
	agentsRaw, ok := raw["agents"]
	if !ok {
		return nil
	}

	agentsMap, ok := agentsRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("parse agents in %q: expected table", path)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}

	for agentName, agentValue := range agentsMap {
		if err := overlaySingleAgentConfig(cfg, agentName, agentValue, path); err != nil {
			return err
		}
	}

	return nil
}

func overlaySingleAgentConfig(cfg *Config, agentName string, agentValue any, path string) error {
	agentMap, ok := agentValue.(map[string]any)
	if !ok {
		return fmt.Errorf("parse agents.%s in %q: expected table", agentName, path)
	}
	normalized := normalizeKey(agentName)
	agentConfig := cfg.Agents[normalized]

	for key, value := range agentMap {
		switch normalizeKey(key) {
		case "timeout":
			text, err := stringValue(value, fmt.Sprintf("agents.%s.timeout", agentName), path)
			if err != nil {
				return err
			}
			timeout, err := parseDuration(text, fmt.Sprintf("agents.%s.timeout", agentName), path)
			if err != nil {
				return err
			}
			agentConfig.Timeout = timeout
		case "model":
			text, err := stringValue(value, fmt.Sprintf("agents.%s.model", agentName), path)
			if err != nil {
				return err
			}
			agentConfig.Model = strings.TrimSpace(text)
		default:
			return fmt.Errorf("parse agents.%s.%s in %q: unsupported key", agentName, key, path)
		}
	}

	cfg.Agents[normalized] = agentConfig
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Harness != nil {
		harness := normalizeKey(*decoded.Harness)
		if _, ok := supportedHarnesses[harness]; !ok {
			return fmt.Errorf("parse harness in %q: unsupported harness %q", path, *decoded.Harness)
		}
		cfg.Harness = harness
	}
	if decoded.Model != nil {
		cfg.Model = strings.TrimSpace(*decoded.Model)
	}
	if decoded.Shell != nil {
		cfg.Shell = strings.TrimSpace(*decoded.Shell)
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.Transport != nil {
		transport := normalizeKey(*decoded.Transport)
		if transport != TransportDirect && transport != TransportTerminal {
			return fmt.Errorf("parse transport in %q: must be %q or %q", path, TransportDirect, TransportTerminal)
		}
		cfg.Transport = transport
	}
	if decoded.ReplayChunks != nil {
		if *decoded.ReplayChunks <= 0 {
			return fmt.Errorf("parse replay_chunks in %q: must be > 0", path)
		}
		cfg.ReplayChunks = *decoded.ReplayChunks
	}
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
	if decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.CollectorTimeout != nil {
		value, err := parseDuration(*decoded.CollectorTimeout, "collector_timeout", path)
		if err != nil {
			return err
		}
		cfg.CollectorTimeout = value
	}
	if decoded.TerminationGrace != nil {
		value, err := parseDuration(*decoded.TerminationGrace, "termination_grace", path)
		if err != nil {
			return err
		}
		cfg.TerminationGrace = value
	}
	if decoded.HealthInterval != nil {
		value, err := parseDuration(*decoded.HealthInterval, "health_interval", path)
		if err != nil {
			return err
		}
		cfg.HealthInterval = value
	}
	if decoded.RunRetention != nil {
		value, err := parseDuration(*decoded.RunRetention, "run_retention", path)
		if err != nil {
			return err
		}
		cfg.RunRetention = value
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func stringValue(value any, key string, path string) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("parse %s in %q: must be string", key, path)
	}
	return text, nil
}
