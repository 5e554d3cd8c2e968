package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"jubee/internal/graph"
)

//go:embed jubee.default.yml
var defaultYAML string

// Generators the host knows how to wire to a tool.
const (
	GeneratorDraft    = "draft"
	GeneratorPrecheck = "precheck"
	GeneratorStrength = "strength"
)

// Config models jubee.yml.
type Config struct {
	Engine   EngineConfig    `yaml:"engine"`
	Server   ServerConfig    `yaml:"server"`
	Tools    []ToolConfig    `yaml:"tools"`
	Webhooks []WebhookConfig `yaml:"webhooks"`

	graphs map[string]*graph.Graph
}

type EngineConfig struct {
	RevealInterval    time.Duration `yaml:"reveal_interval"`
	ThinkingDelay     time.Duration `yaml:"thinking_delay"`
	GenerationDelay   time.Duration `yaml:"generation_delay"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

// ToolConfig is one wizard: its stage graph plus the generator kind that
// produces its result.
type ToolConfig struct {
	graph.Definition `yaml:",inline"`
	Generator        string `yaml:"generator"`
}

// WebhookConfig posts session events to URL. Empty Events or Tools match
// everything; Secret signs each body with HMAC-SHA256.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Tools          []string `yaml:"tools"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jubee config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the built-in defaults when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Every tool graph is
// built, so graph errors surface here.
func (c *Config) Validate() error {
	if c.Engine.RevealInterval < 0 {
		return fmt.Errorf("config.engine.reveal_interval must not be negative")
	}
	if c.Engine.ThinkingDelay < 0 {
		return fmt.Errorf("config.engine.thinking_delay must not be negative")
	}
	if c.Engine.GenerationDelay < 0 {
		return fmt.Errorf("config.engine.generation_delay must not be negative")
	}
	if c.Engine.GenerationTimeout < 0 {
		return fmt.Errorf("config.engine.generation_timeout must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if len(c.Tools) == 0 {
		return fmt.Errorf("config.tools is required")
	}
	graphs := make(map[string]*graph.Graph, len(c.Tools))
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("config.tools[%d].name is required", i)
		}
		if _, dup := graphs[tool.Name]; dup {
			return fmt.Errorf("tool %s defined twice", tool.Name)
		}
		switch tool.Generator {
		case GeneratorDraft, GeneratorPrecheck, GeneratorStrength:
		case "":
			return fmt.Errorf("tool %s has no generator", tool.Name)
		default:
			return fmt.Errorf("tool %s uses unknown generator %s", tool.Name, tool.Generator)
		}
		g, err := graph.Build(tool.Definition)
		if err != nil {
			return err
		}
		graphs[tool.Name] = g
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
		for _, tool := range hook.Tools {
			if _, ok := graphs[tool]; !ok {
				return fmt.Errorf("config.webhooks[%d] references unknown tool %q", i, tool)
			}
		}
	}
	c.graphs = graphs
	return nil
}

// Graphs returns the validated tool graphs keyed by tool name.
func (c *Config) Graphs() (map[string]*graph.Graph, error) {
	if c.graphs == nil {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	out := make(map[string]*graph.Graph, len(c.graphs))
	for k, g := range c.graphs {
		out[k] = g
	}
	return out, nil
}

// Tool returns the tool configuration by name.
func (c *Config) Tool(name string) (ToolConfig, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolConfig{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jubee.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultYAML
}

// Default returns the built-in configuration with the drafting, precheck and
// precedent tools.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in config is invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
