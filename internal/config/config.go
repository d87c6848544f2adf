// Package config loads the bridge configuration from an optional YAML
// file and the environment. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the bridge process.
type Config struct {
	// Port is the loopback HTTP listen port.
	Port int `yaml:"port"`
	// DBPath is the SQLite database file location.
	DBPath string `yaml:"db_path"`
	// KGURL is the knowledge-graph base URL for best-effort sync.
	KGURL string `yaml:"kg_url"`

	Codex CodexConfig `yaml:"codex"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
}

// CodexConfig controls the subprocess peer adapters.
type CodexConfig struct {
	// MCPEnabled gates the persistent stdio peer client. When false,
	// offline codex dispatch goes straight to the one-shot exec path.
	MCPEnabled bool `yaml:"mcp_enabled"`
	// Path is the codex binary.
	Path string `yaml:"path"`
	// WorkDir is the child's working directory (defaults to cwd).
	WorkDir string `yaml:"workdir"`
	// Sandbox is the default sandbox mode passed to the peer.
	Sandbox string `yaml:"sandbox"`
	// ApprovalPolicy is the approval policy passed to the peer.
	ApprovalPolicy string `yaml:"approval_policy"`
	// BaseInstructions, when set, overrides persona instructions.
	BaseInstructions string `yaml:"base_instructions"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Port:   3790,
		DBPath: filepath.Join(home, ".local-data", "store.sqlite"),
		KGURL:  "http://127.0.0.1:3789",
		Codex: CodexConfig{
			MCPEnabled:     true,
			Path:           "codex",
			Sandbox:        "workspace-read",
			ApprovalPolicy: "never",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and the environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("KG_URL"); v != "" {
		c.KGURL = v
	}
	if v := os.Getenv("CODEX_MCP_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CODEX_MCP_ENABLED %q: %w", v, err)
		}
		c.Codex.MCPEnabled = enabled
	}
	if v := os.Getenv("CODEX_PATH"); v != "" {
		c.Codex.Path = v
	}
	if v := os.Getenv("CODEX_SANDBOX"); v != "" {
		c.Codex.Sandbox = v
	}
	if v := os.Getenv("CODEX_APPROVAL_POLICY"); v != "" {
		c.Codex.ApprovalPolicy = v
	}
	if v := os.Getenv("CODEX_BASE_INSTRUCTIONS"); v != "" {
		c.Codex.BaseInstructions = v
	}
	return nil
}
