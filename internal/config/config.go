package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aapkit/internal/domain"
)

// Config models aap.yml.
type Config struct {
	Server struct {
		Addr       string `yaml:"addr"`
		BasePath   string `yaml:"base_path"`
		CORSOrigin string `yaml:"cors_origin"`
	} `yaml:"server"`
	Schemas struct {
		Dir     string `yaml:"dir"`
		BaseURI string `yaml:"base_uri"`
	} `yaml:"schemas"`
	Signing struct {
		DefaultSecret    string `yaml:"default_secret"`
		DefaultAlgorithm string `yaml:"default_algorithm"`
	} `yaml:"signing"`
	Validation struct {
		DebounceMS int `yaml:"debounce_ms"`
	} `yaml:"validation"`
	Content struct {
		DocsDir        string `yaml:"docs_dir"`
		TestVectorsDir string `yaml:"test_vectors_dir"`
	} `yaml:"content"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

var logLevels = []string{"debug", "info", "warn", "error"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with aap config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Schemas.BaseURI != "" {
		u, err := url.Parse(c.Schemas.BaseURI)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.schemas.base_uri must be an absolute URI")
		}
	}
	if alg := c.Signing.DefaultAlgorithm; alg != "" && !contains(domain.Algorithms, alg) {
		return fmt.Errorf("config.signing.default_algorithm must be one of %s", strings.Join(domain.Algorithms, ", "))
	}
	if c.Validation.DebounceMS < 0 {
		return fmt.Errorf("config.validation.debounce_ms must not be negative")
	}
	if lvl := c.Log.Level; lvl != "" && !contains(logLevels, lvl) {
		return fmt.Errorf("config.log.level must be one of %s", strings.Join(logLevels, ", "))
	}
	return nil
}

// Debounce returns the configured quiet period for live validation.
func (c *Config) Debounce() time.Duration {
	if c == nil || c.Validation.DebounceMS == 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.Validation.DebounceMS) * time.Millisecond
}

// Resolve makes relative directories absolute against workspace.
func (c *Config) Resolve(workspace string) {
	if workspace == "" {
		workspace = "."
	}
	for _, dir := range []*string{&c.Schemas.Dir, &c.Content.DocsDir, &c.Content.TestVectorsDir} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			*dir = filepath.Join(workspace, *dir)
		}
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aap.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault loads aap.yml when present and falls back to defaults.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	return cfg, nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api
  cors_origin: "*"

schemas:
  # Directory of *.schema.json files; empty uses the bundled schemas.
  dir: ""
  base_uri: https://aap-protocol.dev/schemas/

signing:
  default_secret: demo-secret-key-change-in-production
  default_algorithm: HS256

validation:
  debounce_ms: 300

content:
  docs_dir: docs
  test_vectors_dir: test-vectors

log:
  level: info
`
