// Package config loads and saves the console configuration from YAML,
// with credentials coming from the environment, .env files or the OS
// keyring rather than the config file itself.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/joho/godotenv"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/api"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/dispatch"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/flow"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/llm"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/outbound"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/store"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/transport/whatsapp"
)

// Config is the root configuration for the console.
type Config struct {
	CompanyName string `yaml:"company_name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "text" or "json"

	Store    store.Config    `yaml:"store"`
	Registry session.Config  `yaml:"registry"`
	Flow     flow.Config     `yaml:"flow"`
	LLM      llm.Config      `yaml:"llm"`
	Outbound outbound.Config `yaml:"outbound"`
	Dispatch dispatch.Config `yaml:"dispatch"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	API      api.Config      `yaml:"api"`

	// FlushSchedule is a cron expression for periodic state flushes.
	FlushSchedule string `yaml:"flush_schedule"`
}

// DefaultConfig returns a Config with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		CompanyName:   "ZapDesk",
		LogLevel:      "info",
		LogFormat:     "text",
		Store:         store.DefaultConfig(),
		Registry:      session.DefaultConfig(),
		Flow:          flow.DefaultConfig(),
		LLM:           llm.DefaultConfig(),
		Outbound:      outbound.DefaultConfig(),
		Dispatch:      dispatch.DefaultConfig(),
		WhatsApp:      whatsapp.DefaultConfig(),
		API:           api.DefaultConfig(),
		FlushSchedule: "@every 5m",
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadFromFile reads and parses a YAML configuration file. .env files are
// loaded first and ${VAR} references expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// SaveToFile writes the config as YAML. The LLM API key and API auth
// token are replaced with environment references so secrets never land
// on disk in plaintext.
func SaveToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.LLM.APIKey = sanitizeSecret(cfg.LLM.APIKey, "ZAPDESK_API_KEY")
	sanitized.API.AuthToken = sanitizeSecret(cfg.API.AuthToken, "ZAPDESK_AUTH_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	// Back up the existing file before overwriting.
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"zapdesk.yaml",
		"zapdesk.yml",
		"configs/config.yaml",
		"configs/zapdesk.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overwriting existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references. Unset
// variables without a default keep the placeholder so resolveSecrets can
// still detect them later.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if def != "" {
			return def
		}
		return match
	})
}

// resolveSecrets fills empty or placeholder credentials from the keyring
// and environment.
func resolveSecrets(cfg *Config) {
	if isUnresolved(cfg.LLM.APIKey) {
		cfg.LLM.APIKey = ResolveAPIKey()
	}
	if isUnresolved(cfg.API.AuthToken) {
		cfg.API.AuthToken = os.Getenv("ZAPDESK_AUTH_TOKEN")
	}
}

func isUnresolved(v string) bool {
	return v == "" || envVarPattern.MatchString(v)
}

// sanitizeSecret replaces a real secret value with an env reference.
func sanitizeSecret(value, envVar string) string {
	if value == "" || envVarPattern.MatchString(value) {
		return value
	}
	return fmt.Sprintf("${%s}", envVar)
}

// resolveRelativePaths rebases file paths against the config file's
// directory so the console can run from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	if !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(base, cfg.Store.Path)
	}
	if !filepath.IsAbs(cfg.WhatsApp.DatabasePath) {
		cfg.WhatsApp.DatabasePath = filepath.Join(base, cfg.WhatsApp.DatabasePath)
	}
}

// checkFilePermissions warns when the config file is group or world
// readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		slog.Warn("config file is readable by other users, consider chmod 600",
			"path", path, "mode", info.Mode().Perm().String())
	}
}
