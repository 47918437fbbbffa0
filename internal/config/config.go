package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay service.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	WhatsApp   WhatsAppConfig   `json:"whatsapp" yaml:"whatsapp"`
	Dialogflow DialogflowConfig `json:"dialogflow" yaml:"dialogflow"`
	Google     GoogleConfig     `json:"google" yaml:"google"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Dedupe     DedupeConfig     `json:"dedupe" yaml:"dedupe"`
	Timeouts   TimeoutsConfig   `json:"timeouts" yaml:"timeouts"`
	LogLevel   string           `json:"logLevel" yaml:"logLevel"`
}

type ServerConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	WebhookPath string `json:"webhookPath" yaml:"webhookPath"`
	Metrics     bool   `json:"metrics" yaml:"metrics"`
}

// WhatsAppConfig configures the Meta Cloud API integration: the webhook
// handshake secret, the inbound signature secret, and the outbound
// sending credentials.
type WhatsAppConfig struct {
	AccessToken   string  `json:"accessToken" yaml:"accessToken"`
	PhoneNumberID string  `json:"phoneNumberId" yaml:"phoneNumberId"`
	VerifyToken   string  `json:"verifyToken" yaml:"verifyToken"`
	AppSecret     string  `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`
	APIBase       string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	SendRate      float64 `json:"sendRatePerSecond" yaml:"sendRatePerSecond"`
	SendBurst     int     `json:"sendBurst" yaml:"sendBurst"`
}

type DialogflowConfig struct {
	ProjectID    string `json:"projectId" yaml:"projectId"`
	LanguageCode string `json:"languageCode" yaml:"languageCode"`
	APIBase      string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
}

// GoogleConfig points at the service-account credentials used for the
// Dialogflow and Sheets token exchanges. KeyFile is a standard
// service-account key JSON; nothing in the code hardcodes its location.
type GoogleConfig struct {
	KeyFile  string   `json:"keyFile" yaml:"keyFile"`
	TokenURL string   `json:"tokenUrl,omitempty" yaml:"tokenUrl,omitempty"`
	Scopes   []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

type AuditConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	SpreadsheetID string `json:"spreadsheetId" yaml:"spreadsheetId"`
	Range         string `json:"range" yaml:"range"`
	APIBase       string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
}

type DedupeConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
	TTLDays int    `json:"ttlDays" yaml:"ttlDays"`
}

// TimeoutsConfig sets the per-stage remote call deadlines, in seconds.
type TimeoutsConfig struct {
	Credential int `json:"credential" yaml:"credential"`
	Intent     int `json:"intent" yaml:"intent"`
	Delivery   int `json:"delivery" yaml:"delivery"`
	Audit      int `json:"audit" yaml:"audit"`
}

// Load reads a config file, expands ${VAR} / ${VAR:-default} references
// from the environment, applies defaults, and validates. JSON and YAML
// are both accepted, picked by file extension.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg.Google.KeyFile = ExpandPath(cfg.Google.KeyFile)
	cfg.Dedupe.DBPath = ExpandPath(cfg.Dedupe.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} falls back to "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(name)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as indented JSON, creating the directory if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}

	if cfg.WhatsApp.VerifyToken == "" {
		errs = append(errs, "whatsapp.verifyToken is required")
	}
	if cfg.WhatsApp.AccessToken == "" {
		errs = append(errs, "whatsapp.accessToken is required")
	}
	if cfg.WhatsApp.PhoneNumberID == "" {
		errs = append(errs, "whatsapp.phoneNumberId is required")
	}
	if cfg.WhatsApp.SendRate <= 0 {
		errs = append(errs, "whatsapp.sendRatePerSecond must be > 0")
	}
	if cfg.WhatsApp.SendBurst < 1 {
		errs = append(errs, "whatsapp.sendBurst must be >= 1")
	}

	if cfg.Dialogflow.ProjectID == "" {
		errs = append(errs, "dialogflow.projectId is required")
	}
	if cfg.Dialogflow.LanguageCode == "" {
		errs = append(errs, "dialogflow.languageCode is required")
	}

	if cfg.Google.KeyFile == "" {
		errs = append(errs, "google.keyFile is required")
	}

	if cfg.Audit.Enabled {
		if cfg.Audit.SpreadsheetID == "" {
			errs = append(errs, "audit.spreadsheetId is required when audit is enabled")
		}
		if cfg.Audit.Range == "" {
			errs = append(errs, "audit.range is required when audit is enabled")
		}
	}

	if cfg.Dedupe.Enabled {
		if cfg.Dedupe.DBPath == "" {
			errs = append(errs, "dedupe.dbPath is required when dedupe is enabled")
		}
		if cfg.Dedupe.TTLDays < 1 {
			errs = append(errs, "dedupe.ttlDays must be >= 1")
		}
	}

	for name, v := range map[string]int{
		"timeouts.credential": cfg.Timeouts.Credential,
		"timeouts.intent":     cfg.Timeouts.Intent,
		"timeouts.delivery":   cfg.Timeouts.Delivery,
		"timeouts.audit":      cfg.Timeouts.Audit,
	} {
		if v < 1 {
			errs = append(errs, name+" must be >= 1")
		}
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logLevel must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
