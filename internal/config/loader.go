package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is accepted
// and resolved to the config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, interpolates ${VAR} references, applies defaults
// and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfig finds a config file by checking standard locations.
// Priority order: $DEVLE_CONFIG, ~/.config/devle/config.yaml, /etc/devle/config.yaml, ./config.yaml
func DiscoverConfig() (string, error) {
	if p := os.Getenv("DEVLE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "devle", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	for _, p := range []string{"/etc/devle/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $DEVLE_CONFIG, ~/.config/devle, /etc/devle, ./config.yaml)")
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.PollInterval == 0 {
		cfg.Service.PollInterval = defaults.Service.PollInterval
	}
	if cfg.Service.Workers == 0 {
		cfg.Service.Workers = defaults.Service.Workers
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Enabled = defaults.API.Enabled
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	mergeModelDefaults(&cfg.Models.Coder, defaults.Models.Coder)
	mergeModelDefaults(&cfg.Models.Summarizer, defaults.Models.Summarizer)

	if cfg.Sandbox.DefaultTemplate == "" {
		cfg.Sandbox.DefaultTemplate = defaults.Sandbox.DefaultTemplate
	}
	if len(cfg.Sandbox.Templates) == 0 {
		cfg.Sandbox.Templates = defaults.Sandbox.Templates
	}
	for name, tmpl := range cfg.Sandbox.Templates {
		if tmpl.Workdir == "" {
			tmpl.Workdir = "/home/user"
		}
		cfg.Sandbox.Templates[name] = tmpl
	}
	if cfg.Sandbox.AppPort == 0 {
		cfg.Sandbox.AppPort = defaults.Sandbox.AppPort
	}
	if cfg.Sandbox.ShortTTL == 0 {
		cfg.Sandbox.ShortTTL = defaults.Sandbox.ShortTTL
	}
	if cfg.Sandbox.LongTTL == 0 {
		cfg.Sandbox.LongTTL = defaults.Sandbox.LongTTL
	}
	if cfg.Sandbox.ReapInterval == 0 {
		cfg.Sandbox.ReapInterval = defaults.Sandbox.ReapInterval
	}
	if cfg.Sandbox.URLScheme == "" {
		cfg.Sandbox.URLScheme = defaults.Sandbox.URLScheme
	}

	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = defaults.Agent.MaxIterations
	}
	if cfg.Agent.HistoryWindow == 0 {
		cfg.Agent.HistoryWindow = defaults.Agent.HistoryWindow
	}
	if cfg.Agent.CompletionMarker == "" {
		cfg.Agent.CompletionMarker = defaults.Agent.CompletionMarker
	}

	mergeRetryDefaults(&cfg.Steps, defaults.Steps)
	mergeRetryDefaults(&cfg.Events, defaults.Events)

	if cfg.Publish.BootDelay == 0 {
		cfg.Publish.BootDelay = defaults.Publish.BootDelay
	}
	if cfg.Publish.ScreenshotAttempts == 0 {
		cfg.Publish.ScreenshotAttempts = defaults.Publish.ScreenshotAttempts
	}
	if cfg.Publish.ScreenshotBackoff == 0 {
		cfg.Publish.ScreenshotBackoff = defaults.Publish.ScreenshotBackoff
	}
	if cfg.Publish.SlugMaxLen == 0 {
		cfg.Publish.SlugMaxLen = defaults.Publish.SlugMaxLen
	}
	if len(cfg.Publish.Categories) == 0 {
		cfg.Publish.Categories = defaults.Publish.Categories
	}

	if cfg.Screenshot.ThumbnailBase == "" {
		cfg.Screenshot.ThumbnailBase = defaults.Screenshot.ThumbnailBase
	}
	if cfg.Screenshot.UploadBase == "" {
		cfg.Screenshot.UploadBase = defaults.Screenshot.UploadBase
	}
	if cfg.Screenshot.PlaceholderURL == "" {
		cfg.Screenshot.PlaceholderURL = defaults.Screenshot.PlaceholderURL
	}
	if cfg.Screenshot.Timeout == 0 {
		cfg.Screenshot.Timeout = defaults.Screenshot.Timeout
	}
}

func mergeModelDefaults(m *ModelConfig, d ModelConfig) {
	if m.Type == "" {
		m.Type = d.Type
	}
	m.Type = strings.ToLower(m.Type)
	if m.Model == "" {
		m.Model = d.Model
	}
	if m.Temperature == nil {
		m.Temperature = d.Temperature
	}
	if m.Timeout == 0 {
		m.Timeout = d.Timeout
	}
}

func mergeRetryDefaults(r *RetryConfig, d RetryConfig) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	if r.BackoffBase == 0 {
		r.BackoffBase = d.BackoffBase
	}
	if r.BackoffMax == 0 {
		r.BackoffMax = d.BackoffMax
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder; validation reports it when the field matters.
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.PollInterval <= 0 {
		return fmt.Errorf("service.poll_interval must be positive")
	}
	if cfg.Service.Workers < 1 {
		return fmt.Errorf("service.workers must be at least 1")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes is required", i)
			}
		}
		if err := unresolved("api.webhook_secret", cfg.API.WebhookSecret); err != nil {
			return err
		}
	}

	for name, m := range map[string]ModelConfig{"coder": cfg.Models.Coder, "summarizer": cfg.Models.Summarizer} {
		switch m.Type {
		case "openai", "claude", "ollama":
		default:
			return fmt.Errorf("models.%s.type must be one of: openai, claude, ollama (got %q)", name, m.Type)
		}
		if m.Model == "" {
			return fmt.Errorf("models.%s.model is required", name)
		}
	}

	tmpl, ok := cfg.Sandbox.Templates[cfg.Sandbox.DefaultTemplate]
	if !ok {
		return fmt.Errorf("sandbox.default_template %q is not defined in sandbox.templates", cfg.Sandbox.DefaultTemplate)
	}
	if tmpl.Image == "" {
		return fmt.Errorf("sandbox.templates.%s.image is required", cfg.Sandbox.DefaultTemplate)
	}
	if cfg.Sandbox.AppPort <= 0 || cfg.Sandbox.AppPort > 65535 {
		return fmt.Errorf("sandbox.app_port out of range: %d", cfg.Sandbox.AppPort)
	}
	if cfg.Sandbox.ShortTTL <= 0 || cfg.Sandbox.LongTTL <= 0 {
		return fmt.Errorf("sandbox.short_ttl and sandbox.long_ttl must be positive")
	}

	if cfg.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if cfg.Agent.HistoryWindow < 0 {
		return fmt.Errorf("agent.history_window must not be negative")
	}

	if cfg.Steps.MaxAttempts < 1 || cfg.Events.MaxAttempts < 1 {
		return fmt.Errorf("steps.max_attempts and events.max_attempts must be at least 1")
	}

	if cfg.Publish.ScreenshotAttempts < 1 {
		return fmt.Errorf("publish.screenshot_attempts must be at least 1")
	}
	if cfg.Publish.SlugMaxLen < 8 {
		return fmt.Errorf("publish.slug_max_len must be at least 8")
	}
	hasOther := false
	for _, c := range cfg.Publish.Categories {
		if c == "Other" {
			hasOther = true
		}
	}
	if !hasOther {
		return fmt.Errorf("publish.categories must include the catch-all %q", "Other")
	}

	return nil
}
