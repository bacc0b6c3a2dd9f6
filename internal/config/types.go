package config

import "time"

// Config represents the complete devle configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	API        APIConfig        `yaml:"api,omitempty"`
	Models     ModelsConfig     `yaml:"models"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Agent      AgentConfig      `yaml:"agent"`
	Steps      RetryConfig      `yaml:"steps"`
	Events     RetryConfig      `yaml:"events"`
	Publish    PublishConfig    `yaml:"publish"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Listen        string        `yaml:"listen"`
	Auth          APIAuthConfig `yaml:"auth"`
	WebhookSecret string        `yaml:"webhook_secret,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ModelsConfig names the completion providers used by the workflows.
// Coder drives the agent network; Summarizer backs the single-turn
// title, response and category agents.
type ModelsConfig struct {
	Coder      ModelConfig `yaml:"coder"`
	Summarizer ModelConfig `yaml:"summarizer"`
}

// ModelConfig selects and parameterizes one chat model.
type ModelConfig struct {
	Type        string        `yaml:"type"` // openai, claude, ollama
	BaseURL     string        `yaml:"base_url,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Model       string        `yaml:"model"`
	Temperature *float32      `yaml:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// SandboxConfig defines sandbox templates and the TTL policy.
type SandboxConfig struct {
	DefaultTemplate string                    `yaml:"default_template"`
	Templates       map[string]TemplateConfig `yaml:"templates"`
	AppPort         int                       `yaml:"app_port"`
	ShortTTL        time.Duration             `yaml:"short_ttl"`
	LongTTL         time.Duration             `yaml:"long_ttl"`
	ReapInterval    time.Duration             `yaml:"reap_interval"`
	URLScheme       string                    `yaml:"url_scheme"`
}

// TemplateConfig maps a template name onto a container image.
type TemplateConfig struct {
	Image   string `yaml:"image"`
	Workdir string `yaml:"workdir"`
	// Serve is the shell command that starts the generated app.
	Serve string `yaml:"serve"`
}

// AgentConfig bounds the coding agent network.
type AgentConfig struct {
	MaxIterations    int    `yaml:"max_iterations"`
	HistoryWindow    int    `yaml:"history_window"`
	CompletionMarker string `yaml:"completion_marker"`
}

// RetryConfig defines retry behavior for steps and events.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// PublishConfig tunes the publish pipeline.
type PublishConfig struct {
	BootDelay          time.Duration `yaml:"boot_delay"`
	ScreenshotAttempts int           `yaml:"screenshot_attempts"`
	ScreenshotBackoff  time.Duration `yaml:"screenshot_backoff"`
	SlugMaxLen         int           `yaml:"slug_max_len"`
	Categories         []string      `yaml:"categories,omitempty"`
}

// ScreenshotConfig configures the thumbnail + image host pair.
type ScreenshotConfig struct {
	ThumbnailBase  string        `yaml:"thumbnail_base"`
	UploadBase     string        `yaml:"upload_base"`
	CloudName      string        `yaml:"cloud_name"`
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	PlaceholderURL string        `yaml:"placeholder_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Enabled reports whether image hosting credentials are configured.
func (s ScreenshotConfig) Enabled() bool {
	return s.CloudName != "" && s.APIKey != "" && s.APISecret != ""
}

// DefaultCategories is the closed set the classifier may choose from.
var DefaultCategories = []string{
	"Productivity",
	"Finance",
	"Education",
	"Health",
	"E-commerce",
	"Social",
	"Entertainment",
	"Developer Tools",
	"Business",
	"Other",
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	temp := float32(0.1)
	return &Config{
		Service: ServiceConfig{
			Name:            "devle",
			LogLevel:        "info",
			PollInterval:    time.Second,
			Workers:         4,
			ShutdownTimeout: 10 * time.Second,
		},
		State: StateConfig{
			Path: "./data/devle.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Models: ModelsConfig{
			Coder: ModelConfig{
				Type:        "openai",
				Model:       "gpt-4.1",
				Temperature: &temp,
				Timeout:     10 * time.Minute,
			},
			Summarizer: ModelConfig{
				Type:    "openai",
				Model:   "gpt-4o",
				Timeout: 2 * time.Minute,
			},
		},
		Sandbox: SandboxConfig{
			DefaultTemplate: "devle-ai-project-2",
			Templates: map[string]TemplateConfig{
				"devle-ai-project-2": {
					Image:   "node:21-slim",
					Workdir: "/home/user",
					Serve:   "npm run dev -- --port 3000 --hostname 0.0.0.0",
				},
			},
			AppPort:      3000,
			ShortTTL:     30 * time.Minute,
			LongTTL:      3 * time.Hour,
			ReapInterval: 30 * time.Second,
			URLScheme:    "https",
		},
		Agent: AgentConfig{
			MaxIterations:    15,
			HistoryWindow:    5,
			CompletionMarker: "<task_summary>",
		},
		Steps: RetryConfig{
			MaxAttempts: 4,
			BackoffBase: time.Second,
			BackoffMax:  30 * time.Second,
		},
		Events: RetryConfig{
			MaxAttempts: 4,
			BackoffBase: 30 * time.Second,
			BackoffMax:  10 * time.Minute,
		},
		Publish: PublishConfig{
			BootDelay:          10 * time.Second,
			ScreenshotAttempts: 3,
			ScreenshotBackoff:  30 * time.Second,
			SlugMaxLen:         50,
			Categories:         append([]string(nil), DefaultCategories...),
		},
		Screenshot: ScreenshotConfig{
			ThumbnailBase:  "https://image.thum.io/get",
			UploadBase:     "https://api.cloudinary.com",
			PlaceholderURL: "https://via.placeholder.com/1280x720/cccccc/666666?text=Project+Preview",
			Timeout:        60 * time.Second,
		},
	}
}
