// Package doctor checks a loaded devle configuration for mistakes that
// still parse: scopes nobody can satisfy, missing credentials, disabled
// side features.
package doctor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/devle/internal/auth"
	"github.com/mattjoyce/devle/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool    `json:"valid"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Errors      []Issue `json:"errors,omitempty"`
	Warnings    []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Doctor validates one configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.checkAPI(r)
	d.checkTokenScopes(r)
	d.checkModels(r)
	d.checkSandbox(r)
	d.checkPublish(r)
	d.checkScreenshot(r)
	d.checkPlaceholders(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (r *Result) addError(category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (r *Result) addWarning(category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		r.addWarning("api", "api.auth", "API enabled but no authentication configured; every protected route will answer 401")
	}
	if api.Auth.APIKey != "" && len(api.Auth.Tokens) > 0 {
		r.addWarning("api", "api.auth", "both api_key and tokens configured; api_key grants every scope")
	}
	switch {
	case api.WebhookSecret == "":
		r.addWarning("api", "api.webhook_secret", "webhook_secret unset; /hooks ingest is disabled")
	case len(api.WebhookSecret) < 16:
		r.addWarning("api", "api.webhook_secret", "webhook_secret is shorter than 16 characters")
	}

	seen := make(map[string]int)
	for i, tok := range api.Auth.Tokens {
		if prev, ok := seen[tok.Token]; ok && tok.Token != "" {
			r.addError("api", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
			continue
		}
		seen[tok.Token] = i
	}
}

func (d *Doctor) checkTokenScopes(r *Result) {
	for i, tok := range d.cfg.API.Auth.Tokens {
		for j, scope := range tok.Scopes {
			if _, _, err := auth.ParseScope(scope); err != nil {
				r.addError("token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j), err.Error())
			}
		}
	}
}

func (d *Doctor) checkModels(r *Result) {
	for _, m := range []struct {
		name string
		cfg  config.ModelConfig
	}{
		{"coder", d.cfg.Models.Coder},
		{"summarizer", d.cfg.Models.Summarizer},
	} {
		field := "models." + m.name
		if m.cfg.Type != "ollama" && m.cfg.APIKey == "" {
			r.addError("models", field+".api_key",
				fmt.Sprintf("%s provider requires an api_key", m.cfg.Type))
		}
		if m.cfg.Type == "ollama" && m.cfg.BaseURL == "" {
			r.addWarning("models", field+".base_url", "ollama base_url unset; the client default is used")
		}
		if m.cfg.Timeout > 0 && m.cfg.Timeout.Seconds() < 30 {
			r.addWarning("models", field+".timeout",
				fmt.Sprintf("timeout %s is likely too short for a completion", m.cfg.Timeout))
		}
	}
}

func (d *Doctor) checkSandbox(r *Result) {
	sb := d.cfg.Sandbox
	if sb.LongTTL < sb.ShortTTL {
		r.addWarning("sandbox", "sandbox.long_ttl",
			fmt.Sprintf("long_ttl %s is shorter than short_ttl %s", sb.LongTTL, sb.ShortTTL))
	}
	for name, tmpl := range sb.Templates {
		if tmpl.Serve == "" {
			r.addWarning("sandbox", "sandbox.templates."+name+".serve",
				"no serve command; sandboxes from this template will not expose an app")
		}
	}
}

func (d *Doctor) checkPublish(r *Result) {
	seen := make(map[string]bool)
	for i, c := range d.cfg.Publish.Categories {
		key := strings.ToLower(strings.TrimSpace(c))
		if seen[key] {
			r.addWarning("publish", fmt.Sprintf("publish.categories[%d]", i),
				fmt.Sprintf("category %q is listed twice", c))
		}
		seen[key] = true
	}
}

func (d *Doctor) checkScreenshot(r *Result) {
	if !d.cfg.Screenshot.Enabled() {
		r.addWarning("screenshot", "screenshot",
			"image host credentials unset; published projects use the placeholder image")
	}
}

func (d *Doctor) checkPlaceholders(r *Result) {
	for field, value := range map[string]string{
		"models.coder.api_key":      d.cfg.Models.Coder.APIKey,
		"models.summarizer.api_key": d.cfg.Models.Summarizer.APIKey,
		"screenshot.api_key":        d.cfg.Screenshot.APIKey,
		"screenshot.api_secret":     d.cfg.Screenshot.APISecret,
	} {
		for _, m := range placeholderRe.FindAllStringSubmatch(value, -1) {
			r.addWarning("env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "  fingerprint %s\n", r.Fingerprint)
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
