package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Email             string `yaml:"email"`
	EncryptedPassword string `yaml:"encrypted_password"`

	ProductURL string `yaml:"product_url"`
	LoginURL   string `yaml:"login_url"`

	RefreshIntervalSeconds int     `yaml:"refresh_interval_seconds"`
	JitterRatio            float64 `yaml:"jitter_ratio"`
	MinDelaySeconds        float64 `yaml:"min_delay_seconds"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	CookieFilePath     string `yaml:"cookie_file_path"`
	KeyDir             string `yaml:"key_dir"`
	LogFile            string `yaml:"log_file"`

	PageLoadTimeout int `yaml:"page_load_timeout"`
	ViewportWidth   int `yaml:"viewport_width"`
	ViewportHeight  int `yaml:"viewport_height"`

	EnableAntiDetection bool     `yaml:"enable_anti_detection"`
	RandomizeUserAgent  bool     `yaml:"randomize_user_agent"`
	RandomizeWindowSize bool     `yaml:"randomize_window_size"`
	RandomDelays        bool     `yaml:"random_delays"`
	StealthMode         bool     `yaml:"stealth_mode"`
	UserAgents          []string `yaml:"user_agents"`
	DetourURLs          []string `yaml:"detour_urls"`

	StopOnSuccess              bool `yaml:"stop_on_success"`
	ContinueAfterFailedAttempt bool `yaml:"continue_after_failed_attempt"`
	SessionSaveEvery           int  `yaml:"session_save_every"`

	// StartAt uses the ParseStartTime formats. Empty starts immediately.
	StartAt            string   `yaml:"start_at"`
	StartBeforeMinutes int      `yaml:"start_before_minutes"`
	TimeServers        []string `yaml:"time_servers"`

	Preflight bool `yaml:"preflight"`
	Headless  bool `yaml:"headless"`
	DryRun    bool `yaml:"dry_run"`
	Verbose   bool `yaml:"verbose"`

	Retry     RetryConfig    `yaml:"retry"`
	Selectors SelectorConfig `yaml:"selectors"`
}

// RetryConfig overrides the retry defaults. Zero keeps the default.
type RetryConfig struct {
	BaseDelayMs     int     `yaml:"base_delay_ms"`
	MaxDelayMs      int     `yaml:"max_delay_ms"`
	BackoffFactor   float64 `yaml:"backoff_factor"`
	ChallengeBudget int     `yaml:"challenge_budget"`
	LoginBudget     int     `yaml:"login_budget"`
	NetworkBudget   int     `yaml:"network_budget"`
}

type SelectorConfig struct {
	Indicators Indicators        `yaml:"indicators"`
	Login      LoginSelectors    `yaml:"login"`
	Checkout   CheckoutSelectors `yaml:"checkout"`
}

// ConfigError reports an unusable configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		LoginURL:                   "https://www.amazon.com/ap/signin",
		RefreshIntervalSeconds:     60,
		JitterRatio:                0.25,
		MinDelaySeconds:            0.5,
		BrowserProfilePath:         filepath.Join(userDataDir, "browser-profile"),
		CookieFilePath:             filepath.Join(userDataDir, "session.json"),
		KeyDir:                     filepath.Join(userDataDir, "keys"),
		PageLoadTimeout:            30,
		ViewportWidth:              1920,
		ViewportHeight:             1080,
		StopOnSuccess:              true,
		ContinueAfterFailedAttempt: true,
		SessionSaveEvery:           5,
		StartBeforeMinutes:         10,
		TimeServers:                append([]string(nil), defaultTimeServers...),
		Preflight:                  true,
		Selectors: SelectorConfig{
			Indicators: DefaultIndicators(),
			Login:      DefaultLoginSelectors(),
			Checkout:   DefaultCheckoutSelectors(),
		},
	}
}

// LoadConfig reads path over the defaults and applies DROPWATCH_* overrides.
// A missing file is created with the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := config.applyEnvOverrides(os.Getenv); err != nil {
		return nil, err
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0700); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// Save writes the config at 0600; it carries the encrypted password.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

type envKind int

const (
	envString envKind = iota
	envInt
	envBool
)

type envBinding struct {
	name  string
	kind  envKind
	apply func(c *Config, v any)
}

var envBindings = []envBinding{
	{"DROPWATCH_EMAIL", envString, func(c *Config, v any) { c.Email = v.(string) }},
	{"DROPWATCH_ENCRYPTED_PASSWORD", envString, func(c *Config, v any) { c.EncryptedPassword = v.(string) }},
	{"DROPWATCH_PRODUCT_URL", envString, func(c *Config, v any) { c.ProductURL = v.(string) }},
	{"DROPWATCH_REFRESH_INTERVAL", envInt, func(c *Config, v any) { c.RefreshIntervalSeconds = v.(int) }},
	{"DROPWATCH_HEADLESS", envBool, func(c *Config, v any) { c.Headless = v.(bool) }},
	{"DROPWATCH_COOKIE_FILE", envString, func(c *Config, v any) { c.CookieFilePath = v.(string) }},
	{"DROPWATCH_ENABLE_ANTI_DETECTION", envBool, func(c *Config, v any) { c.EnableAntiDetection = v.(bool) }},
	{"DROPWATCH_RANDOMIZE_USER_AGENT", envBool, func(c *Config, v any) { c.RandomizeUserAgent = v.(bool) }},
	{"DROPWATCH_RANDOMIZE_WINDOW_SIZE", envBool, func(c *Config, v any) { c.RandomizeWindowSize = v.(bool) }},
	{"DROPWATCH_RANDOM_DELAYS", envBool, func(c *Config, v any) { c.RandomDelays = v.(bool) }},
	{"DROPWATCH_STEALTH_MODE", envBool, func(c *Config, v any) { c.StealthMode = v.(bool) }},
	{"DROPWATCH_VERBOSE", envBool, func(c *Config, v any) { c.Verbose = v.(bool) }},
}

func (c *Config) applyEnvOverrides(getenv func(string) string) error {
	for _, b := range envBindings {
		raw := strings.TrimSpace(getenv(b.name))
		if raw == "" {
			continue
		}
		switch b.kind {
		case envString:
			b.apply(c, raw)
		case envInt:
			i, err := strconv.Atoi(raw)
			if err != nil {
				return &ConfigError{Field: b.name, Reason: fmt.Sprintf("not an integer: %q", raw)}
			}
			b.apply(c, i)
		case envBool:
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return &ConfigError{Field: b.name, Reason: fmt.Sprintf("not a boolean: %q", raw)}
			}
			b.apply(c, v)
		}
	}
	return nil
}

// ValidateTarget checks what a single observation needs.
func (c *Config) ValidateTarget() error {
	if err := checkURL("product_url", c.ProductURL); err != nil {
		return err
	}
	if c.PageLoadTimeout <= 0 {
		return &ConfigError{Field: "page_load_timeout", Reason: "must be positive"}
	}
	for _, d := range c.DetourURLs {
		if err := checkURL("detour_urls", d); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks everything a monitoring run needs.
func (c *Config) Validate() error {
	if err := c.ValidateTarget(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Email) == "" {
		return &ConfigError{Field: "email", Reason: "is required"}
	}
	if strings.TrimSpace(c.EncryptedPassword) == "" {
		return &ConfigError{Field: "encrypted_password", Reason: "is required; run encrypt-password"}
	}
	if err := checkURL("login_url", c.LoginURL); err != nil {
		return err
	}
	if c.RefreshIntervalSeconds < 1 {
		return &ConfigError{Field: "refresh_interval_seconds", Reason: "must be at least 1"}
	}
	if c.JitterRatio < 0 || c.JitterRatio > 0.9 {
		return &ConfigError{Field: "jitter_ratio", Reason: "must be within [0, 0.9]"}
	}
	if c.MinDelaySeconds < 0 {
		return &ConfigError{Field: "min_delay_seconds", Reason: "must not be negative"}
	}
	if c.CookieFilePath == "" {
		return &ConfigError{Field: "cookie_file_path", Reason: "is required"}
	}
	if c.SessionSaveEvery < 0 {
		return &ConfigError{Field: "session_save_every", Reason: "must not be negative"}
	}
	if c.StartBeforeMinutes < 0 {
		return &ConfigError{Field: "start_before_minutes", Reason: "must not be negative"}
	}
	if _, err := c.StartTime(time.Now()); err != nil {
		return err
	}
	r := c.Retry
	if r.BaseDelayMs < 0 || r.MaxDelayMs < 0 || r.ChallengeBudget < 0 || r.LoginBudget < 0 || r.NetworkBudget < 0 {
		return &ConfigError{Field: "retry", Reason: "values must not be negative"}
	}
	if r.BackoffFactor != 0 && r.BackoffFactor < 1 {
		return &ConfigError{Field: "retry.backoff_factor", Reason: "must be at least 1"}
	}
	budgets := c.RetryPolicy().Budgets
	for kind, n := range budgets {
		if kind != FailureChallenge && budgets[FailureChallenge] >= n {
			return &ConfigError{
				Field:  "retry.challenge_budget",
				Reason: fmt.Sprintf("must be below the %s budget (%d)", kind, n),
			}
		}
	}
	if len(c.Selectors.Checkout.BuyButtons) == 0 {
		return &ConfigError{Field: "selectors.checkout.buy_buttons", Reason: "must list at least one selector"}
	}
	return nil
}

func checkURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ConfigError{Field: field, Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("not an absolute http(s) URL: %q", raw)}
	}
	return nil
}

// StartTime is the instant monitoring may begin: start_at minus
// start_before_minutes. Zero when start_at is empty.
func (c *Config) StartTime(now time.Time) (time.Time, error) {
	if strings.TrimSpace(c.StartAt) == "" {
		return time.Time{}, nil
	}
	t, err := ParseStartTime(c.StartAt, now)
	if err != nil {
		return time.Time{}, &ConfigError{Field: "start_at", Reason: err.Error()}
	}
	return t.Add(-time.Duration(c.StartBeforeMinutes) * time.Minute), nil
}

// Policy derives the anti-detection capability set. Stealth implies all of it.
func (c *Config) Policy() BehaviorPolicy {
	return BehaviorPolicy{
		AntiDetection:     c.EnableAntiDetection,
		RandomizeAgent:    c.RandomizeUserAgent,
		RandomizeViewport: c.RandomizeWindowSize,
		RandomDelays:      c.RandomDelays,
		Stealth:           c.StealthMode,
	}.Normalize()
}

func (c *Config) BehaviorConfig() BehaviorConfig {
	return BehaviorConfig{
		Policy:       c.Policy(),
		BaseInterval: time.Duration(c.RefreshIntervalSeconds) * time.Second,
		JitterRatio:  c.JitterRatio,
		MinDelay:     time.Duration(c.MinDelaySeconds * float64(time.Second)),
		Agents:       c.UserAgents,
		Viewport:     Viewport{Width: c.ViewportWidth, Height: c.ViewportHeight},
		DetourURLs:   c.DetourURLs,
	}
}

func (c *Config) RetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	r := c.Retry
	if r.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(r.BaseDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	if r.BackoffFactor > 0 {
		p.BackoffFactor = r.BackoffFactor
	}
	if r.ChallengeBudget > 0 {
		p.Budgets[FailureChallenge] = r.ChallengeBudget
	}
	if r.LoginBudget > 0 {
		p.Budgets[FailureLogin] = r.LoginBudget
	}
	if r.NetworkBudget > 0 {
		p.Budgets[FailureNetwork] = r.NetworkBudget
	}
	return p
}

func (c *Config) PageLoadTimeoutDuration() time.Duration {
	return time.Duration(c.PageLoadTimeout) * time.Second
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./dropwatch-data"
	}
	return filepath.Join(home, ".dropwatch")
}
