package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StateDirName is the per-workspace directory holding config, memory and logs.
const StateDirName = ".loopsmith"

// Config holds all loopsmith configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM          LLMConfig          `yaml:"llm"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Verification VerificationConfig `yaml:"verification"`
	Browser      BrowserConfig      `yaml:"browser"`
	Deploy       DeployConfig       `yaml:"deploy"`
	Research     ResearchConfig     `yaml:"research"`
	Templates    TemplatesConfig    `yaml:"templates"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ProviderConfig configures one entry of the LLM provider chain.
type ProviderConfig struct {
	Name        string `yaml:"name"` // gemini, openai, ollama
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	FastModel   string `yaml:"fast_model"`
	StrongModel string `yaml:"strong_model"`
}

// LLMConfig configures the gateway. Providers are tried in order; the first
// one is the primary and is the only one retried on quota errors.
type LLMConfig struct {
	Providers            []ProviderConfig `yaml:"providers"`
	MaxRetries           int              `yaml:"max_retries"`
	BackoffBase          string           `yaml:"backoff_base"`
	Timeout              string           `yaml:"timeout"`
	RouterThreshold      int              `yaml:"router_threshold"` // prompt chars below which the fast model is used
	CodeTemperature      float32          `yaml:"code_temperature"`
	DecomposeTemperature float32          `yaml:"decompose_temperature"`
}

// SupervisorConfig configures the outer loop.
type SupervisorConfig struct {
	Lookback    int `yaml:"lookback"`
	MaxAttempts int `yaml:"max_attempts"`
}

// VerificationConfig configures the three verification layers.
type VerificationConfig struct {
	RequiredFiles  []string       `yaml:"required_files"`
	MinFileSize    int            `yaml:"min_file_size"`
	MinFileSizes   map[string]int `yaml:"min_file_sizes"`
	BaseURL        string         `yaml:"base_url"`
	ChatPath       string         `yaml:"chat_path"`
	HTTPTimeout    string         `yaml:"http_timeout"`
	Selectors      []string       `yaml:"selectors"`
	InputSelector  string         `yaml:"input_selector"`
	SubmitSelector string         `yaml:"submit_selector"`
}

// BrowserConfig configures the headless browser used by frontend checks.
type BrowserConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Headless          bool   `yaml:"headless"`
	BinPath           string `yaml:"bin_path"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	IdleWait          string `yaml:"idle_wait"`
}

// DeployConfig configures the deployed server process.
type DeployConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	InstallCommand []string `yaml:"install_command"`
	WarmUp         string   `yaml:"warm_up"`
	ProcessMatch   string   `yaml:"process_match"`
	CommandTimeout string   `yaml:"command_timeout"`
}

// ResearchConfig configures the proactive research pass.
type ResearchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	MinTopics int    `yaml:"min_topics"`
	MaxTopics int    `yaml:"max_topics"`
	CacheSize int    `yaml:"cache_size"`
	CacheTTL  string `yaml:"cache_ttl"`
}

// TemplatesConfig configures the deterministic template strategy.
type TemplatesConfig struct {
	SmallFileThreshold int `yaml:"small_file_threshold"`
}

// LoggingConfig configures category file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultRequiredFiles is the Flask-style layout verified by default.
var DefaultRequiredFiles = []string{
	"app.py",
	"templates/index.html",
	"static/style.css",
	"static/script.js",
	"requirements.txt",
}

// DefaultSelectors are the DOM elements the chat frontend must expose.
var DefaultSelectors = []string{
	"#chat-container",
	"#message-form",
	"#message-input",
	`button[type="submit"]`,
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "loopsmith",
		Version: "0.3.0",

		LLM: LLMConfig{
			Providers: []ProviderConfig{
				{Name: "gemini", FastModel: "gemini-2.5-flash", StrongModel: "gemini-2.5-pro"},
				{Name: "openai", FastModel: "gpt-4o-mini", StrongModel: "gpt-4o"},
			},
			MaxRetries:           3,
			BackoffBase:          "2s",
			Timeout:              "120s",
			RouterThreshold:      3000,
			CodeTemperature:      0.2,
			DecomposeTemperature: 0.3,
		},

		Supervisor: SupervisorConfig{
			Lookback:    3,
			MaxAttempts: 20,
		},

		Verification: VerificationConfig{
			RequiredFiles:  append([]string(nil), DefaultRequiredFiles...),
			MinFileSize:    50,
			MinFileSizes:   map[string]int{"requirements.txt": 3},
			BaseURL:        "http://127.0.0.1:5000",
			ChatPath:       "/chat",
			HTTPTimeout:    "5s",
			Selectors:      append([]string(nil), DefaultSelectors...),
			InputSelector:  "#message-input",
			SubmitSelector: `button[type="submit"]`,
		},

		Browser: BrowserConfig{
			Enabled:           true,
			Headless:          true,
			NavigationTimeout: "10s",
			IdleWait:          "2s",
		},

		Deploy: DeployConfig{
			Command:        "python",
			Args:           []string{"app.py"},
			InstallCommand: []string{"pip", "install", "-q", "-r", "requirements.txt"},
			WarmUp:         "3s",
			ProcessMatch:   "python app.py",
			CommandTimeout: "120s",
		},

		Research: ResearchConfig{
			Enabled:   true,
			MinTopics: 5,
			MaxTopics: 7,
			CacheSize: 64,
			CacheTTL:  "1h",
		},

		Templates: TemplatesConfig{
			SmallFileThreshold: 200,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the config file location for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, StateDirName, "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads .env files from the given directories when present.
// Variables already set in the environment win.
func LoadDotEnv(dirs ...string) error {
	for _, dir := range dirs {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) provider(name string) *ProviderConfig {
	for i := range c.LLM.Providers {
		if c.LLM.Providers[i].Name == name {
			return &c.LLM.Providers[i]
		}
	}
	c.LLM.Providers = append(c.LLM.Providers, ProviderConfig{Name: name})
	return &c.LLM.Providers[len(c.LLM.Providers)-1]
}

func (c *Config) applyEnvOverrides() {
	geminiKey := os.Getenv("GEMINI_API_KEY")
	if geminiKey == "" {
		geminiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if geminiKey != "" {
		c.provider("gemini").APIKey = geminiKey
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.provider("openai").APIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.provider("ollama").BaseURL = host
	}

	if v := os.Getenv("LOOPSMITH_LOOKBACK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Supervisor.Lookback = n
		}
	}
	if v := os.Getenv("LOOPSMITH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Supervisor.MaxAttempts = n
		}
	}
	if v := os.Getenv("LOOPSMITH_BASE_URL"); v != "" {
		c.Verification.BaseURL = v
	}
	if v := os.Getenv("LOOPSMITH_BROWSER"); v != "" {
		c.Browser.Enabled = v != "off" && v != "false" && v != "0"
	}
	if v := os.Getenv("LOOPSMITH_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || strings.EqualFold(v, "true")
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the per-call LLM timeout.
func (c *Config) GetLLMTimeout() time.Duration { return parseDuration(c.LLM.Timeout, 120*time.Second) }

// GetBackoffBase returns the base delay of the quota backoff.
func (c *Config) GetBackoffBase() time.Duration { return parseDuration(c.LLM.BackoffBase, 2*time.Second) }

// GetHTTPTimeout returns the backend check timeout.
func (c *Config) GetHTTPTimeout() time.Duration {
	return parseDuration(c.Verification.HTTPTimeout, 5*time.Second)
}

// GetNavigationTimeout returns the browser navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 10*time.Second)
}

// GetIdleWait returns how long the browser waits for network idle.
func (c *Config) GetIdleWait() time.Duration { return parseDuration(c.Browser.IdleWait, 2*time.Second) }

// GetWarmUp returns the delay between spawning the server and verifying it.
func (c *Config) GetWarmUp() time.Duration { return parseDuration(c.Deploy.WarmUp, 3*time.Second) }

// GetCommandTimeout returns the timeout for build-phase commands.
func (c *Config) GetCommandTimeout() time.Duration {
	return parseDuration(c.Deploy.CommandTimeout, 120*time.Second)
}

// GetResearchCacheTTL returns the research cache TTL.
func (c *Config) GetResearchCacheTTL() time.Duration { return parseDuration(c.Research.CacheTTL, time.Hour) }

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"gemini", "openai", "ollama"}

// ErrNoProviders is returned when no provider in the chain has credentials.
var ErrNoProviders = errors.New("no LLM provider configured (set GEMINI_API_KEY, OPENAI_API_KEY or OLLAMA_HOST)")

// ActiveProviders returns the configured providers that can be used, in chain order.
// Ollama needs no key; the others are skipped without one.
func (c *Config) ActiveProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.LLM.Providers {
		switch {
		case p.Name == "ollama" && p.BaseURL != "":
			out = append(out, p)
		case p.APIKey != "":
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, p := range c.LLM.Providers {
		valid := false
		for _, v := range ValidProviders {
			if p.Name == v {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid LLM provider: %s (valid: %v)", p.Name, ValidProviders)
		}
	}
	if len(c.ActiveProviders()) == 0 {
		return ErrNoProviders
	}
	if c.Supervisor.Lookback < 1 {
		return fmt.Errorf("supervisor.lookback must be >= 1, got %d", c.Supervisor.Lookback)
	}
	if c.Supervisor.MaxAttempts < 1 {
		return fmt.Errorf("supervisor.max_attempts must be >= 1, got %d", c.Supervisor.MaxAttempts)
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be >= 0, got %d", c.LLM.MaxRetries)
	}
	return nil
}

// MinSizeFor returns the minimum acceptable size for a required file.
func (c *Config) MinSizeFor(path string) int {
	if n, ok := c.Verification.MinFileSizes[filepath.Base(path)]; ok {
		return n
	}
	if n, ok := c.Verification.MinFileSizes[path]; ok {
		return n
	}
	return c.Verification.MinFileSize
}
