package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/securemem"
)

// apiKeyEnvVars are consulted in order; the first non-empty value wins.
var apiKeyEnvVars = []string{"BIZPILOT_API_KEY", "OPENAI_API_KEY"}

// Config represents application configuration
type Config struct {
	ListenAddr  string  `json:"listen_addr"`
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	MaxHistory  int     `json:"max_history"`

	ModelCallTimeoutSeconds  float64 `json:"model_call_timeout_seconds"`
	ToolCallTimeoutSeconds   float64 `json:"tool_call_timeout_seconds"`
	TotalBudgetSeconds       float64 `json:"total_budget_seconds"`
	StreamIdleTimeoutSeconds float64 `json:"stream_idle_timeout_seconds"`

	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"log_path"`  // empty logs to stderr

	apiKey *securemem.Secret
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "bizpilot")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "bizpilot")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "bizpilot")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "bizpilot")
	}
}

func defaultStateDir() string {
	if runtime.GOOS == "linux" {
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "bizpilot")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "bizpilot")
	}
	return defaultConfigDir()
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               "127.0.0.1:8080",
		Model:                    consts.DefaultModel,
		BaseURL:                  consts.DefaultBaseURL,
		Temperature:              consts.DefaultTemperature,
		MaxTokens:                consts.DefaultMaxTokens,
		MaxHistory:               consts.DefaultMaxHistory,
		ModelCallTimeoutSeconds:  consts.DefaultModelCallTimeout.Seconds(),
		ToolCallTimeoutSeconds:   consts.DefaultToolCallTimeout.Seconds(),
		TotalBudgetSeconds:       consts.DefaultTotalBudget.Seconds(),
		StreamIdleTimeoutSeconds: consts.DefaultStreamIdleTimeout.Seconds(),
		DBPath:                   filepath.Join(defaultStateDir(), "bizpilot.db"),
		LogLevel:                 "info",
	}
}

// Load loads configuration from file, then applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Unmarshal into default config (overrides only provided fields)
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := config.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if config.Model == "" {
		config.Model = consts.DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = consts.DefaultBaseURL
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = consts.DefaultMaxHistory
	}

	return config, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	str("BIZPILOT_LISTEN_ADDR", &c.ListenAddr)
	str("BIZPILOT_MODEL", &c.Model)
	str("BIZPILOT_BASE_URL", &c.BaseURL)
	str("BIZPILOT_DB_PATH", &c.DBPath)
	str("BIZPILOT_LOG_LEVEL", &c.LogLevel)
	str("BIZPILOT_LOG_PATH", &c.LogPath)

	if v := strings.TrimSpace(getenv("BIZPILOT_TOTAL_BUDGET_SECONDS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid BIZPILOT_TOTAL_BUDGET_SECONDS %q: %w", v, err)
		}
		c.TotalBudgetSeconds = f
	}

	for _, name := range apiKeyEnvVars {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			c.SetAPIKey(v)
			break
		}
	}
	return nil
}

// Validate checks that the timeout tiers are usable.
func (c *Config) Validate() error {
	tiers := []struct {
		name  string
		value float64
	}{
		{"model_call_timeout_seconds", c.ModelCallTimeoutSeconds},
		{"tool_call_timeout_seconds", c.ToolCallTimeoutSeconds},
		{"total_budget_seconds", c.TotalBudgetSeconds},
		{"stream_idle_timeout_seconds", c.StreamIdleTimeoutSeconds},
	}
	for _, tier := range tiers {
		if tier.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", tier.name, tier.value)
		}
	}
	if c.TotalBudgetSeconds < c.ModelCallTimeoutSeconds {
		return fmt.Errorf("total_budget_seconds (%v) is smaller than model_call_timeout_seconds (%v)",
			c.TotalBudgetSeconds, c.ModelCallTimeoutSeconds)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model must be set")
	}
	return nil
}

// ModelCallTimeout bounds a single upstream exchange.
func (c *Config) ModelCallTimeout() time.Duration { return seconds(c.ModelCallTimeoutSeconds) }

// ToolCallTimeout bounds one tool execution.
func (c *Config) ToolCallTimeout() time.Duration { return seconds(c.ToolCallTimeoutSeconds) }

// TotalBudget bounds one whole request.
func (c *Config) TotalBudget() time.Duration { return seconds(c.TotalBudgetSeconds) }

// StreamIdleTimeout bounds one upstream stream read.
func (c *Config) StreamIdleTimeout() time.Duration { return seconds(c.StreamIdleTimeoutSeconds) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// APIKey returns the sealed upstream credential. Never nil.
func (c *Config) APIKey() *securemem.Secret {
	if c.apiKey == nil {
		c.apiKey = securemem.NewSecret("")
	}
	return c.apiKey
}

// SetAPIKey replaces the upstream credential.
func (c *Config) SetAPIKey(key string) {
	if c.apiKey != nil {
		c.apiKey.Destroy()
	}
	c.apiKey = securemem.NewSecret(key)
}

// Save saves configuration to file. The API key is never written.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
