// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Provider selects the language-model backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAzure     Provider = "azure"
	ProviderAnthropic Provider = "anthropic"
)

// maxTemperature is the highest sampling temperature the provider accepts.
func (p Provider) maxTemperature() float64 {
	if p == ProviderAnthropic {
		return 1
	}
	return 2
}

// Config holds all application configuration. Provider credentials are read
// by the llm constructors themselves.
type Config struct {
	Provider     Provider
	Temperature  float64
	DebugLogPath string // empty = logs discarded
	TraceDir     string // empty = tracing disabled
	Color        bool
}

// LoadDotEnv loads path into the environment if it exists. Variables already
// set in the environment win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// FindDotEnv looks for a .env file in dir and then in each parent directory,
// returning the first one found.
//
// Expectations:
//   - Returns the .env in dir itself when present
//   - Returns the nearest .env in an ancestor directory otherwise
//   - Ignores a directory named .env
//   - Returns false when no ancestor has one
func FindDotEnv(dir string) (string, bool) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		path := filepath.Join(dir, ".env")
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Load reads configuration from environment variables.
//
// Expectations:
//   - Defaults to the openai provider, temperature 0, colour on
//   - Accepts provider names case-insensitively
//   - Returns an error for an unknown provider
//   - Returns an error for an unparsable temperature or one outside the provider's range
func Load() (*Config, error) {
	temp, err := getEnvFloat("STORY_TEMPERATURE", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := &Config{
		Provider:     Provider(strings.ToLower(getEnv("STORY_PROVIDER", string(ProviderOpenAI)))),
		Temperature:  temp,
		DebugLogPath: getEnv("STORY_DEBUG_LOG", ""),
		TraceDir:     getEnv("STORY_TRACE_DIR", ""),
		Color:        getEnvBool("STORY_COLOR", os.Getenv("NO_COLOR") == ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all configuration fields hold usable values.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderAzure, ProviderAnthropic:
	default:
		return fmt.Errorf("STORY_PROVIDER %q must be one of openai, azure, anthropic", c.Provider)
	}
	if limit := c.Provider.maxTemperature(); c.Temperature < 0 || c.Temperature > limit {
		return fmt.Errorf("STORY_TEMPERATURE %v must be between 0 and %v for %s", c.Temperature, limit, c.Provider)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
