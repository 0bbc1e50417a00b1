// Package config loads calderad configuration from a TOML file with
// environment variable overrides. Environment always wins so deployments can
// keep secrets out of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Server    Server              `toml:"server"`
	Store     Store               `toml:"store"`
	Memory    Memory              `toml:"memory"`
	Runtime   Runtime             `toml:"runtime"`
	Embedding Embedding           `toml:"embedding"`
	Providers map[string]Provider `toml:"providers"`
	Tools     Tools               `toml:"tools"`
	Observer  Observer            `toml:"observer"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `toml:"addr"`
}

// Store selects and configures the persistence backend.
type Store struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	// DSN is the Postgres connection string.
	DSN string `toml:"dsn"`
}

// Memory holds the memory subsystem tunables.
type Memory struct {
	MaxTokens             int      `toml:"max_tokens"`
	Limit                 int      `toml:"limit"`
	SearchThreshold       float64  `toml:"search_threshold"`
	SearchLimit           int      `toml:"search_limit"`
	EnableCache           bool     `toml:"enable_cache"`
	CacheSize             int      `toml:"cache_size"`
	DecayRate             float64  `toml:"decay_rate"`
	ImportanceThreshold   float64  `toml:"importance_threshold"`
	AutoConsolidation     bool     `toml:"auto_consolidation"`
	ConsolidationInterval Duration `toml:"consolidation_interval"`
}

// Runtime bounds agent runtime lifecycle and execution.
type Runtime struct {
	TTL           Duration `toml:"ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
	LockTimeout   Duration `toml:"lock_timeout"`
	MaxIterations int      `toml:"max_iterations"`
}

// Embedding selects the embedding model.
type Embedding struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	Dimension int    `toml:"dimension"`
}

// Provider is one LLM vendor entry; the map key is the vendor name
// (openai, anthropic, groq, ...).
type Provider struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// Tools configures the built-in tool set.
type Tools struct {
	Workspace       string `toml:"workspace"`
	BraveAPIKey     string `toml:"brave_api_key"`
	WeatherEndpoint string `toml:"weather_endpoint"`
}

// Observer configures OpenTelemetry export.
type Observer struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Service  string `toml:"service"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080"},
		Store:  Store{Driver: "sqlite", Path: "caldera.db"},
		Memory: Memory{
			MaxTokens:             8000,
			Limit:                 1000,
			SearchThreshold:       0.7,
			SearchLimit:           10,
			EnableCache:           true,
			CacheSize:             512,
			DecayRate:             1.0,
			ImportanceThreshold:   0.3,
			AutoConsolidation:     true,
			ConsolidationInterval: Duration(time.Hour),
		},
		Runtime: Runtime{
			TTL:           Duration(30 * time.Minute),
			SweepInterval: Duration(time.Minute),
			LockTimeout:   Duration(60 * time.Second),
			MaxIterations: 10,
		},
		Embedding: Embedding{Provider: "openai", Model: "text-embedding-3-small", Dimension: 1536},
		Providers: map[string]Provider{},
		Tools:     Tools{Workspace: "workspace"},
		Observer:  Observer{Service: "caldera"},
	}
}

// Load reads path (optional, "" skips the file) and applies environment
// overrides on top of defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers the documented environment keys over the file values.
func (c *Config) applyEnv() {
	envStr("CALDERA_ADDR", &c.Server.Addr)
	envStr("CALDERA_STORE_DRIVER", &c.Store.Driver)
	envStr("CALDERA_SQLITE_PATH", &c.Store.Path)
	envStr("DATABASE_URL", &c.Store.DSN)

	for _, vendor := range []string{"openai", "anthropic", "groq", "deepseek", "together", "mistral", "ollama"} {
		prefix := envPrefix(vendor)
		p := c.Providers[vendor]
		changed := false
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			p.APIKey = v
			changed = true
		}
		if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
			p.BaseURL = v
			changed = true
		}
		if v := os.Getenv(prefix + "_MODEL"); v != "" {
			p.Model = v
			changed = true
		}
		if changed {
			if c.Providers == nil {
				c.Providers = map[string]Provider{}
			}
			c.Providers[vendor] = p
		}
	}

	envInt("MEMORY_MAX_TOKENS", &c.Memory.MaxTokens)
	envInt("MEMORY_LIMIT", &c.Memory.Limit)
	envFloat("MEMORY_SEARCH_THRESHOLD", &c.Memory.SearchThreshold)
	envInt("MEMORY_SEARCH_LIMIT", &c.Memory.SearchLimit)
	envBool("MEMORY_ENABLE_CACHE", &c.Memory.EnableCache)
	envInt("MEMORY_CACHE_SIZE", &c.Memory.CacheSize)
	envFloat("MEMORY_DECAY_RATE", &c.Memory.DecayRate)
	envFloat("MEMORY_IMPORTANCE_THRESHOLD", &c.Memory.ImportanceThreshold)
	envBool("MEMORY_AUTO_CONSOLIDATION", &c.Memory.AutoConsolidation)
	envMillis("MEMORY_CONSOLIDATION_INTERVAL", &c.Memory.ConsolidationInterval)

	envStr("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	envStr("EMBEDDING_MODEL", &c.Embedding.Model)
	envInt("EMBEDDING_DIMENSION", &c.Embedding.Dimension)

	envStr("BRAVE_API_KEY", &c.Tools.BraveAPIKey)
	envStr("CALDERA_WORKSPACE", &c.Tools.Workspace)

	envBool("OTEL_ENABLED", &c.Observer.Enabled)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observer.Endpoint)
	envStr("OTEL_SERVICE_NAME", &c.Observer.Service)
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config: postgres driver requires a dsn")
	}
	if c.Memory.MaxTokens <= 0 || c.Memory.Limit <= 0 {
		return fmt.Errorf("config: memory max_tokens and limit must be positive")
	}
	if c.Memory.SearchThreshold < 0 || c.Memory.SearchThreshold > 1 {
		return fmt.Errorf("config: memory search_threshold must be in [0,1]")
	}
	return nil
}

func envPrefix(vendor string) string {
	out := make([]byte, len(vendor))
	for i := 0; i < len(vendor); i++ {
		ch := vendor[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		out[i] = ch
	}
	return string(out)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envMillis reads an interval expressed in milliseconds.
func envMillis(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = Duration(time.Duration(n) * time.Millisecond)
		}
	}
}
