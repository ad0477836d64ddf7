package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Database   Database   `yaml:"database"`
	Feeds      Feeds      `yaml:"feeds"`
	NewsAPI    NewsAPI    `yaml:"newsapi"`
	Generation Generation `yaml:"generation"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Archive    Archive    `yaml:"archive"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

// Database selects the storage backend. An empty Path means the default
// file under the data directory.
type Database struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type Feeds struct {
	URLs        []Feed        `yaml:"urls"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	FetchFull   bool          `yaml:"fetch_full_content"`
	MaxFullText int           `yaml:"max_full_content"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type NewsAPI struct {
	Enabled   bool   `yaml:"enabled"`
	APIKeyEnv string `yaml:"api_key_env"`
	Query     string `yaml:"query"`
}

type Generation struct {
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	BaseURL       string        `yaml:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
}

type RateLimit struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	TokensPerMinute   int           `yaml:"tokens_per_minute"`
	Window            time.Duration `yaml:"window"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryMargin       time.Duration `yaml:"retry_margin"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
}

type Scheduler struct {
	Cadences   []string      `yaml:"cadences"`
	Tolerance  time.Duration `yaml:"tolerance"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

type Archive struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	PathStyle    bool   `yaml:"path_style"`
}

type Server struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ShowPrivate bool   `yaml:"show_private"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for newsdigest.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "newsdigest")
}

// DataDir returns the XDG data directory for newsdigest.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "newsdigest")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/newsdigest/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'newsdigest init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the parsed embedded configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Database: Database{Driver: "sqlite"},
		Feeds: Feeds{
			Timeout:     30 * time.Second,
			CacheTTL:    2 * time.Minute,
			MaxFullText: 10,
		},
		NewsAPI: NewsAPI{
			APIKeyEnv: "NEWSAPI_KEY",
			Query:     "artificial intelligence",
		},
		Generation: Generation{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: 0.7,
			MaxTokens:   1000,
			Timeout:     60 * time.Second,
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 50,
			TokensPerMinute:   40000,
			Window:            time.Minute,
			MaxRetries:        3,
			RetryMargin:       time.Second,
			BackoffBase:       time.Second,
		},
		Scheduler: Scheduler{
			Cadences:   []string{string(cadence.Hourly), string(cadence.Daily)},
			Tolerance:  5 * time.Minute,
			RunTimeout: 5 * time.Minute,
		},
		Archive: Archive{
			Prefix:       "digests",
			Region:       "us-east-1",
			AccessKeyEnv: "ARCHIVE_ACCESS_KEY",
			SecretKeyEnv: "ARCHIVE_SECRET_KEY",
		},
		Server:  Server{Host: "127.0.0.1", Port: 8000},
		Logging: Logging{Level: "info", Format: "console"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate rejects values the rest of the program cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			add("database.dsn is required for postgres")
		}
	default:
		add("database.driver %q is not sqlite or postgres", c.Database.Driver)
	}

	if c.Feeds.Timeout <= 0 {
		add("feeds.timeout must be positive")
	}
	for i, f := range c.Feeds.URLs {
		if f.URL == "" {
			add("feeds.urls[%d] has no url", i)
		}
	}

	switch c.Generation.Provider {
	case "openai", "ollama", "anthropic":
	default:
		add("generation.provider %q is not openai, ollama or anthropic", c.Generation.Provider)
	}
	if c.Generation.MaxTokens <= 0 {
		add("generation.max_tokens must be positive")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		add("generation.temperature must be within [0, 2]")
	}

	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.TokensPerMinute <= 0 {
		add("rate_limit requests_per_minute and tokens_per_minute must be positive")
	}
	if c.RateLimit.TokensPerMinute > 0 && c.Generation.MaxTokens > c.RateLimit.TokensPerMinute {
		add("generation.max_tokens exceeds rate_limit.tokens_per_minute")
	}
	if c.RateLimit.MaxRetries < 0 {
		add("rate_limit.max_retries must not be negative")
	}

	if len(c.Scheduler.Cadences) == 0 {
		add("scheduler.cadences is empty")
	}
	for _, s := range c.Scheduler.Cadences {
		if !cadence.Cadence(s).Valid() {
			add("scheduler.cadences: unknown cadence %q", s)
		}
	}
	if c.Scheduler.Tolerance <= 0 {
		add("scheduler.tolerance must be positive")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		add("archive.bucket is required when archive is enabled")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// Cadences returns the configured scheduler cadences. Call after Validate.
func (c *Config) Cadences() []cadence.Cadence {
	out := make([]cadence.Cadence, 0, len(c.Scheduler.Cadences))
	for _, s := range c.Scheduler.Cadences {
		if cd, err := cadence.Parse(s); err == nil {
			out = append(out, cd)
		}
	}
	return out
}

// GetDatabasePath returns the effective SQLite path from config or XDG default.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(DataDir(), "newsdigest.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
