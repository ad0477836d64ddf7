package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/newsdigest/internal/archive"
	"github.com/TobiSchelling/newsdigest/internal/collect"
	"github.com/TobiSchelling/newsdigest/internal/config"
	"github.com/TobiSchelling/newsdigest/internal/database"
	"github.com/TobiSchelling/newsdigest/internal/fetch"
	"github.com/TobiSchelling/newsdigest/internal/llm"
	"github.com/TobiSchelling/newsdigest/internal/logging"
	"github.com/TobiSchelling/newsdigest/internal/pipeline"
)

var version = "dev"

var (
	verbose      bool
	configPath   string
	resolvedPath string
	cfg          *config.Config
	logger       = zerolog.Nop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "newsdigest",
	Short:   "Scheduled AI news digests",
	Long:    "newsdigest polls news feeds and generates AI digests for each user's prompts on their own schedule.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		resolvedPath = path

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger = logging.New(os.Stderr, level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(digestsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("newsdigest", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/newsdigest/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure feeds, API keys, and the generation provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Config: %s\n", resolvedPath)
		if db.Dialect() == database.SQLite {
			fmt.Printf("Database: %s\n\n", db.Path())
		} else {
			fmt.Printf("Database: %s\n\n", db.Dialect())
		}
		fmt.Println("Users:")
		fmt.Printf("  Total: %d\n", stats.Users)
		fmt.Printf("  Active: %d\n", stats.ActiveUsers)
		fmt.Println("\nOutput:")
		fmt.Printf("  Prompts: %d\n", stats.Prompts)
		fmt.Printf("  Digests: %d\n", stats.Digests)
		if stats.LastDigestAt != nil {
			fmt.Printf("  Last digest: %s\n", stats.LastDigestAt.Local().Format("2006-01-02 15:04 MST"))
		}
		fmt.Println("\nGeneration:")
		fmt.Printf("  Provider: %s (%s)\n", cfg.Generation.Provider, cfg.Generation.Model)
		fmt.Printf("  Budget: %d requests, %d tokens per %s\n",
			cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.TokensPerMinute, cfg.RateLimit.Window)
		fmt.Printf("  Cadences: %v\n", cfg.Cadences())
		fmt.Printf("  Feeds: %d\n", len(cfg.Feeds.URLs))
		return nil
	},
}

func openDB(ctx context.Context) (*database.DB, error) {
	log := logging.Component(logger, "database")
	if cfg.Database.Driver == string(database.Postgres) {
		return database.OpenPostgres(ctx, cfg.Database.DSN, log)
	}

	dbPath := cfg.GetDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(dbPath, log)
}

// components is everything a generation run needs, built from cfg.
type components struct {
	db     *database.DB
	feeds  *collect.FeedParser
	source *collect.CachedSource
	client *llm.Client
	pipe   *pipeline.Pipeline
}

func feedConfigs(c *config.Config) []collect.FeedConfig {
	feeds := make([]collect.FeedConfig, 0, len(c.Feeds.URLs))
	for _, f := range c.Feeds.URLs {
		feeds = append(feeds, collect.FeedConfig{URL: f.URL, Name: f.Name})
	}
	return feeds
}

// buildComponents wires the pipeline. Without withGenerator no provider is
// created, which is enough for Prepare.
func buildComponents(ctx context.Context, withGenerator bool) (*components, error) {
	db, err := openDB(ctx)
	if err != nil {
		return nil, err
	}

	collectLog := logging.Component(logger, "collect")
	feeds := collect.NewFeedParser(feedConfigs(cfg), cfg.Feeds.Timeout, collectLog)
	var news *collect.NewsAPIClient
	if cfg.NewsAPI.Enabled {
		news = collect.NewNewsAPIClient(cfg.NewsAPI.APIKeyEnv, cfg.NewsAPI.Query, cfg.Feeds.Timeout, collectLog)
	}
	var enricher collect.Enricher
	if cfg.Feeds.FetchFull {
		enricher = fetch.NewContentFetcher(cfg.Feeds.Timeout, cfg.Feeds.MaxFullText, logging.Component(logger, "fetch"))
	}
	source := collect.NewCachedSource(collect.NewCollector(feeds, news, enricher, collectLog), cfg.Feeds.CacheTTL)

	var (
		client *llm.Client
		gen    pipeline.Generator
	)
	if withGenerator {
		client, err = newClient()
		if err != nil {
			db.Close()
			return nil, err
		}
		gen = client
	}

	opts := []pipeline.Option{pipeline.WithFetchTimeout(cfg.Feeds.Timeout)}
	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:       cfg.Archive.Bucket,
			Prefix:       cfg.Archive.Prefix,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			AccessKeyEnv: cfg.Archive.AccessKeyEnv,
			SecretKeyEnv: cfg.Archive.SecretKeyEnv,
			PathStyle:    cfg.Archive.PathStyle,
		}, logging.Component(logger, "archive"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("setting up archive: %w", err)
		}
		opts = append(opts, pipeline.WithPublisher(arch))
	}

	pipe := pipeline.New(db, source, gen, logging.Component(logger, "pipeline"), opts...)
	return &components{db: db, feeds: feeds, source: source, client: client, pipe: pipe}, nil
}

func newClient() (*llm.Client, error) {
	llmLog := logging.Component(logger, "llm")
	provider, err := llm.NewProvider(llm.ProviderOptions{
		Provider:      cfg.Generation.Provider,
		Model:         cfg.Generation.Model,
		BaseURL:       cfg.Generation.BaseURL,
		APIKeyEnv:     cfg.Generation.APIKeyEnv,
		Timeout:       cfg.Generation.Timeout,
		FallbackModel: cfg.Generation.FallbackModel,
	}, llmLog)
	if err != nil {
		return nil, err
	}
	budget := llm.NewBudget(llm.BudgetConfig{
		RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
		TokensPerWindow:   cfg.RateLimit.TokensPerMinute,
		Window:            cfg.RateLimit.Window,
	})
	return llm.NewClient(provider, budget, llm.ClientConfig{
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
		MaxRetries:  cfg.RateLimit.MaxRetries,
		RetryMargin: cfg.RateLimit.RetryMargin,
		BackoffBase: cfg.RateLimit.BackoffBase,
	}, llmLog), nil
}
