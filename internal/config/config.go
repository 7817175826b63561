package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Timezone             string            `yaml:"timezone"`
	Schedule             string            `yaml:"schedule"`
	RunOnStart           bool              `yaml:"run_on_start"`
	MaxConcurrentSources int               `yaml:"max_concurrent_sources" validate:"gte=1"`
	LLM                  LLMConfig         `yaml:"llm"`
	Summarizer           SummarizerConfig  `yaml:"summarizer"`
	Storage              StorageConfig     `yaml:"storage"`
	Ledger               LedgerConfig      `yaml:"ledger"`
	Chat                 ChatConfig        `yaml:"chat"`
	Sources              []SourceConfig    `yaml:"sources" validate:"required,min=1,dive"`
	Publishers           []PublisherConfig `yaml:"publishers" validate:"dive"`
	Server               ServerConfig      `yaml:"server"`
	Log                  LogConfig         `yaml:"log"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider" validate:"oneof=openai anthropic"`
	Model       string        `yaml:"model" validate:"required"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gte=1"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type SummarizerConfig struct {
	Language          string `yaml:"language"`
	MaxInFlight       int    `yaml:"max_in_flight" validate:"gte=1"`
	RequestsPerMinute int    `yaml:"requests_per_minute" validate:"gte=0"`
	SummaryChars      int    `yaml:"summary_chars" validate:"gte=1"`
	FetchFullContent  bool   `yaml:"fetch_full_content"`
	ArticleChars      int    `yaml:"article_chars"`
}

type StorageConfig struct {
	Backend     string         `yaml:"backend" validate:"oneof=fs redis postgres"`
	Dir         string         `yaml:"dir"`
	Redis       RedisConfig    `yaml:"redis"`
	Postgres    PostgresConfig `yaml:"postgres"`
	MaxAttempts int            `yaml:"max_attempts" validate:"gte=1"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type LedgerConfig struct {
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

type ChatConfig struct {
	MaxTurns     int `yaml:"max_turns" validate:"gte=1"`
	MaxExcerpts  int `yaml:"max_excerpts" validate:"gte=1"`
	ContextChars int `yaml:"context_chars" validate:"gte=1"`
	MaxSessions  int `yaml:"max_sessions" validate:"gte=1"`
}

// SourceConfig is one configured source. Exactly one type-specific block
// must be set, matching Type.
type SourceConfig struct {
	Key        string            `yaml:"key" validate:"required,excludes=/"`
	Type       string            `yaml:"type" validate:"oneof=reddit hackernews github_trending rss arxiv"`
	MaxItems   int               `yaml:"max_items" validate:"gte=0"`
	BaseURL    string            `yaml:"base_url"`
	Reddit     *RedditConfig     `yaml:"reddit"`
	HackerNews *HackerNewsConfig `yaml:"hackernews"`
	GitHub     *GitHubConfig     `yaml:"github"`
	RSS        *RSSConfig        `yaml:"rss"`
	Arxiv      *ArxivConfig      `yaml:"arxiv"`
}

type RedditConfig struct {
	Subreddits []string `yaml:"subreddits" validate:"required,min=1"`
	MinScore   int      `yaml:"min_score"`
	TimeWindow string   `yaml:"time_window"`
	Limit      int      `yaml:"limit"`
}

type HackerNewsConfig struct {
	MinScore int `yaml:"min_score"`
	Limit    int `yaml:"limit"`
}

type GitHubConfig struct {
	Languages []string `yaml:"languages"`
	Since     string   `yaml:"since"`
	MinStars  int      `yaml:"min_stars"`
}

type RSSConfig struct {
	Feeds             []FeedConfig `yaml:"feeds" validate:"required,min=1,dive"`
	ThresholdDays     int          `yaml:"threshold_days" validate:"gte=0"`
	MaxEntriesPerFeed int          `yaml:"max_entries_per_feed" validate:"gte=0"`
	FetchFullContent  bool         `yaml:"fetch_full_content"`
}

type FeedConfig struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
}

type ArxivConfig struct {
	Query      string `yaml:"query" validate:"required"`
	MaxResults int    `yaml:"max_results"`
}

type PublisherConfig struct {
	Type     string          `yaml:"type" validate:"oneof=stdout discord telegram"`
	Discord  *DiscordConfig  `yaml:"discord"`
	Telegram *TelegramConfig `yaml:"telegram"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url" validate:"required"`
}

type TelegramConfig struct {
	Token  string `yaml:"token" validate:"required"`
	ChatID int64  `yaml:"chat_id" validate:"required"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Location resolves the configured reference timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Source returns the source with the given key.
func (c *Config) Source(key string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Key == key {
			return s, true
		}
	}
	return SourceConfig{}, false
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func setDefaults(cfg *Config) {
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Tokyo"
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 7 * * *"
	}
	if cfg.MaxConcurrentSources == 0 {
		cfg.MaxConcurrentSources = 4
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.Model = "claude-sonnet-4-20250514"
		default:
			cfg.LLM.Model = "gpt-4.1-mini"
		}
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.LLM.CallTimeout == 0 {
		cfg.LLM.CallTimeout = 60 * time.Second
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 4
	}
	if cfg.LLM.BaseDelay == 0 {
		cfg.LLM.BaseDelay = time.Second
	}
	if cfg.LLM.MaxDelay == 0 {
		cfg.LLM.MaxDelay = 30 * time.Second
	}

	if cfg.Summarizer.Language == "" {
		cfg.Summarizer.Language = "Japanese"
	}
	if cfg.Summarizer.MaxInFlight == 0 {
		cfg.Summarizer.MaxInFlight = 4
	}
	if cfg.Summarizer.SummaryChars == 0 {
		cfg.Summarizer.SummaryChars = 400
	}
	if cfg.Summarizer.ArticleChars == 0 {
		cfg.Summarizer.ArticleChars = 8000
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "fs"
	}
	if cfg.Storage.Backend == "fs" && cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "digest:"
	}
	if cfg.Storage.Postgres.Table == "" {
		cfg.Storage.Postgres.Table = "digest_documents"
	}
	if cfg.Storage.MaxAttempts == 0 {
		cfg.Storage.MaxAttempts = 3
	}

	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	if cfg.Chat.MaxTurns == 0 {
		cfg.Chat.MaxTurns = 10
	}
	if cfg.Chat.MaxExcerpts == 0 {
		cfg.Chat.MaxExcerpts = 5
	}
	if cfg.Chat.ContextChars == 0 {
		cfg.Chat.ContextChars = 6000
	}
	if cfg.Chat.MaxSessions == 0 {
		cfg.Chat.MaxSessions = 1000
	}

	for i := range cfg.Sources {
		setSourceDefaults(&cfg.Sources[i])
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func setSourceDefaults(s *SourceConfig) {
	if s.MaxItems == 0 {
		s.MaxItems = 30
	}
	if s.Reddit != nil {
		if s.Reddit.TimeWindow == "" {
			s.Reddit.TimeWindow = "day"
		}
		if s.Reddit.Limit == 0 {
			s.Reddit.Limit = 15
		}
	}
	if s.HackerNews != nil && s.HackerNews.Limit == 0 {
		s.HackerNews.Limit = 30
	}
	if s.GitHub != nil {
		if s.GitHub.Since == "" {
			s.GitHub.Since = "daily"
		}
		if len(s.GitHub.Languages) == 0 {
			s.GitHub.Languages = []string{""}
		}
	}
	if s.RSS != nil {
		if s.RSS.ThresholdDays == 0 {
			s.RSS.ThresholdDays = 1
		}
		if s.RSS.MaxEntriesPerFeed == 0 {
			s.RSS.MaxEntriesPerFeed = 10
		}
	}
	if s.Arxiv != nil && s.Arxiv.MaxResults == 0 {
		s.Arxiv.MaxResults = 20
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func check(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required (set OPENAI_API_KEY or ANTHROPIC_API_KEY env var)")
	}

	switch cfg.Storage.Backend {
	case "fs":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("config: storage.dir is required for fs backend")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("config: storage.redis.addr is required for redis backend")
		}
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("config: storage.postgres.dsn is required for postgres backend")
		}
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if seen[s.Key] {
			return fmt.Errorf("config: duplicate source key %q", s.Key)
		}
		seen[s.Key] = true
		if err := checkSourceBlock(s); err != nil {
			return err
		}
	}

	for i, p := range cfg.Publishers {
		switch p.Type {
		case "discord":
			if p.Discord == nil {
				return fmt.Errorf("config: publishers[%d].discord is required for discord publisher", i)
			}
		case "telegram":
			if p.Telegram == nil {
				return fmt.Errorf("config: publishers[%d].telegram is required for telegram publisher", i)
			}
		}
	}
	return nil
}

func checkSourceBlock(s SourceConfig) error {
	blocks := map[string]bool{
		"reddit":          s.Reddit != nil,
		"hackernews":      s.HackerNews != nil,
		"github_trending": s.GitHub != nil,
		"rss":             s.RSS != nil,
		"arxiv":           s.Arxiv != nil,
	}
	set := 0
	for _, ok := range blocks {
		if ok {
			set++
		}
	}
	if !blocks[s.Type] {
		return fmt.Errorf("config: source %q of type %s is missing its %s block", s.Key, s.Type, blockName(s.Type))
	}
	if set > 1 {
		return fmt.Errorf("config: source %q must have exactly one type-specific block", s.Key)
	}
	return nil
}

func blockName(typ string) string {
	if typ == "github_trending" {
		return "github"
	}
	return typ
}

// Load reads the config file, expands environment variables, applies defaults,
// and validates the configuration. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}
	return LoadFile(path)
}

// LoadFile is Load without the .env step.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML the same way LoadFile does.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}

	setDefaults(&cfg)

	if err := check(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
