// Package config provides YAML-based configuration loading for myelo.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level myelo configuration, loaded from myelo.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Research    ResearchConfig    `yaml:"research"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	VectorStore VectorStoreConfig `yaml:"vectorstore"`
	Prompt      PromptConfig      `yaml:"prompt"`
	Data        DataConfig        `yaml:"data"`
	Auth        AuthConfig        `yaml:"auth"`
	Retention   RetentionConfig   `yaml:"retention"`
	Bridges     BridgesConfig     `yaml:"bridges"`
}

// ServerConfig holds the web boundary settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	ResultDir string `yaml:"result_dir"`
	GraphDir  string `yaml:"graph_dir"`
}

// CheckpointConfig selects and locates the checkpoint store.
type CheckpointConfig struct {
	Backend   string `yaml:"backend"` // "sql" or "badger"
	Driver    string `yaml:"driver"`  // "sqlite" or "mysql" when backend is sql
	Path      string `yaml:"path"`    // sqlite file
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	DSN       string `yaml:"dsn"` // overrides host/port/user/password/database
	BadgerDir string `yaml:"badger_dir"`
}

// ResearchConfig locates the clinical/genomic database the tools query.
type ResearchConfig struct {
	Driver string `yaml:"driver"` // "postgres", "mysql" or "sqlite"
	DSN    string `yaml:"dsn"`
}

// GatewayConfig configures the model gateway.
type GatewayConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float32 `yaml:"temperature"`
	TurnBudget  int     `yaml:"turn_budget"`
	InitBudget  int     `yaml:"init_budget"`

	// InitTimeout bounds one session initialization, RequestTimeout one
	// HTTP request to the model API. Go durations.
	InitTimeout    string `yaml:"init_timeout"`
	RequestTimeout string `yaml:"request_timeout"`

	initTimeout    time.Duration
	requestTimeout time.Duration
}

// InitTimeoutDuration returns the parsed init_timeout value.
func (g GatewayConfig) InitTimeoutDuration() time.Duration {
	return g.initTimeout
}

// RequestTimeoutDuration returns the parsed request_timeout value.
func (g GatewayConfig) RequestTimeoutDuration() time.Duration {
	return g.requestTimeout
}

// VectorStoreConfig configures table-description retrieval.
type VectorStoreConfig struct {
	Path           string `yaml:"path"`
	Collection     string `yaml:"collection"`
	EmbeddingModel string `yaml:"embedding_model"`
	TopK           int    `yaml:"top_k"`
	Compress       bool   `yaml:"compress"`
	Descriptions   string `yaml:"descriptions"` // YAML file loaded by `myelo index`
}

// PromptConfig configures the initialization messages.
type PromptConfig struct {
	Path     string `yaml:"path"` // optional template file; embedded default otherwise
	Greeting string `yaml:"greeting"`
}

// DataConfig locates reference and precomputed data files.
type DataConfig struct {
	GeneAnnotation string `yaml:"gene_annotation"`
	CoxOS          string `yaml:"cox_os"`
	CoxPFS         string `yaml:"cox_pfs"`
	MAD            string `yaml:"mad"`
}

// AuthConfig maps bearer tokens to session identifiers.
type AuthConfig struct {
	BypassToken string        `yaml:"bypass_token"`
	Tokens      []TokenConfig `yaml:"tokens"`
}

// TokenConfig is one static bearer token.
type TokenConfig struct {
	Token string `yaml:"token"`
	User  string `yaml:"user"`
}

// RetentionConfig configures the idle-session sweeper.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // 5-field cron expression
	MaxIdle  string `yaml:"max_idle"` // Go duration, e.g. "720h"

	maxIdle time.Duration
}

// MaxIdleDuration returns the parsed max_idle value.
func (r RetentionConfig) MaxIdleDuration() time.Duration {
	return r.maxIdle
}

// BridgesConfig holds chat platform bridges.
type BridgesConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack socket mode credentials.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
	GuildID   string `yaml:"guild_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config file, if present, is loaded into the
// process environment first.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDotEnv loads the given .env files, skipping any that do not exist.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays secrets from the environment onto YAML values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Gateway.APIKey, "GEMINI_API_KEY")
	set(&c.Checkpoint.DSN, "MYELO_CHECKPOINT_DSN")
	set(&c.Research.DSN, "MYELO_RESEARCH_DSN")
	set(&c.Auth.BypassToken, "MYELO_BYPASS_TOKEN")
	set(&c.Bridges.Slack.AppToken, "SLACK_APP_TOKEN")
	set(&c.Bridges.Slack.BotToken, "SLACK_BOT_TOKEN")
	set(&c.Bridges.Discord.BotToken, "DISCORD_BOT_TOKEN")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ResultDir == "" {
		c.Server.ResultDir = "result"
	}
	if c.Server.GraphDir == "" {
		c.Server.GraphDir = "graph"
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "sql"
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "sqlite"
	}
	if c.Checkpoint.Driver == "sqlite" && c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "myelo.db"
	}
	if c.Checkpoint.Driver == "mysql" {
		if c.Checkpoint.Host == "" {
			c.Checkpoint.Host = "127.0.0.1"
		}
		if c.Checkpoint.Port == 0 {
			c.Checkpoint.Port = 3306
		}
		if c.Checkpoint.User == "" {
			c.Checkpoint.User = "root"
		}
		if c.Checkpoint.Database == "" {
			c.Checkpoint.Database = "myelo"
		}
	}
	if c.Checkpoint.Backend == "badger" && c.Checkpoint.BadgerDir == "" {
		c.Checkpoint.BadgerDir = "checkpoints"
	}

	if c.Gateway.Provider == "" {
		c.Gateway.Provider = "gemini"
	}
	if c.Gateway.Model == "" {
		c.Gateway.Model = "gemini-2.5-flash"
	}
	if c.Gateway.TurnBudget == 0 {
		c.Gateway.TurnBudget = 25
	}
	if c.Gateway.InitBudget == 0 {
		c.Gateway.InitBudget = 3
	}
	if c.Gateway.InitTimeout == "" {
		c.Gateway.InitTimeout = "2m"
	}
	if c.Gateway.RequestTimeout == "" {
		c.Gateway.RequestTimeout = "90s"
	}

	if c.VectorStore.Path == "" {
		c.VectorStore.Path = "vectors"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "table_descriptions"
	}
	if c.VectorStore.EmbeddingModel == "" {
		c.VectorStore.EmbeddingModel = "gemini-embedding-001"
	}
	if c.VectorStore.TopK == 0 {
		c.VectorStore.TopK = 1
	}

	if c.Prompt.Greeting == "" {
		c.Prompt.Greeting = "Hello! Briefly introduce yourself and the data you can help me explore."
	}

	if c.Data.GeneAnnotation == "" {
		c.Data.GeneAnnotation = "refdata/gene_annotation.tsv"
	}
	if c.Data.CoxOS == "" {
		c.Data.CoxOS = filepath.Join(c.Server.ResultDir, "cox_ph_os_56294_genes.csv")
	}
	if c.Data.CoxPFS == "" {
		c.Data.CoxPFS = filepath.Join(c.Server.ResultDir, "cox_ph_pfs_56317_genes.csv")
	}
	if c.Data.MAD == "" {
		c.Data.MAD = filepath.Join(c.Server.ResultDir, "gene_log2tpm_mad.csv")
	}

	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 3 * * *"
	}
	if c.Retention.MaxIdle == "" {
		c.Retention.MaxIdle = "720h"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	switch c.Checkpoint.Backend {
	case "sql":
		if c.Checkpoint.Driver != "sqlite" && c.Checkpoint.Driver != "mysql" {
			errs = append(errs, fmt.Sprintf("checkpoint.driver %q must be sqlite or mysql", c.Checkpoint.Driver))
		}
	case "badger":
	default:
		errs = append(errs, fmt.Sprintf("checkpoint.backend %q must be sql or badger", c.Checkpoint.Backend))
	}

	if c.Research.Driver != "" {
		switch c.Research.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("research.driver %q must be postgres, mysql or sqlite", c.Research.Driver))
		}
		if c.Research.DSN == "" {
			errs = append(errs, "research.dsn is required when research.driver is set")
		}
	}

	if c.Gateway.Provider != "gemini" {
		errs = append(errs, fmt.Sprintf("gateway.provider %q is not supported", c.Gateway.Provider))
	}
	if c.Gateway.TurnBudget < 1 {
		errs = append(errs, "gateway.turn_budget must be at least 1")
	}
	if c.Gateway.InitBudget < 1 {
		errs = append(errs, "gateway.init_budget must be at least 1")
	}
	if c.Gateway.InitBudget > c.Gateway.TurnBudget {
		errs = append(errs, "gateway.init_budget must not exceed gateway.turn_budget")
	}
	c.Gateway.initTimeout = positiveDuration("gateway.init_timeout", c.Gateway.InitTimeout, &errs)
	c.Gateway.requestTimeout = positiveDuration("gateway.request_timeout", c.Gateway.RequestTimeout, &errs)

	if c.VectorStore.TopK < 1 {
		errs = append(errs, "vectorstore.top_k must be at least 1")
	}

	for i, tok := range c.Auth.Tokens {
		if tok.Token == "" {
			errs = append(errs, fmt.Sprintf("auth.tokens[%d].token is required", i))
		}
		if tok.User == "" {
			errs = append(errs, fmt.Sprintf("auth.tokens[%d].user is required", i))
		}
	}

	c.Retention.maxIdle = positiveDuration("retention.max_idle", c.Retention.MaxIdle, &errs)

	if c.Bridges.Slack.Enabled {
		if c.Bridges.Slack.AppToken == "" {
			errs = append(errs, "bridges.slack.app_token is required when slack is enabled")
		}
		if c.Bridges.Slack.BotToken == "" {
			errs = append(errs, "bridges.slack.bot_token is required when slack is enabled")
		}
	}
	if c.Bridges.Discord.Enabled && c.Bridges.Discord.BotToken == "" {
		errs = append(errs, "bridges.discord.bot_token is required when discord is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ResearchDialect names the SQL dialect the research database speaks, as
// substituted into the system preamble.
func (c *Config) ResearchDialect() string {
	switch c.Research.Driver {
	case "postgres":
		return "postgresql"
	case "":
		return "unconfigured"
	default:
		return c.Research.Driver
	}
}

// positiveDuration parses a duration field, recording a problem in errs.
func positiveDuration(field, value string, errs *[]string) time.Duration {
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		*errs = append(*errs, fmt.Sprintf("%s: %v", field, err))
	case d <= 0:
		*errs = append(*errs, field+" must be positive")
	default:
		return d
	}
	return 0
}
