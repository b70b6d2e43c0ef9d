package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
server:
  port: 9090
  result_dir: out/result
  graph_dir: out/graph

checkpoint:
  backend: sql
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: myelo
  password: s3cret
  database: myelo_prod

research:
  driver: postgres
  dsn: postgres://reader@db.internal/commpass?sslmode=disable

gateway:
  model: gemini-2.5-pro
  temperature: 0.2
  turn_budget: 30
  init_budget: 2
  init_timeout: 45s
  request_timeout: 30s

vectorstore:
  path: data/vectors
  top_k: 3
  descriptions: refdata/tables.yaml

prompt:
  path: prompts/system.tmpl
  greeting: hi

auth:
  tokens:
    - token: tok-alice
      user: alice

retention:
  enabled: true
  schedule: "30 4 * * *"
  max_idle: 48h

bridges:
  slack:
    enabled: true
    app_token: xapp-1
    bot_token: xoxb-1
    channel_id: C01
`

const minimalYAML = `
gateway:
  model: gemini-2.5-flash
`

func clearSecretEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GEMINI_API_KEY", "MYELO_CHECKPOINT_DSN", "MYELO_RESEARCH_DSN",
		"MYELO_BYPASS_TOKEN", "SLACK_APP_TOKEN", "SLACK_BOT_TOKEN", "DISCORD_BOT_TOKEN",
	} {
		t.Setenv(k, "")
	}
}

func TestParse_FullConfig(t *testing.T) {
	clearSecretEnv(t)
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ResultDir != "out/result" {
		t.Errorf("Server.ResultDir = %q, want %q", cfg.Server.ResultDir, "out/result")
	}
	if cfg.Checkpoint.Driver != "mysql" {
		t.Errorf("Checkpoint.Driver = %q, want mysql", cfg.Checkpoint.Driver)
	}
	if cfg.Checkpoint.Host != "10.0.0.5" || cfg.Checkpoint.Port != 3307 {
		t.Errorf("Checkpoint addr = %s:%d, want 10.0.0.5:3307", cfg.Checkpoint.Host, cfg.Checkpoint.Port)
	}
	if cfg.Checkpoint.Database != "myelo_prod" {
		t.Errorf("Checkpoint.Database = %q, want myelo_prod", cfg.Checkpoint.Database)
	}
	if cfg.Research.Driver != "postgres" {
		t.Errorf("Research.Driver = %q, want postgres", cfg.Research.Driver)
	}
	if cfg.ResearchDialect() != "postgresql" {
		t.Errorf("ResearchDialect = %q, want postgresql", cfg.ResearchDialect())
	}
	if cfg.Gateway.Model != "gemini-2.5-pro" {
		t.Errorf("Gateway.Model = %q", cfg.Gateway.Model)
	}
	if cfg.Gateway.TurnBudget != 30 || cfg.Gateway.InitBudget != 2 {
		t.Errorf("budgets = %d/%d, want 30/2", cfg.Gateway.TurnBudget, cfg.Gateway.InitBudget)
	}
	if cfg.Gateway.InitTimeoutDuration() != 45*time.Second || cfg.Gateway.RequestTimeoutDuration() != 30*time.Second {
		t.Errorf("timeouts = %v/%v, want 45s/30s", cfg.Gateway.InitTimeoutDuration(), cfg.Gateway.RequestTimeoutDuration())
	}
	if cfg.VectorStore.TopK != 3 {
		t.Errorf("VectorStore.TopK = %d, want 3", cfg.VectorStore.TopK)
	}
	if cfg.Prompt.Greeting != "hi" {
		t.Errorf("Prompt.Greeting = %q, want hi", cfg.Prompt.Greeting)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].User != "alice" {
		t.Errorf("Auth.Tokens = %+v", cfg.Auth.Tokens)
	}
	if cfg.Retention.MaxIdleDuration() != 48*time.Hour {
		t.Errorf("MaxIdleDuration = %v, want 48h", cfg.Retention.MaxIdleDuration())
	}
	if !cfg.Bridges.Slack.Enabled || cfg.Bridges.Slack.ChannelID != "C01" {
		t.Errorf("Bridges.Slack = %+v", cfg.Bridges.Slack)
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	clearSecretEnv(t)
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if cfg.Server.ResultDir != "result" || cfg.Server.GraphDir != "graph" {
		t.Errorf("artifact dirs = %q/%q, want result/graph", cfg.Server.ResultDir, cfg.Server.GraphDir)
	}
	if cfg.Checkpoint.Backend != "sql" || cfg.Checkpoint.Driver != "sqlite" {
		t.Errorf("checkpoint = %s/%s, want sql/sqlite", cfg.Checkpoint.Backend, cfg.Checkpoint.Driver)
	}
	if cfg.Checkpoint.Path != "myelo.db" {
		t.Errorf("Checkpoint.Path = %q, want myelo.db", cfg.Checkpoint.Path)
	}
	if cfg.Gateway.Provider != "gemini" {
		t.Errorf("Gateway.Provider = %q, want gemini", cfg.Gateway.Provider)
	}
	if cfg.Gateway.TurnBudget != 25 || cfg.Gateway.InitBudget != 3 {
		t.Errorf("budgets = %d/%d, want 25/3", cfg.Gateway.TurnBudget, cfg.Gateway.InitBudget)
	}
	if cfg.Gateway.InitTimeoutDuration() != 2*time.Minute {
		t.Errorf("InitTimeoutDuration = %v, want 2m", cfg.Gateway.InitTimeoutDuration())
	}
	if cfg.Gateway.RequestTimeoutDuration() != 90*time.Second {
		t.Errorf("RequestTimeoutDuration = %v, want 90s", cfg.Gateway.RequestTimeoutDuration())
	}
	if cfg.VectorStore.TopK != 1 {
		t.Errorf("VectorStore.TopK = %d, want 1", cfg.VectorStore.TopK)
	}
	if cfg.Data.CoxOS != filepath.Join("result", "cox_ph_os_56294_genes.csv") {
		t.Errorf("Data.CoxOS = %q", cfg.Data.CoxOS)
	}
	if cfg.Retention.Schedule != "0 3 * * *" {
		t.Errorf("Retention.Schedule = %q", cfg.Retention.Schedule)
	}
	if cfg.Retention.MaxIdleDuration() != 720*time.Hour {
		t.Errorf("MaxIdleDuration = %v, want 720h", cfg.Retention.MaxIdleDuration())
	}
	if cfg.ResearchDialect() != "unconfigured" {
		t.Errorf("ResearchDialect = %q, want unconfigured", cfg.ResearchDialect())
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	clearSecretEnv(t)
	cfg, err := Parse([]byte("checkpoint:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Checkpoint.Host != "127.0.0.1" || cfg.Checkpoint.Port != 3306 {
		t.Errorf("addr = %s:%d, want 127.0.0.1:3306", cfg.Checkpoint.Host, cfg.Checkpoint.Port)
	}
	if cfg.Checkpoint.User != "root" || cfg.Checkpoint.Database != "myelo" {
		t.Errorf("user/db = %s/%s, want root/myelo", cfg.Checkpoint.User, cfg.Checkpoint.Database)
	}
}

func TestParse_EnvOverridesSecrets(t *testing.T) {
	clearSecretEnv(t)
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("MYELO_BYPASS_TOKEN", "bypass")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")

	cfg, err := Parse([]byte("gateway:\n  api_key: from-yaml\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.APIKey != "from-env" {
		t.Errorf("Gateway.APIKey = %q, want from-env", cfg.Gateway.APIKey)
	}
	if cfg.Auth.BypassToken != "bypass" {
		t.Errorf("Auth.BypassToken = %q, want bypass", cfg.Auth.BypassToken)
	}
	if cfg.Bridges.Slack.BotToken != "xoxb-env" {
		t.Errorf("Slack.BotToken = %q, want xoxb-env", cfg.Bridges.Slack.BotToken)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad backend", "checkpoint:\n  backend: redis\n", "checkpoint.backend"},
		{"bad driver", "checkpoint:\n  driver: oracle\n", "checkpoint.driver"},
		{"bad research driver", "research:\n  driver: oracle\n  dsn: x\n", "research.driver"},
		{"research dsn missing", "research:\n  driver: postgres\n", "research.dsn is required"},
		{"bad provider", "gateway:\n  provider: openai\n", "gateway.provider"},
		{"init budget too large", "gateway:\n  turn_budget: 2\n  init_budget: 5\n", "init_budget must not exceed"},
		{"negative turn budget", "gateway:\n  turn_budget: -1\n", "turn_budget must be at least 1"},
		{"token without user", "auth:\n  tokens:\n    - token: t\n", "auth.tokens[0].user"},
		{"bad max idle", "retention:\n  max_idle: soon\n", "retention.max_idle"},
		{"bad init timeout", "gateway:\n  init_timeout: forever\n", "gateway.init_timeout"},
		{"negative request timeout", "gateway:\n  request_timeout: -5s\n", "gateway.request_timeout must be positive"},
		{"slack without tokens", "bridges:\n  slack:\n    enabled: true\n", "bridges.slack.app_token"},
		{"discord without token", "bridges:\n  discord:\n    enabled: true\n", "bridges.discord.bot_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSecretEnv(t)
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "config: validation failed") {
				t.Errorf("error = %q, want validation failure prefix", err.Error())
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unterminated"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	clearSecretEnv(t)
	os.Unsetenv("GEMINI_API_KEY")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GEMINI_API_KEY=dotenv-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "myelo.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.APIKey != "dotenv-key" {
		t.Errorf("Gateway.APIKey = %q, want dotenv-key", cfg.Gateway.APIKey)
	}
}
