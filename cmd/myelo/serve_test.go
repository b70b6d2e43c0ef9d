package main

import (
	"strings"
	"testing"

	"github.com/zulandar/myelo/internal/config"
)

func TestBuildAdapters_NoneEnabled(t *testing.T) {
	cfg, err := config.Parse([]byte("server:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ads, err := buildAdapters(cfg)
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	if len(ads) != 0 {
		t.Errorf("got %d adapters, want 0", len(ads))
	}
}

func TestBuildAdapters_SlackAndDiscord(t *testing.T) {
	cfg, err := config.Parse([]byte(`
bridges:
  slack:
    enabled: true
    app_token: xapp-1
    bot_token: xoxb-1
  discord:
    enabled: true
    bot_token: discord-token
    guild_id: "42"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ads, err := buildAdapters(cfg)
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	if len(ads) != 2 {
		t.Fatalf("got %d adapters, want 2", len(ads))
	}
}

func TestServeCmd_Help(t *testing.T) {
	out, err := run(t, "", "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help: %v", err)
	}
	for _, want := range []string{"--port", "Slack", "retention"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected help to contain %q, got: %s", want, out)
		}
	}
}
