package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var params = Params{Dialect: "postgresql", ResultDir: "result", GraphDir: "graph", Tools: []string{"document_search", "query_sql_database"}}

func TestDefault_SubstitutesParams(t *testing.T) {
	text, err := Default(params)
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	for _, want := range []string{"postgresql SQL dialect", "under result/", "under graph/", "Available tools: document_search, query_sql_database."} {
		if !strings.Contains(text, want) {
			t.Errorf("preamble missing %q", want)
		}
	}
	if strings.Contains(text, "{{") {
		t.Error("preamble contains unrendered actions")
	}
}

func TestDefault_NoTools(t *testing.T) {
	text, err := Default(Params{Dialect: "sqlite"})
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if strings.Contains(text, "Available tools") {
		t.Error("tools line rendered without tools")
	}
}

func TestRender_Errors(t *testing.T) {
	if _, err := Render("{{.Dialect", params); err == nil || !strings.Contains(err.Error(), "prompt: parse") {
		t.Errorf("parse error = %v", err)
	}
	if _, err := Render("{{.Unknown}}", params); err == nil || !strings.Contains(err.Error(), "prompt: render") {
		t.Errorf("render error = %v", err)
	}
}

func TestRenderFile_Missing(t *testing.T) {
	_, err := RenderFile(filepath.Join(t.TempDir(), "nope.tmpl"), params)
	if err == nil || !strings.Contains(err.Error(), "prompt: read") {
		t.Fatalf("error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Source

func writeTemplate(t *testing.T, path, text string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.tmpl")
	writeTemplate(t, path, "dialect {{.Dialect}}")

	s, err := NewSource(SourceOpts{Path: path, Params: params})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if got := s.Preamble(); got != "dialect postgresql" {
		t.Fatalf("Preamble = %q", got)
	}

	writeTemplate(t, path, "broken {{.Dialect")
	if err := s.Reload(); err == nil {
		t.Fatal("Reload succeeded on broken template")
	}
	if got := s.Preamble(); got != "dialect postgresql" {
		t.Errorf("Preamble after failed reload = %q", got)
	}

	writeTemplate(t, path, "results in {{.ResultDir}}")
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := s.Preamble(); got != "results in result" {
		t.Errorf("Preamble = %q", got)
	}
}

func TestSource_Static(t *testing.T) {
	s := Static("fixed")
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := s.Watch(context.Background()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if s.Preamble() != "fixed" {
		t.Errorf("Preamble = %q", s.Preamble())
	}
}

func TestSource_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.tmpl")
	writeTemplate(t, path, "v1 {{.Dialect}}")
	s, err := NewSource(SourceOpts{Path: path, Params: params})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeTemplate(t, path, "v2 {{.Dialect}}")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Preamble() == "v2 postgresql" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Preamble not reloaded, got %q", s.Preamble())
}
