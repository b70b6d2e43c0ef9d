package main

import (
	"strings"
	"testing"

	"github.com/zulandar/myelo/internal/conversation"
)

func TestSessionList(t *testing.T) {
	path := writeConfig(t, "")
	out, err := run(t, "", "session", "list", "--config", path)
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	if !strings.Contains(out, "No sessions.") {
		t.Errorf("expected 'No sessions.', got: %s", out)
	}

	seed(t, path, "alice",
		[]conversation.Message{conversation.System("preamble"), conversation.User("hi")},
		[]conversation.Message{conversation.Assistant("hello")})
	seed(t, path, "slack:U1", []conversation.Message{conversation.User("hey")})

	out, err = run(t, "", "session", "list", "--config", path)
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	for _, want := range []string{"SESSION", "alice", "slack:U1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected list to contain %q, got: %s", want, out)
		}
	}
}

func TestSessionShow(t *testing.T) {
	path := writeConfig(t, "")
	seed(t, path, "alice",
		[]conversation.Message{conversation.System("preamble"), conversation.User("what is ISS staging?")},
		[]conversation.Message{conversation.Assistant("ISS stages myeloma by albumin and B2M.")})

	out, err := run(t, "", "session", "show", "alice", "--config", path)
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	for _, want := range []string{"Session alice", "2 checkpoints", "3 messages", "what is ISS staging?", "albumin"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected show to contain %q, got: %s", want, out)
		}
	}
}

func TestSessionShow_Unknown(t *testing.T) {
	path := writeConfig(t, "")
	out, err := run(t, "", "session", "show", "nobody", "--config", path)
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	if !strings.Contains(out, "has no checkpoints") {
		t.Errorf("got: %s", out)
	}
}

func TestSessionShow_RequiresArg(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := run(t, "", "session", "show", "--config", path); err == nil {
		t.Fatal("expected error without a session argument")
	}
}

func TestSessionClear_All(t *testing.T) {
	path := writeConfig(t, "")
	seed(t, path, "alice",
		[]conversation.Message{conversation.User("a")},
		[]conversation.Message{conversation.Assistant("b")})

	out, err := run(t, "", "session", "clear", "alice", "--config", path)
	if err != nil {
		t.Fatalf("session clear: %v", err)
	}
	if !strings.Contains(out, "Deleted 2 checkpoints") {
		t.Errorf("got: %s", out)
	}
}

func TestSessionClear_From(t *testing.T) {
	path := writeConfig(t, "")
	seed(t, path, "alice",
		[]conversation.Message{conversation.User("a")},
		[]conversation.Message{conversation.Assistant("b")},
		[]conversation.Message{conversation.User("c")})

	out, err := run(t, "", "session", "clear", "alice", "--from", "1", "--config", path)
	if err != nil {
		t.Fatalf("session clear: %v", err)
	}
	if !strings.Contains(out, "Deleted 2 checkpoints") {
		t.Errorf("got: %s", out)
	}

	out, err = run(t, "", "session", "show", "alice", "--config", path)
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	if !strings.Contains(out, "1 checkpoints") {
		t.Errorf("expected one surviving checkpoint, got: %s", out)
	}
}

func TestSessionRepair(t *testing.T) {
	path := writeConfig(t, "")
	seed(t, path, "alice",
		[]conversation.Message{conversation.System("preamble"), conversation.User("plot survival")},
		[]conversation.Message{conversation.Assistant("", conversation.ToolCall{ID: "c1", Name: "plot_csv_columns"})})

	out, err := run(t, "", "session", "repair", "alice", "--config", path)
	if err != nil {
		t.Fatalf("session repair: %v", err)
	}
	for _, want := range []string{"repaired", "dangling calls: 1", "dropped messages: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected repair output to contain %q, got: %s", want, out)
		}
	}

	out, err = run(t, "", "session", "repair", "alice", "--config", path)
	if err != nil {
		t.Fatalf("second repair: %v", err)
	}
	if !strings.Contains(out, "no_changes") {
		t.Errorf("expected second repair to report no_changes, got: %s", out)
	}
}

func TestSessionRepair_EmptyHistory(t *testing.T) {
	path := writeConfig(t, "")
	out, err := run(t, "", "session", "repair", "nobody", "--config", path)
	if err != nil {
		t.Fatalf("session repair: %v", err)
	}
	if !strings.Contains(out, "empty_history") {
		t.Errorf("got: %s", out)
	}
}
