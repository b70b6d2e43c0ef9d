// Package prompt renders the system preamble sent at the start of every
// session.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
)

//go:embed default.tmpl
var defaultTemplate string

// DefaultGreeting is the user message sent during initialization.
const DefaultGreeting = "Hello! Briefly introduce yourself and what you can help with."

// Params are the environment-specific values substituted into the preamble.
type Params struct {
	Dialect   string
	ResultDir string
	GraphDir  string
	Tools     []string
}

var funcs = template.FuncMap{"join": strings.Join}

// Render executes tmpl with p. Unknown fields are errors.
func Render(tmpl string, p Params) (string, error) {
	t, err := template.New("preamble").Funcs(funcs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("prompt: parse: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, p); err != nil {
		return "", fmt.Errorf("prompt: render: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Default renders the built-in template.
func Default(p Params) (string, error) {
	return Render(defaultTemplate, p)
}

// RenderFile renders the template stored at path, or the built-in template
// when path is empty.
func RenderFile(path string, p Params) (string, error) {
	if path == "" {
		return Default(p)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt: read %s: %w", path, err)
	}
	return Render(string(data), p)
}
