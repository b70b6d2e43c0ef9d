package prompt

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounce = 250 * time.Millisecond

// SourceOpts configures a Source.
type SourceOpts struct {
	Path   string // template file; empty uses the built-in template
	Params Params
	Logger *zap.Logger
}

// Source holds the current preamble and re-renders it when the template
// file changes. A template that fails to render leaves the previous
// preamble in place.
type Source struct {
	path   string
	params Params
	log    *zap.Logger

	mu       sync.RWMutex
	preamble string
}

// NewSource renders the initial preamble.
func NewSource(opts SourceOpts) (*Source, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	text, err := RenderFile(opts.Path, opts.Params)
	if err != nil {
		return nil, err
	}
	return &Source{path: opts.Path, params: opts.Params, log: log.Named("prompt"), preamble: text}, nil
}

// Static returns a Source that always yields text.
func Static(text string) *Source {
	return &Source{log: zap.NewNop(), preamble: text}
}

// Preamble returns the current system preamble.
func (s *Source) Preamble() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preamble
}

// Reload re-renders the template file.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	text, err := RenderFile(s.path, s.params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := text != s.preamble
	s.preamble = text
	s.mu.Unlock()
	if changed {
		s.log.Info("preamble reloaded", zap.String("path", s.path))
	}
	return nil
}

// Watch reloads the template whenever its file is written, until ctx is
// done. It returns immediately for the built-in template.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt: watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("prompt: watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.log.Warn("preamble reload failed, keeping previous", zap.Error(err))
			}
		}
	}
}
