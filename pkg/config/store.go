package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store holds the live configuration and swaps it atomically on reload.
// A failed reload keeps the previous configuration; only components that
// ask again (new spawns, new runs) observe the new one.
type Store struct {
	mu        sync.RWMutex
	current   *Config
	configDir string
	logger    *slog.Logger

	onReload []func(*Config)
}

// NewStore wraps an initialized configuration.
func NewStore(cfg *Config) *Store {
	return &Store{
		current:   cfg,
		configDir: cfg.configDir,
		logger:    slog.With("component", "config"),
	}
}

// Current returns the live configuration.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnReload registers a callback invoked with each successfully reloaded
// configuration. Not safe to call after Watch has started.
func (s *Store) OnReload(fn func(*Config)) {
	s.onReload = append(s.onReload, fn)
}

// Reload re-initializes from disk. On parse or validation failure the old
// configuration stays live and the error is returned.
func (s *Store) Reload(ctx context.Context) error {
	cfg, err := Initialize(ctx, s.configDir)
	if err != nil {
		s.logger.Error("Config reload failed, keeping previous configuration", "error", err)
		return err
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	s.logger.Info("Configuration reloaded")
	for _, fn := range s.onReload {
		fn(cfg)
	}
	return nil
}

// HandlePush reloads when a push to the default branch touches config
// files (the .squadron directory convention). changed holds the repo-
// relative paths of the push's commits.
func (s *Store) HandlePush(ctx context.Context, branch, defaultBranch string, changed []string) {
	if branch != defaultBranch {
		return
	}
	for _, path := range changed {
		if strings.HasPrefix(path, ".squadron/") {
			s.logger.Info("Config push detected", "path", path)
			if err := s.Reload(ctx); err == nil {
				return
			}
			return
		}
	}
}

// Watch re-parses on local file changes until ctx is cancelled. Intended
// for development (--watch); production reloads ride the push webhook.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := []string{
		s.configDir,
		filepath.Join(s.configDir, "agents"),
		filepath.Join(s.configDir, "pipelines"),
		filepath.Join(s.configDir, "workflows"),
	}
	for _, dir := range dirs {
		// Missing optional directories are fine.
		if err := watcher.Add(dir); err != nil {
			s.logger.Debug("Not watching directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if !watchableFile(ev.Name) {
					continue
				}
				s.logger.Info("Config file changed", "file", ev.Name)
				_ = s.Reload(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func watchableFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".md":
		return true
	}
	return false
}
