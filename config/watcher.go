package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher reloads the YAML overlay into a LiveConfig whenever the file
// changes on disk.
type FileWatcher struct {
	logger *zap.Logger
	live   *LiveConfig
	base   *Config
	path   string

	last []byte
}

// NewFileWatcher creates a watcher for path. base is the environment config
// the file is overlaid on at each reload.
func NewFileWatcher(logger *zap.Logger, live *LiveConfig, base *Config, path string) *FileWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWatcher{
		logger: logger,
		live:   live,
		base:   base.Clone(),
		path:   filepath.Clean(path),
	}
}

// Run watches until ctx is done. The parent directory is watched rather than
// the file so editors that replace the file are picked up.
func (fw *FileWatcher) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(fw.path)); err != nil {
		return fmt.Errorf("watch %q: %w", fw.path, err)
	}
	fw.last, _ = os.ReadFile(fw.path)

	fw.logger.Info("watching config file", zap.String("path", fw.path))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				fw.Reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fw.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload applies the file if its content changed since the last reload.
// Invalid content is logged and the current config is kept.
func (fw *FileWatcher) Reload() bool {
	data, err := os.ReadFile(fw.path)
	if err != nil {
		fw.logger.Warn("failed to read config file", zap.String("path", fw.path), zap.Error(err))
		return false
	}
	if fw.last != nil && bytes.Equal(data, fw.last) {
		return false
	}

	cfg, err := ApplyYAML(data, fw.base)
	if err != nil {
		fw.logger.Warn("failed to parse config file, keeping current config", zap.Error(err))
		return false
	}
	cfg.File = fw.path
	rev, err := fw.live.Update(cfg, SourceFile+":"+fw.path)
	if err != nil {
		fw.logger.Warn("rejected config file, keeping current config", zap.Error(err))
		return false
	}

	fw.last = data
	fw.logger.Info("config reloaded from file",
		zap.String("path", fw.path),
		zap.Uint64("version", rev.Version),
		zap.Strings("changed", rev.Changed))
	return true
}
