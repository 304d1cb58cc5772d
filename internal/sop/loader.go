package sop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDur coalesces the burst of events editors emit on save.
const debounceDur = 250 * time.Millisecond

// IsDefinitionFile reports whether path has a definition extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadFile parses one definition file and creates or updates its SOP.
func (r *Registry) LoadFile(ctx context.Context, path string) (*SOP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sop: read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("sop: %s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	s, err := r.Put(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("sop: %s: %w", path, err)
	}
	return s, nil
}

// LoadDir loads every definition file in dir, in name order. A bad file is
// logged and skipped; the count of loaded SOPs is returned. A missing
// directory loads nothing.
func (r *Registry) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sop: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		s, err := r.LoadFile(ctx, filepath.Join(dir, name))
		if err != nil {
			r.logger.Warn("skipping definition", zap.String("file", name), zap.Error(err))
			continue
		}
		r.logger.Debug("loaded definition", zap.String("file", name), zap.String("sop_id", s.ID))
		loaded++
	}
	return loaded, nil
}

// Watch reloads definition files in dir as they are created or written,
// until ctx is done. Removing a file does not remove its SOP.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sop: watch: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("sop: watch %s: %w", dir, err)
	}
	r.logger.Info("watching definitions", zap.String("dir", dir))

	pending := map[string]time.Time{}
	ticker := time.NewTicker(debounceDur / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watch error", zap.Error(err))

		case <-ticker.C:
			for path, at := range pending {
				if time.Since(at) < debounceDur {
					continue
				}
				delete(pending, path)
				s, err := r.LoadFile(ctx, path)
				if err != nil {
					r.logger.Warn("reload failed", zap.String("file", path), zap.Error(err))
					continue
				}
				r.logger.Info("definition reloaded", zap.String("file", path), zap.String("sop_id", s.ID))
			}
		}
	}
}
