package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type profilesFile struct {
	Workers []Profile `yaml:"workers"`
}

// LoadProfiles reads worker profiles from a YAML file.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker profiles: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse worker profiles: %w", err)
	}
	for i := range f.Workers {
		if f.Workers[i].ID == "" {
			return nil, fmt.Errorf("worker profile %d has no id", i)
		}
	}
	return f.Workers, nil
}

// WatchProfiles registers the profiles from path and re-registers them
// whenever the file changes. Blocks until ctx is cancelled. Reload errors
// keep the previous profile set.
func WatchProfiles(ctx context.Context, path string, registry *Registry) error {
	profiles, err := LoadProfiles(path)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		registry.Register(p)
	}
	slog.Info("worker profiles loaded", "path", path, "count", len(profiles))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// the watch would be lost with a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reloaded, err := LoadProfiles(path)
			if err != nil {
				slog.Warn("worker profiles reload failed, keeping previous set", "path", path, "error", err)
				continue
			}
			for _, p := range reloaded {
				registry.Register(p)
			}
			slog.Info("worker profiles reloaded", "path", path, "count", len(reloaded))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("worker profile watcher error", "error", err)
		}
	}
}
