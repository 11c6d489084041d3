package limiter

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// defaultReloadDebounce coalesces the burst of events an editor save produces.
const defaultReloadDebounce = 100 * time.Millisecond

// LoadFile replaces the rule set with the rules in a YAML file.
func (s *RuleStore) LoadFile(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return s.Replace(cfg.Rules)
}

// Watch reloads the rule file whenever it changes until ctx is done. A file
// that fails to load is logged and the previous rules stay in effect. The
// parent directory is watched so atomic renames are seen.
func (s *RuleStore) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rule file watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go s.watchLoop(ctx, watcher, abs)
	log.Info().Str("path", abs).Msg("watching rule file")
	return nil
}

func (s *RuleStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()

	reload := make(chan struct{}, 1)
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(defaultReloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := s.LoadFile(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("rule reload failed, keeping previous rules")
				continue
			}
			log.Info().Str("path", path).Msg("rules reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("rule file watcher error")
		}
	}
}
