package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/observability"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config file on change and passes valid configs to
// OnChange. Invalid edits are logged and ignored.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)
	log      zerolog.Logger
}

// NewWatcher watches the directory containing path so that editors that
// replace the file are still noticed.
func NewWatcher(path string, onChange func(*Config), logger *zerolog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		watcher:  watcher,
		path:     abs,
		onChange: onChange,
		log:      logger.With().Str("component", "config").Str("path", abs).Logger(),
	}, nil
}

// Run watches for changes. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	// Debounce: wait after the last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("hot-reload failed")
		return
	}
	w.log.Info().Msg("hot-reload: config reloaded")
	w.onChange(cfg)
}
