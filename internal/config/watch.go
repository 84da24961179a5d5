package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes from editors that save in
// several steps.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc receives the result of reloading a watched file. Exactly one of
// cfg and err is non-nil.
type ReloadFunc func(cfg *Config, err error)

// Watch reloads the file at path whenever it changes and hands the result to
// fn. It blocks until ctx is done.
//
// The parent directory is watched rather than the file itself, so saves
// that replace the file by rename are still seen.
func Watch(ctx context.Context, path string, fn ReloadFunc) error {
	return watch(ctx, path, DefaultDebounce, fn)
}

func watch(ctx context.Context, path string, debounce time.Duration, fn ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			fn(nil, fmt.Errorf("config watcher: %w", err))

		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				fn(nil, err)
				continue
			}
			fn(cfg, nil)
		}
	}
}
