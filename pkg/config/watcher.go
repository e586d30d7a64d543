package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/vdecode/vdec/pkg/logger"
)

// Watcher reloads the config file on changes and publishes
// the new pipeline tunables.
type Watcher struct {
	path     string
	onChange func(Pipeline)
	w        *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewWatcher watches the config file at path. The directory is watched
// rather than the file so that editors replacing the file are noticed.
func NewWatcher(path string, onChange func(Pipeline), log *logger.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		w:        w,
		done:     make(chan struct{}),
		log:      log,
	}, nil
}

func (w *Watcher) Run() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case event, ok := <-w.w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				w.reload()
			case err, ok := <-w.w.Errors:
				if !ok {
					return
				}
				w.log.Warn().Err(err).Msg("Config watch error")
			case <-w.done:
				return
			}
		}
	}()
}

func (w *Watcher) reload() {
	var conf Config
	if _, err := LoadConfig(&conf, filepath.Dir(w.path)); err != nil {
		w.log.Error().Err(err).Msg("Config reload has failed")
		return
	}
	if err := conf.Pipeline.Validate(); err != nil {
		w.log.Error().Err(err).Msg("Config reload rejected")
		return
	}
	w.log.Info().Str("file", w.path).Msg("Config reloaded")
	w.onChange(conf.Pipeline)
}

func (w *Watcher) Shutdown(context.Context) error {
	close(w.done)
	err := w.w.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) String() string { return "config-watcher::" + w.path }
