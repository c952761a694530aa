package network

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"steward/internal/eventloop"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// WatchDir reloads the network files in dir after they change. Bursts of
// events collapse into one reload; reload runs on the loop. WatchDir
// returns once watching started and stops when ctx is done.
func WatchDir(ctx context.Context, dir string, loop *eventloop.Loop, reload func([]*File, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create network file watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch network dir %s: %w", dir, err)
	}
	log := slog.With("component", "network-watch", "dir", dir)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		files, err := LoadDir(dir)
		loop.Post(func() { reload(files, err) })
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".yaml" {
					continue
				}
				log.Debug("Network file changed.", "file", ev.Name, "op", ev.Op.String())
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, fire)
				mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("Network file watcher error.", "err", err)
			}
		}
	}()
	return nil
}
