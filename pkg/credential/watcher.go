package credential

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = time.Millisecond * 500

// Watch calls callback whenever the store file at path (or one of its
// journal files) changes. Bursts of events are coalesced. The returned stop
// function ends the watch; callback is never invoked after it returns.
func Watch(
	path string,
	callback func(),
) (
	stop func() error,
	err error,
) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// watch the directory: sqlite replaces journal files and some editors
	// replace the file itself, which drops a watch on the file
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	reload := make(chan struct{}, 1)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduleReload(reload, done, callback)
	}()
	go func() {
		defer wg.Done()
		handleWatcher(watcher, filepath.Base(path), reload, done)
	}()

	var once sync.Once
	stop = func() error {
		var closeErr error
		once.Do(func() {
			close(done)
			closeErr = watcher.Close()
			wg.Wait()
		})
		return closeErr
	}
	return stop, nil
}

func handleWatcher(
	watcher *fsnotify.Watcher,
	name string,
	reload chan<- struct{},
	done <-chan struct{},
) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Create) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("credential watcher error")
		}
	}
}

func scheduleReload(
	reload <-chan struct{},
	done <-chan struct{},
	callback func(),
) {
	var timer *time.Timer = nil
	var c <-chan time.Time = nil
	for {
		select {
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-reload:
			if timer != nil {
				timer.Reset(watchDebounce)
			} else {
				timer = time.NewTimer(watchDebounce)
				c = timer.C
			}

		case <-c:
			c = nil
			timer = nil
			callback()
		}
	}
}
