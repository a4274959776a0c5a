package notify

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/waveledger/internal/logger"
)

// FileWatcher reports writes to a ledger database made by any process,
// including the WAL and shared-memory side files. Bursts of writes are
// coalesced into one KindExternal event per debounce window.
type FileWatcher struct {
	hub      *Hub
	watcher  *fsnotify.Watcher
	base     string
	debounce time.Duration
	now      func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewFileWatcher watches the directory holding the database at path.
func NewFileWatcher(path string, debounce time.Duration) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	fw := &FileWatcher{
		hub:      NewHub(16),
		watcher:  w,
		base:     filepath.Base(path),
		debounce: debounce,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.loop()
	return fw, nil
}

// Subscribe implements Subscriber.
func (fw *FileWatcher) Subscribe() (<-chan Event, func()) {
	return fw.hub.Subscribe()
}

// Close stops watching.
func (fw *FileWatcher) Close() error {
	var err error
	fw.once.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

func (fw *FileWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(ev.Name), fw.base)
}

func (fw *FileWatcher) loop() {
	defer fw.wg.Done()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-fw.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.relevant(ev) || timer != nil {
				continue
			}
			timer = time.NewTimer(fw.debounce)
			timerCh = timer.C
		case <-timerCh:
			timer, timerCh = nil, nil
			fw.hub.Publish(Event{Kind: KindExternal, At: fw.now().UTC()})
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logger.L.WithError(err).Warn("ledger file watcher error")
		}
	}
}
