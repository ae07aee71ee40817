package automation

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
)

// Watcher keeps the Service in sync with a definitions directory. Written
// files are upserted; removed files delete the automation they defined.
type Watcher struct {
	loader         *Loader
	watcher        *fsnotify.Watcher
	debouncePeriod time.Duration

	mu            sync.Mutex
	files         map[string]string // path -> automation id
	pending       map[string]bool
	debounceTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the loader's directory. files seeds the
// path to id mapping, normally the result of LoadDir.
func NewWatcher(loader *Loader, files map[string]string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(loader.Dir()); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch automations directory %s", loader.Dir())
	}

	seeded := make(map[string]string, len(files))
	for path, id := range files {
		seeded[filepath.Clean(path)] = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		loader:         loader,
		watcher:        fw,
		debouncePeriod: 500 * time.Millisecond,
		files:          seeded,
		pending:        make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start begins watching
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.loader.logger.Debugw("Automation file changed",
				logger.FieldFile, event.Name,
				"op", event.Op.String())
			w.schedule(filepath.Clean(event.Name))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.loader.logger.Warnw("Automation watcher error", logger.FieldError, err)
		}
	}
}

// schedule debounces bursts of events into one sync
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for _, path := range paths {
		w.Sync(w.ctx, path)
	}
}

// Sync reconciles one file with the Service
func (w *Watcher) Sync(ctx context.Context, path string) {
	path = filepath.Clean(path)
	log := w.loader.logger

	if _, err := os.Stat(path); os.IsNotExist(err) {
		w.mu.Lock()
		id, known := w.files[path]
		w.mu.Unlock()
		if !known {
			return
		}
		if err := w.loader.svc.Delete(ctx, id); err != nil && !errors.Is(err, errors.ErrNotFound) {
			log.Warnw("Failed to delete automation of removed file",
				logger.FieldFile, path,
				logger.FieldAutomationID, id,
				logger.FieldError, err)
			return
		}
		w.mu.Lock()
		delete(w.files, path)
		w.mu.Unlock()
		log.Infow("Automation file removed",
			logger.FieldFile, path,
			logger.FieldAutomationID, id)
		return
	}

	id, err := w.loader.Apply(ctx, path)
	if err != nil {
		log.Warnw("Automation file rejected",
			logger.FieldFile, path,
			logger.FieldError, err,
			logger.FieldErrorKind, errors.Kind(err))
		return
	}
	w.mu.Lock()
	w.files[path] = id
	w.mu.Unlock()
	log.Infow("Automation file applied",
		logger.FieldFile, path,
		logger.FieldAutomationID, id)
}

// Files returns the current path to id mapping
func (w *Watcher) Files() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.files))
	for k, v := range w.files {
		out[k] = v
	}
	return out
}

// Stop stops watching
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
