package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for batching file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent is delivered to subscribers after the config file or a prompt
// file changed.
type ChangeEvent struct {
	// Config is the reloaded configuration with environment overrides
	// applied. It is nil when Err is set.
	Config *Config
	// Paths are the changed files.
	Paths     []string
	Err       error
	Timestamp time.Time
}

// Subscriber receives change events. It runs on the watcher's timer
// goroutine.
type Subscriber func(ChangeEvent)

// Watcher reloads the configuration when its file or the prompts directory
// changes. All methods are safe for concurrent use.
type Watcher struct {
	mu sync.RWMutex

	watcher    *fsnotify.Watcher
	configPath string
	promptsDir string

	subscribers map[int]Subscriber
	nextID      int

	debounceDelay  time.Duration
	pendingChanges map[string]struct{}
	debounceTimer  *time.Timer
	debounceMu     sync.Mutex

	logger *slog.Logger

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher watches the file cfg was loaded from and cfg's prompts
// directory. Call Start to begin and Close when done.
func NewWatcher(cfg *Config, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		watcher:        fw,
		subscribers:    make(map[int]Subscriber),
		debounceDelay:  DebounceDelay,
		pendingChanges: make(map[string]struct{}),
		logger:         logger,
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	if p := cfg.Path(); p != "" {
		if abs, err := filepath.Abs(p); err == nil {
			w.configPath = abs
		}
	}
	if d := cfg.ResolvedPromptsDir(); d != "" {
		if abs, err := filepath.Abs(d); err == nil {
			w.promptsDir = abs
		}
	}

	// Editors replace files by rename, so the file's directory is watched.
	if w.configPath != "" {
		if err := w.addWatch(filepath.Dir(w.configPath)); err != nil {
			logger.Debug("Cannot watch config directory", "path", w.configPath, "error", err)
		}
	}
	if w.promptsDir != "" {
		if err := w.addWatch(w.promptsDir); err != nil {
			logger.Debug("Cannot watch prompts directory", "dir", w.promptsDir, "error", err)
		}
	}
	return w, nil
}

// SetDebounceDelay sets the batching delay. Call it before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Start begins the event loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. No events are delivered after it returns.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()
	return err
}

// Subscribe registers fn and returns a function removing it.
func (w *Watcher) Subscribe(fn Subscriber) (unsubscribe func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.subscribers[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subscribers, id)
	}
}

// SubscriberCount returns the number of subscribers.
func (w *Watcher) SubscriberCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subscribers)
}

// addWatch watches dir, or its parent when dir does not exist yet.
func (w *Watcher) addWatch(dir string) error {
	info, err := os.Stat(dir)
	if err == nil && info.IsDir() {
		return w.watcher.Add(dir)
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return err
	}
	if _, perr := os.Stat(parent); perr != nil {
		return perr
	}
	w.logger.Debug("Watching parent directory for creation", "target", dir, "parent", parent)
	return w.watcher.Add(parent)
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// relevant reports whether path is the config file or a prompt file.
func (w *Watcher) relevant(path string) bool {
	if w.configPath != "" && path == w.configPath {
		return true
	}
	if w.promptsDir == "" {
		return false
	}
	if path == w.promptsDir {
		return true
	}
	return strings.HasPrefix(path, w.promptsDir+string(filepath.Separator)) &&
		strings.EqualFold(filepath.Ext(path), ".md")
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !w.relevant(path) {
		return
	}

	// The prompts directory appeared: watch it directly.
	if path == w.promptsDir && event.Has(fsnotify.Create) {
		if err := w.watcher.Add(path); err == nil {
			w.logger.Debug("Started watching newly created directory", "dir", path)
		}
	}

	w.logger.Debug("Configuration changed", "path", path, "op", event.Op.String())

	w.debounceMu.Lock()
	w.pendingChanges[path] = struct{}{}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.firePendingChanges)
	w.debounceMu.Unlock()
}

// reload loads the config file, or the defaults when it was removed.
func (w *Watcher) reload() (*Config, error) {
	var cfg *Config
	var err error
	if w.configPath == "" {
		cfg = Default()
	} else {
		cfg, err = Load(w.configPath)
		if errors.Is(err, fs.ErrNotExist) {
			cfg, err = Default(), nil
			cfg.path = w.configPath
		}
	}
	if err != nil {
		return nil, err
	}
	if cfg.PromptsDir == "" && w.promptsDir != "" {
		cfg.PromptsDir = w.promptsDir
	}
	cfg.ApplyEnv(nil)
	return cfg, nil
}

func (w *Watcher) firePendingChanges() {
	w.debounceMu.Lock()
	changes := w.pendingChanges
	w.pendingChanges = make(map[string]struct{})
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	if len(changes) == 0 {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	cfg, err := w.reload()
	if err != nil {
		w.logger.Warn("Failed to reload configuration", "error", err)
	}
	event := ChangeEvent{Config: cfg, Paths: paths, Err: err, Timestamp: time.Now()}

	w.mu.RLock()
	subs := make([]Subscriber, 0, len(w.subscribers))
	for _, fn := range w.subscribers {
		subs = append(subs, fn)
	}
	w.mu.RUnlock()

	w.logger.Debug("Notifying subscribers of configuration change",
		"paths", paths, "subscriber_count", len(subs))
	for _, fn := range subs {
		fn(event)
	}
}
