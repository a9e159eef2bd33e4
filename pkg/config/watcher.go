package config

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher holds the current configuration and republishes it whenever the
// file changes and still validates. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	log      zerolog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger for reload failures.
func WithLogger(log zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = log }
}

// WithDebounce sets how long the file must be quiet before it is reloaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads path and returns a watcher primed with its contents.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, log: zerolog.Nop(), debounce: defaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	cfg, h, err := w.parse()
	if err != nil {
		return nil, err
	}
	w.commit(cfg, h)
	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Watcher) parse() (*Config, uint64, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, 0, err
	}
	hasher := fnv.New64a()
	_, _ = hasher.Write(data)
	return cfg, hasher.Sum64(), nil
}

func (w *Watcher) commit(cfg *Config, h uint64) {
	w.mu.Lock()
	w.cfg = cfg
	w.lastHash = h
	w.mu.Unlock()
}

// Subscribe returns a channel receiving every new valid configuration. A
// slow subscriber only ever misses intermediate versions, never the latest.
func (w *Watcher) Subscribe(buffer int) <-chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (w *Watcher) Unsubscribe(ch <-chan *Config) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for i, s := range w.subs {
		if s == ch {
			last := len(w.subs) - 1
			w.subs[i] = w.subs[last]
			w.subs[last] = nil
			w.subs = w.subs[:last]
			close(s)
			return
		}
	}
}

func (w *Watcher) publish(cfg *Config) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full: drop the oldest and deliver the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			w.log.Debug().Int("queue_cap", cap(ch)).Msg("config update dropped, subscriber slow")
		}
	}
}

// reload re-reads the file and publishes it if it changed and is valid.
func (w *Watcher) reload() {
	cfg, h, err := w.parse()
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload rejected")
		return
	}

	w.mu.RLock()
	unchanged := h == w.lastHash
	w.mu.RUnlock()
	if unchanged {
		w.log.Debug().Str("path", w.path).Msg("config unchanged, skipping publish")
		return
	}

	w.commit(cfg, h)
	w.publish(cfg)
	w.log.Info().Str("path", w.path).Msg("config reloaded")
}

// Watch follows the file until ctx is done. The directory is watched so
// editors that replace the file atomically are handled. A watcher that
// breaks is recreated with backoff.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reloadLater := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn().Err(err).Str("dir", dir).Msg("config watch init failed")
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn().Err(err).Str("dir", dir).Msg("config watch add failed")
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		w.log.Debug().Str("dir", dir).Str("file", file).Msg("config watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					reloadLater()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.log.Warn().Err(err).Msg("config watch overflow, forcing reload")
					reloadLater()
					continue
				}
				w.log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
			}
		}

		_ = fw.Close()
		w.log.Warn().Str("dir", dir).Msg("config watcher stopped, restarting")
		if !wait() {
			return nil
		}
	}
	return nil
}
