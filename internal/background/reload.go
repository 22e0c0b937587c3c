package background

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ReloadResult is the four-list diff outcome the hot-reload worker emits.
type ReloadResult struct {
	Added     []string
	Removed   []string
	Updated   []string
	Unchanged []string
}

// Reloader parses, validates, diffs, and applies a new config document.
// Implemented by the Registry; the worker here only owns triggering —
// watching the filesystem, debouncing, and falling back to polling when
// no filesystem watch is available.
type Reloader interface {
	Reload(ctx context.Context, configPath string) (ReloadResult, error)
}

// ReloadWorker watches configPath and triggers Reloader.Reload on change,
// on an explicit Trigger() call (SIGHUP), or never if disabled.
type ReloadWorker struct {
	configPath   string
	reloader     Reloader
	pollInterval time.Duration
	debounce     time.Duration
	log          zerolog.Logger
	events       EventSink

	forcePoll bool

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// DisableWatchdog forces the polling fallback even when an fsnotify
// watch could otherwise be established, for the config document's
// `config_reload.use_watchdog: false` knob. Must be called before Start.
func (w *ReloadWorker) DisableWatchdog() {
	w.forcePoll = true
}

// NewReloadWorker builds a worker for configPath. If configPath is empty
// or doesn't exist, the worker starts disabled (a no-op Start/Stop).
func NewReloadWorker(configPath string, reloader Reloader, pollInterval time.Duration, log zerolog.Logger, events EventSink) *ReloadWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &ReloadWorker{
		configPath:   configPath,
		reloader:     reloader,
		pollInterval: pollInterval,
		debounce:     1 * time.Second,
		log:          log.With().Str("worker", "hot_reload").Logger(),
		events:       events,
		trigger:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Trigger requests an immediate reload (used for SIGHUP), coalescing with
// any pending trigger. The `reload_config` RPC does not go through here:
// it calls the Registry's Reload directly so it can return the diff.
func (w *ReloadWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Start begins watching, preferring fsnotify and falling back to polling
// if the watch cannot be established.
func (w *ReloadWorker) Start() {
	if w.configPath == "" {
		w.log.Warn().Msg("hot reload: no config path configured, worker disabled")
		close(w.done)
		return
	}
	if _, err := os.Stat(w.configPath); err != nil {
		w.log.Warn().Err(err).Msg("hot reload: config path does not exist, worker disabled")
		close(w.done)
		return
	}

	if w.forcePoll {
		go w.pollLoop()
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().Err(err).Msg("hot reload: fsnotify unavailable, falling back to polling")
		go w.pollLoop()
		return
	}
	if err := watcher.Add(w.configPath); err != nil {
		w.log.Warn().Err(err).Msg("hot reload: failed to watch config path, falling back to polling")
		_ = watcher.Close()
		go w.pollLoop()
		return
	}
	go w.watchLoop(watcher)
}

func (w *ReloadWorker) watchLoop(watcher *fsnotify.Watcher) {
	defer close(w.done)
	defer watcher.Close()

	var debounceTimer *time.Timer
	debounced := make(chan struct{})

	for {
		select {
		case <-w.stop:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("hot reload: watcher error")
		case <-debounced:
			w.doReload()
		case <-w.trigger:
			w.doReload()
		}
	}
}

func (w *ReloadWorker) pollLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	lastMtime := w.mtime()
	for {
		select {
		case <-w.stop:
			return
		case <-w.trigger:
			w.doReload()
		case <-ticker.C:
			mtime := w.mtime()
			if mtime.IsZero() {
				w.log.Warn().Msg("hot reload: config file disappeared")
				continue
			}
			if !mtime.Equal(lastMtime) {
				lastMtime = mtime
				w.doReload()
			}
		}
	}
}

func (w *ReloadWorker) mtime() time.Time {
	info, err := os.Stat(w.configPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (w *ReloadWorker) doReload() {
	ctx, span := tracer.Start(context.Background(), "reload.apply")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("hot reload: recovered from panic applying reload")
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, err := w.reloader.Reload(ctx, w.configPath)
	if err != nil {
		w.log.Error().Err(err).Msg("hot reload: reload failed")
		span.SetStatus(codes.Error, err.Error())
		if w.events != nil {
			w.events.Emit("reload_failed", map[string]any{"error": err.Error()})
		}
		return
	}
	w.log.Info().
		Strs("added", result.Added).
		Strs("removed", result.Removed).
		Strs("updated", result.Updated).
		Strs("unchanged", result.Unchanged).
		Msg("hot reload: reload completed")
	span.SetAttributes(
		attribute.Int("reload.added", len(result.Added)),
		attribute.Int("reload.removed", len(result.Removed)),
		attribute.Int("reload.updated", len(result.Updated)),
		attribute.Int("reload.unchanged", len(result.Unchanged)),
	)
	span.SetStatus(codes.Ok, "")
	if w.events != nil {
		w.events.Emit("reload_completed", map[string]any{
			"added": result.Added, "removed": result.Removed, "updated": result.Updated, "unchanged": result.Unchanged,
		})
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (w *ReloadWorker) Stop() {
	select {
	case <-w.done:
		return // already stopped (e.g. never started because disabled)
	default:
	}
	close(w.stop)
	<-w.done
}
