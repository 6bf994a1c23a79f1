// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
	"github.com/ManuGH/storymill/internal/stage"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// ChannelReloader owns the channels directory: it loads the YAML set into
// the store, serves stage command overrides to the worker, and hot-reloads
// on file changes. A failed reload keeps the previous set; only startup
// loads are fatal.
type ChannelReloader struct {
	dir    string
	store  store.Store
	rec    *events.Recorder
	logger zerolog.Logger

	mu        sync.RWMutex
	overrides map[string]map[model.Stage]stage.CommandOverride

	watcher *fsnotify.Watcher
}

// NewChannelReloader builds the reloader. Call Load before serving and
// Watch to enable hot reload.
func NewChannelReloader(dir string, st store.Store, rec *events.Recorder) *ChannelReloader {
	return &ChannelReloader{
		dir:       dir,
		store:     st,
		rec:       rec,
		logger:    log.WithComponent("config"),
		overrides: make(map[string]map[model.Stage]stage.CommandOverride),
	}
}

// Load parses the directory and applies the full set: channels upserted by
// key, channels whose file disappeared deactivated, overrides swapped
// atomically. Any invalid file aborts the whole load with nothing applied
// to the override table.
func (r *ChannelReloader) Load(ctx context.Context) error {
	specs, err := LoadChannels(r.dir)
	if err != nil {
		return err
	}

	next := make(map[string]map[model.Stage]stage.CommandOverride, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		ch := spec.Channel
		existing, err := r.store.GetChannelByKey(ctx, ch.Key)
		switch {
		case err == nil:
			ch.ID = existing.ID
		case errors.Is(err, model.ErrNotFound):
			ch.ID = uuid.NewString()
		default:
			return fmt.Errorf("resolve channel %s: %w", ch.Key, err)
		}
		if err := r.store.UpsertChannel(ctx, &ch); err != nil {
			return fmt.Errorf("upsert channel %s: %w", ch.Key, err)
		}
		if len(spec.Overrides) > 0 {
			next[ch.Key] = spec.Overrides
		}
		seen[ch.Key] = struct{}{}
	}

	// A removed file deactivates its channel. Rows stay; tasks reference them.
	all, err := r.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range all {
		if _, ok := seen[ch.Key]; ok || !ch.Active {
			continue
		}
		ch.Active = false
		if err := r.store.UpsertChannel(ctx, ch); err != nil {
			return fmt.Errorf("deactivate channel %s: %w", ch.Key, err)
		}
		r.logger.Warn().
			Str(log.FieldChannelKey, ch.Key).
			Msg("channel file removed, channel deactivated")
	}

	r.mu.Lock()
	r.overrides = next
	r.mu.Unlock()

	r.logger.Info().
		Int("channels", len(specs)).
		Str("dir", r.dir).
		Msg("channel configuration loaded")
	return nil
}

// Override resolves a per-channel stage command binding. It satisfies
// stage.OverrideFunc.
func (r *ChannelReloader) Override(channelKey string, st model.Stage) (stage.CommandOverride, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byStage, ok := r.overrides[channelKey]
	if !ok {
		return stage.CommandOverride{}, false
	}
	o, ok := byStage[st]
	return o, ok
}

// Watch starts the fsnotify loop over the channels directory. Reload
// failures log and record an event but never replace the running set.
func (r *ChannelReloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create channels watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch channels dir %s: %w", r.dir, err)
	}
	r.watcher = w

	r.logger.Info().
		Str("dir", r.dir).
		Msg("watching channels directory for changes")

	go r.watchLoop(ctx)
	return nil
}

func (r *ChannelReloader) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("channels watcher stopped")
			_ = r.watcher.Close()
			return

		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isChannelFileEvent(ev) {
				continue
			}
			r.logger.Debug().
				Str(log.FieldPath, ev.Name).
				Str("op", ev.Op.String()).
				Msg("channels directory changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() { r.Reload(ctx) })

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("channels watcher error")
		}
	}
}

// isChannelFileEvent filters the watcher stream down to YAML mutations;
// editors drop swap and lock files beside the real ones.
func isChannelFileEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Ext(ev.Name) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// Reload reapplies the directory, recording the outcome as an event. A
// failed reload keeps the previous set.
func (r *ChannelReloader) Reload(ctx context.Context) {
	if err := r.Load(ctx); err != nil {
		r.logger.Error().Err(err).
			Str("dir", r.dir).
			Msg("channel reload failed, keeping previous configuration")
		r.rec.Record(ctx, events.Event{
			Type:   events.ConfigReloadError,
			Err:    err,
			Detail: map[string]string{"dir": r.dir},
		})
		return
	}
	r.rec.Record(ctx, events.Event{
		Type:   events.ConfigReload,
		Detail: map[string]string{"dir": r.dir},
	})
}

// Close stops the watcher if running.
func (r *ChannelReloader) Close() {
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}
