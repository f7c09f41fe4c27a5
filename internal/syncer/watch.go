package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/calvinalkan/mdwiki/internal/scan"
)

// WatchOptions configures [Engine.Watch].
type WatchOptions struct {
	// Debounce is the quiet period per path. Defaults to [DefaultDebounce].
	Debounce time.Duration
	// Buffer bounds settled paths waiting to be synced.
	Buffer int
	// Ready, when set, is closed once every directory is watched.
	Ready chan<- struct{}
}

// Watch syncs page files as they change until ctx is done. Events are
// debounced per path and settled paths are synced one at a time. New
// directories are watched as they appear. A removed directory deletes the
// pages that lived in it.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	if ctx == nil {
		return errors.New("context is nil")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	defer func() { _ = w.Close() }()

	deb := NewDebouncer(opts.Debounce, opts.Buffer)
	defer deb.Close()

	err = e.watchTree(ctx, w, "")
	if err != nil {
		return err
	}

	if opts.Ready != nil {
		close(opts.Ready)
	}

	e.watchLog.Info().Str("root", e.scanner.Root()).Msg("watching")

	for {
		select {
		case <-ctx.Done():
			e.watchLog.Info().Msg("watch stopped")

			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			e.handleEvent(ctx, w, deb, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			e.watchLog.Warn().Err(err).Msg("watcher error")
		case rel := <-deb.C():
			e.syncSettled(ctx, rel)
		}
	}
}

func (e *Engine) watchTree(ctx context.Context, w *fsnotify.Watcher, dir string) error {
	dirs, err := e.scanner.Dirs(ctx, dir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	for _, d := range dirs {
		err = w.Add(d)
		if err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	return nil
}

func (e *Engine) handleEvent(ctx context.Context, w *fsnotify.Watcher, deb *Debouncer, ev fsnotify.Event) {
	rel, err := e.scanner.Rel(ev.Name)
	if err != nil || hidden(rel) {
		return
	}

	e.metrics.WatchEventsTotal.WithLabelValues(eventKind(ev.Op)).Inc()
	e.watchLog.Trace().Str("path", rel).Str("op", ev.Op.String()).Msg("event")

	if ev.Has(fsnotify.Create) && e.scanner.IsDir(rel) {
		err = e.watchTree(ctx, w, rel)
		if err != nil {
			e.watchLog.Warn().Err(err).Str("path", rel).Msg("watch new directory")
		}

		deb.Add(rel)

		return
	}

	if scan.IsPage(rel) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		deb.Add(rel)
	}
}

// syncSettled syncs a page file, a new directory, or the pages of a
// directory that is gone.
func (e *Engine) syncSettled(ctx context.Context, rel string) {
	if scan.IsPage(rel) {
		e.SyncFile(ctx, rel, false)

		return
	}

	if e.scanner.IsDir(rel) {
		_, err := e.SyncDirectory(ctx, rel, false)
		if err != nil {
			e.watchLog.Warn().Err(err).Str("path", rel).Msg("sync directory")
		}

		return
	}

	gone, err := e.vanished(ctx, rel, nil)
	if err != nil {
		e.watchLog.Warn().Err(err).Str("path", rel).Msg("list removed pages")

		return
	}

	for _, p := range gone {
		e.SyncFile(ctx, p, false)
	}
}

func hidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}

	return false
}

func eventKind(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "chmod"
	}
}
