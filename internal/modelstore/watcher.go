package modelstore

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Watcher reports artifacts that were created, rewritten, renamed or
// removed in a store's directory.
type Watcher struct {
	fs       *fsnotify.Watcher
	store    Store
	onChange func(id string)
	done     chan struct{}
}

func Watch(ctx context.Context, store Store, onChange func(id string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(store.Dir()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", store.Dir(), err)
	}
	w := &Watcher{fs: fsw, store: store, onChange: onChange, done: make(chan struct{})}
	go w.loop(ctx)
	return w, nil
}

const watchedOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	logger := logutil.GetLogger(ctx).With(zap.String("dir", w.store.Dir()))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&watchedOps == 0 {
				continue
			}
			id, ok := IDForPath(w.store, ev.Name)
			if !ok {
				continue
			}
			logger.Info("model artifact changed", zap.String("model", id), zap.String("op", ev.Op.String()))
			w.onChange(id)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn("model watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
