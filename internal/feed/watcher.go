package feed

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// GoldsetWatcher ingests goldset files as they land in a directory, so
// dropping a curated YAML file is enough to feed the store without waiting
// for the next scheduled load.
type GoldsetWatcher struct {
	loader  *Loader
	dir     string
	log     *zap.Logger
	watcher *fsnotify.Watcher
}

// NewGoldsetWatcher creates a watcher over the goldset directory.
func NewGoldsetWatcher(loader *Loader, dir string, log *zap.Logger) (*GoldsetWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &GoldsetWatcher{loader: loader, dir: dir, log: log, watcher: w}, nil
}

// Run blocks until the context is cancelled, ingesting each created or
// rewritten goldset file. Ingestion is idempotent, so a file seen twice
// (editors commonly emit Create followed by Write) inserts nothing new.
func (g *GoldsetWatcher) Run(ctx context.Context) error {
	defer g.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
				continue
			}
			g.ingest(ctx, ev.Name)
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return nil
			}
			g.log.Warn("goldset watcher error", zap.Error(err))
		}
	}
}

func (g *GoldsetWatcher) ingest(ctx context.Context, path string) {
	gs, err := LoadGoldset(path)
	if err != nil {
		// Partially written files show up here; the next Write retries.
		g.log.Warn("skipping unreadable goldset file",
			zap.String("path", path), zap.Error(err))
		return
	}

	n, err := g.loader.LoadFromGoldsets(ctx, gs.Agent, 0)
	if err != nil {
		g.log.Error("failed to ingest goldset file",
			zap.String("path", path), zap.Error(err))
		return
	}
	g.log.Info("ingested goldset file",
		zap.String("path", path), zap.String("agent", gs.Agent), zap.Int("inserted", n))
}
