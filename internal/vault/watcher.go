package vault

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventCallback is called after a watcher-driven graph change. kind is
// "created", "updated", or "deleted"; name is the graph node name.
type EventCallback func(kind, name string)

// Watch starts an fsnotify watcher on the vault root and keeps the graph
// current until ctx is cancelled. New directories created at runtime are
// added to the watch list; rename events schedule a debounced reconcile
// pass through ImportAll.
func Watch(ctx context.Context, im *Importer, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := im.fs.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			if err := im.ImportAll(); err != nil {
				logger.Warn("watcher: reconcile failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// New directories join the watch list and get imported.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					scheduleReconcile()
					continue
				}
			}

			if !strings.HasSuffix(absPath, ".md") {
				continue
			}
			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if impErr := im.ImportFile(rel); impErr != nil {
					logger.Warn("watcher: import failed", slog.String("path", rel), slog.String("error", impErr.Error()))
					continue
				}
				kind := "updated"
				if ev.Op&fsnotify.Create != 0 {
					kind = "created"
				}
				logger.Debug("watcher: imported", slog.String("path", rel), slog.String("op", kind))
				if cb != nil {
					cb(kind, NodeName(rel))
				}

			case ev.Op&fsnotify.Remove != 0:
				if rmErr := im.RemoveFile(rel); rmErr != nil {
					logger.Warn("watcher: remove failed", slog.String("path", rel), slog.String("error", rmErr.Error()))
					continue
				}
				logger.Debug("watcher: removed", slog.String("path", rel))
				if cb != nil {
					cb("deleted", NodeName(rel))
				}

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify fires Rename on the old path only; the new
				// path arrives as a separate Create. Remove the old node
				// now and reconcile shortly after for stragglers.
				if rmErr := im.RemoveFile(rel); rmErr == nil {
					logger.Debug("watcher: rename old removed", slog.String("path", rel))
					if cb != nil {
						cb("deleted", NodeName(rel))
					}
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
