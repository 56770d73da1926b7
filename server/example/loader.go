package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/index"
	"github.com/cyp0633/caldora/server/storage"
)

// loadDir stores and indexes every .ics file in dir, in name order. Files
// that fail to parse or reuse an indexed UID are logged and skipped.
func loadDir(ctx context.Context, dir string, store storage.Storage, idx *index.Index, logger *slog.Logger) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.ics"))
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		name := filepath.Base(path)
		if err := putFile(ctx, path, name, store, idx); err != nil {
			logger.Warn("skipping calendar file", "file", path, "err", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// putFile follows the write path of a calendar server: claim the UID,
// check it is unused, store the object, index it, release the claim. A
// name already stored is replaced, and restored if indexing fails.
func putFile(ctx context.Context, path, name string, store storage.Storage, idx *index.Index) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cal, err := storage.DecodeCalendar(string(data))
	if err != nil {
		return err
	}
	obj := &storage.CalendarObject{ID: name, CalendarID: calendarID, UserID: userID, Data: cal}
	uid := component.ResourceUID(obj.Component())

	old, err := store.GetObject(ctx, userID, calendarID, name)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}

	if err := idx.ReserveUID(uid); err != nil {
		return err
	}
	defer idx.UnreserveUID(uid)

	ok, err := idx.IsAllowedUID(uid, name)
	if err != nil {
		return err
	}
	if !ok {
		return &storage.Error{Type: storage.ErrConflict, Message: fmt.Sprintf("uid %q already in use", uid)}
	}

	if old == nil {
		err = store.CreateObject(ctx, obj)
	} else {
		err = store.UpdateObject(ctx, obj)
	}
	if err != nil {
		return err
	}
	if err := idx.AddResource(name, obj.Component(), false); err != nil {
		if old == nil {
			_ = store.DeleteObject(ctx, userID, calendarID, name)
		} else {
			_ = store.UpdateObject(ctx, old)
		}
		return err
	}
	return nil
}

// pruneRevisions forgets deletions older than the newest keep revisions.
func pruneRevisions(idx *index.Index, keep int64, logger *slog.Logger) (int64, error) {
	current, err := idx.Revision()
	if err != nil {
		return 0, err
	}
	upTo := current - keep
	if upTo <= 0 {
		return 0, nil
	}
	removed, err := idx.PruneRevisions(upTo)
	if err != nil {
		return 0, err
	}
	logger.Info("revisions pruned", "up_to", upTo, "removed", removed)
	return removed, nil
}
