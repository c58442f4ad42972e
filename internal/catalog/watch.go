package catalog

import (
	"context"
	"log/slog"
	"slices"

	"github.com/fsnotify/fsnotify"

	"github.com/couchcryptid/atm-occupancy/internal/domain"
)

// Changes lists the sites a catalog revision adds, removes or edits relative
// to the sites the process is running with.
type Changes struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the revision leaves every running site as is.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Len is the number of affected sites.
func (c Changes) Len() int {
	return len(c.Added) + len(c.Removed) + len(c.Changed)
}

// Compare diffs next against running by site ID. Address is ignored since
// running sites may have been enriched after loading.
func Compare(running, next []domain.Site) Changes {
	var ch Changes
	byID := make(map[string]domain.Site, len(next))
	for _, s := range next {
		byID[s.ID] = s
	}
	seen := make(map[string]struct{}, len(running))
	for _, cur := range running {
		seen[cur.ID] = struct{}{}
		upd, ok := byID[cur.ID]
		switch {
		case !ok:
			ch.Removed = append(ch.Removed, cur.ID)
		case upd.Name != cur.Name,
			upd.Latitude != cur.Latitude,
			upd.Longitude != cur.Longitude,
			!slices.Equal(upd.Thresholds, cur.Thresholds):
			ch.Changed = append(ch.Changed, cur.ID)
		}
	}
	for _, s := range next {
		if _, ok := seen[s.ID]; !ok {
			ch.Added = append(ch.Added, s.ID)
		}
	}
	return ch
}

// Watch monitors path and compares every valid revision with running. Sites
// are fixed for the life of the process, so differences are only reported:
// onChange receives them, and a revision that matches running again is
// reported as empty Changes. Invalid revisions are logged and skipped. It
// runs until ctx is cancelled.
func Watch(ctx context.Context, path string, running []domain.Site, logger *slog.Logger, onChange func(Changes)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	logger.Info("watching site catalog", "path", path, "sites", len(running))

	var last Changes
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves arrive as Create after a rename.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Re-add in case the file was replaced.
			_ = watcher.Add(path)

			c, err := Load(path)
			if err != nil {
				logger.Error("site catalog changed but is invalid", "path", path, "error", err)
				continue
			}

			ch := Compare(running, c.Sites())
			if slices.Equal(ch.Added, last.Added) && slices.Equal(ch.Removed, last.Removed) &&
				slices.Equal(ch.Changed, last.Changed) {
				continue
			}
			last = ch

			if ch.Empty() {
				logger.Info("site catalog matches running sites again", "path", path)
			} else {
				logger.Warn("site catalog differs from running sites, restart required to apply",
					"path", path, "added", ch.Added, "removed", ch.Removed, "changed", ch.Changed)
			}
			onChange(ch)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("site catalog watcher error", "error", err)
		}
	}
}
