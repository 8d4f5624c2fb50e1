// Package reaper deletes updates the selection policy no longer needs,
// then the asset rows and files nothing kept still references.
package reaper

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/selection"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveReap(updatesDeleted, assetsDeleted, fileErrors int)
}

type Options struct {
	Database *db.Database
	Config   *updates.Config
	Policy   *selection.Policy
	Logger   log.Logger
	Metrics  Metrics
}

type Reaper struct {
	db      *db.Database
	cfg     *updates.Config
	policy  *selection.Policy
	logger  log.Logger
	metrics Metrics
}

// Report summarizes one pass.
type Report struct {
	UpdatesDeleted int
	AssetsDeleted  int
	// FileErrors counts asset files that could not be removed. Their rows
	// are gone either way.
	FileErrors int
}

func New(opts Options) *Reaper {
	return &Reaper{
		db:      opts.Database,
		cfg:     opts.Config,
		policy:  opts.Policy,
		logger:  log.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
}

// Reap runs one pass anchored on the launched update, which is never deleted.
func (r *Reaper) Reap(ctx context.Context, launched *updates.Update) (Report, error) {
	var rep Report
	if launched == nil {
		return rep, nil
	}

	release, err := r.db.Acquire(ctx)
	if err != nil {
		return rep, err
	}
	deletedAssets, err := r.deleteRows(ctx, launched, &rep)
	release()
	if err != nil {
		return rep, err
	}

	for _, a := range deletedAssets {
		if a.RelativePath == "" {
			continue
		}
		path, err := pathutil.Join(r.cfg.UpdatesDir, a.RelativePath)
		if err == nil {
			err = os.Remove(path)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			rep.FileErrors++
			r.logger.Error(ctx, err, "failed to delete asset file", "asset", a.Key, "path", a.RelativePath)
		}
	}

	r.logger.Info(ctx, "reaped unused updates",
		"launched_update_id", launched.ID.String(),
		"updates_deleted", rep.UpdatesDeleted,
		"assets_deleted", rep.AssetsDeleted,
		"file_errors", rep.FileErrors,
	)
	if r.metrics != nil {
		r.metrics.ObserveReap(rep.UpdatesDeleted, rep.AssetsDeleted, rep.FileErrors)
	}
	return rep, nil
}

func (r *Reaper) deleteRows(ctx context.Context, launched *updates.Update, rep *Report) ([]*updates.Asset, error) {
	all, err := r.db.AllUpdates(ctx)
	if err != nil {
		return nil, err
	}
	scoped := all[:0]
	for _, u := range all {
		if u.ScopeKey == r.cfg.ScopeKey {
			scoped = append(scoped, u)
		}
	}
	filters, err := r.db.ManifestFilters(ctx, r.cfg.ScopeKey)
	if err != nil {
		return nil, err
	}

	doomed := r.policy.SelectUpdatesToDelete(scoped, launched, filters)
	ids := make([]uuid.UUID, 0, len(doomed))
	for _, u := range doomed {
		ids = append(ids, u.ID)
	}
	if err := r.db.DeleteUpdates(ctx, ids); err != nil {
		return nil, err
	}
	rep.UpdatesDeleted = len(ids)

	deleted, err := r.db.DeleteUnusedAssets(ctx)
	if err != nil {
		return nil, err
	}
	rep.AssetsDeleted = len(deleted)
	return deleted, nil
}
