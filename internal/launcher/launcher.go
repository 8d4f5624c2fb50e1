// Package launcher turns the update chosen by the selection policy into
// files the host runtime can execute, repairing missing asset files from
// the app package or the network on the way.
package launcher

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/embedded"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/selection"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// ErrNoLaunchableUpdate means the database holds nothing the policy will launch.
var ErrNoLaunchableUpdate = errors.New("no launchable update")

// AssetFetcher re-downloads an asset whose file went missing.
// *downloader.Downloader implements it.
type AssetFetcher interface {
	DownloadAsset(ctx context.Context, a *updates.Asset, updateID uuid.UUID, progress downloader.ProgressFunc) (bool, error)
}

type LaunchResult struct {
	Update *updates.Update
	// LaunchAssetPath is empty for development updates.
	LaunchAssetPath string
	// AssetFiles maps asset keys to absolute paths.
	AssetFiles map[string]string
}

type Options struct {
	Database *db.Database
	Config   *updates.Config
	Policy   *selection.Policy
	// Fetcher and Embedded repair missing files; either may be nil.
	Fetcher  AssetFetcher
	Embedded *embedded.Package
	Logger   log.Logger
}

type DatabaseLauncher struct {
	db       *db.Database
	cfg      *updates.Config
	policy   *selection.Policy
	fetcher  AssetFetcher
	embedded *embedded.Package
	logger   log.Logger
}

func New(opts Options) *DatabaseLauncher {
	return &DatabaseLauncher{
		db:       opts.Database,
		cfg:      opts.Config,
		policy:   opts.Policy,
		fetcher:  opts.Fetcher,
		embedded: opts.Embedded,
		logger:   log.OrNop(opts.Logger),
	}
}

// Launch selects the update to run and makes sure its files are on disk.
// An update whose launch asset cannot be restored is demoted to pending and
// the next candidate is tried; other missing assets are logged and left out
// of AssetFiles.
func (l *DatabaseLauncher) Launch(ctx context.Context) (*LaunchResult, error) {
	var lastErr error
	demoted := map[uuid.UUID]bool{}
	for {
		u, assets, err := l.selectUpdate(ctx)
		if errors.Is(err, ErrNoLaunchableUpdate) && lastErr != nil {
			return nil, errors.Join(err, lastErr)
		}
		if err != nil {
			return nil, err
		}
		res, missing, err := l.resolve(ctx, u, assets)
		if err == nil {
			return res, nil
		}
		if missing == nil || demoted[u.ID] {
			return nil, err
		}
		demoted[u.ID] = true
		l.logger.Error(ctx, err, "launch asset missing, demoting update", "update_id", u.ID.String())
		if derr := l.demote(ctx, missing); derr != nil {
			return nil, errors.Join(err, derr)
		}
		lastErr = err
	}
}

// resolve maps the update's assets to files. missing is set when the launch
// asset could not be restored.
func (l *DatabaseLauncher) resolve(ctx context.Context, u *updates.Update, assets []*updates.Asset) (*LaunchResult, *updates.Asset, error) {
	res := &LaunchResult{Update: u, AssetFiles: map[string]string{}}
	if u.Status == updates.StatusDevelopment {
		return res, nil, nil
	}

	var repaired []*updates.Asset
	for _, a := range assets {
		path, fixed, err := l.ensureFile(ctx, u.ID, a)
		if err != nil {
			if a.IsLaunchAsset {
				return nil, a, xerrors.Wrapf(err, "launch asset of update %s", u.ID)
			}
			l.logger.Warn(ctx, "asset file missing and could not be restored",
				"update_id", u.ID.String(), "asset", a.Key, "err", err.Error())
			continue
		}
		if fixed {
			repaired = append(repaired, a)
		}
		res.AssetFiles[a.Key] = path
		if a.IsLaunchAsset {
			res.LaunchAssetPath = path
		}
	}
	if res.LaunchAssetPath == "" {
		return nil, nil, xerrors.Newf("update %s has no launch asset", u.ID)
	}

	if len(repaired) > 0 {
		if err := l.saveRepaired(ctx, repaired); err != nil {
			return nil, nil, err
		}
	}
	return res, nil, nil
}

func (l *DatabaseLauncher) demote(ctx context.Context, missing *updates.Asset) error {
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return l.db.WithTx(ctx, func(ctx context.Context, q *db.Queries) error {
		return q.MarkMissingAssets(ctx, []*updates.Asset{missing})
	})
}

func (l *DatabaseLauncher) selectUpdate(ctx context.Context) (*updates.Update, []*updates.Asset, error) {
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	candidates, err := l.db.LaunchableUpdates(ctx, l.cfg.ScopeKey)
	if err != nil {
		return nil, nil, err
	}
	filters, err := l.db.ManifestFilters(ctx, l.cfg.ScopeKey)
	if err != nil {
		return nil, nil, err
	}
	u := l.policy.SelectUpdateToLaunch(candidates, filters)
	if u == nil {
		return nil, nil, ErrNoLaunchableUpdate
	}
	if err := l.db.MarkUpdateAccessed(ctx, u.ID); err != nil {
		return nil, nil, err
	}
	if u.Status == updates.StatusDevelopment {
		return u, nil, nil
	}
	assets, err := l.db.AssetsForUpdate(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	u.Assets = assets
	return u, assets, nil
}

// ensureFile returns the asset's path, restoring the file when it is gone.
func (l *DatabaseLauncher) ensureFile(ctx context.Context, updateID uuid.UUID, a *updates.Asset) (string, bool, error) {
	if a.RelativePath != "" {
		path, err := pathutil.Join(l.cfg.UpdatesDir, a.RelativePath)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(path); err == nil {
			return path, false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", false, err
		}
	}

	l.logger.Info(ctx, "restoring missing asset file", "update_id", updateID.String(), "asset", a.Key)
	var err error
	switch {
	case l.embedded != nil && l.embedded.Has(a.EmbeddedAssetFilename):
		_, err = l.embedded.CopyAsset(a, l.cfg.UpdatesDir)
	case l.fetcher != nil && a.URL != "":
		_, err = l.fetcher.DownloadAsset(ctx, a, updateID, nil)
	default:
		err = xerrors.Newf("asset %s is missing and has no source to restore it from", a.Key)
	}
	if err != nil {
		return "", false, err
	}
	path, err := pathutil.Join(l.cfg.UpdatesDir, a.RelativePath)
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

func (l *DatabaseLauncher) saveRepaired(ctx context.Context, assets []*updates.Asset) error {
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return l.db.WithTx(ctx, func(ctx context.Context, q *db.Queries) error {
		for _, a := range assets {
			if err := q.UpdateAsset(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkLaunchSucceeded records that the update ran. One success keeps it
// launchable even after later failures.
func (l *DatabaseLauncher) MarkLaunchSucceeded(ctx context.Context, id uuid.UUID) error {
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return l.db.IncrementSuccessfulLaunchCount(ctx, id)
}

// MarkLaunchFailed records a crash of the update. An update that fails
// before it ever succeeded is no longer launchable and is sent in
// Expo-Recent-Failed-Update-IDs on the next check.
func (l *DatabaseLauncher) MarkLaunchFailed(ctx context.Context, id uuid.UUID) error {
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return l.db.IncrementFailedLaunchCount(ctx, id)
}
