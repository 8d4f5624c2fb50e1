// Package loader fetches an update response from a source (the embedded
// app package or the update server), registers the update in the database
// and materializes its assets. Task drives the startup sequence on top of
// it and Watcher keeps polling afterwards.
package loader

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/embedded"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

var tracer = otel.Tracer("linnemanlabs/loader")

// Source supplies the response and the asset bytes for one Loader.
type Source interface {
	FetchResponse(ctx context.Context) (*updates.UpdateResponse, error)
	// LoadAsset materializes a under its content-addressed filename and
	// fills RelativePath and ContentHash. existed reports that the file
	// was already on disk.
	LoadAsset(ctx context.Context, a *updates.Asset, updateID uuid.UUID, progress downloader.ProgressFunc) (existed bool, err error)
}

// Decision is the caller's answer to a fetched response.
type Decision struct {
	ShouldDownloadManifest bool
}

// DecideFunc inspects every fetched response, with or without a manifest,
// before any asset is fetched. A nil DecideFunc accepts every manifest.
type DecideFunc func(ctx context.Context, res *updates.UpdateResponse) Decision

// LoadResult carries the stored update, when the manifest was accepted and
// fully loaded, and the response's directive.
type LoadResult struct {
	Update    *updates.Update
	Directive *updates.Directive
	Header    updates.ResponseHeaderData
}

type Options struct {
	Database *db.Database
	Config   *updates.Config
	Logger   log.Logger

	// OnProgress receives the mean asset progress of a load.
	OnProgress func(Progress)
	// ProgressInterval throttles OnProgress; defaults to 100ms.
	ProgressInterval time.Duration

	// Embedded and Launched are used by the remote loader only: Embedded
	// serves assets the app package already carries and identifies the
	// embedded update to the server, Launched is the running update.
	Embedded *embedded.Package
	Launched *updates.Update
}

type Loader struct {
	name   string
	source Source
	db     *db.Database
	cfg    *updates.Config
	logger log.Logger

	onProgress       func(Progress)
	progressInterval time.Duration
}

func newLoader(name string, src Source, opts Options) *Loader {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 100 * time.Millisecond
	}
	return &Loader{
		name:             name,
		source:           src,
		db:               opts.Database,
		cfg:              opts.Config,
		logger:           log.OrNop(opts.Logger).With("loader", name),
		onProgress:       opts.OnProgress,
		progressInterval: opts.ProgressInterval,
	}
}

type assetOutcome int

const (
	assetFinished assetOutcome = iota + 1
	assetAlreadyExists
)

type assetResult struct {
	outcome assetOutcome
	// existing is the stored row when the asset was already in the database.
	existing *updates.Asset
}

// Load fetches a response, asks decide whether to take its manifest, and
// if so stores the update with every asset. The update becomes ready only
// when all assets are in place; any asset failure aborts the load and
// leaves the update pending.
func (l *Loader) Load(ctx context.Context, decide DecideFunc) (*LoadResult, error) {
	ctx, span := tracer.Start(ctx, "loader.Load", trace.WithAttributes(attribute.String("updates.loader", l.name)))
	defer span.End()

	res, err := l.load(ctx, decide)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if res.Update != nil {
		span.SetAttributes(attribute.String("updates.update_id", res.Update.ID.String()))
	}
	return res, nil
}

func (l *Loader) load(ctx context.Context, decide DecideFunc) (*LoadResult, error) {
	resp, err := l.source.FetchResponse(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.saveMetadata(ctx, resp.Header); err != nil {
		return nil, err
	}

	out := &LoadResult{Directive: resp.UpdateDirective(), Header: resp.Header}
	download := true
	if decide != nil {
		download = decide(ctx, resp).ShouldDownloadManifest
	}
	u := resp.ManifestUpdate()
	if u == nil {
		return out, nil
	}
	if !download {
		l.logger.Debug(ctx, "manifest declined", "update_id", u.ID.String())
		return out, nil
	}

	stored, done, err := l.register(ctx, u)
	if err != nil {
		return nil, err
	}
	if !done {
		if err := l.loadAssets(ctx, stored); err != nil {
			return nil, err
		}
		l.logger.Info(ctx, "update loaded", "update_id", stored.ID.String(), "assets", len(stored.Assets))
	}
	out.Update = stored
	return out, nil
}

func (l *Loader) saveMetadata(ctx context.Context, h updates.ResponseHeaderData) error {
	if h.ServerDefinedHeaders == nil && h.ManifestFilters == nil {
		return nil
	}
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return l.db.SetMetadata(ctx, l.cfg.ScopeKey, h)
}

// register reconciles u with the stored row of the same id. done reports
// that nothing is left to download.
func (l *Loader) register(ctx context.Context, u *updates.Update) (*updates.Update, bool, error) {
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer release()

	existing, err := l.db.UpdateByID(ctx, u.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil && existing.ScopeKey != u.ScopeKey {
		l.logger.Warn(ctx, "update id reused under a different scope key, overwriting",
			"update_id", u.ID.String(), "stored_scope_key", existing.ScopeKey, "scope_key", u.ScopeKey)
		if err := l.db.SetScopeKey(ctx, u.ID, u.ScopeKey); err != nil {
			return nil, false, err
		}
		existing.ScopeKey = u.ScopeKey
	}

	switch {
	case u.IsDevelopmentMode:
		err := l.db.WithTx(ctx, func(ctx context.Context, q *db.Queries) error {
			if existing == nil {
				if err := q.AddUpdate(ctx, u); err != nil {
					return err
				}
			}
			return q.MarkUpdateFinished(ctx, u)
		})
		if err != nil {
			return nil, false, err
		}
		return u, true, nil

	case existing != nil && existing.Status == updates.StatusReady:
		assets, err := l.db.AssetsForUpdate(ctx, existing.ID)
		if err != nil {
			return nil, false, err
		}
		existing.Assets = assets
		l.logger.Debug(ctx, "update already loaded", "update_id", existing.ID.String())
		return existing, true, nil

	case existing != nil:
		l.logger.Info(ctx, "resuming partially loaded update", "update_id", u.ID.String())
		return u, false, nil

	default:
		if err := l.db.AddUpdate(ctx, u); err != nil {
			return nil, false, err
		}
		return u, false, nil
	}
}

func (l *Loader) loadAssets(ctx context.Context, u *updates.Update) error {
	results := make([]assetResult, len(u.Assets))
	tracker := newProgressTracker(len(u.Assets), l.onProgress, l.progressInterval)

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range u.Assets {
		g.Go(func() error {
			r, err := l.loadAsset(gctx, u.ID, a, tracker.reporter(i))
			if err != nil {
				l.logger.Warn(gctx, "asset load failed", "update_id", u.ID.String(), "asset", a.Key, "err", err.Error())
				return err
			}
			tracker.finish(i)
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	tracker.done()

	return l.finalize(ctx, u, results)
}

func (l *Loader) loadAsset(ctx context.Context, updateID uuid.UUID, a *updates.Asset, progress downloader.ProgressFunc) (assetResult, error) {
	existing, err := l.db.AssetByKey(ctx, a.Key)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return assetResult{}, err
	case existing.RelativePath != "" && l.fileExists(existing.RelativePath):
		return assetResult{outcome: assetAlreadyExists, existing: existing}, nil
	}

	existed, err := l.source.LoadAsset(ctx, a, updateID, progress)
	if err != nil {
		return assetResult{}, err
	}
	if existed {
		return assetResult{outcome: assetAlreadyExists}, nil
	}
	return assetResult{outcome: assetFinished}, nil
}

func (l *Loader) fileExists(rel string) bool {
	path, err := pathutil.Join(l.cfg.UpdatesDir, rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// finalize joins every asset to the update and marks it ready in one
// transaction.
func (l *Loader) finalize(ctx context.Context, u *updates.Update, results []assetResult) error {
	release, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return l.db.WithTx(ctx, func(ctx context.Context, q *db.Queries) error {
		var finished []*updates.Asset
		for i, a := range u.Assets {
			r := results[i]
			if r.outcome == assetFinished {
				finished = append(finished, a)
				continue
			}
			if r.existing != nil {
				if err := q.MergeAsset(ctx, a, r.existing); err != nil {
					return err
				}
			}
			ok, err := q.AddExistingAsset(ctx, a, u.ID)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			// file on disk from an earlier attempt, never recorded
			if err := l.rehash(ctx, a); err != nil {
				return err
			}
			finished = append(finished, a)
		}
		if err := q.AddNewAssets(ctx, u.ID, finished); err != nil {
			return err
		}
		return q.MarkUpdateFinished(ctx, u)
	})
}

func (l *Loader) rehash(ctx context.Context, a *updates.Asset) error {
	const op = "rehash asset"
	if a.RelativePath == "" {
		a.RelativePath = a.Filename()
	}
	path, err := pathutil.Join(l.cfg.UpdatesDir, a.RelativePath)
	if err != nil {
		return updates.E(updates.KindCorruption, updates.CodeFileWrite, op, err)
	}
	sum, err := cryptoutil.FileSHA256Base64URL(path)
	if err != nil {
		return updates.E(updates.KindCorruption, updates.CodeFileWrite, op, err)
	}
	if a.ExpectedHash != "" && !cryptoutil.HashEqual(sum, cryptoutil.NormalizeBase64URL(a.ExpectedHash)) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn(ctx, "failed to remove corrupt asset file", "path", path, "err", err.Error())
		}
		return updates.Errorf(updates.KindIntegrity, updates.CodeFileHashMismatch, op,
			"asset %s on disk does not match its expected hash", a.Key)
	}
	a.ContentHash = sum
	if a.DownloadTime.IsZero() {
		a.DownloadTime = time.Now().UTC()
	}
	return nil
}
