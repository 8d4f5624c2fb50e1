package loader

import (
	"context"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/embedded"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// NewEmbeddedLoader loads the update shipped inside the app package.
func NewEmbeddedLoader(pkg *embedded.Package, opts Options) *Loader {
	return newLoader("embedded", &embeddedSource{pkg: pkg, cfg: opts.Config}, opts)
}

// NewRemoteLoader loads from the update server through dl.
func NewRemoteLoader(dl *downloader.Downloader, opts Options) *Loader {
	src := &remoteSource{
		dl:       dl,
		db:       opts.Database,
		cfg:      opts.Config,
		embedded: opts.Embedded,
		launched: opts.Launched,
	}
	return newLoader("remote", src, opts)
}

type embeddedSource struct {
	pkg *embedded.Package
	cfg *updates.Config
}

func (s *embeddedSource) FetchResponse(context.Context) (*updates.UpdateResponse, error) {
	u, err := s.pkg.Update(s.cfg.ScopeKey)
	if err != nil {
		return nil, err
	}
	return &updates.UpdateResponse{Manifest: &updates.ManifestPart{Update: u}}, nil
}

func (s *embeddedSource) LoadAsset(_ context.Context, a *updates.Asset, _ uuid.UUID, _ downloader.ProgressFunc) (bool, error) {
	return s.pkg.CopyAsset(a, s.cfg.UpdatesDir)
}

type remoteSource struct {
	dl       *downloader.Downloader
	db       *db.Database
	cfg      *updates.Config
	embedded *embedded.Package
	launched *updates.Update
}

func (s *remoteSource) FetchResponse(ctx context.Context) (*updates.UpdateResponse, error) {
	rc, err := s.requestContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.dl.FetchUpdate(ctx, rc)
}

func (s *remoteSource) requestContext(ctx context.Context) (downloader.RequestContext, error) {
	var rc downloader.RequestContext
	var err error
	if rc.ExtraParams, err = s.db.ExtraParams(ctx, s.cfg.ScopeKey); err != nil {
		return rc, err
	}
	if rc.ServerDefinedHeaders, err = s.db.ServerDefinedHeaders(ctx, s.cfg.ScopeKey); err != nil {
		return rc, err
	}
	if rc.RecentFailedUpdateIDs, err = s.db.RecentlyFailedUpdateIDs(ctx); err != nil {
		return rc, err
	}
	if s.launched != nil {
		rc.CurrentUpdateID = s.launched.ID
	}
	if s.embedded != nil {
		// a broken app package only costs the header here; launching it
		// reports the error
		if u, err := s.embedded.Update(s.cfg.ScopeKey); err == nil {
			rc.EmbeddedUpdateID = u.ID
		}
	}
	return rc, nil
}

// LoadAsset prefers a copy from the app package over a download. A copy
// that fails its hash check falls through to the network.
func (s *remoteSource) LoadAsset(ctx context.Context, a *updates.Asset, updateID uuid.UUID, progress downloader.ProgressFunc) (bool, error) {
	if s.embedded != nil && s.embedded.Has(a.EmbeddedAssetFilename) {
		if existed, err := s.embedded.CopyAsset(a, s.cfg.UpdatesDir); err == nil {
			return existed, nil
		}
	}
	return s.dl.DownloadAsset(ctx, a, updateID, progress)
}
