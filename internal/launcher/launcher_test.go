package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/embedded"
	"github.com/keithlinneman/linnemanlabs-updates/internal/selection"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

type fixture struct {
	db  *db.Database
	cfg *updates.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(t.Context(), filepath.Join(dir, db.FileName), db.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return &fixture{
		db:  d,
		cfg: &updates.Config{ScopeKey: "@acme/app", RuntimeVersion: "1", UpdatesDir: dir},
	}
}

func (f *fixture) launcher(fetcher AssetFetcher, pkg *embedded.Package) *DatabaseLauncher {
	return New(Options{
		Database: f.db,
		Config:   f.cfg,
		Policy:   selection.New("1"),
		Fetcher:  fetcher,
		Embedded: pkg,
	})
}

// addReady stores a ready update whose assets are written to disk when
// onDisk is set.
func (f *fixture) addReady(t *testing.T, commit time.Time, onDisk bool, contents ...string) (*updates.Update, []*updates.Asset) {
	t.Helper()
	return f.addReadyManifest(t, commit, onDisk, `{}`, contents...)
}

func (f *fixture) addReadyManifest(t *testing.T, commit time.Time, onDisk bool, manifest string, contents ...string) (*updates.Update, []*updates.Asset) {
	t.Helper()
	ctx := t.Context()
	u := &updates.Update{
		ID:             uuid.New(),
		ScopeKey:       f.cfg.ScopeKey,
		CommitTime:     commit,
		RuntimeVersion: "1",
		Status:         updates.StatusPending,
		Manifest:       []byte(manifest),
	}
	var assets []*updates.Asset
	for i, c := range contents {
		hash := cryptoutil.SHA256Base64URL([]byte(c))
		a := &updates.Asset{
			Key:                   u.ID.String() + "-" + c,
			URL:                   "https://cdn.example.com/" + c,
			ExpectedHash:          hash,
			ContentHash:           hash,
			RelativePath:          hash,
			EmbeddedAssetFilename: c,
			IsLaunchAsset:         i == 0,
		}
		if onDisk {
			if err := os.WriteFile(filepath.Join(f.cfg.UpdatesDir, hash), []byte(c), 0o600); err != nil {
				t.Fatal(err)
			}
		}
		assets = append(assets, a)
	}
	err := f.db.WithTx(ctx, func(ctx context.Context, q *db.Queries) error {
		if err := q.AddUpdate(ctx, u); err != nil {
			return err
		}
		if err := q.AddNewAssets(ctx, u.ID, assets); err != nil {
			return err
		}
		return q.MarkUpdateFinished(ctx, u)
	})
	if err != nil {
		t.Fatalf("store update: %v", err)
	}
	return u, assets
}

type fakeFetcher struct {
	dir   string
	calls int
	err   error
}

func (f *fakeFetcher) DownloadAsset(_ context.Context, a *updates.Asset, _ uuid.UUID, _ downloader.ProgressFunc) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	a.RelativePath = a.Filename()
	return false, os.WriteFile(filepath.Join(f.dir, a.RelativePath), []byte("downloaded"), 0o600)
}

var day = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func TestLaunch_PicksNewest(t *testing.T) {
	f := newFixture(t)
	f.addReady(t, day, true, "old.js")
	newer, _ := f.addReady(t, day.Add(time.Hour), true, "new.js", "logo.png")

	res, err := f.launcher(nil, nil).Launch(t.Context())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Update.ID != newer.ID {
		t.Fatalf("launched %s, want %s", res.Update.ID, newer.ID)
	}
	if filepath.Base(res.LaunchAssetPath) != cryptoutil.SHA256Base64URL([]byte("new.js")) {
		t.Fatalf("launch asset path = %s", res.LaunchAssetPath)
	}
	if len(res.AssetFiles) != 2 {
		t.Fatalf("asset files = %v", res.AssetFiles)
	}
}

func TestLaunch_NothingLaunchable(t *testing.T) {
	f := newFixture(t)
	_, err := f.launcher(nil, nil).Launch(t.Context())
	if !errors.Is(err, ErrNoLaunchableUpdate) {
		t.Fatalf("err = %v, want ErrNoLaunchableUpdate", err)
	}
}

func TestLaunch_RespectsManifestFilters(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	main, _ := f.addReadyManifest(t, day, true, `{"metadata":{"branch":"main"}}`, "main.js")
	beta, _ := f.addReadyManifest(t, day.Add(time.Hour), true, `{"metadata":{"branch":"beta"}}`, "beta.js")

	res, err := f.launcher(nil, nil).Launch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Update.ID != beta.ID {
		t.Fatalf("without filters launched %s, want newest %s", res.Update.ID, beta.ID)
	}

	if err := f.db.SetMetadata(ctx, f.cfg.ScopeKey, updates.ResponseHeaderData{
		ManifestFilters: updates.ManifestFilters{"branch": "main"},
	}); err != nil {
		t.Fatal(err)
	}
	res, err = f.launcher(nil, nil).Launch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Update.ID != main.ID {
		t.Fatalf("with filters launched %s, want %s", res.Update.ID, main.ID)
	}
}

func TestLaunch_RestoresFromEmbedded(t *testing.T) {
	f := newFixture(t)
	_, assets := f.addReady(t, day, false, "bundle.js")
	pkg := embedded.New(fstest.MapFS{"bundle.js": {Data: []byte("bundle.js")}})
	fetcher := &fakeFetcher{dir: f.cfg.UpdatesDir}

	res, err := f.launcher(fetcher, pkg).Launch(t.Context())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("fetcher called %d times, embedded copy should be preferred", fetcher.calls)
	}
	got, err := os.ReadFile(res.LaunchAssetPath)
	if err != nil || string(got) != "bundle.js" {
		t.Fatalf("restored file = %q, %v", got, err)
	}
	if filepath.Base(res.LaunchAssetPath) != assets[0].RelativePath {
		t.Fatalf("restored to %s, want %s", res.LaunchAssetPath, assets[0].RelativePath)
	}
}

func TestLaunch_RestoresByDownload(t *testing.T) {
	f := newFixture(t)
	f.addReady(t, day, false, "main.js", "font.ttf")
	fetcher := &fakeFetcher{dir: f.cfg.UpdatesDir}

	res, err := f.launcher(fetcher, nil).Launch(t.Context())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetcher calls = %d, want 2", fetcher.calls)
	}
	if _, err := os.Stat(res.LaunchAssetPath); err != nil {
		t.Fatalf("launch asset not restored: %v", err)
	}
}

func TestLaunch_MissingLaunchAssetFails(t *testing.T) {
	f := newFixture(t)
	f.addReady(t, day, false, "main.js")
	fetcher := &fakeFetcher{dir: f.cfg.UpdatesDir, err: errors.New("offline")}
	if _, err := f.launcher(fetcher, nil).Launch(t.Context()); err == nil {
		t.Fatal("expected error when the launch asset cannot be restored")
	}
}

func TestLaunch_MissingLaunchAssetDemotesAndFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	older, _ := f.addReady(t, day, true, "old.js")
	broken, _ := f.addReady(t, day.Add(time.Hour), false, "new.js")
	fetcher := &fakeFetcher{dir: f.cfg.UpdatesDir, err: errors.New("offline")}

	res, err := f.launcher(fetcher, nil).Launch(ctx)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Update.ID != older.ID {
		t.Fatalf("launched %s, want fallback %s", res.Update.ID, older.ID)
	}
	got, err := f.db.UpdateByID(ctx, broken.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != updates.StatusPending {
		t.Fatalf("broken update status = %s, want pending", got.Status)
	}
}

func TestLaunch_MissingSecondaryAssetTolerated(t *testing.T) {
	f := newFixture(t)
	_, assets := f.addReady(t, day, true, "main.js", "img.png")
	if err := os.Remove(filepath.Join(f.cfg.UpdatesDir, assets[1].RelativePath)); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{dir: f.cfg.UpdatesDir, err: errors.New("offline")}

	res, err := f.launcher(fetcher, nil).Launch(t.Context())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, ok := res.AssetFiles[assets[1].Key]; ok {
		t.Fatal("missing asset should be left out of AssetFiles")
	}
}

func TestLaunch_Development(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	u := &updates.Update{
		ID: uuid.New(), ScopeKey: f.cfg.ScopeKey, CommitTime: day, RuntimeVersion: "1",
		Status: updates.StatusDevelopment, Manifest: []byte(`{}`), Keep: true,
	}
	if err := f.db.AddUpdate(ctx, u); err != nil {
		t.Fatal(err)
	}
	res, err := f.launcher(nil, nil).Launch(ctx)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Update.ID != u.ID || res.LaunchAssetPath != "" || len(res.AssetFiles) != 0 {
		t.Fatalf("development launch = %+v", res)
	}
}

func TestMarkLaunchFailed_ExcludesNeverSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	old, _ := f.addReady(t, day, true, "old.js")
	bad, _ := f.addReady(t, day.Add(time.Hour), true, "bad.js")
	l := f.launcher(nil, nil)

	if err := l.MarkLaunchFailed(ctx, bad.ID); err != nil {
		t.Fatal(err)
	}
	res, err := l.Launch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Update.ID != old.ID {
		t.Fatalf("launched %s, want fallback %s", res.Update.ID, old.ID)
	}
	ids, err := f.db.RecentlyFailedUpdateIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != bad.ID {
		t.Fatalf("recently failed = %v, %v", ids, err)
	}

	if err := l.MarkLaunchSucceeded(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.db.UpdateByID(ctx, old.ID)
	if err != nil || got.SuccessfulLaunchCount != 1 {
		t.Fatalf("successful count = %+v, %v", got, err)
	}
}
