package loader

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/embedded"
	"github.com/keithlinneman/linnemanlabs-updates/internal/launcher"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/reaper"
	"github.com/keithlinneman/linnemanlabs-updates/internal/selection"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

type TaskOptions struct {
	Config   *updates.Config
	Database *db.Database
	Policy   *selection.Policy
	// Downloader is nil when there is no update server; the remote check
	// is then skipped.
	Downloader *downloader.Downloader
	// Embedded is the app package; nil when the build ships no update.
	Embedded *embedded.Package
	Logger   log.Logger
	Listener Listener

	// AcceptCachedUpdate may veto the cached launch. A vetoed launch is
	// only used when the remote check produces nothing better, and the
	// launch wait no longer applies.
	AcceptCachedUpdate func(*updates.Update) bool

	OnProgress    func(Progress)
	ReaperMetrics reaper.Metrics
}

// Task runs the startup sequence once: launch what is cached (registering
// the embedded update first when it is newer), check the server in
// parallel, and pick the remote result if it arrives within the launch
// wait. The remote check keeps running after the decision; Wait blocks
// until it is done.
type Task struct {
	cfg        *updates.Config
	db         *db.Database
	policy     *selection.Policy
	dl         *downloader.Downloader
	pkg        *embedded.Package
	logger     log.Logger
	listener   Listener
	accept     func(*updates.Update) bool
	onProgress func(Progress)

	launcher *launcher.DatabaseLauncher
	reaper   *reaper.Reaper

	bg sync.WaitGroup
}

func NewTask(opts TaskOptions) *Task {
	logger := log.OrNop(opts.Logger)
	listener := opts.Listener
	if listener == nil {
		listener = nopListener{}
	}
	lopts := launcher.Options{
		Database: opts.Database,
		Config:   opts.Config,
		Policy:   opts.Policy,
		Embedded: opts.Embedded,
		Logger:   logger,
	}
	if opts.Downloader != nil {
		lopts.Fetcher = opts.Downloader
	}
	return &Task{
		cfg:        opts.Config,
		db:         opts.Database,
		policy:     opts.Policy,
		dl:         opts.Downloader,
		pkg:        opts.Embedded,
		logger:     logger,
		listener:   listener,
		accept:     opts.AcceptCachedUpdate,
		onProgress: opts.OnProgress,
		launcher:   launcher.New(lopts),
		reaper: reaper.New(reaper.Options{
			Database: opts.Database,
			Config:   opts.Config,
			Policy:   opts.Policy,
			Logger:   logger,
			Metrics:  opts.ReaperMetrics,
		}),
	}
}

// Launcher exposes the launcher so the host can record launch outcomes.
func (t *Task) Launcher() *launcher.DatabaseLauncher { return t.launcher }

type fallbackOutcome struct {
	launch *launcher.LaunchResult
	err    error
}

type remoteOutcome struct {
	check RemoteCheckResult
	err   error
	// ready means the database now holds update, which is newer to launch.
	ready  bool
	update *updates.Update
}

// Run decides what to launch. It must be called once.
func (t *Task) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "loader.Task.Run")
	defer span.End()

	res, err := t.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("updates.launch_source", res.Source.String()),
		attribute.String("updates.update_id", res.Launch.Update.ID.String()),
	)
	return res, nil
}

func (t *Task) run(ctx context.Context) (*Result, error) {
	shouldCheck := t.shouldCheckForUpdate(ctx)
	t.logger.Info(ctx, "starting launch sequence",
		"check_for_update", shouldCheck,
		"launch_wait", t.cfg.LaunchWait.String(),
	)

	fallbackCh := make(chan fallbackOutcome, 1)
	go func() { fallbackCh <- t.launchFallback(ctx) }()

	// with no wait (or no check) the cached launch goes as soon as it is ready
	timerDone := !shouldCheck || t.cfg.LaunchWait <= 0
	var timerC <-chan time.Time
	if !timerDone {
		timer := time.NewTimer(t.cfg.LaunchWait)
		defer timer.Stop()
		timerC = timer.C
	}

	var (
		winner   = LaunchPending
		fallback *fallbackOutcome
		vetoed   bool
		remoteCh <-chan remoteOutcome
		remote   *remoteOutcome
	)

	for winner == LaunchPending {
		select {
		case fo := <-fallbackCh:
			fallbackCh = nil
			fallback = &fo
			if fo.err != nil {
				t.logger.Error(ctx, fo.err, "cached launch failed")
			} else if t.accept != nil && !t.accept(fo.launch.Update) {
				vetoed = true
				t.logger.Info(ctx, "cached update vetoed, waiting for the remote check",
					"update_id", fo.launch.Update.ID.String())
			}
			if shouldCheck {
				var launched *updates.Update
				if fo.err == nil {
					launched = fo.launch.Update
				}
				remoteCh = t.startRemote(ctx, launched)
			}
		case <-timerC:
			timerC = nil
			timerDone = true
			t.logger.Info(ctx, "launch wait elapsed")
		case ro := <-remoteCh:
			remoteCh = nil
			remote = &ro
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		switch {
		case fallback == nil:
			// nothing to decide before the cached launch is known
		case remote != nil:
			winner = LaunchCached
			if remote.ready {
				winner = LaunchRemote
			}
		case fallback.err != nil:
			if remoteCh == nil {
				return nil, fallback.err
			}
		case vetoed:
			if remoteCh == nil {
				winner = LaunchCached
			}
		case timerDone:
			winner = LaunchCached
		}
	}

	res := &Result{Source: winner}
	if remote != nil {
		res.Check = remote.check
	}

	if winner == LaunchRemote {
		launch, err := t.launcher.Launch(ctx)
		switch {
		case err != nil && fallback.err == nil:
			t.logger.Error(ctx, err, "launching the new update failed, using the cached launch")
			res.Source = LaunchCached
		case err != nil:
			return nil, xerrors.Wrap(errors.Join(err, fallback.err), "no update could be launched")
		case launch.Update.ID != remote.update.ID:
			t.logger.Warn(ctx, "launcher did not select the new update",
				"new_update_id", remote.update.ID.String(),
				"selected_update_id", launch.Update.ID.String())
			res.Source = LaunchCached
			if fallback.err != nil {
				res.Launch = launch
			}
		default:
			res.Launch = launch
		}
	}
	if res.Source == LaunchCached && res.Launch == nil {
		if fallback.err != nil {
			if remote != nil && remote.err != nil {
				return nil, errors.Join(fallback.err, remote.err)
			}
			return nil, fallback.err
		}
		if vetoed {
			t.logger.Warn(ctx, "remote check produced nothing to launch, using the vetoed cached update",
				"update_id", fallback.launch.Update.ID.String())
		}
		res.Launch = fallback.launch
	}

	t.logger.Info(ctx, "launch decided",
		"source", res.Source.String(),
		"update_id", res.Launch.Update.ID.String(),
	)

	// a load still running may have matched assets the reaper would delete
	if remoteCh != nil {
		t.bg.Add(1)
		go func() {
			defer t.bg.Done()
			<-remoteCh
			t.reap(context.WithoutCancel(ctx), res.Launch.Update)
		}()
		return res, nil
	}
	res.Reap = t.reap(ctx, res.Launch.Update)
	return res, nil
}

func (t *Task) reap(ctx context.Context, launched *updates.Update) reaper.Report {
	rep, err := t.reaper.Reap(ctx, launched)
	if err != nil {
		t.logger.Error(ctx, err, "reaping unused updates failed")
	}
	return rep
}

// Wait blocks until a remote check that outlived Run has finished.
func (t *Task) Wait() { t.bg.Wait() }

func (t *Task) shouldCheckForUpdate(ctx context.Context) bool {
	if t.dl == nil || t.cfg.UpdateURL == nil {
		return false
	}
	switch t.cfg.CheckOnLaunch {
	case updates.CheckNever:
		return false
	case updates.CheckErrorRecoveryOnly:
		ids, err := t.db.RecentlyFailedUpdateIDs(ctx)
		if err != nil {
			t.logger.Error(ctx, err, "reading recently failed updates")
			return false
		}
		return len(ids) > 0
	default:
		return true
	}
}

// launchFallback registers the embedded update when the policy prefers it
// over what is stored, then launches from the database.
func (t *Task) launchFallback(ctx context.Context) fallbackOutcome {
	if t.pkg != nil {
		if err := t.loadEmbeddedIfNewer(ctx); err != nil {
			t.logger.Error(ctx, err, "registering the embedded update failed")
		}
	}
	launch, err := t.launcher.Launch(ctx)
	return fallbackOutcome{launch: launch, err: err}
}

func (t *Task) loadEmbeddedIfNewer(ctx context.Context) error {
	eu, err := t.pkg.Update(t.cfg.ScopeKey)
	if err != nil {
		return err
	}

	release, err := t.db.Acquire(ctx)
	if err != nil {
		return err
	}
	candidates, err := t.db.LaunchableUpdates(ctx, t.cfg.ScopeKey)
	if err != nil {
		release()
		return err
	}
	filters, err := t.db.ManifestFilters(ctx, t.cfg.ScopeKey)
	release()
	if err != nil {
		return err
	}

	current := t.policy.SelectUpdateToLaunch(candidates, filters)
	if !t.policy.ShouldLoadNewUpdate(eu, current, filters) {
		return nil
	}
	_, err = NewEmbeddedLoader(t.pkg, t.loaderOptions(nil)).Load(ctx, nil)
	return err
}

func (t *Task) loaderOptions(launched *updates.Update) Options {
	return Options{
		Database:   t.db,
		Config:     t.cfg,
		Logger:     t.logger,
		OnProgress: t.onProgress,
		Embedded:   t.pkg,
		Launched:   launched,
	}
}

// startRemote runs the remote check detached from ctx's cancellation so it
// can finish in the background after the launch is decided.
func (t *Task) startRemote(ctx context.Context, launched *updates.Update) <-chan remoteOutcome {
	ch := make(chan remoteOutcome, 1)
	bctx := context.WithoutCancel(ctx)
	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		ch <- t.checkRemote(bctx, launched)
	}()
	return ch
}

func (t *Task) checkRemote(ctx context.Context, launched *updates.Update) remoteOutcome {
	var embeddedUpdate *updates.Update
	if t.pkg != nil {
		var err error
		if embeddedUpdate, err = t.pkg.Update(t.cfg.ScopeKey); err != nil {
			t.logger.Error(ctx, err, "reading the embedded manifest")
		}
	}

	var check RemoteCheckResult
	l := NewRemoteLoader(t.dl, t.loaderOptions(launched))
	res, err := l.Load(ctx, func(ctx context.Context, resp *updates.UpdateResponse) Decision {
		check = t.evaluate(ctx, resp, launched, embeddedUpdate)
		switch c := check.(type) {
		case NoUpdateAvailable:
			t.logger.Info(ctx, "no update available", "reason", c.Reason.String())
			t.listener.OnNoUpdateAvailable(ctx, c.Reason)
		case UpdateAvailable:
			t.logger.Info(ctx, "update available", "update_id", c.Update.ID.String())
			t.listener.OnUpdateAvailable(ctx, c.Update)
		case RollBackToEmbedded:
			t.logger.Info(ctx, "roll back to embedded requested", "commit_time", c.CommitTime)
		}
		_, download := check.(UpdateAvailable)
		return Decision{ShouldDownloadManifest: download}
	})
	if err != nil {
		if check == nil {
			t.logger.Error(ctx, err, "update check failed")
			t.listener.OnCheckError(ctx, err)
		} else {
			t.logger.Error(ctx, err, "loading the new update failed")
		}
		t.listener.OnBackgroundUpdateFinished(ctx, BackgroundResult{Status: BackgroundError, Err: err})
		return remoteOutcome{check: check, err: err}
	}
	switch c := check.(type) {
	case UpdateAvailable:
		t.listener.OnBackgroundUpdateFinished(ctx, BackgroundResult{Status: BackgroundUpdateAvailable, Update: res.Update})
		return remoteOutcome{check: UpdateAvailable{Update: res.Update}, ready: true, update: res.Update}
	case RollBackToEmbedded:
		u, err := t.rollBackToEmbedded(ctx, c.CommitTime)
		if err != nil {
			t.logger.Error(ctx, err, "rolling back to the embedded update failed")
			t.listener.OnBackgroundUpdateFinished(ctx, BackgroundResult{Status: BackgroundError, Err: err})
			return remoteOutcome{check: check, err: err}
		}
		t.listener.OnBackgroundUpdateFinished(ctx, BackgroundResult{Status: BackgroundUpdateAvailable, Update: u})
		return remoteOutcome{check: check, ready: true, update: u}
	default:
		t.listener.OnBackgroundUpdateFinished(ctx, BackgroundResult{Status: BackgroundNoUpdateAvailable})
		return remoteOutcome{check: check}
	}
}

// evaluate turns a response into a check result. A directive wins over a
// manifest in the same response.
func (t *Task) evaluate(ctx context.Context, resp *updates.UpdateResponse, launched, embeddedUpdate *updates.Update) RemoteCheckResult {
	filters := resp.Header.ManifestFilters

	if d := resp.UpdateDirective(); d != nil {
		switch d.Type {
		case updates.DirectiveNoUpdateAvailable:
			return NoUpdateAvailable{Reason: NoUpdateAvailableOnServer}
		case updates.DirectiveRollBackToEmbedded:
			if embeddedUpdate == nil {
				return NoUpdateAvailable{Reason: RollbackNoEmbedded}
			}
			if !t.policy.ShouldLoadRollBackToEmbeddedDirective(d, embeddedUpdate, launched, filters) {
				return NoUpdateAvailable{Reason: RollbackRejectedBySelectionPolicy}
			}
			return RollBackToEmbedded{CommitTime: d.CommitTime}
		}
	}

	u := resp.ManifestUpdate()
	if u == nil {
		return NoUpdateAvailable{Reason: NoUpdateAvailableOnServer}
	}
	if previouslyFailed(ctx, t.db, t.logger, u) {
		return NoUpdateAvailable{Reason: UpdatePreviouslyFailed}
	}
	if !t.policy.ShouldLoadNewUpdate(u, launched, filters) {
		return NoUpdateAvailable{Reason: UpdateRejectedBySelectionPolicy}
	}
	return UpdateAvailable{Update: u}
}

// previouslyFailed reports a stored copy of u that crashed without ever
// launching successfully.
func previouslyFailed(ctx context.Context, database *db.Database, logger log.Logger, u *updates.Update) bool {
	stored, err := database.UpdateByID(ctx, u.ID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			logger.Error(ctx, err, "reading stored update", "update_id", u.ID.String())
		}
		return false
	}
	return stored.FailedLaunchCount > 0 && stored.SuccessfulLaunchCount == 0
}

// rollBackToEmbedded registers the embedded update and moves its commit time
// to the directive's so the selection policy prefers it.
func (t *Task) rollBackToEmbedded(ctx context.Context, commitTime time.Time) (*updates.Update, error) {
	res, err := NewEmbeddedLoader(t.pkg, t.loaderOptions(nil)).Load(ctx, nil)
	if err != nil {
		return nil, err
	}
	if res.Update == nil {
		return nil, xerrors.New("embedded loader returned no update")
	}

	release, err := t.db.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := t.db.SetCommitTime(ctx, res.Update.ID, commitTime); err != nil {
		return nil, err
	}
	res.Update.CommitTime = commitTime
	return res.Update, nil
}
