package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/embedded"
	"github.com/keithlinneman/linnemanlabs-updates/internal/health"
	"github.com/keithlinneman/linnemanlabs-updates/internal/launcher"
	"github.com/keithlinneman/linnemanlabs-updates/internal/loader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-updates/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-updates/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-updates/internal/prof"
	"github.com/keithlinneman/linnemanlabs-updates/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-updates/internal/selection"
	"github.com/keithlinneman/linnemanlabs-updates/internal/statushttp"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	v "github.com/keithlinneman/linnemanlabs-updates/internal/version"
)

const component = "updatesd"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, "OTA_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	uc, err := conf.UpdatesConfig()
	if err != nil {
		L.Error(ctx, err, "invalid updates configuration")
		return 1
	}

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"update_url", uc.UpdateURL.String(),
		"scope_key", uc.ScopeKey,
		"runtime_version", uc.RuntimeVersion,
		"platform", uc.Platform,
		"launch_wait", uc.LaunchWait.String(),
		"check_on_launch", uc.CheckOnLaunch.String(),
		"updates_dir", uc.UpdatesDir,
		"embedded", uc.HasEmbeddedUpdate,
		"admin_port", conf.AdminPort,
		"enable_background_updates", conf.EnableBackground,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":             v.AppName,
			"component":       component,
			"version":         vi.Version,
			"runtime_version": uc.RuntimeVersion,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Component:  component,
		Version:    vi.Version,
		Attributes: map[string]string{"updates.runtime_version": uc.RuntimeVersion},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	if err := os.MkdirAll(uc.UpdatesDir, 0o755); err != nil {
		L.Error(ctx, err, "create updates dir", "dir", uc.UpdatesDir)
		return 1
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		return 1
	}

	codeSigning, err := loadCodeSigning(ctx, conf, awsCfg)
	if err != nil {
		L.Error(ctx, err, "code signing setup failed")
		return 1
	}

	httpClient := downloader.NewHTTPClient()
	var legacy *cryptoutil.LegacyVerifier
	switch {
	case conf.LegacyPublicKeyURL != "":
		legacy = cryptoutil.NewLegacyVerifier(&cryptoutil.HTTPKeySource{URL: conf.LegacyPublicKeyURL, Client: httpClient})
	case conf.LegacyPublicKeyKMSARN != "":
		legacy = cryptoutil.NewLegacyVerifier(cryptoutil.NewKMSKeySource(kms.NewFromConfig(awsCfg), conf.LegacyPublicKeyKMSARN))
	}

	clientID, err := updates.LoadOrCreateClientID(uc.UpdatesDir)
	if err != nil {
		L.Error(ctx, err, "client id")
		return 1
	}

	dl, err := downloader.New(downloader.Options{
		Config:         uc,
		ClientID:       clientID,
		HTTPClient:     httpClient,
		S3:             s3.NewFromConfig(awsCfg),
		CodeSigning:    codeSigning,
		LegacyVerifier: legacy,
		Logger:         L,
		Observer:       m,
	})
	if err != nil {
		L.Error(ctx, err, "downloader setup failed")
		return 1
	}

	database, err := db.Open(ctx, filepath.Join(uc.UpdatesDir, db.FileName), db.Options{Logger: L})
	if err != nil {
		L.Error(ctx, err, "open updates database")
		return 1
	}
	defer func() {
		if err := database.Close(); err != nil {
			L.Error(context.Background(), err, "close updates database")
		}
	}()

	var pkg *embedded.Package
	if uc.HasEmbeddedUpdate {
		pkg = embedded.Default()
	}
	policy := selection.New(uc.RuntimeVersion)
	state := statushttp.NewState()
	tracker := trackLaunches(ctx, uc.UpdatesDir, launcher.New(launcher.Options{
		Database: database,
		Config:   uc,
		Policy:   policy,
		Logger:   L,
	}), L)

	api := statushttp.NewAPI(state, database, uc, L)
	if conf.RequireLaunchConfirm {
		api.WithLaunchReporter(tracker)
	}

	var gate health.ShutdownGate
	launched := health.NewLatch("launch sequence still running")
	readiness := health.All(gate.Probe(), launched.Probe())

	apiLimiter := ratelimit.New(ctx,
		ratelimit.WithRate(5, 20),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "ops api rate limit exceeded", "peer", ip)
		}),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimited() }),
	)

	// sg restricts the admin port to monitoring; the API group also
	// rejects public peers
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:          conf.AdminPort,
		Metrics:       m.Handler(),
		EnablePprof:   conf.EnablePprof,
		Health:        health.Fixed(true, ""),
		Readiness:     readiness,
		Middleware:    []func(http.Handler) http.Handler{m.Middleware},
		APIs:          []opshttp.RouteRegistrar{api},
		APIMiddleware: []func(http.Handler) http.Handler{apiLimiter.Middleware},
		OnPanic:       m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	task := loader.NewTask(loader.TaskOptions{
		Config:        uc,
		Database:      database,
		Policy:        policy,
		Downloader:    dl,
		Embedded:      pkg,
		Logger:        L,
		Listener:      &taskListener{L: L, m: m, state: state},
		OnProgress:    func(p loader.Progress) { m.SetLoadProgress(p.Fraction) },
		ReaperMetrics: m,
		AcceptCachedUpdate: func(u *updates.Update) bool {
			return tracker.AcceptCached(u.ID)
		},
	})
	// the remote branch writes to the database until it returns
	defer task.Wait()

	res, err := task.Run(ctx)
	if err != nil {
		L.Error(ctx, err, "launch failed")
		return 1
	}
	u := res.Launch.Update
	m.SetLaunched(u.ID.String(), res.Source.String(), u.CommitTime)
	state.SetLaunched(u, res.Source.String())
	if err := beginLaunch(ctx, tracker, u.ID, conf.RequireLaunchConfirm); err != nil {
		L.Warn(ctx, "recording launch", "error", err, "update_id", u.ID)
	}
	launched.Open()
	L.Info(ctx, "launched update",
		"update_id", u.ID,
		"source", res.Source.String(),
		"commit_time", u.CommitTime,
		"launch_asset", res.Launch.LaunchAssetPath,
		"assets", len(res.Launch.AssetFiles),
		"reaped_updates", res.Reap.UpdatesDeleted,
	)

	if conf.ExitAfterLaunch {
		task.Wait()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(launchSummary(res)); err != nil {
			L.Error(ctx, err, "write launch summary")
			return 1
		}
		return 0
	}

	if conf.EnableBackground {
		watcher := loader.NewWatcher(&loader.WatcherOptions{
			Logger: L,
			Fetcher: loader.NewRemoteLoader(dl, loader.Options{
				Database:   database,
				Config:     uc,
				Logger:     L,
				OnProgress: func(p loader.Progress) { m.SetLoadProgress(p.Fraction) },
				Embedded:   pkg,
				Launched:   u,
			}),
			Database:       database,
			Policy:         policy,
			Launched:       u,
			PollInterval:   conf.PollInterval,
			StaleThreshold: conf.StaleThreshold,
			Metrics:        m,
			OnUpdateDownloaded: func(nu *updates.Update) {
				state.SetBackground(loader.BackgroundUpdateAvailable.String(), nu, nil)
			},
		})
		watcherDone := make(chan struct{})
		go func() {
			defer close(watcherDone)
			_ = watcher.Run(ctx)
		}()
		defer func() { <-watcherDone }()
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return 0
}

// trackLaunches returns the launch tracker for this run after recording a
// crash left by the previous one.
func trackLaunches(ctx context.Context, dir string, rec launcher.Recorder, L log.Logger) *launcher.Tracker {
	tr := launcher.NewTracker(dir, rec, L)
	id, err := tr.RecoverCrashed(ctx)
	if err != nil {
		L.Error(ctx, err, "recover launch marker")
	} else if id != uuid.Nil {
		L.Warn(ctx, "recorded crashed launch", "update_id", id)
	}
	return tr
}

// beginLaunch leaves the marker for id. Unless the host has to confirm,
// the launch is recorded as successful right away.
func beginLaunch(ctx context.Context, tr *launcher.Tracker, id uuid.UUID, confirm bool) error {
	if err := tr.Started(id); err != nil {
		return err
	}
	if confirm {
		return nil
	}
	return tr.Succeeded(ctx, id)
}

// loadCodeSigning reads the root certificate from a file or SSM. Nil when
// code signing is not configured.
func loadCodeSigning(ctx context.Context, conf cfg.App, awsCfg aws.Config) (*cryptoutil.CodeSigningConfig, error) {
	var pem []byte
	var err error
	switch {
	case conf.CodeSigningCertFile != "":
		pem, err = os.ReadFile(conf.CodeSigningCertFile)
	case conf.CodeSigningCertSSMParam != "":
		pem, err = cryptoutil.FetchCertificatePEMFromSSM(ctx, ssm.NewFromConfig(awsCfg), conf.CodeSigningCertSSMParam)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cryptoutil.NewCodeSigningConfig(pem, conf.CodeSigningOptions())
}

type summary struct {
	UpdateID        string            `json:"update_id"`
	CommitTime      time.Time         `json:"commit_time"`
	Source          string            `json:"source"`
	LaunchAssetPath string            `json:"launch_asset_path,omitempty"`
	AssetFiles      map[string]string `json:"asset_files"`
	ReapedUpdates   int               `json:"reaped_updates"`
}

func launchSummary(res *loader.Result) summary {
	u := res.Launch.Update
	return summary{
		UpdateID:        u.ID.String(),
		CommitTime:      u.CommitTime.UTC(),
		Source:          res.Source.String(),
		LaunchAssetPath: res.Launch.LaunchAssetPath,
		AssetFiles:      res.Launch.AssetFiles,
		ReapedUpdates:   res.Reap.UpdatesDeleted,
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
