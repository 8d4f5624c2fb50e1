package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-updates/internal/version"
)

// UpdateMetrics implements downloader.Observer, reaper.Metrics and
// loader.WatcherMetrics, and instruments the ops http server.
type UpdateMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// ops http server
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	rateLimited    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	manifestRequests  *prometheus.CounterVec
	manifestDuration  prometheus.Histogram
	assetDownloads    *prometheus.CounterVec
	assetBytes        prometheus.Counter
	assetDuration     prometheus.Histogram
	reapUpdates       prometheus.Counter
	reapAssets        prometheus.Counter
	reapFileErrors    prometheus.Counter
	launchInfo        *prometheus.GaugeVec
	launchCommitTs    prometheus.Gauge
	loadProgress      prometheus.Gauge
	launchTotal       *prometheus.CounterVec
	backgroundResults *prometheus.CounterVec

	// watcher
	watcherPollsTotal     prometheus.Counter
	watcherDownloadsTotal prometheus.Counter
	watcherErrorsTotal    *prometheus.CounterVec
	updateLoadDuration    prometheus.Histogram
	watcherLastSuccessTs  prometheus.Gauge
	watcherStale          prometheus.Gauge
}

// New returns a fresh registry with the go and process collectors.
// Labels stay low-cardinality except launch info, which holds a single
// series at a time.
func New() *UpdateMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &UpdateMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered ops http panics",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Total ops API requests rejected by the per-peer rate limit",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		manifestRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updates_manifest_requests_total",
			Help: "Update checks by outcome (ok or error kind)",
		}, []string{"outcome"}),
		manifestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "updates_manifest_request_duration_seconds",
			Help:    "Time to fetch, verify, and parse a manifest response",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		assetDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updates_asset_downloads_total",
			Help: "Asset downloads by outcome (ok, existing, or error kind)",
		}, []string{"outcome"}),
		assetBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updates_asset_download_bytes_total",
			Help: "Bytes written by asset downloads",
		}),
		assetDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "updates_asset_download_duration_seconds",
			Help:    "Time to download and verify one asset",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		reapUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updates_reaped_updates_total",
			Help: "Update rows deleted by the reaper",
		}),
		reapAssets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updates_reaped_assets_total",
			Help: "Asset rows deleted by the reaper",
		}),
		reapFileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updates_reap_file_errors_total",
			Help: "Asset files the reaper could not remove",
		}),
		launchInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "updates_launched_info",
			Help: "Currently launched update (labels carry identity, value is always 1)",
		}, []string{"update_id", "source"}),
		launchCommitTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updates_launched_commit_timestamp_seconds",
			Help: "Commit time of the launched update",
		}),
		loadProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updates_load_progress_ratio",
			Help: "Fraction of the current update's assets loaded",
		}),
		launchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updates_launch_total",
			Help: "Launch decisions by source (cached or remote)",
		}, []string{"source"}),
		backgroundResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updates_background_check_total",
			Help: "Remote check outcomes by status",
		}, []string{"status"}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updates_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		}),
		watcherDownloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updates_watcher_downloads_total",
			Help: "Updates the watcher downloaded for the next launch",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updates_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		updateLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "updates_watcher_load_duration_seconds",
			Help:    "Time to check, download, and store an update",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updates_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful update check",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "updates_watcher_stale",
			Help: "Whether the update watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.rateLimited,
		m.buildInfo,
		m.profilingActive,
		m.manifestRequests,
		m.manifestDuration,
		m.assetDownloads,
		m.assetBytes,
		m.assetDuration,
		m.reapUpdates,
		m.reapAssets,
		m.reapFileErrors,
		m.launchInfo,
		m.launchCommitTs,
		m.loadProgress,
		m.launchTotal,
		m.backgroundResults,
		m.watcherPollsTotal,
		m.watcherDownloadsTotal,
		m.watcherErrorsTotal,
		m.updateLoadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *UpdateMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *UpdateMetrics) IncRateLimited() {
	m.rateLimited.Inc()
}

func (m *UpdateMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *UpdateMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *UpdateMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *UpdateMetrics) ObserveManifestRequest(outcome string, d time.Duration) {
	m.manifestRequests.WithLabelValues(outcome).Inc()
	m.manifestDuration.Observe(d.Seconds())
}

func (m *UpdateMetrics) ObserveAssetDownload(outcome string, bytes int64, d time.Duration) {
	m.assetDownloads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.assetBytes.Add(float64(bytes))
	}
	m.assetDuration.Observe(d.Seconds())
}

func (m *UpdateMetrics) ObserveReap(updatesDeleted, assetsDeleted, fileErrors int) {
	m.reapUpdates.Add(float64(updatesDeleted))
	m.reapAssets.Add(float64(assetsDeleted))
	m.reapFileErrors.Add(float64(fileErrors))
}

// SetLaunched records the launch decision. Only the latest launch is kept.
func (m *UpdateMetrics) SetLaunched(updateID, source string, commitTime time.Time) {
	m.launchInfo.Reset()
	m.launchInfo.WithLabelValues(updateID, source).Set(1)
	m.launchCommitTs.Set(float64(commitTime.Unix()))
	m.launchTotal.WithLabelValues(source).Inc()
}

func (m *UpdateMetrics) SetLoadProgress(fraction float64) {
	m.loadProgress.Set(fraction)
}

func (m *UpdateMetrics) IncBackgroundResult(status string) {
	m.backgroundResults.WithLabelValues(status).Inc()
}

func (m *UpdateMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *UpdateMetrics) IncWatcherDownloads() {
	m.watcherDownloadsTotal.Inc()
}

func (m *UpdateMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *UpdateMetrics) ObserveUpdateLoadDuration(seconds float64) {
	m.updateLoadDuration.Observe(seconds)
}

func (m *UpdateMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *UpdateMetrics) SetWatcherStale(stale bool) {
	if stale {
		m.watcherStale.Set(1)
	} else {
		m.watcherStale.Set(0)
	}
}
