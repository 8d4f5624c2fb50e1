package loader

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/selection"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

const (
	// DefaultPollInterval is how often the watcher checks the update server.
	DefaultPollInterval = 15 * time.Minute

	// maxBackoff caps exponential backoff on consecutive check errors.
	maxBackoff = 2 * time.Hour
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange   pollResult = iota // server has nothing newer
	pollDownloaded                   // newer update loaded for the next launch
	pollCheckError                   // manifest request failed - caller should back off
	pollLoadError                    // manifest accepted but assets failed
)

// UpdateFetcher is what the Watcher needs from a remote Loader.
type UpdateFetcher interface {
	Load(ctx context.Context, decide DecideFunc) (*LoadResult, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherDownloads()
	IncWatcherError(errType string)
	ObserveUpdateLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type WatcherOptions struct {
	Logger   log.Logger
	Fetcher  UpdateFetcher
	Database *db.Database
	Policy   *selection.Policy
	// Launched is the running update; only newer updates are downloaded.
	Launched     *updates.Update
	PollInterval time.Duration

	// OnUpdateDownloaded is called after a newer update is ready for the
	// next launch. Called synchronously on the poll goroutine.
	OnUpdateDownloaded func(u *updates.Update)

	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful check before
	// the watcher logs a staleness error. Zero defaults to 24 hours.
	StaleThreshold time.Duration
}

// Watcher keeps checking the server after launch so newer updates are on
// disk by the next start.
type Watcher struct {
	fetcher      UpdateFetcher
	db           *db.Database
	policy       *selection.Policy
	logger       log.Logger
	interval     time.Duration
	onDownloaded func(u *updates.Update)
	metrics      WatcherMetrics

	// newest known update: the launched one or the last download
	current *updates.Update

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount     int64
	downloadCount int64
}

func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 24 * time.Hour
	}
	return &Watcher{
		fetcher:        opts.Fetcher,
		db:             opts.Database,
		policy:         opts.Policy,
		logger:         opts.Logger,
		interval:       interval,
		onDownloaded:   opts.OnUpdateDownloaded,
		metrics:        opts.Metrics,
		current:        opts.Launched,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "update watcher starting",
		"poll_interval", w.interval.String(),
		"current_update_id", w.currentID(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "update watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"downloads", w.downloadCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)
			w.adjust(ctx, ticker, result)
		}
	}
}

// adjust applies backoff and staleness tracking after a poll.
func (w *Watcher) adjust(ctx context.Context, ticker *time.Ticker, result pollResult) {
	if result == pollCheckError {
		w.consecutiveErrs++
		backoff := w.backoffDuration()
		w.logger.Warn(ctx, "update watcher: backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		ticker.Reset(backoff)
	} else if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "update watcher: recovered, resuming normal interval",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
		ticker.Reset(w.interval)
	}

	if result != pollCheckError {
		if w.staleLogged {
			w.logger.Info(ctx, "update watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetWatcherStale(false)
			}
		}
	} else if since := time.Since(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
		w.logger.Error(ctx, fmt.Errorf("last successful update check was %s ago", since.Truncate(time.Second)),
			"update watcher: unable to reach the update server",
		)
		w.staleLogged = true
		if w.metrics != nil {
			w.metrics.SetWatcherStale(true)
		}
	}
}

// checkOnce performs a single check-and-download cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	checked := false
	start := time.Now()
	res, err := w.fetcher.Load(ctx, func(ctx context.Context, resp *updates.UpdateResponse) Decision {
		checked = true
		return Decision{ShouldDownloadManifest: w.wants(ctx, resp)}
	})
	if !checked {
		w.logger.Error(ctx, err, "update watcher: check failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("check")
		}
		return pollCheckError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	if err != nil {
		w.logger.Error(ctx, err, "update watcher: failed to load update")
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return pollLoadError
	}
	if res.Update == nil {
		if d := res.Directive; d != nil && d.Type == updates.DirectiveRollBackToEmbedded {
			w.logger.Info(ctx, "update watcher: rollback directive left for the next launch check")
		}
		return pollNoChange
	}

	if w.metrics != nil {
		w.metrics.ObserveUpdateLoadDuration(time.Since(start).Seconds())
		w.metrics.IncWatcherDownloads()
	}
	w.downloadCount++
	oldID := w.currentID()
	w.current = res.Update
	w.logger.Info(ctx, "update watcher: update downloaded for next launch",
		"old_update_id", oldID,
		"new_update_id", res.Update.ID.String(),
		"total_downloads", w.downloadCount,
	)

	if w.onDownloaded != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnUpdateDownloaded panic: %v", r),
						"update watcher: callback panicked, continuing",
						"update_id", res.Update.ID.String(),
					)
				}
			}()
			w.onDownloaded(res.Update)
		}()
	}
	return pollDownloaded
}

func (w *Watcher) wants(ctx context.Context, resp *updates.UpdateResponse) bool {
	u := resp.ManifestUpdate()
	if u == nil {
		return false
	}
	if w.current != nil && u.ID == w.current.ID {
		return false
	}
	if w.db != nil && previouslyFailed(ctx, w.db, w.logger, u) {
		return false
	}
	return w.policy.ShouldLoadNewUpdate(u, w.current, resp.Header.ManifestFilters)
}

func (w *Watcher) currentID() string {
	if w.current == nil {
		return ""
	}
	return w.current.ID.String()
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
