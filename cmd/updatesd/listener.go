package main

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-updates/internal/loader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-updates/internal/statushttp"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// taskListener forwards launch-sequence events to metrics and the status API.
type taskListener struct {
	L     log.Logger
	m     *metrics.UpdateMetrics
	state *statushttp.State
}

func (l *taskListener) OnCheckError(ctx context.Context, err error) {
	l.L.Warn(ctx, "remote update check failed", "error", err)
}

func (l *taskListener) OnNoUpdateAvailable(ctx context.Context, reason loader.NoUpdateReason) {
	l.L.Info(ctx, "no remote update", "reason", reason.String())
}

func (l *taskListener) OnUpdateAvailable(ctx context.Context, u *updates.Update) {
	l.L.Info(ctx, "remote update available", "update_id", u.ID, "commit_time", u.CommitTime)
}

func (l *taskListener) OnBackgroundUpdateFinished(ctx context.Context, r loader.BackgroundResult) {
	l.m.IncBackgroundResult(r.Status.String())
	l.state.SetBackground(r.Status.String(), r.Update, r.Err)
}
