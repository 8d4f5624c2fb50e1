package loader

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-updates/internal/launcher"
	"github.com/keithlinneman/linnemanlabs-updates/internal/reaper"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// RemoteCheckResult is one of NoUpdateAvailable, UpdateAvailable or
// RollBackToEmbedded.
type RemoteCheckResult interface {
	remoteCheckResult()
}

type NoUpdateAvailable struct {
	Reason NoUpdateReason
}

type UpdateAvailable struct {
	Update *updates.Update
}

type RollBackToEmbedded struct {
	CommitTime time.Time
}

func (NoUpdateAvailable) remoteCheckResult()  {}
func (UpdateAvailable) remoteCheckResult()    {}
func (RollBackToEmbedded) remoteCheckResult() {}

type NoUpdateReason int

const (
	NoUpdateAvailableOnServer NoUpdateReason = iota + 1
	UpdateRejectedBySelectionPolicy
	UpdatePreviouslyFailed
	RollbackRejectedBySelectionPolicy
	RollbackNoEmbedded
)

func (r NoUpdateReason) String() string {
	switch r {
	case NoUpdateAvailableOnServer:
		return "no_update_available_on_server"
	case UpdateRejectedBySelectionPolicy:
		return "update_rejected_by_selection_policy"
	case UpdatePreviouslyFailed:
		return "update_previously_failed"
	case RollbackRejectedBySelectionPolicy:
		return "rollback_rejected_by_selection_policy"
	case RollbackNoEmbedded:
		return "rollback_no_embedded"
	default:
		return "unknown"
	}
}

// LaunchSource says which branch produced the launch.
type LaunchSource int

const (
	LaunchPending LaunchSource = iota
	LaunchCached
	LaunchRemote
)

func (s LaunchSource) String() string {
	switch s {
	case LaunchCached:
		return "cached"
	case LaunchRemote:
		return "remote"
	default:
		return "pending"
	}
}

// Result is what Task.Run decided.
type Result struct {
	Launch *launcher.LaunchResult
	Source LaunchSource
	// Check is nil when the remote check was skipped or had not finished
	// when the launch was decided.
	Check RemoteCheckResult
	// Reap is empty when the remote check was still running; reaping then
	// happens once it finishes, before Wait returns.
	Reap reaper.Report
}

type BackgroundStatus int

const (
	BackgroundError BackgroundStatus = iota + 1
	BackgroundNoUpdateAvailable
	BackgroundUpdateAvailable
)

func (s BackgroundStatus) String() string {
	switch s {
	case BackgroundError:
		return "error"
	case BackgroundNoUpdateAvailable:
		return "no_update_available"
	case BackgroundUpdateAvailable:
		return "update_available"
	default:
		return "unknown"
	}
}

// BackgroundResult reports how the remote branch ended, whether or not its
// result was used for the launch.
type BackgroundResult struct {
	Status BackgroundStatus
	// Update is the loaded update for BackgroundUpdateAvailable.
	Update *updates.Update
	Err    error
}

// Listener receives Task events. Calls come from the remote branch's
// goroutine.
type Listener interface {
	OnCheckError(ctx context.Context, err error)
	OnNoUpdateAvailable(ctx context.Context, reason NoUpdateReason)
	OnUpdateAvailable(ctx context.Context, u *updates.Update)
	OnBackgroundUpdateFinished(ctx context.Context, r BackgroundResult)
}

type nopListener struct{}

func (nopListener) OnCheckError(context.Context, error)                          {}
func (nopListener) OnNoUpdateAvailable(context.Context, NoUpdateReason)          {}
func (nopListener) OnUpdateAvailable(context.Context, *updates.Update)           {}
func (nopListener) OnBackgroundUpdateFinished(context.Context, BackgroundResult) {}
