package statushttp

import "time"

// UpdateSummary is the list view of a stored update.
type UpdateSummary struct {
	ID                    string    `json:"id"`
	ScopeKey              string    `json:"scope_key"`
	CommitTime            time.Time `json:"commit_time"`
	RuntimeVersion        string    `json:"runtime_version"`
	Status                string    `json:"status"`
	Verified              bool      `json:"verified"`
	Keep                  bool      `json:"keep,omitempty"`
	LastAccessed          time.Time `json:"last_accessed"`
	SuccessfulLaunchCount int       `json:"successful_launch_count"`
	FailedLaunchCount     int       `json:"failed_launch_count"`
}

type AssetSummary struct {
	Key           string `json:"key"`
	Type          string `json:"type,omitempty"`
	Hash          string `json:"hash"`
	RelativePath  string `json:"relative_path,omitempty"`
	IsLaunchAsset bool   `json:"is_launch_asset,omitempty"`
	Embedded      bool   `json:"embedded,omitempty"`
}

type UpdateDetail struct {
	UpdateSummary
	Metadata map[string]string `json:"metadata,omitempty"`
	Assets   []AssetSummary    `json:"assets"`
}

type LaunchInfo struct {
	UpdateID   string    `json:"update_id"`
	CommitTime time.Time `json:"commit_time"`
	Source     string    `json:"source"`
	LaunchedAt time.Time `json:"launched_at"`
}

type BackgroundInfo struct {
	Status     string    `json:"status"`
	UpdateID   string    `json:"update_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// LaunchOutcomeRequest is the body of POST /api/launch/succeeded and
// /api/launch/failed.
type LaunchOutcomeRequest struct {
	UpdateID string `json:"update_id"`
}

// StatusResponse is served on /api/status.
type StatusResponse struct {
	Launched       *LaunchInfo     `json:"launched,omitempty"`
	Background     *BackgroundInfo `json:"background,omitempty"`
	RuntimeVersion string          `json:"runtime_version"`
	ScopeKey       string          `json:"scope_key"`
	ServerTime     time.Time       `json:"server_time"`
	Error          string          `json:"error,omitempty"`
}
