// Package updates holds the entities exchanged between the transport,
// loader, and database layers: updates, their assets, server directives
// and parsed responses.
package updates

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/pathutil"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusReady       Status = "ready"
	StatusDevelopment Status = "development"
)

// Launchable reports whether an update in this status may be launched.
func (s Status) Launchable() bool { return s == StatusReady || s == StatusDevelopment }

type Update struct {
	ID             uuid.UUID
	ScopeKey       string
	CommitTime     time.Time
	RuntimeVersion string
	Status         Status
	// LaunchAssetID is the assets row id of the launch asset, 0 until loaded.
	LaunchAssetID int64
	Manifest      json.RawMessage
	IsVerified    bool
	Keep          bool
	LastAccessed  time.Time

	SuccessfulLaunchCount int
	FailedLaunchCount     int

	// IsDevelopmentMode is set when a bundler serves the code live and
	// the host runtime fetches assets itself.
	IsDevelopmentMode bool

	// Assets is populated from the manifest when parsing and from the
	// join table when reading back from the database.
	Assets []*Asset
}

// Metadata returns the manifest's metadata object flattened to strings.
func (u *Update) Metadata() map[string]string {
	out := map[string]string{}
	gjson.GetBytes(u.Manifest, "metadata").ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = v.String()
		return true
	})
	return out
}

// MatchesFilters reports whether the update's metadata agrees with every
// filter key it carries. Keys absent from the metadata do not disqualify.
func (u *Update) MatchesFilters(f ManifestFilters) bool {
	if len(f) == 0 {
		return true
	}
	md := u.Metadata()
	for k, want := range f {
		if got, ok := md[k]; ok && got != want {
			return false
		}
	}
	return true
}

// ProjectID is the project the manifest claims to belong to.
func (u *Update) ProjectID() string {
	return gjson.GetBytes(u.Manifest, "extra.eas.projectId").String()
}

// ManifestScopeKey is the scope key the manifest itself declares.
func (u *Update) ManifestScopeKey() string {
	return gjson.GetBytes(u.Manifest, "extra.scopeKey").String()
}

// LaunchAsset returns the asset flagged as the entry point, if any.
func (u *Update) LaunchAsset() *Asset {
	for _, a := range u.Assets {
		if a.IsLaunchAsset {
			return a
		}
	}
	return nil
}

type Asset struct {
	// ID is the assets row id, 0 until inserted.
	ID                    int64
	Key                   string
	Type                  string
	FileExtension         string
	URL                   string
	ExtraRequestHeaders   map[string]string
	ExpectedHash          string
	ContentHash           string
	RelativePath          string
	DownloadTime          time.Time
	IsLaunchAsset         bool
	EmbeddedAssetFilename string
	MarkedForDeletion     bool
}

// Filename is the content-addressed name of the asset on disk: the
// expected hash when the manifest supplies one, otherwise the hash of the
// asset key.
func (a *Asset) Filename() string {
	base := cryptoutil.NormalizeBase64URL(a.ExpectedHash)
	if base == "" {
		base = cryptoutil.SHA256Base64URL([]byte(a.Key))
	}
	return base + pathutil.CleanExtension(a.FileExtension)
}
