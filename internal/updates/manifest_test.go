package updates

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

const testUpdateID = "8c263f9b-2d5b-4a8e-9f3c-5a5a2b7a1e01"

// manifestJSON renders a remote manifest, applying mut to the decoded map.
func manifestJSON(t *testing.T, mut func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"id":             testUpdateID,
		"createdAt":      "2026-03-01T10:00:00.000Z",
		"runtimeVersion": "1.0.0",
		"launchAsset": map[string]any{
			"key":         "bundle-1",
			"contentType": "application/javascript",
			"url":         "https://cdn.example.com/bundle-1.js",
			"hash":        "n4bQgYhMfWWaL-qgxVrQFaO_TxsrC4Is0V1sFbDwCgg",
		},
		"assets": []any{
			map[string]any{
				"key":           "logo",
				"contentType":   "image/png",
				"fileExtension": ".png",
				"url":           "s3://assets-bucket/logo.png",
				"hash":          "LCa0a2j_xo_5m0U8HTBBNBNCLXBkg7-g-YpeiGJm564",
			},
		},
		"metadata": map[string]any{"branchName": "main"},
		"extra": map[string]any{
			"scopeKey": "@acme/app",
			"eas":      map[string]any{"projectId": "proj-1"},
		},
	}
	if mut != nil {
		mut(m)
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return b
}

func TestParseManifest_Valid(t *testing.T) {
	ext := []byte(`{"assetRequestHeaders":{"logo":{"authorization":"Bearer x"}}}`)
	u, err := ParseManifest(manifestJSON(t, nil), ManifestOptions{ScopeKey: "@acme/configured", Extensions: ext, IsVerified: true})
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if u.ID.String() != testUpdateID {
		t.Fatalf("ID = %s", u.ID)
	}
	if u.ScopeKey != "@acme/configured" {
		t.Fatalf("ScopeKey = %q, configured scope should win over extra.scopeKey", u.ScopeKey)
	}
	if !u.CommitTime.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("CommitTime = %s", u.CommitTime)
	}
	if u.Status != StatusPending || u.IsDevelopmentMode || !u.IsVerified {
		t.Fatalf("unexpected state %+v", u)
	}
	if len(u.Assets) != 2 {
		t.Fatalf("assets = %d, want 2", len(u.Assets))
	}
	launch := u.LaunchAsset()
	if launch == nil || launch.Key != "bundle-1" || launch.FileExtension != ".bundle" {
		t.Fatalf("launch asset = %+v", launch)
	}
	if got := u.Assets[1].ExtraRequestHeaders["authorization"]; got != "Bearer x" {
		t.Fatalf("asset request headers = %v", u.Assets[1].ExtraRequestHeaders)
	}
	if u.ProjectID() != "proj-1" || u.ManifestScopeKey() != "@acme/app" {
		t.Fatalf("project info = %q %q", u.ProjectID(), u.ManifestScopeKey())
	}
	if u.Assets[1].Filename() != "LCa0a2j_xo_5m0U8HTBBNBNCLXBkg7-g-YpeiGJm564.png" {
		t.Fatalf("Filename = %q", u.Assets[1].Filename())
	}
}

func TestParseManifest_ScopeKeyFromManifestWhenUnconfigured(t *testing.T) {
	u, err := ParseManifest(manifestJSON(t, nil), ManifestOptions{})
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if u.ScopeKey != "@acme/app" {
		t.Fatalf("ScopeKey = %q", u.ScopeKey)
	}

	body := manifestJSON(t, func(m map[string]any) { delete(m, "extra") })
	if _, err := ParseManifest(body, ManifestOptions{}); !IsKind(err, KindProtocol) {
		t.Fatalf("missing scope key should be a protocol error, got %v", err)
	}
}

func TestParseManifest_ForeignScopeKeyIgnored(t *testing.T) {
	body := manifestJSON(t, func(m map[string]any) {
		m["extra"].(map[string]any)["scopeKey"] = "@other/app"
	})
	u, err := ParseManifest(body, ManifestOptions{ScopeKey: "@acme/app"})
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if u.ScopeKey != "@acme/app" {
		t.Fatalf("ScopeKey = %q, want the configured scope", u.ScopeKey)
	}
	if u.ManifestScopeKey() != "@other/app" {
		t.Fatalf("ManifestScopeKey = %q", u.ManifestScopeKey())
	}
}

func TestParseManifest_NullOptionalFields(t *testing.T) {
	body := manifestJSON(t, func(m map[string]any) {
		m["assets"] = nil
		m["metadata"] = nil
	})
	u, err := ParseManifest(body, ManifestOptions{ScopeKey: "@acme/app"})
	if err != nil {
		t.Fatalf("ParseManifest with null assets: %v", err)
	}
	if len(u.Assets) != 1 || !u.Assets[0].IsLaunchAsset {
		t.Fatalf("assets = %+v, want only the launch asset", u.Assets)
	}
}

func TestAsset_FilenameIgnoresPadding(t *testing.T) {
	padded := &Asset{Key: "a", ExpectedHash: "n4bQgYhMfWWaL-qgxVrQFaO_TxsrC4Is0V1sFbDwCgg=", FileExtension: ".js"}
	bare := &Asset{Key: "b", ExpectedHash: "n4bQgYhMfWWaL-qgxVrQFaO_TxsrC4Is0V1sFbDwCgg", FileExtension: ".js"}
	if padded.Filename() != bare.Filename() {
		t.Fatalf("Filename differs by padding: %q vs %q", padded.Filename(), bare.Filename())
	}
	if strings.Contains(padded.Filename(), "=") {
		t.Fatalf("Filename = %q keeps padding", padded.Filename())
	}
}

func TestParseManifest_DevelopmentMode(t *testing.T) {
	body := manifestJSON(t, func(m map[string]any) {
		m["extra"] = map[string]any{
			"scopeKey": "@acme/app",
			"expoGo": map[string]any{
				"developer":    map[string]any{"tool": "cli"},
				"packagerOpts": map[string]any{"dev": true},
			},
		}
		m["launchAsset"] = map[string]any{"key": "dev-bundle"}
		m["assets"] = []any{}
	})
	u, err := ParseManifest(body, ManifestOptions{})
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if !u.IsDevelopmentMode || u.Status != StatusDevelopment {
		t.Fatalf("expected development mode, got %+v", u)
	}
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{")},
		{"array", []byte(`[{"id":"x"}]`)},
		{"missing id", manifestJSON(t, func(m map[string]any) { delete(m, "id") })},
		{"bad uuid", manifestJSON(t, func(m map[string]any) { m["id"] = "not-a-uuid" })},
		{"bad createdAt", manifestJSON(t, func(m map[string]any) { m["createdAt"] = "yesterday" })},
		{"hash with slash", manifestJSON(t, func(m map[string]any) {
			m["launchAsset"].(map[string]any)["hash"] = "../../etc/passwd"
		})},
		{"missing url", manifestJSON(t, func(m map[string]any) {
			delete(m["launchAsset"].(map[string]any), "url")
		})},
		{"ftp url", manifestJSON(t, func(m map[string]any) {
			m["launchAsset"].(map[string]any)["url"] = "ftp://example.com/x"
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(tt.body, ManifestOptions{ScopeKey: "s"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsKind(err, KindProtocol) {
				t.Fatalf("kind = %v, want protocol (%v)", KindOf(err), err)
			}
		})
	}
}

func TestParseManifest_Embedded(t *testing.T) {
	body := manifestJSON(t, func(m map[string]any) {
		m["launchAsset"] = map[string]any{"key": "bundle", "embeddedAssetFilename": "app.bundle"}
		m["assets"] = []any{map[string]any{"key": "logo", "fileExtension": "png", "embeddedAssetFilename": "logo.png"}}
	})
	u, err := ParseManifest(body, ManifestOptions{Embedded: true})
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if u.Assets[1].EmbeddedAssetFilename != "logo.png" || u.Assets[1].URL != "" {
		t.Fatalf("asset = %+v", u.Assets[1])
	}
	if !strings.HasSuffix(u.Assets[1].Filename(), ".png") {
		t.Fatalf("Filename = %q", u.Assets[1].Filename())
	}

	missing := manifestJSON(t, func(m map[string]any) {
		m["launchAsset"] = map[string]any{"key": "bundle"}
		m["assets"] = []any{}
	})
	if _, err := ParseManifest(missing, ManifestOptions{Embedded: true}); err == nil {
		t.Fatal("embedded asset without filename should fail")
	}
}

func TestUpdate_MatchesFilters(t *testing.T) {
	u, err := ParseManifest(manifestJSON(t, nil), ManifestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !u.MatchesFilters(nil) {
		t.Fatal("nil filters always match")
	}
	if !u.MatchesFilters(ManifestFilters{"branchName": "main"}) {
		t.Fatal("equal value should match")
	}
	if !u.MatchesFilters(ManifestFilters{"channel": "beta"}) {
		t.Fatal("key absent from metadata should not disqualify")
	}
	if u.MatchesFilters(ManifestFilters{"branchName": "release"}) {
		t.Fatal("different value should not match")
	}
}

func TestParseDirective(t *testing.T) {
	d, err := ParseDirective([]byte(`{"type":"rollBackToEmbedded","parameters":{"commitTime":"2026-04-01T00:00:00Z"},"extra":{"signingInfo":{"projectId":"p","scopeKey":"s"}}}`))
	if err != nil {
		t.Fatalf("ParseDirective: %v", err)
	}
	if d.Type != DirectiveRollBackToEmbedded || !d.CommitTime.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("directive = %+v", d)
	}
	if d.SigningInfo == nil || d.SigningInfo.ProjectID != "p" || d.SigningInfo.ScopeKey != "s" {
		t.Fatalf("signing info = %+v", d.SigningInfo)
	}

	d, err = ParseDirective([]byte(`{"type":"noUpdateAvailable","extra":{"signingInfo":{"easProjectId":"legacy","scopeKey":"s"}}}`))
	if err != nil {
		t.Fatalf("ParseDirective: %v", err)
	}
	if d.Type != DirectiveNoUpdateAvailable || d.SigningInfo.ProjectID != "legacy" {
		t.Fatalf("directive = %+v", d)
	}

	for _, bad := range []string{`nope`, `[]`, `{"type":"explode"}`, `{"type":"rollBackToEmbedded"}`} {
		if _, err := ParseDirective([]byte(bad)); !IsKind(err, KindProtocol) {
			t.Errorf("ParseDirective(%s) = %v, want protocol error", bad, err)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	err := E(KindIntegrity, CodeFileHashMismatch, "download asset", base)
	if !errors.Is(err, base) {
		t.Fatal("should unwrap")
	}
	if KindOf(err) != KindIntegrity || CodeOf(err) != CodeFileHashMismatch {
		t.Fatalf("kind/code = %v/%v", KindOf(err), CodeOf(err))
	}
	if IsRetryable(err) {
		t.Fatal("integrity failures are not retryable")
	}
	if !IsRetryable(E(KindTransport, CodeUnknown, "fetch", base)) {
		t.Fatal("transport failures are retryable")
	}
	if E(KindTransport, CodeUnknown, "x", nil) != nil {
		t.Fatal("nil stays nil")
	}
	if err.Error() != "download asset: boom" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if KindOf(base) != 0 || IsKind(nil, KindTransport) {
		t.Fatal("plain errors carry no kind")
	}
}
