package updates

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const manifestSchemaURL = "inline://manifest.schema.json"

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "createdAt", "runtimeVersion", "launchAsset"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "createdAt": {"type": "string", "minLength": 1},
    "runtimeVersion": {"type": "string", "minLength": 1},
    "launchAsset": {"$ref": "#/definitions/asset"},
    "assets": {"type": ["array", "null"], "items": {"$ref": "#/definitions/asset"}},
    "metadata": {"type": ["object", "null"]},
    "extra": {"type": ["object", "null"]}
  },
  "definitions": {
    "asset": {
      "type": "object",
      "required": ["key"],
      "properties": {
        "key": {"type": "string", "minLength": 1},
        "contentType": {"type": "string"},
        "url": {"type": "string"},
        "hash": {"type": "string", "pattern": "^[A-Za-z0-9_-]+={0,2}$"},
        "fileExtension": {"type": "string"},
        "embeddedAssetFilename": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ManifestOptions carries the context a manifest body is interpreted in.
type ManifestOptions struct {
	// ScopeKey is the configured scope every parsed update is stored under.
	// extra.scopeKey is only used when it is empty; certificate scoping
	// reads that field on its own.
	ScopeKey string
	// Extensions is the raw "extensions" multipart part, if any.
	Extensions []byte
	IsVerified bool
	// Embedded manifests come from the app package and carry no URLs.
	Embedded bool
}

const (
	defaultLaunchAssetType      = "application/javascript"
	defaultLaunchAssetExtension = ".bundle"
)

// ParseManifest validates a manifest body and turns it into an Update in
// pending status with its assets attached.
func ParseManifest(body []byte, opts ManifestOptions) (*Update, error) {
	const op = "parse manifest"

	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, E(KindProtocol, CodeManifestJSON, op, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, Errorf(KindProtocol, CodeManifestJSON, op, "manifest should be a JSON object")
	}
	sch, err := manifestValidator()
	if err != nil {
		return nil, E(KindProtocol, CodeManifestParse, op, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, E(KindProtocol, CodeManifestParse, op, err)
	}

	m := gjson.ParseBytes(body)
	id, err := uuid.Parse(m.Get("id").String())
	if err != nil {
		return nil, Errorf(KindProtocol, CodeManifestParse, op, "id: %v", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, m.Get("createdAt").String())
	if err != nil {
		return nil, Errorf(KindProtocol, CodeManifestParse, op, "createdAt: %v", err)
	}

	u := &Update{
		ID:             id,
		ScopeKey:       opts.ScopeKey,
		CommitTime:     createdAt.UTC(),
		RuntimeVersion: m.Get("runtimeVersion").String(),
		Status:         StatusPending,
		Manifest:       json.RawMessage(append([]byte(nil), body...)),
		IsVerified:     opts.IsVerified,
	}
	if u.ScopeKey == "" {
		u.ScopeKey = m.Get("extra.scopeKey").String()
	}
	if u.ScopeKey == "" {
		return nil, Errorf(KindProtocol, CodeManifestParse, op, "no scope key in manifest or configuration")
	}
	u.IsDevelopmentMode = m.Get("extra.expoGo.developer").Exists() && m.Get("extra.expoGo.packagerOpts.dev").Bool()
	if u.IsDevelopmentMode {
		u.Status = StatusDevelopment
	}

	reqHeaders := assetRequestHeaders(opts.Extensions)
	launch, err := parseAsset(m.Get("launchAsset"), reqHeaders)
	if err != nil {
		return nil, E(KindProtocol, CodeManifestParse, op, err)
	}
	launch.IsLaunchAsset = true
	if launch.Type == "" {
		launch.Type = defaultLaunchAssetType
	}
	if launch.FileExtension == "" {
		launch.FileExtension = defaultLaunchAssetExtension
	}
	u.Assets = append(u.Assets, launch)

	for _, r := range m.Get("assets").Array() {
		a, err := parseAsset(r, reqHeaders)
		if err != nil {
			return nil, E(KindProtocol, CodeManifestParse, op, err)
		}
		u.Assets = append(u.Assets, a)
	}

	if !opts.Embedded && !u.IsDevelopmentMode {
		for _, a := range u.Assets {
			if a.URL == "" {
				return nil, Errorf(KindProtocol, CodeManifestParse, op, "asset %q has no url", a.Key)
			}
		}
	}
	if opts.Embedded {
		for _, a := range u.Assets {
			if a.EmbeddedAssetFilename == "" {
				return nil, Errorf(KindProtocol, CodeManifestParse, op, "embedded asset %q has no embeddedAssetFilename", a.Key)
			}
		}
	}
	return u, nil
}

func parseAsset(r gjson.Result, reqHeaders map[string]map[string]string) (*Asset, error) {
	a := &Asset{
		Key:                   r.Get("key").String(),
		Type:                  r.Get("contentType").String(),
		FileExtension:         r.Get("fileExtension").String(),
		URL:                   r.Get("url").String(),
		ExpectedHash:          r.Get("hash").String(),
		EmbeddedAssetFilename: r.Get("embeddedAssetFilename").String(),
		ExtraRequestHeaders:   reqHeaders[r.Get("key").String()],
	}
	if a.URL != "" {
		u, err := url.Parse(a.URL)
		if err != nil {
			return nil, Errorf(KindProtocol, CodeManifestParse, "asset "+a.Key, "url: %v", err)
		}
		switch u.Scheme {
		case "http", "https", "s3":
		default:
			return nil, Errorf(KindProtocol, CodeManifestParse, "asset "+a.Key, "unsupported url scheme %q", u.Scheme)
		}
	}
	return a, nil
}

// assetRequestHeaders reads extensions.assetRequestHeaders, keyed by asset key.
func assetRequestHeaders(ext []byte) map[string]map[string]string {
	if len(ext) == 0 {
		return nil
	}
	out := map[string]map[string]string{}
	gjson.GetBytes(ext, "assetRequestHeaders").ForEach(func(key, hdrs gjson.Result) bool {
		h := map[string]string{}
		hdrs.ForEach(func(k, v gjson.Result) bool {
			h[k.String()] = v.String()
			return true
		})
		out[key.String()] = h
		return true
	})
	return out
}
