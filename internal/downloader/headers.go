package downloader

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// Request header names.
const (
	headerAccept                = "Accept"
	headerPlatform              = "Expo-Platform"
	headerProtocolVersion       = "Expo-Protocol-Version"
	headerAPIVersion            = "Expo-API-Version"
	headerUpdatesEnvironment    = "Expo-Updates-Environment"
	headerClientID              = "EAS-Client-ID"
	headerJSONError             = "Expo-JSON-Error"
	headerAcceptSignature       = "Expo-Accept-Signature"
	headerExpectSignature       = "expo-expect-signature"
	headerRuntimeVersion        = "Expo-Runtime-Version"
	headerCurrentUpdateID       = "Expo-Current-Update-ID"
	headerEmbeddedUpdateID      = "Expo-Embedded-Update-ID"
	headerRecentFailedUpdateIDs = "Expo-Recent-Failed-Update-IDs"
	headerExtraParams           = "Expo-Extra-Params"
	headerRequestedUpdateID     = "Expo-Requested-Update-ID"
)

const (
	manifestAccept  = "multipart/mixed,application/expo+json,application/json"
	protocolVersion = "1"
	apiVersion      = "1"
	environment     = "BARE"
)

// RequestContext is the per-check state read from the database and the
// running launch that goes out with a manifest request.
type RequestContext struct {
	CurrentUpdateID       uuid.UUID
	EmbeddedUpdateID      uuid.UUID
	RecentFailedUpdateIDs []uuid.UUID
	ExtraParams           map[string]string
	ServerDefinedHeaders  map[string]string
}

// ManifestRequestHeaders builds the headers for an update check. Server
// defined headers go first so the protocol headers cannot be overridden by
// the server; configured custom headers go last and win over everything.
func (d *Downloader) ManifestRequestHeaders(rc RequestContext) (http.Header, error) {
	h := http.Header{}
	for k, v := range rc.ServerDefinedHeaders {
		h.Set(k, v)
	}

	h.Set(headerAccept, manifestAccept)
	d.setCommonHeaders(h)
	h.Set(headerJSONError, "true")
	if d.cfg.ExpectsSignedManifest {
		h.Set(headerAcceptSignature, "true")
	}
	h.Set(headerRuntimeVersion, d.cfg.RuntimeVersion)
	if rc.CurrentUpdateID != uuid.Nil {
		h.Set(headerCurrentUpdateID, rc.CurrentUpdateID.String())
	}
	if rc.EmbeddedUpdateID != uuid.Nil {
		h.Set(headerEmbeddedUpdateID, rc.EmbeddedUpdateID.String())
	}
	if len(rc.RecentFailedUpdateIDs) > 0 {
		ids := make([]string, len(rc.RecentFailedUpdateIDs))
		for i, id := range rc.RecentFailedUpdateIDs {
			ids[i] = id.String()
		}
		v, err := updates.SerializeStringList(ids)
		if err != nil {
			return nil, err
		}
		h.Set(headerRecentFailedUpdateIDs, v)
	}
	if len(rc.ExtraParams) > 0 {
		v, err := updates.SerializeStringDictionary(rc.ExtraParams)
		if err != nil {
			return nil, err
		}
		h.Set(headerExtraParams, v)
	}
	if d.codeSigning != nil {
		v, err := d.codeSigning.AcceptSignatureHeader()
		if err != nil {
			return nil, err
		}
		h.Set(headerExpectSignature, v)
	}

	d.setCustomHeaders(h)
	return h, nil
}

// AssetRequestHeaders builds the headers for one asset fetch.
func (d *Downloader) AssetRequestHeaders(a *updates.Asset, updateID uuid.UUID) http.Header {
	h := http.Header{}
	for k, v := range a.ExtraRequestHeaders {
		h.Set(k, v)
	}
	d.setCommonHeaders(h)
	if updateID != uuid.Nil {
		h.Set(headerRequestedUpdateID, updateID.String())
	}
	d.setCustomHeaders(h)
	return h
}

func (d *Downloader) setCommonHeaders(h http.Header) {
	h.Set("User-Agent", d.userAgent)
	h.Set(headerPlatform, d.cfg.Platform)
	h.Set(headerProtocolVersion, protocolVersion)
	h.Set(headerAPIVersion, apiVersion)
	h.Set(headerUpdatesEnvironment, environment)
	if d.clientID != uuid.Nil {
		h.Set(headerClientID, d.clientID.String())
	}
}

func (d *Downloader) setCustomHeaders(h http.Header) {
	for k, v := range d.cfg.RequestHeaders {
		h.Set(k, v)
	}
}
