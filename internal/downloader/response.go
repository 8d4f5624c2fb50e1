package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

const (
	partManifest         = "manifest"
	partExtensions       = "extensions"
	partCertificateChain = "certificate_chain"
	partDirective        = "directive"

	// legacy envelopes mark unsigned manifests with this signature
	unsignedSignature = "UNSIGNED"

	maxResponseBytes  = 32 << 20
	maxErrorBodyBytes = 4 << 10
)

// StatusError is a non-2xx answer from the updates server or an asset host.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// clientError reports a 4xx, which retrying will not fix.
func clientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
}

// FetchUpdate performs an update check against the configured update url.
func (d *Downloader) FetchUpdate(ctx context.Context, rc RequestContext) (*updates.UpdateResponse, error) {
	const op = "fetch update"
	start := time.Now()

	h, err := d.ManifestRequestHeaders(rc)
	if err != nil {
		return nil, updates.E(updates.KindProtocol, updates.CodeInvalidResponse, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.UpdateURL.String(), nil)
	if err != nil {
		return nil, updates.E(updates.KindTransport, updates.CodeUnknown, op, err)
	}
	req.Header = h

	resp, err := d.client.Do(req)
	if err != nil {
		d.observer.ObserveManifestRequest("transport_error", time.Since(start))
		return nil, updates.E(updates.KindTransport, updates.CodeUnknown, op, err)
	}
	defer resp.Body.Close()

	res, err := d.ParseRemoteUpdateResponse(ctx, resp)
	outcome := "ok"
	if err != nil {
		outcome = updates.KindOf(err).String()
	}
	d.observer.ObserveManifestRequest(outcome, time.Since(start))
	return res, err
}

// ParseRemoteUpdateResponse turns an update-check response into an
// UpdateResponse, verifying every signed part on the way.
func (d *Downloader) ParseRemoteUpdateResponse(ctx context.Context, resp *http.Response) (*updates.UpdateResponse, error) {
	const op = "parse update response"
	header := updates.ParseResponseHeaderData(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		}
		return nil, updates.E(updates.KindTransport, updates.CodeInvalidResponse, op,
			&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	if resp.StatusCode == http.StatusNoContent || resp.Body == nil || resp.Body == http.NoBody {
		if header.ProtocolVersion > 0 {
			return &updates.UpdateResponse{Header: header}, nil
		}
		return nil, updates.Errorf(updates.KindProtocol, updates.CodeInvalidResponse, op,
			"empty response requires protocol version 1 or later")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, updates.E(updates.KindTransport, updates.CodeUnknown, op, err)
	}

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, updates.Errorf(updates.KindProtocol, updates.CodeMissingMultipartBoundary, op,
				"multipart response has no boundary")
		}
		return d.parseMultipart(ctx, header, body, boundary)
	}

	part := &rawPart{body: body, signature: resp.Header.Get(updates.HeaderSignature)}
	return d.buildResponse(ctx, header, part, nil, nil, nil)
}

type rawPart struct {
	body      []byte
	signature string
}

func (d *Downloader) parseMultipart(ctx context.Context, header updates.ResponseHeaderData, body []byte, boundary string) (*updates.UpdateResponse, error) {
	const op = "parse multipart"
	var manifest, directive *rawPart
	var extensions, chain []byte

	// a zero-byte body is zero parts, which mime/multipart would reject
	if len(bytes.TrimSpace(body)) > 0 {
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, updates.E(updates.KindProtocol, updates.CodeMultipartParsing, op, err)
			}
			data, err := io.ReadAll(p)
			if err != nil {
				return nil, updates.E(updates.KindProtocol, updates.CodeMultipartParsing, op, err)
			}
			switch partName(p) {
			case partManifest:
				manifest = &rawPart{body: data, signature: p.Header.Get(updates.HeaderSignature)}
			case partExtensions:
				extensions = data
			case partCertificateChain:
				chain = data
			case partDirective:
				directive = &rawPart{body: data, signature: p.Header.Get(updates.HeaderSignature)}
			}
		}
	}

	if extensions != nil {
		var obj map[string]any
		if err := json.Unmarshal(extensions, &obj); err != nil || obj == nil {
			return nil, updates.Errorf(updates.KindProtocol, updates.CodeMultipartParsing, op,
				"extensions part must be a JSON object")
		}
	}

	if d.cfg.EnableV0CompatibilityMode {
		if manifest == nil {
			return nil, updates.Errorf(updates.KindProtocol, updates.CodeMultipartMissingManifest, op,
				"multipart response is missing the manifest part")
		}
		// v0 servers do not send directives
		directive = nil
	}
	return d.buildResponse(ctx, header, manifest, directive, extensions, chain)
}

func partName(p *multipart.Part) string {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["name"]
}

func (d *Downloader) buildResponse(ctx context.Context, header updates.ResponseHeaderData, manifest, directive *rawPart, extensions, chain []byte) (*updates.UpdateResponse, error) {
	res := &updates.UpdateResponse{Header: header}
	if manifest != nil {
		u, err := d.parseManifestPart(ctx, header, manifest, extensions, chain)
		if err != nil {
			return nil, err
		}
		res.Manifest = &updates.ManifestPart{Update: u}
	}
	if directive != nil {
		dir, err := d.parseDirectivePart(directive, chain)
		if err != nil {
			return nil, err
		}
		res.Directive = &updates.DirectivePart{Directive: dir}
	}
	return res, nil
}

func (d *Downloader) parseManifestPart(ctx context.Context, header updates.ResponseHeaderData, part *rawPart, extensions, chain []byte) (*updates.Update, error) {
	const op = "verify manifest"

	manifestBody := part.body
	legacySig := header.ManifestSignature
	if env := gjson.ParseBytes(part.body); env.IsObject() && env.Get("manifestString").Exists() {
		ms := env.Get("manifestString")
		if ms.Type != gjson.String {
			return nil, updates.Errorf(updates.KindProtocol, updates.CodeManifestString, op, "manifestString is not a string")
		}
		manifestBody = []byte(ms.String())
		legacySig = env.Get("signature").String()
	}

	isVerified := false
	if legacySig != "" && legacySig != unsignedSignature {
		if d.legacy == nil {
			d.logger.Warn(ctx, "manifest carries a legacy signature but no legacy verifier is configured")
		} else if err := d.legacy.Verify(ctx, manifestBody, legacySig); err != nil {
			return nil, updates.E(updates.KindAuthenticity, updates.CodeManifestVerification, op, err)
		} else {
			isVerified = true
		}
	}
	if d.cfg.ExpectsSignedManifest && !isVerified && d.codeSigning == nil {
		return nil, updates.Errorf(updates.KindAuthenticity, updates.CodeManifestSignature, op,
			"manifest signature is missing or could not be verified")
	}

	if d.codeSigning != nil {
		res, err := d.codeSigning.ValidateSignature(part.signature, part.body, chain)
		if err != nil {
			return nil, updates.E(updates.KindAuthenticity, updates.CodeCodeSigningSignature, op, err)
		}
		switch res.Result {
		case cryptoutil.SignatureInvalid:
			return nil, updates.Errorf(updates.KindAuthenticity, updates.CodeCodeSigningSignature, op,
				"manifest download was successful, but signature was incorrect")
		case cryptoutil.SignatureValid:
			if info := res.ProjectInformation; info != nil {
				m := gjson.ParseBytes(manifestBody)
				if !info.Matches(m.Get("extra.eas.projectId").String(), m.Get("extra.scopeKey").String()) {
					return nil, updates.Errorf(updates.KindAuthenticity, updates.CodeCodeSigningSignature, op,
						"code signing certificate project id or scope key does not match manifest")
				}
			}
			isVerified = true
		}
	}

	u, err := updates.ParseManifest(manifestBody, updates.ManifestOptions{
		ScopeKey:   d.cfg.ScopeKey,
		Extensions: extensions,
		IsVerified: isVerified,
	})
	if err != nil {
		return nil, err
	}
	if !u.MatchesFilters(header.ManifestFilters) {
		return nil, updates.Errorf(updates.KindProtocol, updates.CodeMismatchedManifestFilters, op,
			"manifest %s does not match the response manifest filters", u.ID)
	}
	return u, nil
}

func (d *Downloader) parseDirectivePart(part *rawPart, chain []byte) (*updates.Directive, error) {
	const op = "verify directive"
	if d.codeSigning != nil {
		res, err := d.codeSigning.ValidateSignature(part.signature, part.body, chain)
		if err != nil {
			return nil, updates.E(updates.KindAuthenticity, updates.CodeCodeSigningSignature, op, err)
		}
		if res.Result == cryptoutil.SignatureInvalid {
			return nil, updates.Errorf(updates.KindAuthenticity, updates.CodeCodeSigningSignature, op,
				"directive download was successful, but signature was incorrect")
		}
		if info := res.ProjectInformation; info != nil && res.Result == cryptoutil.SignatureValid {
			si := gjson.GetBytes(part.body, "extra.signingInfo")
			projectID := si.Get("projectId").String()
			if projectID == "" {
				projectID = si.Get("easProjectId").String()
			}
			if !info.Matches(projectID, si.Get("scopeKey").String()) {
				return nil, updates.Errorf(updates.KindAuthenticity, updates.CodeCodeSigningSignature, op,
					"code signing certificate project id or scope key does not match directive")
			}
		}
	}
	return updates.ParseDirective(part.body)
}
