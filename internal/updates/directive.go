package updates

import (
	"time"

	"github.com/tidwall/gjson"
)

type DirectiveType int

const (
	DirectiveNoUpdateAvailable DirectiveType = iota + 1
	DirectiveRollBackToEmbedded
)

func (t DirectiveType) String() string {
	switch t {
	case DirectiveNoUpdateAvailable:
		return "noUpdateAvailable"
	case DirectiveRollBackToEmbedded:
		return "rollBackToEmbedded"
	default:
		return "unknown"
	}
}

// SigningInfo binds a directive to one project when code signing uses a
// project-scoped certificate.
type SigningInfo struct {
	ProjectID string
	ScopeKey  string
}

// Directive is a server instruction that is not a manifest.
type Directive struct {
	Type DirectiveType
	// CommitTime is set for rollBackToEmbedded only.
	CommitTime  time.Time
	SigningInfo *SigningInfo
}

// ParseDirective decodes a directive part body.
func ParseDirective(body []byte) (*Directive, error) {
	const op = "parse directive"
	if !gjson.ValidBytes(body) {
		return nil, Errorf(KindProtocol, CodeManifestParse, op, "body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, Errorf(KindProtocol, CodeManifestParse, op, "body is not a JSON object")
	}

	d := &Directive{}
	switch typ := doc.Get("type").String(); typ {
	case "noUpdateAvailable":
		d.Type = DirectiveNoUpdateAvailable
	case "rollBackToEmbedded":
		d.Type = DirectiveRollBackToEmbedded
		raw := doc.Get("parameters.commitTime").String()
		ct, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, Errorf(KindProtocol, CodeManifestParse, op, "rollBackToEmbedded commitTime %q: %v", raw, err)
		}
		d.CommitTime = ct.UTC()
	default:
		return nil, Errorf(KindProtocol, CodeManifestParse, op, "unsupported directive type %q", typ)
	}

	if si := doc.Get("extra.signingInfo"); si.IsObject() {
		projectID := si.Get("projectId").String()
		if projectID == "" {
			projectID = si.Get("easProjectId").String()
		}
		d.SigningInfo = &SigningInfo{ProjectID: projectID, ScopeKey: si.Get("scopeKey").String()}
	}
	return d, nil
}
