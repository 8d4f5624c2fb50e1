package updates

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/dunglas/httpsfv"
)

// Response headers.
const (
	HeaderProtocolVersion      = "expo-protocol-version"
	HeaderServerDefinedHeaders = "expo-server-defined-headers"
	HeaderManifestFilters      = "expo-manifest-filters"
	HeaderManifestSignature    = "expo-manifest-signature"
	HeaderSignature            = "expo-signature"
)

// ManifestFilters restrict which stored updates are eligible to launch;
// see Update.MatchesFilters.
type ManifestFilters map[string]string

// ResponseHeaderData is the response-level metadata shared by every part.
type ResponseHeaderData struct {
	ProtocolVersion      int
	ServerDefinedHeaders map[string]string
	ManifestFilters      ManifestFilters
	ManifestSignature    string
}

// ParseResponseHeaderData reads protocol metadata from a manifest response.
// Malformed structured headers are dropped rather than failing the fetch.
func ParseResponseHeaderData(h http.Header) ResponseHeaderData {
	out := ResponseHeaderData{
		ManifestSignature: h.Get(HeaderManifestSignature),
	}
	if v := h.Get(HeaderProtocolVersion); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			out.ProtocolVersion = n
		}
	}
	if vals := h.Values(HeaderServerDefinedHeaders); len(vals) > 0 {
		if m, err := ParseStringDictionary(vals); err == nil {
			out.ServerDefinedHeaders = m
		}
	}
	if vals := h.Values(HeaderManifestFilters); len(vals) > 0 {
		if m, err := ParseStringDictionary(vals); err == nil {
			out.ManifestFilters = m
		}
	}
	return out
}

// ParseStringDictionary decodes a Structured-Field dictionary whose
// members are bare items, rendering every item as a string.
func ParseStringDictionary(vals []string) (map[string]string, error) {
	d, err := httpsfv.UnmarshalDictionary(vals)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(d.Names()))
	for _, name := range d.Names() {
		m, _ := d.Get(name)
		item, ok := m.(httpsfv.Item)
		if !ok {
			continue
		}
		if s, ok := itemString(item.Value); ok {
			out[name] = s
		}
	}
	return out, nil
}

func itemString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case httpsfv.Token:
		return string(x), true
	case bool:
		return strconv.FormatBool(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}

// SerializeStringDictionary encodes m as a Structured-Field dictionary of
// strings with keys in sorted order.
func SerializeStringDictionary(m map[string]string) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := httpsfv.NewDictionary()
	for _, k := range keys {
		d.Add(k, httpsfv.NewItem(m[k]))
	}
	return httpsfv.Marshal(d)
}

// SerializeStringList encodes vals as a Structured-Field list of strings.
func SerializeStringList(vals []string) (string, error) {
	l := make(httpsfv.List, 0, len(vals))
	for _, v := range vals {
		l = append(l, httpsfv.NewItem(v))
	}
	return httpsfv.Marshal(l)
}
