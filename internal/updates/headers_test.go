package updates

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseResponseHeaderData(t *testing.T) {
	h := http.Header{}
	h.Set("expo-protocol-version", "1")
	h.Set("expo-server-defined-headers", `expo-channel-name="beta", x-rollout=5`)
	h.Set("expo-manifest-filters", `branchname="main", enabled=?1, tier=gold`)
	h.Set("expo-manifest-signature", "legacy-sig")

	got := ParseResponseHeaderData(h)
	if got.ProtocolVersion != 1 {
		t.Fatalf("ProtocolVersion = %d", got.ProtocolVersion)
	}
	if got.ServerDefinedHeaders["expo-channel-name"] != "beta" || got.ServerDefinedHeaders["x-rollout"] != "5" {
		t.Fatalf("ServerDefinedHeaders = %v", got.ServerDefinedHeaders)
	}
	want := ManifestFilters{"branchname": "main", "enabled": "true", "tier": "gold"}
	for k, v := range want {
		if got.ManifestFilters[k] != v {
			t.Fatalf("ManifestFilters[%s] = %q, want %q", k, got.ManifestFilters[k], v)
		}
	}
	if got.ManifestSignature != "legacy-sig" {
		t.Fatalf("ManifestSignature = %q", got.ManifestSignature)
	}
}

func TestParseResponseHeaderData_MalformedIgnored(t *testing.T) {
	h := http.Header{}
	h.Set("expo-protocol-version", "one")
	h.Set("expo-manifest-filters", `Not A Dictionary!!`)

	got := ParseResponseHeaderData(h)
	if got.ProtocolVersion != 0 {
		t.Fatalf("ProtocolVersion = %d, want 0", got.ProtocolVersion)
	}
	if got.ManifestFilters != nil {
		t.Fatalf("ManifestFilters = %v, want nil", got.ManifestFilters)
	}
}

func TestSerializeStructuredFields(t *testing.T) {
	dict, err := SerializeStringDictionary(map[string]string{"zeta": "z", "alpha": `say "hi"`})
	if err != nil {
		t.Fatalf("SerializeStringDictionary: %v", err)
	}
	if dict != `alpha="say \"hi\"", zeta="z"` {
		t.Fatalf("dictionary = %s", dict)
	}

	back, err := ParseStringDictionary([]string{dict})
	if err != nil || back["alpha"] != `say "hi"` {
		t.Fatalf("round trip = %v, %v", back, err)
	}

	list, err := SerializeStringList([]string{"a", "b"})
	if err != nil {
		t.Fatalf("SerializeStringList: %v", err)
	}
	if list != `"a", "b"` {
		t.Fatalf("list = %s", list)
	}

	if _, err := SerializeStringDictionary(map[string]string{"UpperCase": "x"}); err == nil {
		t.Fatal("uppercase keys are not valid structured field keys")
	}
}

func TestLoadOrCreateClientID_Stable(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateClientID(dir)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := LoadOrCreateClientID(dir)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("client id changed: %s -> %s", first, second)
	}
}

func TestConfigValidate(t *testing.T) {
	u, _ := url.Parse("https://u.example.com/manifest")
	good := Config{
		UpdateURL:      u,
		ScopeKey:       "@acme/app",
		RuntimeVersion: "1.0.0",
		Platform:       "linux",
		LaunchWait:     time.Second,
		UpdatesDir:     t.TempDir(),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	var bad Config
	bad.LaunchWait = -1
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"update url", "scope key", "runtime version", "platform", "launch wait", "updates dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestParseCheckOnLaunch(t *testing.T) {
	for in, want := range map[string]CheckOnLaunch{
		"":                    CheckAlways,
		"ALWAYS":              CheckAlways,
		"never":               CheckNever,
		"error_recovery_only": CheckErrorRecoveryOnly,
	} {
		got, err := ParseCheckOnLaunch(in)
		if err != nil || got != want {
			t.Errorf("ParseCheckOnLaunch(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCheckOnLaunch("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}
