package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	UpdateURL             string
	ScopeKey              string
	RuntimeVersion        string
	Platform              string
	LaunchWait            time.Duration
	CheckOnLaunch         string
	UpdatesDir            string
	EnableEmbedded        bool
	RequestHeaders        string
	V0Compat              bool
	ExpectsSignedManifest bool
	EnableBackground      bool
	PollInterval          time.Duration
	StaleThreshold        time.Duration
	ExitAfterLaunch       bool
	RequireLaunchConfirm  bool

	CodeSigningCertFile     string
	CodeSigningCertSSMParam string
	CodeSigningKeyID        string
	CodeSigningAlg          string
	IncludeCertChain        bool
	AllowUnsignedManifests  bool
	LegacyPublicKeyURL      string
	LegacyPublicKeyKMSARN   string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.UpdateURL, "update-url", "", "manifest endpoint of the update server")
	fs.StringVar(&c.ScopeKey, "scope-key", "", "scope key updates are stored under (defaults to the update url origin)")
	fs.StringVar(&c.RuntimeVersion, "runtime-version", "", "runtime version the host can execute")
	fs.StringVar(&c.Platform, "platform", "linux", "platform sent in expo-platform")
	fs.DurationVar(&c.LaunchWait, "launch-wait", 0, "how long startup waits for a remote update (0 launches the cached update immediately)")
	fs.StringVar(&c.CheckOnLaunch, "check-on-launch", "always", "always|never|error_recovery_only")
	fs.StringVar(&c.UpdatesDir, "updates-dir", "/var/lib/updatesd", "directory for the database and asset files")
	fs.BoolVar(&c.EnableEmbedded, "enable-embedded", true, "Use the update compiled into the binary as the baseline")
	fs.StringVar(&c.RequestHeaders, "request-headers", "", "extra request headers as k=v,k=v")
	fs.BoolVar(&c.V0Compat, "v0-compat", false, "Accept protocol v0 responses")
	fs.BoolVar(&c.ExpectsSignedManifest, "expects-signed-manifest", false, "Reject manifests without a verified legacy signature")
	fs.BoolVar(&c.EnableBackground, "enable-background-updates", true, "Keep checking for updates after launch")
	fs.DurationVar(&c.PollInterval, "poll-interval", 15*time.Minute, "background update check interval")
	fs.DurationVar(&c.StaleThreshold, "stale-threshold", 24*time.Hour, "time without a successful check before the watcher reports stale")
	fs.BoolVar(&c.ExitAfterLaunch, "exit-after-launch", false, "Print the launch result and exit once the background check finishes")
	fs.BoolVar(&c.RequireLaunchConfirm, "require-launch-confirm", false, "Leave the launch pending until the host reports its outcome on the ops API")

	fs.StringVar(&c.CodeSigningCertFile, "code-signing-cert-file", "", "PEM code signing root certificate")
	fs.StringVar(&c.CodeSigningCertSSMParam, "code-signing-cert-ssm-param", "", "ssm parameter holding the PEM code signing root certificate")
	fs.StringVar(&c.CodeSigningKeyID, "code-signing-key-id", cryptoutil.DefaultCodeSigningKeyID, "keyid expected in expo-signature")
	fs.StringVar(&c.CodeSigningAlg, "code-signing-alg", cryptoutil.CodeSigningAlgRSASHA256, "code signing algorithm")
	fs.BoolVar(&c.IncludeCertChain, "code-signing-include-chain", false, "Verify against the certificate chain sent in the response")
	fs.BoolVar(&c.AllowUnsignedManifests, "allow-unsigned-manifests", false, "Accept parts without expo-signature when code signing is configured")
	fs.StringVar(&c.LegacyPublicKeyURL, "legacy-public-key-url", "", "url of the PEM public key for legacy manifest signatures")
	fs.StringVar(&c.LegacyPublicKeyKMSARN, "legacy-public-key-kms-arn", "", "KMS key ARN for legacy manifest signatures")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.UpdateURL == "" {
		errs = append(errs, fmt.Errorf("UPDATE_URL is required"))
	} else if u, err := url.Parse(c.UpdateURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPDATE_URL must be an http(s) URL (got %q)", c.UpdateURL))
	}
	if c.RuntimeVersion == "" {
		errs = append(errs, fmt.Errorf("RUNTIME_VERSION is required"))
	}
	if c.UpdatesDir == "" {
		errs = append(errs, fmt.Errorf("UPDATES_DIR is required"))
	}
	if c.LaunchWait < 0 {
		errs = append(errs, fmt.Errorf("LAUNCH_WAIT must not be negative (got %s)", c.LaunchWait))
	}
	if _, err := updates.ParseCheckOnLaunch(c.CheckOnLaunch); err != nil {
		errs = append(errs, fmt.Errorf("invalid CHECK_ON_LAUNCH: %w", err))
	}
	if _, err := ParseHeaders(c.RequestHeaders); err != nil {
		errs = append(errs, fmt.Errorf("invalid REQUEST_HEADERS: %w", err))
	}
	if c.EnableBackground && c.PollInterval < time.Minute {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 1m (got %s)", c.PollInterval))
	}
	if c.RequireLaunchConfirm && c.ExitAfterLaunch {
		errs = append(errs, fmt.Errorf("REQUIRE_LAUNCH_CONFIRM cannot be used with EXIT_AFTER_LAUNCH"))
	}

	if c.CodeSigningCertFile != "" && c.CodeSigningCertSSMParam != "" {
		errs = append(errs, fmt.Errorf("set only one of CODE_SIGNING_CERT_FILE and CODE_SIGNING_CERT_SSM_PARAM"))
	}
	if c.CodeSigningAlg != cryptoutil.CodeSigningAlgRSASHA256 {
		errs = append(errs, fmt.Errorf("unsupported CODE_SIGNING_ALG %q", c.CodeSigningAlg))
	}
	if c.LegacyPublicKeyURL != "" && c.LegacyPublicKeyKMSARN != "" {
		errs = append(errs, fmt.Errorf("set only one of LEGACY_PUBLIC_KEY_URL and LEGACY_PUBLIC_KEY_KMS_ARN"))
	}
	if c.ExpectsSignedManifest && c.LegacyPublicKeyURL == "" && c.LegacyPublicKeyKMSARN == "" &&
		c.CodeSigningCertFile == "" && c.CodeSigningCertSSMParam == "" {
		errs = append(errs, fmt.Errorf("EXPECTS_SIGNED_MANIFEST requires a legacy public key or a code signing certificate"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ParseHeaders parses "k=v,k=v". Empty input is no headers.
func ParseHeaders(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("header %q is not k=v", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// UpdatesConfig builds the runtime configuration. Call Validate first.
func (c App) UpdatesConfig() (*updates.Config, error) {
	u, err := url.Parse(c.UpdateURL)
	if err != nil {
		return nil, fmt.Errorf("parse update url: %w", err)
	}
	check, err := updates.ParseCheckOnLaunch(c.CheckOnLaunch)
	if err != nil {
		return nil, err
	}
	headers, err := ParseHeaders(c.RequestHeaders)
	if err != nil {
		return nil, err
	}
	scope := c.ScopeKey
	if scope == "" {
		scope = u.Scheme + "://" + u.Host
	}
	uc := &updates.Config{
		UpdateURL:                 u,
		ScopeKey:                  scope,
		RuntimeVersion:            c.RuntimeVersion,
		Platform:                  c.Platform,
		RequestHeaders:            headers,
		LaunchWait:                c.LaunchWait,
		CheckOnLaunch:             check,
		HasEmbeddedUpdate:         c.EnableEmbedded,
		ExpectsSignedManifest:     c.ExpectsSignedManifest,
		EnableV0CompatibilityMode: c.V0Compat,
		UpdatesDir:                c.UpdatesDir,
	}
	return uc, uc.Validate()
}

// CodeSigningOptions maps the code signing flags.
func (c App) CodeSigningOptions() cryptoutil.CodeSigningOptions {
	return cryptoutil.CodeSigningOptions{
		KeyID:                                   c.CodeSigningKeyID,
		Alg:                                     c.CodeSigningAlg,
		IncludeManifestResponseCertificateChain: c.IncludeCertChain,
		AllowUnsignedManifests:                  c.AllowUnsignedManifests,
	}
}
