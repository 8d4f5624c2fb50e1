package updates

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CheckOnLaunch controls whether a remote check happens at startup.
type CheckOnLaunch int

const (
	CheckAlways CheckOnLaunch = iota
	CheckNever
	// CheckErrorRecoveryOnly checks only when the previous launch failed.
	CheckErrorRecoveryOnly
)

func ParseCheckOnLaunch(s string) (CheckOnLaunch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always", "":
		return CheckAlways, nil
	case "never":
		return CheckNever, nil
	case "error_recovery_only", "error-recovery-only":
		return CheckErrorRecoveryOnly, nil
	}
	return 0, fmt.Errorf("unknown check-on-launch %q (valid are always|never|error_recovery_only)", s)
}

func (c CheckOnLaunch) String() string {
	switch c {
	case CheckNever:
		return "never"
	case CheckErrorRecoveryOnly:
		return "error_recovery_only"
	default:
		return "always"
	}
}

// Config is the runtime configuration of the update subsystem.
type Config struct {
	UpdateURL      *url.URL
	ScopeKey       string
	RuntimeVersion string
	Platform       string
	// RequestHeaders are sent on every manifest and asset request and win
	// over protocol and server-defined headers.
	RequestHeaders map[string]string

	// LaunchWait bounds how long startup waits for a remote update.
	LaunchWait    time.Duration
	CheckOnLaunch CheckOnLaunch

	HasEmbeddedUpdate         bool
	ExpectsSignedManifest     bool
	EnableV0CompatibilityMode bool

	// UpdatesDir holds the database and the content-addressed asset files.
	UpdatesDir string
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.UpdateURL == nil || c.UpdateURL.Scheme == "" || c.UpdateURL.Host == "" {
		errs = append(errs, errors.New("update url must be an absolute url"))
	}
	if c.ScopeKey == "" {
		errs = append(errs, errors.New("scope key is required"))
	}
	if c.RuntimeVersion == "" {
		errs = append(errs, errors.New("runtime version is required"))
	}
	if c.Platform == "" {
		errs = append(errs, errors.New("platform is required"))
	}
	if c.LaunchWait < 0 {
		errs = append(errs, fmt.Errorf("launch wait must not be negative (got %s)", c.LaunchWait))
	}
	if c.UpdatesDir == "" {
		errs = append(errs, errors.New("updates dir is required"))
	}
	return errors.Join(errs...)
}
