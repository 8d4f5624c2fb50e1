package prof

import (
	"testing"

	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	ctx := log.WithContext(t.Context(), log.Nop())
	stop, err := Start(ctx, Options{
		Enabled:              false,
		TenantID:             "tenant",
		Tags:                 map[string]string{"runtime_version": "1.0.0"},
		ProfileMutexFraction: 999,
	})
	if err != nil {
		t.Fatalf("disabled should never error, got: %v", err)
	}
	stop()
	stop()
}

func TestStart_EnabledWithoutServer(t *testing.T) {
	stop, err := Start(t.Context(), Options{Enabled: true, AppName: "updatesd"})
	if err == nil {
		t.Fatal("expected error without server address")
	}
	if stop == nil {
		t.Fatal("stop must be non-nil on error")
	}
	stop()
}

func TestProfileTypes(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range profileTypes {
		if seen[string(p)] {
			t.Fatalf("duplicate profile type %s", p)
		}
		seen[string(p)] = true
	}
	if !seen["cpu"] {
		t.Fatalf("cpu profile missing: %v", profileTypes)
	}
}
