package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/selection"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// fakeFetcher answers every Load with resp, or fails the check with
// checkErr. loadErr fails the download after decide accepted.
type fakeFetcher struct {
	mu       sync.Mutex
	resp     *updates.UpdateResponse
	checkErr error
	loadErr  error
	loads    int
}

func (f *fakeFetcher) set(resp *updates.UpdateResponse, checkErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp, f.checkErr = resp, checkErr
}

func (f *fakeFetcher) Load(ctx context.Context, decide DecideFunc) (*LoadResult, error) {
	f.mu.Lock()
	resp, checkErr, loadErr := f.resp, f.checkErr, f.loadErr
	f.loads++
	f.mu.Unlock()

	if checkErr != nil {
		return nil, checkErr
	}
	res := &LoadResult{Header: resp.Header, Directive: resp.UpdateDirective()}
	if !decide(ctx, resp).ShouldDownloadManifest {
		return res, nil
	}
	if loadErr != nil {
		return nil, loadErr
	}
	u := *resp.ManifestUpdate()
	u.Status = updates.StatusReady
	res.Update = &u
	return res, nil
}

type fakeWatcherMetrics struct {
	mu          sync.Mutex
	polls       int
	downloads   int
	errs        map[string]int
	durations   int
	lastSuccess float64
	stale       bool
}

func (m *fakeWatcherMetrics) IncWatcherPolls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
}

func (m *fakeWatcherMetrics) IncWatcherDownloads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
}

func (m *fakeWatcherMetrics) IncWatcherError(errType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errs == nil {
		m.errs = map[string]int{}
	}
	m.errs[errType]++
}

func (m *fakeWatcherMetrics) ObserveUpdateLoadDuration(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *fakeWatcherMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = unixSeconds
}

func (m *fakeWatcherMetrics) SetWatcherStale(stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = stale
}

func manifestResponse(id uuid.UUID, createdAt time.Time) *updates.UpdateResponse {
	return &updates.UpdateResponse{Manifest: &updates.ManifestPart{Update: &updates.Update{
		ID:             id,
		ScopeKey:       "@acme/app",
		CommitTime:     createdAt,
		RuntimeVersion: "1.0.0",
		Status:         updates.StatusPending,
	}}}
}

var launchedUpdate = &updates.Update{
	ID:             uuid.MustParse("0f8b6a52-3c1e-4d7a-9b1f-2e6c4a8d9e01"),
	ScopeKey:       "@acme/app",
	CommitTime:     time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	RuntimeVersion: "1.0.0",
	Status:         updates.StatusReady,
}

func newTestWatcher(f *fakeFetcher, opts ...func(*WatcherOptions)) *Watcher {
	wopts := &WatcherOptions{
		Logger:   log.Nop(),
		Fetcher:  f,
		Policy:   selection.New("1.0.0"),
		Launched: launchedUpdate,
	}
	for _, o := range opts {
		o(wopts)
	}
	return NewWatcher(wopts)
}

// backoffDuration

func TestBackoffDuration_Progression(t *testing.T) {
	w := &Watcher{interval: 15 * time.Minute}

	tests := []struct {
		consecutiveErrs int
		want            time.Duration
	}{
		{0, 15 * time.Minute},
		{1, 30 * time.Minute},
		{2, time.Hour},
		{3, 2 * time.Hour},
		{4, 2 * time.Hour}, // 4h capped
		{20, 2 * time.Hour},
	}
	for _, tt := range tests {
		w.consecutiveErrs = tt.consecutiveErrs
		if got := w.backoffDuration(); got != tt.want {
			t.Fatalf("consecutiveErrs=%d: backoff=%v, want %v", tt.consecutiveErrs, got, tt.want)
		}
	}
}

// NewWatcher

func TestNewWatcher_Defaults(t *testing.T) {
	w := NewWatcher(&WatcherOptions{Fetcher: &fakeFetcher{}, Policy: selection.New("1.0.0")})
	if w.interval != DefaultPollInterval {
		t.Fatalf("interval = %v, want %v", w.interval, DefaultPollInterval)
	}
	if w.staleThreshold != 24*time.Hour {
		t.Fatalf("staleThreshold = %v", w.staleThreshold)
	}
	if w.logger == nil {
		t.Fatal("logger should default to nop")
	}
	if w.currentID() != "" {
		t.Fatalf("currentID = %q, want empty", w.currentID())
	}
}

// checkOnce

func TestCheckOnce_Downloads(t *testing.T) {
	id := uuid.New()
	f := &fakeFetcher{resp: manifestResponse(id, march)}
	m := &fakeWatcherMetrics{}
	var got []uuid.UUID
	w := newTestWatcher(f, func(o *WatcherOptions) {
		o.Metrics = m
		o.OnUpdateDownloaded = func(u *updates.Update) { got = append(got, u.ID) }
	})

	if r := w.checkOnce(t.Context()); r != pollDownloaded {
		t.Fatalf("result = %v, want pollDownloaded", r)
	}
	if len(got) != 1 || got[0] != id {
		t.Fatalf("OnUpdateDownloaded calls = %v", got)
	}
	if w.currentID() != id.String() {
		t.Fatalf("current = %s", w.currentID())
	}
	if m.polls != 1 || m.downloads != 1 || m.durations != 1 || m.lastSuccess == 0 {
		t.Fatalf("metrics = %+v", m)
	}

	// the same manifest again is not new anymore
	if r := w.checkOnce(t.Context()); r != pollNoChange {
		t.Fatalf("second result = %v, want pollNoChange", r)
	}
	if len(got) != 1 {
		t.Fatalf("OnUpdateDownloaded called again: %v", got)
	}
}

func TestCheckOnce_OlderManifest(t *testing.T) {
	f := &fakeFetcher{resp: manifestResponse(uuid.New(), launchedUpdate.CommitTime.Add(-time.Hour))}
	w := newTestWatcher(f)
	if r := w.checkOnce(t.Context()); r != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange", r)
	}
}

func TestCheckOnce_OtherRuntimeVersion(t *testing.T) {
	resp := manifestResponse(uuid.New(), march)
	resp.Manifest.Update.RuntimeVersion = "2.0.0"
	w := newTestWatcher(&fakeFetcher{resp: resp})
	if r := w.checkOnce(t.Context()); r != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange", r)
	}
}

func TestCheckOnce_RollbackDirectiveIgnored(t *testing.T) {
	resp := &updates.UpdateResponse{Directive: &updates.DirectivePart{Directive: &updates.Directive{
		Type:       updates.DirectiveRollBackToEmbedded,
		CommitTime: march,
	}}}
	w := newTestWatcher(&fakeFetcher{resp: resp})
	if r := w.checkOnce(t.Context()); r != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange", r)
	}
	if w.currentID() != launchedUpdate.ID.String() {
		t.Fatal("current update changed on a directive")
	}
}

func TestCheckOnce_CheckError(t *testing.T) {
	m := &fakeWatcherMetrics{}
	w := newTestWatcher(&fakeFetcher{checkErr: errors.New("connection refused")}, func(o *WatcherOptions) {
		o.Metrics = m
	})
	if r := w.checkOnce(t.Context()); r != pollCheckError {
		t.Fatalf("result = %v, want pollCheckError", r)
	}
	if m.errs["check"] != 1 || m.lastSuccess != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCheckOnce_LoadError(t *testing.T) {
	m := &fakeWatcherMetrics{}
	f := &fakeFetcher{resp: manifestResponse(uuid.New(), march), loadErr: errors.New("asset 404")}
	w := newTestWatcher(f, func(o *WatcherOptions) { o.Metrics = m })

	if r := w.checkOnce(t.Context()); r != pollLoadError {
		t.Fatalf("result = %v, want pollLoadError", r)
	}
	if m.errs["load"] != 1 || m.lastSuccess == 0 {
		t.Fatalf("metrics = %+v", m)
	}
	if w.currentID() != launchedUpdate.ID.String() {
		t.Fatal("current update changed after a failed load")
	}
}

func TestCheckOnce_CallbackPanicRecovered(t *testing.T) {
	f := &fakeFetcher{resp: manifestResponse(uuid.New(), march)}
	w := newTestWatcher(f, func(o *WatcherOptions) {
		o.OnUpdateDownloaded = func(*updates.Update) { panic("boom") }
	})
	if r := w.checkOnce(t.Context()); r != pollDownloaded {
		t.Fatalf("result = %v, want pollDownloaded", r)
	}
	if w.downloadCount != 1 {
		t.Fatalf("downloadCount = %d", w.downloadCount)
	}
}

func TestCheckOnce_SkipsPreviouslyFailed(t *testing.T) {
	e := newEnv(t, nil)
	ctx := t.Context()
	bad := uuid.New()
	e.srv.serveUpdate(t, bad, march, testAsset{"bundle", "crashes"})
	if _, err := e.remoteLoader().Load(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.db.IncrementFailedLaunchCount(ctx, bad); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(&fakeFetcher{resp: manifestResponse(bad, march)}, func(o *WatcherOptions) {
		o.Database = e.db
	})
	if r := w.checkOnce(ctx); r != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange", r)
	}
}

// adjust

func TestAdjust_StaleThenRecovered(t *testing.T) {
	m := &fakeWatcherMetrics{}
	w := newTestWatcher(&fakeFetcher{}, func(o *WatcherOptions) {
		o.Metrics = m
		o.PollInterval = time.Hour
		o.StaleThreshold = time.Minute
	})
	w.lastSuccessAt = time.Now().Add(-2 * time.Minute)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	w.adjust(t.Context(), ticker, pollCheckError)
	if w.consecutiveErrs != 1 || !w.staleLogged || !m.stale {
		t.Fatalf("after error: errs=%d staleLogged=%v stale=%v", w.consecutiveErrs, w.staleLogged, m.stale)
	}

	w.adjust(t.Context(), ticker, pollNoChange)
	if w.consecutiveErrs != 0 || w.staleLogged || m.stale {
		t.Fatalf("after recovery: errs=%d staleLogged=%v stale=%v", w.consecutiveErrs, w.staleLogged, m.stale)
	}
}

func TestAdjust_LoadErrorDoesNotBackOff(t *testing.T) {
	w := newTestWatcher(&fakeFetcher{})
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	w.adjust(t.Context(), ticker, pollLoadError)
	if w.consecutiveErrs != 0 {
		t.Fatalf("consecutiveErrs = %d", w.consecutiveErrs)
	}
}

// Run

func TestRun_StopsOnContextCancel(t *testing.T) {
	w := newTestWatcher(&fakeFetcher{resp: &updates.UpdateResponse{}}, func(o *WatcherOptions) {
		o.PollInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRun_DownloadsNewUpdate(t *testing.T) {
	f := &fakeFetcher{resp: &updates.UpdateResponse{}}
	var downloaded atomic.Int32
	w := newTestWatcher(f, func(o *WatcherOptions) {
		o.PollInterval = 10 * time.Millisecond
		o.OnUpdateDownloaded = func(*updates.Update) { downloaded.Add(1) }
	})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	f.set(manifestResponse(uuid.New(), march), nil)

	ok := waitFor(t.Context(), 2*time.Second, func() bool { return downloaded.Load() > 0 })
	cancel()
	<-done
	if !ok {
		t.Fatal("watcher did not download within deadline")
	}
	if n := downloaded.Load(); n != 1 {
		t.Fatalf("downloaded %d times, want 1", n)
	}
}
