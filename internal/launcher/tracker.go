package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// MarkerFileName is written next to the database while a launch is
// unconfirmed. Finding it at startup means the previous launch crashed.
const MarkerFileName = ".launch-pending"

// ErrNoPendingLaunch is returned when a launch outcome is reported for an
// update that is not waiting on one.
var ErrNoPendingLaunch = errors.New("no pending launch for update")

// Recorder stores launch outcomes. *DatabaseLauncher implements it.
type Recorder interface {
	MarkLaunchSucceeded(ctx context.Context, id uuid.UUID) error
	MarkLaunchFailed(ctx context.Context, id uuid.UUID) error
}

type marker struct {
	UpdateID  uuid.UUID `json:"update_id"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker keeps the launch marker and turns it into success or failure
// records.
type Tracker struct {
	path   string
	rec    Recorder
	logger log.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending uuid.UUID
	crashed uuid.UUID
}

func NewTracker(dir string, rec Recorder, logger log.Logger) *Tracker {
	return &Tracker{
		path:   filepath.Join(dir, MarkerFileName),
		rec:    rec,
		logger: log.OrNop(logger),
		now:    time.Now,
	}
}

// RecoverCrashed records a failed launch for a marker left by the previous
// run and removes it. It returns the crashed update, uuid.Nil when the last
// launch ended cleanly.
func (t *Tracker) RecoverCrashed(ctx context.Context) (uuid.UUID, error) {
	b, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, xerrors.Wrap(err, "read launch marker")
	}

	var m marker
	if err := json.Unmarshal(b, &m); err != nil || m.UpdateID == uuid.Nil {
		t.logger.Warn(ctx, "discarding unreadable launch marker", "path", t.path)
		return uuid.Nil, t.clear()
	}
	t.logger.Warn(ctx, "previous launch did not complete",
		"update_id", m.UpdateID.String(), "started_at", m.StartedAt)
	if err := t.rec.MarkLaunchFailed(ctx, m.UpdateID); err != nil {
		return uuid.Nil, xerrors.Wrapf(err, "record crashed launch of %s", m.UpdateID)
	}
	t.mu.Lock()
	t.crashed = m.UpdateID
	t.mu.Unlock()
	return m.UpdateID, t.clear()
}

// AcceptCached vetoes the update that crashed on the previous run.
func (t *Tracker) AcceptCached(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crashed == uuid.Nil || id != t.crashed
}

// Started writes the marker for id.
func (t *Tracker) Started(id uuid.UUID) error {
	b, err := json.Marshal(marker{UpdateID: id, StartedAt: t.now().UTC()})
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return xerrors.Wrap(err, "write launch marker")
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return xerrors.Wrap(err, "persist launch marker")
	}
	t.mu.Lock()
	t.pending = id
	t.mu.Unlock()
	return nil
}

// Pending returns the launch still waiting on an outcome.
func (t *Tracker) Pending() (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending, t.pending != uuid.Nil
}

// Succeeded records the success of the pending launch of id.
func (t *Tracker) Succeeded(ctx context.Context, id uuid.UUID) error {
	return t.finish(ctx, id, t.rec.MarkLaunchSucceeded)
}

// Failed records a failure of the pending launch of id.
func (t *Tracker) Failed(ctx context.Context, id uuid.UUID) error {
	return t.finish(ctx, id, t.rec.MarkLaunchFailed)
}

func (t *Tracker) finish(ctx context.Context, id uuid.UUID, record func(context.Context, uuid.UUID) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == uuid.Nil || t.pending != id {
		return ErrNoPendingLaunch
	}
	if err := record(ctx, id); err != nil {
		return err
	}
	t.pending = uuid.Nil
	return t.clear()
}

func (t *Tracker) clear() error {
	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrap(err, "remove launch marker")
	}
	return nil
}
