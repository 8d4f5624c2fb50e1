package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// recentFailedLimit caps Expo-Recent-Failed-Update-IDs.
const recentFailedLimit = 5

const updateColumns = `updates.id, updates.scope_key, updates.commit_time, updates.runtime_version,
	updates.launch_asset_id, updates.manifest, updates.status, updates.keep, updates.last_accessed,
	updates.successful_launch_count, updates.failed_launch_count, updates.is_verified`

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func scanUpdate(s rowScanner) (*updates.Update, error) {
	var (
		u            updates.Update
		id           string
		commitTime   int64
		launchAsset  sql.NullInt64
		manifest     sql.NullString
		status       string
		lastAccessed int64
	)
	if err := s.Scan(&id, &u.ScopeKey, &commitTime, &u.RuntimeVersion, &launchAsset, &manifest,
		&status, &u.Keep, &lastAccessed, &u.SuccessfulLaunchCount, &u.FailedLaunchCount, &u.IsVerified); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, xerrors.Wrapf(err, "update row has malformed id %q", id)
	}
	u.ID = parsed
	u.CommitTime = fromMillis(commitTime)
	u.LaunchAssetID = launchAsset.Int64
	if manifest.Valid {
		u.Manifest = []byte(manifest.String)
	}
	u.Status = updates.Status(status)
	u.IsDevelopmentMode = u.Status == updates.StatusDevelopment
	u.LastAccessed = fromMillis(lastAccessed)
	return &u, nil
}

func (q *Queries) queryUpdates(ctx context.Context, query string, args ...any) ([]*updates.Update, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(err, "select updates")
	}
	defer rows.Close()

	var out []*updates.Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, xerrors.Wrap(err, "scan update")
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate updates")
	}
	return out, nil
}

// AddUpdate inserts u. A zero LastAccessed is stamped with the current time.
func (q *Queries) AddUpdate(ctx context.Context, u *updates.Update) error {
	if u.LastAccessed.IsZero() {
		u.LastAccessed = q.now().UTC()
	}
	var launchAsset sql.NullInt64
	if u.LaunchAssetID != 0 {
		launchAsset = sql.NullInt64{Int64: u.LaunchAssetID, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO updates
		(id, scope_key, commit_time, runtime_version, launch_asset_id, manifest, status, keep,
		 last_accessed, successful_launch_count, failed_launch_count, is_verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.ScopeKey, millis(u.CommitTime), u.RuntimeVersion, launchAsset, string(u.Manifest),
		string(u.Status), u.Keep, millis(u.LastAccessed), u.SuccessfulLaunchCount, u.FailedLaunchCount, u.IsVerified)
	if err != nil {
		return xerrors.Wrapf(err, "insert update %s", u.ID)
	}
	return nil
}

// UpdateByID returns ErrNotFound when no row has the id.
func (q *Queries) UpdateByID(ctx context.Context, id uuid.UUID) (*updates.Update, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE id = ?`, id.String())
	u, err := scanUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "select update %s", id)
	}
	return u, nil
}

func (q *Queries) AllUpdates(ctx context.Context) ([]*updates.Update, error) {
	return q.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates ORDER BY commit_time DESC`)
}

// LaunchableUpdates lists the updates for scopeKey the selection policy may
// pick from: ready or development, and not known to crash without ever
// having launched successfully.
func (q *Queries) LaunchableUpdates(ctx context.Context, scopeKey string) ([]*updates.Update, error) {
	return q.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates
		WHERE scope_key = ?
		  AND (successful_launch_count > 0 OR failed_launch_count < 1)
		  AND status IN (?, ?)
		ORDER BY commit_time DESC`,
		scopeKey, string(updates.StatusReady), string(updates.StatusDevelopment))
}

// RecentlyFailedUpdateIDs returns the newest updates that failed to launch.
func (q *Queries) RecentlyFailedUpdateIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM updates WHERE failed_launch_count > 0
		ORDER BY commit_time DESC LIMIT ?`, recentFailedLimit)
	if err != nil {
		return nil, xerrors.Wrap(err, "select failed updates")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, xerrors.Wrap(err, "scan failed update id")
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *Queries) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(err, op)
	}
	return nil
}

// SetScopeKey overwrites the stored scope key, recovering from a server that
// reused an id under a different scope.
func (q *Queries) SetScopeKey(ctx context.Context, id uuid.UUID, scopeKey string) error {
	return q.exec(ctx, "set scope key", `UPDATE updates SET scope_key = ? WHERE id = ?`, scopeKey, id.String())
}

func (q *Queries) SetCommitTime(ctx context.Context, id uuid.UUID, t time.Time) error {
	return q.exec(ctx, "set commit time", `UPDATE updates SET commit_time = ? WHERE id = ?`, millis(t), id.String())
}

// MarkUpdateFinished moves u to ready (development stays development) and
// flags it to be kept by the reaper.
func (q *Queries) MarkUpdateFinished(ctx context.Context, u *updates.Update) error {
	if u.Status != updates.StatusDevelopment {
		u.Status = updates.StatusReady
	}
	u.Keep = true
	return q.exec(ctx, "mark update finished", `UPDATE updates SET status = ?, keep = 1 WHERE id = ?`,
		string(u.Status), u.ID.String())
}

func (q *Queries) MarkUpdateAccessed(ctx context.Context, id uuid.UUID) error {
	return q.exec(ctx, "mark update accessed", `UPDATE updates SET last_accessed = ? WHERE id = ?`,
		millis(q.now()), id.String())
}

func (q *Queries) IncrementSuccessfulLaunchCount(ctx context.Context, id uuid.UUID) error {
	return q.exec(ctx, "increment successful launch count",
		`UPDATE updates SET successful_launch_count = successful_launch_count + 1 WHERE id = ?`, id.String())
}

func (q *Queries) IncrementFailedLaunchCount(ctx context.Context, id uuid.UUID) error {
	return q.exec(ctx, "increment failed launch count",
		`UPDATE updates SET failed_launch_count = failed_launch_count + 1 WHERE id = ?`, id.String())
}

// DeleteUpdates removes the rows and, by cascade, their asset joins.
func (q *Queries) DeleteUpdates(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	return q.exec(ctx, "delete updates", `DELETE FROM updates WHERE id IN (`+placeholders+`)`, args...)
}
