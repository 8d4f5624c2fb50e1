package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"maps"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

const assetColumns = `assets.id, assets.key, assets.url, assets.extra_request_headers, assets.type,
	assets.download_time, assets.relative_path, assets.hash, assets.expected_hash,
	assets.embedded_filename, assets.marked_for_deletion`

func scanAsset(s rowScanner, extra ...any) (*updates.Asset, error) {
	var (
		a            updates.Asset
		u, headers   sql.NullString
		expected     sql.NullString
		embedded     sql.NullString
		downloadTime int64
	)
	dest := append([]any{&a.ID, &a.Key, &u, &headers, &a.Type, &downloadTime, &a.RelativePath,
		&a.ContentHash, &expected, &embedded, &a.MarkedForDeletion}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	a.URL = u.String
	a.ExpectedHash = expected.String
	a.EmbeddedAssetFilename = embedded.String
	a.DownloadTime = fromMillis(downloadTime)
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &a.ExtraRequestHeaders); err != nil {
			return nil, xerrors.Wrapf(err, "decode extra request headers for asset %s", a.Key)
		}
	}
	return &a, nil
}

func encodeHeaders(h map[string]string) (sql.NullString, error) {
	if len(h) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (q *Queries) queryAssets(ctx context.Context, launchFlag bool, query string, args ...any) ([]*updates.Asset, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(err, "select assets")
	}
	defer rows.Close()

	var out []*updates.Asset
	for rows.Next() {
		var (
			a   *updates.Asset
			err error
		)
		if launchFlag {
			var isLaunch bool
			a, err = scanAsset(rows, &isLaunch)
			if a != nil {
				a.IsLaunchAsset = isLaunch
			}
		} else {
			a, err = scanAsset(rows)
		}
		if err != nil {
			return nil, xerrors.Wrap(err, "scan asset")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate assets")
	}
	return out, nil
}

// AssetByKey returns ErrNotFound when no row has the key.
func (q *Queries) AssetByKey(ctx context.Context, key string) (*updates.Asset, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE key = ? LIMIT 1`, key)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "select asset %s", key)
	}
	return a, nil
}

func (q *Queries) AllAssets(ctx context.Context) ([]*updates.Asset, error) {
	return q.queryAssets(ctx, false, `SELECT `+assetColumns+` FROM assets ORDER BY id`)
}

// AssetsForUpdate returns the assets joined to the update, with the launch
// asset flagged.
func (q *Queries) AssetsForUpdate(ctx context.Context, id uuid.UUID) ([]*updates.Asset, error) {
	return q.queryAssets(ctx, true, `SELECT `+assetColumns+`, COALESCE(assets.id = updates.launch_asset_id, 0)
		FROM assets
		INNER JOIN updates_assets ON updates_assets.asset_id = assets.id
		INNER JOIN updates ON updates_assets.update_id = updates.id
		WHERE updates.id = ?
		ORDER BY assets.id`, id.String())
}

// AddNewAssets inserts freshly materialized assets and joins them to the
// update. An existing row with the same key is refreshed in place so its id
// and other joins survive. Run it inside a transaction.
func (q *Queries) AddNewAssets(ctx context.Context, updateID uuid.UUID, assets []*updates.Asset) error {
	for _, a := range assets {
		headers, err := encodeHeaders(a.ExtraRequestHeaders)
		if err != nil {
			return xerrors.Wrapf(err, "encode headers for asset %s", a.Key)
		}
		if a.DownloadTime.IsZero() {
			a.DownloadTime = q.now().UTC()
		}
		if _, err := q.db.ExecContext(ctx, `INSERT INTO assets
			(key, url, extra_request_headers, type, download_time, relative_path, hash, hash_type,
			 expected_hash, embedded_filename, marked_for_deletion)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'sha256', ?, ?, 0)
			ON CONFLICT(key) DO UPDATE SET
				url = excluded.url,
				extra_request_headers = excluded.extra_request_headers,
				type = excluded.type,
				download_time = excluded.download_time,
				relative_path = excluded.relative_path,
				hash = excluded.hash,
				expected_hash = excluded.expected_hash,
				embedded_filename = excluded.embedded_filename,
				marked_for_deletion = 0`,
			a.Key, nullString(a.URL), headers, a.Type, millis(a.DownloadTime), a.RelativePath,
			a.ContentHash, nullString(a.ExpectedHash), nullString(a.EmbeddedAssetFilename)); err != nil {
			return xerrors.Wrapf(err, "insert asset %s", a.Key)
		}
		if err := q.db.QueryRowContext(ctx, `SELECT id FROM assets WHERE key = ?`, a.Key).Scan(&a.ID); err != nil {
			return xerrors.Wrapf(err, "select id of asset %s", a.Key)
		}
		if err := q.joinAsset(ctx, updateID, a); err != nil {
			return err
		}
	}
	return nil
}

// AddExistingAsset joins an already stored asset (looked up by key) to the
// update. It reports false when no row has the key.
func (q *Queries) AddExistingAsset(ctx context.Context, a *updates.Asset, updateID uuid.UUID) (bool, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, `SELECT id FROM assets WHERE key = ? LIMIT 1`, a.Key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrapf(err, "select asset %s", a.Key)
	}
	a.ID = id
	if err := q.joinAsset(ctx, updateID, a); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queries) joinAsset(ctx context.Context, updateID uuid.UUID, a *updates.Asset) error {
	if _, err := q.db.ExecContext(ctx, `INSERT OR REPLACE INTO updates_assets (update_id, asset_id) VALUES (?, ?)`,
		updateID.String(), a.ID); err != nil {
		return xerrors.Wrapf(err, "join asset %s to update %s", a.Key, updateID)
	}
	if a.IsLaunchAsset {
		if _, err := q.db.ExecContext(ctx, `UPDATE updates SET launch_asset_id = ? WHERE id = ?`,
			a.ID, updateID.String()); err != nil {
			return xerrors.Wrapf(err, "set launch asset of update %s", updateID)
		}
	}
	return nil
}

// UpdateAsset rewrites the mutable columns of the row with a's key.
func (q *Queries) UpdateAsset(ctx context.Context, a *updates.Asset) error {
	headers, err := encodeHeaders(a.ExtraRequestHeaders)
	if err != nil {
		return xerrors.Wrapf(err, "encode headers for asset %s", a.Key)
	}
	return q.exec(ctx, "update asset", `UPDATE assets SET url = ?, extra_request_headers = ?, type = ?,
		download_time = ?, relative_path = ?, hash = ?, expected_hash = ? WHERE key = ?`,
		nullString(a.URL), headers, a.Type, millis(a.DownloadTime), a.RelativePath, a.ContentHash,
		nullString(a.ExpectedHash), a.Key)
}

// MergeAsset reconciles a manifest asset with the stored row of the same
// key. A new URL or header set from the manifest is written back; the
// stored file location and hashes win.
func (q *Queries) MergeAsset(ctx context.Context, a, existing *updates.Asset) error {
	changed := false
	if a.URL != "" && a.URL != existing.URL {
		existing.URL = a.URL
		changed = true
	}
	if len(a.ExtraRequestHeaders) > 0 && !maps.Equal(a.ExtraRequestHeaders, existing.ExtraRequestHeaders) {
		existing.ExtraRequestHeaders = a.ExtraRequestHeaders
		changed = true
	}
	if changed {
		if err := q.UpdateAsset(ctx, existing); err != nil {
			return err
		}
	}
	a.ID = existing.ID
	a.RelativePath = existing.RelativePath
	a.ContentHash = existing.ContentHash
	if existing.ExpectedHash != "" {
		a.ExpectedHash = existing.ExpectedHash
	}
	a.DownloadTime = existing.DownloadTime
	return nil
}

// MarkMissingAssets demotes every update referencing one of the assets back
// to pending so the next load re-fetches them.
func (q *Queries) MarkMissingAssets(ctx context.Context, assets []*updates.Asset) error {
	for _, a := range assets {
		if err := q.exec(ctx, "mark missing asset", `UPDATE updates SET status = ?
			WHERE id IN (SELECT DISTINCT update_id FROM updates_assets WHERE asset_id = ?)`,
			string(updates.StatusPending), a.ID); err != nil {
			return err
		}
	}
	return nil
}

// deleteUnusedAssets is the mark-and-sweep body of Database.DeleteUnusedAssets.
func (q *Queries) deleteUnusedAssets(ctx context.Context) ([]*updates.Asset, error) {
	steps := []struct{ op, query string }{
		{"mark all assets", `UPDATE assets SET marked_for_deletion = 1`},
		{"unmark kept assets", `UPDATE assets SET marked_for_deletion = 0 WHERE id IN (
			SELECT asset_id FROM updates_assets
			INNER JOIN updates ON updates_assets.update_id = updates.id
			WHERE updates.keep = 1)`},
		// rows sharing a file with a kept row must not take the file with them
		{"unmark shared files", `UPDATE assets SET marked_for_deletion = 0 WHERE relative_path IN (
			SELECT relative_path FROM assets WHERE marked_for_deletion = 0)`},
	}
	for _, s := range steps {
		if err := q.exec(ctx, s.op, s.query); err != nil {
			return nil, err
		}
	}

	deleted, err := q.queryAssets(ctx, false, `SELECT `+assetColumns+` FROM assets WHERE marked_for_deletion = 1`)
	if err != nil {
		return nil, err
	}
	if err := q.exec(ctx, "delete unused assets", `DELETE FROM assets WHERE marked_for_deletion = 1`); err != nil {
		return nil, err
	}
	return deleted, nil
}
