package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// json_data keys.
const (
	keyServerDefinedHeaders = "serverDefinedHeaders"
	keyManifestFilters      = "manifestFilters"
	keyExtraParams          = "extraParams"
)

func (q *Queries) jsonData(ctx context.Context, key, scopeKey string) (map[string]string, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM json_data WHERE key = ? AND scope_key = ?
		ORDER BY last_updated DESC, id DESC LIMIT 1`, key, scopeKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "select %s", key)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, xerrors.Wrapf(err, "decode %s", key)
	}
	return out, nil
}

func (q *Queries) setJSONData(ctx context.Context, key, scopeKey string, data map[string]string) error {
	b, err := json.Marshal(data)
	if err != nil {
		return xerrors.Wrapf(err, "encode %s", key)
	}
	if err := q.exec(ctx, "clear "+key, `DELETE FROM json_data WHERE key = ? AND scope_key = ?`, key, scopeKey); err != nil {
		return err
	}
	return q.exec(ctx, "store "+key, `INSERT INTO json_data (key, value, last_updated, scope_key) VALUES (?, ?, ?, ?)`,
		key, string(b), millis(q.now()), scopeKey)
}

func (q *Queries) ServerDefinedHeaders(ctx context.Context, scopeKey string) (map[string]string, error) {
	return q.jsonData(ctx, keyServerDefinedHeaders, scopeKey)
}

func (q *Queries) ManifestFilters(ctx context.Context, scopeKey string) (updates.ManifestFilters, error) {
	m, err := q.jsonData(ctx, keyManifestFilters, scopeKey)
	if m == nil || err != nil {
		return nil, err
	}
	return updates.ManifestFilters(m), nil
}

func (q *Queries) ExtraParams(ctx context.Context, scopeKey string) (map[string]string, error) {
	return q.jsonData(ctx, keyExtraParams, scopeKey)
}

// SetExtraParam stores one client extra param; an empty value removes it.
func (q *Queries) SetExtraParam(ctx context.Context, scopeKey, key, value string) error {
	params, err := q.ExtraParams(ctx, scopeKey)
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]string{}
	}
	if value == "" {
		delete(params, key)
	} else {
		params[key] = value
	}
	return q.setJSONData(ctx, keyExtraParams, scopeKey, params)
}

// SetMetadata persists the server-defined headers and manifest filters a
// response carried. Absent values leave the stored ones untouched. Run it
// inside a transaction.
func (q *Queries) SetMetadata(ctx context.Context, scopeKey string, h updates.ResponseHeaderData) error {
	if h.ServerDefinedHeaders != nil {
		if err := q.setJSONData(ctx, keyServerDefinedHeaders, scopeKey, h.ServerDefinedHeaders); err != nil {
			return err
		}
	}
	if h.ManifestFilters != nil {
		if err := q.setJSONData(ctx, keyManifestFilters, scopeKey, h.ManifestFilters); err != nil {
			return err
		}
	}
	return nil
}
