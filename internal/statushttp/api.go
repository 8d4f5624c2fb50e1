package statushttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/launcher"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// Store is the read side of the update database. *db.Database implements it.
type Store interface {
	AllUpdates(ctx context.Context) ([]*updates.Update, error)
	UpdateByID(ctx context.Context, id uuid.UUID) (*updates.Update, error)
	AssetsForUpdate(ctx context.Context, id uuid.UUID) ([]*updates.Asset, error)
}

// LaunchReporter takes the host's verdict on the running update.
// *launcher.Tracker implements it.
type LaunchReporter interface {
	Succeeded(ctx context.Context, id uuid.UUID) error
	Failed(ctx context.Context, id uuid.UUID) error
}

// API serves the launch status and the stored updates
type API struct {
	state    *State
	store    Store
	cfg      *updates.Config
	logger   log.Logger
	reporter LaunchReporter
}

func NewAPI(state *State, store Store, cfg *updates.Config, logger log.Logger) *API {
	return &API{
		state:  state,
		store:  store,
		cfg:    cfg,
		logger: log.OrNop(logger),
	}
}

// WithLaunchReporter enables the launch outcome endpoints.
func (api *API) WithLaunchReporter(r LaunchReporter) *API {
	api.reporter = r
	return api
}

// RegisterRoutes attaches the status endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/api/status", api.HandleStatus)
	r.Get("/api/updates", api.HandleUpdates)
	r.Get("/api/updates/{id}", api.HandleUpdate)
	if api.reporter != nil {
		r.Post("/api/launch/succeeded", api.handleOutcome(api.reporter.Succeeded))
		r.Post("/api/launch/failed", api.handleOutcome(api.reporter.Failed))
	}
}

const maxOutcomeBody = 4 << 10

// handleOutcome reports a launch outcome for the update named in the body.
// It is 409 when that update is not the one awaiting a verdict.
func (api *API) handleOutcome(record func(context.Context, uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req LaunchOutcomeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOutcomeBody)).Decode(&req); err != nil {
			api.writeError(ctx, w, http.StatusBadRequest, "body must be a JSON object with update_id")
			return
		}
		id, err := uuid.Parse(req.UpdateID)
		if err != nil {
			api.writeError(ctx, w, http.StatusBadRequest, "update_id must be a uuid")
			return
		}
		err = record(ctx, id)
		if errors.Is(err, launcher.ErrNoPendingLaunch) {
			api.writeError(ctx, w, http.StatusConflict, "update has no pending launch")
			return
		}
		if err != nil {
			api.logger.Error(ctx, err, "record launch outcome", "update_id", id, "path", r.URL.Path)
			api.writeError(ctx, w, http.StatusInternalServerError, "could not record launch outcome")
			return
		}
		api.logger.Info(ctx, "launch outcome reported", "update_id", id, "path", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleStatus is 503 until something has launched.
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	launched, background := api.state.snapshot()

	resp := StatusResponse{
		Launched:       launched,
		Background:     background,
		RuntimeVersion: api.cfg.RuntimeVersion,
		ScopeKey:       api.cfg.ScopeKey,
		ServerTime:     time.Now().UTC().Truncate(time.Second),
	}
	if launched == nil {
		resp.Error = "nothing launched yet"
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, resp)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) HandleUpdates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := api.store.AllUpdates(ctx)
	if err != nil {
		api.logger.Error(ctx, err, "list updates")
		api.writeError(ctx, w, http.StatusInternalServerError, "could not list updates")
		return
	}
	out := make([]UpdateSummary, 0, len(all))
	for _, u := range all {
		out = append(out, summarize(u))
	}
	api.writeJSON(ctx, w, http.StatusOK, out)
}

func (api *API) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	u, err := api.store.UpdateByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, "update not found")
		return
	}
	if err != nil {
		api.logger.Error(ctx, err, "get update", "update_id", id)
		api.writeError(ctx, w, http.StatusInternalServerError, "could not read update")
		return
	}
	assets, err := api.store.AssetsForUpdate(ctx, id)
	if err != nil {
		api.logger.Error(ctx, err, "get update assets", "update_id", id)
		api.writeError(ctx, w, http.StatusInternalServerError, "could not read update assets")
		return
	}

	resp := UpdateDetail{
		UpdateSummary: summarize(u),
		Metadata:      u.Metadata(),
		Assets:        make([]AssetSummary, 0, len(assets)),
	}
	for _, a := range assets {
		resp.Assets = append(resp.Assets, AssetSummary{
			Key:           a.Key,
			Type:          a.Type,
			Hash:          a.ContentHash,
			RelativePath:  a.RelativePath,
			IsLaunchAsset: a.IsLaunchAsset,
			Embedded:      a.EmbeddedAssetFilename != "",
		})
	}
	api.logger.Debug(ctx, "served update detail", "update_id", id, "assets", len(assets))
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func summarize(u *updates.Update) UpdateSummary {
	return UpdateSummary{
		ID:                    u.ID.String(),
		ScopeKey:              u.ScopeKey,
		CommitTime:            u.CommitTime.UTC(),
		RuntimeVersion:        u.RuntimeVersion,
		Status:                string(u.Status),
		Verified:              u.IsVerified,
		Keep:                  u.Keep,
		LastAccessed:          u.LastAccessed.UTC(),
		SuccessfulLaunchCount: u.SuccessfulLaunchCount,
		FailedLaunchCount:     u.FailedLaunchCount,
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, map[string]string{"error": msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
