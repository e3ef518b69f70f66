package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"guildlicense-bot/internal/license"
)

// Core is the part of the license manager the HTTP surface calls.
type Core interface {
	Activate(ctx context.Context, req license.ActivateRequest) (license.Activation, error)
	IsAuthorized(tenantID, channelID int64, now time.Time) bool
	Snapshot() *license.Snapshot
}

// AuthObserver records authorization results; metrics.Metrics implements it.
type AuthObserver interface {
	ObserveAuthorization(ok bool)
}

type API struct {
	core     Core
	log      *zap.Logger
	gatherer prometheus.Gatherer
	observer AuthObserver
	now      func() time.Time
}

func New(core Core, log *zap.Logger, gatherer prometheus.Gatherer, observer AuthObserver) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{core: core, log: log, gatherer: gatherer, observer: observer, now: time.Now}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/activate", a.handleActivate)
		r.Get("/authorized", a.handleAuthorized)
		r.Get("/licenses", a.handleLicenses)
	})
	return r
}

type activateReq struct {
	License   string `json:"license"`
	TenantID  int64  `json:"tenant_id"`
	ChannelID int64  `json:"channel_id"`
}

type ActivateResult struct {
	OK        bool       `json:"ok"`
	Reason    string     `json:"reason"`
	License   string     `json:"license,omitempty"`
	TenantID  int64      `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Exempt    bool       `json:"exempt,omitempty"`
	Renewed   bool       `json:"renewed,omitempty"`
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.TenantID == 0 {
		writeJSON(w, r, http.StatusBadRequest, ActivateResult{OK: false, Reason: "bad_request"})
		return
	}
	act, err := a.core.Activate(r.Context(), license.ActivateRequest{
		Key:       req.License,
		TenantID:  req.TenantID,
		ChannelID: req.ChannelID,
	})
	if err != nil && !committed(act) {
		status, reason := classify(err)
		if status == http.StatusServiceUnavailable {
			a.log.Error("activation failed", zap.Error(err), zap.Int64("tenant_id", req.TenantID))
		}
		writeJSON(w, r, status, ActivateResult{OK: false, Reason: reason})
		return
	}
	if err != nil {
		a.log.Warn("activation committed but cache refresh failed", zap.Error(err))
	}
	res := ActivateResult{OK: true, Reason: "ok", License: act.Key, TenantID: act.TenantID, Exempt: act.Exempt, Renewed: act.Renewed}
	if !act.ExpiresAt.IsZero() {
		exp := act.ExpiresAt
		res.ExpiresAt = &exp
	}
	writeJSON(w, r, http.StatusOK, res)
}

func committed(act license.Activation) bool {
	return act.TenantID != 0
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, license.ErrInvalidKey):
		return http.StatusForbidden, "invalid_key"
	case errors.Is(err, license.ErrKeyAlreadyBound):
		return http.StatusConflict, "key_already_bound"
	case errors.Is(err, license.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, license.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	return http.StatusInternalServerError, "server_error"
}

type authorizedResult struct {
	TenantID   int64      `json:"tenant_id"`
	ChannelID  int64      `json:"channel_id,omitempty"`
	Authorized bool       `json:"authorized"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func (a *API) handleAuthorized(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, map[string]string{"reason": "bad_tenant_id"})
		return
	}
	var channelID int64
	if raw := r.URL.Query().Get("channel_id"); raw != "" {
		if channelID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeJSON(w, r, http.StatusBadRequest, map[string]string{"reason": "bad_channel_id"})
			return
		}
	}
	now := a.now()
	ok := a.core.IsAuthorized(tenantID, channelID, now)
	if a.observer != nil {
		a.observer.ObserveAuthorization(ok)
	}
	res := authorizedResult{TenantID: tenantID, ChannelID: channelID, Authorized: ok}
	if lic, found := a.core.Snapshot().ValidBinding(tenantID, now); found && ok {
		res.ValidUntil = lic.ExpiresAt
	}
	writeJSON(w, r, http.StatusOK, res)
}

type snapshotView struct {
	TakenAt  time.Time     `json:"taken_at"`
	Licenses []licenseView `json:"licenses"`
	Tenants  []tenantView  `json:"tenants"`
}

type licenseView struct {
	Key       string     `json:"key"`
	TenantID  int64      `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Valid     bool       `json:"valid"`
}

type tenantView struct {
	ID     int64 `json:"id"`
	Exempt bool  `json:"exempt,omitempty"`
}

func (a *API) handleLicenses(w http.ResponseWriter, r *http.Request) {
	snap := a.core.Snapshot()
	now := a.now()
	view := snapshotView{TakenAt: snap.TakenAt(), Licenses: []licenseView{}, Tenants: []tenantView{}}
	for _, lic := range snap.Licenses() {
		view.Licenses = append(view.Licenses, licenseView{
			Key:       lic.Key,
			TenantID:  lic.TenantID,
			ExpiresAt: lic.ExpiresAt,
			Valid:     license.IsValid(&lic, now),
		})
	}
	for _, t := range snap.Tenants() {
		view.Tenants = append(view.Tenants, tenantView{ID: t.ID, Exempt: t.Exempt})
	}
	writeJSON(w, r, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}
