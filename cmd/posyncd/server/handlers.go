// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mobiletoly/go-posync/cachestore"
	"github.com/mobiletoly/go-posync/netmon"
	"github.com/mobiletoly/go-posync/offline"
	"github.com/mobiletoly/go-posync/orderqueue"
	"github.com/mobiletoly/go-posync/posapi"
)

type handlers struct {
	svc      *offline.Service
	platform *netmon.ManualPlatform
	monitor  *netmon.Monitor
	logger   *slog.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, code string, err error) {
	h.writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SyncNow(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "sync_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	var order orderqueue.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.svc.PlaceOrder(r.Context(), order)
	switch {
	case errors.Is(err, orderqueue.ErrInvalidOrder):
		h.writeError(w, http.StatusBadRequest, "invalid_order", err)
	case errors.Is(err, posapi.ErrRemoteRejected):
		h.writeError(w, http.StatusUnprocessableEntity, "rejected", err)
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "place_failed", err)
	case res.SavedOffline:
		h.writeJSON(w, http.StatusAccepted, res)
	case res.Response != nil && !res.Response.Success:
		h.writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		h.writeJSON(w, http.StatusCreated, res)
	}
}

func (h *handlers) pending(w http.ResponseWriter, r *http.Request) {
	var (
		orders []orderqueue.PendingOrder
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		orders, err = h.svc.Queue().ListByStatus(r.Context(), orderqueue.SyncStatus(status))
	} else {
		orders, err = h.svc.Queue().List(r.Context())
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", err)
		return
	}
	if orders == nil {
		orders = []orderqueue.PendingOrder{}
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *handlers) requeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", err)
		return
	}
	err = h.svc.Queue().Requeue(r.Context(), id)
	switch {
	case errors.Is(err, orderqueue.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, orderqueue.ErrInvalidOrder):
		h.writeError(w, http.StatusConflict, "not_requeueable", err)
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "requeue_failed", err)
	default:
		h.svc.Reconciler().RefreshPendingCount(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (h *handlers) products(w http.ResponseWriter, r *http.Request) {
	scope, err := queryInt(r, "scope", h.svc.Scope())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_scope", err)
		return
	}
	out := h.svc.Products(r.Context(), scope)
	if out == nil {
		out = []cachestore.CachedProduct{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		res offline.DownloadResult
		err error
	)
	switch kind := mux.Vars(r)["kind"]; kind {
	case offline.KindProducts:
		customerID, perr := queryInt(r, "customer_id", 0)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_customer_id", perr)
			return
		}
		scope, perr := queryInt(r, "scope", cachestore.GlobalScope)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_scope", perr)
			return
		}
		res, err = h.svc.DownloadAllProducts(ctx, customerID, scope)
	case offline.KindCustomers:
		res, err = h.svc.DownloadAllCustomers(ctx)
	case offline.KindOrders:
		res, err = h.svc.DownloadRecentOrders(ctx)
	case offline.KindCategories:
		res, err = h.svc.DownloadCategories(ctx)
	default:
		h.writeError(w, http.StatusNotFound, "unknown_kind", errors.New("unknown download kind "+kind))
		return
	}

	switch {
	case errors.Is(err, offline.ErrOffline):
		h.writeError(w, http.StatusServiceUnavailable, "offline", err)
	case errors.Is(err, offline.ErrDownloadInProgress):
		h.writeError(w, http.StatusConflict, "busy", err)
	case err != nil:
		h.writeError(w, http.StatusBadGateway, "download_failed", err)
	default:
		h.writeJSON(w, http.StatusOK, res)
	}
}

func (h *handlers) clearCache(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// connectivity accepts online/offline hints from the host, or forces a
// probe when the body is empty.
func (h *handlers) connectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	var online bool
	if req.Online != nil {
		h.platform.Notify(*req.Online)
		online = h.monitor.IsOnline()
	} else {
		online = h.monitor.Check(r.Context())
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"online": online})
}
