package main

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/OneDrip-App/access_gate/internal/access"
	"github.com/OneDrip-App/access_gate/internal/httputil"
)

func (a *app) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 50)
	if perPage > 200 {
		perPage = 200
	}

	users, err := a.admin.ListUsers(r.Context(), page, perPage)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"users":    users,
		"page":     page,
		"per_page": perPage,
	})
}

func (a *app) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		httputil.BadRequest(w, "invalid user id")
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.Role != access.RoleUser && req.Role != access.RoleAdmin {
		httputil.BadRequest(w, "role must be user or admin")
		return
	}

	if err := a.admin.UpdateUserRole(r.Context(), id, req.Role); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	// Drop the cached record so the next request sees the new role.
	a.sessions.Evict(id)

	a.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"target_user": id,
		"new_role":    req.Role,
	}).Info("User role updated")

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"id":   id,
		"role": req.Role,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
