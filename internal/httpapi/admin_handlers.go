package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"prjevent.org/internal/auth"
)

type assignGroupRequest struct {
	Group string `json:"group"`
}

type assignGroupResponse struct {
	IdentityID int64  `json:"identity_id"`
	Group      string `json:"group"`
}

// handleIdentityGroups serves POST /v1/admin/identities/{id}/groups.
func (a *API) handleIdentityGroups(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/identities/")
	idPart, tail, ok := strings.Cut(rest, "/")
	if !ok || strings.Trim(tail, "/") != "groups" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identityID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || identityID <= 0 {
		writeError(w, r, http.StatusBadRequest, "identity id must be a positive integer")
		return
	}

	var req assignGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	group := strings.TrimSpace(req.Group)
	if group == "" {
		writeError(w, r, http.StatusBadRequest, "group is required")
		return
	}

	actor, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	if err := a.assigner.AssignGroup(r.Context(), identityID, group, actor.ID); err != nil {
		handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignGroupResponse{IdentityID: identityID, Group: group})
}

func handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrIdentityNotFound):
		writeError(w, r, http.StatusNotFound, "identity not found")
	case errors.Is(err, auth.ErrGroupNotFound):
		writeError(w, r, http.StatusNotFound, "group not found")
	case errors.Is(err, auth.ErrAlreadyAssigned):
		writeError(w, r, http.StatusConflict, "group already assigned")
	default:
		handleAuthError(w, r, err)
	}
}
