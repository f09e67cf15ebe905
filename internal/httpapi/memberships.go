package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/erauner12/memory-api/internal/store"
)

func (s *Server) ListMemberships(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	members, err := s.Store.ListMembershipsFor(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberships": members})
}

type shareReq struct {
	UserID      string `json:"userId"`
	AccessLevel string `json:"accessLevel"`
}

func (s *Server) Share(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	var req shareReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	if req.UserID == "" {
		writeError(w, r, &store.InvalidError{Field: "userId", Reason: "required"})
		return
	}
	level := store.ParseAccessLevel(req.AccessLevel)
	if level == 0 {
		writeError(w, r, &store.InvalidError{Field: "accessLevel", Reason: "unknown access level " + req.AccessLevel})
		return
	}
	m, err := s.Store.Share(r.Context(), principal(r), id, req.UserID, level)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type updateMembershipReq struct {
	AccessLevel string `json:"accessLevel"`
}

func (s *Server) UpdateMembership(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	userID := chi.URLParam(r, "userId")
	var req updateMembershipReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	level := store.ParseAccessLevel(req.AccessLevel)
	if level == 0 {
		writeError(w, r, &store.InvalidError{Field: "accessLevel", Reason: "unknown access level " + req.AccessLevel})
		return
	}
	m, err := s.Store.UpdateMembership(r.Context(), principal(r), id, userID, level)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) DeleteMembership(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	userID := chi.URLParam(r, "userId")
	if err := s.Store.DeleteMembership(r.Context(), principal(r), id, userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
