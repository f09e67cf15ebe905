package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/memory-api/internal/store"
)

type createTransferReq struct {
	ToUserID string `json:"toUserId"`
}

func (s *Server) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	var req createTransferReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	if req.ToUserID == "" {
		writeError(w, r, &store.InvalidError{Field: "toUserId", Reason: "required"})
		return
	}
	t, err := s.Store.CreateTransfer(r.Context(), principal(r), id, req.ToUserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) ListTransfers(w http.ResponseWriter, r *http.Request) {
	role := store.TransferRole(r.URL.Query().Get("role"))
	if role == "" {
		role = store.TransferRoleAll
	}
	transfers, err := s.Store.ListPendingTransfers(r.Context(), principal(r), role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}

func (s *Server) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	t, err := s.Store.GetTransfer(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	if err := s.Store.AcceptTransfer(r.Context(), principal(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) DeleteTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	if err := s.Store.DeleteTransfer(r.Context(), principal(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
