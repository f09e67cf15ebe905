package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/erauner12/memory-api/internal/store"
)

type createConversationReq struct {
	Title    string          `json:"title"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	conv, err := s.Store.CreateConversation(r.Context(), principal(r), store.CreateParams{
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	conv, err := s.Store.GetConversation(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := store.ListMode(q.Get("mode"))
	switch mode {
	case "":
		mode = store.ListAll
	case store.ListAll, store.ListRoots, store.ListLatestFork:
	default:
		writeError(w, r, &store.InvalidError{Field: "mode", Reason: "must be all, roots or latest-fork"})
		return
	}
	var after *uuid.UUID
	if raw := q.Get("after"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, &store.InvalidError{Field: "after", Reason: "not a uuid"})
			return
		}
		after = &id
	}
	limit := parseLimit(q.Get("limit"), 50, 200)

	summaries, err := s.Store.ListConversations(r.Context(), principal(r), q.Get("q"), after, limit, mode)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Flag conversations with a response currently being recorded somewhere
	// in the cluster. Best effort: a registry outage leaves the flags unset.
	if s.Resumer != nil && s.Resumer.Enabled(r.Context()) && len(summaries) > 0 {
		ids := make([]uuid.UUID, len(summaries))
		for i, c := range summaries {
			ids[i] = c.ID
		}
		if pending, err := s.Resumer.Check(r.Context(), ids); err == nil {
			for _, c := range summaries {
				c.ResponsePending = pending[c.ID]
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	if err := s.Store.DeleteConversation(r.Context(), principal(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type forkReq struct {
	EntryID uuid.UUID `json:"entryId"`
	Title   string    `json:"title,omitempty"`
}

func (s *Server) ForkConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	var req forkReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	if req.EntryID == uuid.Nil {
		writeError(w, r, &store.InvalidError{Field: "entryId", Reason: "required"})
		return
	}
	fork, err := s.Store.ForkConversationAtEntry(r.Context(), principal(r), id, req.EntryID, req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fork)
}

func (s *Server) ListForks(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	forks, err := s.Store.ListForks(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forks": forks})
}

// RestoreGroup is the admin undo for a soft delete. Memberships are not
// restored.
func (s *Server) RestoreGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := parseIDParam(r, "groupId")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "groupId", Reason: "not a uuid"})
		return
	}
	if err := s.Store.RestoreConversationGroup(r.Context(), groupID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
