package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/erauner12/memory-api/internal/store"
)

// parseEntriesQuery builds the store query from URL parameters. epoch accepts
// "latest", "all" or an epoch number and only applies to the MEMORY channel.
func parseEntriesQuery(r *http.Request) (store.EntriesQuery, error) {
	q := r.URL.Query()
	out := store.EntriesQuery{
		Limit:    parseLimit(q.Get("limit"), 100, 500),
		ClientID: q.Get("clientId"),
		AllForks: q.Get("allForks") == "true",
	}
	if raw := q.Get("after"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return out, &store.InvalidError{Field: "after", Reason: "not a uuid"}
		}
		out.After = &id
	}
	if raw := q.Get("channel"); raw != "" {
		ch := store.Channel(raw)
		if ch != store.ChannelHistory && ch != store.ChannelMemory {
			return out, &store.InvalidError{Field: "channel", Reason: "must be HISTORY or MEMORY"}
		}
		out.Channel = &ch
	}
	if raw := q.Get("epoch"); raw != "" {
		switch raw {
		case "latest":
			out.Epoch = &store.EpochFilter{Mode: store.EpochLatest}
		case "all":
			out.Epoch = &store.EpochFilter{Mode: store.EpochAll}
		default:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 1 {
				return out, &store.InvalidError{Field: "epoch", Reason: "must be latest, all or a positive number"}
			}
			out.Epoch = &store.EpochFilter{Mode: store.EpochExact, N: n}
		}
	}
	return out, nil
}

func (s *Server) GetEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	q, err := parseEntriesQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.Store.GetEntries(r.Context(), principal(r), id, q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type appendEntryReq struct {
	ContentType string            `json:"contentType"`
	Content     []json.RawMessage `json:"content"`
}

func (s *Server) AppendUserEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	var req appendEntryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	entry, err := s.Store.AppendUserEntry(r.Context(), principal(r), id, store.NewEntry{
		Channel:     store.ChannelHistory,
		ContentType: req.ContentType,
		Blocks:      req.Content,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type agentEntryReq struct {
	Channel     store.Channel     `json:"channel"`
	ContentType string            `json:"contentType"`
	Content     []json.RawMessage `json:"content"`
}

type appendAgentReq struct {
	Entries  []agentEntryReq `json:"entries"`
	ClientID string          `json:"clientId,omitempty"`
	Epoch    *int64          `json:"epoch,omitempty"`
}

// clientIDFor resolves the agent client id: the authenticated principal wins,
// an explicit body field covers user-token callers acting for a client.
func clientIDFor(p store.Principal, bodyClientID string) string {
	if p.ClientID != "" {
		return p.ClientID
	}
	return bodyClientID
}

func (s *Server) AppendAgentEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	var req appendAgentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	p := principal(r)
	batch := make([]store.NewEntry, len(req.Entries))
	for i, e := range req.Entries {
		batch[i] = store.NewEntry{Channel: e.Channel, ContentType: e.ContentType, Blocks: e.Content}
	}
	entries, err := s.Store.AppendAgentEntries(r.Context(), p, id, batch, clientIDFor(p, req.ClientID), req.Epoch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entries": entries})
}

type syncMemoryReq struct {
	ContentType string            `json:"contentType"`
	Content     []json.RawMessage `json:"content"`
	ClientID    string            `json:"clientId,omitempty"`
}

func (s *Server) SyncAgentEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	var req syncMemoryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	p := principal(r)
	res, err := s.Store.SyncAgentEntry(r.Context(), p, id, store.NewEntry{
		Channel:     store.ChannelMemory,
		ContentType: req.ContentType,
		Blocks:      req.Content,
	}, clientIDFor(p, req.ClientID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type indexEntriesReq struct {
	Entries []store.IndexRequest `json:"entries"`
}

func (s *Server) IndexEntries(w http.ResponseWriter, r *http.Request) {
	var req indexEntriesReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &store.InvalidError{Field: "body", Reason: "malformed json"})
		return
	}
	if err := s.Store.IndexEntries(r.Context(), req.Entries); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListUnindexedEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 100, 1000)
	entries, next, err := s.Store.ListUnindexedEntries(r.Context(), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"entries": entries}
	if next != "" {
		resp["nextCursor"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}
