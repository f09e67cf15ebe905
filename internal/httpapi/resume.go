package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/memory-api/internal/store"
)

// RecordResponse records a model response for the conversation: the request
// body is consumed as a token stream and spilled to disk so any node can
// replay it. The recording completes when the body ends or cancellation is
// requested.
func (s *Server) RecordResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	if s.Resumer == nil {
		writeError(w, r, &store.InvalidError{Field: "resumer", Reason: "response resuming is disabled"})
		return
	}
	ctx := r.Context()
	rec, err := s.Resumer.NewRecorder(ctx, id, s.NodeAddr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rec.Complete(ctx)

	cancelled := s.Resumer.CancelStream(ctx, id)
	buf := make([]byte, 4096)
	for {
		select {
		case <-cancelled:
			log.Ctx(ctx).Info().Str("conversationId", id.String()).
				Msg("recording stopped by cancel request")
			writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
			return
		default:
		}
		n, err := r.Body.Read(buf)
		if n > 0 {
			if rerr := rec.Record(string(buf[:n])); rerr != nil {
				writeError(w, r, rerr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": false})
}

// ReplayResponse tails the in-progress (or just-completed) response as a
// chunked text stream. resumePosition is a character offset; 0 replays from
// the start. A recording owned by another node returns 307 with its address.
func (s *Server) ReplayResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	if s.Resumer == nil {
		writeError(w, r, &store.InvalidError{Field: "resumer", Reason: "response resuming is disabled"})
		return
	}
	var resume int64
	if raw := r.URL.Query().Get("resumePosition"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, &store.InvalidError{Field: "resumePosition", Reason: "must be a non-negative integer"})
			return
		}
		resume = n
	}

	ch, err := s.Resumer.Replay(r.Context(), id, s.NodeAddr, resume)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for token := range ch {
		if _, err := io.WriteString(w, token); err != nil {
			// Client went away; the replay loop stops via request context.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// CancelResponse propagates a cancel request to the node recording the
// response.
func (s *Server) CancelResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeError(w, r, &store.InvalidError{Field: "id", Reason: "not a uuid"})
		return
	}
	if s.Resumer == nil {
		writeError(w, r, &store.InvalidError{Field: "resumer", Reason: "response resuming is disabled"})
		return
	}
	if err := s.Resumer.RequestCancel(r.Context(), id, s.NodeAddr); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckPendingResponses bulk-tests which conversations have a response being
// recorded somewhere in the cluster. ids is a comma-separated uuid list.
func (s *Server) CheckPendingResponses(w http.ResponseWriter, r *http.Request) {
	if s.Resumer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pending": map[string]bool{}})
		return
	}
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeError(w, r, &store.InvalidError{Field: "ids", Reason: "required"})
		return
	}
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			writeError(w, r, &store.InvalidError{Field: "ids", Reason: "not a uuid: " + part})
			return
		}
		ids = append(ids, id)
	}
	pending, err := s.Resumer.Check(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make(map[string]bool, len(pending))
	for id, p := range pending {
		out[id.String()] = p
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}
