package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/memory-api/internal/auth"
	"github.com/erauner12/memory-api/internal/resumer"
	"github.com/erauner12/memory-api/internal/store"
)

// Server holds dependencies for HTTP handlers. Handlers carry no business
// logic; they parse, delegate and map errors.
type Server struct {
	Store   *store.Store
	Resumer *resumer.Resumer
	// NodeAddr is this node's advertised host:port, compared against
	// locators to decide replay redirects.
	NodeAddr string
}

// parseIDParam extracts and validates a UUID URL parameter.
func parseIDParam(r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// principal returns the authenticated caller installed by auth.Middleware.
func principal(r *http.Request) store.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

// Routes creates the HTTP router.
func (s *Server) Routes(authCfg auth.Cfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authCfg))

		// Conversations
		r.Post("/v1/conversations", s.CreateConversation)
		r.Get("/v1/conversations", s.ListConversations)
		r.Get("/v1/conversations/{id}", s.GetConversation)
		r.Delete("/v1/conversations/{id}", s.DeleteConversation)
		r.Post("/v1/conversations/{id}/fork", s.ForkConversation)
		r.Get("/v1/conversations/{id}/forks", s.ListForks)
		r.Post("/v1/groups/{groupId}/restore", s.RestoreGroup)

		// Entries
		r.Get("/v1/conversations/{id}/entries", s.GetEntries)
		r.Post("/v1/conversations/{id}/entries", s.AppendUserEntry)
		r.Post("/v1/conversations/{id}/agent-entries", s.AppendAgentEntries)
		r.Post("/v1/conversations/{id}/sync-memory", s.SyncAgentEntry)

		// Memberships
		r.Get("/v1/conversations/{id}/memberships", s.ListMemberships)
		r.Post("/v1/conversations/{id}/memberships", s.Share)
		r.Put("/v1/conversations/{id}/memberships/{userId}", s.UpdateMembership)
		r.Delete("/v1/conversations/{id}/memberships/{userId}", s.DeleteMembership)

		// Ownership transfers
		r.Post("/v1/conversations/{id}/transfers", s.CreateTransfer)
		r.Get("/v1/transfers", s.ListTransfers)
		r.Get("/v1/transfers/{id}", s.GetTransfer)
		r.Post("/v1/transfers/{id}/accept", s.AcceptTransfer)
		r.Delete("/v1/transfers/{id}", s.DeleteTransfer)

		// Indexing handoff
		r.Post("/v1/index/entries", s.IndexEntries)
		r.Get("/v1/index/unindexed", s.ListUnindexedEntries)

		// Response resumer
		r.Post("/v1/conversations/{id}/response", s.RecordResponse)
		r.Get("/v1/conversations/{id}/response", s.ReplayResponse)
		r.Post("/v1/conversations/{id}/response/cancel", s.CancelResponse)
		r.Get("/v1/responses/pending", s.CheckPendingResponses)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
