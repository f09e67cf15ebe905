package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/erauner12/memory-api/internal/auth"
	"github.com/erauner12/memory-api/internal/store"
)

// routerRepo implements only the repository methods the create/get flow
// touches. The embedded interface panics on anything else.
type routerRepo struct {
	store.Repository
	convs   map[uuid.UUID]*store.Conversation
	members map[uuid.UUID]map[string]*store.Membership
}

func newRouterRepo() *routerRepo {
	return &routerRepo{
		convs:   map[uuid.UUID]*store.Conversation{},
		members: map[uuid.UUID]map[string]*store.Membership{},
	}
}

func (r *routerRepo) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	return fn(r)
}

func (r *routerRepo) CreateGroup(ctx context.Context, g *store.ConversationGroup) error {
	return nil
}

func (r *routerRepo) CreateConversation(ctx context.Context, c *store.Conversation) error {
	cp := *c
	r.convs[c.ID] = &cp
	return nil
}

func (r *routerRepo) FindActiveConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	c, ok := r.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *routerRepo) UpsertMembership(ctx context.Context, m *store.Membership) error {
	byUser := r.members[m.GroupID]
	if byUser == nil {
		byUser = map[string]*store.Membership{}
		r.members[m.GroupID] = byUser
	}
	cp := *m
	byUser[m.UserID] = &cp
	return nil
}

func (r *routerRepo) GetMembership(ctx context.Context, groupID uuid.UUID, userID string) (*store.Membership, error) {
	m, ok := r.members[groupID][userID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func doJSON(t *testing.T, h http.Handler, method, path, sub, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", sub)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCreateThenGetConversationOverHTTP(t *testing.T) {
	repo := newRouterRepo()
	srv := &Server{Store: store.New(repo, nil, nil, nil)}
	h := srv.Routes(auth.Cfg{DevMode: true})

	rr := doJSON(t, h, http.MethodPost, "/v1/conversations", "alice", `{"title":"standup notes"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body)
	}
	var created store.Conversation
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Title != "standup notes" || created.OwnerUserID != "alice" {
		t.Errorf("created = %+v", created)
	}

	// The owner reads it back.
	rr = doJSON(t, h, http.MethodGet, "/v1/conversations/"+created.ID.String(), "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", rr.Code, rr.Body)
	}
	var got store.Conversation
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode got: %v", err)
	}
	if got.ID != created.ID || got.Title != "standup notes" {
		t.Errorf("got = %+v", got)
	}

	// A non-member sees 404, never 403.
	rr = doJSON(t, h, http.MethodGet, "/v1/conversations/"+created.ID.String(), "mallory", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("stranger status = %d", rr.Code)
	}

	// Malformed ids fail validation before the store is consulted.
	rr = doJSON(t, h, http.MethodGet, "/v1/conversations/not-a-uuid", "alice", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rr.Code)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	repo := newRouterRepo()
	srv := &Server{Store: store.New(repo, nil, nil, nil)}
	h := srv.Routes(auth.Cfg{}) // dev mode off, no secrets configured

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rr.Code)
	}

	// The health check stays open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rr.Code)
	}
}
