package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore builds a Store over the in-memory repo with a deterministic
// clock (one millisecond per tick) so entry ordering never depends on the
// host's timer resolution.
func newTestStore(t *testing.T) (*Store, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	repo.now = clock
	s := New(repo, nil, nil, nil)
	s.now = clock
	return s, repo
}

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

func user(id string) Principal  { return Principal{UserID: id} }
func agent(id string) Principal { return Principal{ClientID: id, Agent: true} }

func textBlocks(texts ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(texts))
	for i, txt := range texts {
		out[i] = json.RawMessage(fmt.Sprintf(`{"type":"text","text":%q}`, txt))
	}
	return out
}

func TestCreateAndGetConversation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, user("alice"), CreateParams{Title: "planning session"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.OwnerUserID != "alice" {
		t.Errorf("owner = %q, want alice", conv.OwnerUserID)
	}

	got, err := s.GetConversation(ctx, user("alice"), conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "planning session" {
		t.Errorf("title = %q, want planning session", got.Title)
	}

	// Non-members must not learn the conversation exists.
	if _, err := s.GetConversation(ctx, user("bob"), conv.ID); !IsNotFound(err) {
		t.Errorf("get as non-member: err = %v, want NotFound", err)
	}
}

func TestAccessLevelEnforcement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, user("alice"), CreateParams{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, grant := range []struct {
		user  string
		level AccessLevel
	}{
		{"reader", AccessReader},
		{"writer", AccessWriter},
		{"manager", AccessManager},
	} {
		if _, err := s.Share(ctx, user("alice"), conv.ID, grant.user, grant.level); err != nil {
			t.Fatalf("share %s: %v", grant.user, err)
		}
	}

	tests := []struct {
		name       string
		op         func(p Principal) error
		allowed    []string
		denied     []string
		wantHidden bool
	}{
		{
			name: "read",
			op: func(p Principal) error {
				_, err := s.GetEntries(ctx, p, conv.ID, EntriesQuery{})
				return err
			},
			allowed: []string{"reader", "writer", "manager", "alice"},
		},
		{
			name: "append",
			op: func(p Principal) error {
				_, err := s.AppendUserEntry(ctx, p, conv.ID, NewEntry{ContentType: "text", Blocks: textBlocks("hi")})
				return err
			},
			allowed: []string{"writer", "manager", "alice"},
			denied:  []string{"reader"},
		},
		{
			name: "share",
			op: func(p Principal) error {
				_, err := s.Share(ctx, p, conv.ID, "new-user", AccessReader)
				return err
			},
			allowed: []string{"manager", "alice"},
			denied:  []string{"reader", "writer"},
		},
		{
			name: "transfer",
			op: func(p Principal) error {
				tr, err := s.CreateTransfer(ctx, p, conv.ID, "someone-else")
				if err == nil {
					_ = s.DeleteTransfer(ctx, p, tr.ID)
				}
				return err
			},
			allowed: []string{"alice"},
			denied:  []string{"reader", "writer", "manager"},
		},
	}
	for _, tc := range tests {
		for _, u := range tc.allowed {
			if err := tc.op(user(u)); err != nil {
				t.Errorf("%s as %s: unexpected error %v", tc.name, u, err)
			}
		}
		for _, u := range tc.denied {
			if err := tc.op(user(u)); !IsAccessDenied(err) {
				t.Errorf("%s as %s: err = %v, want AccessDenied", tc.name, u, err)
			}
		}
		// A complete outsider gets NotFound, never AccessDenied.
		if err := tc.op(user("stranger")); !IsNotFound(err) {
			t.Errorf("%s as stranger: err = %v, want NotFound", tc.name, err)
		}
	}
}

func TestDeleteAndRestoreConversation(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, user("alice"), CreateParams{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Share(ctx, user("alice"), conv.ID, "bob", AccessWriter); err != nil {
		t.Fatalf("share: %v", err)
	}

	// Writers cannot delete; managers (and owners) can.
	if err := s.DeleteConversation(ctx, user("bob"), conv.ID); !IsAccessDenied(err) {
		t.Fatalf("delete as writer: err = %v, want AccessDenied", err)
	}
	if err := s.DeleteConversation(ctx, user("alice"), conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetConversation(ctx, user("alice"), conv.ID); !IsNotFound(err) {
		t.Errorf("get after delete: err = %v, want NotFound", err)
	}
	if ms, _ := repo.ListMemberships(ctx, conv.GroupID); len(ms) != 0 {
		t.Errorf("memberships after delete = %d, want 0", len(ms))
	}

	// An append to the deleted id must not resurrect it.
	if _, err := s.AppendUserEntry(ctx, user("alice"), conv.ID, NewEntry{ContentType: "text", Blocks: textBlocks("hi")}); !IsNotFound(err) {
		t.Errorf("append to deleted: err = %v, want NotFound", err)
	}

	// Restore clears deletedAt but not memberships.
	if err := s.RestoreConversationGroup(ctx, conv.GroupID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := s.RestoreConversationGroup(ctx, conv.GroupID); !IsConflict(err) {
		t.Errorf("restore active group: err = %v, want Conflict", err)
	}
	active, _ := repo.FindActiveConversation(ctx, conv.ID)
	if active == nil {
		t.Fatal("conversation still deleted after restore")
	}
	if _, err := s.GetConversation(ctx, user("alice"), conv.ID); !IsNotFound(err) {
		t.Errorf("restore must not bring back memberships: err = %v, want NotFound", err)
	}
}

func TestShareRules(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, user("alice"), CreateParams{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.Share(ctx, user("alice"), conv.ID, "bob", AccessOwner); !IsInvalid(err) {
		t.Errorf("share OWNER: err = %v, want Invalid", err)
	}
	if _, err := s.Share(ctx, user("alice"), conv.ID, "alice", AccessReader); !IsConflict(err) {
		t.Errorf("downgrade owner via share: err = %v, want Conflict", err)
	}
	if err := s.DeleteMembership(ctx, user("alice"), conv.ID, "alice"); !IsConflict(err) {
		t.Errorf("delete owner membership: err = %v, want Conflict", err)
	}
	if _, err := s.UpdateMembership(ctx, user("alice"), conv.ID, "ghost", AccessReader); !IsNotFound(err) {
		t.Errorf("update missing membership: err = %v, want NotFound", err)
	}

	if _, err := s.Share(ctx, user("alice"), conv.ID, "bob", AccessReader); err != nil {
		t.Fatalf("share: %v", err)
	}
	m, err := s.UpdateMembership(ctx, user("alice"), conv.ID, "bob", AccessManager)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.AccessLevel != AccessManager {
		t.Errorf("level = %v, want MANAGER", m.AccessLevel)
	}
	if err := s.DeleteMembership(ctx, user("alice"), conv.ID, "bob"); err != nil {
		t.Fatalf("delete membership: %v", err)
	}
}

func TestOwnershipTransfer(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, user("alice"), CreateParams{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Share(ctx, user("alice"), conv.ID, "bob", AccessReader); err != nil {
		t.Fatalf("share: %v", err)
	}

	if _, err := s.CreateTransfer(ctx, user("alice"), conv.ID, "alice"); !IsInvalid(err) {
		t.Errorf("transfer to self: err = %v, want Invalid", err)
	}
	tr, err := s.CreateTransfer(ctx, user("alice"), conv.ID, "bob")
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if _, err := s.CreateTransfer(ctx, user("alice"), conv.ID, "carol"); !IsConflict(err) {
		t.Errorf("second pending transfer: err = %v, want Conflict", err)
	}

	// Only participants see the transfer; only the recipient accepts.
	if _, err := s.GetTransfer(ctx, user("carol"), tr.ID); !IsNotFound(err) {
		t.Errorf("get as stranger: err = %v, want NotFound", err)
	}
	if err := s.AcceptTransfer(ctx, user("alice"), tr.ID); !IsAccessDenied(err) {
		t.Errorf("accept as sender: err = %v, want AccessDenied", err)
	}
	if err := s.AcceptTransfer(ctx, user("bob"), tr.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	mBob, _ := repo.GetMembership(ctx, conv.GroupID, "bob")
	mAlice, _ := repo.GetMembership(ctx, conv.GroupID, "alice")
	if mBob == nil || mBob.AccessLevel != AccessOwner {
		t.Errorf("recipient level = %v, want OWNER", mBob)
	}
	if mAlice == nil || mAlice.AccessLevel != AccessManager {
		t.Errorf("sender level = %v, want MANAGER", mAlice)
	}
	c, _ := repo.FindConversation(ctx, conv.ID)
	if c.OwnerUserID != "bob" {
		t.Errorf("ownerUserId = %q, want bob", c.OwnerUserID)
	}
	if _, err := s.GetTransfer(ctx, user("bob"), tr.ID); !IsNotFound(err) {
		t.Errorf("transfer should be consumed, got err = %v", err)
	}
}

func TestCreateOnAppend(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	id := newUUID(t)
	e, err := s.AppendUserEntry(ctx, user("alice"), id, NewEntry{
		ContentType: "text",
		Blocks:      textBlocks("hello there, this is the first message"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.ConversationID != id {
		t.Errorf("conversationId = %s, want %s", e.ConversationID, id)
	}

	conv, err := s.GetConversation(ctx, user("alice"), id)
	if err != nil {
		t.Fatalf("get auto-created conversation: %v", err)
	}
	if conv.Title != "hello there, this is the first message" {
		t.Errorf("inferred title = %q", conv.Title)
	}
	m, _ := repo.GetMembership(ctx, conv.GroupID, "alice")
	if m == nil || m.AccessLevel != AccessOwner {
		t.Errorf("creator membership = %v, want OWNER", m)
	}

	if _, err := s.AppendUserEntry(ctx, user("alice"), id, NewEntry{ContentType: "text", Blocks: textBlocks("second")}); err != nil {
		t.Fatalf("second append: %v", err)
	}
	page, err := s.GetEntries(ctx, user("alice"), id, EntriesQuery{})
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(page.Entries))
	}
	if !page.Entries[0].Before(page.Entries[1]) {
		t.Error("entries out of order")
	}
}

func TestAppendUserEntryRejectsMemory(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AppendUserEntry(context.Background(), user("alice"), newUUID(t), NewEntry{
		Channel: ChannelMemory, ContentType: "text", Blocks: textBlocks("x"),
	})
	if !IsInvalid(err) {
		t.Fatalf("err = %v, want Invalid", err)
	}
}

func TestAppendAgentEntries(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	id := newUUID(t)

	// MEMORY without a client id is invalid.
	_, err := s.AppendAgentEntries(ctx, agent("a1"), id, []NewEntry{
		{Channel: ChannelMemory, ContentType: "facts", Blocks: textBlocks("x")},
	}, "", nil)
	if !IsInvalid(err) {
		t.Fatalf("memory without clientId: err = %v, want Invalid", err)
	}

	// First MEMORY write lands on epoch 1.
	out, err := s.AppendAgentEntries(ctx, agent("a1"), id, []NewEntry{
		{Channel: ChannelMemory, ContentType: "facts", Blocks: textBlocks("fact one")},
		{Channel: ChannelHistory, ContentType: "text", Blocks: textBlocks("reply")},
	}, "a1", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if out[0].Epoch == nil || *out[0].Epoch != 1 {
		t.Errorf("first memory epoch = %v, want 1", out[0].Epoch)
	}
	if out[1].Epoch != nil {
		t.Errorf("history entry has epoch %v", *out[1].Epoch)
	}

	// Explicit epoch wins.
	out, err = s.AppendAgentEntries(ctx, agent("a1"), id, []NewEntry{
		{Channel: ChannelMemory, ContentType: "facts", Blocks: textBlocks("fact two")},
	}, "a1", int64Ptr(5))
	if err != nil {
		t.Fatalf("append explicit epoch: %v", err)
	}
	if *out[0].Epoch != 5 {
		t.Errorf("epoch = %d, want 5", *out[0].Epoch)
	}

	// Later implicit batch reuses the latest epoch.
	out, err = s.AppendAgentEntries(ctx, agent("a1"), id, []NewEntry{
		{Channel: ChannelMemory, ContentType: "facts", Blocks: textBlocks("fact three")},
	}, "a1", nil)
	if err != nil {
		t.Fatalf("append implicit epoch: %v", err)
	}
	if *out[0].Epoch != 5 {
		t.Errorf("implicit epoch = %d, want 5", *out[0].Epoch)
	}

	latest, ok, _ := repo.LatestEpoch(ctx, id, "a1")
	if !ok || latest != 5 {
		t.Errorf("latest epoch = %d/%v, want 5/true", latest, ok)
	}
}

func TestIndexEntries(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	id := newUUID(t)

	e, err := s.AppendUserEntry(ctx, user("alice"), id, NewEntry{ContentType: "text", Blocks: textBlocks("searchable words")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	wrongConv := newUUID(t)
	if err := s.IndexEntries(ctx, []IndexRequest{{ConversationID: wrongConv, EntryID: e.ID, IndexedContent: "x"}}); !IsInvalid(err) {
		t.Errorf("index wrong conversation: err = %v, want Invalid", err)
	}
	if err := s.IndexEntries(ctx, []IndexRequest{{ConversationID: id, EntryID: wrongConv, IndexedContent: "x"}}); !IsNotFound(err) {
		t.Errorf("index missing entry: err = %v, want NotFound", err)
	}

	if err := s.IndexEntries(ctx, []IndexRequest{{ConversationID: id, EntryID: e.ID, IndexedContent: "searchable words"}}); err != nil {
		t.Fatalf("index: %v", err)
	}
	stored, _ := repo.GetEntry(ctx, e.ID)
	if stored.IndexedContent == nil || *stored.IndexedContent != "searchable words" {
		t.Errorf("indexedContent = %v", stored.IndexedContent)
	}

	unindexed, next, err := s.ListUnindexedEntries(ctx, "", 10)
	if err != nil {
		t.Fatalf("list unindexed: %v", err)
	}
	if len(unindexed) != 0 || next != "" {
		t.Errorf("unindexed = %d entries, next %q; want none", len(unindexed), next)
	}
}

type failingVectorizer struct{ calls int }

func (f *failingVectorizer) Enabled() bool { return true }
func (f *failingVectorizer) Upsert(context.Context, []*Entry) error {
	f.calls++
	return fmt.Errorf("vector backend down")
}

func TestIndexRetryTaskIsSingleton(t *testing.T) {
	s, repo := newTestStore(t)
	vec := &failingVectorizer{}
	s.vec = vec
	ctx := context.Background()
	id := newUUID(t)

	for i := 0; i < 3; i++ {
		e, err := s.AppendUserEntry(ctx, user("alice"), id, NewEntry{ContentType: "text", Blocks: textBlocks("msg")})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.IndexEntries(ctx, []IndexRequest{{ConversationID: id, EntryID: e.ID, IndexedContent: "msg"}}); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	if vec.calls != 3 {
		t.Errorf("vectorizer calls = %d, want 3", vec.calls)
	}
	if len(repo.tasks) != 1 {
		t.Fatalf("tasks = %d, want 1 singleton retry task", len(repo.tasks))
	}
	if repo.tasks[0].TaskType != TaskRetryIndexEntries {
		t.Errorf("task type = %q", repo.tasks[0].TaskType)
	}

	pending, err := s.FindEntriesPendingVectorIndexing(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}
}

func int64Ptr(n int64) *int64 { return &n }
