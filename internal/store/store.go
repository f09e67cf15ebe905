// Package store implements the conversation memory core: conversation groups,
// forks, memberships, append-only entries with epoch-versioned agent memory,
// ownership transfers, the indexing handoff and the eviction hooks.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/memory-api/internal/secretbox"
)

// Store is the business-logic layer over a Repository. All access control
// happens here; the repository trusts its callers.
type Store struct {
	repo  Repository
	cache EpochCache
	enc   secretbox.Encrypter
	vec   Vectorizer

	// createdAt assignment is non-decreasing within this process; ties
	// across processes are broken by entry id.
	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// Vectorizer is the optional embedding backend used by the indexing handoff.
type Vectorizer interface {
	Enabled() bool
	Upsert(ctx context.Context, entries []*Entry) error
}

// NopVectorizer disables synchronous embedding; indexEntries only persists
// plaintext index content.
type NopVectorizer struct{}

func (NopVectorizer) Enabled() bool                          { return false }
func (NopVectorizer) Upsert(context.Context, []*Entry) error { return nil }

// New builds a Store. cache and vec may be nil to disable those integrations.
func New(repo Repository, cache EpochCache, enc secretbox.Encrypter, vec Vectorizer) *Store {
	if cache == nil {
		cache = NopCache{}
	}
	if enc == nil {
		enc = secretbox.Plaintext{}
	}
	if vec == nil {
		vec = NopVectorizer{}
	}
	return &Store{repo: repo, cache: cache, enc: enc, vec: vec, now: time.Now}
}

// nextTimestamp returns a non-decreasing wall timestamp for entry createdAt.
func (s *Store) nextTimestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC()
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t
	return t
}

// sealTitle / openTitle pass conversation titles through the encryption
// boundary.
func (s *Store) sealTitle(ctx context.Context, c *Conversation) error {
	cipher, err := s.enc.Encrypt(ctx, []byte(c.Title))
	if err != nil {
		return fmt.Errorf("encrypt title: %w", err)
	}
	c.TitleCipher = cipher
	return nil
}

func (s *Store) openTitle(ctx context.Context, c *Conversation) error {
	if len(c.TitleCipher) == 0 {
		c.Title = ""
		return nil
	}
	plain, err := s.enc.Decrypt(ctx, c.TitleCipher)
	if err != nil {
		return fmt.Errorf("decrypt title: %w", err)
	}
	c.Title = string(plain)
	return nil
}

func (s *Store) sealEntry(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e.Blocks)
	if err != nil {
		return fmt.Errorf("marshal content blocks: %w", err)
	}
	cipher, err := s.enc.Encrypt(ctx, raw)
	if err != nil {
		return fmt.Errorf("encrypt content: %w", err)
	}
	e.Content = cipher
	return nil
}

func (s *Store) openEntry(ctx context.Context, e *Entry) error {
	if e.Blocks != nil || len(e.Content) == 0 {
		return nil
	}
	raw, err := s.enc.Decrypt(ctx, e.Content)
	if err != nil {
		return fmt.Errorf("decrypt content: %w", err)
	}
	if err := json.Unmarshal(raw, &e.Blocks); err != nil {
		return fmt.Errorf("unmarshal content blocks: %w", err)
	}
	return nil
}

func (s *Store) openEntries(ctx context.Context, entries []*Entry) error {
	for _, e := range entries {
		if err := s.openEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Access control

// requireConversation resolves the caller's effective access on a
// conversation. Missing or soft-deleted conversations are NotFound. A found
// conversation with no membership is also NotFound so existence is never
// revealed to non-members; an insufficient rank is AccessDenied. Agent
// principals bypass the membership check entirely.
func (s *Store) requireConversation(ctx context.Context, p Principal, id uuid.UUID, level AccessLevel) (*Conversation, error) {
	conv, err := s.repo.FindActiveConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, notFound("conversation", id)
	}
	if p.Agent {
		return conv, nil
	}
	m, err := s.repo.GetMembership(ctx, conv.GroupID, p.UserID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound("conversation", id)
	}
	if m.AccessLevel.Rank() < level.Rank() {
		return nil, &AccessDeniedError{Reason: fmt.Sprintf("requires %s", level)}
	}
	return conv, nil
}

// Conversations

// CreateParams carries the caller-supplied fields of a new conversation.
type CreateParams struct {
	Title    string
	Metadata json.RawMessage
}

// CreateConversation creates a root conversation in a fresh group with the
// caller as OWNER.
func (s *Store) CreateConversation(ctx context.Context, p Principal, params CreateParams) (*Conversation, error) {
	now := s.now().UTC()
	conv := &Conversation{
		ID:          uuid.New(),
		GroupID:     uuid.New(),
		OwnerUserID: p.UserID,
		Title:       params.Title,
		Metadata:    params.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sealTitle(ctx, conv); err != nil {
		return nil, err
	}
	err := s.repo.WithTx(ctx, func(r Repository) error {
		if err := r.CreateGroup(ctx, &ConversationGroup{ID: conv.GroupID, CreatedAt: now}); err != nil {
			return err
		}
		if err := r.CreateConversation(ctx, conv); err != nil {
			return err
		}
		return r.UpsertMembership(ctx, &Membership{
			GroupID:     conv.GroupID,
			UserID:      p.UserID,
			AccessLevel: AccessOwner,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("conversationId", conv.ID.String()).
		Str("groupId", conv.GroupID.String()).
		Str("userId", p.UserID).
		Msg("conversation created")
	return conv, nil
}

// GetConversation returns a conversation the caller can read.
func (s *Store) GetConversation(ctx context.Context, p Principal, id uuid.UUID) (*Conversation, error) {
	conv, err := s.requireConversation(ctx, p, id, AccessReader)
	if err != nil {
		return nil, err
	}
	if err := s.openTitle(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns the caller's visible conversations sorted by
// updatedAt descending. query is an optional case-insensitive title
// substring; after is an optional conversation id to page past.
func (s *Store) ListConversations(ctx context.Context, p Principal, query string, after *uuid.UUID, limit int, mode ListMode) ([]*ConversationSummary, error) {
	convs, err := s.repo.ListVisibleConversations(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if mode == ListRoots || mode == ListLatestFork {
		convs = filterMode(convs, mode)
	}
	out := make([]*ConversationSummary, 0, len(convs))
	for _, c := range convs {
		if err := s.openTitle(ctx, c); err != nil {
			return nil, err
		}
		if query != "" && !strings.Contains(strings.ToLower(c.Title), strings.ToLower(query)) {
			continue
		}
		out = append(out, &ConversationSummary{
			ID:           c.ID,
			GroupID:      c.GroupID,
			OwnerUserID:  c.OwnerUserID,
			Title:        c.Title,
			IsFork:       c.IsFork(),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
			VectorizedAt: c.VectorizedAt,
		})
	}
	if after != nil {
		for i, summ := range out {
			if summ.ID == *after {
				out = out[i+1:]
				break
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// filterMode reduces the updatedAt-desc conversation list per the listing
// mode: roots only, or the most recently updated conversation of each group.
func filterMode(convs []*Conversation, mode ListMode) []*Conversation {
	if mode == ListRoots {
		out := convs[:0]
		for _, c := range convs {
			if !c.IsFork() {
				out = append(out, c)
			}
		}
		return out
	}
	seen := make(map[uuid.UUID]bool)
	out := convs[:0]
	for _, c := range convs {
		if seen[c.GroupID] {
			continue
		}
		seen[c.GroupID] = true
		out = append(out, c)
	}
	return out
}

// DeleteConversation soft-deletes the whole group of the conversation:
// memberships are audit-logged and hard-deleted, the group and its
// conversations get deletedAt stamped, pending transfers are dropped.
// Requires MANAGER (OWNER implies it).
func (s *Store) DeleteConversation(ctx context.Context, p Principal, id uuid.UUID) error {
	conv, err := s.requireConversation(ctx, p, id, AccessManager)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(r Repository) error {
		members, err := r.ListMemberships(ctx, conv.GroupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			log.Ctx(ctx).Info().
				Str("groupId", conv.GroupID.String()).
				Str("userId", m.UserID).
				Str("accessLevel", m.AccessLevel.String()).
				Str("deletedBy", p.UserID).
				Msg("membership removed by conversation delete")
		}
		if err := r.DeleteGroupMemberships(ctx, conv.GroupID); err != nil {
			return err
		}
		if err := r.DeleteGroupTransfers(ctx, conv.GroupID); err != nil {
			return err
		}
		return r.SoftDeleteGroupTree(ctx, conv.GroupID, now)
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().
		Str("conversationId", id.String()).
		Str("groupId", conv.GroupID.String()).
		Msg("conversation group soft-deleted")
	return nil
}

// RestoreConversationGroup clears deletedAt on a soft-deleted group and its
// conversations. Memberships are not restored. Admin surface; the caller has
// already been authorized out of band.
func (s *Store) RestoreConversationGroup(ctx context.Context, groupID uuid.UUID) error {
	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return notFound("group", groupID)
	}
	if g.DeletedAt == nil {
		return &ConflictError{Kind: "group", ID: groupID.String(), Message: "not deleted"}
	}
	return s.repo.RestoreGroupTree(ctx, groupID)
}

// Forks

// ForkConversationAtEntry creates a fork of src that diverges at entryID: the
// fork's timeline borrows src history strictly before that entry. Requires
// READER on src.
func (s *Store) ForkConversationAtEntry(ctx context.Context, p Principal, srcID, entryID uuid.UUID, title string) (*Conversation, error) {
	src, err := s.requireConversation(ctx, p, srcID, AccessReader)
	if err != nil {
		return nil, err
	}
	timeline, err := s.timelineEntries(ctx, src, nil)
	if err != nil {
		return nil, err
	}
	at := -1
	for i, e := range timeline {
		if e.ID == entryID {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, notFound("entry", entryID)
	}
	if at == 0 {
		return nil, &InvalidError{Field: "entryId", Reason: "cannot fork before the first entry"}
	}
	prev := timeline[at-1]

	if title == "" {
		if err := s.openTitle(ctx, src); err != nil {
			return nil, err
		}
		title = src.Title
	}
	now := s.now().UTC()
	fork := &Conversation{
		ID:                     uuid.New(),
		GroupID:                src.GroupID,
		OwnerUserID:            p.UserID,
		Title:                  title,
		Metadata:               src.Metadata,
		ForkedAtConversationID: &prev.ConversationID,
		ForkedAtEntryID:        &prev.ID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.sealTitle(ctx, fork); err != nil {
		return nil, err
	}
	if err := s.repo.CreateConversation(ctx, fork); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("conversationId", fork.ID.String()).
		Str("forkedFrom", srcID.String()).
		Str("forkedAtEntryId", prev.ID.String()).
		Msg("conversation forked")
	return fork, nil
}

// ListForks returns the direct forks of a conversation.
func (s *Store) ListForks(ctx context.Context, p Principal, id uuid.UUID) ([]*Conversation, error) {
	conv, err := s.requireConversation(ctx, p, id, AccessReader)
	if err != nil {
		return nil, err
	}
	all, err := s.repo.ListGroupConversations(ctx, conv.GroupID, false)
	if err != nil {
		return nil, err
	}
	forks := make([]*Conversation, 0)
	for _, c := range all {
		if c.ForkedAtConversationID != nil && *c.ForkedAtConversationID == id {
			if err := s.openTitle(ctx, c); err != nil {
				return nil, err
			}
			forks = append(forks, c)
		}
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i].CreatedAt.Before(forks[j].CreatedAt) })
	return forks, nil
}

// Memberships

// ListMembershipsFor returns the memberships of the conversation's group.
func (s *Store) ListMembershipsFor(ctx context.Context, p Principal, conversationID uuid.UUID) ([]*Membership, error) {
	conv, err := s.requireConversation(ctx, p, conversationID, AccessReader)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMemberships(ctx, conv.GroupID)
}

// Share grants a user access on the conversation's group. OWNER cannot be
// granted here; ownership moves only via transfer. Requires MANAGER.
func (s *Store) Share(ctx context.Context, p Principal, conversationID uuid.UUID, userID string, level AccessLevel) (*Membership, error) {
	if level == AccessOwner {
		return nil, &InvalidError{Field: "accessLevel", Reason: "ownership is granted via transfer, not share"}
	}
	if level.Rank() < AccessReader.Rank() || level.Rank() > AccessManager.Rank() {
		return nil, &InvalidError{Field: "accessLevel", Reason: "unknown access level"}
	}
	conv, err := s.requireConversation(ctx, p, conversationID, AccessManager)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetMembership(ctx, conv.GroupID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.AccessLevel == AccessOwner {
		return nil, &ConflictError{Kind: "membership", ID: userID, Message: "cannot change the owner's membership"}
	}
	m := &Membership{
		GroupID:     conv.GroupID,
		UserID:      userID,
		AccessLevel: level,
		CreatedAt:   s.now().UTC(),
	}
	if existing != nil {
		m.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.UpsertMembership(ctx, m); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("groupId", conv.GroupID.String()).
		Str("userId", userID).
		Str("accessLevel", level.String()).
		Str("sharedBy", p.UserID).
		Msg("membership upserted")
	return m, nil
}

// UpdateMembership changes an existing member's level. Same constraints as
// Share.
func (s *Store) UpdateMembership(ctx context.Context, p Principal, conversationID uuid.UUID, userID string, level AccessLevel) (*Membership, error) {
	conv, err := s.requireConversation(ctx, p, conversationID, AccessManager)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetMembership(ctx, conv.GroupID, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &NotFoundError{Kind: "membership", ID: userID}
	}
	return s.Share(ctx, p, conversationID, userID, level)
}

// DeleteMembership revokes a member's access. The OWNER membership cannot be
// removed. Requires MANAGER.
func (s *Store) DeleteMembership(ctx context.Context, p Principal, conversationID uuid.UUID, userID string) error {
	conv, err := s.requireConversation(ctx, p, conversationID, AccessManager)
	if err != nil {
		return err
	}
	existing, err := s.repo.GetMembership(ctx, conv.GroupID, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return &NotFoundError{Kind: "membership", ID: userID}
	}
	if existing.AccessLevel == AccessOwner {
		return &ConflictError{Kind: "membership", ID: userID, Message: "cannot remove the owner"}
	}
	return s.repo.DeleteMembership(ctx, conv.GroupID, userID)
}

// Ownership transfers

// CreateTransfer opens a pending ownership transfer to another user. At most
// one may be pending per group. Requires OWNER.
func (s *Store) CreateTransfer(ctx context.Context, p Principal, conversationID uuid.UUID, toUserID string) (*OwnershipTransfer, error) {
	conv, err := s.requireConversation(ctx, p, conversationID, AccessOwner)
	if err != nil {
		return nil, err
	}
	if toUserID == p.UserID {
		return nil, &InvalidError{Field: "toUserId", Reason: "cannot transfer to self"}
	}
	t := &OwnershipTransfer{
		ID:         uuid.New(),
		GroupID:    conv.GroupID,
		FromUserID: p.UserID,
		ToUserID:   toUserID,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.CreateTransfer(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListPendingTransfers returns transfers where the caller is the sender,
// the recipient, or either.
func (s *Store) ListPendingTransfers(ctx context.Context, p Principal, role TransferRole) ([]*OwnershipTransfer, error) {
	switch role {
	case TransferRoleSender, TransferRoleRecipient, TransferRoleAll:
	default:
		return nil, &InvalidError{Field: "role", Reason: "unknown transfer role"}
	}
	return s.repo.ListTransfersByUser(ctx, p.UserID, role)
}

// GetTransfer returns a transfer the caller participates in.
func (s *Store) GetTransfer(ctx context.Context, p Principal, id uuid.UUID) (*OwnershipTransfer, error) {
	t, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil || (t.FromUserID != p.UserID && t.ToUserID != p.UserID) {
		return nil, notFound("transfer", id)
	}
	return t, nil
}

// AcceptTransfer consumes a pending transfer: the recipient becomes OWNER,
// the sender is demoted to MANAGER, and every conversation in the group gets
// the new ownerUserId. Only the recipient may accept.
func (s *Store) AcceptTransfer(ctx context.Context, p Principal, id uuid.UUID) error {
	t, err := s.GetTransfer(ctx, p, id)
	if err != nil {
		return err
	}
	if t.ToUserID != p.UserID {
		return &AccessDeniedError{Reason: "only the recipient may accept a transfer"}
	}
	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(r Repository) error {
		if err := r.UpsertMembership(ctx, &Membership{
			GroupID: t.GroupID, UserID: t.ToUserID, AccessLevel: AccessOwner, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := r.UpsertMembership(ctx, &Membership{
			GroupID: t.GroupID, UserID: t.FromUserID, AccessLevel: AccessManager, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := r.UpdateConversationOwner(ctx, t.GroupID, t.ToUserID); err != nil {
			return err
		}
		return r.DeleteTransfer(ctx, t.ID)
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().
		Str("groupId", t.GroupID.String()).
		Str("fromUserId", t.FromUserID).
		Str("toUserId", t.ToUserID).
		Msg("ownership transfer accepted")
	return nil
}

// DeleteTransfer withdraws or declines a pending transfer. Sender and
// recipient may both delete.
func (s *Store) DeleteTransfer(ctx context.Context, p Principal, id uuid.UUID) error {
	t, err := s.GetTransfer(ctx, p, id)
	if err != nil {
		return err
	}
	return s.repo.DeleteTransfer(ctx, t.ID)
}
