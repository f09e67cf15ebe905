package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// memRepo is the in-memory Repository used by the package tests. Operations
// mirror the SQL drivers' semantics; WithTx runs the callback directly since
// the tests are single-threaded.
type memRepo struct {
	groups    map[uuid.UUID]*ConversationGroup
	convs     map[uuid.UUID]*Conversation
	members   map[uuid.UUID]map[string]*Membership
	entries   []*Entry
	transfers map[uuid.UUID]*OwnershipTransfer
	tasks     []*Task

	now func() time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		groups:    make(map[uuid.UUID]*ConversationGroup),
		convs:     make(map[uuid.UUID]*Conversation),
		members:   make(map[uuid.UUID]map[string]*Membership),
		transfers: make(map[uuid.UUID]*OwnershipTransfer),
		now:       time.Now,
	}
}

func (f *memRepo) WithTx(_ context.Context, fn func(Repository) error) error {
	return fn(f)
}

// Groups

func (f *memRepo) CreateGroup(_ context.Context, g *ConversationGroup) error {
	cp := *g
	f.groups[g.ID] = &cp
	return nil
}

func (f *memRepo) GetGroup(_ context.Context, id uuid.UUID) (*ConversationGroup, error) {
	g, ok := f.groups[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (f *memRepo) SoftDeleteGroupTree(_ context.Context, groupID uuid.UUID, at time.Time) error {
	if g, ok := f.groups[groupID]; ok && g.DeletedAt == nil {
		t := at
		g.DeletedAt = &t
	}
	for _, c := range f.convs {
		if c.GroupID == groupID && c.DeletedAt == nil {
			t := at
			c.DeletedAt = &t
		}
	}
	return nil
}

func (f *memRepo) RestoreGroupTree(_ context.Context, groupID uuid.UUID) error {
	if g, ok := f.groups[groupID]; ok {
		g.DeletedAt = nil
	}
	for _, c := range f.convs {
		if c.GroupID == groupID {
			c.DeletedAt = nil
		}
	}
	return nil
}

// Conversations

func (f *memRepo) CreateConversation(_ context.Context, c *Conversation) error {
	cp := *c
	f.convs[c.ID] = &cp
	return nil
}

func (f *memRepo) FindConversation(_ context.Context, id uuid.UUID) (*Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *memRepo) FindActiveConversation(_ context.Context, id uuid.UUID) (*Conversation, error) {
	c, ok := f.convs[id]
	if !ok || c.DeletedAt != nil {
		return nil, nil
	}
	g, ok := f.groups[c.GroupID]
	if !ok || g.DeletedAt != nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *memRepo) ListVisibleConversations(_ context.Context, userID string) ([]*Conversation, error) {
	var out []*Conversation
	for groupID, byUser := range f.members {
		if _, ok := byUser[userID]; !ok {
			continue
		}
		g, ok := f.groups[groupID]
		if !ok || g.DeletedAt != nil {
			continue
		}
		for _, c := range f.convs {
			if c.GroupID == groupID && c.DeletedAt == nil {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (f *memRepo) ListGroupConversations(_ context.Context, groupID uuid.UUID, includeDeleted bool) ([]*Conversation, error) {
	var out []*Conversation
	for _, c := range f.convs {
		if c.GroupID != groupID {
			continue
		}
		if !includeDeleted && c.DeletedAt != nil {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (f *memRepo) UpdateConversationOwner(_ context.Context, groupID uuid.UUID, ownerUserID string) error {
	for _, c := range f.convs {
		if c.GroupID == groupID {
			c.OwnerUserID = ownerUserID
		}
	}
	return nil
}

func (f *memRepo) TouchConversation(_ context.Context, id uuid.UUID, at time.Time) error {
	if c, ok := f.convs[id]; ok {
		c.UpdatedAt = at
	}
	return nil
}

// Memberships

func (f *memRepo) UpsertMembership(_ context.Context, m *Membership) error {
	byUser, ok := f.members[m.GroupID]
	if !ok {
		byUser = make(map[string]*Membership)
		f.members[m.GroupID] = byUser
	}
	cp := *m
	if prev, ok := byUser[m.UserID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	byUser[m.UserID] = &cp
	return nil
}

func (f *memRepo) GetMembership(_ context.Context, groupID uuid.UUID, userID string) (*Membership, error) {
	if m, ok := f.members[groupID][userID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (f *memRepo) ListMemberships(_ context.Context, groupID uuid.UUID) ([]*Membership, error) {
	var out []*Membership
	for _, m := range f.members[groupID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *memRepo) DeleteMembership(_ context.Context, groupID uuid.UUID, userID string) error {
	delete(f.members[groupID], userID)
	return nil
}

func (f *memRepo) DeleteGroupMemberships(_ context.Context, groupID uuid.UUID) error {
	delete(f.members, groupID)
	return nil
}

// Entries

func (f *memRepo) InsertEntries(_ context.Context, entries []*Entry) error {
	for _, e := range entries {
		cp := *e
		f.entries = append(f.entries, &cp)
	}
	return nil
}

func (f *memRepo) GetEntry(_ context.Context, id uuid.UUID) (*Entry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Before(entries[j]) })
}

func (f *memRepo) ListGroupEntries(_ context.Context, groupID uuid.UUID) ([]*Entry, error) {
	var out []*Entry
	for _, e := range f.entries {
		if e.GroupID == groupID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEntries(out)
	return out, nil
}

func (f *memRepo) LatestEpoch(_ context.Context, conversationID uuid.UUID, clientID string) (int64, bool, error) {
	var latest int64
	found := false
	for _, e := range f.entries {
		if e.ConversationID == conversationID && e.ClientID == clientID &&
			e.Channel == ChannelMemory && e.Epoch != nil {
			if !found || *e.Epoch > latest {
				latest = *e.Epoch
				found = true
			}
		}
	}
	return latest, found, nil
}

func (f *memRepo) ListEpochEntries(_ context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]*Entry, error) {
	var out []*Entry
	for _, e := range f.entries {
		if e.ConversationID == conversationID && e.ClientID == clientID &&
			e.Channel == ChannelMemory && e.Epoch != nil && *e.Epoch == epoch {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEntries(out)
	return out, nil
}

// Indexing

func (f *memRepo) SetIndexedContent(_ context.Context, entryID uuid.UUID, content string) error {
	for _, e := range f.entries {
		if e.ID == entryID {
			c := content
			e.IndexedContent = &c
		}
	}
	return nil
}

func (f *memRepo) SetIndexedAt(_ context.Context, entryIDs []uuid.UUID, at time.Time) error {
	want := make(map[uuid.UUID]bool, len(entryIDs))
	for _, id := range entryIDs {
		want[id] = true
	}
	for _, e := range f.entries {
		if want[e.ID] {
			t := at
			e.IndexedAt = &t
		}
	}
	return nil
}

func (f *memRepo) ListUnindexedEntries(_ context.Context, after Cursor, limit int) ([]*Entry, error) {
	var out []*Entry
	for _, e := range f.entries {
		if e.Channel != ChannelHistory || e.IndexedContent != nil {
			continue
		}
		ms := e.CreatedAt.UnixMilli()
		if ms < after.Ms || (ms == after.Ms && e.ID.String() <= after.ID.String()) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sortEntries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *memRepo) FindEntriesPendingVectorIndexing(_ context.Context, limit int) ([]*Entry, error) {
	var out []*Entry
	for _, e := range f.entries {
		if e.Channel == ChannelHistory && e.IndexedContent != nil && e.IndexedAt == nil {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEntries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ownership transfers

func (f *memRepo) CreateTransfer(_ context.Context, t *OwnershipTransfer) error {
	for _, existing := range f.transfers {
		if existing.GroupID == t.GroupID {
			return &ConflictError{Kind: "transfer", ID: t.GroupID.String(), Message: "a transfer is already pending for this group"}
		}
	}
	cp := *t
	f.transfers[t.ID] = &cp
	return nil
}

func (f *memRepo) GetTransfer(_ context.Context, id uuid.UUID) (*OwnershipTransfer, error) {
	if t, ok := f.transfers[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (f *memRepo) FindTransferByGroup(_ context.Context, groupID uuid.UUID) (*OwnershipTransfer, error) {
	for _, t := range f.transfers {
		if t.GroupID == groupID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *memRepo) ListTransfersByUser(_ context.Context, userID string, role TransferRole) ([]*OwnershipTransfer, error) {
	var out []*OwnershipTransfer
	for _, t := range f.transfers {
		match := false
		switch role {
		case TransferRoleSender:
			match = t.FromUserID == userID
		case TransferRoleRecipient:
			match = t.ToUserID == userID
		default:
			match = t.FromUserID == userID || t.ToUserID == userID
		}
		if match {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *memRepo) DeleteTransfer(_ context.Context, id uuid.UUID) error {
	delete(f.transfers, id)
	return nil
}

func (f *memRepo) DeleteGroupTransfers(_ context.Context, groupID uuid.UUID) error {
	for id, t := range f.transfers {
		if t.GroupID == groupID {
			delete(f.transfers, id)
		}
	}
	return nil
}

// Task queue

func (f *memRepo) EnqueueTask(_ context.Context, t *Task) error {
	if t.TaskName != nil {
		for _, existing := range f.tasks {
			if existing.TaskName != nil && *existing.TaskName == *t.TaskName {
				return nil
			}
		}
	}
	cp := *t
	f.tasks = append(f.tasks, &cp)
	return nil
}

func (f *memRepo) DequeueTasks(_ context.Context, limit int) ([]*Task, error) {
	now := f.now()
	var out []*Task
	for _, t := range f.tasks {
		if t.RetryAt != nil && t.RetryAt.After(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *memRepo) CompleteTask(_ context.Context, id uuid.UUID) error {
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *memRepo) FailTask(_ context.Context, id uuid.UUID, reason string, retryAt time.Time) error {
	for _, t := range f.tasks {
		if t.ID == id {
			r := reason
			at := retryAt
			t.LastError = &r
			t.RetryAt = &at
			t.RetryCount++
		}
	}
	return nil
}

// Eviction

func (f *memRepo) CountEvictableGroups(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for _, g := range f.groups {
		if g.DeletedAt != nil && g.DeletedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (f *memRepo) FindEvictableGroupIDs(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, g := range f.groups {
		if g.DeletedAt != nil && g.DeletedAt.Before(cutoff) {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (f *memRepo) HardDeleteGroups(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := f.groups[id]; !ok {
			continue
		}
		n++
		delete(f.groups, id)
		delete(f.members, id)
		for cid, c := range f.convs {
			if c.GroupID == id {
				delete(f.convs, cid)
			}
		}
		kept := f.entries[:0]
		for _, e := range f.entries {
			if e.GroupID != id {
				kept = append(kept, e)
			}
		}
		f.entries = kept
		_ = f.DeleteGroupTransfers(context.Background(), id)
	}
	return n, nil
}

func (f *memRepo) FindEvictableEpochs(_ context.Context, cutoff time.Time, limit int) ([]EpochKey, error) {
	stats := f.epochStats()
	var keys []EpochKey
	for _, s := range stats {
		if s.stale(cutoff) {
			keys = append(keys, s.key)
			if len(keys) == limit {
				break
			}
		}
	}
	return keys, nil
}

func (f *memRepo) CountEvictableEpochEntries(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for _, s := range f.epochStats() {
		if s.stale(cutoff) {
			n += s.count
		}
	}
	return n, nil
}

func (f *memRepo) DeleteEntriesForEpochs(_ context.Context, keys []EpochKey) (int64, error) {
	var n int64
	for _, k := range keys {
		kept := f.entries[:0]
		for _, e := range f.entries {
			if e.ConversationID == k.ConversationID && e.ClientID == k.ClientID &&
				e.Channel == ChannelMemory && e.Epoch != nil && *e.Epoch == k.Epoch {
				n++
				continue
			}
			kept = append(kept, e)
		}
		f.entries = kept
	}
	return n, nil
}

type epochStat struct {
	key     EpochKey
	latest  int64
	maxTime time.Time
	count   int64
}

func (s epochStat) stale(cutoff time.Time) bool {
	return s.key.Epoch < s.latest && s.maxTime.Before(cutoff)
}

func (f *memRepo) epochStats() []epochStat {
	type pair struct {
		conv   uuid.UUID
		client string
	}
	latest := make(map[pair]int64)
	byKey := make(map[EpochKey]*epochStat)
	for _, e := range f.entries {
		if e.Channel != ChannelMemory || e.Epoch == nil {
			continue
		}
		p := pair{e.ConversationID, e.ClientID}
		if *e.Epoch > latest[p] {
			latest[p] = *e.Epoch
		}
		k := EpochKey{e.ConversationID, e.ClientID, *e.Epoch}
		s, ok := byKey[k]
		if !ok {
			s = &epochStat{key: k}
			byKey[k] = s
		}
		s.count++
		if e.CreatedAt.After(s.maxTime) {
			s.maxTime = e.CreatedAt
		}
	}
	var out []epochStat
	for _, s := range byKey {
		s.latest = latest[pair{s.key.ConversationID, s.key.ClientID}]
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if a.ConversationID != b.ConversationID {
			return a.ConversationID.String() < b.ConversationID.String()
		}
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		return a.Epoch < b.Epoch
	})
	return out
}
