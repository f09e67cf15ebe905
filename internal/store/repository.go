package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence driver behind the conversation store. The
// postgres and mongo implementations are interchangeable behind this single
// capability set; content and titles arrive already encrypted.
//
// Entry ordering contract: every listing method returns entries sorted by
// (createdAt, id) ascending.
type Repository interface {
	// WithTx runs fn against a transactional view of the repository. The
	// epoch-sync read-then-append runs through this so concurrent syncs on
	// the same (conversation, client) serialize on the backing store.
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Groups

	CreateGroup(ctx context.Context, g *ConversationGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*ConversationGroup, error)
	// SoftDeleteGroupTree stamps deletedAt on the group and on every
	// non-deleted conversation in it.
	SoftDeleteGroupTree(ctx context.Context, groupID uuid.UUID, at time.Time) error
	// RestoreGroupTree clears deletedAt on the group and its conversations.
	RestoreGroupTree(ctx context.Context, groupID uuid.UUID) error

	// Conversations

	CreateConversation(ctx context.Context, c *Conversation) error
	// FindConversation returns the row regardless of deletion state, or nil.
	FindConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// FindActiveConversation returns the conversation only when neither it
	// nor its group is soft-deleted, or nil.
	FindActiveConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// ListVisibleConversations returns the active conversations of every
	// group the user holds a membership on, sorted by updatedAt descending.
	ListVisibleConversations(ctx context.Context, userID string) ([]*Conversation, error)
	ListGroupConversations(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]*Conversation, error)
	UpdateConversationOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error
	// TouchConversation bumps updatedAt; called on HISTORY appends only.
	TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error

	// Memberships

	UpsertMembership(ctx context.Context, m *Membership) error
	// GetMembership returns nil when the user has no membership on the group.
	GetMembership(ctx context.Context, groupID uuid.UUID, userID string) (*Membership, error)
	ListMemberships(ctx context.Context, groupID uuid.UUID) ([]*Membership, error)
	DeleteMembership(ctx context.Context, groupID uuid.UUID, userID string) error
	DeleteGroupMemberships(ctx context.Context, groupID uuid.UUID) error

	// Entries

	InsertEntries(ctx context.Context, entries []*Entry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ListGroupEntries returns every entry of every conversation in the
	// group; the fork-aware read walks this single scan.
	ListGroupEntries(ctx context.Context, groupID uuid.UUID) ([]*Entry, error)
	// LatestEpoch resolves the current memory epoch for a (conversation,
	// client) key. ok is false when the key has no MEMORY entries yet.
	LatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (epoch int64, ok bool, err error)
	// ListEpochEntries returns the MEMORY entries at exactly the given epoch
	// in insertion order.
	ListEpochEntries(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]*Entry, error)

	// Indexing

	SetIndexedContent(ctx context.Context, entryID uuid.UUID, content string) error
	SetIndexedAt(ctx context.Context, entryIDs []uuid.UUID, at time.Time) error
	ListUnindexedEntries(ctx context.Context, after Cursor, limit int) ([]*Entry, error)
	FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]*Entry, error)

	// Ownership transfers

	// CreateTransfer fails with ConflictError when the group already has a
	// pending transfer.
	CreateTransfer(ctx context.Context, t *OwnershipTransfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*OwnershipTransfer, error)
	FindTransferByGroup(ctx context.Context, groupID uuid.UUID) (*OwnershipTransfer, error)
	ListTransfersByUser(ctx context.Context, userID string, role TransferRole) ([]*OwnershipTransfer, error)
	DeleteTransfer(ctx context.Context, id uuid.UUID) error
	DeleteGroupTransfers(ctx context.Context, groupID uuid.UUID) error

	// Task queue

	// EnqueueTask inserts a work item; a duplicate TaskName is a silent no-op.
	EnqueueTask(ctx context.Context, t *Task) error
	// DequeueTasks claims up to limit due tasks with row-level skip-locked
	// semantics so concurrent workers never double-process a batch.
	DequeueTasks(ctx context.Context, limit int) ([]*Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID) error
	FailTask(ctx context.Context, id uuid.UUID, reason string, retryAt time.Time) error

	// Eviction

	CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error)
	// FindEvictableGroupIDs selects a locked batch of group ids whose
	// deletedAt predates the cutoff.
	FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	// HardDeleteGroups removes the groups; conversations, entries and
	// memberships cascade.
	HardDeleteGroups(ctx context.Context, ids []uuid.UUID) (int64, error)
	// FindEvictableEpochs selects stale non-latest memory epochs whose most
	// recent entry predates the cutoff.
	FindEvictableEpochs(ctx context.Context, cutoff time.Time, limit int) ([]EpochKey, error)
	CountEvictableEpochEntries(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEntriesForEpochs(ctx context.Context, keys []EpochKey) (int64, error)
}
