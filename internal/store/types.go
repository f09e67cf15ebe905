package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AccessLevel is the per-group permission rank. Higher rank implies every
// lower rank.
type AccessLevel int

const (
	AccessReader AccessLevel = iota + 1
	AccessWriter
	AccessManager
	AccessOwner
)

var accessNames = map[AccessLevel]string{
	AccessReader:  "READER",
	AccessWriter:  "WRITER",
	AccessManager: "MANAGER",
	AccessOwner:   "OWNER",
}

func (l AccessLevel) String() string {
	if s, ok := accessNames[l]; ok {
		return s
	}
	return "UNKNOWN"
}

// Rank returns the ordinal used for comparisons (OWNER=4 ... READER=1).
func (l AccessLevel) Rank() int { return int(l) }

// ParseAccessLevel maps the wire name to a level. Returns 0 for unknown names.
func ParseAccessLevel(s string) AccessLevel {
	for l, name := range accessNames {
		if name == s {
			return l
		}
	}
	return 0
}

// Channel distinguishes the user-visible transcript from agent working memory.
type Channel string

const (
	ChannelHistory Channel = "HISTORY"
	ChannelMemory  Channel = "MEMORY"
)

// ConversationGroup is the root of a fork tree and the unit of membership and
// soft deletion.
type ConversationGroup struct {
	ID        uuid.UUID  `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Conversation is a single timeline within a group. Title is the decrypted
// form populated by the store; TitleCipher is what the repository persists.
type Conversation struct {
	ID                     uuid.UUID       `json:"id"`
	GroupID                uuid.UUID       `json:"groupId"`
	OwnerUserID            string          `json:"ownerUserId"`
	Title                  string          `json:"title"`
	TitleCipher            []byte          `json:"-"`
	Metadata               json.RawMessage `json:"metadata,omitempty"`
	ForkedAtConversationID *uuid.UUID      `json:"forkedAtConversationId,omitempty"`
	ForkedAtEntryID        *uuid.UUID      `json:"forkedAtEntryId,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
	DeletedAt              *time.Time      `json:"deletedAt,omitempty"`
	VectorizedAt           *time.Time      `json:"vectorizedAt,omitempty"`
}

// IsFork reports whether the conversation borrows ancestor history.
func (c *Conversation) IsFork() bool { return c.ForkedAtConversationID != nil }

// Membership grants a user an access level on a whole group.
type Membership struct {
	GroupID     uuid.UUID   `json:"groupId"`
	UserID      string      `json:"userId"`
	AccessLevel AccessLevel `json:"-"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// MarshalJSON emits the access level by name rather than rank.
func (m Membership) MarshalJSON() ([]byte, error) {
	type alias Membership
	return json.Marshal(struct {
		alias
		AccessLevel string `json:"accessLevel"`
	}{alias(m), m.AccessLevel.String()})
}

// OwnershipTransfer is a pending handover of the OWNER role. At most one may
// exist per group.
type OwnershipTransfer struct {
	ID         uuid.UUID `json:"id"`
	GroupID    uuid.UUID `json:"groupId"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Entry is an append-only record on a conversation. Blocks holds the
// decrypted content block list; Content is the opaque ciphertext the
// repository persists. GroupID is denormalized so fork-aware reads can scan a
// whole group in one query.
type Entry struct {
	ID             uuid.UUID         `json:"id"`
	ConversationID uuid.UUID         `json:"conversationId"`
	GroupID        uuid.UUID         `json:"groupId"`
	UserID         string            `json:"userId,omitempty"`
	ClientID       string            `json:"clientId,omitempty"`
	Channel        Channel           `json:"channel"`
	Epoch          *int64            `json:"epoch,omitempty"`
	ContentType    string            `json:"contentType"`
	Blocks         []json.RawMessage `json:"content"`
	Content        []byte            `json:"-"`
	IndexedContent *string           `json:"-"`
	IndexedAt      *time.Time        `json:"indexedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Before orders entries by (createdAt, id) ascending; the id tie-break keeps
// the order total across processes that assigned the same timestamp.
func (e *Entry) Before(o *Entry) bool {
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.ID.String() < o.ID.String()
}

// Task is a background work item handed off to the async worker. TaskName,
// when set, is unique: enqueueing a second task with the same name is a no-op.
type Task struct {
	ID         uuid.UUID       `json:"id"`
	TaskName   *string         `json:"taskName,omitempty"`
	TaskType   string          `json:"taskType"`
	TaskBody   json.RawMessage `json:"taskBody"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryAt    *time.Time      `json:"retryAt,omitempty"`
	LastError  *string         `json:"lastError,omitempty"`
	RetryCount int             `json:"retryCount"`
}

// Task types consumed by the vector-store worker.
const (
	TaskVectorStoreDelete      = "vector_store_delete"
	TaskVectorStoreDeleteEntry = "vector_store_delete_entry"
	TaskRetryIndexEntries      = "retry_index_entries"
)

// Principal identifies the caller of a store operation. Agent callers
// (API-key bound clients) bypass membership checks: writer-equivalent on
// conversation writes, reader on reads.
type Principal struct {
	UserID   string
	ClientID string
	Agent    bool
}

// EpochMode selects how MEMORY entries are filtered on read.
type EpochMode int

const (
	// EpochLatest keeps only entries of the highest epoch seen in the scan.
	EpochLatest EpochMode = iota
	// EpochAll keeps every MEMORY entry for the client.
	EpochAll
	// EpochExact keeps entries whose epoch equals N.
	EpochExact
)

// EpochFilter narrows MEMORY entries during reads.
type EpochFilter struct {
	Mode EpochMode
	N    int64
}

// EntriesQuery parameterizes getEntries.
type EntriesQuery struct {
	After    *uuid.UUID
	Limit    int
	Channel  *Channel
	Epoch    *EpochFilter
	ClientID string
	AllForks bool
}

// PagedEntries is one page of a conversation read.
type PagedEntries struct {
	Entries    []*Entry `json:"entries"`
	NextCursor *string  `json:"nextCursor,omitempty"`
}

// SyncResult reports the outcome of syncAgentEntry. Entry is nil when the
// sync was a no-op.
type SyncResult struct {
	Entry            *Entry `json:"entry,omitempty"`
	Epoch            int64  `json:"epoch"`
	EpochIncremented bool   `json:"epochIncremented"`
	NoOp             bool   `json:"noOp"`
}

// ListMode selects which conversations listConversations returns.
type ListMode string

const (
	ListAll        ListMode = "all"
	ListRoots      ListMode = "roots"
	ListLatestFork ListMode = "latest-fork"
)

// ConversationSummary is the listing projection of a conversation.
type ConversationSummary struct {
	ID              uuid.UUID  `json:"id"`
	GroupID         uuid.UUID  `json:"groupId"`
	OwnerUserID     string     `json:"ownerUserId"`
	Title           string     `json:"title"`
	IsFork          bool       `json:"isFork"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ResponsePending bool       `json:"responsePending,omitempty"`
	VectorizedAt    *time.Time `json:"vectorizedAt,omitempty"`
}

// TransferRole filters listPendingTransfers.
type TransferRole string

const (
	TransferRoleSender    TransferRole = "sender"
	TransferRoleRecipient TransferRole = "recipient"
	TransferRoleAll       TransferRole = "all"
)

// IndexRequest carries one entry's plaintext index content.
type IndexRequest struct {
	ConversationID uuid.UUID `json:"conversationId"`
	EntryID        uuid.UUID `json:"entryId"`
	IndexedContent string    `json:"indexedContent"`
}

// EpochKey identifies one evictable memory epoch.
type EpochKey struct {
	ConversationID uuid.UUID
	ClientID       string
	Epoch          int64
}
