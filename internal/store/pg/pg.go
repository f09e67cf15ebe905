// Package pg is the Postgres persistence driver for the conversation store.
package pg

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erauner12/memory-api/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same methods
// run inside and outside transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo implements store.Repository over Postgres.
type Repo struct {
	pool *pgxpool.Pool
	q    querier
}

// New wraps a connection pool.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool, q: pool}
}

// WithTx runs fn in a transaction. Nested calls reuse the enclosing
// transaction.
func (r *Repo) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	if _, inTx := r.q.(pgx.Tx); inTx {
		return fn(r)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(&Repo{pool: r.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Groups

func (r *Repo) CreateGroup(ctx context.Context, g *store.ConversationGroup) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO conversation_groups (id, created_at)
		VALUES ($1, $2)
	`, g.ID, g.CreatedAt)
	return err
}

func (r *Repo) GetGroup(ctx context.Context, id uuid.UUID) (*store.ConversationGroup, error) {
	g := &store.ConversationGroup{}
	err := r.q.QueryRow(ctx, `
		SELECT id, created_at, deleted_at
		FROM conversation_groups
		WHERE id = $1
	`, id).Scan(&g.ID, &g.CreatedAt, &g.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Repo) SoftDeleteGroupTree(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	if _, err := r.q.Exec(ctx, `
		UPDATE conversation_groups SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, groupID, at); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx, `
		UPDATE conversations SET deleted_at = $2
		WHERE group_id = $1 AND deleted_at IS NULL
	`, groupID, at)
	return err
}

func (r *Repo) RestoreGroupTree(ctx context.Context, groupID uuid.UUID) error {
	if _, err := r.q.Exec(ctx,
		`UPDATE conversation_groups SET deleted_at = NULL WHERE id = $1`, groupID); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx,
		`UPDATE conversations SET deleted_at = NULL WHERE group_id = $1`, groupID)
	return err
}

// Conversations

const conversationCols = `
	id, group_id, owner_user_id, title_cipher, metadata,
	forked_at_conversation_id, forked_at_entry_id,
	created_at, updated_at, deleted_at, vectorized_at`

func scanConversation(row pgx.Row) (*store.Conversation, error) {
	c := &store.Conversation{}
	err := row.Scan(&c.ID, &c.GroupID, &c.OwnerUserID, &c.TitleCipher, &c.Metadata,
		&c.ForkedAtConversationID, &c.ForkedAtEntryID,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt, &c.VectorizedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repo) CreateConversation(ctx context.Context, c *store.Conversation) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO conversations
			(id, group_id, owner_user_id, title_cipher, metadata,
			 forked_at_conversation_id, forked_at_entry_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.GroupID, c.OwnerUserID, c.TitleCipher, c.Metadata,
		c.ForkedAtConversationID, c.ForkedAtEntryID, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *Repo) FindConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	return scanConversation(r.q.QueryRow(ctx,
		`SELECT`+conversationCols+` FROM conversations WHERE id = $1`, id))
}

func (r *Repo) FindActiveConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	return scanConversation(r.q.QueryRow(ctx, `
		SELECT`+conversationCols+`
		FROM conversations c
		JOIN conversation_groups g ON g.id = c.group_id AND g.deleted_at IS NULL
		WHERE c.id = $1 AND c.deleted_at IS NULL
	`, id))
}

func (r *Repo) collectConversations(rows pgx.Rows) ([]*store.Conversation, error) {
	defer rows.Close()
	var out []*store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) ListVisibleConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	rows, err := r.q.Query(ctx, `
		SELECT`+conversationCols+`
		FROM conversations c
		JOIN memberships m ON m.group_id = c.group_id AND m.user_id = $1
		JOIN conversation_groups g ON g.id = c.group_id AND g.deleted_at IS NULL
		WHERE c.deleted_at IS NULL
		ORDER BY c.updated_at DESC, c.id
	`, userID)
	if err != nil {
		return nil, err
	}
	return r.collectConversations(rows)
}

func (r *Repo) ListGroupConversations(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]*store.Conversation, error) {
	q := `SELECT` + conversationCols + ` FROM conversations c WHERE c.group_id = $1`
	if !includeDeleted {
		q += ` AND c.deleted_at IS NULL`
	}
	q += ` ORDER BY c.created_at, c.id`
	rows, err := r.q.Query(ctx, q, groupID)
	if err != nil {
		return nil, err
	}
	return r.collectConversations(rows)
}

func (r *Repo) UpdateConversationOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error {
	_, err := r.q.Exec(ctx,
		`UPDATE conversations SET owner_user_id = $2 WHERE group_id = $1`, groupID, ownerUserID)
	return err
}

func (r *Repo) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, at)
	return err
}

// Memberships

func (r *Repo) UpsertMembership(ctx context.Context, m *store.Membership) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO memberships (group_id, user_id, access_level, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id) DO UPDATE SET access_level = EXCLUDED.access_level
	`, m.GroupID, m.UserID, int(m.AccessLevel), m.CreatedAt)
	return err
}

func (r *Repo) GetMembership(ctx context.Context, groupID uuid.UUID, userID string) (*store.Membership, error) {
	m := &store.Membership{}
	var level int
	err := r.q.QueryRow(ctx, `
		SELECT group_id, user_id, access_level, created_at
		FROM memberships WHERE group_id = $1 AND user_id = $2
	`, groupID, userID).Scan(&m.GroupID, &m.UserID, &level, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.AccessLevel = store.AccessLevel(level)
	return m, nil
}

func (r *Repo) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]*store.Membership, error) {
	rows, err := r.q.Query(ctx, `
		SELECT group_id, user_id, access_level, created_at
		FROM memberships WHERE group_id = $1
		ORDER BY created_at, user_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Membership
	for rows.Next() {
		m := &store.Membership{}
		var level int
		if err := rows.Scan(&m.GroupID, &m.UserID, &level, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AccessLevel = store.AccessLevel(level)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repo) DeleteMembership(ctx context.Context, groupID uuid.UUID, userID string) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	return err
}

func (r *Repo) DeleteGroupMemberships(ctx context.Context, groupID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM memberships WHERE group_id = $1`, groupID)
	return err
}

// Entries

const entryCols = `
	id, conversation_id, group_id, user_id, client_id, channel, epoch,
	content_type, content, indexed_content, indexed_at, created_at_ms`

func scanEntry(row pgx.Row) (*store.Entry, error) {
	e := &store.Entry{}
	var userID, clientID *string
	var channel string
	var createdAtMs int64
	err := row.Scan(&e.ID, &e.ConversationID, &e.GroupID, &userID, &clientID,
		&channel, &e.Epoch, &e.ContentType, &e.Content,
		&e.IndexedContent, &e.IndexedAt, &createdAtMs)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if userID != nil {
		e.UserID = *userID
	}
	if clientID != nil {
		e.ClientID = *clientID
	}
	e.Channel = store.Channel(channel)
	e.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	return e, nil
}

func (r *Repo) collectEntries(rows pgx.Rows) ([]*store.Entry, error) {
	defer rows.Close()
	var out []*store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repo) InsertEntries(ctx context.Context, entries []*store.Entry) error {
	for _, e := range entries {
		var userID, clientID *string
		if e.UserID != "" {
			userID = &e.UserID
		}
		if e.ClientID != "" {
			clientID = &e.ClientID
		}
		if _, err := r.q.Exec(ctx, `
			INSERT INTO entries
				(id, conversation_id, group_id, user_id, client_id, channel,
				 epoch, content_type, content, created_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.ConversationID, e.GroupID, userID, clientID, string(e.Channel),
			e.Epoch, e.ContentType, e.Content, e.CreatedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) GetEntry(ctx context.Context, id uuid.UUID) (*store.Entry, error) {
	return scanEntry(r.q.QueryRow(ctx,
		`SELECT`+entryCols+` FROM entries WHERE id = $1`, id))
}

func (r *Repo) ListGroupEntries(ctx context.Context, groupID uuid.UUID) ([]*store.Entry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT`+entryCols+`
		FROM entries WHERE group_id = $1
		ORDER BY created_at_ms, id
	`, groupID)
	if err != nil {
		return nil, err
	}
	return r.collectEntries(rows)
}

func (r *Repo) LatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, bool, error) {
	var epoch *int64
	err := r.q.QueryRow(ctx, `
		SELECT MAX(epoch) FROM entries
		WHERE conversation_id = $1 AND client_id = $2 AND channel = 'MEMORY'
	`, conversationID, clientID).Scan(&epoch)
	if err != nil {
		return 0, false, err
	}
	if epoch == nil {
		return 0, false, nil
	}
	return *epoch, true, nil
}

func (r *Repo) ListEpochEntries(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]*store.Entry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT`+entryCols+`
		FROM entries
		WHERE conversation_id = $1 AND client_id = $2 AND channel = 'MEMORY' AND epoch = $3
		ORDER BY created_at_ms, id
	`, conversationID, clientID, epoch)
	if err != nil {
		return nil, err
	}
	return r.collectEntries(rows)
}

// Indexing

func (r *Repo) SetIndexedContent(ctx context.Context, entryID uuid.UUID, content string) error {
	_, err := r.q.Exec(ctx,
		`UPDATE entries SET indexed_content = $2 WHERE id = $1`, entryID, content)
	return err
}

func (r *Repo) SetIndexedAt(ctx context.Context, entryIDs []uuid.UUID, at time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE entries SET indexed_at = $2 WHERE id = ANY($1)`, entryIDs, at)
	return err
}

func (r *Repo) ListUnindexedEntries(ctx context.Context, after store.Cursor, limit int) ([]*store.Entry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT`+entryCols+`
		FROM entries
		WHERE channel = 'HISTORY' AND indexed_content IS NULL
		  AND (created_at_ms, id) > ($1, $2::uuid)
		ORDER BY created_at_ms, id
		LIMIT $3
	`, after.Ms, after.ID, limit)
	if err != nil {
		return nil, err
	}
	return r.collectEntries(rows)
}

func (r *Repo) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]*store.Entry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT`+entryCols+`
		FROM entries
		WHERE channel = 'HISTORY' AND indexed_content IS NOT NULL AND indexed_at IS NULL
		ORDER BY created_at_ms, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return r.collectEntries(rows)
}

// Ownership transfers

func (r *Repo) CreateTransfer(ctx context.Context, t *store.OwnershipTransfer) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO ownership_transfers (id, group_id, from_user_id, to_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.GroupID, t.FromUserID, t.ToUserID, t.CreatedAt)
	if isUniqueViolation(err) {
		return &store.ConflictError{Kind: "transfer", ID: t.GroupID.String(), Message: "a transfer is already pending for this group"}
	}
	return err
}

func scanTransfer(row pgx.Row) (*store.OwnershipTransfer, error) {
	t := &store.OwnershipTransfer{}
	err := row.Scan(&t.ID, &t.GroupID, &t.FromUserID, &t.ToUserID, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repo) GetTransfer(ctx context.Context, id uuid.UUID) (*store.OwnershipTransfer, error) {
	return scanTransfer(r.q.QueryRow(ctx, `
		SELECT id, group_id, from_user_id, to_user_id, created_at
		FROM ownership_transfers WHERE id = $1
	`, id))
}

func (r *Repo) FindTransferByGroup(ctx context.Context, groupID uuid.UUID) (*store.OwnershipTransfer, error) {
	return scanTransfer(r.q.QueryRow(ctx, `
		SELECT id, group_id, from_user_id, to_user_id, created_at
		FROM ownership_transfers WHERE group_id = $1
	`, groupID))
}

func (r *Repo) ListTransfersByUser(ctx context.Context, userID string, role store.TransferRole) ([]*store.OwnershipTransfer, error) {
	q := `
		SELECT id, group_id, from_user_id, to_user_id, created_at
		FROM ownership_transfers WHERE `
	switch role {
	case store.TransferRoleSender:
		q += `from_user_id = $1`
	case store.TransferRoleRecipient:
		q += `to_user_id = $1`
	default:
		q += `(from_user_id = $1 OR to_user_id = $1)`
	}
	q += ` ORDER BY created_at`
	rows, err := r.q.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.OwnershipTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) DeleteTransfer(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM ownership_transfers WHERE id = $1`, id)
	return err
}

func (r *Repo) DeleteGroupTransfers(ctx context.Context, groupID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM ownership_transfers WHERE group_id = $1`, groupID)
	return err
}

// Task queue

func (r *Repo) EnqueueTask(ctx context.Context, t *store.Task) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO tasks (id, task_name, task_type, task_body, created_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (task_name) DO NOTHING
	`, t.ID, t.TaskName, t.TaskType, t.TaskBody, t.CreatedAt)
	return err
}

// DequeueTasks claims due tasks with SKIP LOCKED; run it inside WithTx so the
// row locks survive until the worker finishes the batch.
func (r *Repo) DequeueTasks(ctx context.Context, limit int) ([]*store.Task, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, task_name, task_type, task_body, created_at, retry_at, last_error, retry_count
		FROM tasks
		WHERE retry_at IS NULL OR retry_at <= NOW()
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Task
	for rows.Next() {
		t := &store.Task{}
		if err := rows.Scan(&t.ID, &t.TaskName, &t.TaskType, &t.TaskBody,
			&t.CreatedAt, &t.RetryAt, &t.LastError, &t.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) CompleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}

func (r *Repo) FailTask(ctx context.Context, id uuid.UUID, reason string, retryAt time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE tasks SET last_error = $2, retry_at = $3, retry_count = retry_count + 1
		WHERE id = $1
	`, id, reason, retryAt)
	return err
}

// Eviction

func (r *Repo) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_groups WHERE deleted_at < $1`, cutoff).Scan(&n)
	return n, err
}

func (r *Repo) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM conversation_groups
		WHERE deleted_at < $1
		ORDER BY deleted_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repo) HardDeleteGroups(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.q.Exec(ctx,
		`DELETE FROM conversation_groups WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// staleEpochsCTE selects (conversation, client, epoch) tuples below the
// latest epoch of their key whose newest entry predates the cutoff.
const staleEpochsCTE = `
	WITH latest AS (
		SELECT conversation_id, client_id, MAX(epoch) AS max_epoch
		FROM entries
		WHERE channel = 'MEMORY'
		GROUP BY conversation_id, client_id
	), stale AS (
		SELECT e.conversation_id, e.client_id, e.epoch
		FROM entries e
		JOIN latest l ON l.conversation_id = e.conversation_id AND l.client_id = e.client_id
		WHERE e.channel = 'MEMORY' AND e.epoch < l.max_epoch
		GROUP BY e.conversation_id, e.client_id, e.epoch
		HAVING MAX(e.created_at_ms) < $1
	)`

func (r *Repo) FindEvictableEpochs(ctx context.Context, cutoff time.Time, limit int) ([]store.EpochKey, error) {
	rows, err := r.q.Query(ctx, staleEpochsCTE+`
		SELECT conversation_id, client_id, epoch FROM stale
		ORDER BY conversation_id, client_id, epoch
		LIMIT $2
	`, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []store.EpochKey
	for rows.Next() {
		var k store.EpochKey
		if err := rows.Scan(&k.ConversationID, &k.ClientID, &k.Epoch); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *Repo) CountEvictableEpochEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx, staleEpochsCTE+`
		SELECT COUNT(*)
		FROM entries e
		JOIN stale s ON s.conversation_id = e.conversation_id
			AND s.client_id = e.client_id AND s.epoch = e.epoch
		WHERE e.channel = 'MEMORY'
	`, cutoff.UnixMilli()).Scan(&n)
	return n, err
}

func (r *Repo) DeleteEntriesForEpochs(ctx context.Context, keys []store.EpochKey) (int64, error) {
	var total int64
	for _, k := range keys {
		tag, err := r.q.Exec(ctx, `
			DELETE FROM entries
			WHERE conversation_id = $1 AND client_id = $2 AND channel = 'MEMORY' AND epoch = $3
		`, k.ConversationID, k.ClientID, k.Epoch)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
