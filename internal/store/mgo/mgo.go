// Package mgo is the MongoDB persistence driver for the conversation store.
//
// Multi-document transactions need a replica set; against a standalone server
// construct the repo with transactional=false and WithTx degrades to running
// the callback directly (single-document atomicity only). Task claiming uses
// atomic findOneAndUpdate leases instead of row locks.
package mgo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/erauner12/memory-api/internal/store"
)

const taskLease = time.Minute

// Repo implements store.Repository over MongoDB.
type Repo struct {
	client        *mongo.Client
	db            *mongo.Database
	transactional bool

	// sessCtx is set on the tx-bound copy handed to WithTx callbacks so the
	// session wins over whatever context the callback captured.
	sessCtx context.Context

	now func() time.Time
}

func New(client *mongo.Client, db *mongo.Database, transactional bool) *Repo {
	return &Repo{client: client, db: db, transactional: transactional, now: time.Now}
}

func (m *Repo) groups() *mongo.Collection    { return m.db.Collection("conversation_groups") }
func (m *Repo) convs() *mongo.Collection     { return m.db.Collection("conversations") }
func (m *Repo) members() *mongo.Collection   { return m.db.Collection("memberships") }
func (m *Repo) entries() *mongo.Collection   { return m.db.Collection("entries") }
func (m *Repo) transfers() *mongo.Collection { return m.db.Collection("ownership_transfers") }
func (m *Repo) tasks() *mongo.Collection     { return m.db.Collection("tasks") }

func (m *Repo) ctx(ctx context.Context) context.Context {
	if m.sessCtx != nil {
		return m.sessCtx
	}
	return ctx
}

// EnsureIndexes creates the required indexes. Safe to run on every startup.
func (m *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := m.convs().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "group_id", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.members().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.entries().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "created_at_ms", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "client_id", Value: 1}, {Key: "epoch", Value: 1}}},
		{Keys: bson.D{{Key: "created_at_ms", Value: 1}, {Key: "_id", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.transfers().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "group_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = m.tasks().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "task_name", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	return err
}

// WithTx runs fn in a multi-document transaction when the deployment supports
// it. Nested calls reuse the enclosing session.
func (m *Repo) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	if !m.transactional || m.sessCtx != nil {
		return fn(m)
	}
	sess, err := m.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		bound := *m
		bound.sessCtx = sc
		return nil, fn(&bound)
	})
	return err
}

// Document shapes. UUIDs persist as canonical strings.

type groupDoc struct {
	ID        string     `bson:"_id"`
	CreatedAt time.Time  `bson:"created_at"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty"`
}

type convDoc struct {
	ID                     string     `bson:"_id"`
	GroupID                string     `bson:"group_id"`
	OwnerUserID            string     `bson:"owner_user_id"`
	TitleCipher            []byte     `bson:"title_cipher,omitempty"`
	Metadata               []byte     `bson:"metadata,omitempty"`
	ForkedAtConversationID *string    `bson:"forked_at_conversation_id,omitempty"`
	ForkedAtEntryID        *string    `bson:"forked_at_entry_id,omitempty"`
	CreatedAt              time.Time  `bson:"created_at"`
	UpdatedAt              time.Time  `bson:"updated_at"`
	DeletedAt              *time.Time `bson:"deleted_at,omitempty"`
	VectorizedAt           *time.Time `bson:"vectorized_at,omitempty"`
}

type memberDoc struct {
	GroupID     string    `bson:"group_id"`
	UserID      string    `bson:"user_id"`
	AccessLevel int       `bson:"access_level"`
	CreatedAt   time.Time `bson:"created_at"`
}

type entryDoc struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversation_id"`
	GroupID        string     `bson:"group_id"`
	UserID         string     `bson:"user_id,omitempty"`
	ClientID       string     `bson:"client_id,omitempty"`
	Channel        string     `bson:"channel"`
	Epoch          *int64     `bson:"epoch,omitempty"`
	ContentType    string     `bson:"content_type"`
	Content        []byte     `bson:"content"`
	IndexedContent *string    `bson:"indexed_content,omitempty"`
	IndexedAt      *time.Time `bson:"indexed_at,omitempty"`
	CreatedAtMs    int64      `bson:"created_at_ms"`
}

type transferDoc struct {
	ID         string    `bson:"_id"`
	GroupID    string    `bson:"group_id"`
	FromUserID string    `bson:"from_user_id"`
	ToUserID   string    `bson:"to_user_id"`
	CreatedAt  time.Time `bson:"created_at"`
}

type taskDoc struct {
	ID          string     `bson:"_id"`
	TaskName    *string    `bson:"task_name,omitempty"`
	TaskType    string     `bson:"task_type"`
	TaskBody    []byte     `bson:"task_body"`
	CreatedAt   time.Time  `bson:"created_at"`
	RetryAt     *time.Time `bson:"retry_at,omitempty"`
	LastError   *string    `bson:"last_error,omitempty"`
	RetryCount  int        `bson:"retry_count"`
	LockedUntil *time.Time `bson:"locked_until,omitempty"`
}

func optID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseOptID(s *string) (*uuid.UUID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func toConvDoc(c *store.Conversation) convDoc {
	return convDoc{
		ID:                     c.ID.String(),
		GroupID:                c.GroupID.String(),
		OwnerUserID:            c.OwnerUserID,
		TitleCipher:            c.TitleCipher,
		Metadata:               c.Metadata,
		ForkedAtConversationID: optID(c.ForkedAtConversationID),
		ForkedAtEntryID:        optID(c.ForkedAtEntryID),
		CreatedAt:              c.CreatedAt.UTC(),
		UpdatedAt:              c.UpdatedAt.UTC(),
		DeletedAt:              c.DeletedAt,
		VectorizedAt:           c.VectorizedAt,
	}
}

func fromConvDoc(d convDoc) (*store.Conversation, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	groupID, err := uuid.Parse(d.GroupID)
	if err != nil {
		return nil, err
	}
	forkConv, err := parseOptID(d.ForkedAtConversationID)
	if err != nil {
		return nil, err
	}
	forkEntry, err := parseOptID(d.ForkedAtEntryID)
	if err != nil {
		return nil, err
	}
	return &store.Conversation{
		ID:                     id,
		GroupID:                groupID,
		OwnerUserID:            d.OwnerUserID,
		TitleCipher:            d.TitleCipher,
		Metadata:               d.Metadata,
		ForkedAtConversationID: forkConv,
		ForkedAtEntryID:        forkEntry,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
		DeletedAt:              d.DeletedAt,
		VectorizedAt:           d.VectorizedAt,
	}, nil
}

func fromEntryDoc(d entryDoc) (*store.Entry, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	convID, err := uuid.Parse(d.ConversationID)
	if err != nil {
		return nil, err
	}
	groupID, err := uuid.Parse(d.GroupID)
	if err != nil {
		return nil, err
	}
	return &store.Entry{
		ID:             id,
		ConversationID: convID,
		GroupID:        groupID,
		UserID:         d.UserID,
		ClientID:       d.ClientID,
		Channel:        store.Channel(d.Channel),
		Epoch:          d.Epoch,
		ContentType:    d.ContentType,
		Content:        d.Content,
		IndexedContent: d.IndexedContent,
		IndexedAt:      d.IndexedAt,
		CreatedAt:      time.UnixMilli(d.CreatedAtMs).UTC(),
	}, nil
}

// Groups

func (m *Repo) CreateGroup(ctx context.Context, g *store.ConversationGroup) error {
	_, err := m.groups().InsertOne(m.ctx(ctx), groupDoc{
		ID: g.ID.String(), CreatedAt: g.CreatedAt.UTC(), DeletedAt: g.DeletedAt,
	})
	return err
}

func (m *Repo) GetGroup(ctx context.Context, id uuid.UUID) (*store.ConversationGroup, error) {
	var d groupDoc
	err := m.groups().FindOne(m.ctx(ctx), bson.M{"_id": id.String()}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	gid, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	return &store.ConversationGroup{ID: gid, CreatedAt: d.CreatedAt, DeletedAt: d.DeletedAt}, nil
}

func (m *Repo) SoftDeleteGroupTree(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	ctx = m.ctx(ctx)
	_, err := m.groups().UpdateOne(ctx,
		bson.M{"_id": groupID.String(), "deleted_at": nil},
		bson.M{"$set": bson.M{"deleted_at": at.UTC()}})
	if err != nil {
		return err
	}
	_, err = m.convs().UpdateMany(ctx,
		bson.M{"group_id": groupID.String(), "deleted_at": nil},
		bson.M{"$set": bson.M{"deleted_at": at.UTC()}})
	return err
}

func (m *Repo) RestoreGroupTree(ctx context.Context, groupID uuid.UUID) error {
	ctx = m.ctx(ctx)
	_, err := m.groups().UpdateOne(ctx,
		bson.M{"_id": groupID.String()},
		bson.M{"$unset": bson.M{"deleted_at": ""}})
	if err != nil {
		return err
	}
	_, err = m.convs().UpdateMany(ctx,
		bson.M{"group_id": groupID.String()},
		bson.M{"$unset": bson.M{"deleted_at": ""}})
	return err
}

// Conversations

func (m *Repo) CreateConversation(ctx context.Context, c *store.Conversation) error {
	_, err := m.convs().InsertOne(m.ctx(ctx), toConvDoc(c))
	return err
}

func (m *Repo) findConversation(ctx context.Context, filter bson.M) (*store.Conversation, error) {
	var d convDoc
	err := m.convs().FindOne(m.ctx(ctx), filter).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromConvDoc(d)
}

func (m *Repo) FindConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	return m.findConversation(ctx, bson.M{"_id": id.String()})
}

func (m *Repo) FindActiveConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	c, err := m.findConversation(ctx, bson.M{"_id": id.String(), "deleted_at": nil})
	if err != nil || c == nil {
		return c, err
	}
	g, err := m.GetGroup(ctx, c.GroupID)
	if err != nil {
		return nil, err
	}
	if g == nil || g.DeletedAt != nil {
		return nil, nil
	}
	return c, nil
}

func (m *Repo) collectConversations(ctx context.Context, cur *mongo.Cursor) ([]*store.Conversation, error) {
	defer cur.Close(ctx)
	var out []*store.Conversation
	for cur.Next(ctx) {
		var d convDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		c, err := fromConvDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

func (m *Repo) ListVisibleConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	ctx = m.ctx(ctx)
	mcur, err := m.members().Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var groupIDs []string
	for mcur.Next(ctx) {
		var d memberDoc
		if err := mcur.Decode(&d); err != nil {
			mcur.Close(ctx)
			return nil, err
		}
		groupIDs = append(groupIDs, d.GroupID)
	}
	if err := mcur.Err(); err != nil {
		mcur.Close(ctx)
		return nil, err
	}
	mcur.Close(ctx)
	if len(groupIDs) == 0 {
		return nil, nil
	}

	gcur, err := m.groups().Find(ctx, bson.M{"_id": bson.M{"$in": groupIDs}, "deleted_at": nil})
	if err != nil {
		return nil, err
	}
	var activeGroups []string
	for gcur.Next(ctx) {
		var d groupDoc
		if err := gcur.Decode(&d); err != nil {
			gcur.Close(ctx)
			return nil, err
		}
		activeGroups = append(activeGroups, d.ID)
	}
	if err := gcur.Err(); err != nil {
		gcur.Close(ctx)
		return nil, err
	}
	gcur.Close(ctx)
	if len(activeGroups) == 0 {
		return nil, nil
	}

	cur, err := m.convs().Find(ctx,
		bson.M{"group_id": bson.M{"$in": activeGroups}, "deleted_at": nil},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return m.collectConversations(ctx, cur)
}

func (m *Repo) ListGroupConversations(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]*store.Conversation, error) {
	ctx = m.ctx(ctx)
	filter := bson.M{"group_id": groupID.String()}
	if !includeDeleted {
		filter["deleted_at"] = nil
	}
	cur, err := m.convs().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return m.collectConversations(ctx, cur)
}

func (m *Repo) UpdateConversationOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error {
	_, err := m.convs().UpdateMany(m.ctx(ctx),
		bson.M{"group_id": groupID.String()},
		bson.M{"$set": bson.M{"owner_user_id": ownerUserID}})
	return err
}

func (m *Repo) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := m.convs().UpdateOne(m.ctx(ctx),
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"updated_at": at.UTC()}})
	return err
}

// Memberships

func (m *Repo) UpsertMembership(ctx context.Context, mb *store.Membership) error {
	_, err := m.members().UpdateOne(m.ctx(ctx),
		bson.M{"group_id": mb.GroupID.String(), "user_id": mb.UserID},
		bson.M{
			"$set":         bson.M{"access_level": int(mb.AccessLevel)},
			"$setOnInsert": bson.M{"created_at": mb.CreatedAt.UTC()},
		},
		options.Update().SetUpsert(true))
	return err
}

func (m *Repo) GetMembership(ctx context.Context, groupID uuid.UUID, userID string) (*store.Membership, error) {
	var d memberDoc
	err := m.members().FindOne(m.ctx(ctx),
		bson.M{"group_id": groupID.String(), "user_id": userID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	gid, err := uuid.Parse(d.GroupID)
	if err != nil {
		return nil, err
	}
	return &store.Membership{
		GroupID: gid, UserID: d.UserID,
		AccessLevel: store.AccessLevel(d.AccessLevel), CreatedAt: d.CreatedAt,
	}, nil
}

func (m *Repo) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]*store.Membership, error) {
	ctx = m.ctx(ctx)
	cur, err := m.members().Find(ctx, bson.M{"group_id": groupID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*store.Membership
	for cur.Next(ctx) {
		var d memberDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		gid, err := uuid.Parse(d.GroupID)
		if err != nil {
			return nil, err
		}
		out = append(out, &store.Membership{
			GroupID: gid, UserID: d.UserID,
			AccessLevel: store.AccessLevel(d.AccessLevel), CreatedAt: d.CreatedAt,
		})
	}
	return out, cur.Err()
}

func (m *Repo) DeleteMembership(ctx context.Context, groupID uuid.UUID, userID string) error {
	_, err := m.members().DeleteOne(m.ctx(ctx),
		bson.M{"group_id": groupID.String(), "user_id": userID})
	return err
}

func (m *Repo) DeleteGroupMemberships(ctx context.Context, groupID uuid.UUID) error {
	_, err := m.members().DeleteMany(m.ctx(ctx), bson.M{"group_id": groupID.String()})
	return err
}

// Entries

func (m *Repo) InsertEntries(ctx context.Context, entries []*store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = entryDoc{
			ID:             e.ID.String(),
			ConversationID: e.ConversationID.String(),
			GroupID:        e.GroupID.String(),
			UserID:         e.UserID,
			ClientID:       e.ClientID,
			Channel:        string(e.Channel),
			Epoch:          e.Epoch,
			ContentType:    e.ContentType,
			Content:        e.Content,
			CreatedAtMs:    e.CreatedAt.UnixMilli(),
		}
	}
	_, err := m.entries().InsertMany(m.ctx(ctx), docs, options.InsertMany().SetOrdered(true))
	return err
}

func (m *Repo) GetEntry(ctx context.Context, id uuid.UUID) (*store.Entry, error) {
	var d entryDoc
	err := m.entries().FindOne(m.ctx(ctx), bson.M{"_id": id.String()}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromEntryDoc(d)
}

var entryOrder = bson.D{{Key: "created_at_ms", Value: 1}, {Key: "_id", Value: 1}}

func (m *Repo) collectEntries(ctx context.Context, cur *mongo.Cursor) ([]*store.Entry, error) {
	defer cur.Close(ctx)
	var out []*store.Entry
	for cur.Next(ctx) {
		var d entryDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		e, err := fromEntryDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

func (m *Repo) ListGroupEntries(ctx context.Context, groupID uuid.UUID) ([]*store.Entry, error) {
	ctx = m.ctx(ctx)
	cur, err := m.entries().Find(ctx, bson.M{"group_id": groupID.String()},
		options.Find().SetSort(entryOrder))
	if err != nil {
		return nil, err
	}
	return m.collectEntries(ctx, cur)
}

func (m *Repo) LatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, bool, error) {
	var d entryDoc
	err := m.entries().FindOne(m.ctx(ctx),
		bson.M{
			"conversation_id": conversationID.String(),
			"client_id":       clientID,
			"channel":         string(store.ChannelMemory),
		},
		options.FindOne().SetSort(bson.D{{Key: "epoch", Value: -1}})).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if d.Epoch == nil {
		return 0, false, nil
	}
	return *d.Epoch, true, nil
}

func (m *Repo) ListEpochEntries(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]*store.Entry, error) {
	ctx = m.ctx(ctx)
	cur, err := m.entries().Find(ctx, bson.M{
		"conversation_id": conversationID.String(),
		"client_id":       clientID,
		"channel":         string(store.ChannelMemory),
		"epoch":           epoch,
	}, options.Find().SetSort(entryOrder))
	if err != nil {
		return nil, err
	}
	return m.collectEntries(ctx, cur)
}

// Indexing

func (m *Repo) SetIndexedContent(ctx context.Context, entryID uuid.UUID, content string) error {
	_, err := m.entries().UpdateOne(m.ctx(ctx),
		bson.M{"_id": entryID.String()},
		bson.M{"$set": bson.M{"indexed_content": content}})
	return err
}

func (m *Repo) SetIndexedAt(ctx context.Context, entryIDs []uuid.UUID, at time.Time) error {
	ids := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		ids[i] = id.String()
	}
	_, err := m.entries().UpdateMany(m.ctx(ctx),
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"indexed_at": at.UTC()}})
	return err
}

func (m *Repo) ListUnindexedEntries(ctx context.Context, after store.Cursor, limit int) ([]*store.Entry, error) {
	ctx = m.ctx(ctx)
	cur, err := m.entries().Find(ctx, bson.M{
		"channel":         string(store.ChannelHistory),
		"indexed_content": nil,
		"$or": bson.A{
			bson.M{"created_at_ms": bson.M{"$gt": after.Ms}},
			bson.M{"created_at_ms": after.Ms, "_id": bson.M{"$gt": after.ID.String()}},
		},
	}, options.Find().SetSort(entryOrder).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return m.collectEntries(ctx, cur)
}

func (m *Repo) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]*store.Entry, error) {
	ctx = m.ctx(ctx)
	cur, err := m.entries().Find(ctx, bson.M{
		"channel":         string(store.ChannelHistory),
		"indexed_content": bson.M{"$ne": nil},
		"indexed_at":      nil,
	}, options.Find().SetSort(entryOrder).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return m.collectEntries(ctx, cur)
}

// Ownership transfers

func (m *Repo) CreateTransfer(ctx context.Context, t *store.OwnershipTransfer) error {
	_, err := m.transfers().InsertOne(m.ctx(ctx), transferDoc{
		ID:         t.ID.String(),
		GroupID:    t.GroupID.String(),
		FromUserID: t.FromUserID,
		ToUserID:   t.ToUserID,
		CreatedAt:  t.CreatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return &store.ConflictError{Kind: "transfer", ID: t.GroupID.String(), Message: "a transfer is already pending for this group"}
	}
	return err
}

func fromTransferDoc(d transferDoc) (*store.OwnershipTransfer, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	gid, err := uuid.Parse(d.GroupID)
	if err != nil {
		return nil, err
	}
	return &store.OwnershipTransfer{
		ID: id, GroupID: gid,
		FromUserID: d.FromUserID, ToUserID: d.ToUserID, CreatedAt: d.CreatedAt,
	}, nil
}

func (m *Repo) findTransfer(ctx context.Context, filter bson.M) (*store.OwnershipTransfer, error) {
	var d transferDoc
	err := m.transfers().FindOne(m.ctx(ctx), filter).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromTransferDoc(d)
}

func (m *Repo) GetTransfer(ctx context.Context, id uuid.UUID) (*store.OwnershipTransfer, error) {
	return m.findTransfer(ctx, bson.M{"_id": id.String()})
}

func (m *Repo) FindTransferByGroup(ctx context.Context, groupID uuid.UUID) (*store.OwnershipTransfer, error) {
	return m.findTransfer(ctx, bson.M{"group_id": groupID.String()})
}

func (m *Repo) ListTransfersByUser(ctx context.Context, userID string, role store.TransferRole) ([]*store.OwnershipTransfer, error) {
	ctx = m.ctx(ctx)
	var filter bson.M
	switch role {
	case store.TransferRoleSender:
		filter = bson.M{"from_user_id": userID}
	case store.TransferRoleRecipient:
		filter = bson.M{"to_user_id": userID}
	default:
		filter = bson.M{"$or": bson.A{
			bson.M{"from_user_id": userID},
			bson.M{"to_user_id": userID},
		}}
	}
	cur, err := m.transfers().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*store.OwnershipTransfer
	for cur.Next(ctx) {
		var d transferDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		t, err := fromTransferDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, cur.Err()
}

func (m *Repo) DeleteTransfer(ctx context.Context, id uuid.UUID) error {
	_, err := m.transfers().DeleteOne(m.ctx(ctx), bson.M{"_id": id.String()})
	return err
}

func (m *Repo) DeleteGroupTransfers(ctx context.Context, groupID uuid.UUID) error {
	_, err := m.transfers().DeleteMany(m.ctx(ctx), bson.M{"group_id": groupID.String()})
	return err
}

// Task queue

func (m *Repo) EnqueueTask(ctx context.Context, t *store.Task) error {
	_, err := m.tasks().InsertOne(m.ctx(ctx), taskDoc{
		ID:         t.ID.String(),
		TaskName:   t.TaskName,
		TaskType:   t.TaskType,
		TaskBody:   t.TaskBody,
		CreatedAt:  t.CreatedAt.UTC(),
		RetryCount: t.RetryCount,
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// DequeueTasks claims due tasks one by one with atomic findOneAndUpdate
// leases; a claimed task stays invisible to other workers until the lease
// expires.
func (m *Repo) DequeueTasks(ctx context.Context, limit int) ([]*store.Task, error) {
	ctx = m.ctx(ctx)
	now := m.now().UTC()
	var out []*store.Task
	for len(out) < limit {
		filter := bson.M{
			"$and": bson.A{
				bson.M{"$or": bson.A{
					bson.M{"retry_at": nil},
					bson.M{"retry_at": bson.M{"$lte": now}},
				}},
				bson.M{"$or": bson.A{
					bson.M{"locked_until": nil},
					bson.M{"locked_until": bson.M{"$lte": now}},
				}},
			},
		}
		var d taskDoc
		err := m.tasks().FindOneAndUpdate(ctx, filter,
			bson.M{"$set": bson.M{"locked_until": now.Add(taskLease)}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "created_at", Value: 1}}).
				SetReturnDocument(options.After)).Decode(&d)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &store.Task{
			ID:         id,
			TaskName:   d.TaskName,
			TaskType:   d.TaskType,
			TaskBody:   d.TaskBody,
			CreatedAt:  d.CreatedAt,
			RetryAt:    d.RetryAt,
			LastError:  d.LastError,
			RetryCount: d.RetryCount,
		})
	}
	return out, nil
}

func (m *Repo) CompleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := m.tasks().DeleteOne(m.ctx(ctx), bson.M{"_id": id.String()})
	return err
}

func (m *Repo) FailTask(ctx context.Context, id uuid.UUID, reason string, retryAt time.Time) error {
	_, err := m.tasks().UpdateOne(m.ctx(ctx),
		bson.M{"_id": id.String()},
		bson.M{
			"$set":   bson.M{"last_error": reason, "retry_at": retryAt.UTC()},
			"$unset": bson.M{"locked_until": ""},
			"$inc":   bson.M{"retry_count": 1},
		})
	return err
}

// Eviction

func (m *Repo) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.groups().CountDocuments(m.ctx(ctx),
		bson.M{"deleted_at": bson.M{"$ne": nil, "$lt": cutoff.UTC()}})
}

// FindEvictableGroupIDs has no row-lock equivalent in mongo; concurrent
// workers may select overlapping batches, which is safe because hard delete
// and the named cleanup tasks are both idempotent.
func (m *Repo) FindEvictableGroupIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	ctx = m.ctx(ctx)
	cur, err := m.groups().Find(ctx,
		bson.M{"deleted_at": bson.M{"$ne": nil, "$lt": cutoff.UTC()}},
		options.Find().
			SetSort(bson.D{{Key: "deleted_at", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var ids []uuid.UUID
	for cur.Next(ctx) {
		var d struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, cur.Err()
}

func (m *Repo) HardDeleteGroups(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx = m.ctx(ctx)
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	in := bson.M{"$in": strIDs}
	if _, err := m.entries().DeleteMany(ctx, bson.M{"group_id": in}); err != nil {
		return 0, err
	}
	if _, err := m.members().DeleteMany(ctx, bson.M{"group_id": in}); err != nil {
		return 0, err
	}
	if _, err := m.transfers().DeleteMany(ctx, bson.M{"group_id": in}); err != nil {
		return 0, err
	}
	if _, err := m.convs().DeleteMany(ctx, bson.M{"group_id": in}); err != nil {
		return 0, err
	}
	res, err := m.groups().DeleteMany(ctx, bson.M{"_id": in})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// epochStat is one (conversation, client, epoch) aggregate.
type epochStat struct {
	Key struct {
		ConversationID string `bson:"conversation_id"`
		ClientID       string `bson:"client_id"`
		Epoch          int64  `bson:"epoch"`
	} `bson:"_id"`
	MaxCreatedMs int64 `bson:"max_created_ms"`
	Count        int64 `bson:"count"`
}

// staleEpochStats aggregates every MEMORY epoch with its newest timestamp and
// entry count, then filters to non-latest epochs older than the cutoff.
func (m *Repo) staleEpochStats(ctx context.Context, cutoff time.Time) ([]epochStat, error) {
	ctx = m.ctx(ctx)
	cur, err := m.entries().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"channel": string(store.ChannelMemory)}}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{
				"conversation_id": "$conversation_id",
				"client_id":       "$client_id",
				"epoch":           "$epoch",
			},
			"max_created_ms": bson.M{"$max": "$created_at_ms"},
			"count":          bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "_id.conversation_id", Value: 1},
			{Key: "_id.client_id", Value: 1},
			{Key: "_id.epoch", Value: 1},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var all []epochStat
	for cur.Next(ctx) {
		var s epochStat
		if err := cur.Decode(&s); err != nil {
			return nil, err
		}
		all = append(all, s)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	latest := make(map[string]int64)
	for _, s := range all {
		k := s.Key.ConversationID + "\x00" + s.Key.ClientID
		if s.Key.Epoch > latest[k] {
			latest[k] = s.Key.Epoch
		}
	}
	cutoffMs := cutoff.UnixMilli()
	var stale []epochStat
	for _, s := range all {
		k := s.Key.ConversationID + "\x00" + s.Key.ClientID
		if s.Key.Epoch < latest[k] && s.MaxCreatedMs < cutoffMs {
			stale = append(stale, s)
		}
	}
	return stale, nil
}

func (m *Repo) FindEvictableEpochs(ctx context.Context, cutoff time.Time, limit int) ([]store.EpochKey, error) {
	stale, err := m.staleEpochStats(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(stale) > limit {
		stale = stale[:limit]
	}
	keys := make([]store.EpochKey, 0, len(stale))
	for _, s := range stale {
		convID, err := uuid.Parse(s.Key.ConversationID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, store.EpochKey{
			ConversationID: convID,
			ClientID:       s.Key.ClientID,
			Epoch:          s.Key.Epoch,
		})
	}
	return keys, nil
}

func (m *Repo) CountEvictableEpochEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	stale, err := m.staleEpochStats(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, s := range stale {
		n += s.Count
	}
	return n, nil
}

func (m *Repo) DeleteEntriesForEpochs(ctx context.Context, keys []store.EpochKey) (int64, error) {
	ctx = m.ctx(ctx)
	var total int64
	for _, k := range keys {
		res, err := m.entries().DeleteMany(ctx, bson.M{
			"conversation_id": k.ConversationID.String(),
			"client_id":       k.ClientID,
			"channel":         string(store.ChannelMemory),
			"epoch":           k.Epoch,
		})
		if err != nil {
			return total, err
		}
		total += res.DeletedCount
	}
	return total, nil
}
