package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IndexEntries persists plaintext index content for HISTORY entries and, when
// a vector backend is enabled, attempts a synchronous embedding upsert.
// Embedding failure is swallowed: the plaintext index is already durable and
// a singleton retry task picks the entries up later.
func (s *Store) IndexEntries(ctx context.Context, reqs []IndexRequest) error {
	indexed := make([]*Entry, 0, len(reqs))
	for _, req := range reqs {
		e, err := s.repo.GetEntry(ctx, req.EntryID)
		if err != nil {
			return err
		}
		if e == nil {
			return notFound("entry", req.EntryID)
		}
		if e.ConversationID != req.ConversationID {
			return &InvalidError{Field: "entryId", Reason: "entry does not belong to the conversation"}
		}
		if e.Channel != ChannelHistory {
			return &InvalidError{Field: "entryId", Reason: "only HISTORY entries are indexable"}
		}
		if err := s.repo.SetIndexedContent(ctx, e.ID, req.IndexedContent); err != nil {
			return err
		}
		e.IndexedContent = &req.IndexedContent
		indexed = append(indexed, e)
	}
	if !s.vec.Enabled() || len(indexed) == 0 {
		return nil
	}

	if err := s.vec.Upsert(ctx, indexed); err != nil {
		log.Ctx(ctx).Warn().Err(err).Int("entries", len(indexed)).
			Msg("vector upsert failed, scheduling retry")
		return s.enqueueIndexRetry(ctx)
	}
	ids := make([]uuid.UUID, len(indexed))
	for i, e := range indexed {
		ids[i] = e.ID
	}
	return s.repo.SetIndexedAt(ctx, ids, s.now().UTC())
}

// enqueueIndexRetry schedules the singleton retry-index task; a pending task
// with the same name makes this a no-op.
func (s *Store) enqueueIndexRetry(ctx context.Context) error {
	name := TaskRetryIndexEntries
	return s.repo.EnqueueTask(ctx, &Task{
		ID:        uuid.New(),
		TaskName:  &name,
		TaskType:  TaskRetryIndexEntries,
		TaskBody:  json.RawMessage(`{}`),
		CreatedAt: s.now().UTC(),
	})
}

// ListUnindexedEntries pages HISTORY entries that have no plaintext index
// yet, oldest first. cursor is the opaque cursor of the previous page's last
// entry, or "".
func (s *Store) ListUnindexedEntries(ctx context.Context, cursor string, limit int) ([]*Entry, string, error) {
	after, _ := DecodeCursor(cursor)
	entries, err := s.repo.ListUnindexedEntries(ctx, after, limit)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if limit > 0 && len(entries) == limit {
		next = EncodeCursor(CursorFromEntry(entries[len(entries)-1]))
	}
	if err := s.openEntries(ctx, entries); err != nil {
		return nil, "", err
	}
	return entries, next, nil
}

// FindEntriesPendingVectorIndexing returns entries whose plaintext index is
// persisted but whose embedding upsert has not succeeded.
func (s *Store) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]*Entry, error) {
	entries, err := s.repo.FindEntriesPendingVectorIndexing(ctx, limit)
	if err != nil {
		return nil, err
	}
	if err := s.openEntries(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SetIndexedAt marks entries as vector-indexed.
func (s *Store) SetIndexedAt(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return s.repo.SetIndexedAt(ctx, ids, at)
}
