package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NewEntry is the caller-supplied shape of an entry to append.
type NewEntry struct {
	Channel     Channel           `json:"channel"`
	ContentType string            `json:"contentType"`
	Blocks      []json.RawMessage `json:"content"`
}

// ensureConversation resolves the target conversation for an append,
// creating the conversation, its group and an OWNER membership for the
// caller when the id does not exist yet. The title is inferred from the
// first entry's first textual block.
func (s *Store) ensureConversation(ctx context.Context, p Principal, id uuid.UUID, first []json.RawMessage) (*Conversation, error) {
	conv, err := s.repo.FindActiveConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv != nil {
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
		if m.AccessLevel.Rank() < AccessWriter.Rank() {
			return nil, &AccessDeniedError{Reason: "requires WRITER"}
		}
		return conv, nil
	}
	// Never resurrect a soft-deleted conversation through auto-create.
	if prior, err := s.repo.FindConversation(ctx, id); err != nil {
		return nil, err
	} else if prior != nil {
		return nil, notFound("conversation", id)
	}

	now := s.now().UTC()
	conv = &Conversation{
		ID:          id,
		GroupID:     uuid.New(),
		OwnerUserID: p.UserID,
		Title:       InferTitle(first),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sealTitle(ctx, conv); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(r Repository) error {
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
		Str("conversationId", id.String()).
		Str("userId", p.UserID).
		Msg("conversation auto-created on append")
	return conv, nil
}

// AppendUserEntry appends one HISTORY entry authored by the user, creating
// the conversation when it does not exist. Requires WRITER.
func (s *Store) AppendUserEntry(ctx context.Context, p Principal, conversationID uuid.UUID, in NewEntry) (*Entry, error) {
	if in.Channel != "" && in.Channel != ChannelHistory {
		return nil, &InvalidError{Field: "channel", Reason: "user entries are HISTORY only"}
	}
	conv, err := s.ensureConversation(ctx, p, conversationID, in.Blocks)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		GroupID:        conv.GroupID,
		UserID:         p.UserID,
		Channel:        ChannelHistory,
		ContentType:    in.ContentType,
		Blocks:         in.Blocks,
		CreatedAt:      s.nextTimestamp(),
	}
	if err := s.sealEntry(ctx, e); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(r Repository) error {
		if err := r.InsertEntries(ctx, []*Entry{e}); err != nil {
			return err
		}
		return r.TouchConversation(ctx, conv.ID, e.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// AppendAgentEntries appends a batch of agent-authored entries. MEMORY
// entries carry the explicit epoch when given; otherwise the batch shares the
// current latest epoch for (conversation, client), or 1 when none exists.
// HISTORY entries in the batch bump the conversation's updatedAt.
func (s *Store) AppendAgentEntries(ctx context.Context, p Principal, conversationID uuid.UUID, batch []NewEntry, clientID string, epoch *int64) ([]*Entry, error) {
	if len(batch) == 0 {
		return nil, &InvalidError{Field: "entries", Reason: "empty batch"}
	}
	for _, in := range batch {
		switch in.Channel {
		case ChannelHistory, ChannelMemory:
		default:
			return nil, &InvalidError{Field: "channel", Reason: "must be HISTORY or MEMORY"}
		}
		if in.Channel == ChannelMemory && clientID == "" {
			return nil, &InvalidError{Field: "clientId", Reason: "required for MEMORY entries"}
		}
	}
	if epoch != nil && *epoch < 1 {
		return nil, &InvalidError{Field: "epoch", Reason: "must be >= 1"}
	}
	conv, err := s.ensureConversation(ctx, p, conversationID, batch[0].Blocks)
	if err != nil {
		return nil, err
	}

	var (
		out        []*Entry
		hasHistory bool
		hasMemory  bool
		memEpoch   int64
	)
	err = s.repo.WithTx(ctx, func(r Repository) error {
		memEpoch = 0
		if epoch != nil {
			memEpoch = *epoch
		}
		entries := make([]*Entry, 0, len(batch))
		for _, in := range batch {
			e := &Entry{
				ID:             uuid.New(),
				ConversationID: conv.ID,
				GroupID:        conv.GroupID,
				UserID:         p.UserID,
				Channel:        in.Channel,
				ContentType:    in.ContentType,
				Blocks:         in.Blocks,
				CreatedAt:      s.nextTimestamp(),
			}
			if in.Channel == ChannelMemory {
				e.ClientID = clientID
				if memEpoch == 0 {
					latest, ok, err := r.LatestEpoch(ctx, conv.ID, clientID)
					if err != nil {
						return err
					}
					if !ok {
						latest = 1
					}
					memEpoch = latest
				}
				ep := memEpoch
				e.Epoch = &ep
				hasMemory = true
			} else {
				hasHistory = true
			}
			if err := s.sealEntry(ctx, e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		if err := r.InsertEntries(ctx, entries); err != nil {
			return err
		}
		out = entries
		if hasHistory {
			return r.TouchConversation(ctx, conv.ID, entries[len(entries)-1].CreatedAt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if hasMemory {
		s.refreshEpochCache(ctx, conv, clientID)
	}
	return out, nil
}

// refreshEpochCache writes the fork-aware LATEST view for the key through to
// the cache, removing the key when the view is empty. The cached list must be
// the same one a LATEST read computes on a miss: a fork's local epoch can
// collide with inherited ancestor memory, so caching only the conversation's
// own entries would make hits and cold reads disagree. Cache failures degrade
// to a warning.
func (s *Store) refreshEpochCache(ctx context.Context, conv *Conversation, clientID string) {
	full, err := s.timelineEntries(ctx, conv, nil)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("epoch cache refresh: timeline failed")
		return
	}
	ch := ChannelMemory
	entries := filterEntries(full, EntriesQuery{
		Channel:  &ch,
		ClientID: clientID,
		Epoch:    &EpochFilter{Mode: EpochLatest},
	})
	if err := s.openEntries(ctx, entries); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("epoch cache refresh: decrypt failed")
		return
	}
	if len(entries) == 0 {
		err = s.cache.Delete(ctx, conv.ID, clientID)
	} else {
		err = s.cache.Put(ctx, conv.ID, clientID, entries)
	}
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("epoch cache refresh failed")
	}
}
