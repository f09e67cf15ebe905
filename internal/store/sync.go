package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SyncAgentEntry reconciles an agent's full view of its working memory with
// what the store holds at the current epoch. Outcomes, decided in order:
//
//  1. any entry at the latest epoch has a different contentType -> diverge:
//     one new entry at epoch L+1 carrying all incoming blocks;
//  2. stored blocks equal incoming -> no-op;
//  3. stored blocks are a strict prefix of incoming -> extend: one new entry
//     at epoch L carrying only the tail;
//  4. otherwise -> diverge as in (1).
//
// The read of the latest epoch and the append run in one repository
// transaction, so concurrent syncs on the same (conversation, client)
// serialize on the backing store.
func (s *Store) SyncAgentEntry(ctx context.Context, p Principal, conversationID uuid.UUID, in NewEntry, clientID string) (*SyncResult, error) {
	if in.Channel != ChannelMemory {
		return nil, &InvalidError{Field: "channel", Reason: "sync entries must be MEMORY"}
	}
	if clientID == "" {
		return nil, &InvalidError{Field: "clientId", Reason: "required"}
	}
	conv, err := s.ensureConversation(ctx, p, conversationID, in.Blocks)
	if err != nil {
		return nil, err
	}

	var res SyncResult
	err = s.repo.WithTx(ctx, func(r Repository) error {
		latest, hasEpoch, err := r.LatestEpoch(ctx, conv.ID, clientID)
		if err != nil {
			return err
		}
		var current []*Entry
		if hasEpoch {
			current, err = r.ListEpochEntries(ctx, conv.ID, clientID, latest)
			if err != nil {
				return err
			}
			if err := s.openEntries(ctx, current); err != nil {
				return err
			}
		}

		diverge := false
		for _, e := range current {
			if e.ContentType != in.ContentType {
				diverge = true
				break
			}
		}

		write := in.Blocks
		target := latest
		if !hasEpoch {
			target = 1
		}
		if !diverge {
			existing := flattenBlocks(current)
			if eq, err := blocksEqual(existing, write); err != nil {
				return &InvalidError{Field: "content", Reason: err.Error()}
			} else if eq {
				res = SyncResult{Epoch: latest, NoOp: true}
				return nil
			}
			tail, isPrefix, err := blocksPrefix(existing, write)
			if err != nil {
				return &InvalidError{Field: "content", Reason: err.Error()}
			}
			if isPrefix {
				if len(tail) == 0 {
					res = SyncResult{Epoch: latest, NoOp: true}
					return nil
				}
				write = tail
			} else {
				diverge = true
			}
		}
		if diverge {
			target = latest + 1
			if !hasEpoch {
				target = 1
			}
			write = in.Blocks
		}

		ep := target
		e := &Entry{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			GroupID:        conv.GroupID,
			UserID:         p.UserID,
			ClientID:       clientID,
			Channel:        ChannelMemory,
			Epoch:          &ep,
			ContentType:    in.ContentType,
			Blocks:         write,
			CreatedAt:      s.nextTimestamp(),
		}
		if err := s.sealEntry(ctx, e); err != nil {
			return err
		}
		if err := r.InsertEntries(ctx, []*Entry{e}); err != nil {
			return err
		}
		res = SyncResult{
			Entry:            e,
			Epoch:            target,
			EpochIncremented: hasEpoch && diverge,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.NoOp {
		s.refreshEpochCache(ctx, conv, clientID)
		log.Ctx(ctx).Debug().
			Str("conversationId", conv.ID.String()).
			Str("clientId", clientID).
			Int64("epoch", res.Epoch).
			Bool("epochIncremented", res.EpochIncremented).
			Msg("memory sync applied")
	}
	return &res, nil
}
