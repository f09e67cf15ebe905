package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxAncestryDepth bounds the fork-chain walk; a chain this deep means a
// corrupt back reference.
const maxAncestryDepth = 1024

// ancestor is one element of the ancestry stack, root first. stop is the
// fork-point entry id in this ancestor taken from its child; nil marks the
// target conversation itself.
type ancestor struct {
	conversationID uuid.UUID
	stop           *uuid.UUID
}

// ancestryStack walks forkedAtConversationId links from the target up to the
// root and returns the chain root-first.
func (s *Store) ancestryStack(ctx context.Context, conv *Conversation) ([]ancestor, error) {
	stack := []ancestor{{conversationID: conv.ID}}
	seen := map[uuid.UUID]bool{conv.ID: true}
	cur := conv
	for cur.ForkedAtConversationID != nil {
		if len(stack) >= maxAncestryDepth {
			return nil, &InvalidError{Field: "conversationId", Reason: "fork ancestry too deep"}
		}
		parentID := *cur.ForkedAtConversationID
		if seen[parentID] {
			return nil, &InvalidError{Field: "conversationId", Reason: "fork ancestry contains a cycle"}
		}
		seen[parentID] = true
		parent, err := s.repo.FindConversation(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, notFound("conversation", parentID)
		}
		stack = append(stack, ancestor{conversationID: parentID, stop: cur.ForkedAtEntryID})
		cur = parent
	}
	// Reverse to root-first order.
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack, nil
}

// forkScan reduces a (createdAt, id)-ordered group scan to the timeline of
// the target conversation: each ancestor contributes its entries up to and
// including the fork point, then hands the cursor to the next ancestor.
// Fork-point tracking uses id equality only, never the channel.
func forkScan(entries []*Entry, stack []ancestor) []*Entry {
	out := make([]*Entry, 0, len(entries))
	i := 0
	for _, e := range entries {
		if e.ConversationID != stack[i].conversationID {
			continue
		}
		out = append(out, e)
		if stack[i].stop != nil && e.ID == *stack[i].stop && i < len(stack)-1 {
			i++
		}
	}
	return out
}

// timelineEntries returns the full fork-aware timeline of a conversation,
// optionally restricted to one channel.
func (s *Store) timelineEntries(ctx context.Context, conv *Conversation, ch *Channel) ([]*Entry, error) {
	group, err := s.repo.ListGroupEntries(ctx, conv.GroupID)
	if err != nil {
		return nil, err
	}
	stack, err := s.ancestryStack(ctx, conv)
	if err != nil {
		return nil, err
	}
	timeline := forkScan(group, stack)
	if ch == nil {
		return timeline, nil
	}
	out := timeline[:0]
	for _, e := range timeline {
		if e.Channel == *ch {
			out = append(out, e)
		}
	}
	return out, nil
}

// filterEntries applies the channel, client and epoch filters to a timeline.
// In LATEST mode a higher epoch appearing mid-scan discards everything
// accumulated for the lower epoch: ancestors may carry epochs superseded
// later in the timeline. Supersession is scoped per client, so one client's
// epochs never discard another's memory when no clientId filter is given.
func filterEntries(timeline []*Entry, q EntriesQuery) []*Entry {
	out := make([]*Entry, 0, len(timeline))
	latest := map[string]int64{}
	for _, e := range timeline {
		if q.Channel != nil && e.Channel != *q.Channel {
			continue
		}
		if e.Channel != ChannelMemory {
			out = append(out, e)
			continue
		}
		if q.ClientID != "" && e.ClientID != q.ClientID {
			continue
		}
		if q.Epoch == nil || e.Epoch == nil {
			out = append(out, e)
			continue
		}
		switch q.Epoch.Mode {
		case EpochAll:
			out = append(out, e)
		case EpochExact:
			if *e.Epoch == q.Epoch.N {
				out = append(out, e)
			}
		case EpochLatest:
			l, seen := latest[e.ClientID]
			switch {
			case !seen || *e.Epoch > l:
				latest[e.ClientID] = *e.Epoch
				// Drop this client's MEMORY entries accumulated for a
				// superseded epoch.
				kept := out[:0]
				for _, p := range out {
					if p.Channel != ChannelMemory || p.ClientID != e.ClientID {
						kept = append(kept, p)
					}
				}
				out = append(kept, e)
			case *e.Epoch == l:
				out = append(out, e)
			}
		}
	}
	return out
}

// paginate slices the filtered list after the given entry id.
func paginate(entries []*Entry, after *uuid.UUID, limit int) ([]*Entry, *string) {
	start := 0
	if after != nil {
		for i, e := range entries {
			if e.ID == *after {
				start = i + 1
				break
			}
		}
	}
	if start > len(entries) {
		start = len(entries)
	}
	page := entries[start:]
	var next *string
	if limit > 0 && len(page) > limit {
		page = page[:limit]
		cur := EncodeCursor(CursorFromEntry(page[len(page)-1]))
		next = &cur
	}
	return page, next
}

// GetEntries reads a conversation timeline with fork-aware semantics.
// Requires READER. AllForks bypasses the fork walk and returns the ordered
// raw group scan (admin views); the epoch filter is ignored there.
func (s *Store) GetEntries(ctx context.Context, p Principal, conversationID uuid.UUID, q EntriesQuery) (*PagedEntries, error) {
	conv, err := s.requireConversation(ctx, p, conversationID, AccessReader)
	if err != nil {
		return nil, err
	}

	if q.AllForks {
		group, err := s.repo.ListGroupEntries(ctx, conv.GroupID)
		if err != nil {
			return nil, err
		}
		if q.Channel != nil {
			kept := group[:0]
			for _, e := range group {
				if e.Channel == *q.Channel {
					kept = append(kept, e)
				}
			}
			group = kept
		}
		page, next := paginate(group, q.After, q.Limit)
		if err := s.openEntries(ctx, page); err != nil {
			return nil, err
		}
		return &PagedEntries{Entries: page, NextCursor: next}, nil
	}

	// The memory-entries cache serves LATEST reads only; everything else
	// goes through the fork scan.
	if s.latestCacheable(q) {
		if cached, hit, err := s.cache.Get(ctx, conversationID, q.ClientID); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("epoch cache read failed, falling back to store")
		} else if hit {
			page, next := paginate(cached, q.After, q.Limit)
			return &PagedEntries{Entries: page, NextCursor: next}, nil
		}
		full, err := s.timelineEntries(ctx, conv, nil)
		if err != nil {
			return nil, err
		}
		filtered := filterEntries(full, q)
		if err := s.openEntries(ctx, filtered); err != nil {
			return nil, err
		}
		if err := s.cache.Put(ctx, conversationID, q.ClientID, filtered); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("epoch cache write failed")
		}
		page, next := paginate(filtered, q.After, q.Limit)
		return &PagedEntries{Entries: page, NextCursor: next}, nil
	}

	full, err := s.timelineEntries(ctx, conv, nil)
	if err != nil {
		return nil, err
	}
	filtered := filterEntries(full, q)
	page, next := paginate(filtered, q.After, q.Limit)
	if err := s.openEntries(ctx, page); err != nil {
		return nil, err
	}
	return &PagedEntries{Entries: page, NextCursor: next}, nil
}

func (s *Store) latestCacheable(q EntriesQuery) bool {
	return q.Channel != nil && *q.Channel == ChannelMemory &&
		q.Epoch != nil && q.Epoch.Mode == EpochLatest &&
		q.ClientID != ""
}
