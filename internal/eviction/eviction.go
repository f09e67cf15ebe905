// Package eviction hard-deletes soft-deleted conversation groups and stale
// memory epochs after a retention window, handing vector-store cleanup to the
// task queue.
package eviction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/memory-api/internal/store"
)

// Config tunes the eviction schedule.
type Config struct {
	// Retention is how long soft-deleted data survives before hard delete.
	Retention time.Duration
	// Interval is the period between eviction runs.
	Interval time.Duration
	// BatchSize is the number of groups (or epoch keys) claimed per batch;
	// the selection uses row-level skip-locked queries so concurrent
	// workers never claim the same batch.
	BatchSize int
	// Delay is the pause between batches within one run.
	Delay time.Duration
}

func (c *Config) withDefaults() {
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Service runs the periodic eviction passes.
type Service struct {
	cfg  Config
	repo store.Repository
	cron *cron.Cron
	now  func() time.Time
}

// New builds the service; call Start to begin the schedule.
func New(cfg Config, repo store.Repository) *Service {
	cfg.withDefaults()
	return &Service{cfg: cfg, repo: repo, now: time.Now}
}

// Start schedules the eviction run at the configured interval.
func (s *Service) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if err := s.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("eviction run failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Dur("interval", s.cfg.Interval).Dur("retention", s.cfg.Retention).
		Msg("eviction service started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce performs one full eviction pass: deleted groups first, then stale
// memory epochs. A batch failure aborts the pass; the next tick resumes.
func (s *Service) RunOnce(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	if err := s.evictGroups(ctx, cutoff); err != nil {
		return err
	}
	return s.evictEpochs(ctx, cutoff)
}

func (s *Service) evictGroups(ctx context.Context, cutoff time.Time) error {
	total, err := s.repo.CountEvictableGroups(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("count evictable groups: %w", err)
	}
	if total == 0 {
		return nil
	}
	log.Info().Int64("groups", total).Time("cutoff", cutoff).Msg("evicting deleted groups")

	for {
		var deleted int64
		err := s.repo.WithTx(ctx, func(r store.Repository) error {
			ids, err := r.FindEvictableGroupIDs(ctx, cutoff, s.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			for _, id := range ids {
				if err := s.enqueueGroupCleanup(ctx, r, id); err != nil {
					return err
				}
			}
			deleted, err = r.HardDeleteGroups(ctx, ids)
			return err
		})
		if err != nil {
			return fmt.Errorf("evict group batch: %w", err)
		}
		if deleted == 0 {
			return nil
		}
		log.Info().Int64("deleted", deleted).Msg("group eviction batch done")
		if s.cfg.Delay > 0 {
			select {
			case <-time.After(s.cfg.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// enqueueGroupCleanup schedules the vector-store delete for one group. The
// task name makes the enqueue idempotent across retried batches.
func (s *Service) enqueueGroupCleanup(ctx context.Context, r store.Repository, groupID uuid.UUID) error {
	body, _ := json.Marshal(map[string]string{"groupId": groupID.String()})
	name := store.TaskVectorStoreDelete + ":" + groupID.String()
	return r.EnqueueTask(ctx, &store.Task{
		ID:        uuid.New(),
		TaskName:  &name,
		TaskType:  store.TaskVectorStoreDelete,
		TaskBody:  body,
		CreatedAt: s.now().UTC(),
	})
}

// evictEpochs removes MEMORY entries of non-latest epochs whose most recent
// entry predates the cutoff.
func (s *Service) evictEpochs(ctx context.Context, cutoff time.Time) error {
	total, err := s.repo.CountEvictableEpochEntries(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("count evictable epochs: %w", err)
	}
	if total == 0 {
		return nil
	}
	log.Info().Int64("entries", total).Time("cutoff", cutoff).Msg("evicting stale memory epochs")

	for {
		var deleted int64
		err := s.repo.WithTx(ctx, func(r store.Repository) error {
			keys, err := r.FindEvictableEpochs(ctx, cutoff, s.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return nil
			}
			for _, k := range keys {
				if err := s.enqueueEpochCleanup(ctx, r, k); err != nil {
					return err
				}
			}
			deleted, err = r.DeleteEntriesForEpochs(ctx, keys)
			return err
		})
		if err != nil {
			return fmt.Errorf("evict epoch batch: %w", err)
		}
		if deleted == 0 {
			return nil
		}
		log.Info().Int64("deleted", deleted).Msg("epoch eviction batch done")
		if s.cfg.Delay > 0 {
			select {
			case <-time.After(s.cfg.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Service) enqueueEpochCleanup(ctx context.Context, r store.Repository, k store.EpochKey) error {
	body, _ := json.Marshal(map[string]any{
		"conversationId": k.ConversationID.String(),
		"clientId":       k.ClientID,
		"epoch":          k.Epoch,
	})
	name := fmt.Sprintf("%s:%s:%s:%d", store.TaskVectorStoreDeleteEntry, k.ConversationID, k.ClientID, k.Epoch)
	return r.EnqueueTask(ctx, &store.Task{
		ID:        uuid.New(),
		TaskName:  &name,
		TaskType:  store.TaskVectorStoreDeleteEntry,
		TaskBody:  body,
		CreatedAt: s.now().UTC(),
	})
}
