package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mealsync/internal/domain"
	"mealsync/internal/events"
	"mealsync/internal/metrics"
	"mealsync/internal/models"

	"github.com/rs/zerolog"
)

// Bridge turns planning events into caldav-sync submissions. Each event name has
// its own loop on the global topic.
type Bridge struct {
	subscriber domain.EventSubscriber
	sync       *SyncService
	projection domain.PlannerWriter
	logger     *zerolog.Logger
	wg         sync.WaitGroup
}

// NewBridge creates a bridge. projection may be nil when the planner read model is
// maintained elsewhere.
func NewBridge(subscriber domain.EventSubscriber, syncService *SyncService, projection domain.PlannerWriter, logger *zerolog.Logger) *Bridge {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Bridge{
		subscriber: subscriber,
		sync:       syncService,
		projection: projection,
		logger:     logger,
	}
}

type eventHandler func(ctx context.Context, ev *events.Event) error

// Start subscribes and launches the loops. They return once ctx is done; an event
// already being handled finishes first.
func (b *Bridge) Start(ctx context.Context) {
	handlers := map[string]eventHandler{
		events.EventItemPlanned:     b.onItemPlanned,
		events.EventItemDeleted:     b.onItemDeleted,
		events.EventItemDateUpdated: b.onItemDateUpdated,
		events.EventRecipeRenamed:   b.onRecipeRenamed,
	}
	for name, h := range handlers {
		sub := b.subscriber.Subscribe(events.Topic(name, events.ScopeGlobal))
		b.wg.Add(1)
		go func(name string, sub *events.Subscription, h eventHandler) {
			defer b.wg.Done()
			defer sub.Close()
			b.loop(ctx, name, sub, h)
		}(name, sub, h)
	}
	b.logger.Info().Int("subscriptions", len(handlers)).Msg("event bridge started")
}

// Wait blocks until every loop has returned.
func (b *Bridge) Wait() {
	b.wg.Wait()
	b.logger.Info().Msg("event bridge stopped")
}

func (b *Bridge) loop(ctx context.Context, name string, sub *events.Subscription, h eventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if err := h(ctx, ev); err != nil {
				metrics.IncEvent(name, "error")
				b.logger.Error().Err(err).Str("event", name).Str("event_id", ev.ID).Msg("handle event")
				continue
			}
			metrics.IncEvent(name, "ok")
		}
	}
}

func (b *Bridge) onItemPlanned(ctx context.Context, ev *events.Event) error {
	var p events.ItemPlannedPayload
	if err := ev.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	return b.HandleItemPlanned(ctx, p)
}

func (b *Bridge) onItemDeleted(ctx context.Context, ev *events.Event) error {
	var p events.ItemDeletedPayload
	if err := ev.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	return b.HandleItemDeleted(ctx, p)
}

func (b *Bridge) onItemDateUpdated(ctx context.Context, ev *events.Event) error {
	var p events.ItemDateUpdatedPayload
	if err := ev.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	return b.HandleItemDateUpdated(ctx, p)
}

func (b *Bridge) onRecipeRenamed(ctx context.Context, ev *events.Event) error {
	var p events.RecipeRenamedPayload
	if err := ev.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	return b.HandleRecipeRenamed(ctx, p)
}

// HandleItemPlanned queues a sync when the user mirrors this kind of item.
// Without an enabled config nothing is queued and no record is written.
func (b *Bridge) HandleItemPlanned(ctx context.Context, p events.ItemPlannedPayload) error {
	item := p.PlannedItem()
	if b.projection != nil {
		if err := b.projection.SavePlannedItem(ctx, &item); err != nil {
			return err
		}
	}

	cfg, err := b.sync.configs.GetCaldavConfigDecrypted(ctx, p.UserID)
	if err != nil {
		return err
	}
	if !cfg.Active() || !mirrors(cfg, item.ItemType) {
		return nil
	}
	return b.sync.EnqueueSync(ctx, item.SyncJob(models.OperationSync, cfg.ServerURL))
}

// HandleItemDeleted queues a remote delete whenever the user has a config, whatever
// the item's status.
func (b *Bridge) HandleItemDeleted(ctx context.Context, p events.ItemDeletedPayload) error {
	if b.projection != nil {
		if err := b.projection.DeletePlannedItem(ctx, p.ItemType, p.ItemID); err != nil {
			return err
		}
	}

	cfg, err := b.sync.configs.GetCaldavConfigDecrypted(ctx, p.UserID)
	if err != nil {
		return err
	}
	if cfg == nil || cfg.ServerURL == "" {
		return nil
	}
	return b.sync.EnqueueDelete(ctx, models.SyncJob{
		UserID:          p.UserID,
		ItemID:          p.ItemID,
		ItemType:        p.ItemType,
		PlannedItemID:   p.PlannedItemID,
		Operation:       models.OperationDelete,
		CaldavServerURL: cfg.ServerURL,
	})
}

// HandleItemDateUpdated only refreshes items that are already mirrored.
func (b *Bridge) HandleItemDateUpdated(ctx context.Context, p events.ItemDateUpdatedPayload) error {
	item := p.PlannedItem()
	if b.projection != nil {
		if err := b.projection.SavePlannedItem(ctx, &item); err != nil {
			return err
		}
	}

	rec, err := b.sync.store.GetSyncStatus(ctx, p.UserID, p.ItemID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status == models.SyncRemoved {
		return nil
	}

	cfg, err := b.sync.configs.GetCaldavConfigDecrypted(ctx, p.UserID)
	if err != nil {
		return err
	}
	if !cfg.Active() {
		return nil
	}
	return b.sync.EnqueueSync(ctx, item.SyncJob(models.OperationSync, cfg.ServerURL))
}

// HandleRecipeRenamed queues one sync per planned instance of the recipe, across
// users, for every user with CalDAV enabled.
func (b *Bridge) HandleRecipeRenamed(ctx context.Context, p events.RecipeRenamedPayload) error {
	if b.projection != nil {
		if _, err := b.projection.RenameRecipe(ctx, p.RecipeID, p.NewTitle); err != nil {
			return err
		}
	}

	instances, err := b.sync.planner.ListPlannedInstancesOfRecipe(ctx, p.RecipeID)
	if err != nil {
		return err
	}

	configs := make(map[string]*models.CaldavConfig)
	var errs []error
	queued := 0
	for _, item := range instances {
		cfg, seen := configs[item.UserID]
		if !seen {
			cfg, err = b.sync.configs.GetCaldavConfigDecrypted(ctx, item.UserID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			configs[item.UserID] = cfg
		}
		if !cfg.Active() {
			continue
		}

		item.Title = p.NewTitle
		if err := b.sync.EnqueueSync(ctx, item.SyncJob(models.OperationSync, cfg.ServerURL)); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}
		queued++
	}

	b.logger.Info().
		Str("recipe_id", p.RecipeID).
		Int("instances", len(instances)).
		Int("queued", queued).
		Msg("recipe rename fanned out")
	return errors.Join(errs...)
}

func mirrors(cfg *models.CaldavConfig, t models.ItemType) bool {
	return t != models.ItemNote || cfg.SyncNotes
}
