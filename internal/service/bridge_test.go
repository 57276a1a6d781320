package service

import (
	"context"
	"testing"
	"time"

	"mealsync/internal/events"
	"mealsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_ItemPlannedWithoutCaldav(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	// never configured
	require.NoError(t, env.bridge.HandleItemPlanned(ctx, plannedPayload("u1", "i1")))

	// configured but disabled
	env.enableCaldav(t, "u2", false)
	require.NoError(t, env.db.SetCaldavEnabled(ctx, "u2", false))
	require.NoError(t, env.bridge.HandleItemPlanned(ctx, plannedPayload("u2", "i2")))

	assert.Equal(t, int64(0), env.pending(t))
	assert.Nil(t, env.status(t, "u1", "i1"))
	assert.Nil(t, env.status(t, "u2", "i2"))

	// the planner read model is still maintained
	item, err := env.db.GetPlannedItem(ctx, models.ItemRecipe, "i2")
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestBridge_NotesNeedOptIn(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	note := plannedPayload("u1", "n1")
	note.ItemType = models.ItemNote
	note.RecipeID = ""

	env.enableCaldav(t, "u1", false)
	require.NoError(t, env.bridge.HandleItemPlanned(ctx, note))
	assert.Equal(t, int64(0), env.pending(t))

	env.enableCaldav(t, "u1", true)
	require.NoError(t, env.bridge.HandleItemPlanned(ctx, note))
	assert.Equal(t, int64(1), env.pending(t))
}

func TestBridge_DateUpdatedWithoutRecord(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	env.enableCaldav(t, "u1", false)

	require.NoError(t, env.bridge.HandleItemDateUpdated(ctx, plannedPayload("u1", "i1")))
	assert.Equal(t, int64(0), env.pending(t))
	assert.Nil(t, env.status(t, "u1", "i1"))

	require.NoError(t, env.db.UpsertSyncStatus(ctx, &models.SyncStatusRecord{
		UserID: "u1", ItemID: "i1", ItemType: models.ItemRecipe, Status: models.SyncRemoved,
	}))
	require.NoError(t, env.bridge.HandleItemDateUpdated(ctx, plannedPayload("u1", "i1")))
	assert.Equal(t, int64(0), env.pending(t))

	require.NoError(t, env.db.UpsertSyncStatus(ctx, &models.SyncStatusRecord{
		UserID: "u1", ItemID: "i1", ItemType: models.ItemRecipe, Status: models.SyncSynced,
	}))
	moved := plannedPayload("u1", "i1")
	moved.Date = moved.Date.AddDate(0, 0, 2)
	require.NoError(t, env.bridge.HandleItemDateUpdated(ctx, moved))

	jobs := env.claimAll(t)
	require.Len(t, jobs, 1)
	assert.True(t, moved.Date.Equal(jobs[0].Date))
}

func TestBridge_ItemDeletedIsUnconditional(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	deleted := events.ItemDeletedPayload{UserID: "u1", ItemID: "i1", ItemType: models.ItemRecipe}

	require.NoError(t, env.bridge.HandleItemDeleted(ctx, deleted))
	assert.Equal(t, int64(0), env.pending(t))

	env.enableCaldav(t, "u1", false)
	require.NoError(t, env.bridge.HandleItemDeleted(ctx, deleted))

	jobs := env.claimAll(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.OperationDelete, jobs[0].Operation)
	assert.Nil(t, env.status(t, "u1", "i1"))
}

func TestBridge_RecipeRenamedFansOut(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	instances := []events.ItemPlannedPayload{
		plannedPayload("u1", "a"),
		plannedPayload("u1", "b"),
		plannedPayload("u2", "c"),
		plannedPayload("u3", "d"),
	}
	instances[3].HouseholdID = "h2"
	for _, p := range instances {
		item := p.PlannedItem()
		require.NoError(t, env.db.SavePlannedItem(ctx, &item))
	}
	env.enableCaldav(t, "u1", false)
	env.enableCaldav(t, "u2", false)
	env.enableCaldav(t, "u3", false)

	// no prior sync status for any instance
	require.NoError(t, env.bridge.HandleRecipeRenamed(ctx, events.RecipeRenamedPayload{
		RecipeID: "rec-1",
		NewTitle: "Grandma's lasagne",
	}))

	jobs := env.claimAll(t)
	require.Len(t, jobs, len(instances))
	for _, job := range jobs {
		assert.Equal(t, "Grandma's lasagne", job.EventTitle)
		assert.Equal(t, models.OperationSync, job.Operation)
	}

	item, err := env.db.GetPlannedItem(ctx, models.ItemRecipe, "d")
	require.NoError(t, err)
	assert.Equal(t, "Grandma's lasagne", item.Title)
}

func TestBridge_RecipeRenamedSkipsUsersWithoutCaldav(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	for _, p := range []events.ItemPlannedPayload{plannedPayload("u1", "a"), plannedPayload("u2", "b")} {
		item := p.PlannedItem()
		require.NoError(t, env.db.SavePlannedItem(ctx, &item))
	}
	env.enableCaldav(t, "u1", false)

	require.NoError(t, env.bridge.HandleRecipeRenamed(ctx, events.RecipeRenamedPayload{RecipeID: "rec-1", NewTitle: "New"}))
	assert.Len(t, env.claimAll(t), 1)
}

func TestBridge_LoopsFollowBusAndStop(t *testing.T) {
	env := newSyncEnv(t)
	env.enableCaldav(t, "u1", false)

	bus := events.NewBus(4)
	bridge := NewBridge(bus, env.sync, env.db, nil)

	ctx, cancel := context.WithCancel(context.Background())
	bridge.Start(ctx)

	pubCtx, pubCancel := context.WithTimeout(context.Background(), time.Second)
	defer pubCancel()
	topic := events.Topic(events.EventItemPlanned, events.ScopeGlobal)
	require.NoError(t, bus.PublishJSON(pubCtx, topic, events.EventItemPlanned, plannedPayload("u1", "i1")))
	require.NoError(t, bus.PublishJSON(pubCtx, events.Topic(events.EventItemDeleted, events.ScopeGlobal), events.EventItemDeleted, []int{1}))

	assert.Eventually(t, func() bool { return env.pending(t) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		bridge.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}
