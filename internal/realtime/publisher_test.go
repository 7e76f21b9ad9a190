package realtime

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodewave/goatsync/internal/offline/domain"
)

func TestEventPublisher_PublishSnapshotChanged(t *testing.T) {
	eventBus := NewBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eventBus.Start(ctx))
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default())
	err := publisher.PublishSnapshotChanged(SnapshotData{NetworkState: "online", PendingOps: 2})
	assert.NoError(t, err)
}

func TestEventPublisher_PublishConflictDetected(t *testing.T) {
	eventBus := NewBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eventBus.Start(ctx))
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default())
	c := &domain.ConflictRecord{
		ID:          uuid.New(),
		EntityType:  domain.EntitySession,
		EntityID:    "s1",
		Kind:        domain.ConflictUpdateUpdate,
		Recommended: domain.ResolutionMerge,
	}
	assert.NoError(t, publisher.PublishConflictDetected(c))
}

func TestEventPublisher_PublishSystemNotification(t *testing.T) {
	eventBus := NewBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eventBus.Start(ctx))
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default())
	assert.NoError(t, publisher.PublishSystemNotification("info", "quota pressure easing"))
}

func TestEventPublisher_NilEventBus(t *testing.T) {
	publisher := NewEventPublisher(nil, slog.Default())
	assert.NoError(t, publisher.PublishSnapshotChanged(SnapshotData{}))
	assert.NoError(t, publisher.PublishSystemNotification("info", "noop"))
}
