package realtime

import (
	"log/slog"

	"github.com/kodewave/goatsync/internal/offline/domain"
)

// EventPublisher publishes domain-level occurrences onto a Bus. A nil
// Bus turns every Publish* call into a no-op, so callers don't need to
// guard the wiring.
type EventPublisher struct {
	bus    *Bus
	logger *slog.Logger
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(bus *Bus, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:    bus,
		logger: logger.With("component", "event_publisher"),
	}
}

// SnapshotData is the JSON-friendly shape of a Facade snapshot, published
// verbatim so dashboards don't need to know the Go struct.
type SnapshotData struct {
	NetworkState   string `json:"networkState"`
	PendingOps     int    `json:"pendingOps"`
	FailedOps      int    `json:"failedOps"`
	OpenConflicts  int    `json:"openConflicts"`
	QuotaUsedBytes int64  `json:"quotaUsedBytes"`
	LastSyncedAt   string `json:"lastSyncedAt,omitempty"`
}

// PublishSnapshotChanged publishes a Facade snapshot change.
func (p *EventPublisher) PublishSnapshotChanged(snap SnapshotData) error {
	if p.bus == nil {
		return nil
	}
	data := map[string]interface{}{
		"networkState":   snap.NetworkState,
		"pendingOps":     snap.PendingOps,
		"failedOps":      snap.FailedOps,
		"openConflicts":  snap.OpenConflicts,
		"quotaUsedBytes": snap.QuotaUsedBytes,
		"lastSyncedAt":   snap.LastSyncedAt,
	}
	event := NewEvent(EventTypeSnapshotChanged, data, EventSourceFacade)
	return p.bus.Publish(*event)
}

// PublishNetworkChanged publishes a NetworkSensor state transition.
func (p *EventPublisher) PublishNetworkChanged(state string) error {
	if p.bus == nil {
		return nil
	}
	event := NewEvent(EventTypeNetworkChanged, map[string]interface{}{"state": state}, EventSourceNetwork)
	return p.bus.Publish(*event)
}

// PublishConflictDetected publishes a newly detected conflict.
func (p *EventPublisher) PublishConflictDetected(c *domain.ConflictRecord) error {
	if p.bus == nil {
		return nil
	}
	data := map[string]interface{}{
		"id":          c.ID.String(),
		"entityType":  string(c.EntityType),
		"entityId":    c.EntityID,
		"kind":        string(c.Kind),
		"recommended": string(c.Recommended),
	}
	event := NewEvent(EventTypeConflictDetected, data, EventSourceConflict)
	return p.bus.Publish(*event)
}

// PublishConflictResolved publishes a conflict resolution outcome.
func (p *EventPublisher) PublishConflictResolved(c *domain.ConflictRecord) error {
	if p.bus == nil {
		return nil
	}
	data := map[string]interface{}{
		"id":           c.ID.String(),
		"resolvedWith": string(c.ResolvedWith),
	}
	event := NewEvent(EventTypeConflictResolved, data, EventSourceConflict)
	return p.bus.Publish(*event)
}

// PublishQuotaWarning publishes a quota-pressure level change.
func (p *EventPublisher) PublishQuotaWarning(level string, usedBytes int64) error {
	if p.bus == nil {
		return nil
	}
	data := map[string]interface{}{"level": level, "usedBytes": usedBytes}
	event := NewEvent(EventTypeQuotaWarning, data, EventSourceQuota)
	return p.bus.Publish(*event)
}

// PublishSyncCompleted publishes the result of one sync cycle.
func (p *EventPublisher) PublishSyncCompleted(synced, failed, conflicted int) error {
	if p.bus == nil {
		return nil
	}
	data := map[string]interface{}{"synced": synced, "failed": failed, "conflicted": conflicted}
	event := NewEvent(EventTypeSyncCompleted, data, EventSourceSyncEngine)
	return p.bus.Publish(*event)
}

// PublishSystemNotification publishes an operator-facing notification.
func (p *EventPublisher) PublishSystemNotification(level, message string) error {
	if p.bus == nil {
		return nil
	}
	data := map[string]interface{}{"level": level, "message": message}
	event := NewEvent(EventTypeSystemNotification, data, EventSourceSystem)
	return p.bus.Publish(*event)
}
