// Package realtime fans out Facade snapshot changes to subscribed admin
// and dashboard clients over WebSocket.
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single real-time notification broadcast to subscribers.
type Event struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Sequence  int64                  `json:"sequence"`
}

// Event type constants.
const (
	EventTypeSnapshotChanged    = "snapshot_changed"
	EventTypeNetworkChanged     = "network_changed"
	EventTypeConflictDetected   = "conflict_detected"
	EventTypeConflictResolved   = "conflict_resolved"
	EventTypeQuotaWarning       = "quota_warning"
	EventTypeSyncCompleted      = "sync_completed"
	EventTypeSystemNotification = "system_notification"
)

// Event source constants.
const (
	EventSourceFacade     = "facade"
	EventSourceNetwork    = "network"
	EventSourceConflict   = "conflict"
	EventSourceQuota      = "quota"
	EventSourceSyncEngine = "sync_engine"
	EventSourceSystem     = "system"
)

// NewEvent builds an Event; Bus.Publish assigns its Sequence.
func NewEvent(eventType string, data map[string]interface{}, source string) *Event {
	return &Event{
		Type:      eventType,
		ID:        uuid.New().String(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}
}
