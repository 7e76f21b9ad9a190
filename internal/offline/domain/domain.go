// Package domain holds the data model shared by every sync component:
// sessions, queued operations, conflicts, backlog cache entries and the
// small set of closed enums that classify them.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationType is the closed set of mutations the queue can carry.
type OperationType string

const (
	OpCreateSession OperationType = "create_session"
	OpUpdateSession OperationType = "update_session"
	OpDeleteSession OperationType = "delete_session"
	OpUpdateGrid    OperationType = "update_grid"
	OpUpdateBacklog OperationType = "update_backlog"
)

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OpCreateSession, OpUpdateSession, OpDeleteSession, OpUpdateGrid, OpUpdateBacklog:
		return true
	}
	return false
}

// EntityType names the kind of record an Operation or ConflictRecord acts on.
type EntityType string

const (
	EntitySession EntityType = "session"
	EntityGrid    EntityType = "grid"
	EntityBacklog EntityType = "backlog"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntitySession, EntityGrid, EntityBacklog:
		return true
	}
	return false
}

// OperationStatus tracks an Operation through the queue's lifecycle.
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusSyncing  OperationStatus = "syncing"
	StatusSynced   OperationStatus = "synced"
	StatusFailed   OperationStatus = "failed"
	StatusConflict OperationStatus = "conflict"
)

// Valid reports whether s is a known operation status.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// ConflictKind classifies how a local change collided with the server.
type ConflictKind string

const (
	ConflictUpdateUpdate ConflictKind = "update_update"
	ConflictUpdateDelete ConflictKind = "update_delete"
	ConflictDeleteUpdate ConflictKind = "delete_update"
)

// Valid reports whether k is a known conflict kind.
func (k ConflictKind) Valid() bool {
	switch k {
	case ConflictUpdateUpdate, ConflictUpdateDelete, ConflictDeleteUpdate:
		return true
	}
	return false
}

// ResolutionStrategy is how a ConflictRecord was, or should be, resolved.
type ResolutionStrategy string

const (
	ResolutionLocalWins  ResolutionStrategy = "local_wins"
	ResolutionServerWins ResolutionStrategy = "server_wins"
	ResolutionMerge      ResolutionStrategy = "merge"
	ResolutionManual     ResolutionStrategy = "manual"
)

// Valid reports whether r is a known resolution strategy.
func (r ResolutionStrategy) Valid() bool {
	switch r {
	case ResolutionLocalWins, ResolutionServerWins, ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// SessionRecord is the durable, opaque-payload unit of synced state.
type SessionRecord struct {
	ID            string          `json:"id"`
	Data          json.RawMessage `json:"data"`
	LocalVersion  int64           `json:"localVersion"`
	ServerVersion int64           `json:"serverVersion"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Deleted       bool            `json:"deleted"`
}

// Operation is a single queued mutation awaiting transmission to the
// remote. Payload is opaque to everything except the ConflictEngine's
// typed merge paths for EntitySession/EntityGrid.
type Operation struct {
	ID          uuid.UUID         `json:"id"`
	EntityType  EntityType        `json:"entityType"`
	EntityID    string            `json:"entityId"`
	Type        OperationType     `json:"type"`
	Payload     json.RawMessage   `json:"payload"`
	BaseVersion int64             `json:"baseVersion"`
	Status      OperationStatus   `json:"status"`
	Priority    int               `json:"priority"`
	Attempts    int               `json:"attempts"`
	CreatedAt   time.Time         `json:"createdAt"`
	NextRetryAt time.Time         `json:"nextRetryAt"`
	LastError   string            `json:"lastError,omitempty"`
	Conflict    *ConflictSnapshot `json:"conflict,omitempty"`
}

// ConflictSnapshot freezes the version/timestamp pair an operation was
// carrying at the moment it escalated to a conflict.
type ConflictSnapshot struct {
	LocalVersion    int64     `json:"localVersion"`
	ServerVersion   int64     `json:"serverVersion"`
	LocalTimestamp  time.Time `json:"localTimestamp"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// ConflictRecord captures a detected collision between a local Operation
// and the server's current state of the same entity, pending resolution.
type ConflictRecord struct {
	ID            uuid.UUID          `json:"id"`
	OperationID   uuid.UUID          `json:"operationId"`
	EntityType    EntityType         `json:"entityType"`
	EntityID      string             `json:"entityId"`
	Kind          ConflictKind       `json:"kind"`
	LocalPayload  json.RawMessage    `json:"localPayload,omitempty"`
	ServerPayload json.RawMessage    `json:"serverPayload,omitempty"`
	BasePayload   json.RawMessage    `json:"basePayload,omitempty"`
	Recommended   ResolutionStrategy `json:"recommended"`
	Resolved      bool               `json:"resolved"`
	ResolvedWith  ResolutionStrategy `json:"resolvedWith,omitempty"`
	DetectedAt    time.Time          `json:"detectedAt"`
	ResolvedAt    *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedData  json.RawMessage    `json:"resolvedData,omitempty"`
}

// BacklogCacheEntry is a purely derived, evictable cache row: losing it
// costs a recompute, never correctness.
type BacklogCacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// MetadataEntry is a small durable key/value row (delta tokens, schema
// version, last-sync timestamps) that is not itself subject to sync.
type MetadataEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GridItem is the typed shape of an EntityGrid payload, decoded out of
// the opaque Operation/SessionRecord payload for structural merge.
type GridItem struct {
	ID          string   `json:"id"`
	Position    int      `json:"position"`
	Title       string   `json:"title"`
	Pinned      bool     `json:"pinned"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

// BacklogGroup is the typed shape of an EntitySession payload's backlog
// grouping state, used for the "UI-local state wins" merge rule.
type BacklogGroup struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	ItemIDs    []string `json:"itemIds"`
	IsOpen     bool     `json:"isOpen"`
	IsExpanded bool     `json:"isExpanded"`
}
