// Package remoteref is a throwaway in-memory implementation of the sync
// RPC wire contract, used by cmd/refserver for local development and by
// integration tests. It is not a production remote.
package remoteref

import (
	"context"
	"encoding/json"
	"sync"
)

// Request is the wire request envelope the sync RPC accepts.
type Request struct {
	Operation  string          `json:"operation"`
	EntityID   string          `json:"entityId"`
	EntityType string          `json:"entityType"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp"`
}

// SuccessBody is the 2xx response body.
type SuccessBody struct {
	Version int64 `json:"version"`
}

// ConflictBody is the 409 response body.
type ConflictBody struct {
	ServerData json.RawMessage `json:"serverData"`
}

// ErrorBody is any other non-2xx response body.
type ErrorBody struct {
	Message string `json:"message,omitempty"`
}

type entityState struct {
	version int64
	data    json.RawMessage
	deleted bool
}

// Server is an in-memory reference implementation of the sync RPC, one
// logical "remote" per entity id. It deliberately has no persistence of
// its own; restarting cmd/refserver resets all server-side state, which
// is exactly what a throwaway integration-test double should do.
type Server struct {
	mu       sync.Mutex
	entities map[string]*entityState

	// ForceConflictOnce, when set for an entity id, makes the next apply
	// to that id return a 409 with the id's current data, regardless of
	// whether the incoming payload differs. Integration tests use it to
	// deterministically exercise the conflict path without racing a
	// second real client.
	forceConflict map[string]bool
}

// New returns an empty reference server.
func New() *Server {
	return &Server{
		entities:      make(map[string]*entityState),
		forceConflict: make(map[string]bool),
	}
}

// ForceConflictOnce arms a one-shot forced conflict for the next Apply
// call against entityID.
func (s *Server) ForceConflictOnce(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceConflict[entityID] = true
}

// Apply processes one operation: returns (success body,
// nil, nil) on success, (nil, conflict body, nil) on a 409, or (nil, nil,
// err) for a transient failure.
func (s *Server) Apply(_ context.Context, req Request) (*SuccessBody, *ConflictBody, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entities[req.EntityID]
	if !ok {
		st = &entityState{}
		s.entities[req.EntityID] = st
	}

	if s.forceConflict[req.EntityID] {
		delete(s.forceConflict, req.EntityID)
		return nil, &ConflictBody{ServerData: st.data}, nil
	}

	switch req.Operation {
	case "delete_session":
		if st.deleted {
			return &SuccessBody{Version: st.version}, nil, nil
		}
		st.deleted = true
		st.version++
		return &SuccessBody{Version: st.version}, nil, nil
	default:
		st.deleted = false
		st.data = req.Payload
		st.version++
		return &SuccessBody{Version: st.version}, nil, nil
	}
}

// Snapshot returns the server's current view of entityID, for assertions
// in integration tests.
func (s *Server) Snapshot(entityID string) (json.RawMessage, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entityID]
	if !ok {
		return nil, 0, false
	}
	return st.data, st.version, st.deleted
}
