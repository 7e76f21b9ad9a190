// Package conflict implements three-way merge detection, classification
// and resolution for session and grid entities, plus a generic
// map[string]any merge fallback for any other entity type.
package conflict

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/kodewave/goatsync/internal/offline/domain"
)

// Engine has no mutable state: every method is a pure function over its
// arguments, so a single Engine value is safe to share across goroutines.
type Engine struct{}

// New returns a ConflictEngine. There is nothing to configure.
func New() *Engine { return &Engine{} }

// HasConflict reports whether two versions actually diverge: either side
// missing is a conflict (delete-vs-update); structurally equal sides are
// never a conflict; with a base present, a conflict requires both sides
// to differ from base; without a base, any difference is a conflict.
func (e *Engine) HasConflict(local, server, base json.RawMessage) bool {
	if local == nil || server == nil {
		return true
	}
	if deepEqualJSON(local, server) {
		return false
	}
	if base != nil {
		return !deepEqualJSON(local, base) && !deepEqualJSON(server, base)
	}
	return true
}

// Classify returns the ConflictKind for a detected conflict, based on
// which side is nil.
func Classify(local, server json.RawMessage) domain.ConflictKind {
	switch {
	case local == nil && server != nil:
		return domain.ConflictDeleteUpdate
	case local != nil && server == nil:
		return domain.ConflictUpdateDelete
	default:
		return domain.ConflictUpdateUpdate
	}
}

// RecommendStrategy picks the default resolution for a conflict kind.
func RecommendStrategy(entityType domain.EntityType, kind domain.ConflictKind) domain.ResolutionStrategy {
	switch kind {
	case domain.ConflictUpdateDelete:
		return domain.ResolutionLocalWins
	case domain.ConflictDeleteUpdate:
		return domain.ResolutionServerWins
	case domain.ConflictUpdateUpdate:
		if entityType == domain.EntitySession || entityType == domain.EntityGrid {
			return domain.ResolutionMerge
		}
	}
	return domain.ResolutionServerWins
}

// Detect builds a ConflictRecord for a collision, including the
// recommended strategy, or returns nil if local/server are not actually
// in conflict.
func (e *Engine) Detect(entityType domain.EntityType, entityID string, local, server, base json.RawMessage) *domain.ConflictRecord {
	if !e.HasConflict(local, server, base) {
		return nil
	}
	kind := Classify(local, server)
	return &domain.ConflictRecord{
		ID:            uuid.New(),
		EntityType:    entityType,
		EntityID:      entityID,
		Kind:          kind,
		LocalPayload:  local,
		ServerPayload: server,
		BasePayload:   base,
		Recommended:   RecommendStrategy(entityType, kind),
		DetectedAt:    time.Now(),
	}
}

// Resolve returns the resolved payload for a given strategy. ResolutionManual
// returns (nil, false): the caller must supply mergedData itself.
func (e *Engine) Resolve(c *domain.ConflictRecord, strategy domain.ResolutionStrategy) (json.RawMessage, bool) {
	switch strategy {
	case domain.ResolutionLocalWins:
		return c.LocalPayload, true
	case domain.ResolutionServerWins:
		return c.ServerPayload, true
	case domain.ResolutionManual:
		return nil, false
	case domain.ResolutionMerge:
		merged, err := e.Merge(c.EntityType, c.LocalPayload, c.ServerPayload, c.BasePayload)
		if err != nil {
			return c.ServerPayload, true
		}
		return merged, true
	default:
		return c.ServerPayload, true
	}
}

// Merge dispatches a three-way merge on entityType: typed merges for
// session/grid, a generic map merge for anything else. A new entity type
// only needs its own case here.
func (e *Engine) Merge(entityType domain.EntityType, local, server, base json.RawMessage) (json.RawMessage, error) {
	switch entityType {
	case domain.EntityGrid:
		return mergeGrid(local, server, base)
	case domain.EntitySession:
		return mergeSession(local, server, base)
	default:
		return mergeGeneric(local, server, base)
	}
}

func deepEqualJSON(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// mergeGeneric merges two opaque JSON objects key-by-key: a changed key
// (differs from base) on either side wins; if both changed to different
// values, server wins (matches RecommendStrategy's server_wins default for
// unknown entity types).
func mergeGeneric(local, server, base json.RawMessage) (json.RawMessage, error) {
	var lm, sm, bm map[string]any
	if err := unmarshalOrEmpty(local, &lm); err != nil {
		return nil, err
	}
	if err := unmarshalOrEmpty(server, &sm); err != nil {
		return nil, err
	}
	_ = unmarshalOrEmpty(base, &bm)

	merged := make(map[string]any, len(sm))
	for k, v := range sm {
		merged[k] = v
	}
	for k, lv := range lm {
		bv, inBase := bm[k]
		if !inBase || !reflect.DeepEqual(lv, bv) {
			if sv, inServer := sm[k]; !inServer || reflect.DeepEqual(sv, bv) {
				merged[k] = lv
			}
		}
	}

	return json.Marshal(merged)
}

func unmarshalOrEmpty(raw json.RawMessage, dest *map[string]any) error {
	if raw == nil {
		*dest = map[string]any{}
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return err
	}
	if *dest == nil {
		*dest = map[string]any{}
	}
	return nil
}
