package conflict

import (
	"encoding/json"
	"time"

	"github.com/kodewave/goatsync/internal/offline/domain"
)

// sessionPayload is the typed shape of a SessionRecord's opaque Data,
// decoded only for the merge path; every other component treats Data as
// opaque.
type sessionPayload struct {
	GridItems     []*domain.GridItem     `json:"gridItems"`
	BacklogGroups []*domain.BacklogGroup `json:"backlogGroups"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	Synced        bool                   `json:"synced"`
}

func decodeSessionPayload(raw json.RawMessage) sessionPayload {
	var p sessionPayload
	if raw != nil {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

// mergeSession merges two session payloads against a common base: grid
// items merged positionally, backlog groups merged as a union by id with
// server winning field values but local-only groups preserved and
// per-group UI state (isOpen/isExpanded) preferring local.
func mergeSession(local, server, base json.RawMessage) (json.RawMessage, error) {
	lp := decodeSessionPayload(local)
	sp := decodeSessionPayload(server)
	bp := decodeSessionPayload(base)

	mergedGridRaw, err := mergeGridPayloads(lp.GridItems, sp.GridItems, bp.GridItems)
	if err != nil {
		return nil, err
	}
	var mergedGrid MergedGrid
	if err := json.Unmarshal(mergedGridRaw, &mergedGrid); err != nil {
		return nil, err
	}

	out := sessionPayload{
		GridItems:     mergedGrid.Items,
		BacklogGroups: mergeBacklogGroups(lp.BacklogGroups, sp.BacklogGroups),
		UpdatedAt:     time.Now(),
		Synced:        false,
	}

	return json.Marshal(out)
}

func mergeGridPayloads(local, server, base []*domain.GridItem) (json.RawMessage, error) {
	localRaw, _ := json.Marshal(local)
	serverRaw, _ := json.Marshal(server)
	baseRaw, _ := json.Marshal(base)
	return mergeGrid(localRaw, serverRaw, baseRaw)
}

// mergeBacklogGroups unions groups by id: server-present groups take
// precedence for field values, local-only groups are preserved, and
// isOpen/isExpanded always prefer the local copy when one exists.
func mergeBacklogGroups(local, server []*domain.BacklogGroup) []*domain.BacklogGroup {
	localByID := make(map[string]*domain.BacklogGroup, len(local))
	for _, g := range local {
		localByID[g.ID] = g
	}

	seen := make(map[string]bool, len(server))
	merged := make([]*domain.BacklogGroup, 0, len(local)+len(server))

	for _, sg := range server {
		seen[sg.ID] = true
		out := *sg
		if lg, ok := localByID[sg.ID]; ok {
			out.IsOpen = lg.IsOpen
			out.IsExpanded = lg.IsExpanded
		}
		merged = append(merged, &out)
	}

	for _, lg := range local {
		if !seen[lg.ID] {
			cp := *lg
			merged = append(merged, &cp)
		}
	}

	return merged
}
