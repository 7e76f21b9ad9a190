package conflict

import (
	"encoding/json"
	"reflect"

	"github.com/kodewave/goatsync/internal/offline/domain"
)

// PositionConflict records a positional slot where local and server both
// changed to reference different backlog items; the merged slot defaults
// to the server's item until a manual per-position override is applied.
type PositionConflict struct {
	Position int              `json:"position"`
	Local    *domain.GridItem `json:"local"`
	Server   *domain.GridItem `json:"server"`
}

// MergedGrid is the result of a grid three-way merge: the merged item
// list plus any positional conflicts that need a manual decision.
type MergedGrid struct {
	Items     []*domain.GridItem `json:"items"`
	Conflicts []PositionConflict `json:"conflicts,omitempty"`
}

func decodeGridItems(raw json.RawMessage) []*domain.GridItem {
	if raw == nil {
		return nil
	}
	var items []*domain.GridItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func gridItemAt(items []*domain.GridItem, i int) *domain.GridItem {
	if i < 0 || i >= len(items) {
		return nil
	}
	return items[i]
}

// sameSlot reports whether two grid items reference the same backlog item.
func sameSlot(a, b *domain.GridItem) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

func gridItemChanged(item, base *domain.GridItem) bool {
	if item == nil && base == nil {
		return false
	}
	if item == nil || base == nil {
		return true
	}
	return !reflect.DeepEqual(*item, *base)
}

// mergeGrid merges two grid item lists positionally against a common base.
func mergeGrid(local, server, base json.RawMessage) (json.RawMessage, error) {
	localItems := decodeGridItems(local)
	serverItems := decodeGridItems(server)
	baseItems := decodeGridItems(base)

	n := len(localItems)
	if len(serverItems) > n {
		n = len(serverItems)
	}

	result := MergedGrid{}

	for i := 0; i < n; i++ {
		l := gridItemAt(localItems, i)
		s := gridItemAt(serverItems, i)
		b := gridItemAt(baseItems, i)

		localChanged := gridItemChanged(l, b)
		serverChanged := gridItemChanged(s, b)

		switch {
		case !localChanged && !serverChanged:
			item := l
			if item == nil {
				item = s
			}
			if item != nil {
				result.Items = append(result.Items, item)
			}
		case localChanged && !serverChanged:
			if l != nil {
				result.Items = append(result.Items, l)
			}
		case !localChanged && serverChanged:
			if s != nil {
				result.Items = append(result.Items, s)
			}
		default:
			// Both changed.
			if sameSlot(l, s) {
				merged := mergeGridItemMetadata(l, s)
				result.Items = append(result.Items, merged)
			} else {
				result.Conflicts = append(result.Conflicts, PositionConflict{Position: i, Local: l, Server: s})
				if s != nil {
					result.Items = append(result.Items, s)
				}
			}
		}
	}

	return json.Marshal(result)
}

// mergeGridItemMetadata merges two grid items that refer to the same
// backlog item: tags are unioned and a non-empty description wins.
// The server's title is kept unless it is empty, in which case the
// local title is used; the item is pinned if either side pinned it.
func mergeGridItemMetadata(local, server *domain.GridItem) *domain.GridItem {
	merged := *server
	merged.Tags = unionTags(local.Tags, server.Tags)
	merged.Description = server.Description
	if merged.Description == "" {
		merged.Description = local.Description
	}
	if merged.Title == "" && local.Title != "" {
		merged.Title = local.Title
	}
	merged.Pinned = local.Pinned || server.Pinned
	return &merged
}

// unionTags merges two tag sets, preserving server order first then any
// local-only tags, with duplicates removed.
func unionTags(local, server []string) []string {
	seen := make(map[string]bool, len(local)+len(server))
	var merged []string
	for _, t := range server {
		if !seen[t] {
			seen[t] = true
			merged = append(merged, t)
		}
	}
	for _, t := range local {
		if !seen[t] {
			seen[t] = true
			merged = append(merged, t)
		}
	}
	return merged
}
