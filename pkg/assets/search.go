package assets

import (
	"sort"
	"strings"
)

// PathDelimiter separates ancestor names in SearchResult.Path.
const PathDelimiter = " > "

// ItemInfo identifies what a search result matched.
type ItemInfo struct {
	TypeID   int32  `json:"type_id"`
	Name     string `json:"name"`
	IconName string `json:"icon_name,omitempty"`
}

// SearchResult groups every matching stack of one type within one top-level
// location.
type SearchResult struct {
	Item          ItemInfo `json:"item"`
	TotalQuantity int64    `json:"total_quantity"`
	Location      *Node    `json:"-"`
	Path          string   `json:"path"`
}

// Search returns item nodes whose name contains query, ignoring case.
// Matches of the same type inside the same top-level location are merged
// into one result with their quantities summed; Path describes the first
// match in tree order. An empty query matches nothing.
func Search(tree *Tree, query string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || tree == nil {
		return nil
	}

	var out []SearchResult
	for _, root := range tree.Roots {
		index := make(map[int32]int)
		var found []SearchResult

		root.Walk(func(item *Node, path []*Node) {
			if !strings.Contains(strings.ToLower(item.Name), q) {
				return
			}
			if i, ok := index[item.TypeID]; ok {
				found[i].TotalQuantity += quantityOf(item)
				return
			}
			index[item.TypeID] = len(found)
			found = append(found, SearchResult{
				Item:          ItemInfo{TypeID: item.TypeID, Name: item.Name, IconName: item.IconName},
				TotalQuantity: quantityOf(item),
				Location:      root,
				Path:          formatPath(path),
			})
		})

		sort.SliceStable(found, func(i, j int) bool {
			a, b := found[i].Item, found[j].Item
			if !strings.EqualFold(a.Name, b.Name) {
				return strings.ToLower(a.Name) < strings.ToLower(b.Name)
			}
			return a.TypeID < b.TypeID
		})
		out = append(out, found...)
	}
	return out
}

// Singletons report quantity 1 upstream, but guard against zero anyway.
func quantityOf(n *Node) int64 {
	if n.Quantity <= 0 {
		return 1
	}
	return n.Quantity
}

func formatPath(path []*Node) string {
	names := make([]string, 0, len(path))
	for _, n := range path {
		name := n.Name
		if name == "" {
			name = LocationPlaceholder(n.LocationID)
		}
		names = append(names, name)
	}
	return strings.Join(names, PathDelimiter)
}
