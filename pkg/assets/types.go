package assets

import "time"

// LocationType classifies the top-level location an asset sits in.
type LocationType string

const (
	LocationStation     LocationType = "station"
	LocationStructure   LocationType = "structure"
	LocationSolarSystem LocationType = "solar_system"
	LocationOther       LocationType = "other"
	LocationUnknown     LocationType = "unknown"
	// LocationItem marks a record nested inside another item.
	LocationItem LocationType = "item"
)

// Player structures get ids from a range far above any static location.
const minStructureID = 1_000_000_000_000

// AssetRecord is one raw row from the remote asset list.
type AssetRecord struct {
	ItemID       int64  `json:"item_id"`
	TypeID       int32  `json:"type_id"`
	LocationID   int64  `json:"location_id"`
	LocationType string `json:"location_type"`
	LocationFlag string `json:"location_flag"`
	Quantity     int64  `json:"quantity"`
	IsSingleton  bool   `json:"is_singleton"`
}

// Node is either a synthetic top-level location or an item within one.
// Roots have TypeID 0 unless the location's own type is known (stations,
// structures). Once a Tree is published no Node is modified again.
type Node struct {
	ItemID         int64        `json:"item_id"`
	Name           string       `json:"name,omitempty"`
	IconName       string       `json:"icon_name,omitempty"`
	LocationID     int64        `json:"location_id"`
	LocationType   LocationType `json:"location_type"`
	LocationFlag   string       `json:"location_flag,omitempty"`
	SecurityStatus float64      `json:"security_status,omitempty"`
	SystemID       int64        `json:"system_id,omitempty"`
	SystemName     string       `json:"system_name,omitempty"`
	RegionID       int64        `json:"region_id,omitempty"`
	RegionName     string       `json:"region_name,omitempty"`
	TypeID         int32        `json:"type_id,omitempty"`
	Quantity       int64        `json:"quantity,omitempty"`
	IsSingleton    bool         `json:"is_singleton,omitempty"`
	Items          []*Node      `json:"items,omitempty"`
}

// IsRoot reports whether n is a synthetic top-level location.
func (n *Node) IsRoot() bool {
	return n.LocationType != LocationItem
}

// Walk visits every item below n depth-first in Items order. The path holds
// the ancestors of the visited node, starting with n itself.
func (n *Node) Walk(fn func(item *Node, path []*Node)) {
	var visit func(cur *Node, path []*Node)
	visit = func(cur *Node, path []*Node) {
		path = append(path, cur)
		for _, child := range cur.Items {
			fn(child, path)
			visit(child, path)
		}
	}
	visit(n, make([]*Node, 0, 8))
}

// Tree is the forest built from one organization's asset list.
type Tree struct {
	Roots       []*Node `json:"roots"`
	RecordCount int     `json:"record_count"`
}

// Empty reports whether the tree holds no locations.
func (t *Tree) Empty() bool {
	return t == nil || len(t.Roots) == 0
}

// Root returns the top-level node for a location id.
func (t *Tree) Root(locationID int64) (*Node, bool) {
	if t == nil {
		return nil, false
	}
	for _, r := range t.Roots {
		if r.LocationID == locationID {
			return r, true
		}
	}
	return nil, false
}

// CacheEntry is a built tree plus the metadata needed to judge staleness.
type CacheEntry struct {
	Tree        *Tree     `json:"tree"`
	BuiltAt     time.Time `json:"built_at"`
	RecordCount int       `json:"record_count"`
}

// Page is one page of remote asset records.
type Page struct {
	Records    []AssetRecord
	TotalPages int
}

// StructureInfo is what the remote structure endpoint returns.
type StructureInfo struct {
	Name          string
	SolarSystemID int64
	TypeID        int32
}

// Station is static station data from the reference store.
type Station struct {
	ID            int64
	Name          string
	TypeID        int32
	SolarSystemID int64
}

// SolarSystem is static system data from the reference store.
type SolarSystem struct {
	ID         int64
	Name       string
	Security   float64
	RegionID   int64
	RegionName string
}

// TypeInfo is static item type data from the reference store.
type TypeInfo struct {
	TypeID       int32  `json:"type_id"`
	Name         string `json:"name"`
	IconName     string `json:"icon_name,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
	CategoryName string `json:"category_name,omitempty"`
}
