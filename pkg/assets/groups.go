package assets

import (
	"sort"
	"strings"
)

const (
	PinnedGroupName   = "Pinned"
	UnknownRegionName = "Unknown Region"
)

// LocationGroup is one section of the location listing.
type LocationGroup struct {
	Name      string
	RegionID  int64
	Pinned    bool
	Locations []*Node
}

// GroupLocations splits the tree's roots into a pinned group, kept first and
// in tree order, followed by one group per region sorted by region name.
// Pinned locations do not also appear in their region group.
func GroupLocations(tree *Tree, pinned func(locationID int64) bool) []LocationGroup {
	if tree == nil {
		return nil
	}
	if pinned == nil {
		pinned = func(int64) bool { return false }
	}

	pinnedGroup := LocationGroup{Name: PinnedGroupName, Pinned: true}
	byRegion := make(map[string]*LocationGroup)
	var regions []*LocationGroup

	for _, r := range tree.Roots {
		if r.LocationType != LocationUnknown && pinned(r.LocationID) {
			pinnedGroup.Locations = append(pinnedGroup.Locations, r)
			continue
		}
		name := r.RegionName
		if name == "" {
			name = UnknownRegionName
		}
		g, ok := byRegion[name]
		if !ok {
			g = &LocationGroup{Name: name, RegionID: r.RegionID}
			byRegion[name] = g
			regions = append(regions, g)
		}
		g.Locations = append(g.Locations, r)
	}

	sort.SliceStable(regions, func(i, j int) bool {
		a, b := regions[i].Name, regions[j].Name
		if (a == UnknownRegionName) != (b == UnknownRegionName) {
			return b == UnknownRegionName
		}
		return strings.ToLower(a) < strings.ToLower(b)
	})

	var out []LocationGroup
	if len(pinnedGroup.Locations) > 0 {
		out = append(out, pinnedGroup)
	}
	for _, g := range regions {
		out = append(out, *g)
	}
	return out
}
