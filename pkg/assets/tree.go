package assets

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownLocationName labels the bucket holding records whose parent chain
// never reaches a real location.
const UnknownLocationName = "Unknown Location"

type rootKey struct {
	id  int64
	typ LocationType
}

var unknownRoot = rootKey{typ: LocationUnknown}

const (
	unvisited = iota
	visiting
	resolved
)

// BuildTree turns a flat record list into a forest keyed by top-level
// location. Records nested in containers hang off their container. Records
// whose container is missing from the batch, or whose container chain loops,
// are placed under a synthetic unknown-location root and reported; no record
// is ever dropped. Duplicate item ids keep their first occurrence.
func BuildTree(records []AssetRecord) (*Tree, []error) {
	var problems []error

	recs := make([]AssetRecord, 0, len(records))
	byID := make(map[int64]int, len(records))
	for _, r := range records {
		if _, dup := byID[r.ItemID]; dup {
			problems = append(problems, &InconsistentDataError{ItemID: r.ItemID, Reason: "duplicate item id"})
			continue
		}
		byID[r.ItemID] = len(recs)
		recs = append(recs, r)
	}

	state := make([]uint8, len(recs))
	roots := make([]rootKey, len(recs))
	cyclic := make([]bool, len(recs))

	assign := func(stack []int, key rootKey) {
		for _, j := range stack {
			roots[j] = key
			state[j] = resolved
		}
	}

	for i := range recs {
		if state[i] == resolved {
			continue
		}
		var stack []int
		cur := i
	walk:
		for {
			switch state[cur] {
			case resolved:
				assign(stack, roots[cur])
				break walk
			case visiting:
				loopStart := 0
				for k, j := range stack {
					if j == cur {
						loopStart = k
						break
					}
				}
				for _, j := range stack[loopStart:] {
					cyclic[j] = true
					problems = append(problems, &InconsistentDataError{ItemID: recs[j].ItemID, Reason: "container chain loops back on itself"})
				}
				assign(stack, unknownRoot)
				break walk
			}

			state[cur] = visiting
			stack = append(stack, cur)
			parent, ok := byID[recs[cur].LocationID]
			if !ok {
				key, err := classify(recs[cur])
				if err != nil {
					problems = append(problems, err)
				}
				assign(stack, key)
				break walk
			}
			cur = parent
		}
	}

	nodes := make([]*Node, len(recs))
	for i, r := range recs {
		nodes[i] = &Node{
			ItemID:       r.ItemID,
			LocationID:   r.LocationID,
			LocationType: LocationItem,
			LocationFlag: r.LocationFlag,
			TypeID:       r.TypeID,
			Quantity:     r.Quantity,
			IsSingleton:  r.IsSingleton,
		}
	}

	rootNodes := make(map[rootKey]*Node)
	rootFor := func(key rootKey) *Node {
		if n, ok := rootNodes[key]; ok {
			return n
		}
		n := &Node{ItemID: key.id, LocationID: key.id, LocationType: key.typ}
		if key == unknownRoot {
			n.Name = UnknownLocationName
		}
		rootNodes[key] = n
		return n
	}

	for i, r := range recs {
		if cyclic[i] {
			u := rootFor(unknownRoot)
			u.Items = append(u.Items, nodes[i])
			continue
		}
		if p, ok := byID[r.LocationID]; ok {
			nodes[p].Items = append(nodes[p].Items, nodes[i])
			continue
		}
		root := rootFor(roots[i])
		root.Items = append(root.Items, nodes[i])
	}

	tree := &Tree{RecordCount: len(recs)}
	for _, n := range rootNodes {
		tree.Roots = append(tree.Roots, n)
	}
	sortByID(tree)
	return tree, problems
}

// classify decides which top-level location a record whose parent is not in
// the batch belongs to.
func classify(r AssetRecord) (rootKey, error) {
	switch LocationType(r.LocationType) {
	case LocationStation:
		return rootKey{id: r.LocationID, typ: LocationStation}, nil
	case LocationSolarSystem:
		return rootKey{id: r.LocationID, typ: LocationSolarSystem}, nil
	case LocationItem:
		if r.LocationID >= minStructureID {
			return rootKey{id: r.LocationID, typ: LocationStructure}, nil
		}
		return unknownRoot, &InconsistentDataError{
			ItemID: r.ItemID,
			Reason: fmt.Sprintf("parent container %d not found", r.LocationID),
		}
	default:
		if r.LocationID >= minStructureID {
			return rootKey{id: r.LocationID, typ: LocationStructure}, nil
		}
		return rootKey{id: r.LocationID, typ: LocationOther}, nil
	}
}

func sortByID(t *Tree) {
	sort.Slice(t.Roots, func(i, j int) bool {
		a, b := t.Roots[i], t.Roots[j]
		if (a.LocationType == LocationUnknown) != (b.LocationType == LocationUnknown) {
			return b.LocationType == LocationUnknown
		}
		return a.LocationID < b.LocationID
	})
	for _, r := range t.Roots {
		r.Walk(func(item *Node, _ []*Node) {
			sortItemsByID(item.Items)
		})
		sortItemsByID(r.Items)
	}
}

func sortItemsByID(items []*Node) {
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
}

// SortTree orders roots and every item list by name, falling back to ids so
// that equal input always yields the same order. The unknown bucket stays last.
func SortTree(t *Tree) {
	sort.SliceStable(t.Roots, func(i, j int) bool {
		a, b := t.Roots[i], t.Roots[j]
		if (a.LocationType == LocationUnknown) != (b.LocationType == LocationUnknown) {
			return b.LocationType == LocationUnknown
		}
		return lessByName(a.Name, b.Name, a.LocationID, b.LocationID)
	})
	for _, r := range t.Roots {
		sortItemsByName(r.Items)
		r.Walk(func(item *Node, _ []*Node) {
			sortItemsByName(item.Items)
		})
	}
}

func sortItemsByName(items []*Node) {
	sort.SliceStable(items, func(i, j int) bool {
		return lessByName(items[i].Name, items[j].Name, items[i].ItemID, items[j].ItemID)
	})
}

func lessByName(a, b string, aID, bID int64) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return aID < bID
}

// CountItems returns the number of item nodes in the tree.
func CountItems(t *Tree) int {
	if t == nil {
		return 0
	}
	n := 0
	for _, r := range t.Roots {
		r.Walk(func(*Node, []*Node) { n++ })
	}
	return n
}
