package assets

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Reference is the local static data store. Lookups never hit the network.
type Reference interface {
	Stations(ctx context.Context, ids []int64) (map[int64]Station, error)
	SolarSystems(ctx context.Context, ids []int64) (map[int64]SolarSystem, error)
	Types(ctx context.Context, ids []int32) (map[int32]TypeInfo, error)
}

const (
	// StructurePlaceholder names a structure we could not look up,
	// typically because the character has no docking access.
	StructurePlaceholder = "Unknown Structure"

	defaultResolveConcurrency = 8
)

// TypePlaceholder names an item whose type could not be resolved.
func TypePlaceholder(typeID int32) string {
	return fmt.Sprintf("Type %d", typeID)
}

// LocationPlaceholder names a location with no resolvable name.
func LocationPlaceholder(id int64) string {
	return fmt.Sprintf("Location %d", id)
}

// Enricher names the locations and items of a freshly built tree.
type Enricher struct {
	Resolver    *Resolver
	Reference   Reference
	Concurrency int // parallel structure lookups, defaults to 8
	Log         Logger
}

// Enrich runs location naming, container naming and item naming in that
// order, then sorts the tree by name. Individual failures degrade to
// placeholders and are returned; they never stop the pipeline. Only a
// cancelled context ends it early.
func (e *Enricher) Enrich(ctx context.Context, tree *Tree, orgID, characterID int64, emit func(Progress)) ([]error, error) {
	if emit == nil {
		emit = func(Progress) {}
	}
	var problems []error

	problems = append(problems, e.nameLocations(ctx, tree, characterID, emit)...)
	if err := ctx.Err(); err != nil {
		return problems, err
	}

	emit(Progress{Stage: StagePreparingContainers})
	custom, errs := e.containerNames(ctx, tree, orgID, characterID)
	problems = append(problems, errs...)
	if err := ctx.Err(); err != nil {
		return problems, err
	}

	problems = append(problems, e.nameItems(ctx, tree, custom, emit)...)
	if err := ctx.Err(); err != nil {
		return problems, err
	}

	SortTree(tree)
	return problems, nil
}

func (e *Enricher) nameLocations(ctx context.Context, tree *Tree, characterID int64, emit func(Progress)) []error {
	log := orNop(e.Log)
	var problems []error

	emit(Progress{Stage: StageProcessingLocations})

	var stations, structures, others []*Node
	for _, r := range tree.Roots {
		switch r.LocationType {
		case LocationStation:
			stations = append(stations, r)
		case LocationStructure:
			r.Name = StructurePlaceholder
			structures = append(structures, r)
		case LocationSolarSystem:
			r.SystemID = r.LocationID
		case LocationOther:
			others = append(others, r)
		}
	}

	if len(stations) > 0 {
		ids := make([]int64, len(stations))
		for i, n := range stations {
			ids[i] = n.LocationID
		}
		found, err := e.Reference.Stations(ctx, ids)
		if err != nil {
			log.Warnf("station lookup failed: %v", err)
			problems = append(problems, &PartialResolutionFailure{Kind: "stations", Err: err})
		}
		var missing []*Node
		for _, n := range stations {
			st, ok := found[n.LocationID]
			if !ok {
				missing = append(missing, n)
				continue
			}
			n.Name = st.Name
			n.TypeID = st.TypeID
			n.SystemID = st.SolarSystemID
		}
		// Stations added after the reference data was built.
		problems = append(problems, e.remoteRootNames(ctx, missing)...)
	}

	problems = append(problems, e.nameStructures(ctx, structures, characterID, emit)...)
	problems = append(problems, e.remoteRootNames(ctx, others)...)

	// Fill in system, region and security for every root that has a system.
	systemIDs := make(map[int64]struct{})
	for _, r := range tree.Roots {
		if r.SystemID != 0 {
			systemIDs[r.SystemID] = struct{}{}
		}
	}
	if len(systemIDs) == 0 {
		return problems
	}
	ids := make([]int64, 0, len(systemIDs))
	for id := range systemIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	systems, err := e.Reference.SolarSystems(ctx, ids)
	if err != nil {
		log.Warnf("solar system lookup failed: %v", err)
		problems = append(problems, &PartialResolutionFailure{Kind: "solar systems", Err: err})
	}
	var unknownSystems []int64
	for _, id := range ids {
		if _, ok := systems[id]; !ok {
			unknownSystems = append(unknownSystems, id)
		}
	}
	remoteSystemNames := map[int64]string{}
	if len(unknownSystems) > 0 && e.Resolver != nil {
		remoteSystemNames, err = e.Resolver.Names(ctx, unknownSystems)
		if err != nil {
			log.Debugf("remote system names: %v", err)
			problems = append(problems, err)
		}
	}

	for _, r := range tree.Roots {
		if r.SystemID == 0 {
			continue
		}
		if sys, ok := systems[r.SystemID]; ok {
			r.SystemName = sys.Name
			r.SecurityStatus = sys.Security
			r.RegionID = sys.RegionID
			r.RegionName = sys.RegionName
		} else if name, ok := remoteSystemNames[r.SystemID]; ok {
			r.SystemName = name
		}
		if r.LocationType == LocationSolarSystem {
			r.Name = r.SystemName
			if r.Name == "" {
				r.Name = LocationPlaceholder(r.LocationID)
			}
		}
	}
	return problems
}

// nameStructures looks up structures with a bounded worker pool. Each worker
// only touches its own root node.
func (e *Enricher) nameStructures(ctx context.Context, structures []*Node, characterID int64, emit func(Progress)) []error {
	if len(structures) == 0 {
		return nil
	}
	log := orNop(e.Log)
	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = defaultResolveConcurrency
	}
	if concurrency > len(structures) {
		concurrency = len(structures)
	}

	total := len(structures)
	emit(Progress{Stage: StageFetchingStructureInfo, Current: 0, Total: total})

	work := make(chan *Node, len(structures))
	for _, n := range structures {
		work <- n
	}
	close(work)

	var (
		mu       sync.Mutex
		done     int
		problems []error
		wg       sync.WaitGroup
	)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range work {
				if ctx.Err() != nil {
					return
				}
				info, err := e.Resolver.Structure(ctx, n.LocationID, characterID)

				mu.Lock()
				if err != nil {
					log.Warnf("structure %d: keeping placeholder: %v", n.LocationID, err)
					problems = append(problems, err)
				} else {
					n.Name = info.Name
					n.SystemID = info.SolarSystemID
					n.TypeID = info.TypeID
				}
				done++
				emit(Progress{Stage: StageFetchingStructureInfo, Current: done, Total: total})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return problems
}

// remoteRootNames names roots through the remote batch endpoint, falling
// back to a placeholder.
func (e *Enricher) remoteRootNames(ctx context.Context, roots []*Node) []error {
	if len(roots) == 0 {
		return nil
	}
	ids := make([]int64, len(roots))
	for i, n := range roots {
		ids[i] = n.LocationID
	}
	var (
		names map[int64]string
		err   error
	)
	if e.Resolver != nil {
		names, err = e.Resolver.Names(ctx, ids)
	}
	for _, n := range roots {
		if name, ok := names[n.LocationID]; ok {
			n.Name = name
		} else {
			n.Name = LocationPlaceholder(n.LocationID)
		}
	}
	if err != nil {
		orNop(e.Log).Debugf("remote location names: %v", err)
		return []error{err}
	}
	return nil
}

// containerNames collects player-given names of singleton items that hold
// other items.
func (e *Enricher) containerNames(ctx context.Context, tree *Tree, orgID, characterID int64) (map[int64]string, []error) {
	var ids []int64
	for _, r := range tree.Roots {
		r.Walk(func(item *Node, _ []*Node) {
			if item.IsSingleton && len(item.Items) > 0 {
				ids = append(ids, item.ItemID)
			}
		})
	}
	if len(ids) == 0 || e.Resolver == nil {
		return nil, nil
	}
	names, err := e.Resolver.ContainerNames(ctx, orgID, characterID, ids)
	if err != nil {
		orNop(e.Log).Warnf("container names: %v", err)
		return names, []error{&PartialResolutionFailure{Kind: "container names", Err: err}}
	}
	return names, nil
}

// nameItems resolves every distinct type id once, locally first and then
// remotely in batches.
func (e *Enricher) nameItems(ctx context.Context, tree *Tree, custom map[int64]string, emit func(Progress)) []error {
	log := orNop(e.Log)
	var problems []error

	seen := make(map[int32]struct{})
	var typeIDs []int32
	add := func(id int32) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		typeIDs = append(typeIDs, id)
	}
	for _, r := range tree.Roots {
		add(r.TypeID)
		r.Walk(func(item *Node, _ []*Node) { add(item.TypeID) })
	}
	sort.Slice(typeIDs, func(i, j int) bool { return typeIDs[i] < typeIDs[j] })

	total := len(typeIDs)
	infos := make(map[int32]TypeInfo, total)
	if total > 0 {
		emit(Progress{Stage: StageLoadingNames, Current: 0, Total: total})

		local, err := e.Reference.Types(ctx, typeIDs)
		if err != nil {
			log.Warnf("type lookup failed: %v", err)
			problems = append(problems, &PartialResolutionFailure{Kind: "types", Err: err})
		}
		for id, info := range local {
			infos[id] = info
		}
		emit(Progress{Stage: StageLoadingNames, Current: len(infos), Total: total})

		var missing []int64
		for _, id := range typeIDs {
			if _, ok := infos[id]; !ok {
				missing = append(missing, int64(id))
			}
		}
		if len(missing) > 0 && e.Resolver != nil {
			for start := 0; start < len(missing); start += defaultBatchSize {
				end := start + defaultBatchSize
				if end > len(missing) {
					end = len(missing)
				}
				names, err := e.Resolver.Names(ctx, missing[start:end])
				if err != nil {
					log.Debugf("remote type names: %v", err)
					problems = append(problems, err)
				}
				for id, name := range names {
					infos[int32(id)] = TypeInfo{TypeID: int32(id), Name: name}
				}
				emit(Progress{Stage: StageLoadingNames, Current: len(infos), Total: total})
			}
		}
	}

	for _, r := range tree.Roots {
		if info, ok := infos[r.TypeID]; ok {
			r.IconName = info.IconName
		}
		r.Walk(func(item *Node, _ []*Node) {
			info, ok := infos[item.TypeID]
			if ok {
				item.IconName = info.IconName
			}
			switch {
			case custom[item.ItemID] != "":
				item.Name = custom[item.ItemID]
			case ok && info.Name != "":
				item.Name = info.Name
			default:
				item.Name = TypePlaceholder(item.TypeID)
			}
		})
	}
	return problems
}
