package assets

import (
	"context"
	"errors"
	"sync"
	"time"
)

// pagedSource serves fixed pages and can inject per-page failures.
type pagedSource struct {
	mu    sync.Mutex
	pages [][]AssetRecord
	// fail returns an error for a given page and attempt, or nil.
	fail  func(page, attempt int) error
	calls map[int]int
	// block, when set, is called before serving and may wait on ctx.
	block func(ctx context.Context, page int) error
}

func newPagedSource(pages ...[]AssetRecord) *pagedSource {
	return &pagedSource{pages: pages, calls: make(map[int]int)}
}

func (s *pagedSource) AssetsPage(ctx context.Context, orgID, characterID int64, page int) (Page, error) {
	s.mu.Lock()
	s.calls[page]++
	attempt := s.calls[page]
	fail, block := s.fail, s.block
	pages := s.pages
	s.mu.Unlock()

	if block != nil {
		if err := block(ctx, page); err != nil {
			return Page{}, err
		}
	}
	if fail != nil {
		if err := fail(page, attempt); err != nil {
			return Page{}, err
		}
	}
	if page < 1 || page > len(pages) {
		return Page{}, errors.New("page out of range")
	}
	return Page{Records: pages[page-1], TotalPages: len(pages)}, nil
}

func (s *pagedSource) callsFor(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[page]
}

func (s *pagedSource) setPages(pages ...[]AssetRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = pages
}

// fakeNames is an in-memory NameSource.
type fakeNames struct {
	mu         sync.Mutex
	names      map[int64]string
	invalid    map[int64]bool
	structures map[int64]StructureInfo
	custom     map[int64]string
	requested  []int64
	batches    int
}

func (f *fakeNames) Names(ctx context.Context, ids []int64) (map[int64]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	f.requested = append(f.requested, ids...)
	for _, id := range ids {
		if f.invalid[id] {
			return nil, errors.New("ids must be valid")
		}
	}
	out := make(map[int64]string)
	for _, id := range ids {
		if n, ok := f.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (f *fakeNames) Structure(ctx context.Context, structureID, characterID int64) (StructureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.structures[structureID]
	if !ok {
		return StructureInfo{}, errors.New("forbidden")
	}
	return info, nil
}

func (f *fakeNames) AssetNames(ctx context.Context, orgID, characterID int64, itemIDs []int64) (map[int64]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]string)
	for _, id := range itemIDs {
		if n, ok := f.custom[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// fakeReference is an in-memory Reference.
type fakeReference struct {
	stations map[int64]Station
	systems  map[int64]SolarSystem
	types    map[int32]TypeInfo
}

func (f *fakeReference) Stations(_ context.Context, ids []int64) (map[int64]Station, error) {
	out := make(map[int64]Station)
	for _, id := range ids {
		if s, ok := f.stations[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeReference) SolarSystems(_ context.Context, ids []int64) (map[int64]SolarSystem, error) {
	out := make(map[int64]SolarSystem)
	for _, id := range ids {
		if s, ok := f.systems[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeReference) Types(_ context.Context, ids []int32) (map[int32]TypeInfo, error) {
	out := make(map[int32]TypeInfo)
	for _, id := range ids {
		if t, ok := f.types[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

const (
	stationA = 60003760
	stationB = 60008494
	jita     = 30000142
	amarr    = 30002187
)

func testReference() *fakeReference {
	return &fakeReference{
		stations: map[int64]Station{
			stationA: {ID: stationA, Name: "Jita IV - Moon 4 - Caldari Navy Assembly Plant", TypeID: 1529, SolarSystemID: jita},
			stationB: {ID: stationB, Name: "Amarr VIII (Oris) - Emperor Family Academy", TypeID: 1932, SolarSystemID: amarr},
		},
		systems: map[int64]SolarSystem{
			jita:  {ID: jita, Name: "Jita", Security: 0.946, RegionID: 10000002, RegionName: "The Forge"},
			amarr: {ID: amarr, Name: "Amarr", Security: 1.0, RegionID: 10000043, RegionName: "Domain"},
		},
		types: map[int32]TypeInfo{
			34: {TypeID: 34, Name: "item34name", IconName: "icon34"},
			35: {TypeID: 35, Name: "item35name", IconName: "icon35"},
		},
	}
}

// memCache is a minimal TreeCache with a TTL.
type memCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]*CacheEntry
	puts    int
}

func newMemCache(ttl time.Duration) *memCache {
	return &memCache{ttl: ttl, entries: make(map[int64]*CacheEntry)}
}

func (c *memCache) Get(_ context.Context, orgID int64) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[orgID]
	return e, ok
}

func (c *memCache) Valid(_ int64, e *CacheEntry, force bool) bool {
	return e != nil && !force && !e.Tree.Empty() && time.Since(e.BuiltAt) < c.ttl
}

func (c *memCache) Put(_ context.Context, orgID int64, tree *Tree) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	e := &CacheEntry{Tree: tree, BuiltAt: time.Now(), RecordCount: tree.RecordCount}
	c.entries[orgID] = e
	return e, nil
}

func (c *memCache) Invalidate(_ context.Context, orgID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orgID)
	return nil
}

func (c *memCache) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}
