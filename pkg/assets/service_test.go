package assets

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func scenarioPages() [][]AssetRecord {
	return [][]AssetRecord{
		{
			{ItemID: 1, TypeID: 34, LocationID: stationA, LocationType: "station", Quantity: 100},
			{ItemID: 2, TypeID: 34, LocationID: stationA, LocationType: "station", Quantity: 50},
		},
		{
			{ItemID: 3, TypeID: 35, LocationID: stationB, LocationType: "station", Quantity: 1},
		},
	}
}

func newTestService(t *testing.T, src *pagedSource, cache TreeCache) *Service {
	t.Helper()
	s, err := NewService(Config{
		Source:       src,
		Names:        &fakeNames{names: map[int64]string{1529: "Caldari Station", 1932: "Amarr Station"}},
		Reference:    testReference(),
		Cache:        cache,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func TestNewServiceValidatesConfig(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Fatalf("expected an error for an empty config")
	}
}

func TestLoadAssetsUsesCacheWithinTTL(t *testing.T) {
	src := newPagedSource(scenarioPages()...)
	cache := newMemCache(time.Hour)
	s := newTestService(t, src, cache)
	ctx := context.Background()

	first, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2})
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first.FromCache || len(first.Tree.Roots) != 2 || first.RunID == "" {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !second.FromCache || second.Tree != first.Tree {
		t.Fatalf("second load should be served from cache")
	}
	if src.callsFor(1) != 1 {
		t.Fatalf("expected one remote fetch, got %d", src.callsFor(1))
	}

	if _, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2, ForceRefresh: true}); err != nil {
		t.Fatalf("forced load: %v", err)
	}
	if src.callsFor(1) != 2 {
		t.Fatalf("forced refresh should fetch again")
	}

	results := s.SearchAssets(ctx, 1, "item34name")
	if len(results) != 1 || results[0].TotalQuantity != 150 {
		t.Fatalf("unexpected search results %+v", results)
	}
}

func TestLoadAssetsProgressOrder(t *testing.T) {
	src := newPagedSource(scenarioPages()...)
	s := newTestService(t, src, newMemCache(time.Hour))

	var events []Progress
	if _, err := s.LoadAssets(context.Background(), LoadRequest{OrgID: 1, CharacterID: 2, OnProgress: func(p Progress) {
		events = append(events, p)
	}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if events[0].Stage != StageLoading || events[len(events)-1].Stage != StageCompleted {
		t.Fatalf("unexpected first/last events: %v / %v", events[0], events[len(events)-1])
	}
	seen := make(map[Stage]bool)
	for i, ev := range events {
		seen[ev.Stage] = true
		if i > 0 && ev.Stage < events[i-1].Stage {
			t.Fatalf("progress went backwards at %d: %v", i, events)
		}
	}
	for _, st := range []Stage{StageBuildingTree, StageProcessingLocations, StagePreparingContainers, StageLoadingNames, StageSavingCache} {
		if !seen[st] {
			t.Fatalf("missing stage %s in %v", st, events)
		}
	}
}

func TestLoadAssetsSupersededRunNeverPublishes(t *testing.T) {
	src := newPagedSource(scenarioPages()...)
	cache := newMemCache(time.Hour)
	s := newTestService(t, src, cache)

	blocked := make(chan struct{})
	firstCall := true
	src.block = func(ctx context.Context, page int) error {
		src.mu.Lock()
		isFirst := firstCall && page == 1
		if isFirst {
			firstCall = false
		}
		src.mu.Unlock()
		if !isFirst {
			return nil
		}
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.LoadAssets(context.Background(), LoadRequest{OrgID: 1, CharacterID: 2})
		done <- outcome{res, err}
	}()
	<-blocked

	src.setPages(scenarioPages()[0])
	newer, err := s.LoadAssets(context.Background(), LoadRequest{OrgID: 1, CharacterID: 2, ForceRefresh: true})
	if err != nil {
		t.Fatalf("newer load: %v", err)
	}

	select {
	case out := <-done:
		if !errors.Is(out.err, ErrSuperseded) || out.res != nil {
			t.Fatalf("expected ErrSuperseded, got %v", out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("superseded run did not return")
	}

	if cache.putCount() != 1 {
		t.Fatalf("only the newer run may write the cache, got %d writes", cache.putCount())
	}
	current, ok := s.Current(context.Background(), 1)
	if !ok || current.Tree != newer.Tree || len(current.Tree.Roots) != 1 {
		t.Fatalf("published tree should be the newer run's")
	}
}

func TestLoadAssetsReturnsStaleTreeOnFailure(t *testing.T) {
	src := newPagedSource(scenarioPages()...)
	s := newTestService(t, src, newMemCache(time.Hour))
	ctx := context.Background()

	good, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	src.fail = func(page, attempt int) error { return ErrAuthExpired }
	res, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2, ForceRefresh: true})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if res == nil || !res.Stale || res.Tree != good.Tree {
		t.Fatalf("expected the previous tree marked stale, got %+v", res)
	}
}

func TestLoadAssetsFailureWithoutCache(t *testing.T) {
	src := newPagedSource(scenarioPages()...)
	src.fail = func(page, attempt int) error { return ErrAuthExpired }
	s := newTestService(t, src, nil)

	res, err := s.LoadAssets(context.Background(), LoadRequest{OrgID: 1, CharacterID: 2})
	if !errors.Is(err, ErrAuthExpired) || res != nil {
		t.Fatalf("expected a bare error, got %+v / %v", res, err)
	}
}

func TestStartDeliversProgressAndResult(t *testing.T) {
	s := newTestService(t, newPagedSource(scenarioPages()...), nil)
	run := s.Start(context.Background(), LoadRequest{OrgID: 1, CharacterID: 2})
	if run.ID == "" {
		t.Fatalf("run should have an id")
	}

	var last Progress
	for p := range run.Progress() {
		last = p
	}
	if last.Stage != StageCompleted {
		t.Fatalf("last event should be completed, got %v", last)
	}
	res, err := run.Wait()
	if err != nil || res.RunID != run.ID {
		t.Fatalf("unexpected outcome %+v / %v", res, err)
	}
}

func TestServicePinsAndInvalidate(t *testing.T) {
	s := newTestService(t, newPagedSource(scenarioPages()...), newMemCache(time.Hour))
	ctx := context.Background()
	if _, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2}); err != nil {
		t.Fatalf("load: %v", err)
	}

	if pinned, err := s.TogglePinLocation(ctx, stationB); err != nil || !pinned {
		t.Fatalf("pin: %v %v", pinned, err)
	}
	groups, err := s.Groups(ctx, 1)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if !groups[0].Pinned || groups[0].Locations[0].LocationID != stationB {
		t.Fatalf("pinned group should lead: %+v", groups[0])
	}
	ids, _ := s.PinnedLocations(ctx)
	if len(ids) != 1 {
		t.Fatalf("expected one pin, got %v", ids)
	}

	if err := s.Invalidate(ctx, 1); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := s.Current(ctx, 1); ok {
		t.Fatalf("nothing should be served after invalidate")
	}
}

func TestCacheHitSupersedesRunInFlight(t *testing.T) {
	src := newPagedSource(scenarioPages()...)
	cache := newMemCache(time.Hour)
	s := newTestService(t, src, cache)
	ctx := context.Background()

	if _, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2}); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	blocked := make(chan struct{})
	armed := true
	src.block = func(ctx context.Context, page int) error {
		src.mu.Lock()
		hold := armed && page == 1
		armed = false
		src.mu.Unlock()
		if !hold {
			return nil
		}
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}

	forced := make(chan error, 1)
	go func() {
		_, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2, ForceRefresh: true})
		forced <- err
	}()
	<-blocked

	hit, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2})
	if err != nil || !hit.FromCache {
		t.Fatalf("second load should be a cache hit, got %+v / %v", hit, err)
	}

	select {
	case err := <-forced:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("in-flight run should be superseded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("in-flight run was not cancelled")
	}
	if cache.putCount() != 1 {
		t.Fatalf("superseded run must not write the cache, got %d writes", cache.putCount())
	}
	current, ok := s.Current(ctx, 1)
	if !ok || current.Tree != hit.Tree {
		t.Fatalf("published tree should be the one the cache hit returned")
	}
}

// expiringNames fails structure lookups with ErrAuthExpired once expired is set.
type expiringNames struct {
	fakeNames
	expired bool
}

func (e *expiringNames) Structure(ctx context.Context, id, charID int64) (StructureInfo, error) {
	e.mu.Lock()
	expired := e.expired
	e.mu.Unlock()
	if expired {
		return StructureInfo{}, fmt.Errorf("GET /universe/structures/%d/: %w", id, ErrAuthExpired)
	}
	return e.fakeNames.Structure(ctx, id, charID)
}

func TestAuthExpiredDuringEnrichmentFailsRun(t *testing.T) {
	src := newPagedSource(scenarioPages()...)
	cache := newMemCache(time.Hour)
	names := &expiringNames{fakeNames: fakeNames{
		names:      map[int64]string{1529: "Caldari Station", 1932: "Amarr Station"},
		structures: map[int64]StructureInfo{keepstar: {Name: "Keepstar", SolarSystemID: jita, TypeID: 35834}},
	}}
	s, err := NewService(Config{Source: src, Names: names, Reference: testReference(), Cache: cache, RetryBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	good, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pages := scenarioPages()
	pages[1] = append(pages[1], AssetRecord{ItemID: 4, TypeID: 34, LocationID: keepstar, LocationType: "item", Quantity: 5})
	src.setPages(pages...)
	names.mu.Lock()
	names.expired = true
	names.mu.Unlock()

	res, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2, ForceRefresh: true})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if res == nil || !res.Stale || res.Tree != good.Tree {
		t.Fatalf("expected the previous tree marked stale, got %+v", res)
	}
	if cache.putCount() != 1 {
		t.Fatalf("a failed run must not write the cache, got %d writes", cache.putCount())
	}
}

func TestStartStopsDeliveringWhenSuperseded(t *testing.T) {
	var pages [][]AssetRecord
	for i := 1; i <= 40; i++ {
		pages = append(pages, []AssetRecord{{ItemID: int64(i), TypeID: 34, LocationID: stationA, LocationType: "station", Quantity: 1}})
	}
	src := newPagedSource(pages...)
	src.block = func(ctx context.Context, page int) error { return ctx.Err() }
	s := newTestService(t, src, nil)

	// Nobody reads the channel, so the run stalls once the buffer is full.
	run := s.Start(context.Background(), LoadRequest{OrgID: 1, CharacterID: 2})
	deadline := time.Now().Add(5 * time.Second)
	for len(run.Progress()) < cap(run.progress) {
		if time.Now().After(deadline) {
			t.Fatalf("progress buffer never filled")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.LoadAssets(context.Background(), LoadRequest{OrgID: 1, CharacterID: 2}); err != nil {
		t.Fatalf("newer load: %v", err)
	}

	select {
	case <-run.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("superseded run stayed blocked on progress delivery")
	}
	if _, err := run.Wait(); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
}

// slowCache holds every Put until release is closed.
type slowCache struct {
	*memCache
	putting chan struct{}
	release chan struct{}
}

func (c *slowCache) Put(ctx context.Context, orgID int64, tree *Tree) (*CacheEntry, error) {
	close(c.putting)
	<-c.release
	return c.memCache.Put(ctx, orgID, tree)
}

func TestReadersDoNotWaitForCacheWrite(t *testing.T) {
	cache := &slowCache{memCache: newMemCache(time.Hour), putting: make(chan struct{}), release: make(chan struct{})}
	s := newTestService(t, newPagedSource(scenarioPages()...), cache)
	ctx := context.Background()

	loaded := make(chan error, 1)
	go func() {
		_, err := s.LoadAssets(ctx, LoadRequest{OrgID: 1, CharacterID: 2})
		loaded <- err
	}()
	<-cache.putting

	read := make(chan struct{})
	go func() {
		s.Current(ctx, 1)
		s.SearchAssets(ctx, 1, "item34name")
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(5 * time.Second):
		t.Fatalf("readers blocked behind the cache write")
	}

	close(cache.release)
	if err := <-loaded; err != nil {
		t.Fatalf("load: %v", err)
	}
	if current, ok := s.Current(ctx, 1); !ok || len(current.Tree.Roots) != 2 {
		t.Fatalf("tree should be published once the write finishes")
	}
}
