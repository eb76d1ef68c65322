package assets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TreeCache stores built trees per organization. Implementations must swap
// entries atomically so readers never see a partial tree.
type TreeCache interface {
	Get(ctx context.Context, orgID int64) (*CacheEntry, bool)
	// Valid reports whether entry can be served instead of rebuilding.
	Valid(orgID int64, entry *CacheEntry, force bool) bool
	// Put stores tree and returns the entry now being served. The returned
	// entry is usable even when the error is non-nil.
	Put(ctx context.Context, orgID int64, tree *Tree) (*CacheEntry, error)
	Invalidate(ctx context.Context, orgID int64) error
}

// Config wires a Service to its collaborators.
type Config struct {
	Source    Source
	Names     NameSource
	Reference Reference
	Cache     TreeCache // optional, every load rebuilds without one
	Pins      PinStore  // optional, pins are kept in memory without one

	FetchConcurrency   int
	ResolveConcurrency int
	MaxAttempts        int
	RetryBackoff       time.Duration
	NameTTL            time.Duration

	Log Logger
}

// LoadRequest asks for one organization's tree.
type LoadRequest struct {
	OrgID        int64
	CharacterID  int64
	ForceRefresh bool
	// OnProgress receives events in stage order. Calls are serialized.
	OnProgress func(Progress)
	// RunID tags log lines; one is generated when empty.
	RunID string

	// progress is set by Start.
	progress chan<- Progress
}

// Result is the outcome of LoadAssets.
type Result struct {
	Tree      *Tree
	BuiltAt   time.Time
	FromCache bool
	// Stale is set when a rebuild failed and the previous tree is returned
	// alongside the error.
	Stale    bool
	RunID    string
	Problems []error
}

type runState struct {
	gen    uint64
	cancel context.CancelFunc
	// committing is non-nil while the run writes its tree to the cache.
	committing chan struct{}
}

// Service is the entry point for loading, searching and pinning.
type Service struct {
	cfg  Config
	log  Logger
	pins *PinSet

	mu        sync.Mutex
	gen       uint64
	runs      map[int64]*runState
	published map[int64]*CacheEntry
	resolvers map[int64]*Resolver
}

// NewService validates cfg and returns a ready Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("assets: config has no asset source")
	case cfg.Names == nil:
		return nil, errors.New("assets: config has no name source")
	case cfg.Reference == nil:
		return nil, errors.New("assets: config has no reference store")
	}
	return &Service{
		cfg:       cfg,
		log:       orNop(cfg.Log),
		pins:      NewPinSet(cfg.Pins),
		runs:      make(map[int64]*runState),
		published: make(map[int64]*CacheEntry),
		resolvers: make(map[int64]*Resolver),
	}, nil
}

// LoadAssets returns the organization's tree, from cache when the cached
// entry is still valid and by a full rebuild otherwise. Starting a load for
// an organization cancels any load already running for it, including when
// the new call is served from cache; the cancelled call returns ErrSuperseded
// and never touches the cache.
func (s *Service) LoadAssets(ctx context.Context, req LoadRequest) (*Result, error) {
	emitter := newProgressEmitter(req.OnProgress, req.progress)
	emitter.bind(ctx)
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	s.mu.Lock()
	s.supersedeLocked(req.OrgID)
	s.mu.Unlock()

	if s.cfg.Cache != nil {
		if entry, ok := s.cfg.Cache.Get(ctx, req.OrgID); ok && s.cfg.Cache.Valid(req.OrgID, entry, req.ForceRefresh) {
			s.log.Debugf("run %s: org %d served from cache built %s", runID, req.OrgID, entry.BuiltAt.Format(time.RFC3339))
			s.publish(req.OrgID, entry)
			emitter.emit(Progress{Stage: StageCompleted})
			return &Result{Tree: entry.Tree, BuiltAt: entry.BuiltAt, FromCache: true, RunID: runID}, nil
		}
	}

	runCtx, gen := s.beginRun(ctx, req.OrgID)
	defer s.endRun(req.OrgID, gen)
	emitter.bind(runCtx)

	s.log.Infof("run %s: rebuilding assets for org %d", runID, req.OrgID)
	start := time.Now()

	fetcher := &Fetcher{
		Source:      s.cfg.Source,
		Concurrency: s.cfg.FetchConcurrency,
		MaxAttempts: s.cfg.MaxAttempts,
		Backoff:     s.cfg.RetryBackoff,
		Log:         s.log,
	}
	records, err := fetcher.FetchAllPages(runCtx, req.OrgID, req.CharacterID, emitter.emit)
	if err != nil {
		return s.fail(ctx, req.OrgID, gen, runID, err)
	}

	emitter.emit(Progress{Stage: StageBuildingTree})
	tree, problems := BuildTree(records)
	for _, p := range problems {
		s.log.Debugf("run %s: %v", runID, p)
	}
	if len(problems) > 0 {
		s.log.Warnf("run %s: %d records could not be placed and were moved to %q", runID, len(problems), UnknownLocationName)
	}

	enricher := &Enricher{
		Resolver:    s.resolver(req.OrgID),
		Reference:   s.cfg.Reference,
		Concurrency: s.cfg.ResolveConcurrency,
		Log:         s.log,
	}
	degraded, err := enricher.Enrich(runCtx, tree, req.OrgID, req.CharacterID, emitter.emit)
	problems = append(problems, degraded...)
	if err != nil {
		return s.fail(ctx, req.OrgID, gen, runID, err)
	}
	if errors.Is(errors.Join(degraded...), ErrAuthExpired) {
		return s.fail(ctx, req.OrgID, gen, runID, ErrAuthExpired)
	}

	emitter.emit(Progress{Stage: StageSavingCache})
	entry, err := s.commit(runCtx, req.OrgID, gen, tree)
	if errors.Is(err, ErrSuperseded) {
		s.log.Infof("run %s: superseded before saving", runID)
		return nil, ErrSuperseded
	}
	if err != nil {
		s.log.Errorf("run %s: saving cache: %v", runID, err)
		problems = append(problems, err)
	}

	emitter.emit(Progress{Stage: StageCompleted})
	s.log.Infof("run %s: org %d rebuilt in %s (%d records, %d locations, %d problems)",
		runID, req.OrgID, time.Since(start).Round(time.Millisecond), tree.RecordCount, len(tree.Roots), len(problems))

	return &Result{Tree: entry.Tree, BuiltAt: entry.BuiltAt, RunID: runID, Problems: problems}, nil
}

func (s *Service) beginRun(ctx context.Context, orgID int64) (context.Context, uint64) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supersedeLocked(orgID)
	s.gen++
	s.runs[orgID] = &runState{gen: s.gen, cancel: cancel}
	return runCtx, s.gen
}

func (s *Service) endRun(orgID int64, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[orgID]; ok && r.gen == gen {
		r.cancel()
		delete(s.runs, orgID)
	}
}

// supersedeLocked cancels the run in flight for orgID. A run already writing
// its tree is allowed to finish first, so it counts as completed before the
// caller started. It must be called with s.mu held and may release it while
// waiting.
func (s *Service) supersedeLocked(orgID int64) {
	for {
		prev, ok := s.runs[orgID]
		if !ok {
			return
		}
		if prev.committing == nil {
			prev.cancel()
			delete(s.runs, orgID)
			return
		}
		done := prev.committing
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
}

// current must be called with s.mu held.
func (s *Service) current(orgID int64, gen uint64) bool {
	r, ok := s.runs[orgID]
	return ok && r.gen == gen
}

// commit stores and publishes tree unless a newer run took over. The run is
// marked as committing under the lock, so a newer load waits for the write
// instead of cancelling it; the cache write itself happens outside the lock.
func (s *Service) commit(ctx context.Context, orgID int64, gen uint64, tree *Tree) (*CacheEntry, error) {
	s.mu.Lock()
	run, ok := s.runs[orgID]
	if !ok || run.gen != gen {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	done := make(chan struct{})
	run.committing = done
	s.mu.Unlock()

	var (
		entry *CacheEntry
		err   error
	)
	if s.cfg.Cache != nil {
		entry, err = s.cfg.Cache.Put(ctx, orgID, tree)
	}
	if entry == nil {
		entry = &CacheEntry{Tree: tree, BuiltAt: time.Now(), RecordCount: tree.RecordCount}
	}

	s.mu.Lock()
	s.published[orgID] = entry
	run.committing = nil
	close(done)
	s.mu.Unlock()
	return entry, err
}

// fail turns a run error into the caller's result. A run cancelled by a newer
// one reports ErrSuperseded; anything else comes back with the last good tree
// marked stale, when there is one.
func (s *Service) fail(ctx context.Context, orgID int64, gen uint64, runID string, err error) (*Result, error) {
	s.mu.Lock()
	superseded := errors.Is(err, context.Canceled) && !s.current(orgID, gen)
	s.mu.Unlock()
	if superseded {
		s.log.Infof("run %s: superseded", runID)
		return nil, ErrSuperseded
	}

	s.log.Errorf("run %s: loading assets for org %d: %v", runID, orgID, err)
	err = fmt.Errorf("loading assets for org %d: %w", orgID, err)

	entry, ok := s.lastGood(ctx, orgID)
	if !ok {
		return nil, err
	}
	return &Result{Tree: entry.Tree, BuiltAt: entry.BuiltAt, FromCache: true, Stale: true, RunID: runID}, err
}

func (s *Service) lastGood(ctx context.Context, orgID int64) (*CacheEntry, bool) {
	s.mu.Lock()
	entry, ok := s.published[orgID]
	s.mu.Unlock()
	if ok {
		return entry, true
	}
	if s.cfg.Cache == nil {
		return nil, false
	}
	// The caller's context may be the reason we failed.
	return s.cfg.Cache.Get(context.WithoutCancel(ctx), orgID)
}

func (s *Service) publish(orgID int64, entry *CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[orgID] = entry
}

func (s *Service) resolver(orgID int64) *Resolver {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolvers[orgID]
	if !ok {
		r = NewResolver(s.cfg.Names, s.cfg.NameTTL)
		s.resolvers[orgID] = r
	}
	return r
}

// Current returns the tree being served for orgID without rebuilding. Trees
// loaded by an earlier process are read from the cache regardless of age.
func (s *Service) Current(ctx context.Context, orgID int64) (*CacheEntry, bool) {
	entry, ok := s.lastGood(ctx, orgID)
	if ok {
		s.publish(orgID, entry)
	}
	return entry, ok
}

// SearchAssets searches the tree currently served for orgID.
func (s *Service) SearchAssets(ctx context.Context, orgID int64, query string) []SearchResult {
	entry, ok := s.Current(ctx, orgID)
	if !ok {
		return nil
	}
	return Search(entry.Tree, query)
}

// TogglePinLocation flips the pin on a location and reports the new state.
func (s *Service) TogglePinLocation(ctx context.Context, locationID int64) (bool, error) {
	return s.pins.Toggle(ctx, locationID)
}

// PinnedLocations lists pinned location ids in ascending order.
func (s *Service) PinnedLocations(ctx context.Context) ([]int64, error) {
	return s.pins.IDs(ctx)
}

// Groups returns the served tree's locations grouped for display.
func (s *Service) Groups(ctx context.Context, orgID int64) ([]LocationGroup, error) {
	entry, ok := s.Current(ctx, orgID)
	if !ok {
		return nil, nil
	}
	if _, err := s.pins.IDs(ctx); err != nil {
		return nil, err
	}
	return GroupLocations(entry.Tree, s.pins.Contains), nil
}

// Invalidate drops the cached and published tree for orgID and forgets its
// resolved names.
func (s *Service) Invalidate(ctx context.Context, orgID int64) error {
	s.mu.Lock()
	delete(s.published, orgID)
	if r, ok := s.resolvers[orgID]; ok {
		r.Forget()
	}
	s.mu.Unlock()
	if s.cfg.Cache == nil {
		return nil
	}
	return s.cfg.Cache.Invalidate(ctx, orgID)
}

// Run is a load started in the background.
type Run struct {
	ID string

	progress chan Progress
	done     chan struct{}
	result   *Result
	err      error
}

// Start runs LoadAssets in a new goroutine. Progress events are delivered on
// Progress(); the channel must be drained, either directly or through Wait.
// Delivery stops once the run is cancelled or superseded.
func (s *Service) Start(ctx context.Context, req LoadRequest) *Run {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	progress := make(chan Progress, 16)
	run := &Run{
		ID:       req.RunID,
		progress: progress,
		done:     make(chan struct{}),
	}
	req.progress = progress
	go func() {
		defer close(run.done)
		defer close(progress)
		run.result, run.err = s.LoadAssets(ctx, req)
	}()
	return run
}

// Progress is closed once the run has finished.
func (r *Run) Progress() <-chan Progress {
	return r.progress
}

// Wait discards any undelivered progress and returns the run's outcome.
func (r *Run) Wait() (*Result, error) {
	for range r.progress {
	}
	<-r.done
	return r.result, r.err
}
