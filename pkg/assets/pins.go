package assets

import (
	"context"
	"sort"
	"sync"
)

// PinStore persists pinned location ids.
type PinStore interface {
	PinnedLocations(ctx context.Context) ([]int64, error)
	SetPinned(ctx context.Context, locationID int64, pinned bool) error
}

// PinSet is the in-memory, lock-protected view of the pinned locations.
// It is loaded lazily from its store on first use.
type PinSet struct {
	store PinStore

	mu     sync.RWMutex
	ids    map[int64]struct{}
	loaded bool
}

func NewPinSet(store PinStore) *PinSet {
	return &PinSet{store: store, ids: make(map[int64]struct{})}
}

func (p *PinSet) ensureLoaded(ctx context.Context) error {
	p.mu.RLock()
	loaded := p.loaded
	p.mu.RUnlock()
	if loaded || p.store == nil {
		return nil
	}

	ids, err := p.store.PinnedLocations(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	for _, id := range ids {
		p.ids[id] = struct{}{}
	}
	p.loaded = true
	return nil
}

// Toggle flips the pin on locationID and reports the new state. The store is
// written before memory so a failed write leaves both unchanged.
func (p *PinSet) Toggle(ctx context.Context, locationID int64) (bool, error) {
	if err := p.ensureLoaded(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	_, pinned := p.ids[locationID]
	if p.store != nil {
		if err := p.store.SetPinned(ctx, locationID, !pinned); err != nil {
			return pinned, err
		}
	}
	if pinned {
		delete(p.ids, locationID)
	} else {
		p.ids[locationID] = struct{}{}
	}
	return !pinned, nil
}

// Contains reports whether locationID is pinned. Call IDs or Toggle first
// when the set may not be loaded yet.
func (p *PinSet) Contains(locationID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[locationID]
	return ok
}

// IDs returns the pinned ids in ascending order.
func (p *PinSet) IDs(ctx context.Context) ([]int64, error) {
	if err := p.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int64, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
