package assets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// NameSource is the remote side of name resolution.
type NameSource interface {
	// Names resolves universe ids in one batch.
	Names(ctx context.Context, ids []int64) (map[int64]string, error)
	// Structure looks up a player-owned structure using characterID's access.
	Structure(ctx context.Context, structureID, characterID int64) (StructureInfo, error)
	// AssetNames returns player-given names for singleton items.
	AssetNames(ctx context.Context, orgID, characterID int64, itemIDs []int64) (map[int64]string, error)
}

const (
	defaultNameTTL   = 30 * time.Minute
	defaultBatchSize = 1000

	// maxJoinRetries bounds how often a caller redoes a shared lookup whose
	// owner was cancelled.
	maxJoinRetries = 3
)

var errNameNotFound = errors.New("no name returned")

type cachedName struct {
	name    string
	expires time.Time
}

type cachedStructure struct {
	info    StructureInfo
	expires time.Time
}

type pendingName struct {
	done chan struct{}
	name string
	err  error
}

// Resolver batch-resolves ids to names and caches the answers for a short
// while. Concurrent requests for the same id share one remote call.
// A Resolver belongs to one organization; the Service keeps one per org.
type Resolver struct {
	remote    NameSource
	ttl       time.Duration
	batchSize int
	now       func() time.Time

	mu         sync.Mutex
	names      map[int64]cachedName
	structures map[int64]cachedStructure
	pending    map[int64]*pendingName
	flight     singleflight.Group
}

// NewResolver builds a resolver. ttl <= 0 uses the default of 30 minutes.
func NewResolver(remote NameSource, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultNameTTL
	}
	return &Resolver{
		remote:     remote,
		ttl:        ttl,
		batchSize:  defaultBatchSize,
		now:        time.Now,
		names:      make(map[int64]cachedName),
		structures: make(map[int64]cachedStructure),
		pending:    make(map[int64]*pendingName),
	}
}

// Names resolves ids through the cache and the remote batch endpoint. Ids
// that could not be resolved are missing from the map; the returned error
// describes the first failure and is never fatal on its own.
func (r *Resolver) Names(ctx context.Context, ids []int64) (map[int64]string, error) {
	return r.resolveNames(ctx, ids, maxJoinRetries)
}

func (r *Resolver) resolveNames(ctx context.Context, ids []int64, retries int) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	now := r.now()
	var (
		mine  []int64
		owned = make(map[int64]bool)
		waits = make(map[int64]*pendingName)
	)

	r.mu.Lock()
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		if _, seen := waits[id]; seen {
			continue
		}
		if c, ok := r.names[id]; ok && now.Before(c.expires) {
			out[id] = c.name
			continue
		}
		if p, ok := r.pending[id]; ok {
			waits[id] = p
			continue
		}
		p := &pendingName{done: make(chan struct{})}
		r.pending[id] = p
		waits[id] = p
		owned[id] = true
		mine = append(mine, id)
	}
	r.mu.Unlock()

	for start := 0; start < len(mine); start += r.batchSize {
		end := start + r.batchSize
		if end > len(mine) {
			end = len(mine)
		}
		chunk := mine[start:end]
		got, err := r.fetchNames(ctx, chunk)
		r.settle(chunk, got, err)
	}

	var (
		firstErr error
		again    []int64
	)
	for id, p := range waits {
		select {
		case <-p.done:
		case <-ctx.Done():
			return out, ctx.Err()
		}
		if p.err != nil {
			if !owned[id] && joinedCanceled(ctx, p.err) && retries > 0 {
				again = append(again, id)
				continue
			}
			if firstErr == nil {
				firstErr = &PartialResolutionFailure{Kind: "name", ID: id, Err: p.err}
			}
			continue
		}
		out[id] = p.name
	}

	// Another caller owned these lookups and was cancelled; resolve them
	// under our own context.
	if len(again) > 0 {
		got, err := r.resolveNames(ctx, again, retries-1)
		for k, v := range got {
			out[k] = v
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

// joinedCanceled reports whether err is the cancellation of a call this
// caller only joined while its own ctx is still live.
func joinedCanceled(ctx context.Context, err error) bool {
	return ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// fetchNames calls the remote endpoint. The endpoint rejects a whole batch
// when any single id is invalid, so permanent failures are bisected until the
// offending ids are isolated.
func (r *Resolver) fetchNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	got, err := r.remote.Names(ctx, ids)
	if err == nil {
		return got, nil
	}
	if len(ids) == 1 || ctx.Err() != nil || Retryable(err) || errors.Is(err, ErrAuthExpired) {
		return nil, err
	}
	mid := len(ids) / 2
	left, lerr := r.fetchNames(ctx, ids[:mid])
	right, rerr := r.fetchNames(ctx, ids[mid:])
	merged := make(map[int64]string, len(left)+len(right))
	for k, v := range left {
		merged[k] = v
	}
	for k, v := range right {
		merged[k] = v
	}
	if lerr != nil {
		return merged, lerr
	}
	return merged, rerr
}

func (r *Resolver) settle(ids []int64, got map[int64]string, err error) {
	expires := r.now().Add(r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		p := r.pending[id]
		delete(r.pending, id)
		if name, ok := got[id]; ok && name != "" {
			r.names[id] = cachedName{name: name, expires: expires}
			p.name = name
		} else if err != nil {
			p.err = err
		} else {
			p.err = errNameNotFound
		}
		close(p.done)
	}
}

// Structure resolves a player structure. Successful answers are cached;
// failures are not, so a later run retries them.
func (r *Resolver) Structure(ctx context.Context, structureID, characterID int64) (StructureInfo, error) {
	r.mu.Lock()
	if c, ok := r.structures[structureID]; ok && r.now().Before(c.expires) {
		r.mu.Unlock()
		return c.info, nil
	}
	r.mu.Unlock()

	key := strconv.FormatInt(structureID, 10)
	for attempt := 0; ; attempt++ {
		ch := r.flight.DoChan(key, func() (interface{}, error) {
			info, err := r.remote.Structure(ctx, structureID, characterID)
			if err != nil {
				return StructureInfo{}, err
			}
			r.mu.Lock()
			r.structures[structureID] = cachedStructure{info: info, expires: r.now().Add(r.ttl)}
			r.mu.Unlock()
			return info, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return StructureInfo{}, &PartialResolutionFailure{Kind: "structure", ID: structureID, Err: ctx.Err()}
		}
		if res.Err == nil {
			return res.Val.(StructureInfo), nil
		}
		// The call we joined ran under another caller's context.
		if res.Shared && joinedCanceled(ctx, res.Err) && attempt < maxJoinRetries {
			continue
		}
		return StructureInfo{}, &PartialResolutionFailure{Kind: "structure", ID: structureID, Err: res.Err}
	}
}

// ContainerNames fetches player-given names for items in batches. Batches
// that fail are skipped; the first failure is returned alongside whatever
// did resolve.
func (r *Resolver) ContainerNames(ctx context.Context, orgID, characterID int64, itemIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	var firstErr error
	for start := 0; start < len(itemIDs); start += r.batchSize {
		end := start + r.batchSize
		if end > len(itemIDs) {
			end = len(itemIDs)
		}
		got, err := r.remote.AssetNames(ctx, orgID, characterID, itemIDs[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("container names %d-%d: %w", start, end, err)
			}
			continue
		}
		for k, v := range got {
			out[k] = v
		}
	}
	return out, firstErr
}

// Forget drops every cached answer.
func (r *Resolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = make(map[int64]cachedName)
	r.structures = make(map[int64]cachedStructure)
}
