// Package cache keeps built asset trees in memory and, optionally, in a
// persistent store so they survive restarts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/assetscope/assetscope/pkg/assets"
	"github.com/assetscope/assetscope/pkg/storage"
)

const DefaultTTL = time.Hour

// Store is the persistent layer. *storage.DB satisfies it.
type Store interface {
	LoadCache(ctx context.Context, orgID int64) (storage.CacheRow, error)
	SaveCache(ctx context.Context, row storage.CacheRow) error
	DeleteCache(ctx context.Context, orgID int64) error
}

type Options struct {
	// TTL is how long a tree is served before a rebuild. Defaults to one hour.
	TTL time.Duration
	// MinRebuildInterval makes a forced refresh serve the current tree when
	// this process built it less than this long ago. Zero disables it.
	MinRebuildInterval time.Duration
	Now                func() time.Time
	Log                assets.Logger
}

// Manager is a two-level tree cache: memory in front of an optional Store.
type Manager struct {
	store      Store
	ttl        time.Duration
	minRebuild time.Duration
	now        func() time.Time
	log        assets.Logger

	mu        sync.RWMutex
	entries   map[int64]*assets.CacheEntry
	lastBuilt map[int64]time.Time
}

// New returns a Manager. store may be nil for a memory-only cache.
func New(store Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = assets.NopLogger{}
	}
	return &Manager{
		store:      store,
		ttl:        opts.TTL,
		minRebuild: opts.MinRebuildInterval,
		now:        opts.Now,
		log:        opts.Log,
		entries:    make(map[int64]*assets.CacheEntry),
		lastBuilt:  make(map[int64]time.Time),
	}
}

// Get returns the entry for orgID from memory, falling back to the store.
// Rows that cannot be decoded are treated as missing.
func (m *Manager) Get(ctx context.Context, orgID int64) (*assets.CacheEntry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[orgID]
	m.mu.RUnlock()
	if ok || m.store == nil {
		return entry, ok
	}

	row, err := m.store.LoadCache(ctx, orgID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.log.Warnf("reading cached tree for org %d: %v", orgID, err)
		}
		return nil, false
	}
	var tree assets.Tree
	if err := json.Unmarshal(row.TreeJSON, &tree); err != nil {
		m.log.Warnf("discarding unreadable cached tree for org %d: %v", orgID, err)
		return nil, false
	}
	entry = &assets.CacheEntry{Tree: &tree, BuiltAt: row.BuiltAt, RecordCount: row.RecordCount}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A Put may have landed while we were reading.
	if cur, ok := m.entries[orgID]; ok {
		return cur, true
	}
	m.entries[orgID] = entry
	return entry, true
}

// Valid reports whether entry may be served. Empty trees and entries older
// than the TTL are invalid; force invalidates everything except a tree this
// process built within MinRebuildInterval.
func (m *Manager) Valid(orgID int64, entry *assets.CacheEntry, force bool) bool {
	if entry == nil || entry.Tree.Empty() {
		return false
	}
	now := m.now()
	if force {
		m.mu.RLock()
		last, ok := m.lastBuilt[orgID]
		m.mu.RUnlock()
		return ok && m.minRebuild > 0 && now.Sub(last) < m.minRebuild
	}
	return now.Sub(entry.BuiltAt) < m.ttl
}

// Put writes tree to the store, then swaps it into memory. The memory entry
// is replaced even when the store write fails so this process keeps serving
// the newest tree; the error is still returned.
func (m *Manager) Put(ctx context.Context, orgID int64, tree *assets.Tree) (*assets.CacheEntry, error) {
	now := m.now()
	entry := &assets.CacheEntry{Tree: tree, BuiltAt: now, RecordCount: tree.RecordCount}

	var err error
	if m.store != nil {
		var data []byte
		data, err = json.Marshal(tree)
		if err == nil {
			err = m.store.SaveCache(ctx, storage.CacheRow{OrgID: orgID, BuiltAt: now, RecordCount: tree.RecordCount, TreeJSON: data})
		}
		if err != nil {
			err = fmt.Errorf("persisting tree for org %d: %w", orgID, err)
		}
	}

	m.mu.Lock()
	m.entries[orgID] = entry
	m.lastBuilt[orgID] = now
	m.mu.Unlock()
	return entry, err
}

// Invalidate drops orgID from both layers.
func (m *Manager) Invalidate(ctx context.Context, orgID int64) error {
	m.mu.Lock()
	delete(m.entries, orgID)
	delete(m.lastBuilt, orgID)
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.DeleteCache(ctx, orgID)
}

// LastBuilt returns when orgID's tree was built in this process.
func (m *Manager) LastBuilt(orgID int64) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastBuilt[orgID]
	return t, ok
}

// Age is how old entry is by the manager's clock.
func (m *Manager) Age(entry *assets.CacheEntry) time.Duration {
	return m.now().Sub(entry.BuiltAt)
}

// TTL returns the configured time to live.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
