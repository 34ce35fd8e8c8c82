// Package memory provides in-memory implementations of the storage ports:
// cache lookup, identity index, and pending-link store. It is the default
// single-process backend and the test double for the planning core.
//
// Pending-link mutations are serialized per (dataset, lookup_key) through a
// striped lock table rather than a global mutex, so concurrent batches and
// the sweep task do not serialize against each other unnecessarily.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/store"
)

const lockStripes = 64

// keyLocks is a striped lock table keyed by (dataset, lookup_key).
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(ds, lookupKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ds))
	h.Write([]byte{0})
	h.Write([]byte(lookupKey))
	return &k.stripes[h.Sum32()%lockStripes]
}

// Cache is an in-memory cache/target lookup port.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string][]store.Snapshot // dataset + "\x00" + matchKey
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{snapshots: make(map[string][]store.Snapshot)}
}

// Add registers a snapshot under a match key.
func (c *Cache) Add(ds, matchKey string, snapshot store.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ds + "\x00" + matchKey
	c.snapshots[key] = append(c.snapshots[key], snapshot)
}

// FindByMatchKey implements store.Lookup.
func (c *Cache) FindByMatchKey(_ context.Context, ds, matchKey string, includeDeleted bool) ([]store.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := c.snapshots[ds+"\x00"+matchKey]
	out := make([]store.Snapshot, 0, len(all))
	for _, s := range all {
		if s.Deleted && !includeDeleted {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Index is an in-memory identity index. Lookup keys are canonicalized on
// read and write, per the store.IdentityIndex contract.
type Index struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{} // dataset + "\x00" + lookupKey -> id set
}

// NewIndex creates an empty identity index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]map[string]struct{})}
}

// Candidates implements store.IdentityIndex.
func (i *Index) Candidates(_ context.Context, ds, lookupKey string) ([]string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	set := i.entries[ds+"\x00"+dataset.NormalizeKeyValue(lookupKey)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Upsert implements store.IdentityIndex.
func (i *Index) Upsert(_ context.Context, ds, lookupKey, resolvedID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := ds + "\x00" + dataset.NormalizeKeyValue(lookupKey)
	if i.entries[key] == nil {
		i.entries[key] = make(map[string]struct{})
	}
	i.entries[key][resolvedID] = struct{}{}
	return nil
}

// Pending is an in-memory pending-link store.
type Pending struct {
	mu    sync.RWMutex
	locks keyLocks
	next  int64
	links map[int64]store.PendingLink
}

// NewPending creates an empty pending-link store.
func NewPending() *Pending {
	return &Pending{links: make(map[int64]store.PendingLink)}
}

// Put implements store.PendingStore. An existing entry for the same
// (dataset, field, lookup_key, source_row_id) is refreshed in place,
// keeping its created-at and attempt count.
func (p *Pending) Put(_ context.Context, link store.PendingLink) (store.PendingLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, existing := range p.links {
		if existing.Dataset == link.Dataset &&
			existing.Field == link.Field &&
			existing.LookupKey == link.LookupKey &&
			existing.SourceRowID == link.SourceRowID {
			existing.Reason = link.Reason
			existing.LastChecked = link.LastChecked
			p.links[id] = existing
			return existing, nil
		}
	}
	p.next++
	link.ID = p.next
	p.links[link.ID] = link
	return link, nil
}

// GetByLookupKey implements store.PendingStore.
func (p *Pending) GetByLookupKey(_ context.Context, ds, lookupKey string) ([]store.PendingLink, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []store.PendingLink
	for _, link := range p.links {
		if link.Dataset == ds && link.LookupKey == lookupKey {
			out = append(out, link)
		}
	}
	sortLinks(out)
	return out, nil
}

// ListExpiringBefore implements store.PendingStore.
func (p *Pending) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]store.PendingLink, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []store.PendingLink
	for _, link := range p.links {
		if link.CreatedAt.Before(cutoff) {
			out = append(out, link)
		}
	}
	sortLinks(out)
	return out, nil
}

// List implements store.PendingStore.
func (p *Pending) List(_ context.Context) ([]store.PendingLink, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]store.PendingLink, 0, len(p.links))
	for _, link := range p.links {
		out = append(out, link)
	}
	sortLinks(out)
	return out, nil
}

// Touch implements store.PendingStore.
func (p *Pending) Touch(_ context.Context, id int64, at time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	link, ok := p.links[id]
	if !ok {
		return 0, nil
	}
	link.Attempts++
	link.LastChecked = at
	p.links[id] = link
	return link.Attempts, nil
}

// Delete implements store.PendingStore.
func (p *Pending) Delete(_ context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.links, id)
	return nil
}

// Do implements store.PendingStore: fn runs under the stripe lock for the
// key, serializing resolution attempts per (dataset, lookup_key).
func (p *Pending) Do(ctx context.Context, ds, lookupKey string, fn func(ctx context.Context) error) error {
	mu := p.locks.lock(ds, lookupKey)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

// sortLinks orders links oldest first, by id for stability.
func sortLinks(links []store.PendingLink) {
	sort.Slice(links, func(a, b int) bool {
		return links[a].ID < links[b].ID
	})
}
