package moderation

import (
	"context"
	"sort"
	"strings"
	"sync"

	"notedesk.org/internal/directory"
)

// HandleCache is a read-through cache mapping case-folded handles to
// accounts. Lookups serve the cached set first and fall back to the store on
// a miss; Run keeps the cache fresh from the store's live account query.
// Entries may be stale between refreshes, which is why resolution always
// falls back before reporting a target as unknown.
type HandleCache struct {
	mu       sync.RWMutex
	byHandle map[string]directory.Account
}

// NewHandleCache creates an empty cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{byHandle: make(map[string]directory.Account)}
}

// Lookup returns the cached account for a handle, if any.
func (c *HandleCache) Lookup(handle string) (directory.Account, bool) {
	key := foldHandle(handle)
	c.mu.RLock()
	defer c.mu.RUnlock()
	acct, ok := c.byHandle[key]
	return acct, ok
}

// Put records one account; accounts without a handle are ignored.
func (c *HandleCache) Put(acct directory.Account) {
	key := foldHandle(acct.Handle)
	if key == "" {
		return
	}
	c.mu.Lock()
	c.byHandle[key] = acct
	c.mu.Unlock()
}

// Replace swaps the whole cached set for a fresh snapshot.
func (c *HandleCache) Replace(accounts []directory.Account) {
	next := make(map[string]directory.Account, len(accounts))
	for _, acct := range accounts {
		if key := foldHandle(acct.Handle); key != "" {
			next[key] = acct
		}
	}
	c.mu.Lock()
	c.byHandle = next
	c.mu.Unlock()
}

// KnownHandles lists the cached handles, sorted, for diagnostics.
func (c *HandleCache) KnownHandles() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.byHandle))
	for k := range c.byHandle {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Run consumes the store's live account query until ctx ends.
func (c *HandleCache) Run(ctx context.Context, store directory.Store) {
	for snapshot := range store.WatchAccounts(ctx) {
		c.Replace(snapshot)
	}
}

func foldHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
