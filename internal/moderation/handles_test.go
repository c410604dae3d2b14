package moderation

import (
	"context"
	"testing"
	"time"

	"notedesk.org/internal/directory"
)

func TestHandleCacheFolding(t *testing.T) {
	cache := NewHandleCache()
	cache.Put(directory.Account{ID: "u1", Handle: "  Ada@Example.EDU "})
	cache.Put(directory.Account{ID: "nameless"}) // no handle, ignored

	if acct, ok := cache.Lookup("ada@example.edu"); !ok || acct.ID != "u1" {
		t.Fatalf("case-folded lookup failed: %+v ok=%v", acct, ok)
	}
	if handles := cache.KnownHandles(); len(handles) != 1 || handles[0] != "ada@example.edu" {
		t.Fatalf("unexpected known handles: %v", handles)
	}
}

func TestHandleCacheReplace(t *testing.T) {
	cache := NewHandleCache()
	cache.Put(directory.Account{ID: "old", Handle: "old@example.edu"})

	cache.Replace([]directory.Account{{ID: "new", Handle: "new@example.edu"}})
	if _, ok := cache.Lookup("old@example.edu"); ok {
		t.Fatal("stale entry survived Replace")
	}
	if acct, ok := cache.Lookup("new@example.edu"); !ok || acct.ID != "new" {
		t.Fatalf("fresh entry missing: %+v ok=%v", acct, ok)
	}
}

func TestHandleCacheRunFollowsStore(t *testing.T) {
	store := directory.NewMemory()
	cache := NewHandleCache()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.Run(ctx, store)
		close(done)
	}()

	if _, err := store.PutAccount(context.Background(), directory.Account{ID: "u1", Handle: "live@example.edu"}); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := cache.Lookup("live@example.edu"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("cache never picked up the new account")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
