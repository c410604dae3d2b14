package directory

import (
	"context"
	"sync"
)

// WatchHub fan-outs directory changes to live-query subscribers. Both store
// implementations publish into a hub after each commit. Slow subscribers have
// stale snapshots replaced rather than blocking the publisher, so a consumer
// always wakes up to the latest result set.
type WatchHub struct {
	mu        sync.RWMutex
	next      int
	queueSubs map[string]map[int]chan []Submission
	acctSubs  map[string]map[int]chan Account
	allSubs   map[int]chan []Account
}

// NewWatchHub initialises an empty hub.
func NewWatchHub() *WatchHub {
	return &WatchHub{
		queueSubs: make(map[string]map[int]chan []Submission),
		acctSubs:  make(map[string]map[int]chan Account),
		allSubs:   make(map[int]chan []Account),
	}
}

// SubscribeQueue registers a pending-queue subscriber for one institution.
// The channel closes when ctx ends.
func (h *WatchHub) SubscribeQueue(ctx context.Context, institutionID string) chan []Submission {
	ch := make(chan []Submission, 1)

	h.mu.Lock()
	id := h.next
	h.next++
	subs, ok := h.queueSubs[institutionID]
	if !ok {
		subs = make(map[int]chan []Submission)
		h.queueSubs[institutionID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.queueSubs[institutionID], id)
		if len(h.queueSubs[institutionID]) == 0 {
			delete(h.queueSubs, institutionID)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// PublishQueue delivers a fresh pending snapshot to the institution's subscribers.
func (h *WatchHub) PublishQueue(institutionID string, snapshot []Submission) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.queueSubs[institutionID] {
		SendLatest(ch, snapshot)
	}
}

// SendInitialQueue delivers the first snapshot to a freshly registered
// subscriber. Registration is re-checked under the hub lock: if the
// subscriber's context already ended, the cleanup goroutine has closed the
// channel and the send must not happen.
func (h *WatchHub) SendInitialQueue(institutionID string, ch chan []Submission, snapshot []Submission) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.queueSubs[institutionID] {
		if sub == ch {
			SendLatest(ch, snapshot)
			return
		}
	}
}

// SubscribeAccount registers a self-watch on one account document.
func (h *WatchHub) SubscribeAccount(ctx context.Context, accountID string) chan Account {
	ch := make(chan Account, 1)

	h.mu.Lock()
	id := h.next
	h.next++
	subs, ok := h.acctSubs[accountID]
	if !ok {
		subs = make(map[int]chan Account)
		h.acctSubs[accountID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.acctSubs[accountID], id)
		if len(h.acctSubs[accountID]) == 0 {
			delete(h.acctSubs, accountID)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// PublishAccount delivers the updated account to its watchers.
func (h *WatchHub) PublishAccount(acct Account) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.acctSubs[acct.ID] {
		SendLatest(ch, acct)
	}
}

// SendInitialAccount delivers the current account document to a freshly
// registered watcher, skipping the send if the watcher already unregistered.
func (h *WatchHub) SendInitialAccount(accountID string, ch chan Account, acct Account) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.acctSubs[accountID] {
		if sub == ch {
			SendLatest(ch, acct)
			return
		}
	}
}

// SubscribeAccounts registers a subscriber for the full account set.
func (h *WatchHub) SubscribeAccounts(ctx context.Context) chan []Account {
	ch := make(chan []Account, 1)

	h.mu.Lock()
	id := h.next
	h.next++
	h.allSubs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.allSubs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// PublishAccounts delivers the full account set to catalog subscribers.
func (h *WatchHub) PublishAccounts(snapshot []Account) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.allSubs {
		SendLatest(ch, snapshot)
	}
}

// SendInitialAccounts delivers the first account-set snapshot to a freshly
// registered catalog subscriber, skipping the send if it already unregistered.
func (h *WatchHub) SendInitialAccounts(ch chan []Account, snapshot []Account) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.allSubs {
		if sub == ch {
			SendLatest(ch, snapshot)
			return
		}
	}
}

// SendLatest replaces a stale buffered value instead of blocking: watchers
// care about the current result set, not the history of intermediate ones.
func SendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
