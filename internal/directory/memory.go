package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"notedesk.org/internal/ids"
)

// Memory implements Store with in-process concurrency safety. Conditional
// operations run their whole read-check-write sequence under one lock, which
// is the in-memory analogue of the document store's transactions.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	institutions map[string]Institution
	submissions  map[string]Submission
	hub          *WatchHub
	now          func() time.Time
}

// MemoryOption configures the in-memory store.
type MemoryOption func(*Memory)

// WithClock overrides the store clock (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory creates an empty in-memory directory.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		accounts:     make(map[string]Account),
		institutions: make(map[string]Institution),
		submissions:  make(map[string]Submission),
		hub:          NewWatchHub(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) GetAccount(ctx context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return acct, nil
}

func (m *Memory) FindAccountByHandle(ctx context.Context, handle string) (Account, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		return Account{}, fmt.Errorf("%w: handle is required", ErrInvalidInput)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, acct := range m.accounts {
		if strings.ToLower(acct.Handle) == handle {
			return acct, nil
		}
	}
	return Account{}, fmt.Errorf("handle %s: %w", handle, ErrNotFound)
}

func (m *Memory) ListAccounts(ctx context.Context) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountSnapshot(), nil
}

func (m *Memory) PutAccount(ctx context.Context, acct Account) (Account, error) {
	if acct.Role == "" {
		acct.Role = RoleUser
	}
	if !acct.Role.Valid() {
		return Account{}, fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, acct.Role)
	}

	m.mu.Lock()
	now := m.now()
	if acct.ID == "" {
		acct.ID = ids.New()
		acct.CreatedAt = now
	} else if prev, ok := m.accounts[acct.ID]; ok {
		acct.CreatedAt = prev.CreatedAt
	} else if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	m.accounts[acct.ID] = acct
	all := m.accountSnapshot()
	m.mu.Unlock()

	m.hub.PublishAccount(acct)
	m.hub.PublishAccounts(all)
	return acct, nil
}

func (m *Memory) GetInstitution(ctx context.Context, id string) (Institution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.institutions[id]
	if !ok {
		return Institution{}, fmt.Errorf("institution %s: %w", id, ErrNotFound)
	}
	inst.Normalize()
	return inst, nil
}

func (m *Memory) ListInstitutions(ctx context.Context) ([]Institution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Institution, 0, len(m.institutions))
	for _, inst := range m.institutions {
		inst.Normalize()
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SeedInstitutions(ctx context.Context, list []Institution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, inst := range list {
		inst.ID = strings.TrimSpace(inst.ID)
		if inst.ID == "" {
			return fmt.Errorf("%w: institution id is required", ErrInvalidInput)
		}
		if prev, ok := m.institutions[inst.ID]; ok {
			// Re-seeding refreshes the display name but never the lock.
			prev.Name = inst.Name
			prev.UpdatedAt = now
			m.institutions[inst.ID] = prev
			continue
		}
		inst.Normalize()
		inst.CreatedAt = now
		inst.UpdatedAt = now
		m.institutions[inst.ID] = inst
	}
	return nil
}

func (m *Memory) AcquireModeratorLock(ctx context.Context, institutionID, accountID string) (Institution, error) {
	m.mu.Lock()

	inst, ok := m.institutions[institutionID]
	if !ok {
		m.mu.Unlock()
		return Institution{}, fmt.Errorf("institution %s: %w", institutionID, ErrNotFound)
	}
	inst.Normalize()
	if inst.ModeratorID != "" && inst.ModeratorID != accountID {
		m.mu.Unlock()
		return Institution{}, fmt.Errorf("institution %s held by %s: %w", institutionID, inst.ModeratorID, ErrConflict)
	}
	acct, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return Institution{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if inst.ModeratorID == accountID && acct.Role == RoleModerator && acct.InstitutionID == institutionID {
		// Re-assignment to the current holder is a no-op success.
		m.mu.Unlock()
		return inst, nil
	}

	now := m.now()
	acct.Role = RoleModerator
	acct.InstitutionID = institutionID
	acct.UpdatedAt = now
	m.accounts[accountID] = acct

	inst.ModeratorID = accountID
	inst.UpdatedAt = now
	m.institutions[institutionID] = inst

	all := m.accountSnapshot()
	m.mu.Unlock()

	m.hub.PublishAccount(acct)
	m.hub.PublishAccounts(all)
	return inst, nil
}

func (m *Memory) ReleaseModeratorLock(ctx context.Context, institutionID, accountID string) error {
	m.mu.Lock()

	inst, ok := m.institutions[institutionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("institution %s: %w", institutionID, ErrNotFound)
	}
	inst.Normalize()

	now := m.now()
	var changed *Account
	if acct, ok := m.accounts[accountID]; ok && (acct.Role == RoleModerator || acct.InstitutionID != "") {
		acct.Role = RoleUser
		acct.InstitutionID = ""
		acct.UpdatedAt = now
		m.accounts[accountID] = acct
		changed = &acct
	}
	// Clear the lock only while this account still holds it.
	if inst.ModeratorID == accountID {
		inst.ModeratorID = ""
		inst.UpdatedAt = now
		m.institutions[institutionID] = inst
	}

	var all []Account
	if changed != nil {
		all = m.accountSnapshot()
	}
	m.mu.Unlock()

	if changed != nil {
		m.hub.PublishAccount(*changed)
		m.hub.PublishAccounts(all)
	}
	return nil
}

func (m *Memory) GetSubmission(ctx context.Context, id string) (Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.submissions[id]
	if !ok {
		return Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, nil
}

func (m *Memory) PutSubmission(ctx context.Context, sub Submission) (Submission, error) {
	if sub.InstitutionID == "" {
		return Submission{}, fmt.Errorf("%w: institution_id is required", ErrInvalidInput)
	}
	if sub.Status == "" {
		sub.Status = StatusPending
	}

	m.mu.Lock()
	now := m.now()
	if sub.ID == "" {
		sub.ID = ids.New()
		sub.CreatedAt = now
	} else if prev, ok := m.submissions[sub.ID]; ok {
		sub.CreatedAt = prev.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	m.submissions[sub.ID] = sub
	pending := m.pendingSnapshot(sub.InstitutionID)
	m.mu.Unlock()

	m.hub.PublishQueue(sub.InstitutionID, pending)
	return sub, nil
}

func (m *Memory) ListPendingSubmissions(ctx context.Context, institutionID string) ([]Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingSnapshot(institutionID), nil
}

func (m *Memory) DecideSubmission(ctx context.Context, id string, status SubmissionStatus, reviewerID string) (Submission, error) {
	if !status.Terminal() {
		return Submission{}, fmt.Errorf("%w: %q is not a terminal status", ErrInvalidInput, status)
	}

	m.mu.Lock()
	sub, ok := m.submissions[id]
	if !ok {
		m.mu.Unlock()
		return Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if sub.Status != StatusPending {
		// The loser of a decision race observes the committed state.
		m.mu.Unlock()
		return sub, fmt.Errorf("submission %s already %s: %w", id, sub.Status, ErrConflict)
	}

	sub.Status = status
	if status == StatusApproved {
		now := m.now()
		sub.ApprovedAt = &now
		sub.ApprovedBy = reviewerID
	}
	m.submissions[id] = sub
	pending := m.pendingSnapshot(sub.InstitutionID)
	m.mu.Unlock()

	m.hub.PublishQueue(sub.InstitutionID, pending)
	return sub, nil
}

func (m *Memory) WatchPendingSubmissions(ctx context.Context, institutionID string) <-chan []Submission {
	ch := m.hub.SubscribeQueue(ctx, institutionID)
	m.mu.RLock()
	snapshot := m.pendingSnapshot(institutionID)
	m.mu.RUnlock()
	m.hub.SendInitialQueue(institutionID, ch, snapshot)
	return ch
}

func (m *Memory) WatchAccount(ctx context.Context, accountID string) <-chan Account {
	ch := m.hub.SubscribeAccount(ctx, accountID)
	m.mu.RLock()
	acct, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if ok {
		m.hub.SendInitialAccount(accountID, ch, acct)
	}
	return ch
}

func (m *Memory) WatchAccounts(ctx context.Context) <-chan []Account {
	ch := m.hub.SubscribeAccounts(ctx)
	m.mu.RLock()
	snapshot := m.accountSnapshot()
	m.mu.RUnlock()
	m.hub.SendInitialAccounts(ch, snapshot)
	return ch
}

// callers hold m.mu
func (m *Memory) pendingSnapshot(institutionID string) []Submission {
	out := make([]Submission, 0)
	for _, sub := range m.submissions {
		if sub.InstitutionID == institutionID && sub.Status == StatusPending {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// callers hold m.mu
func (m *Memory) accountSnapshot() []Account {
	out := make([]Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
