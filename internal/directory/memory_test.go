package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedStore(t *testing.T, m *Memory) (Account, Institution) {
	t.Helper()
	acct, err := m.PutAccount(context.Background(), Account{ID: "acct-1", Handle: "ada@example.edu"})
	if err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}
	if err := m.SeedInstitutions(context.Background(), []Institution{{ID: "inst-1", Name: "Alpha"}}); err != nil {
		t.Fatalf("SeedInstitutions failed: %v", err)
	}
	inst, err := m.GetInstitution(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetInstitution failed: %v", err)
	}
	return acct, inst
}

func TestSeedInstitutionsKeepsLock(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)
	if _, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("AcquireModeratorLock failed: %v", err)
	}

	// Re-seeding the same institution must refresh the name only.
	if err := m.SeedInstitutions(context.Background(), []Institution{{ID: "inst-1", Name: "Alpha Renamed"}}); err != nil {
		t.Fatalf("re-seed failed: %v", err)
	}
	inst, err := m.GetInstitution(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetInstitution failed: %v", err)
	}
	if inst.Name != "Alpha Renamed" {
		t.Fatalf("expected renamed institution, got %q", inst.Name)
	}
	if inst.ModeratorID != "acct-1" {
		t.Fatalf("re-seed dropped the moderator lock: %+v", inst)
	}
}

func TestSeedInstitutionsRequiresID(t *testing.T) {
	m := NewMemory()
	err := m.SeedInstitutions(context.Background(), []Institution{{Name: "Nameless"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLegacyModeratorSetIsFoldedOnRead(t *testing.T) {
	m := NewMemory()
	m.institutions["inst-legacy"] = Institution{
		ID:                 "inst-legacy",
		Name:               "Old Shape",
		LegacyModeratorIDs: []string{"acct-9", "acct-ignored"},
	}

	inst, err := m.GetInstitution(context.Background(), "inst-legacy")
	if err != nil {
		t.Fatalf("GetInstitution failed: %v", err)
	}
	if inst.ModeratorID != "acct-9" {
		t.Fatalf("expected legacy set folded to acct-9, got %q", inst.ModeratorID)
	}
	if inst.LegacyModeratorIDs != nil {
		t.Fatalf("legacy set should not survive normalization: %v", inst.LegacyModeratorIDs)
	}
}

func TestAcquireModeratorLock(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)

	inst, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1")
	if err != nil {
		t.Fatalf("AcquireModeratorLock failed: %v", err)
	}
	if inst.ModeratorID != "acct-1" {
		t.Fatalf("lock not recorded: %+v", inst)
	}
	acct, err := m.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Role != RoleModerator || acct.InstitutionID != "inst-1" {
		t.Fatalf("account not promoted: %+v", acct)
	}
}

func TestAcquireModeratorLockHeldByAnother(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)
	if _, err := m.PutAccount(context.Background(), Account{ID: "acct-2", Handle: "bea@example.edu"}); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}
	if _, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	_, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for held lock, got %v", err)
	}

	// Failed acquisition must leave the target account untouched.
	acct, err := m.GetAccount(context.Background(), "acct-2")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Role != RoleUser || acct.InstitutionID != "" {
		t.Fatalf("failed acquire wrote to account: %+v", acct)
	}
}

func TestAcquireModeratorLockSameHolderNoOp(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMemory(WithClock(func() time.Time { return clock }))
	seedStore(t, m)
	if _, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	clock = clock.Add(time.Hour)
	inst, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1")
	if err != nil {
		t.Fatalf("re-acquire by holder failed: %v", err)
	}
	if inst.ModeratorID != "acct-1" {
		t.Fatalf("lock lost on re-acquire: %+v", inst)
	}
	acct, err := m.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !acct.UpdatedAt.Before(clock) {
		t.Fatalf("re-acquire should not touch the account, updated at %v", acct.UpdatedAt)
	}
}

func TestAcquireModeratorLockMissingRecords(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)

	if _, err := m.AcquireModeratorLock(context.Background(), "inst-missing", "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing institution, got %v", err)
	}
	if _, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing account, got %v", err)
	}
}

func TestReleaseModeratorLock(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)
	if _, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := m.ReleaseModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	inst, err := m.GetInstitution(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetInstitution failed: %v", err)
	}
	if inst.ModeratorID != "" {
		t.Fatalf("lock not cleared: %+v", inst)
	}
	acct, err := m.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Role != RoleUser || acct.InstitutionID != "" {
		t.Fatalf("account not demoted: %+v", acct)
	}

	// Releasing again is a no-op.
	if err := m.ReleaseModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
}

func TestReleaseModeratorLockKeepsOtherHolder(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)
	if _, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := m.ReleaseModeratorLock(context.Background(), "inst-1", "acct-other"); err != nil {
		t.Fatalf("release by non-holder failed: %v", err)
	}
	inst, err := m.GetInstitution(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetInstitution failed: %v", err)
	}
	if inst.ModeratorID != "acct-1" {
		t.Fatalf("release by non-holder cleared the lock: %+v", inst)
	}
}

func TestDecideSubmission(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(WithClock(func() time.Time { return clock }))
	seedStore(t, m)
	sub, err := m.PutSubmission(context.Background(), Submission{InstitutionID: "inst-1", Subject: "Calculus"})
	if err != nil {
		t.Fatalf("PutSubmission failed: %v", err)
	}

	clock = clock.Add(time.Minute)
	decided, err := m.DecideSubmission(context.Background(), sub.ID, StatusApproved, "acct-1")
	if err != nil {
		t.Fatalf("DecideSubmission failed: %v", err)
	}
	if decided.Status != StatusApproved || decided.ApprovedBy != "acct-1" {
		t.Fatalf("unexpected decision record: %+v", decided)
	}
	if decided.ApprovedAt == nil || !decided.ApprovedAt.Equal(clock) {
		t.Fatalf("approval timestamp should come from the store clock: %v", decided.ApprovedAt)
	}

	// The loser of a race observes the committed record alongside the conflict.
	again, err := m.DecideSubmission(context.Background(), sub.ID, StatusRejected, "acct-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if again.Status != StatusApproved || again.ApprovedBy != "acct-1" {
		t.Fatalf("conflict should return the committed record: %+v", again)
	}
}

func TestDecideSubmissionValidation(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)

	if _, err := m.DecideSubmission(context.Background(), "sub-x", StatusPending, "acct-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-terminal status, got %v", err)
	}
	if _, err := m.DecideSubmission(context.Background(), "sub-missing", StatusApproved, "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecideSubmissionConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)
	sub, err := m.PutSubmission(context.Background(), Submission{InstitutionID: "inst-1", Subject: "Physics"})
	if err != nil {
		t.Fatalf("PutSubmission failed: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan SubmissionStatus, racers)
	for i := 0; i < racers; i++ {
		status := StatusApproved
		if i%2 == 1 {
			status = StatusRejected
		}
		wg.Add(1)
		go func(status SubmissionStatus) {
			defer wg.Done()
			if _, err := m.DecideSubmission(context.Background(), sub.ID, status, "acct-1"); err == nil {
				wins <- status
			}
		}(status)
	}
	wg.Wait()
	close(wins)

	var winners []SubmissionStatus
	for s := range wins {
		winners = append(winners, s)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	final, err := m.GetSubmission(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}
	if final.Status != winners[0] {
		t.Fatalf("stored status %s does not match winner %s", final.Status, winners[0])
	}
}

func TestWatchPendingSubmissions(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)
	sub, err := m.PutSubmission(context.Background(), Submission{InstitutionID: "inst-1", Subject: "Algebra"})
	if err != nil {
		t.Fatalf("PutSubmission failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := m.WatchPendingSubmissions(ctx, "inst-1")

	snapshot := waitForQueue(t, ch)
	if len(snapshot) != 1 || snapshot[0].ID != sub.ID {
		t.Fatalf("unexpected initial snapshot: %+v", snapshot)
	}

	if _, err := m.DecideSubmission(context.Background(), sub.ID, StatusApproved, "acct-1"); err != nil {
		t.Fatalf("DecideSubmission failed: %v", err)
	}
	snapshot = waitForQueueUpdate(t, ch, func(list []Submission) bool { return len(list) == 0 })
	if len(snapshot) != 0 {
		t.Fatalf("approved submission should leave the queue: %+v", snapshot)
	}

	cancel()
	waitForClose(t, ch)
}

func TestWatchAccount(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.WatchAccount(ctx, "acct-1")

	select {
	case acct := <-ch:
		if acct.Role != RoleUser {
			t.Fatalf("unexpected initial account: %+v", acct)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial account snapshot")
	}

	if _, err := m.AcquireModeratorLock(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	deadline := time.After(time.Second)
	for {
		select {
		case acct := <-ch:
			if acct.Role == RoleModerator && acct.InstitutionID == "inst-1" {
				return
			}
		case <-deadline:
			t.Fatal("promotion never reached the watcher")
		}
	}
}

func TestWatchSurvivesImmediateCancel(t *testing.T) {
	m := NewMemory()
	seedStore(t, m)
	if _, err := m.PutSubmission(context.Background(), Submission{InstitutionID: "inst-1", Subject: "Algebra"}); err != nil {
		t.Fatalf("PutSubmission failed: %v", err)
	}

	// A subscriber whose context already ended: the hub close races the
	// initial snapshot delivery.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				drainQueue(m.WatchPendingSubmissions(ctx, "inst-1"))
				ctx, cancel = context.WithCancel(context.Background())
				cancel()
				drainAccount(m.WatchAccount(ctx, "acct-1"))
				ctx, cancel = context.WithCancel(context.Background())
				cancel()
				drainAccounts(m.WatchAccounts(ctx))
			}
		}()
	}
	wg.Wait()
}

func drainQueue(ch <-chan []Submission) {
	for range ch {
	}
}

func drainAccount(ch <-chan Account) {
	for range ch {
	}
}

func drainAccounts(ch <-chan []Account) {
	for range ch {
	}
}

func waitForQueue(t *testing.T, ch <-chan []Submission) []Submission {
	t.Helper()
	select {
	case list, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed early")
		}
		return list
	case <-time.After(time.Second):
		t.Fatal("no queue snapshot")
	}
	return nil
}

func waitForQueueUpdate(t *testing.T, ch <-chan []Submission, want func([]Submission) bool) []Submission {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case list, ok := <-ch:
			if !ok {
				t.Fatal("watch channel closed early")
			}
			if want(list) {
				return list
			}
		case <-deadline:
			t.Fatal("queue update never arrived")
		}
	}
}

func waitForClose(t *testing.T, ch <-chan []Submission) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}
