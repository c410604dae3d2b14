// Smoke check for the moderation core: runs the assignment and lifecycle
// invariants end-to-end against the in-memory directory. Exits non-zero on
// the first violation, so it can gate a CI pipeline without a database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"notedesk.org/internal/directory"
	"notedesk.org/internal/moderation"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := directory.NewMemory()
	if err := store.SeedInstitutions(ctx, []directory.Institution{
		{ID: "inst-alpha", Name: "Alpha University"},
	}); err != nil {
		log.Fatalf("seed: %v", err)
	}

	admin, err := store.PutAccount(ctx, directory.Account{Handle: "root@notedesk.org", Role: directory.RoleSuperadmin})
	if err != nil {
		log.Fatalf("create admin: %v", err)
	}
	u1, err := store.PutAccount(ctx, directory.Account{Handle: "u1@example.edu"})
	if err != nil {
		log.Fatalf("create u1: %v", err)
	}
	u2, err := store.PutAccount(ctx, directory.Account{Handle: "u2@example.edu"})
	if err != nil {
		log.Fatalf("create u2: %v", err)
	}

	svc, err := moderation.NewService(store, nil)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	// One lock per institution.
	mod, err := svc.AssignModerator(ctx, admin, u1.ID, "inst-alpha")
	if err != nil {
		log.Fatalf("assign u1: %v", err)
	}
	if _, err := svc.AssignModerator(ctx, admin, u2.ID, "inst-alpha"); !errors.Is(err, moderation.ErrInstitutionLocked) {
		log.Fatalf("lock invariant broken: %v", err)
	}

	// Exactly one of two racing approvals commits.
	sub, err := store.PutSubmission(ctx, directory.Submission{InstitutionID: "inst-alpha", Subject: "smoke"})
	if err != nil {
		log.Fatalf("create submission: %v", err)
	}
	var wg sync.WaitGroup
	wins := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Approve(ctx, mod, sub.ID); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		log.Fatalf("expected one approval winner, got %d", winners)
	}

	// Reject never overwrites an approval.
	if _, err := svc.Reject(ctx, mod, sub.ID); !errors.Is(err, moderation.ErrAlreadyModerated) {
		log.Fatalf("monotone transition broken: %v", err)
	}

	// Revoke demotes and a fresh read loses the role.
	if err := svc.RevokeModerator(ctx, admin, mod.ID, "inst-alpha"); err != nil {
		log.Fatalf("revoke: %v", err)
	}
	fresh, err := store.GetAccount(ctx, mod.ID)
	if err != nil {
		log.Fatalf("reload moderator: %v", err)
	}
	if fresh.Role != directory.RoleUser {
		log.Fatalf("revoke did not demote: %+v", fresh)
	}

	fmt.Println("✅ moderation smoke test passed")
}
