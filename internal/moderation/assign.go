// Package moderation drives moderator assignment and the submission
// lifecycle over the shared directory store. Every exported operation
// re-checks authorization against the actor's current account record and
// returns typed errors; it never performs UI side effects.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"notedesk.org/internal/access"
	"notedesk.org/internal/audit"
	"notedesk.org/internal/directory"
	"notedesk.org/internal/obs"
)

// Service exposes the assignment and lifecycle operations.
type Service struct {
	store   directory.Store
	handles *HandleCache
}

// NewService constructs the moderation service. A nil cache gets a private
// one; callers that want live refresh start HandleCache.Run themselves.
func NewService(store directory.Store, handles *HandleCache) (*Service, error) {
	if store == nil {
		return nil, errors.New("moderation: directory store is required")
	}
	if handles == nil {
		handles = NewHandleCache()
	}
	return &Service{store: store, handles: handles}, nil
}

// Handles returns the cache so the caller can wire its refresh loop.
func (s *Service) Handles() *HandleCache { return s.handles }

// AssignModerator grants targetRef the moderator role for institutionID under
// the one-lock-per-institution invariant. targetRef is an account ID, or a
// handle when it contains an "@". The lock acquisition is a single
// conditional transaction in the store, so two concurrent assignments to the
// same unlocked institution cannot both commit.
func (s *Service) AssignModerator(ctx context.Context, actor directory.Account, targetRef, institutionID string) (directory.Account, error) {
	institutionID = strings.TrimSpace(institutionID)
	targetRef = strings.TrimSpace(targetRef)
	if institutionID == "" || targetRef == "" {
		return directory.Account{}, fmt.Errorf("%w: target and institution_id are required", directory.ErrInvalidInput)
	}
	if !access.CanAssignModerator(actor) {
		obs.ObserveAssignment("assign", "denied")
		return directory.Account{}, ErrUnauthorized
	}

	target, err := s.resolveTarget(ctx, targetRef)
	if err != nil {
		obs.ObserveAssignment("assign", "not_found")
		return directory.Account{}, err
	}

	if _, err := s.store.AcquireModeratorLock(ctx, institutionID, target.ID); err != nil {
		switch {
		case errors.Is(err, directory.ErrConflict):
			obs.ObserveAssignment("assign", "locked")
			return directory.Account{}, fmt.Errorf("%s: %w", institutionID, ErrInstitutionLocked)
		case errors.Is(err, directory.ErrNotFound):
			// The target resolved above, so a missing record here is almost
			// always the institution. Re-check to report the right subject.
			obs.ObserveAssignment("assign", "not_found")
			if _, instErr := s.store.GetInstitution(ctx, institutionID); errors.Is(instErr, directory.ErrNotFound) {
				return directory.Account{}, fmt.Errorf("%s: %w", institutionID, ErrInstitutionNotFound)
			}
			return directory.Account{}, fmt.Errorf("%v: %w", err, ErrAccountNotFound)
		default:
			obs.ObserveAssignment("assign", "error")
			return directory.Account{}, err
		}
	}

	target.Role = directory.RoleModerator
	target.InstitutionID = institutionID
	s.handles.Put(target)

	obs.ObserveAssignment("assign", "ok")
	_ = audit.LogEvent(ctx, "moderation.assign", map[string]any{
		"actor":       actor.ID,
		"target":      target.ID,
		"institution": institutionID,
	})
	return target, nil
}

// RevokeModerator resets the target account to a plain user and releases the
// institution lock it holds. Idempotent: revoking an already-unassigned
// account succeeds, and a lock re-assigned to someone else is left alone.
func (s *Service) RevokeModerator(ctx context.Context, actor directory.Account, targetID, institutionID string) error {
	institutionID = strings.TrimSpace(institutionID)
	targetID = strings.TrimSpace(targetID)
	if institutionID == "" || targetID == "" {
		return fmt.Errorf("%w: target and institution_id are required", directory.ErrInvalidInput)
	}
	if !access.CanRevokeModerator(actor) {
		obs.ObserveAssignment("revoke", "denied")
		return ErrUnauthorized
	}

	if err := s.store.ReleaseModeratorLock(ctx, institutionID, targetID); err != nil {
		obs.ObserveAssignment("revoke", "error")
		return err
	}

	obs.ObserveAssignment("revoke", "ok")
	_ = audit.LogEvent(ctx, "moderation.revoke", map[string]any{
		"actor":       actor.ID,
		"target":      targetID,
		"institution": institutionID,
	})
	return nil
}

// resolveTarget disambiguates by syntactic shape: an "@" marks a handle,
// anything else is treated as a stable identifier.
func (s *Service) resolveTarget(ctx context.Context, ref string) (directory.Account, error) {
	if !strings.Contains(ref, "@") {
		acct, err := s.store.GetAccount(ctx, ref)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return directory.Account{}, &UnknownAccountError{Ref: ref, KnownHandles: s.handles.KnownHandles()}
			}
			return directory.Account{}, err
		}
		return acct, nil
	}

	if acct, ok := s.handles.Lookup(ref); ok {
		return acct, nil
	}
	acct, err := s.store.FindAccountByHandle(ctx, ref)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return directory.Account{}, &UnknownAccountError{Ref: ref, KnownHandles: s.handles.KnownHandles()}
		}
		return directory.Account{}, err
	}
	s.handles.Put(acct)
	return acct, nil
}
