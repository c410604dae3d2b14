package moderation

import (
	"context"
	"errors"
	"fmt"

	"notedesk.org/internal/access"
	"notedesk.org/internal/audit"
	"notedesk.org/internal/directory"
	"notedesk.org/internal/obs"
)

// Approve moves a pending submission to approved. The permission check runs
// against the submission copy read before the transaction (fast path); the
// transition itself is a transactional read-modify-write, so exactly one of
// two racing approvers commits and the approval timestamp comes from the
// store clock.
func (s *Service) Approve(ctx context.Context, actor directory.Account, submissionID string) (directory.Submission, error) {
	sub, err := s.loadForDecision(ctx, actor, submissionID, "approve")
	if err != nil {
		return directory.Submission{}, err
	}

	decided, err := s.store.DecideSubmission(ctx, sub.ID, directory.StatusApproved, actor.ID)
	if err != nil {
		return directory.Submission{}, s.mapDecisionError(ctx, "approve", sub.ID, err)
	}

	obs.ObserveDecision("approve", "ok")
	_ = audit.LogEvent(ctx, "moderation.approve", map[string]any{
		"actor":       actor.ID,
		"submission":  decided.ID,
		"institution": decided.InstitutionID,
	})
	return decided, nil
}

// Reject moves a pending submission to rejected through a conditional write
// guarded on status = pending, preserving the monotone-transition invariant:
// an approval is never silently overwritten, and rejecting an already
// rejected item is a no-op success.
func (s *Service) Reject(ctx context.Context, actor directory.Account, submissionID string) (directory.Submission, error) {
	sub, err := s.loadForDecision(ctx, actor, submissionID, "reject")
	if err != nil {
		return directory.Submission{}, err
	}

	decided, err := s.store.DecideSubmission(ctx, sub.ID, directory.StatusRejected, actor.ID)
	if err != nil {
		if errors.Is(err, directory.ErrConflict) && decided.Status == directory.StatusRejected {
			// Someone else already rejected it; the outcome stands.
			obs.ObserveDecision("reject", "ok")
			return decided, nil
		}
		return directory.Submission{}, s.mapDecisionError(ctx, "reject", sub.ID, err)
	}

	obs.ObserveDecision("reject", "ok")
	_ = audit.LogEvent(ctx, "moderation.reject", map[string]any{
		"actor":       actor.ID,
		"submission":  decided.ID,
		"institution": decided.InstitutionID,
	})
	return decided, nil
}

// PendingQueue opens the live, institution-scoped pending view after gating
// on management rights. The channel closes when ctx ends; cancelling the
// context is the caller's teardown obligation.
func (s *Service) PendingQueue(ctx context.Context, actor directory.Account, institutionID string) (<-chan []directory.Submission, error) {
	if !access.CanManageInstitution(actor, institutionID) {
		return nil, ErrUnauthorized
	}
	return s.store.WatchPendingSubmissions(ctx, institutionID), nil
}

func (s *Service) loadForDecision(ctx context.Context, actor directory.Account, submissionID, action string) (directory.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			obs.ObserveDecision(action, "missing")
			return directory.Submission{}, fmt.Errorf("%s: %w", submissionID, ErrSubmissionMissing)
		}
		obs.ObserveDecision(action, "error")
		return directory.Submission{}, err
	}
	if !access.CanApprove(actor, sub) {
		obs.ObserveDecision(action, "denied")
		return directory.Submission{}, ErrUnauthorized
	}
	return sub, nil
}

func (s *Service) mapDecisionError(ctx context.Context, action, submissionID string, err error) error {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		obs.ObserveDecision(action, "missing")
		return fmt.Errorf("%s: %w", submissionID, ErrSubmissionMissing)
	case errors.Is(err, directory.ErrConflict):
		obs.ObserveDecision(action, "conflict")
		return fmt.Errorf("%s: %w", submissionID, ErrAlreadyModerated)
	default:
		obs.ObserveDecision(action, "error")
		return err
	}
}
