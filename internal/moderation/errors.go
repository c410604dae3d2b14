package moderation

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized        = errors.New("moderation: unauthorized")
	ErrAccountNotFound     = errors.New("moderation: account not found")
	ErrInstitutionNotFound = errors.New("moderation: institution not found")
	ErrInstitutionLocked   = errors.New("moderation: institution already has a moderator")
	ErrSubmissionMissing   = errors.New("moderation: submission no longer exists")
	// ErrAlreadyModerated tells the loser of a decision race that the
	// submission reached a terminal status through someone else.
	ErrAlreadyModerated    = errors.New("moderation: submission already moderated")
)

// UnknownAccountError carries the cached handles as a diagnostic hint when an
// assignment target cannot be resolved.
type UnknownAccountError struct {
	Ref          string
	KnownHandles []string
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("no account matches %q", e.Ref)
}

func (e *UnknownAccountError) Unwrap() error { return ErrAccountNotFound }
