package directory

import "context"

// Store describes the shared directory the moderation core runs against.
// Point reads and writes are last-write-wins at the record level; the
// conditional operations run as atomic read-modify-write transactions; the
// Watch methods are live filtered queries that re-deliver the current result
// set on every relevant commit.
type Store interface {
	// Accounts
	GetAccount(ctx context.Context, id string) (Account, error)
	FindAccountByHandle(ctx context.Context, handle string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	PutAccount(ctx context.Context, acct Account) (Account, error)

	// Institutions
	GetInstitution(ctx context.Context, id string) (Institution, error)
	ListInstitutions(ctx context.Context) ([]Institution, error)
	// SeedInstitutions is an idempotent upsert keyed by institution ID; it is
	// safe to call repeatedly at bootstrap and never clobbers a moderator lock.
	SeedInstitutions(ctx context.Context, list []Institution) error

	// AcquireModeratorLock grants the moderator role atomically: within one
	// transaction it asserts the institution lock is absent or already held by
	// accountID, then writes both the account role/assignment and the lock.
	// A different holder yields ErrConflict and no writes.
	AcquireModeratorLock(ctx context.Context, institutionID, accountID string) (Institution, error)
	// ReleaseModeratorLock resets the account to a plain user and clears the
	// lock only while it still equals accountID. Idempotent.
	ReleaseModeratorLock(ctx context.Context, institutionID, accountID string) error

	// Submissions
	GetSubmission(ctx context.Context, id string) (Submission, error)
	PutSubmission(ctx context.Context, sub Submission) (Submission, error)
	ListPendingSubmissions(ctx context.Context, institutionID string) ([]Submission, error)
	// DecideSubmission moves a pending submission to a terminal status inside
	// a transaction: the submission is re-read, a vanished record yields
	// ErrNotFound, an already-decided one yields ErrConflict together with the
	// committed record so the caller can observe the post-decision state, and
	// the approval timestamp is assigned by the store's own clock.
	DecideSubmission(ctx context.Context, id string, status SubmissionStatus, reviewerID string) (Submission, error)

	// Live queries. Channels deliver an initial snapshot, then the fresh
	// result set after every relevant commit, and close when ctx ends.
	WatchPendingSubmissions(ctx context.Context, institutionID string) <-chan []Submission
	WatchAccount(ctx context.Context, accountID string) <-chan Account
	WatchAccounts(ctx context.Context) <-chan []Account
}
